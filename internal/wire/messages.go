package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is a field-tagged payload.
type Message interface {
	Marshal() []byte
	Unmarshal([]byte) error
}

// Heartbeat is the chunk server's reply to CmdHeartbeat.
//
//	message Heartbeat {
//	  string server_id     = 1;
//	  uint64 storage_used  = 2;
//	  uint64 storage_total = 3;
//	}
type Heartbeat struct {
	ServerID     string
	StorageUsed  uint64
	StorageTotal uint64
}

// FileChunk carries a chunk payload for CmdStore and CmdFetch. An empty
// Data on a fetch reply means the chunk is not present.
//
//	message FileChunk {
//	  string chunk_id = 1;
//	  bytes  data     = 2;
//	}
type FileChunk struct {
	ChunkID string
	Data    []byte
}

const (
	heartbeatServerID     protowire.Number = 1
	heartbeatStorageUsed  protowire.Number = 2
	heartbeatStorageTotal protowire.Number = 3

	fileChunkID   protowire.Number = 1
	fileChunkData protowire.Number = 2
)

func (h *Heartbeat) Marshal() []byte {
	var b []byte
	if h.ServerID != "" {
		b = protowire.AppendTag(b, heartbeatServerID, protowire.BytesType)
		b = protowire.AppendString(b, h.ServerID)
	}
	if h.StorageUsed != 0 {
		b = protowire.AppendTag(b, heartbeatStorageUsed, protowire.VarintType)
		b = protowire.AppendVarint(b, h.StorageUsed)
	}
	if h.StorageTotal != 0 {
		b = protowire.AppendTag(b, heartbeatStorageTotal, protowire.VarintType)
		b = protowire.AppendVarint(b, h.StorageTotal)
	}
	return b
}

func (h *Heartbeat) Unmarshal(b []byte) error {
	*h = Heartbeat{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == heartbeatServerID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			h.ServerID = s
			return n, nil
		case num == heartbeatStorageUsed && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			h.StorageUsed = x
			return n, nil
		case num == heartbeatStorageTotal && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(v)
			h.StorageTotal = x
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
}

func (c *FileChunk) Marshal() []byte {
	b := make([]byte, 0, len(c.ChunkID)+len(c.Data)+16)
	if c.ChunkID != "" {
		b = protowire.AppendTag(b, fileChunkID, protowire.BytesType)
		b = protowire.AppendString(b, c.ChunkID)
	}
	if len(c.Data) > 0 {
		b = protowire.AppendTag(b, fileChunkData, protowire.BytesType)
		b = protowire.AppendBytes(b, c.Data)
	}
	return b
}

func (c *FileChunk) Unmarshal(b []byte) error {
	*c = FileChunk{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch {
		case num == fileChunkID && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(v)
			c.ChunkID = s
			return n, nil
		case num == fileChunkData && typ == protowire.BytesType:
			d, n := protowire.ConsumeBytes(v)
			if n >= 0 {
				c.Data = append([]byte(nil), d...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, v), nil
	})
}

// walkFields iterates tag/value pairs. fn consumes one value and returns
// the number of bytes used, negative on a malformed value.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("wire: bad field %d: %w", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
