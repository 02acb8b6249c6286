// Package wire implements the head <-> chunk server framing: one command
// byte, then for commands that carry one a little-endian uint32 length and
// that many bytes of protobuf-encoded payload.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command is the first byte of every request.
type Command byte

const (
	CmdHeartbeat Command = 'H'
	CmdStore     Command = 'S'
	CmdFetch     Command = 'G'
)

// Store acknowledgements.
const (
	AckOK  byte = 'K'
	AckErr byte = 'E'
)

// MaxPayload bounds a single frame so a corrupt length cannot force a huge allocation.
const MaxPayload = 256 << 20

const lengthSize = 4

var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds max payload")
	ErrUnknownCommand = errors.New("wire: unknown command")
	ErrStoreRejected  = errors.New("wire: store rejected by chunk server")
)

func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "heartbeat"
	case CmdStore:
		return "store"
	case CmdFetch:
		return "fetch"
	}
	return fmt.Sprintf("unknown(%#x)", byte(c))
}

// Valid reports whether c is one of the known commands.
func (c Command) Valid() bool {
	return c == CmdHeartbeat || c == CmdStore || c == CmdFetch
}

// ReadCommand reads the leading command byte.
func ReadCommand(r io.Reader) (Command, error) {
	b, err := ReadExact(r, 1)
	if err != nil {
		return 0, err
	}
	cmd := Command(b[0])
	if !cmd.Valid() {
		return cmd, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	return cmd, nil
}

func WriteCommand(w io.Writer, cmd Command) error {
	return WriteExact(w, []byte{byte(cmd)})
}

// ReadPayload reads one length-prefixed payload.
func ReadPayload(r io.Reader) ([]byte, error) {
	hdr, err := ReadExact(r, lengthSize)
	if err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr)
	if size > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if size == 0 {
		return []byte{}, nil
	}
	payload, err := ReadExact(r, int(size))
	if errors.Is(err, io.EOF) {
		return nil, &ShortReadError{Want: int(size)}
	}
	return payload, err
}

// WritePayload writes the length prefix followed by p in a single write.
func WritePayload(w io.Writer, p []byte) error {
	if len(p) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, lengthSize+len(p))
	binary.LittleEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[lengthSize:], p)
	return WriteExact(w, buf)
}

// WriteRequest writes a command and, when msg is non-nil, its payload.
func WriteRequest(w io.Writer, cmd Command, msg Message) error {
	if msg == nil {
		return WriteCommand(w, cmd)
	}
	p := msg.Marshal()
	if len(p) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(p))
	}
	buf := make([]byte, 1+lengthSize+len(p))
	buf[0] = byte(cmd)
	binary.LittleEndian.PutUint32(buf[1:], uint32(len(p)))
	copy(buf[1+lengthSize:], p)
	return WriteExact(w, buf)
}

// ReadMessage reads one payload and decodes it into msg.
func ReadMessage(r io.Reader, msg Message) error {
	p, err := ReadPayload(r)
	if err != nil {
		return err
	}
	return msg.Unmarshal(p)
}

// WriteMessage encodes msg and writes it as one payload.
func WriteMessage(w io.Writer, msg Message) error {
	return WritePayload(w, msg.Marshal())
}
