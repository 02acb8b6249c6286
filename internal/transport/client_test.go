package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"chunkfs/internal/wire"
)

// serveOnce accepts one connection, reads the fetch request and answers
// with reply.
func serveOnce(t *testing.T, reply *wire.FileChunk) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := wire.ReadCommand(conn); err != nil {
			return
		}
		var req wire.FileChunk
		if err := wire.ReadMessage(conn, &req); err != nil {
			return
		}
		wire.WriteMessage(conn, reply)
	}()
	return ln.Addr().String()
}

func TestFetchChunk(t *testing.T) {
	c := NewClient(time.Second, 2*time.Second)
	ctx := context.Background()

	addr := serveOnce(t, &wire.FileChunk{ChunkID: "f_chunk_0", Data: []byte("payload")})
	data, err := c.FetchChunk(ctx, addr, "f_chunk_0")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("data = %q", data)
	}

	addr = serveOnce(t, &wire.FileChunk{ChunkID: "f_chunk_0"})
	if _, err := c.FetchChunk(ctx, addr, "f_chunk_0"); !errors.Is(err, ErrChunkMissing) {
		t.Fatalf("empty reply: err = %v, want ErrChunkMissing", err)
	}
}

func TestFetchChunkRejectsOtherChunk(t *testing.T) {
	c := NewClient(time.Second, 2*time.Second)
	addr := serveOnce(t, &wire.FileChunk{ChunkID: "f_chunk_1", Data: []byte("payload")})

	data, err := c.FetchChunk(context.Background(), addr, "f_chunk_0")
	if !errors.Is(err, ErrWrongChunk) {
		t.Fatalf("err = %v, want ErrWrongChunk", err)
	}
	if data != nil {
		t.Fatalf("data = %q, want nil", data)
	}
}
