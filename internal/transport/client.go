// Package transport is the head's side of the chunk server protocol. Every
// call dials a fresh connection, performs one framed exchange and closes it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"chunkfs/internal/wire"
)

var (
	// ErrChunkMissing is returned by FetchChunk when the server answered with empty data.
	ErrChunkMissing = errors.New("transport: chunk not present on server")
	ErrWrongChunk   = errors.New("transport: server answered with a different chunk")
)

// Client talks to chunk servers. The zero value is usable with default timeouts.
type Client struct {
	DialTimeout time.Duration
	IOTimeout   time.Duration
	Dialer      func(ctx context.Context, network, addr string) (net.Conn, error)
}

const (
	defaultDialTimeout = 3 * time.Second
	defaultIOTimeout   = 30 * time.Second
)

func NewClient(dialTimeout, ioTimeout time.Duration) *Client {
	return &Client{DialTimeout: dialTimeout, IOTimeout: ioTimeout}
}

// Heartbeat sends 'H' and decodes the Heartbeat reply.
func (c *Client) Heartbeat(ctx context.Context, addr string) (wire.Heartbeat, error) {
	var hb wire.Heartbeat
	err := c.exchange(ctx, addr, func(conn net.Conn) error {
		if err := wire.WriteRequest(conn, wire.CmdHeartbeat, nil); err != nil {
			return fmt.Errorf("send heartbeat: %w", err)
		}
		if err := wire.ReadMessage(conn, &hb); err != nil {
			return fmt.Errorf("read heartbeat: %w", err)
		}
		return nil
	})
	return hb, err
}

// StoreChunk pushes data to addr and waits for the one-byte ack.
func (c *Client) StoreChunk(ctx context.Context, addr, chunkID string, data []byte) error {
	return c.exchange(ctx, addr, func(conn net.Conn) error {
		req := &wire.FileChunk{ChunkID: chunkID, Data: data}
		if err := wire.WriteRequest(conn, wire.CmdStore, req); err != nil {
			return fmt.Errorf("send chunk %s: %w", chunkID, err)
		}
		ack, err := wire.ReadExact(conn, 1)
		if err != nil {
			return fmt.Errorf("read ack for %s: %w", chunkID, err)
		}
		if ack[0] != wire.AckOK {
			return fmt.Errorf("chunk %s: %w", chunkID, wire.ErrStoreRejected)
		}
		return nil
	})
}

// FetchChunk asks addr for chunkID. It returns ErrChunkMissing when the
// server does not hold it.
func (c *Client) FetchChunk(ctx context.Context, addr, chunkID string) ([]byte, error) {
	var data []byte
	err := c.exchange(ctx, addr, func(conn net.Conn) error {
		if err := wire.WriteRequest(conn, wire.CmdFetch, &wire.FileChunk{ChunkID: chunkID}); err != nil {
			return fmt.Errorf("send fetch %s: %w", chunkID, err)
		}
		var resp wire.FileChunk
		if err := wire.ReadMessage(conn, &resp); err != nil {
			return fmt.Errorf("read chunk %s: %w", chunkID, err)
		}
		if len(resp.Data) == 0 {
			return ErrChunkMissing
		}
		if resp.ChunkID != chunkID {
			return fmt.Errorf("%w: asked %s, got %q", ErrWrongChunk, chunkID, resp.ChunkID)
		}
		data = resp.Data
		return nil
	})
	return data, err
}

func (c *Client) exchange(ctx context.Context, addr string, fn func(net.Conn) error) error {
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	ioTimeout := c.IOTimeout
	if ioTimeout <= 0 {
		ioTimeout = defaultIOTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dial := c.Dialer
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	conn, err := dial(dctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline %s: %w", addr, err)
	}

	// Unblock I/O if ctx is cancelled mid-exchange.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	return fn(conn)
}
