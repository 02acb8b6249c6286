// Package chunkserver stores chunks on local disk and serves them over the
// 'H'/'S'/'G' protocol.
package chunkserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/wire"
)

// Server accepts connections and answers requests until the peer closes.
type Server struct {
	store     *Store
	name      string
	ioTimeout time.Duration

	ln    net.Listener
	wg    sync.WaitGroup
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	quit  chan struct{}
	once  sync.Once
}

// NewServer reports itself to the head as name.
func NewServer(store *Store, name string, ioTimeout time.Duration) *Server {
	if ioTimeout <= 0 {
		ioTimeout = 30 * time.Second
	}
	return &Server{
		store:     store,
		name:      name,
		ioTimeout: ioTimeout,
		conns:     make(map[net.Conn]struct{}),
		quit:      make(chan struct{}),
	}
}

// Listen binds addr. Use ":0" for an ephemeral port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	log.Info().Str("addr", ln.Addr().String()).Str("name", s.name).Msg("chunkserver: listening")
	return nil
}

func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs the accept loop until Close.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting, drops open connections and waits for handlers.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		if s.ln != nil {
			err = s.ln.Close()
		}
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()

	for {
		conn.SetDeadline(time.Now().Add(s.ioTimeout))
		cmd, err := wire.ReadCommand(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosed(err) {
				log.Debug().Err(err).Str("peer", peer).Msg("chunkserver: read command")
			}
			return
		}
		if err := s.dispatch(conn, cmd); err != nil {
			log.Warn().Err(err).Str("peer", peer).Stringer("cmd", cmd).Msg("chunkserver: request failed")
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, cmd wire.Command) error {
	switch cmd {
	case wire.CmdHeartbeat:
		used, total := s.store.Usage()
		return wire.WriteMessage(conn, &wire.Heartbeat{
			ServerID:     s.name,
			StorageUsed:  used,
			StorageTotal: total,
		})

	case wire.CmdStore:
		var req wire.FileChunk
		if err := wire.ReadMessage(conn, &req); err != nil {
			return err
		}
		ack := wire.AckOK
		if err := s.store.Put(req.ChunkID, req.Data); err != nil {
			log.Warn().Err(err).Str("chunk", req.ChunkID).Msg("chunkserver: store failed")
			ack = wire.AckErr
		} else {
			log.Debug().Str("chunk", req.ChunkID).Int("size", len(req.Data)).Msg("chunkserver: stored")
		}
		return wire.WriteExact(conn, []byte{ack})

	case wire.CmdFetch:
		var req wire.FileChunk
		if err := wire.ReadMessage(conn, &req); err != nil {
			return err
		}
		data, ok, err := s.store.Get(req.ChunkID)
		if err != nil {
			log.Warn().Err(err).Str("chunk", req.ChunkID).Msg("chunkserver: fetch failed")
		}
		if !ok {
			data = nil
		}
		return wire.WriteMessage(conn, &wire.FileChunk{ChunkID: req.ChunkID, Data: data})
	}
	return wire.ErrUnknownCommand
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.Serve() }()
	select {
	case <-ctx.Done():
		s.Close()
		return <-errc
	case err := <-errc:
		return err
	}
}
