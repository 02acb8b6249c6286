package chunkserver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chunkfs/internal/sysinfo"
)

var (
	ErrStorageFull = errors.New("chunkserver: storage full")
	ErrBadChunkID  = errors.New("chunkserver: empty chunk id")
)

const chunkExt = ".bin"

// Store keeps one file per chunk under dir.
type Store struct {
	dir      string
	capacity uint64

	mu   sync.Mutex
	used uint64
}

// OpenStore creates dir if needed and sums the chunks already on disk.
// A capacity of 0 means the size of the underlying filesystem.
func OpenStore(ctx context.Context, dir string, capacity uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkserver: create %s: %w", dir, err)
	}
	if capacity == 0 {
		total, err := sysinfo.DiskTotal(ctx, dir)
		if err != nil {
			return nil, err
		}
		capacity = total
	}

	s := &Store{dir: dir, capacity: capacity}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("chunkserver: scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), chunkExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		s.used += uint64(info.Size())
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, url.PathEscape(id)+chunkExt)
}

// Put writes data as chunk id, replacing any previous copy.
func (s *Store) Put(id string, data []byte) error {
	if id == "" {
		return ErrBadChunkID
	}
	p := s.path(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	var old uint64
	if info, err := os.Stat(p); err == nil {
		old = uint64(info.Size())
	}
	if s.used-old+uint64(len(data)) > s.capacity {
		return ErrStorageFull
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("chunkserver: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkserver: write %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkserver: write %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chunkserver: commit %s: %w", id, err)
	}
	s.used = s.used - old + uint64(len(data))
	return nil
}

// Get returns the chunk, or ok=false if it is not stored here.
func (s *Store) Get(id string) (data []byte, ok bool, err error) {
	if id == "" {
		return nil, false, nil
	}
	data, err = os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("chunkserver: read %s: %w", id, err)
	}
	return data, true, nil
}

// Usage returns used and total bytes.
func (s *Store) Usage() (used, total uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.capacity
}

func (s *Store) Dir() string { return s.dir }
