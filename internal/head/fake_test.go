package head

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chunkfs/internal/config"
	"chunkfs/internal/transport"
	"chunkfs/internal/wire"
)

var errDown = errors.New("connection refused")

// fakeServers is an in-memory set of chunk servers keyed by address.
type fakeServers struct {
	mu     sync.Mutex
	chunks map[string]map[string][]byte
	down   map[string]bool
	stores map[string]int

	// beforeStore, when set, runs ahead of every StoreChunk without the lock.
	beforeStore func(addr, id string)
}

func newFakeServers(addrs ...string) *fakeServers {
	f := &fakeServers{
		chunks: make(map[string]map[string][]byte),
		down:   make(map[string]bool),
		stores: make(map[string]int),
	}
	for _, a := range addrs {
		f.chunks[a] = make(map[string][]byte)
	}
	return f
}

func (f *fakeServers) setDown(addr string, down bool) {
	f.mu.Lock()
	f.down[addr] = down
	f.mu.Unlock()
}

func (f *fakeServers) corrupt(addr, id string) {
	f.mu.Lock()
	f.chunks[addr][id] = []byte("garbage")
	f.mu.Unlock()
}

// holder returns a server storing id, or "".
func (f *fakeServers) holder(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for addr, chunks := range f.chunks {
		if _, ok := chunks[id]; ok {
			return addr
		}
	}
	return ""
}

func (f *fakeServers) has(addr, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chunks[addr][id]
	return ok
}

func (f *fakeServers) Heartbeat(_ context.Context, addr string) (wire.Heartbeat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return wire.Heartbeat{}, errDown
	}
	var used uint64
	for _, d := range f.chunks[addr] {
		used += uint64(len(d))
	}
	return wire.Heartbeat{ServerID: addr, StorageUsed: used, StorageTotal: 1 << 30}, nil
}

func (f *fakeServers) StoreChunk(_ context.Context, addr, id string, data []byte) error {
	if f.beforeStore != nil {
		f.beforeStore(addr, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return errDown
	}
	f.chunks[addr][id] = append([]byte(nil), data...)
	f.stores[addr]++
	return nil
}

func (f *fakeServers) FetchChunk(_ context.Context, addr, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[addr] {
		return nil, errDown
	}
	d, ok := f.chunks[addr][id]
	if !ok {
		return nil, transport.ErrChunkMissing
	}
	return append([]byte(nil), d...), nil
}

func testConfig(addrs ...string) config.HeadConfig {
	cfg := config.DefaultHead()
	cfg.DataDir = ""
	cfg.ChunkSize = 4
	cfg.ChunkServers = addrs
	cfg.PlacementSeed = 42
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.GracePeriod = 100 * time.Millisecond
	cfg.RepairInterval = 50 * time.Millisecond
	cfg.RepairWorkers = 2
	return cfg
}

func newTestHead(t *testing.T, cfg config.HeadConfig, client ChunkClient) *Head {
	t.Helper()
	h, err := New(cfg, client)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
