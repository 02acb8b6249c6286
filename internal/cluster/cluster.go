// Package cluster holds the head's view of chunk-server membership. The
// table is shared: the health monitor is the only writer of health fields,
// placement and the API only read snapshots.
package cluster

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// HealthState of a chunk server as seen by the head.
type HealthState int

const (
	Healthy HealthState = iota
	Suspect
	Dead
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Suspect:
		return "SUSPECT"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

func (s HealthState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *HealthState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "HEALTHY":
		*s = Healthy
	case "SUSPECT":
		*s = Suspect
	case "DEAD":
		*s = Dead
	default:
		return errors.New("cluster: unknown health state " + string(b))
	}
	return nil
}

var ErrUnknownServer = errors.New("cluster: unknown chunk server")

// ChunkServerInfo is one storage node known to the head. ID is the
// server's network address; Name is what it reports about itself.
type ChunkServerInfo struct {
	ID            string      `json:"id"`
	Name          string      `json:"name,omitempty"`
	StorageUsed   uint64      `json:"storage_used"`
	StorageTotal  uint64      `json:"storage_total"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	State         HealthState `json:"state"`
}

// Utilization is used/total, or 0 when capacity has not been reported yet.
func (c ChunkServerInfo) Utilization() float64 {
	if c.StorageTotal == 0 {
		return 0
	}
	return float64(c.StorageUsed) / float64(c.StorageTotal)
}

// Membership is the table of known chunk servers. Servers are never removed.
type Membership struct {
	mu      sync.RWMutex
	servers map[string]*ChunkServerInfo
}

func NewMembership() *Membership {
	return &Membership{servers: make(map[string]*ChunkServerInfo)}
}

// Register adds id, or restarts an existing entry at Healthy. It reports
// whether the server was previously unknown.
func (m *Membership) Register(id string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.servers[id]
	if !ok {
		m.servers[id] = &ChunkServerInfo{ID: id, LastHeartbeat: at, State: Healthy}
		return true
	}
	cs.State = Healthy
	cs.LastHeartbeat = at
	return false
}

// Update applies fn to the entry for id under the write lock and returns
// the state before and after.
func (m *Membership) Update(id string, fn func(*ChunkServerInfo)) (before, after HealthState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.servers[id]
	if !ok {
		return 0, 0, ErrUnknownServer
	}
	before = cs.State
	fn(cs)
	return before, cs.State, nil
}

// Get returns a copy of one entry.
func (m *Membership) Get(id string) (ChunkServerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.servers[id]
	if !ok {
		return ChunkServerInfo{}, false
	}
	return *cs, true
}

// Snapshot returns copies of every entry sorted by ID.
func (m *Membership) Snapshot() []ChunkServerInfo {
	m.mu.RLock()
	out := make([]ChunkServerInfo, 0, len(m.servers))
	for _, cs := range m.servers {
		out = append(out, *cs)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State returns the current health of id.
func (m *Membership) State(id string) (HealthState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.servers[id]
	if !ok {
		return 0, false
	}
	return cs.State, true
}

// Len returns the number of known servers.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.servers)
}
