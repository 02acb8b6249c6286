// Package health polls chunk servers with heartbeats and drives each one
// through HEALTHY -> SUSPECT -> DEAD.
package health

//go:generate mockgen -source=monitor.go -destination=prober_mock_test.go -package=health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
	"chunkfs/internal/wire"
)

// Prober sends one heartbeat request to a chunk server.
type Prober interface {
	Heartbeat(ctx context.Context, addr string) (wire.Heartbeat, error)
}

type Config struct {
	Interval    time.Duration
	Timeout     time.Duration
	GracePeriod time.Duration
}

var DefaultConfig = Config{
	Interval:    time.Second,
	Timeout:     3 * time.Second,
	GracePeriod: 10 * time.Second,
}

// Monitor is the single writer of health state in a cluster.Membership.
type Monitor struct {
	cfg     Config
	members *cluster.Membership
	prober  Prober
	onDead  func(id string)
	now     func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// OnDead registers the callback run once per transition into DEAD.
func OnDead(fn func(id string)) Option {
	return func(m *Monitor) { m.onDead = fn }
}

func NewMonitor(members *cluster.Membership, prober Prober, cfg Config, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultConfig.GracePeriod
	}
	m := &Monitor{
		cfg:      cfg,
		members:  members,
		prober:   prober,
		now:      time.Now,
		inflight: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run probes every known server each interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", m.cfg.Interval).Dur("grace", m.cfg.GracePeriod).Msg("monitor: started")
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			m.Wait()
			log.Info().Msg("monitor: stopped")
			return
		}
	}
}

// Tick starts one probe per live server that has no probe outstanding and
// returns without waiting for them.
func (m *Monitor) Tick(ctx context.Context) {
	for _, cs := range m.members.Snapshot() {
		if cs.State == cluster.Dead {
			continue
		}
		m.mu.Lock()
		busy := m.inflight[cs.ID]
		if !busy {
			m.inflight[cs.ID] = true
		}
		m.mu.Unlock()
		if busy {
			continue
		}

		m.wg.Add(1)
		go m.probe(ctx, cs.ID)
	}
}

// Wait blocks until every started probe has been applied.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) probe(ctx context.Context, id string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	hb, err := m.prober.Heartbeat(pctx, id)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Debug().Err(err).Str("server", id).Msg("monitor: heartbeat failed")
		m.ObserveFailure(id)
		return
	}
	m.ObserveHeartbeat(id, hb)
}

// ObserveHeartbeat applies a successful heartbeat from id. It returns
// false if id is unknown or DEAD; a dead server has to register again.
func (m *Monitor) ObserveHeartbeat(id string, hb wire.Heartbeat) bool {
	now := m.now()
	accepted := false
	before, after, err := m.members.Update(id, func(cs *cluster.ChunkServerInfo) {
		if cs.State == cluster.Dead {
			return
		}
		cs.State = next(cs.State, true, 0, m.cfg.GracePeriod)
		cs.LastHeartbeat = now
		cs.StorageUsed = hb.StorageUsed
		cs.StorageTotal = hb.StorageTotal
		if hb.ServerID != "" {
			cs.Name = hb.ServerID
		}
		accepted = true
	})
	if err != nil {
		return false
	}
	m.logTransition(id, before, after)
	return accepted
}

// ObserveFailure applies a missed or failed heartbeat for id.
func (m *Monitor) ObserveFailure(id string) {
	now := m.now()
	before, after, err := m.members.Update(id, func(cs *cluster.ChunkServerInfo) {
		cs.State = next(cs.State, false, now.Sub(cs.LastHeartbeat), m.cfg.GracePeriod)
	})
	if err != nil {
		return
	}
	m.logTransition(id, before, after)
	if before != cluster.Dead && after == cluster.Dead && m.onDead != nil {
		m.onDead(id)
	}
}

func (m *Monitor) logTransition(id string, before, after cluster.HealthState) {
	if before == after {
		return
	}
	ev := log.Info()
	if after == cluster.Dead {
		ev = log.Warn()
	}
	ev.Str("server", id).Stringer("from", before).Stringer("to", after).Msg("monitor: health changed")
}

// next is the health state machine. DEAD is terminal until re-registration.
func next(cur cluster.HealthState, ok bool, sinceLast, grace time.Duration) cluster.HealthState {
	if cur == cluster.Dead {
		return cluster.Dead
	}
	if ok {
		return cluster.Healthy
	}
	if cur == cluster.Suspect && sinceLast > grace {
		return cluster.Dead
	}
	return cluster.Suspect
}
