// Package head coordinates the cluster: it owns chunk-server membership,
// the metadata directory and placement, and drives writes, reads and repair.
package head

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
	"chunkfs/internal/config"
	"chunkfs/internal/directory"
	"chunkfs/internal/health"
	"chunkfs/internal/placement"
	"chunkfs/internal/wire"
)

var (
	ErrFileExists       = errors.New("head: file already exists")
	ErrReadOnly         = errors.New("head: standby head is read-only")
	ErrServerDead       = errors.New("head: chunk server is dead, register again")
	ErrChunkUnavailable = errors.New("head: no replica could serve chunk")
)

// ChunkClient is the head's connection to chunk servers.
type ChunkClient interface {
	health.Prober
	StoreChunk(ctx context.Context, addr, chunkID string, data []byte) error
	FetchChunk(ctx context.Context, addr, chunkID string) ([]byte, error)
}

type Head struct {
	cfg     config.HeadConfig
	members *cluster.Membership
	dir     *directory.Directory
	placer  *placement.Engine
	client  ChunkClient
	monitor *health.Monitor
	repair  *Repairer
	journal *Journal
	started time.Time

	wmu     sync.Mutex
	writing map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a head from cfg. When cfg.DataDir is set, state is recovered
// from the checkpoint and op-log found there.
func New(cfg config.HeadConfig, client ChunkClient) (*Head, error) {
	h := &Head{
		cfg:     cfg,
		members: cluster.NewMembership(),
		dir:     directory.New(cfg.ReplicationFactor),
		placer:  placement.New(cfg.PlacementSeed, cfg.CapacityCeiling),
		client:  client,
		started: time.Now(),
		writing: make(map[string]bool),
	}
	h.monitor = health.NewMonitor(h.members, client, health.Config{
		Interval:    cfg.HeartbeatInterval,
		Timeout:     cfg.ProbeTimeout,
		GracePeriod: cfg.GracePeriod,
	}, health.OnDead(h.HandleDead))
	h.repair = newRepairer(h, cfg.RepairWorkers)

	if cfg.DataDir != "" {
		if err := recoverState(cfg.DataDir, h.dir, h.members); err != nil {
			return nil, err
		}
		j, err := OpenJournal(filepath.Join(cfg.DataDir, journalFile))
		if err != nil {
			return nil, err
		}
		h.journal = j
	}

	for _, addr := range cfg.ChunkServers {
		if _, known := h.members.Get(addr); !known {
			h.members.Register(addr, time.Now())
		}
	}
	return h, nil
}

// Start launches the background loops. A standby head only serves reads.
func (h *Head) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	if !h.cfg.IsPrimary {
		log.Info().Msg("head: standby mode, monitor and repair disabled")
		return
	}

	h.repair.Start(ctx)
	h.goLoop(func() { h.monitor.Run(ctx) })
	h.goLoop(func() { h.every(ctx, h.cfg.RepairInterval, func() { h.repair.Sweep() }) })
	if h.journal != nil {
		h.goLoop(func() { h.every(ctx, h.cfg.CheckpointInterval, h.checkpointNow) })
	}
	// Catch chunks left short by a previous run.
	h.repair.Sweep()
}

// Stop cancels the loops, waits for them and writes a last checkpoint.
func (h *Head) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.repair.Wait()
	if h.journal != nil && h.cfg.IsPrimary {
		h.checkpointNow()
	}
	h.journal.Close()
}

func (h *Head) goLoop(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

func (h *Head) every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

func (h *Head) checkpointNow() {
	if err := writeCheckpoint(h.cfg.DataDir, h.dir, h.members, h.journal); err != nil {
		log.Error().Err(err).Msg("head: checkpoint failed")
	}
}

// HandleDead drops id from every replica set and queues the affected chunks
// for re-replication.
func (h *Head) HandleDead(id string) {
	refs := h.dir.DropServer(id)
	h.journal.Append(evDrop, dropEvent{Server: id})
	log.Warn().Str("server", id).Int("chunks", len(refs)).Msg("head: chunk server dead, re-replicating")
	for _, ref := range refs {
		h.repair.Enqueue(ref.ChunkID, "server "+id+" dead")
	}
}

// Register adds addr, or revives it if it was declared dead.
func (h *Head) Register(addr string) {
	before, known := h.members.State(addr)
	h.members.Register(addr, time.Now())
	h.journal.Append(evRegister, registerEvent{Addr: addr})
	switch {
	case !known:
		log.Info().Str("server", addr).Msg("head: registered chunk server")
	case before == cluster.Dead:
		log.Info().Str("server", addr).Msg("head: dead chunk server registered again")
	}
}

// Report applies a chunk server's self-reported heartbeat.
func (h *Head) Report(req cluster.ReportRequest) error {
	st, known := h.members.State(req.Addr)
	if !known {
		return fmt.Errorf("%w: %s", cluster.ErrUnknownServer, req.Addr)
	}
	if st == cluster.Dead {
		return fmt.Errorf("%w: %s", ErrServerDead, req.Addr)
	}
	hb := heartbeatOf(req)
	if !h.monitor.ObserveHeartbeat(req.Addr, hb) {
		return fmt.Errorf("%w: %s", ErrServerDead, req.Addr)
	}
	return nil
}

func heartbeatOf(req cluster.ReportRequest) wire.Heartbeat {
	return wire.Heartbeat{
		ServerID:     req.ServerID,
		StorageUsed:  req.StorageUsed,
		StorageTotal: req.StorageTotal,
	}
}

// Servers returns every known chunk server sorted by address.
func (h *Head) Servers() []cluster.ChunkServerInfo { return h.members.Snapshot() }

// Status summarizes the head for the API.
type Status struct {
	ServerName        string         `json:"server_name"`
	IsPrimary         bool           `json:"is_primary"`
	Uptime            string         `json:"uptime"`
	Files             int            `json:"files"`
	ReplicationFactor int            `json:"replication_factor"`
	Servers           map[string]int `json:"servers"`
	UnderReplicated   int            `json:"under_replicated"`
}

func (h *Head) Status() Status {
	st := Status{
		ServerName:        h.cfg.ServerName,
		IsPrimary:         h.cfg.IsPrimary,
		Uptime:            time.Since(h.started).Round(time.Second).String(),
		Files:             len(h.dir.Files()),
		ReplicationFactor: h.dir.ReplicationFactor(),
		Servers:           map[string]int{},
		UnderReplicated:   len(h.dir.UnderReplicated()),
	}
	for _, cs := range h.members.Snapshot() {
		st.Servers[cs.State.String()]++
	}
	return st
}
