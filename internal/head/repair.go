package head

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"chunkfs/internal/directory"
)

const repairQueueSize = 1024

var ErrNoSource = errors.New("head: chunk has no surviving replica")

type repairJob struct {
	ID      string
	ChunkID string
	Reason  string
}

// Repairer restores chunks to the replication factor. Jobs for the same
// chunk that overlap collapse into one copy.
type Repairer struct {
	h       *Head
	workers int
	queue   chan repairJob
	flight  singleflight.Group
	wg      sync.WaitGroup
}

func newRepairer(h *Head, workers int) *Repairer {
	if workers <= 0 {
		workers = 1
	}
	return &Repairer{h: h, workers: workers, queue: make(chan repairJob, repairQueueSize)}
}

// Start runs the workers until ctx is done.
func (r *Repairer) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.queue:
					r.run(ctx, job)
				}
			}
		}()
	}
}

func (r *Repairer) Wait() { r.wg.Wait() }

// Enqueue schedules chunkID without blocking. A full queue drops the job;
// the periodic sweep picks the chunk up again.
func (r *Repairer) Enqueue(chunkID, reason string) bool {
	job := repairJob{ID: uuid.NewString(), ChunkID: chunkID, Reason: reason}
	select {
	case r.queue <- job:
		log.Debug().Str("job", job.ID).Str("chunk", chunkID).Str("reason", reason).Msg("repair: queued")
		return true
	default:
		log.Warn().Str("chunk", chunkID).Msg("repair: queue full, deferring to sweep")
		return false
	}
}

// Sweep queues every chunk below the replication factor and returns how many.
func (r *Repairer) Sweep() int {
	refs := r.h.dir.UnderReplicated()
	n := 0
	for _, ref := range refs {
		if r.Enqueue(ref.ChunkID, "sweep") {
			n++
		}
	}
	if n > 0 {
		log.Info().Int("chunks", n).Msg("repair: sweep queued under-replicated chunks")
	}
	return n
}

func (r *Repairer) run(ctx context.Context, job repairJob) {
	err := r.Repair(ctx, job.ChunkID)
	switch {
	case err == nil:
	case errors.Is(err, directory.ErrNotFound):
		// file deleted since the job was queued
	case ctx.Err() != nil:
	default:
		log.Warn().Err(err).Str("job", job.ID).Str("chunk", job.ChunkID).Msg("repair: failed")
	}
}

// Repair brings chunkID back to the replication factor.
func (r *Repairer) Repair(ctx context.Context, chunkID string) error {
	_, err, _ := r.flight.Do(chunkID, func() (any, error) {
		return nil, r.repairChunk(ctx, chunkID)
	})
	return err
}

func (r *Repairer) repairChunk(ctx context.Context, chunkID string) error {
	h := r.h
	_, rec, err := h.dir.LookupChunk(chunkID)
	if err != nil {
		return err
	}
	want := h.dir.ReplicationFactor()
	need := want - len(rec.Replicas)
	if need <= 0 {
		return nil
	}
	if len(rec.Replicas) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSource, chunkID)
	}

	data, err := h.fetchVerified(ctx, rec)
	if err != nil {
		return err
	}
	targets, err := h.placer.Replenish(rec.Size, rec.Replicas, want, h.members.Snapshot())
	if err != nil {
		return err
	}
	ok, _ := h.storeAll(ctx, chunkID, data, targets)
	if len(ok) == 0 {
		return fmt.Errorf("repair %s: every target failed", chunkID)
	}

	merged, err := h.dir.AddReplicas(chunkID, ok, h.live)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSource, chunkID)
	}
	h.journal.Append(evReplicas, replicasEvent{ChunkID: chunkID, Replicas: merged})
	log.Info().Str("chunk", chunkID).Strs("added", ok).Strs("replicas", merged).Msg("repair: chunk re-replicated")

	if len(merged) < want {
		return fmt.Errorf("repair %s: %d of %d replicas", chunkID, len(merged), want)
	}
	return nil
}
