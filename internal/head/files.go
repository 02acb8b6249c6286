package head

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chunkfs/internal/chunker"
	"chunkfs/internal/cluster"
	"chunkfs/internal/directory"
	"chunkfs/internal/placement"
)

// ChunkID names the index-th chunk of file.
func ChunkID(file string, index int) string {
	return fmt.Sprintf("%s_chunk_%d", file, index)
}

// FileSummary is a directory listing row.
type FileSummary struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Chunks int    `json:"chunks"`
}

// WriteFile splits r into chunks and stores every chunk on R servers. The
// file becomes visible only once all of its chunks are fully replicated.
func (h *Head) WriteFile(ctx context.Context, name string, r io.Reader) (directory.FileEntry, error) {
	if !h.cfg.IsPrimary {
		return directory.FileEntry{}, ErrReadOnly
	}
	if name == "" {
		return directory.FileEntry{}, errors.New("head: empty file name")
	}
	if err := h.claim(name); err != nil {
		return directory.FileEntry{}, err
	}
	defer h.release(name)

	var recs []directory.ChunkRecord
	_, err := chunker.Each(r, h.cfg.ChunkSize, func(c chunker.Chunk) error {
		id := ChunkID(name, c.Index)
		replicas, err := h.pushChunk(ctx, id, c.Data)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.Index, err)
		}
		recs = append(recs, directory.ChunkRecord{
			ChunkID:  id,
			Index:    c.Index,
			Size:     int64(c.Size),
			Hash:     c.Hash,
			Replicas: replicas,
		})
		return nil
	})
	if err != nil {
		if len(recs) > 0 {
			log.Warn().Str("file", name).Int("orphaned", len(recs)).Msg("head: write aborted, stored chunks left unreferenced")
		}
		return directory.FileEntry{}, err
	}

	// A replica whose server died after the push is dropped here; the
	// death handler may have run before the records existed.
	committed, short, err := h.dir.RecordFile(name, recs, h.live)
	if err != nil {
		if errors.Is(err, directory.ErrExists) {
			return directory.FileEntry{}, fmt.Errorf("%w: %s", ErrFileExists, name)
		}
		return directory.FileEntry{}, err
	}
	h.journal.Append(evFile, fileEvent{File: name, Chunks: committed})
	for _, ref := range short {
		h.repair.Enqueue(ref.ChunkID, "replica lost during write")
	}
	entry := directory.FileEntry{Name: name, Chunks: committed}
	log.Info().Str("file", name).Int("chunks", len(committed)).Int64("size", entry.Size()).Int("short", len(short)).Msg("head: file written")
	return entry, nil
}

// live reports whether id may be named as a replica: known and not DEAD.
func (h *Head) live(id string) bool {
	st, ok := h.members.State(id)
	return ok && st != cluster.Dead
}

func (h *Head) claim(name string) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if h.writing[name] || h.dir.Exists(name) {
		return fmt.Errorf("%w: %s", ErrFileExists, name)
	}
	h.writing[name] = true
	return nil
}

func (h *Head) release(name string) {
	h.wmu.Lock()
	delete(h.writing, name)
	h.wmu.Unlock()
}

// pushChunk stores data on R servers. Failed targets are replaced with other
// eligible servers until R copies exist or no candidates are left.
func (h *Head) pushChunk(ctx context.Context, id string, data []byte) ([]string, error) {
	r := h.dir.ReplicationFactor()
	size := int64(len(data))
	targets, err := h.placer.Place(size, r, h.members.Snapshot())
	if err != nil {
		return nil, err
	}

	var stored, failed []string
	for {
		ok, bad := h.storeAll(ctx, id, data, targets)
		stored = append(stored, ok...)
		failed = append(failed, bad...)
		if len(stored) >= r {
			return stored[:r], nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		targets, err = h.placer.Replenish(size, stored, r, h.members.Snapshot(), failed...)
		if err != nil {
			return nil, fmt.Errorf("%s stored on %d of %d servers: %w", id, len(stored), r, err)
		}
		log.Debug().Str("chunk", id).Strs("failed", bad).Strs("retry", targets).Msg("head: retrying chunk push")
	}
}

// storeAll pushes data to every target concurrently and splits the targets
// by outcome.
func (h *Head) storeAll(ctx context.Context, id string, data []byte, targets []string) (ok, failed []string) {
	var mu sync.Mutex
	var g errgroup.Group
	for _, addr := range targets {
		g.Go(func() error {
			err := h.client.StoreChunk(ctx, addr, id, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("chunk", id).Str("server", addr).Msg("head: chunk push failed")
				failed = append(failed, addr)
				return nil
			}
			ok = append(ok, addr)
			return nil
		})
	}
	g.Wait()
	slices.Sort(ok)
	return ok, failed
}

// ReadFile fetches every chunk, verifies it and writes the file to w.
// Nothing is written unless every chunk was recovered intact.
func (h *Head) ReadFile(ctx context.Context, name string, w io.Writer) error {
	recs, err := h.dir.Lookup(name)
	if err != nil {
		return err
	}

	blocks := make([]chunker.Block, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, rec := range recs {
		g.Go(func() error {
			data, err := h.fetchVerified(gctx, rec)
			if err != nil {
				return err
			}
			blocks[i] = chunker.Block{Index: rec.Index, Data: data, Hash: rec.Hash}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return chunker.Reassemble(w, blocks)
}

// fetchVerified tries each replica, healthy ones first, until one returns
// data matching the recorded hash.
func (h *Head) fetchVerified(ctx context.Context, rec directory.ChunkRecord) ([]byte, error) {
	var lastErr error
	for _, addr := range h.readOrder(rec.Replicas) {
		data, err := h.client.FetchChunk(ctx, addr, rec.ChunkID)
		if err == nil {
			err = chunker.Verify(chunker.Block{Index: rec.Index, Data: data, Hash: rec.Hash})
		}
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("chunk", rec.ChunkID).Str("server", addr).Msg("head: replica read failed")
		lastErr = err
	}
	if lastErr == nil {
		return nil, fmt.Errorf("%w: %s has no replicas", ErrChunkUnavailable, rec.ChunkID)
	}
	var ie *chunker.IntegrityError
	if errors.As(lastErr, &ie) {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrChunkUnavailable, rec.ChunkID, lastErr)
}

func (h *Head) readOrder(replicas []string) []string {
	out := make([]string, 0, len(replicas))
	var later []string
	for _, id := range replicas {
		if st, ok := h.members.State(id); ok && st == cluster.Healthy {
			out = append(out, id)
		} else {
			later = append(later, id)
		}
	}
	return append(out, later...)
}

// DeleteFile forgets name. Chunk data on servers is not reclaimed.
func (h *Head) DeleteFile(name string) error {
	if !h.cfg.IsPrimary {
		return ErrReadOnly
	}
	recs, err := h.dir.Delete(name)
	if err != nil {
		return err
	}
	h.journal.Append(evDelete, deleteEvent{File: name})
	log.Info().Str("file", name).Int("chunks", len(recs)).Msg("head: file deleted")
	return nil
}

// Stat returns the file's chunk records.
func (h *Head) Stat(name string) (directory.FileEntry, error) {
	recs, err := h.dir.Lookup(name)
	if err != nil {
		return directory.FileEntry{}, err
	}
	return directory.FileEntry{Name: name, Chunks: recs}, nil
}

func (h *Head) ListFiles() []FileSummary {
	snap := h.dir.Snapshot()
	out := make([]FileSummary, 0, len(snap))
	for _, f := range snap {
		out = append(out, FileSummary{Name: f.Name, Size: f.Size(), Chunks: len(f.Chunks)})
	}
	return out
}

// insufficient reports whether err means too few eligible servers.
func insufficient(err error) bool {
	var ie *placement.InsufficientServersError
	return errors.As(err, &ie)
}
