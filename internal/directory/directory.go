// Package directory is the head's authoritative map from file name to its
// ordered chunk records and their replica sets.
//
// Each file has its own lock, so placements for different files never
// contend; the directory-wide lock is only held to add or remove a file.
package directory

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

var (
	ErrNotFound          = errors.New("directory: not found")
	ErrInvalidReplicaSet = errors.New("directory: invalid replica set")
	ErrChunkConflict     = errors.New("directory: chunk id already recorded elsewhere")
	ErrExists            = errors.New("directory: file already exists")
)

// LiveFunc reports whether a server may still be named as a replica.
type LiveFunc func(serverID string) bool

// OutOfOrderChunkError rejects a placement that would leave a gap.
type OutOfOrderChunkError struct {
	File   string
	Index  int
	Length int
}

func (e *OutOfOrderChunkError) Error() string {
	return fmt.Sprintf("directory: %s: chunk index %d out of order (file has %d chunks)", e.File, e.Index, e.Length)
}

// ChunkRecord is one physical piece of a file.
type ChunkRecord struct {
	ChunkID  string   `json:"chunk_id"`
	Index    int      `json:"index"`
	Size     int64    `json:"size"`
	Hash     string   `json:"hash"`
	Replicas []string `json:"replicas"`
}

func (r ChunkRecord) clone() ChunkRecord {
	r.Replicas = slices.Clone(r.Replicas)
	return r
}

// FileEntry is one logical file.
type FileEntry struct {
	Name   string        `json:"name"`
	Chunks []ChunkRecord `json:"chunks"`
}

// Size is the sum of the chunk sizes.
func (f FileEntry) Size() int64 {
	var n int64
	for _, c := range f.Chunks {
		n += c.Size
	}
	return n
}

// ChunkRef locates a chunk record.
type ChunkRef struct {
	File    string `json:"file"`
	ChunkID string `json:"chunk_id"`
	Index   int    `json:"index"`
}

type fileEntry struct {
	mu      sync.Mutex
	name    string
	chunks  []ChunkRecord
	removed bool
}

// Directory is safe for concurrent use.
type Directory struct {
	replication int

	mu     sync.RWMutex
	files  map[string]*fileEntry
	chunks sync.Map // chunk id -> file name
}

// New returns an empty directory enforcing at most replication replicas per chunk.
func New(replication int) *Directory {
	return &Directory{
		replication: replication,
		files:       make(map[string]*fileEntry),
	}
}

// ReplicationFactor returns the target replica count.
func (d *Directory) ReplicationFactor() int { return d.replication }

func (d *Directory) validReplicas(replicas []string) error {
	if len(replicas) == 0 || len(replicas) > d.replication {
		return fmt.Errorf("%w: %d replicas, limit %d", ErrInvalidReplicaSet, len(replicas), d.replication)
	}
	seen := make(map[string]bool, len(replicas))
	for _, id := range replicas {
		if id == "" || seen[id] {
			return fmt.Errorf("%w: duplicate or empty server %q", ErrInvalidReplicaSet, id)
		}
		seen[id] = true
	}
	return nil
}

func (d *Directory) entry(name string) *fileEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.files[name]
}

// RecordPlacement appends rec to file when rec.Index equals the current
// chunk count, or replaces the record at rec.Index when it is lower.
// A higher index is an *OutOfOrderChunkError.
func (d *Directory) RecordPlacement(file string, rec ChunkRecord) error {
	if err := d.validReplicas(rec.Replicas); err != nil {
		return err
	}
	if rec.Index < 0 {
		return &OutOfOrderChunkError{File: file, Index: rec.Index}
	}
	if owner, ok := d.chunks.Load(rec.ChunkID); ok && owner.(string) != file {
		return fmt.Errorf("%w: %s belongs to %s", ErrChunkConflict, rec.ChunkID, owner)
	}

	e := d.entry(file)
	if e == nil {
		if rec.Index != 0 {
			return &OutOfOrderChunkError{File: file, Index: rec.Index, Length: 0}
		}
		d.mu.Lock()
		e = d.files[file]
		if e == nil {
			e = &fileEntry{name: file}
			d.files[file] = e
		}
		d.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: %s was deleted", ErrNotFound, file)
	}

	rec = rec.clone()
	switch {
	case rec.Index == len(e.chunks):
		e.chunks = append(e.chunks, rec)
	case rec.Index < len(e.chunks):
		old := e.chunks[rec.Index]
		if old.ChunkID != rec.ChunkID {
			d.chunks.Delete(old.ChunkID)
		}
		e.chunks[rec.Index] = rec
	default:
		return &OutOfOrderChunkError{File: file, Index: rec.Index, Length: len(e.chunks)}
	}
	d.chunks.Store(rec.ChunkID, file)
	return nil
}

// RecordFile installs every record of file in one step, so readers see
// either no file or all of it. Records must cover indices 0..n-1 in order.
// Replicas rejected by live are left out and their chunks are returned as
// under-replicated; a chunk with no live replica fails the whole commit.
// A nil live keeps every replica.
func (d *Directory) RecordFile(file string, recs []ChunkRecord, live LiveFunc) ([]ChunkRecord, []ChunkRef, error) {
	if len(recs) == 0 {
		return nil, nil, fmt.Errorf("%w: %s has no chunks", ErrInvalidReplicaSet, file)
	}
	ids := make(map[string]bool, len(recs))
	for i, rec := range recs {
		if rec.Index != i {
			return nil, nil, &OutOfOrderChunkError{File: file, Index: rec.Index, Length: i}
		}
		if err := d.validReplicas(rec.Replicas); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", rec.ChunkID, err)
		}
		if ids[rec.ChunkID] {
			return nil, nil, fmt.Errorf("%w: %s repeated in %s", ErrChunkConflict, rec.ChunkID, file)
		}
		ids[rec.ChunkID] = true
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[file]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrExists, file)
	}
	for _, rec := range recs {
		if owner, ok := d.chunks.Load(rec.ChunkID); ok {
			return nil, nil, fmt.Errorf("%w: %s belongs to %s", ErrChunkConflict, rec.ChunkID, owner)
		}
	}

	e := &fileEntry{name: file, chunks: make([]ChunkRecord, len(recs))}
	var short []ChunkRef
	for i, rec := range recs {
		rec = rec.clone()
		if live != nil {
			n := len(rec.Replicas)
			rec.Replicas = slices.DeleteFunc(rec.Replicas, func(id string) bool { return !live(id) })
			if len(rec.Replicas) == 0 {
				return nil, nil, fmt.Errorf("%w: %s has no live replica", ErrInvalidReplicaSet, rec.ChunkID)
			}
			if len(rec.Replicas) < n {
				short = append(short, ChunkRef{File: file, ChunkID: rec.ChunkID, Index: rec.Index})
			}
		}
		e.chunks[i] = rec
	}
	d.files[file] = e
	for _, rec := range e.chunks {
		d.chunks.Store(rec.ChunkID, file)
	}

	out := make([]ChunkRecord, len(e.chunks))
	for i, c := range e.chunks {
		out[i] = c.clone()
	}
	return out, short, nil
}

// Lookup returns a copy of the file's chunk records in index order.
func (d *Directory) Lookup(file string) ([]ChunkRecord, error) {
	e := d.entry(file)
	if e == nil {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, file)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, file)
	}
	out := make([]ChunkRecord, len(e.chunks))
	for i, c := range e.chunks {
		out[i] = c.clone()
	}
	return out, nil
}

// Exists reports whether file has at least one recorded chunk.
func (d *Directory) Exists(file string) bool {
	_, err := d.Lookup(file)
	return err == nil
}

// withChunk runs fn on the record for chunkID under its file's lock.
func (d *Directory) withChunk(chunkID string, fn func(file string, rec *ChunkRecord) error) error {
	owner, ok := d.chunks.Load(chunkID)
	if !ok {
		return fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	file := owner.(string)
	e := d.entry(file)
	if e == nil {
		return fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
	}
	for i := range e.chunks {
		if e.chunks[i].ChunkID == chunkID {
			return fn(file, &e.chunks[i])
		}
	}
	return fmt.Errorf("%w: chunk %s", ErrNotFound, chunkID)
}

// LookupChunk returns the record for chunkID and the file that owns it.
func (d *Directory) LookupChunk(chunkID string) (ChunkRef, ChunkRecord, error) {
	var ref ChunkRef
	var out ChunkRecord
	err := d.withChunk(chunkID, func(file string, rec *ChunkRecord) error {
		ref = ChunkRef{File: file, ChunkID: chunkID, Index: rec.Index}
		out = rec.clone()
		return nil
	})
	return ref, out, err
}

// UpdateReplicas replaces the replica set of chunkID.
func (d *Directory) UpdateReplicas(chunkID string, replicas []string) error {
	if err := d.validReplicas(replicas); err != nil {
		return err
	}
	return d.withChunk(chunkID, func(_ string, rec *ChunkRecord) error {
		rec.Replicas = slices.Clone(replicas)
		return nil
	})
}

// AddReplicas merges add into the current replica set of chunkID, up to the
// replication factor, and returns the resulting set. Servers rejected by
// live are neither added nor kept. A nil live keeps every server.
func (d *Directory) AddReplicas(chunkID string, add []string, live LiveFunc) ([]string, error) {
	var out []string
	err := d.withChunk(chunkID, func(_ string, rec *ChunkRecord) error {
		if live != nil {
			rec.Replicas = slices.DeleteFunc(rec.Replicas, func(id string) bool { return !live(id) })
		}
		for _, id := range add {
			if len(rec.Replicas) >= d.replication {
				break
			}
			if live != nil && !live(id) {
				continue
			}
			if id != "" && !slices.Contains(rec.Replicas, id) {
				rec.Replicas = append(rec.Replicas, id)
			}
		}
		out = slices.Clone(rec.Replicas)
		return nil
	})
	return out, err
}

// DropServer removes serverID from every replica set that contains it and
// returns the affected chunks.
func (d *Directory) DropServer(serverID string) []ChunkRef {
	var refs []ChunkRef
	for _, e := range d.entries() {
		e.mu.Lock()
		if !e.removed {
			for i := range e.chunks {
				rec := &e.chunks[i]
				if idx := slices.Index(rec.Replicas, serverID); idx >= 0 {
					rec.Replicas = slices.Delete(rec.Replicas, idx, idx+1)
					refs = append(refs, ChunkRef{File: e.name, ChunkID: rec.ChunkID, Index: rec.Index})
				}
			}
		}
		e.mu.Unlock()
	}
	return refs
}

// UnderReplicated lists chunks with fewer replicas than the replication factor.
func (d *Directory) UnderReplicated() []ChunkRef {
	var refs []ChunkRef
	for _, e := range d.entries() {
		e.mu.Lock()
		if !e.removed {
			for _, rec := range e.chunks {
				if len(rec.Replicas) < d.replication {
					refs = append(refs, ChunkRef{File: e.name, ChunkID: rec.ChunkID, Index: rec.Index})
				}
			}
		}
		e.mu.Unlock()
	}
	return refs
}

// Delete removes file and returns its records.
func (d *Directory) Delete(file string) ([]ChunkRecord, error) {
	d.mu.Lock()
	e, ok := d.files[file]
	if ok {
		delete(d.files, file)
	}
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, file)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	for _, c := range e.chunks {
		d.chunks.Delete(c.ChunkID)
	}
	return e.chunks, nil
}

// Files returns the sorted file names.
func (d *Directory) Files() []string {
	d.mu.RLock()
	names := make([]string, 0, len(d.files))
	for name := range d.files {
		names = append(names, name)
	}
	d.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (d *Directory) entries() []*fileEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*fileEntry, 0, len(d.files))
	for _, e := range d.files {
		out = append(out, e)
	}
	return out
}

// Snapshot copies every file, sorted by name. Each file is copied under its
// own lock, so the snapshot is consistent per file.
func (d *Directory) Snapshot() []FileEntry {
	entries := d.entries()
	out := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed {
			fe := FileEntry{Name: e.name, Chunks: make([]ChunkRecord, len(e.chunks))}
			for i, c := range e.chunks {
				fe.Chunks[i] = c.clone()
			}
			out = append(out, fe)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore loads files into an empty directory, checking the same
// invariants as RecordPlacement. Records whose replica sets were emptied by
// server deaths are kept.
func (d *Directory) Restore(files []FileEntry) error {
	for _, f := range files {
		e := &fileEntry{name: f.Name}
		for i, c := range f.Chunks {
			if c.Index != i {
				return &OutOfOrderChunkError{File: f.Name, Index: c.Index, Length: i}
			}
			if len(c.Replicas) > 0 {
				if err := d.validReplicas(c.Replicas); err != nil {
					return fmt.Errorf("restore %s: %w", c.ChunkID, err)
				}
			}
			e.chunks = append(e.chunks, c.clone())
			d.chunks.Store(c.ChunkID, f.Name)
		}
		d.mu.Lock()
		d.files[f.Name] = e
		d.mu.Unlock()
	}
	return nil
}
