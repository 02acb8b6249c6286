// Package placement chooses which chunk servers receive a chunk's replicas.
package placement

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"chunkfs/internal/cluster"
)

// InsufficientServersError is returned when fewer eligible servers exist
// than replicas are needed.
type InsufficientServersError struct {
	Need int
	Have int
}

func (e *InsufficientServersError) Error() string {
	return fmt.Sprintf("placement: need %d eligible chunk servers, have %d", e.Need, e.Have)
}

// Engine selects replica sets uniformly at random among eligible servers.
// Seeding makes decisions reproducible.
type Engine struct {
	mu      sync.Mutex
	rng     *rand.Rand
	ceiling float64
}

// New returns an engine seeded with seed. A zero seed draws one from the clock.
// ceiling is the utilization a server must stay below to be eligible; values
// outside (0, 1] mean 1.
func New(seed uint64, ceiling float64) *Engine {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	if ceiling <= 0 || ceiling > 1 {
		ceiling = 1
	}
	return &Engine{
		rng:     rand.New(rand.NewPCG(seed, seed>>17|1)),
		ceiling: ceiling,
	}
}

// Eligible returns the sorted ids of healthy candidates below the capacity
// ceiling with room for size bytes, skipping ids in exclude.
func (e *Engine) Eligible(size int64, candidates []cluster.ChunkServerInfo, exclude map[string]bool) []string {
	var ids []string
	for _, cs := range candidates {
		if cs.State != cluster.Healthy || exclude[cs.ID] {
			continue
		}
		if cs.StorageTotal > 0 {
			if cs.Utilization() >= e.ceiling {
				continue
			}
			if size > 0 && cs.StorageUsed+uint64(size) > cs.StorageTotal {
				continue
			}
		}
		ids = append(ids, cs.ID)
	}
	sort.Strings(ids)
	return ids
}

// Place picks r distinct servers for a new chunk of size bytes.
func (e *Engine) Place(size int64, r int, candidates []cluster.ChunkServerInfo) ([]string, error) {
	return e.pick(r, e.Eligible(size, candidates, nil))
}

// Replenish picks the servers needed to bring current back up to r members.
// Servers already in current, and any in exclude, are never chosen.
func (e *Engine) Replenish(size int64, current []string, r int, candidates []cluster.ChunkServerInfo, exclude ...string) ([]string, error) {
	need := r - len(current)
	if need <= 0 {
		return nil, nil
	}
	skip := make(map[string]bool, len(current)+len(exclude))
	for _, id := range current {
		skip[id] = true
	}
	for _, id := range exclude {
		skip[id] = true
	}
	return e.pick(need, e.Eligible(size, candidates, skip))
}

// pick samples n ids without replacement with a partial Fisher-Yates shuffle.
func (e *Engine) pick(n int, eligible []string) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	if len(eligible) < n {
		return nil, &InsufficientServersError{Need: n, Have: len(eligible)}
	}

	pool := append([]string(nil), eligible...)
	e.mu.Lock()
	for i := 0; i < n; i++ {
		j := i + e.rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	e.mu.Unlock()

	return pool[:n:n], nil
}
