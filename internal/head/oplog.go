package head

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/directory"
)

const journalFile = "oplog.jsonl"

const (
	evFile     = "file"
	evReplicas = "replicas"
	evDrop     = "drop"
	evDelete   = "delete"
	evRegister = "register"
)

type logEntry struct {
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

type fileEvent struct {
	File   string                  `json:"file"`
	Chunks []directory.ChunkRecord `json:"chunks"`
}

type replicasEvent struct {
	ChunkID  string   `json:"chunk_id"`
	Replicas []string `json:"replicas"`
}

type dropEvent struct {
	Server string `json:"server"`
}

type deleteEvent struct {
	File string `json:"file"`
}

type registerEvent struct {
	Addr string `json:"addr"`
}

// Journal is the append-only op-log of metadata changes since the last
// checkpoint. A nil *Journal discards everything.
type Journal struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("head: open op-log: %w", err)
	}
	return &Journal{path: path, f: f}, nil
}

// Append writes one event. Failures are logged, the in-memory change stands.
func (j *Journal) Append(event string, payload any) {
	if j == nil {
		return
	}
	p, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("head: op-log marshal")
		return
	}
	b, err := json.Marshal(logEntry{ID: uuid.NewString(), Event: event, Time: time.Now().UTC(), Payload: p})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("head: op-log marshal")
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(b, '\n')); err != nil {
		log.Error().Err(err).Str("event", event).Msg("head: op-log write")
	}
}

// Rotate runs fn with appends blocked and truncates the log if fn succeeds.
func (j *Journal) Rotate(fn func() error) error {
	if j == nil {
		return fn()
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := fn(); err != nil {
		return err
	}
	if err := j.f.Truncate(0); err != nil {
		return fmt.Errorf("head: truncate op-log: %w", err)
	}
	return j.f.Sync()
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
