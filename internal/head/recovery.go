package head

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
	"chunkfs/internal/directory"
)

// recoverState loads the checkpoint, then replays the op-log on top of it.
// Missing or corrupt files are logged and skipped.
func recoverState(dataDir string, dir *directory.Directory, members *cluster.Membership) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("head: create data dir: %w", err)
	}
	loadCheckpoint(filepath.Join(dataDir, checkpointFile), dir, members)
	replayOpLog(filepath.Join(dataDir, journalFile), dir, members)
	return nil
}

func loadCheckpoint(path string, dir *directory.Directory, members *cluster.Membership) {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Info().Msg("head: no checkpoint found, starting fresh")
		return
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		log.Warn().Err(err).Msg("head: checkpoint corrupt, ignoring")
		return
	}
	if err := dir.Restore(cp.Files); err != nil {
		log.Warn().Err(err).Msg("head: checkpoint directory invalid, ignoring")
		return
	}
	now := time.Now()
	for _, cs := range cp.ChunkServers {
		members.Register(cs.ID, now)
		members.Update(cs.ID, func(info *cluster.ChunkServerInfo) {
			info.Name = cs.Name
			info.StorageUsed = cs.StorageUsed
			info.StorageTotal = cs.StorageTotal
			if cs.State == cluster.Dead {
				info.State = cluster.Dead
			}
		})
	}
	log.Info().Int("files", len(cp.Files)).Int("servers", len(cp.ChunkServers)).Time("saved_at", cp.SavedAt).Msg("head: checkpoint loaded")
}

func replayOpLog(path string, dir *directory.Directory, members *cluster.Membership) {
	f, err := os.Open(path)
	if err != nil {
		log.Info().Msg("head: no op-log found")
		return
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	n := 0
	for {
		var e logEntry
		if err := dec.Decode(&e); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Int("applied", n).Msg("head: op-log decode error, stopping replay")
			}
			break
		}
		if err := applyLogEntry(e, dir, members); err != nil {
			log.Warn().Err(err).Str("id", e.ID).Str("event", e.Event).Msg("head: op-log entry skipped")
			continue
		}
		n++
	}
	log.Info().Int("applied", n).Msg("head: op-log replay complete")
}

// applyLogEntry re-applies one event. Every event is safe to apply twice.
func applyLogEntry(e logEntry, dir *directory.Directory, members *cluster.Membership) error {
	switch e.Event {
	case evFile:
		var ev fileEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		_, _, err := dir.RecordFile(ev.File, ev.Chunks, func(id string) bool {
			st, ok := members.State(id)
			return !ok || st != cluster.Dead
		})
		if errors.Is(err, directory.ErrExists) {
			return nil
		}
		return err

	case evReplicas:
		var ev replicasEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		return dir.UpdateReplicas(ev.ChunkID, ev.Replicas)

	case evDrop:
		var ev dropEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		dir.DropServer(ev.Server)
		members.Register(ev.Server, e.Time)
		members.Update(ev.Server, func(cs *cluster.ChunkServerInfo) { cs.State = cluster.Dead })
		return nil

	case evDelete:
		var ev deleteEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		if _, err := dir.Delete(ev.File); err != nil && !errors.Is(err, directory.ErrNotFound) {
			return err
		}
		return nil

	case evRegister:
		var ev registerEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return err
		}
		members.Register(ev.Addr, e.Time)
		return nil
	}
	return fmt.Errorf("unknown event %q", e.Event)
}
