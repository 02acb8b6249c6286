package head

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"chunkfs/internal/cluster"
	"chunkfs/internal/directory"
)

const checkpointFile = "checkpoint.json"

type Checkpoint struct {
	SavedAt      time.Time                 `json:"saved_at"`
	Files        []directory.FileEntry     `json:"files"`
	ChunkServers []cluster.ChunkServerInfo `json:"chunk_servers"`
}

// writeCheckpoint snapshots the directory and membership into dataDir and
// empties the op-log.
func writeCheckpoint(dataDir string, dir *directory.Directory, members *cluster.Membership, j *Journal) error {
	var cp Checkpoint
	err := j.Rotate(func() error {
		cp = Checkpoint{
			SavedAt:      time.Now().UTC(),
			Files:        dir.Snapshot(),
			ChunkServers: members.Snapshot(),
		}
		b, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return fmt.Errorf("head: checkpoint marshal: %w", err)
		}
		return writeFileAtomic(filepath.Join(dataDir, checkpointFile), b)
	})
	if err != nil {
		return err
	}
	log.Info().Int("files", len(cp.Files)).Int("servers", len(cp.ChunkServers)).Msg("head: checkpoint saved")
	return nil
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("head: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("head: rename %s: %w", tmp, err)
	}
	return nil
}
