// Package checkpoint persists the caller-owned state a replication
// consumer needs across batches and process restarts: the last
// acknowledged commit LSN and the cached per-table schemas/fingerprints.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jackc/pglogrepl"

	"github.com/jfoltran/pgslotcdc/internal/tableschema"
)

// State is the full set of values opaque to the core engine that must
// survive between Item Generator invocations.
type State struct {
	LastCommitLSN   pglogrepl.LSN                         `json:"last_commit_lsn"`
	LastTableSchema map[string]tableschema.TableSchema     `json:"last_table_schema"`
	LastTableHashes map[string]uint64                      `json:"last_table_hashes"`
}

// Store reads and atomically writes a State as JSON at path.
type Store struct {
	path string
}

// New returns a Store backed by the file at path. The parent directory is
// created if it does not exist.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Load reads the persisted State. A missing file returns a State with LSN
// 0 and empty, non-nil maps, and no error -- the caller is expected to
// start from LSN 0.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{LastTableSchema: map[string]tableschema.TableSchema{}, LastTableHashes: map[string]uint64{}}, nil
		}
		return State{}, fmt.Errorf("read checkpoint file: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("unmarshal checkpoint file: %w", err)
	}
	if st.LastTableSchema == nil {
		st.LastTableSchema = map[string]tableschema.TableSchema{}
	}
	if st.LastTableHashes == nil {
		st.LastTableHashes = map[string]uint64{}
	}
	return st, nil
}

// Save atomically persists State via a temp-file write followed by rename,
// so a crash mid-write never leaves a corrupt checkpoint on disk.
func (s *Store) Save(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename checkpoint file: %w", err)
	}
	return nil
}
