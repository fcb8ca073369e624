// Package checkpoint provides checkpoint persistence for replication state.
// A checkpoint records, per redo thread, the next byte to read plus the
// highest observed LWN boundary, and the current resetlogs identifier.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ThreadPosition is the persisted per-thread replication position.
type ThreadPosition struct {
	Thread     uint16 `json:"thread"`
	Sequence   uint32 `json:"sequence"`
	Blocks     uint64 `json:"blocks"`
	BlockSize  uint32 `json:"block_size"`
	LastLwnScn uint64 `json:"last_lwn_scn"`
	HasLwnScn  bool   `json:"has_lwn_scn"`
}

// State is one persisted checkpoint for a database.
type State struct {
	Database  string           `json:"database"`
	SessionID string           `json:"session_id"`
	Resetlogs uint32           `json:"resetlogs"`
	Threads   []ThreadPosition `json:"threads"`
	SavedAt   time.Time        `json:"saved_at"`
}

// NewState builds an empty state for a database with a fresh session id.
func NewState(database string) *State {
	return &State{
		Database:  database,
		SessionID: uuid.NewString(),
	}
}

// Backend persists checkpoint state.
type Backend interface {
	// Save persists the state, replacing any previous checkpoint for the
	// same database.
	Save(ctx context.Context, st *State) error

	// Load retrieves the state for a database. Returns os.ErrNotExist when
	// no checkpoint has been written yet.
	Load(ctx context.Context, database string) (*State, error)

	// Close releases backend resources.
	Close() error
}

// FileBackend stores one JSON checkpoint file per database in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates the checkpoint directory if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(database string) string {
	return filepath.Join(b.dir, database+".json")
}

// Save writes the state atomically via a temp file rename.
func (b *FileBackend) Save(_ context.Context, st *State) error {
	st.SavedAt = time.Now().UTC()
	sort.Slice(st.Threads, func(i, j int) bool { return st.Threads[i].Thread < st.Threads[j].Thread })

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp := b.path(st.Database) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, b.path(st.Database)); err != nil {
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint file for a database.
func (b *FileBackend) Load(_ context.Context, database string) (*State, error) {
	data, err := os.ReadFile(b.path(database))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &st, nil
}

// Close is a no-op for the file backend.
func (b *FileBackend) Close() error { return nil }
