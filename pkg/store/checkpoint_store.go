package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// Checkpoint is a durable pipeline state snapshot. thread_id groups the
// checkpoints of one run; parent links them into a chain.
type Checkpoint struct {
	CheckpointID       string            `json:"checkpoint_id"`
	ThreadID           string            `json:"thread_id"`
	ParentCheckpointID string            `json:"parent_checkpoint_id,omitempty"`
	Step               int               `json:"step"`
	State              []byte            `json:"state"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

// CheckpointStore persists pipeline checkpoints on the shared database.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore wraps the shared handle.
func NewCheckpointStore(s *Store) *CheckpointStore {
	return &CheckpointStore{db: s.db}
}

// Save appends one checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = model.NewUID(model.KindCheckpoint)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalJSON(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, thread_id, parent_checkpoint_id, step, state_json, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.CheckpointID, cp.ThreadID, cp.ParentCheckpointID, cp.Step,
		string(cp.State), meta, fmtTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: checkpoint save failed: %w", err)
	}
	return nil
}

// Latest resolves the newest checkpoint for a thread, for resume.
func (s *CheckpointStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	var cp Checkpoint
	var parent, meta sql.NullString
	var state, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, thread_id, parent_checkpoint_id, step, state_json, metadata, created_at
		FROM checkpoints WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC LIMIT 1`, threadID).
		Scan(&cp.CheckpointID, &cp.ThreadID, &parent, &cp.Step, &state, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching latest checkpoint: %w", err)
	}
	cp.ParentCheckpointID = parent.String
	cp.State = []byte(state)
	if err := unmarshalJSON(meta, &cp.Metadata); err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(created)
	return &cp, nil
}

// List returns a thread's checkpoints oldest first.
func (s *CheckpointStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, thread_id, parent_checkpoint_id, step, state_json, metadata, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY created_at, checkpoint_id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("store: listing checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var parent, meta sql.NullString
		var state, created string
		if err := rows.Scan(&cp.CheckpointID, &cp.ThreadID, &parent, &cp.Step, &state, &meta, &created); err != nil {
			return nil, err
		}
		cp.ParentCheckpointID = parent.String
		cp.State = []byte(state)
		if err := unmarshalJSON(meta, &cp.Metadata); err != nil {
			return nil, err
		}
		cp.CreatedAt = parseTime(created)
		out = append(out, cp)
	}
	return out, rows.Err()
}
