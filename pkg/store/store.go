// Package store is the durable evidence model store: typed CRUD and query
// projections over every case-scoped entity, plus the audit spine
// (actions, tool_traces), the pipeline checkpoint store, and the vector
// and graph store facades.
//
// Mutation happens only inside a transaction scoped to one Action: see
// WithAction. Audit writes happen-before the business write they
// document, observed via transaction commit order.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ErrNotFound is returned when a uid does not resolve.
var ErrNotFound = errors.New("store: not found")

// Store wraps the relational database.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) a sqlite database at path. ":memory:" gives
// an ephemeral store for tests and fixtures.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent pipeline stages.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// DB exposes the handle for components that share the store's database
// (audit store, checkpoint store).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithAction runs fn inside one transaction and appends the Action that
// documents it in the same transaction. fn's returned outputs document
// is attached to the action. If the audit insert fails, the whole
// transaction rolls back: audit failures are fatal to the business write.
func (s *Store) WithAction(ctx context.Context, action *model.Action, fn func(tx *sql.Tx) (outputs any, err error)) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin failed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	outputs, err := fn(tx)
	if err != nil {
		return "", err
	}
	if outputs != nil {
		if err := audit.SetOutputs(action, outputs); err != nil {
			return "", fmt.Errorf("store: encoding action outputs: %w", err)
		}
	}
	if err := insertAction(ctx, tx, action); err != nil {
		return "", fmt.Errorf("store: audit write failed, aborting business write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit failed: %w", err)
	}
	return action.UID, nil
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: json encode failed: %w", err)
	}
	return string(b), nil
}

func unmarshalJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), v)
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
