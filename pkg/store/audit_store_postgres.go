package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// PostgresAuditStore is the postgres audit recorder for multi-node
// deployments where the audit trail outlives any one process.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore wraps an open postgres handle.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

// OpenPostgres opens a postgres connection for the audit store.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres open failed: %w", err)
	}
	return db, nil
}

// Migrate creates the audit tables.
func (s *PostgresAuditStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS actions (
			uid TEXT PRIMARY KEY,
			case_uid TEXT NOT NULL,
			action_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			rationale TEXT,
			inputs JSONB,
			outputs JSONB,
			trace_id TEXT,
			span_id TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_traces (
			uid TEXT PRIMARY KEY,
			action_uid TEXT NOT NULL,
			case_uid TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			request JSONB,
			response JSONB,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT,
			policy JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_case ON actions(case_uid)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_action ON tool_traces(action_uid)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: postgres migrate failed: %w", err)
		}
	}
	return nil
}

// RecordAction appends one Action.
func (s *PostgresAuditStore) RecordAction(ctx context.Context, a *model.Action) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actions (uid, case_uid, action_type, actor_id, rationale, inputs, outputs, trace_id, span_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.UID, a.CaseUID, a.ActionType, a.ActorID, a.Rationale,
		nullRaw(a.Inputs), nullRaw(a.Outputs), a.TraceID, a.SpanID, a.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("store: action insert failed: %w", err)
	}
	return a.UID, nil
}

// RecordToolTrace appends one ToolTrace; replays of the same uid are
// no-ops.
func (s *PostgresAuditStore) RecordToolTrace(ctx context.Context, tt *model.ToolTrace) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_traces (uid, action_uid, case_uid, tool_name, request, response, status, duration_ms, error, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (uid) DO NOTHING`,
		tt.UID, tt.ActionUID, tt.CaseUID, tt.ToolName,
		nullRaw(tt.Request), nullRaw(tt.Response), string(tt.Status),
		tt.DurationMS, tt.Error, nullRaw(tt.Policy), tt.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("store: tool trace insert failed: %w", err)
	}
	return tt.UID, nil
}
