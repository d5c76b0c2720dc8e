package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// AuditStore is the sqlite-backed audit recorder. It shares the model
// store's database so Action inserts can ride the business transaction.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore wraps the shared database handle.
func NewAuditStore(s *Store) *AuditStore {
	return &AuditStore{db: s.db}
}

func insertAction(ctx context.Context, q querier, a *model.Action) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO actions (uid, case_uid, action_type, actor_id, rationale, inputs, outputs, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UID, a.CaseUID, a.ActionType, a.ActorID, a.Rationale,
		nullRaw(a.Inputs), nullRaw(a.Outputs), a.TraceID, a.SpanID, fmtTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: action insert failed: %w", err)
	}
	return nil
}

func nullRaw(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// RecordAction appends one Action outside any business transaction.
func (s *AuditStore) RecordAction(ctx context.Context, a *model.Action) (string, error) {
	if err := insertAction(ctx, s.db, a); err != nil {
		return "", err
	}
	return a.UID, nil
}

// RecordToolTrace appends one ToolTrace. Re-delivery of the same uid is
// a no-op, so the broker can record at-least-once.
func (s *AuditStore) RecordToolTrace(ctx context.Context, tt *model.ToolTrace) (string, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_traces (uid, action_uid, case_uid, tool_name, request, response, status, duration_ms, error, policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (uid) DO NOTHING`,
		tt.UID, tt.ActionUID, tt.CaseUID, tt.ToolName,
		nullRaw(tt.Request), nullRaw(tt.Response), string(tt.Status),
		tt.DurationMS, tt.Error, nullRaw(tt.Policy), fmtTime(tt.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("store: tool trace insert failed: %w", err)
	}
	return tt.UID, nil
}

// ListActions returns a case's actions in insertion order.
func (s *AuditStore) ListActions(ctx context.Context, caseUID string) ([]model.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, action_type, actor_id, rationale, inputs, outputs, trace_id, span_id, created_at
		FROM actions WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetAction resolves a single action by uid.
func (s *AuditStore) GetAction(ctx context.Context, uid string) (*model.Action, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, action_type, actor_id, rationale, inputs, outputs, trace_id, span_id, created_at
		FROM actions WHERE uid = ?`, uid)
	if err != nil {
		return nil, fmt.Errorf("store: fetching action: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanAction(rows)
}

func scanAction(rows *sql.Rows) (*model.Action, error) {
	var a model.Action
	var rationale, inputs, outputs, traceID, spanID sql.NullString
	var created string
	if err := rows.Scan(&a.UID, &a.CaseUID, &a.ActionType, &a.ActorID, &rationale, &inputs, &outputs, &traceID, &spanID, &created); err != nil {
		return nil, err
	}
	a.Rationale = rationale.String
	if inputs.Valid {
		a.Inputs = []byte(inputs.String)
	}
	if outputs.Valid {
		a.Outputs = []byte(outputs.String)
	}
	a.TraceID = traceID.String
	a.SpanID = spanID.String
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// GetToolTrace resolves a single tool trace by uid.
func (s *AuditStore) GetToolTrace(ctx context.Context, uid string) (*model.ToolTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, action_uid, case_uid, tool_name, request, response, status, duration_ms, error, policy, created_at
		FROM tool_traces WHERE uid = ?`, uid)
	if err != nil {
		return nil, fmt.Errorf("store: fetching tool trace: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	var tt model.ToolTrace
	var req, resp, errMsg, policy sql.NullString
	var status, created string
	if err := rows.Scan(&tt.UID, &tt.ActionUID, &tt.CaseUID, &tt.ToolName, &req, &resp, &status, &tt.DurationMS, &errMsg, &policy, &created); err != nil {
		return nil, err
	}
	if req.Valid {
		tt.Request = []byte(req.String)
	}
	if resp.Valid {
		tt.Response = []byte(resp.String)
	}
	if policy.Valid {
		tt.Policy = []byte(policy.String)
	}
	tt.Status = model.ToolTraceStatus(status)
	tt.Error = errMsg.String
	tt.CreatedAt = parseTime(created)
	return &tt, nil
}

// ListToolTraces returns a case's tool traces in insertion order.
func (s *AuditStore) ListToolTraces(ctx context.Context, caseUID string) ([]model.ToolTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, action_uid, case_uid, tool_name, request, response, status, duration_ms, error, policy, created_at
		FROM tool_traces WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing tool traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolTrace
	for rows.Next() {
		var tt model.ToolTrace
		var req, resp, errMsg, policy sql.NullString
		var status, created string
		if err := rows.Scan(&tt.UID, &tt.ActionUID, &tt.CaseUID, &tt.ToolName, &req, &resp, &status, &tt.DurationMS, &errMsg, &policy, &created); err != nil {
			return nil, err
		}
		if req.Valid {
			tt.Request = []byte(req.String)
		}
		if resp.Valid {
			tt.Response = []byte(resp.String)
		}
		if policy.Valid {
			tt.Policy = []byte(policy.String)
		}
		tt.Status = model.ToolTraceStatus(status)
		tt.Error = errMsg.String
		tt.CreatedAt = parseTime(created)
		out = append(out, tt)
	}
	return out, rows.Err()
}
