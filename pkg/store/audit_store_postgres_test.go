package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

func TestPostgresRecordAction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresAuditStore(db)
	a := &model.Action{
		UID: "act_1", CaseUID: "case_1", ActionType: "artifact.ingest",
		ActorID: "system", Inputs: []byte(`{"url":"https://example.com"}`),
		CreatedAt: time.Now().UTC(),
	}

	mock.ExpectExec("INSERT INTO actions").
		WithArgs(a.UID, a.CaseUID, a.ActionType, a.ActorID, a.Rationale,
			nullRaw(a.Inputs), nullRaw(a.Outputs), a.TraceID, a.SpanID, a.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	uid, err := s.RecordAction(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "act_1", uid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRecordToolTraceIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := NewPostgresAuditStore(db)
	tt := &model.ToolTrace{
		UID: "tt_1", ActionUID: "act_1", CaseUID: "case_1", ToolName: "meta_search",
		Status: model.ToolStatusDenied, Error: "domain_not_allowed",
		CreatedAt: time.Now().UTC(),
	}

	// Replayed delivery hits ON CONFLICT DO NOTHING: zero rows affected,
	// no error either time.
	mock.ExpectExec("INSERT INTO tool_traces").
		WithArgs(tt.UID, tt.ActionUID, tt.CaseUID, tt.ToolName,
			nullRaw(tt.Request), nullRaw(tt.Response), string(tt.Status),
			tt.DurationMS, tt.Error, nullRaw(tt.Policy), tt.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tool_traces").
		WithArgs(tt.UID, tt.ActionUID, tt.CaseUID, tt.ToolName,
			nullRaw(tt.Request), nullRaw(tt.Response), string(tt.Status),
			tt.DurationMS, tt.Error, nullRaw(tt.Policy), tt.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = s.RecordToolTrace(context.Background(), tt)
	require.NoError(t, err)
	_, err = s.RecordToolTrace(context.Background(), tt)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
