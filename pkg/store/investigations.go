package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ErrDuplicateEvent marks an already-ingested source event.
var ErrDuplicateEvent = errors.New("store: event already logged for source event uid")

// InsertInvestigation appends a new investigation loop record.
func InsertInvestigation(ctx context.Context, q querier, inv *model.Investigation) error {
	config, err := marshalJSON(inv.Config)
	if err != nil {
		return err
	}
	rounds, err := marshalJSON(inv.Rounds)
	if err != nil {
		return err
	}
	var completed any
	if inv.CompletedAt != nil {
		completed = fmtTime(*inv.CompletedAt)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO investigations (uid, case_uid, trigger_event, config, rounds, total_claims, total_tools, gap_resolved, status, cancelled_by, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.UID, inv.CaseUID, inv.TriggerEvent, config, rounds,
		inv.TotalClaims, inv.TotalTools, boolInt(inv.GapResolved), inv.Status, inv.CancelledBy,
		fmtTime(inv.StartedAt), completed, fmtTime(inv.CreatedAt), fmtTime(inv.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: investigation insert failed: %w", err)
	}
	return nil
}

// UpdateInvestigation rewrites the mutable progress fields.
func UpdateInvestigation(ctx context.Context, q querier, inv *model.Investigation) error {
	rounds, err := marshalJSON(inv.Rounds)
	if err != nil {
		return err
	}
	var completed any
	if inv.CompletedAt != nil {
		completed = fmtTime(*inv.CompletedAt)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE investigations SET rounds = ?, total_claims = ?, total_tools = ?, gap_resolved = ?,
			status = ?, cancelled_by = ?, completed_at = ?, updated_at = ?
		WHERE uid = ?`,
		rounds, inv.TotalClaims, inv.TotalTools, boolInt(inv.GapResolved),
		inv.Status, inv.CancelledBy, completed, fmtTime(inv.UpdatedAt), inv.UID)
	if err != nil {
		return fmt.Errorf("store: investigation update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetInvestigation resolves one investigation by uid.
func (s *Store) GetInvestigation(ctx context.Context, uid string) (*model.Investigation, error) {
	var inv model.Investigation
	var trigger, config, rounds, cancelledBy, started, completed sql.NullString
	var resolved int
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, trigger_event, config, rounds, total_claims, total_tools, gap_resolved, status, cancelled_by, started_at, completed_at, created_at, updated_at
		FROM investigations WHERE uid = ?`, uid).
		Scan(&inv.UID, &inv.CaseUID, &trigger, &config, &rounds, &inv.TotalClaims, &inv.TotalTools,
			&resolved, &inv.Status, &cancelledBy, &started, &completed, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching investigation: %w", err)
	}
	inv.TriggerEvent = trigger.String
	if err := unmarshalJSON(config, &inv.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(rounds, &inv.Rounds); err != nil {
		return nil, err
	}
	inv.GapResolved = resolved != 0
	inv.CancelledBy = cancelledBy.String
	if started.Valid {
		inv.StartedAt = parseTime(started.String)
	}
	inv.CompletedAt = parseTimePtr(completed)
	inv.CreatedAt = parseTime(created)
	inv.UpdatedAt = parseTime(updated)
	return &inv, nil
}

// InsertSubscription appends a user interest rule.
func InsertSubscription(ctx context.Context, q querier, sub *model.Subscription) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO subscriptions (uid, case_uid, user_id, kind, filter, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sub.UID, sub.CaseUID, sub.UserID, sub.Kind, sub.Filter, fmtTime(sub.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: subscription insert failed: %w", err)
	}
	return nil
}

// DeleteSubscription removes one interest rule.
func DeleteSubscription(ctx context.Context, q querier, uid string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM subscriptions WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("store: subscription delete failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscriptions returns a case's subscriptions.
func (s *Store) ListSubscriptions(ctx context.Context, caseUID string) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, user_id, kind, filter, created_at
		FROM subscriptions WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var filter sql.NullString
		var created string
		if err := rows.Scan(&sub.UID, &sub.CaseUID, &sub.UserID, &sub.Kind, &filter, &created); err != nil {
			return nil, err
		}
		sub.Filter = filter.String
		sub.CreatedAt = parseTime(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// InsertEventLog dedupes incoming events by source_event_uid. Replays
// return ErrDuplicateEvent.
func InsertEventLog(ctx context.Context, q querier, e *model.EventLog) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO event_log (uid, case_uid, source_event_uid, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.UID, e.CaseUID, e.SourceEventUID, e.EventType, nullRaw(e.Payload), fmtTime(e.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("store: event log insert failed: %w", err)
	}
	return nil
}

// InsertPushLog audits one notification delivery attempt.
func InsertPushLog(ctx context.Context, q querier, p *model.PushLog) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO push_log (uid, case_uid, user_id, kind, delivered, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.UID, p.CaseUID, p.UserID, p.Kind, boolInt(p.Delivered), p.Error, fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: push log insert failed: %w", err)
	}
	return nil
}
