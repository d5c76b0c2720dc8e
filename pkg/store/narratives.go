package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// InsertNarrative appends a themed claim grouping.
func InsertNarrative(ctx context.Context, q querier, n *model.Narrative) error {
	claims, err := marshalJSON(n.SourceClaimUIDs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO narratives (uid, case_uid, theme, summary, source_claim_uids, window_start, window_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.UID, n.CaseUID, n.Theme, n.Summary, claims,
		fmtTime(n.WindowStart), fmtTime(n.WindowEnd), fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: narrative insert failed: %w", err)
	}
	return nil
}

// UpdateNarrative rewrites a narrative's summary and claim set.
func UpdateNarrative(ctx context.Context, q querier, n *model.Narrative) error {
	claims, err := marshalJSON(n.SourceClaimUIDs)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE narratives SET summary = ?, source_claim_uids = ?, window_start = ?, window_end = ?, updated_at = ?
		WHERE uid = ?`,
		n.Summary, claims, fmtTime(n.WindowStart), fmtTime(n.WindowEnd), fmtTime(n.UpdatedAt), n.UID)
	if err != nil {
		return fmt.Errorf("store: narrative update failed: %w", err)
	}
	if cnt, _ := res.RowsAffected(); cnt == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNarratives returns a case's narratives, oldest first.
func (s *Store) ListNarratives(ctx context.Context, caseUID string) ([]model.Narrative, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, theme, summary, source_claim_uids, window_start, window_end, created_at, updated_at
		FROM narratives WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing narratives: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Narrative
	for rows.Next() {
		var n model.Narrative
		var summary, claims, winStart, winEnd sql.NullString
		var created, updated string
		if err := rows.Scan(&n.UID, &n.CaseUID, &n.Theme, &summary, &claims, &winStart, &winEnd, &created, &updated); err != nil {
			return nil, err
		}
		n.Summary = summary.String
		if err := unmarshalJSON(claims, &n.SourceClaimUIDs); err != nil {
			return nil, err
		}
		if winStart.Valid {
			n.WindowStart = parseTime(winStart.String)
		}
		if winEnd.Valid {
			n.WindowEnd = parseTime(winEnd.String)
		}
		n.CreatedAt = parseTime(created)
		n.UpdatedAt = parseTime(updated)
		out = append(out, n)
	}
	return out, rows.Err()
}

// InsertJudgment appends a titled, assertion-cited answer.
func InsertJudgment(ctx context.Context, q querier, j *model.Judgment) error {
	assertions, err := marshalJSON(j.AssertionUIDs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO judgments (uid, case_uid, title, answer_text, assertion_uids, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.UID, j.CaseUID, j.Title, j.AnswerText, assertions, j.Confidence,
		fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: judgment insert failed: %w", err)
	}
	return nil
}

// GetJudgment resolves one judgment by uid.
func (s *Store) GetJudgment(ctx context.Context, uid string) (*model.Judgment, error) {
	var j model.Judgment
	var answer, assertions sql.NullString
	var created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, title, answer_text, assertion_uids, confidence, created_at, updated_at
		FROM judgments WHERE uid = ?`, uid).
		Scan(&j.UID, &j.CaseUID, &j.Title, &answer, &assertions, &j.Confidence, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching judgment: %w", err)
	}
	j.AnswerText = answer.String
	if err := unmarshalJSON(assertions, &j.AssertionUIDs); err != nil {
		return nil, err
	}
	j.CreatedAt = parseTime(created)
	j.UpdatedAt = parseTime(updated)
	return &j, nil
}

// ListJudgments returns a case's judgments, oldest first.
func (s *Store) ListJudgments(ctx context.Context, caseUID string) ([]model.Judgment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid FROM judgments WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing judgments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var uids []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Judgment, 0, len(uids))
	for _, uid := range uids {
		j, err := s.GetJudgment(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}
