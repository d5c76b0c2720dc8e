package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// InsertHypothesis appends a validated hypothesis.
func InsertHypothesis(ctx context.Context, q querier, h *model.Hypothesis) error {
	if err := h.Validate(); err != nil {
		return err
	}
	supporting, err := marshalJSON(h.SupportingAssertionUIDs)
	if err != nil {
		return err
	}
	contradicting, err := marshalJSON(h.ContradictingAssertionUIDs)
	if err != nil {
		return err
	}
	gaps, err := marshalJSON(h.GapList)
	if err != nil {
		return err
	}
	adversarial, err := marshalJSON(h.Adversarial)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO hypotheses (uid, case_uid, label, statement, supporting_assertion_uids, contradicting_assertion_uids, coverage_score, confidence, gap_list, prior_probability, posterior_probability, adversarial_result, persona, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UID, h.CaseUID, h.Label, h.Statement, supporting, contradicting,
		h.CoverageScore, h.Confidence, gaps,
		nullFloat(h.PriorProbability), nullFloat(h.PosteriorProbability),
		adversarial, h.Persona, fmtTime(h.CreatedAt), fmtTime(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: hypothesis insert failed: %w", err)
	}
	return nil
}

// UpdateHypothesis rewrites a hypothesis's mutable analysis fields after
// validation.
func UpdateHypothesis(ctx context.Context, q querier, h *model.Hypothesis) error {
	if err := h.Validate(); err != nil {
		return err
	}
	supporting, err := marshalJSON(h.SupportingAssertionUIDs)
	if err != nil {
		return err
	}
	contradicting, err := marshalJSON(h.ContradictingAssertionUIDs)
	if err != nil {
		return err
	}
	gaps, err := marshalJSON(h.GapList)
	if err != nil {
		return err
	}
	adversarial, err := marshalJSON(h.Adversarial)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE hypotheses SET supporting_assertion_uids = ?, contradicting_assertion_uids = ?,
			coverage_score = ?, confidence = ?, gap_list = ?,
			prior_probability = ?, posterior_probability = ?, adversarial_result = ?, updated_at = ?
		WHERE uid = ?`,
		supporting, contradicting, h.CoverageScore, h.Confidence, gaps,
		nullFloat(h.PriorProbability), nullFloat(h.PosteriorProbability),
		adversarial, fmtTime(h.UpdatedAt), h.UID)
	if err != nil {
		return fmt.Errorf("store: hypothesis update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// GetHypothesis resolves one hypothesis by uid.
func (s *Store) GetHypothesis(ctx context.Context, uid string) (*model.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx, hypothesisColumns+` WHERE uid = ?`, uid)
	if err != nil {
		return nil, fmt.Errorf("store: fetching hypothesis: %w", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanHypothesis(rows)
}

// ListHypotheses returns a case's hypotheses, oldest first.
func (s *Store) ListHypotheses(ctx context.Context, caseUID string) ([]model.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx, hypothesisColumns+` WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing hypotheses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Hypothesis
	for rows.Next() {
		h, err := scanHypothesis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *h)
	}
	return out, rows.Err()
}

const hypothesisColumns = `
	SELECT uid, case_uid, label, statement, supporting_assertion_uids, contradicting_assertion_uids,
		coverage_score, confidence, gap_list, prior_probability, posterior_probability,
		adversarial_result, persona, created_at, updated_at
	FROM hypotheses`

func scanHypothesis(rows *sql.Rows) (*model.Hypothesis, error) {
	var h model.Hypothesis
	var supporting, contradicting, gaps, adversarial, persona sql.NullString
	var prior, posterior sql.NullFloat64
	var created, updated string
	if err := rows.Scan(&h.UID, &h.CaseUID, &h.Label, &h.Statement, &supporting, &contradicting,
		&h.CoverageScore, &h.Confidence, &gaps, &prior, &posterior, &adversarial, &persona,
		&created, &updated); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(supporting, &h.SupportingAssertionUIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(contradicting, &h.ContradictingAssertionUIDs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(gaps, &h.GapList); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(adversarial, &h.Adversarial); err != nil {
		return nil, err
	}
	if prior.Valid {
		v := prior.Float64
		h.PriorProbability = &v
	}
	if posterior.Valid {
		v := posterior.Float64
		h.PosteriorProbability = &v
	}
	h.Persona = persona.String
	h.CreatedAt = parseTime(created)
	h.UpdatedAt = parseTime(updated)
	return &h, nil
}
