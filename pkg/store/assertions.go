package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ErrDuplicateFeedback marks a second feedback from the same user on the
// same assertion.
var ErrDuplicateFeedback = errors.New("store: feedback already recorded for user and assertion")

// ErrDuplicateAssessment marks a second assessment of the same
// (hypothesis, evidence) pair.
var ErrDuplicateAssessment = errors.New("store: assessment already exists for hypothesis and evidence")

// InsertAssertion appends a validated assertion.
func InsertAssertion(ctx context.Context, q querier, a *model.Assertion) error {
	if err := a.Validate(); err != nil {
		return err
	}
	value, err := marshalJSON(a.Value)
	if err != nil {
		return err
	}
	claims, err := marshalJSON(a.SourceClaimUIDs)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO assertions (uid, case_uid, value, text, source_claim_uids, confidence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UID, a.CaseUID, value, a.Text, claims, a.Confidence,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: assertion insert failed: %w", err)
	}
	return nil
}

// UpdateAssertionConfidence writes a fusion result back onto an assertion.
func UpdateAssertionConfidence(ctx context.Context, q querier, uid string, confidence float64, updatedAt string) error {
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("store: confidence %f out of [0,1]", confidence)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE assertions SET confidence = ?, updated_at = ? WHERE uid = ?`,
		confidence, updatedAt, uid)
	if err != nil {
		return fmt.Errorf("store: assertion confidence update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertAssertionFeedback records a per-user verdict. A second verdict
// from the same user on the same assertion returns ErrDuplicateFeedback.
func InsertAssertionFeedback(ctx context.Context, q querier, f *model.AssertionFeedback) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO assertion_feedback (uid, case_uid, assertion_uid, user_id, verdict, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.UID, f.CaseUID, f.AssertionUID, f.UserID, f.Verdict, f.Comment, fmtTime(f.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateFeedback
		}
		return fmt.Errorf("store: feedback insert failed: %w", err)
	}
	return nil
}

// InsertEvidenceAssessment appends one (hypothesis, evidence) judgment.
func InsertEvidenceAssessment(ctx context.Context, q querier, ea *model.EvidenceAssessment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO evidence_assessments (uid, case_uid, hypothesis_uid, evidence_uid, relation, strength, likelihood, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ea.UID, ea.CaseUID, ea.HypothesisUID, ea.EvidenceUID,
		string(ea.Relation), ea.Strength, ea.Likelihood, fmtTime(ea.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateAssessment
		}
		return fmt.Errorf("store: assessment insert failed: %w", err)
	}
	return nil
}

// InsertProbabilityUpdate appends one Bayesian step. Rows are never
// updated or deleted.
func InsertProbabilityUpdate(ctx context.Context, q querier, pu *model.ProbabilityUpdate) error {
	var ratio any
	if pu.LikelihoodRatio != nil {
		ratio = *pu.LikelihoodRatio
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO probability_updates (uid, case_uid, hypothesis_uid, assessment_uid, prior, posterior, likelihood, likelihood_ratio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pu.UID, pu.CaseUID, pu.HypothesisUID, pu.AssessmentUID,
		pu.Prior, pu.Posterior, pu.Likelihood, ratio, fmtTime(pu.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: probability update insert failed: %w", err)
	}
	return nil
}

// GetAssertion resolves one assertion by uid.
func (s *Store) GetAssertion(ctx context.Context, uid string) (*model.Assertion, error) {
	var a model.Assertion
	var value, claims, created, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, value, text, source_claim_uids, confidence, created_at, updated_at
		FROM assertions WHERE uid = ?`, uid).
		Scan(&a.UID, &a.CaseUID, &value, &a.Text, &claims, &a.Confidence, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching assertion: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: value, Valid: true}, &a.Value); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(sql.NullString{String: claims, Valid: true}, &a.SourceClaimUIDs); err != nil {
		return nil, err
	}
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

// ListAssertions returns a case's assertions, oldest first.
func (s *Store) ListAssertions(ctx context.Context, caseUID string) ([]model.Assertion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, value, text, source_claim_uids, confidence, created_at, updated_at
		FROM assertions WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing assertions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Assertion
	for rows.Next() {
		var a model.Assertion
		var value, claims, created, updated string
		if err := rows.Scan(&a.UID, &a.CaseUID, &value, &a.Text, &claims, &a.Confidence, &created, &updated); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sql.NullString{String: value, Valid: true}, &a.Value); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sql.NullString{String: claims, Valid: true}, &a.SourceClaimUIDs); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		a.UpdatedAt = parseTime(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListProbabilityUpdates returns a hypothesis's update history in order.
func (s *Store) ListProbabilityUpdates(ctx context.Context, hypothesisUID string) ([]model.ProbabilityUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, hypothesis_uid, assessment_uid, prior, posterior, likelihood, likelihood_ratio, created_at
		FROM probability_updates WHERE hypothesis_uid = ? ORDER BY created_at, uid`, hypothesisUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing probability updates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ProbabilityUpdate
	for rows.Next() {
		var pu model.ProbabilityUpdate
		var assessment sql.NullString
		var ratio sql.NullFloat64
		var created string
		if err := rows.Scan(&pu.UID, &pu.CaseUID, &pu.HypothesisUID, &assessment, &pu.Prior, &pu.Posterior, &pu.Likelihood, &ratio, &created); err != nil {
			return nil, err
		}
		pu.AssessmentUID = assessment.String
		if ratio.Valid {
			v := ratio.Float64
			pu.LikelihoodRatio = &v
		}
		pu.CreatedAt = parseTime(created)
		out = append(out, pu)
	}
	return out, rows.Err()
}

// ListEvidenceAssessments returns a hypothesis's assessments in order.
func (s *Store) ListEvidenceAssessments(ctx context.Context, hypothesisUID string) ([]model.EvidenceAssessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, hypothesis_uid, evidence_uid, relation, strength, likelihood, created_at
		FROM evidence_assessments WHERE hypothesis_uid = ? ORDER BY created_at, uid`, hypothesisUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.EvidenceAssessment
	for rows.Next() {
		var ea model.EvidenceAssessment
		var relation, created string
		if err := rows.Scan(&ea.UID, &ea.CaseUID, &ea.HypothesisUID, &ea.EvidenceUID, &relation, &ea.Strength, &ea.Likelihood, &created); err != nil {
			return nil, err
		}
		ea.Relation = model.Relation(relation)
		ea.CreatedAt = parseTime(created)
		out = append(out, ea)
	}
	return out, rows.Err()
}
