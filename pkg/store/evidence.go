package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ErrQuoteNotInChunk rejects a text-modality source claim whose quote is
// not a verbatim substring of the cited chunk.
var ErrQuoteNotInChunk = errors.New("store: quote is not a substring of the cited chunk")

// InsertEvidence appends a policy-decorated reference onto a chunk.
func InsertEvidence(ctx context.Context, q querier, e *model.Evidence) error {
	flags, err := marshalJSON(e.PIIFlags)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO evidence (uid, case_uid, chunk_uid, license, pii_flags, retention_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.UID, e.CaseUID, e.ChunkUID, e.License, flags, e.RetentionPolicy, fmtTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: evidence insert failed: %w", err)
	}
	return nil
}

// InsertSourceClaim appends a verbatim quote. For text modality the quote
// is checked against the cited chunk's text inside the same transaction.
func InsertSourceClaim(ctx context.Context, q querier, sc *model.SourceClaim) error {
	if sc.Modality == "" {
		sc.Modality = model.ModalityText
	}
	if sc.Modality == model.ModalityText {
		var text string
		err := q.QueryRowContext(ctx, `SELECT text FROM chunks WHERE uid = ?`, sc.ChunkUID).Scan(&text)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: source claim cites unknown chunk %s: %w", sc.ChunkUID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("store: resolving cited chunk: %w", err)
		}
		if !strings.Contains(text, sc.Quote) {
			return ErrQuoteNotInChunk
		}
	}

	selectors, err := marshalJSON(sc.Selectors)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO source_claims (uid, case_uid, chunk_uid, evidence_uid, quote, selectors, original_lang, translation, modality, segment_ref, media_time_range, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.UID, sc.CaseUID, sc.ChunkUID, sc.EvidenceUID, sc.Quote, selectors,
		sc.OriginalLang, sc.Translation, string(sc.Modality), sc.SegmentRef, sc.MediaTimeRange,
		fmtTime(sc.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: source claim insert failed: %w", err)
	}
	return nil
}

// GetEvidence resolves one evidence record by uid.
func (s *Store) GetEvidence(ctx context.Context, uid string) (*model.Evidence, error) {
	var e model.Evidence
	var license, flags, retention sql.NullString
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, chunk_uid, license, pii_flags, retention_policy, created_at
		FROM evidence WHERE uid = ?`, uid).
		Scan(&e.UID, &e.CaseUID, &e.ChunkUID, &license, &flags, &retention, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching evidence: %w", err)
	}
	e.License = license.String
	e.RetentionPolicy = retention.String
	if err := unmarshalJSON(flags, &e.PIIFlags); err != nil {
		return nil, err
	}
	e.CreatedAt = parseTime(created)
	return &e, nil
}

// GetSourceClaim resolves one source claim by uid.
func (s *Store) GetSourceClaim(ctx context.Context, uid string) (*model.SourceClaim, error) {
	var sc model.SourceClaim
	var selectors, lang, translation, segRef, mediaRange sql.NullString
	var modality, created string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, chunk_uid, evidence_uid, quote, selectors, original_lang, translation, modality, segment_ref, media_time_range, created_at
		FROM source_claims WHERE uid = ?`, uid).
		Scan(&sc.UID, &sc.CaseUID, &sc.ChunkUID, &sc.EvidenceUID, &sc.Quote, &selectors,
			&lang, &translation, &modality, &segRef, &mediaRange, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching source claim: %w", err)
	}
	if err := unmarshalJSON(selectors, &sc.Selectors); err != nil {
		return nil, err
	}
	sc.OriginalLang = lang.String
	sc.Translation = translation.String
	sc.Modality = model.Modality(modality)
	sc.SegmentRef = segRef.String
	sc.MediaTimeRange = mediaRange.String
	sc.CreatedAt = parseTime(created)
	return &sc, nil
}

// ListSourceClaims returns a case's source claims, oldest first.
func (s *Store) ListSourceClaims(ctx context.Context, caseUID string) ([]model.SourceClaim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid FROM source_claims WHERE case_uid = ? ORDER BY created_at, uid`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing source claims: %w", err)
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

	out := make([]model.SourceClaim, 0, len(uids))
	for _, uid := range uids {
		sc, err := s.GetSourceClaim(ctx, uid)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, nil
}

// CountSourceClaims reports a case's claim volume, used by the
// investigation loop to measure round progress.
func (s *Store) CountSourceClaims(ctx context.Context, caseUID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM source_claims WHERE case_uid = ?`, caseUID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: counting source claims: %w", err)
	}
	return n, nil
}
