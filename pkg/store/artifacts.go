package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// ErrDuplicateVersion marks a re-ingest of identical content for a case.
// Callers treat it as idempotent success and reuse the existing version.
var ErrDuplicateVersion = errors.New("store: artifact version already exists for content hash")

// InsertArtifactIdentity appends a logical source identity.
func InsertArtifactIdentity(ctx context.Context, q querier, ai *model.ArtifactIdentity) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO artifact_identities (uid, case_uid, canonical_url, kind, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ai.UID, ai.CaseUID, ai.CanonicalURL, ai.Kind, fmtTime(ai.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: artifact identity insert failed: %w", err)
	}
	return nil
}

// InsertArtifactVersion appends one immutable retrieval. A second insert
// of the same (case, content hash) returns ErrDuplicateVersion.
func InsertArtifactVersion(ctx context.Context, q querier, av *model.ArtifactVersion) error {
	meta, err := marshalJSON(av.SourceMeta)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO artifact_versions (uid, case_uid, artifact_identity_uid, content_sha256, storage_ref, mime_type, retrieved_at, source_meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		av.UID, av.CaseUID, av.ArtifactIdentityUID, av.ContentSHA256, av.StorageRef,
		av.MimeType, fmtTime(av.RetrievedAt), meta, fmtTime(av.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicateVersion
		}
		return fmt.Errorf("store: artifact version insert failed: %w", err)
	}
	return nil
}

// InsertChunk appends one ordered span of an artifact version.
func InsertChunk(ctx context.Context, q querier, c *model.Chunk) error {
	anchors, err := marshalJSON(c.Anchors)
	if err != nil {
		return err
	}
	health, err := marshalJSON(c.AnchorHealth)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO chunks (uid, case_uid, artifact_version_uid, ordinal, text, anchor_set, anchor_health, embedding_synced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.UID, c.CaseUID, c.ArtifactVersionUID, c.Ordinal, c.Text,
		anchors, health, boolInt(c.EmbeddingSynced), fmtTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: chunk insert failed: %w", err)
	}
	return nil
}

// MarkChunkEmbedded flips the embedding sync flag after the vector store
// confirms the write.
func MarkChunkEmbedded(ctx context.Context, q querier, uid string) error {
	res, err := q.ExecContext(ctx, `UPDATE chunks SET embedding_synced = 1 WHERE uid = ?`, uid)
	if err != nil {
		return fmt.Errorf("store: chunk embed mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChunkAnchorHealth records a relocation check result.
func UpdateChunkAnchorHealth(ctx context.Context, q querier, uid string, health model.AnchorHealth) error {
	doc, err := marshalJSON(health)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `UPDATE chunks SET anchor_health = ? WHERE uid = ?`, doc, uid)
	if err != nil {
		return fmt.Errorf("store: anchor health update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListArtifactIdentities returns a case's logical sources, oldest first.
func (s *Store) ListArtifactIdentities(ctx context.Context, caseUID string) ([]model.ArtifactIdentity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, canonical_url, kind, created_at
		FROM artifact_identities WHERE case_uid = ? ORDER BY created_at`, caseUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing artifact identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ArtifactIdentity
	for rows.Next() {
		var ai model.ArtifactIdentity
		var created string
		if err := rows.Scan(&ai.UID, &ai.CaseUID, &ai.CanonicalURL, &ai.Kind, &created); err != nil {
			return nil, err
		}
		ai.CreatedAt = parseTime(created)
		out = append(out, ai)
	}
	return out, rows.Err()
}

// GetArtifactVersion resolves one version by uid.
func (s *Store) GetArtifactVersion(ctx context.Context, uid string) (*model.ArtifactVersion, error) {
	var av model.ArtifactVersion
	var retrieved, created string
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, artifact_identity_uid, content_sha256, storage_ref, mime_type, retrieved_at, source_meta, created_at
		FROM artifact_versions WHERE uid = ?`, uid).
		Scan(&av.UID, &av.CaseUID, &av.ArtifactIdentityUID, &av.ContentSHA256, &av.StorageRef, &av.MimeType, &retrieved, &meta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching artifact version: %w", err)
	}
	av.RetrievedAt = parseTime(retrieved)
	av.CreatedAt = parseTime(created)
	if err := unmarshalJSON(meta, &av.SourceMeta); err != nil {
		return nil, err
	}
	return &av, nil
}

// FindArtifactVersionByHash resolves the existing version for a content
// hash within a case, for the idempotent re-ingest path.
func (s *Store) FindArtifactVersionByHash(ctx context.Context, caseUID, sha string) (*model.ArtifactVersion, error) {
	var uid string
	err := s.db.QueryRowContext(ctx,
		`SELECT uid FROM artifact_versions WHERE case_uid = ? AND content_sha256 = ?`, caseUID, sha).
		Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolving version by hash: %w", err)
	}
	return s.GetArtifactVersion(ctx, uid)
}

// GetChunk resolves one chunk by uid.
func (s *Store) GetChunk(ctx context.Context, uid string) (*model.Chunk, error) {
	var c model.Chunk
	var anchors string
	var health sql.NullString
	var synced int
	var created string
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, case_uid, artifact_version_uid, ordinal, text, anchor_set, anchor_health, embedding_synced, created_at
		FROM chunks WHERE uid = ?`, uid).
		Scan(&c.UID, &c.CaseUID, &c.ArtifactVersionUID, &c.Ordinal, &c.Text, &anchors, &health, &synced, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetching chunk: %w", err)
	}
	if err := unmarshalJSON(sql.NullString{String: anchors, Valid: true}, &c.Anchors); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(health, &c.AnchorHealth); err != nil {
		return nil, err
	}
	c.EmbeddingSynced = synced != 0
	c.CreatedAt = parseTime(created)
	return &c, nil
}

// ListChunks returns a version's chunks in ordinal order.
func (s *Store) ListChunks(ctx context.Context, artifactVersionUID string) ([]model.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, case_uid, artifact_version_uid, ordinal, text, anchor_set, anchor_health, embedding_synced, created_at
		FROM chunks WHERE artifact_version_uid = ? ORDER BY ordinal`, artifactVersionUID)
	if err != nil {
		return nil, fmt.Errorf("store: listing chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var anchors string
		var health sql.NullString
		var synced int
		var created string
		if err := rows.Scan(&c.UID, &c.CaseUID, &c.ArtifactVersionUID, &c.Ordinal, &c.Text, &anchors, &health, &synced, &created); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(sql.NullString{String: anchors, Valid: true}, &c.Anchors); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(health, &c.AnchorHealth); err != nil {
			return nil, err
		}
		c.EmbeddingSynced = synced != 0
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
