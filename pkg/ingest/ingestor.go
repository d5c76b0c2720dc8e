package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/artifacts"
	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

const (
	embedBatchSize   = 32
	embedMaxAttempts = 3
	embedBaseBackoff = 500 * time.Millisecond
)

// Ingestor runs the parse → chunk → persist → embed path for one
// artifact retrieval.
type Ingestor struct {
	store    *store.Store
	blobs    artifacts.Store
	registry *Registry
	chunker  *Chunker
	embedder store.Embedder
	vectors  store.VectorStore
	log      *slog.Logger

	sleep func(time.Duration)
}

// NewIngestor wires the ingest path. embedder and vectors may be nil,
// which skips embedding entirely.
func NewIngestor(s *store.Store, blobs artifacts.Store, embedder store.Embedder, vectors store.VectorStore, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:    s,
		blobs:    blobs,
		registry: NewRegistry(),
		chunker:  NewChunker(),
		embedder: embedder,
		vectors:  vectors,
		log:      log,
		sleep:    time.Sleep,
	}
}

// Request describes one retrieval to ingest.
type Request struct {
	CaseUID      string
	CanonicalURL string
	Kind         string
	MimeType     string
	Data         []byte
	ActorID      string
	Rationale    string
	SourceMeta   map[string]string
}

// Result reports what the ingest produced.
type Result struct {
	ArtifactVersionUID string `json:"artifact_version_uid"`
	ChunkCount         int    `json:"chunk_count"`
	ClaimCount         int    `json:"claim_count"`
	Deduplicated       bool   `json:"deduplicated"`
	Partial            bool   `json:"partial"`
}

// Ingest runs the full path. Re-ingesting identical bytes for the same
// case returns the existing version with Deduplicated=true and writes no
// new chunks. Terminal embedding failure leaves chunks persisted with
// embedding_synced=false and marks the action outputs partial.
func (in *Ingestor) Ingest(ctx context.Context, req *Request) (*Result, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("ingest: empty artifact body")
	}

	sha := artifacts.Digest(req.Data)
	if existing, err := in.store.FindArtifactVersionByHash(ctx, req.CaseUID, sha); err == nil {
		return &Result{ArtifactVersionUID: existing.UID, Deduplicated: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	text, fellBack, parseErr := in.registry.Parse(req.MimeType, req.Data)
	meta := map[string]string{}
	for k, v := range req.SourceMeta {
		meta[k] = v
	}
	if fellBack {
		meta["parser_fallback"] = "plaintext"
	}
	if parseErr != nil {
		// Keep the artifact; downstream sees the annotation.
		meta["parse_error"] = parseErr.Error()
		text = ""
	}

	ref, err := in.blobs.Put(ctx, req.Data, req.MimeType)
	if err != nil {
		return nil, fmt.Errorf("ingest: blob store put failed: %w", err)
	}

	now := time.Now().UTC()
	version := &model.ArtifactVersion{
		UID:                 model.NewUID(model.KindArtifactVersion),
		CaseUID:             req.CaseUID,
		ArtifactIdentityUID: model.NewUID(model.KindArtifactIdentity),
		ContentSHA256:       sha,
		StorageRef:          ref.String(),
		MimeType:            req.MimeType,
		RetrievedAt:         now,
		SourceMeta:          meta,
		CreatedAt:           now,
	}

	chunks := in.chunker.Split(req.CaseUID, version.UID, text)
	result := &Result{ArtifactVersionUID: version.UID, ChunkCount: len(chunks)}

	action, err := audit.NewAction(ctx, req.CaseUID, "artifact.ingest", req.ActorID, req.Rationale,
		map[string]string{"canonical_url": req.CanonicalURL, "content_sha256": sha, "mime_type": req.MimeType})
	if err != nil {
		return nil, err
	}

	var claims []model.SourceClaim
	_, err = in.store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		identity := &model.ArtifactIdentity{
			UID:          version.ArtifactIdentityUID,
			CaseUID:      req.CaseUID,
			CanonicalURL: req.CanonicalURL,
			Kind:         req.Kind,
			CreatedAt:    now,
		}
		if err := store.InsertArtifactIdentity(ctx, tx, identity); err != nil {
			return nil, err
		}
		if err := store.InsertArtifactVersion(ctx, tx, version); err != nil {
			return nil, err
		}
		for i := range chunks {
			if err := store.InsertChunk(ctx, tx, &chunks[i]); err != nil {
				return nil, err
			}
			evidence := &model.Evidence{
				UID:       model.NewUID(model.KindEvidence),
				CaseUID:   req.CaseUID,
				ChunkUID:  chunks[i].UID,
				CreatedAt: now,
			}
			if err := store.InsertEvidence(ctx, tx, evidence); err != nil {
				return nil, err
			}
			for _, claim := range ExtractClaims(&chunks[i], evidence.UID) {
				claim := claim
				if err := store.InsertSourceClaim(ctx, tx, &claim); err != nil {
					return nil, err
				}
				claims = append(claims, claim)
			}
		}
		result.ClaimCount = len(claims)

		// Embedding happens before commit so a partial outcome lands on
		// this action's outputs.
		result.Partial = !in.embedChunks(ctx, tx, chunks)
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// embedChunks embeds in batches with bounded retries. Returns false when
// any batch terminally fails; those chunks stay embedding_synced=false.
func (in *Ingestor) embedChunks(ctx context.Context, tx *sql.Tx, chunks []model.Chunk) bool {
	if in.embedder == nil || in.vectors == nil || len(chunks) == 0 {
		return true
	}

	complete := true
	for lo := 0; lo < len(chunks); lo += embedBatchSize {
		hi := lo + embedBatchSize
		if hi > len(chunks) {
			hi = len(chunks)
		}
		batch := chunks[lo:hi]
		texts := make([]string, len(batch))
		for i := range batch {
			texts[i] = batch[i].Text
		}

		vectors, err := in.embedBatch(ctx, texts)
		if err != nil {
			in.log.Warn("embedding batch failed, marking chunks unsynced",
				"case_uid", batch[0].CaseUID, "batch_start", lo, "error", err)
			complete = false
			continue
		}
		for i := range batch {
			meta := map[string]string{
				"case_uid":             batch[i].CaseUID,
				"artifact_version_uid": batch[i].ArtifactVersionUID,
			}
			if err := in.vectors.Store(ctx, batch[i].UID, batch[i].Text, vectors[i], meta); err != nil {
				in.log.Warn("vector store write failed", "chunk_uid", batch[i].UID, "error", err)
				complete = false
				continue
			}
			if err := store.MarkChunkEmbedded(ctx, tx, batch[i].UID); err != nil {
				return false
			}
		}
	}
	return complete
}

func (in *Ingestor) embedBatch(ctx context.Context, texts []string) ([]store.Embedding, error) {
	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		if attempt > 0 {
			in.sleep(embedBaseBackoff << (attempt - 1))
		}
		vectors, err := in.embedder.Embed(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// Reanchor re-locates a chunk's span in a fresh retrieval's text and
// persists the anchor health result.
func (in *Ingestor) Reanchor(ctx context.Context, chunkUID, newText string) (model.AnchorHealth, error) {
	chunk, err := in.store.GetChunk(ctx, chunkUID)
	if err != nil {
		return model.AnchorHealth{}, err
	}
	_, _, health := Relocate(chunk.Anchors, Normalize(newText))
	if err := store.UpdateChunkAnchorHealth(ctx, in.store.DB(), chunkUID, health); err != nil {
		return model.AnchorHealth{}, err
	}
	return health, nil
}
