package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedCase(t *testing.T, s *Store, uid string) {
	t.Helper()
	now := time.Now().UTC()
	c := &model.Case{UID: uid, Title: "test case", Status: "open", CreatedAt: now, UpdatedAt: now}
	action, err := audit.NewAction(context.Background(), uid, "case.create", "tester", "", nil)
	require.NoError(t, err)
	_, err = s.WithAction(context.Background(), action, func(tx *sql.Tx) (any, error) {
		return map[string]string{"case_uid": uid}, InsertCase(context.Background(), tx, c)
	})
	require.NoError(t, err)
}

func TestWithActionPairsBusinessWriteWithAction(t *testing.T) {
	s := openTestStore(t)
	seedCase(t, s, "case_1")

	got, err := s.GetCase(context.Background(), "case_1")
	require.NoError(t, err)
	assert.Equal(t, "open", got.Status)

	actions, err := NewAuditStore(s).ListActions(context.Background(), "case_1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "case.create", actions[0].ActionType)
	assert.Contains(t, string(actions[0].Outputs), "case_1")
}

func TestWithActionRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	action, err := audit.NewAction(ctx, "case_x", "case.create", "tester", "", nil)
	require.NoError(t, err)
	boom := errors.New("boom")
	_, err = s.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		now := time.Now().UTC()
		c := &model.Case{UID: "case_x", Title: "t", Status: "open", CreatedAt: now, UpdatedAt: now}
		if err := InsertCase(ctx, tx, c); err != nil {
			return nil, err
		}
		return nil, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetCase(ctx, "case_x")
	assert.ErrorIs(t, err, ErrNotFound)
	actions, err := NewAuditStore(s).ListActions(ctx, "case_x")
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestCaseDeleteCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")

	av := seedVersionAndChunk(t, s, "case_1", "hello world, the quick brown fox")

	require.NoError(t, DeleteCase(ctx, s.db, "case_1"))
	_, err := s.GetArtifactVersion(ctx, av)
	assert.ErrorIs(t, err, ErrNotFound)
}

// seedVersionAndChunk inserts one identity, one version, and one chunk
// holding text; returns the version uid. The chunk uid is "ch_seed".
func seedVersionAndChunk(t *testing.T, s *Store, caseUID, text string) string {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	ai := &model.ArtifactIdentity{UID: model.NewUID(model.KindArtifactIdentity), CaseUID: caseUID, CanonicalURL: "https://example.com/doc", Kind: "web_page", CreatedAt: now}
	require.NoError(t, InsertArtifactIdentity(ctx, s.db, ai))

	av := &model.ArtifactVersion{
		UID: model.NewUID(model.KindArtifactVersion), CaseUID: caseUID,
		ArtifactIdentityUID: ai.UID, ContentSHA256: "sha256:abc", StorageRef: "file:///tmp/x",
		MimeType: "text/html", RetrievedAt: now, CreatedAt: now,
	}
	require.NoError(t, InsertArtifactVersion(ctx, s.db, av))

	ch := &model.Chunk{
		UID: "ch_seed", CaseUID: caseUID, ArtifactVersionUID: av.UID, Ordinal: 0,
		Text:    text,
		Anchors: model.AnchorSet{Exact: text, StartOffset: 0, EndOffset: len(text)},
		CreatedAt: now,
	}
	require.NoError(t, InsertChunk(ctx, s.db, ch))
	return av.UID
}

func TestArtifactVersionDuplicateHash(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	av := &model.ArtifactVersion{
		UID: model.NewUID(model.KindArtifactVersion), CaseUID: "case_1",
		ArtifactIdentityUID: "ai_1", ContentSHA256: "sha256:same", StorageRef: "file:///a",
		MimeType: "text/plain", RetrievedAt: now, CreatedAt: now,
	}
	require.NoError(t, InsertArtifactVersion(ctx, s.db, av))

	dup := *av
	dup.UID = model.NewUID(model.KindArtifactVersion)
	assert.ErrorIs(t, InsertArtifactVersion(ctx, s.db, &dup), ErrDuplicateVersion)

	existing, err := s.FindArtifactVersionByHash(ctx, "case_1", "sha256:same")
	require.NoError(t, err)
	assert.Equal(t, av.UID, existing.UID)
}

func TestChunkOrdinalUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	avUID := seedVersionAndChunk(t, s, "case_1", "some text")

	dup := &model.Chunk{
		UID: model.NewUID(model.KindChunk), CaseUID: "case_1",
		ArtifactVersionUID: avUID, Ordinal: 0, Text: "other",
		Anchors: model.AnchorSet{Exact: "other"}, CreatedAt: time.Now().UTC(),
	}
	assert.Error(t, InsertChunk(ctx, s.db, dup))
}

func TestSourceClaimQuoteMustBeSubstring(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	seedVersionAndChunk(t, s, "case_1", "the quick brown fox jumps over the lazy dog")
	now := time.Now().UTC()

	ev := &model.Evidence{UID: "ev_1", CaseUID: "case_1", ChunkUID: "ch_seed", CreatedAt: now}
	require.NoError(t, InsertEvidence(ctx, s.db, ev))

	good := &model.SourceClaim{
		UID: "sc_1", CaseUID: "case_1", ChunkUID: "ch_seed", EvidenceUID: "ev_1",
		Quote: "quick brown fox", Modality: model.ModalityText, CreatedAt: now,
	}
	require.NoError(t, InsertSourceClaim(ctx, s.db, good))

	bad := &model.SourceClaim{
		UID: "sc_2", CaseUID: "case_1", ChunkUID: "ch_seed", EvidenceUID: "ev_1",
		Quote: "slow purple fox", Modality: model.ModalityText, CreatedAt: now,
	}
	assert.ErrorIs(t, InsertSourceClaim(ctx, s.db, bad), ErrQuoteNotInChunk)

	// Non-text modality skips the substring check.
	media := &model.SourceClaim{
		UID: "sc_3", CaseUID: "case_1", ChunkUID: "ch_seed", EvidenceUID: "ev_1",
		Quote: "speaker says hello", Modality: model.ModalityAudio,
		MediaTimeRange: "00:01:02-00:01:09", CreatedAt: now,
	}
	require.NoError(t, InsertSourceClaim(ctx, s.db, media))
}

func TestAssertionValidationOnInsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	uncited := &model.Assertion{
		UID: "a_1", CaseUID: "case_1",
		Value: model.AssertionValue{Kind: model.AssertionFactual, Factual: &model.FactualValue{Subject: "x", Predicate: "is", Object: "y"}},
		Text:  "x is y", Confidence: 0.5, CreatedAt: now, UpdatedAt: now,
	}
	assert.Error(t, InsertAssertion(ctx, s.db, uncited))

	uncited.SourceClaimUIDs = []string{"sc_1"}
	require.NoError(t, InsertAssertion(ctx, s.db, uncited))

	got, err := s.GetAssertion(ctx, "a_1")
	require.NoError(t, err)
	require.NotNil(t, got.Value.Factual)
	assert.Equal(t, "x", got.Value.Factual.Subject)
}

func TestHypothesisDisjointnessEnforced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	h := &model.Hypothesis{
		UID: "h_1", CaseUID: "case_1", Label: "H1", Statement: "it happened",
		SupportingAssertionUIDs:    []string{"a_1"},
		ContradictingAssertionUIDs: []string{"a_1"},
		CreatedAt:                  now, UpdatedAt: now,
	}
	assert.Error(t, InsertHypothesis(ctx, s.db, h))

	h.ContradictingAssertionUIDs = []string{"a_2"}
	require.NoError(t, InsertHypothesis(ctx, s.db, h))

	got, err := s.GetHypothesis(ctx, "h_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a_1"}, got.SupportingAssertionUIDs)
}

func TestAssessmentUniquePerPair(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	ea := &model.EvidenceAssessment{
		UID: "ea_1", CaseUID: "case_1", HypothesisUID: "h_1", EvidenceUID: "ev_1",
		Relation: model.RelationSupport, Strength: 0.8, Likelihood: 0.87, CreatedAt: now,
	}
	require.NoError(t, InsertEvidenceAssessment(ctx, s.db, ea))

	dup := *ea
	dup.UID = "ea_2"
	assert.ErrorIs(t, InsertEvidenceAssessment(ctx, s.db, &dup), ErrDuplicateAssessment)
}

func TestProbabilityUpdatesAppendOnlyHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, post := range []float64{0.6, 0.7, 0.55} {
		pu := &model.ProbabilityUpdate{
			UID: model.NewUID(model.KindProbabilityUpdate), CaseUID: "case_1", HypothesisUID: "h_1",
			Prior: 0.5, Posterior: post, Likelihood: 0.8,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, InsertProbabilityUpdate(ctx, s.db, pu))
	}

	history, err := s.ListProbabilityUpdates(ctx, "h_1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 0.6, history[0].Posterior)
	assert.Equal(t, 0.55, history[2].Posterior)
}

func TestFeedbackUniquePerUserAndAssertion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	f := &model.AssertionFeedback{UID: "fb_1", CaseUID: "case_1", AssertionUID: "a_1", UserID: "u1", Verdict: "agree", CreatedAt: now}
	require.NoError(t, InsertAssertionFeedback(ctx, s.db, f))

	again := *f
	again.UID = "fb_2"
	again.Verdict = "disagree"
	assert.ErrorIs(t, InsertAssertionFeedback(ctx, s.db, &again), ErrDuplicateFeedback)

	other := *f
	other.UID = "fb_3"
	other.UserID = "u2"
	require.NoError(t, InsertAssertionFeedback(ctx, s.db, &other))
}

func TestEventLogDedupe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedCase(t, s, "case_1")
	now := time.Now().UTC()

	e := &model.EventLog{UID: "evt_1", CaseUID: "case_1", SourceEventUID: "src-42", EventType: "artifact.ingested", CreatedAt: now}
	require.NoError(t, InsertEventLog(ctx, s.db, e))

	replay := *e
	replay.UID = "evt_2"
	assert.ErrorIs(t, InsertEventLog(ctx, s.db, &replay), ErrDuplicateEvent)
}

func TestToolTraceIdempotentUpsert(t *testing.T) {
	s := openTestStore(t)
	seedCase(t, s, "case_1")
	ctx := context.Background()
	as := NewAuditStore(s)

	tt := &model.ToolTrace{
		UID: "tt_1", ActionUID: "act_1", CaseUID: "case_1", ToolName: "meta_search",
		Status: model.ToolStatusOK, DurationMS: 12, CreatedAt: time.Now().UTC(),
	}
	_, err := as.RecordToolTrace(ctx, tt)
	require.NoError(t, err)
	_, err = as.RecordToolTrace(ctx, tt)
	require.NoError(t, err)

	traces, err := as.ListToolTraces(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, traces, 1)
}

func TestCheckpointStoreLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	cs := NewCheckpointStore(s)

	_, err := cs.Latest(ctx, "thread-1")
	assert.ErrorIs(t, err, ErrNotFound)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var parent string
	for i, stage := range []string{"assertion_fuse", "hypothesis_analyze", "narrative_build"} {
		cp := &Checkpoint{
			ThreadID: "thread-1", ParentCheckpointID: parent, Step: i + 1,
			Metadata: map[string]string{"stage": stage},
			State:    []byte(fmt.Sprintf(`{"i":%d}`, i)), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, cs.Save(ctx, cp))
		parent = cp.CheckpointID
	}

	latest, err := cs.Latest(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Step)
	assert.Equal(t, "narrative_build", latest.Metadata["stage"])

	all, err := cs.List(ctx, "thread-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryVectorStoreSearchOrdering(t *testing.T) {
	ctx := context.Background()
	vs := NewMemoryVectorStore()
	require.NoError(t, vs.Store(ctx, "ch_a", "a", Embedding{1, 0}, nil))
	require.NoError(t, vs.Store(ctx, "ch_b", "b", Embedding{0, 1}, nil))
	require.NoError(t, vs.Store(ctx, "ch_c", "c", Embedding{0.9, 0.1}, nil))

	hits, err := vs.Search(ctx, Embedding{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "ch_a", hits[0].ID)
	assert.Equal(t, "ch_c", hits[1].ID)
}

func TestMemoryGraphStoreNeighbors(t *testing.T) {
	ctx := context.Background()
	gs := NewMemoryGraphStore()
	require.NoError(t, gs.AddEdge(ctx, "case_1", GraphEdge{Source: "acme", Relation: "owns", Target: "subco", SourceUID: "a_1"}))
	require.NoError(t, gs.AddEdge(ctx, "case_1", GraphEdge{Source: "subco", Relation: "operates", Target: "plant", SourceUID: "a_2"}))
	// Duplicate edge dedupes.
	require.NoError(t, gs.AddEdge(ctx, "case_1", GraphEdge{Source: "acme", Relation: "owns", Target: "subco", SourceUID: "a_3"}))

	edges, err := gs.Edges(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	around, err := gs.Neighbors(ctx, "case_1", "subco")
	require.NoError(t, err)
	assert.Len(t, around, 2)
}
