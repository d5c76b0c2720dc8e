package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// failGen forces every engine path onto its deterministic fallback.
type failGen struct{}

func (failGen) GenerateStructured(context.Context, string, *jsonschema.Schema, int64) (json.RawMessage, *llm.RouteResult, error) {
	return nil, nil, errors.New("model unavailable")
}

func newTestDeps(t *testing.T) (Deps, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	engine, err := hypothesis.NewEngine(failGen{}, nil)
	require.NoError(t, err)

	return Deps{
		Store:  s,
		Audit:  store.NewAuditStore(s),
		Engine: engine,
		Graph:  store.NewMemoryGraphStore(),
	}, s
}

func seedCase(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	action, err := audit.NewAction(ctx, "case_1", "fixture.seed", "tester", "", nil)
	require.NoError(t, err)
	_, err = s.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		if err := store.InsertCase(ctx, tx, &model.Case{UID: "case_1", Title: "border crossing activity", Status: "active", CreatedAt: now, UpdatedAt: now}); err != nil {
			return nil, err
		}
		if err := store.InsertArtifactIdentity(ctx, tx, &model.ArtifactIdentity{UID: "ai_1", CaseUID: "case_1", CanonicalURL: "https://news.example/report", Kind: "web", CreatedAt: now}); err != nil {
			return nil, err
		}
		if err := store.InsertArtifactVersion(ctx, tx, &model.ArtifactVersion{UID: "av_1", CaseUID: "case_1", ArtifactIdentityUID: "ai_1", ContentSHA256: "aa", StorageRef: "file://x", MimeType: "text/plain", RetrievedAt: now, CreatedAt: now}); err != nil {
			return nil, err
		}
		chunkText := "Customs officials recorded the shipment at the border checkpoint on Tuesday."
		if err := store.InsertChunk(ctx, tx, &model.Chunk{UID: "ch_1", CaseUID: "case_1", ArtifactVersionUID: "av_1", Ordinal: 0, Text: chunkText, CreatedAt: now}); err != nil {
			return nil, err
		}
		if err := store.InsertEvidence(ctx, tx, &model.Evidence{UID: "ev_1", CaseUID: "case_1", ChunkUID: "ch_1", CreatedAt: now}); err != nil {
			return nil, err
		}
		if err := store.InsertSourceClaim(ctx, tx, &model.SourceClaim{UID: "sc_1", CaseUID: "case_1", ChunkUID: "ch_1", EvidenceUID: "ev_1", Quote: "recorded the shipment at the border checkpoint", Modality: model.ModalityText, CreatedAt: now}); err != nil {
			return nil, err
		}
		a := &model.Assertion{
			UID: "a_1", CaseUID: "case_1",
			Value:           model.AssertionValue{Kind: model.AssertionRelational, Relational: &model.RelationalValue{Source: "shipment", Relation: "recorded_at", Target: "border checkpoint"}},
			Text:            "the shipment crosses along its current trajectory at the border",
			SourceClaimUIDs: []string{"sc_1"},
			Confidence:      0.6,
			CreatedAt:       now, UpdatedAt: now,
		}
		return nil, store.InsertAssertion(ctx, tx, a)
	})
	require.NoError(t, err)
}

func TestLoadPlaybookYAML(t *testing.T) {
	pb, err := LoadPlaybook([]byte(`
name: custom
min_engine_version: "1.0.0"
stages:
  - name: hypothesis_generate
  - name: quality_score
    config:
      skip: true
`))
	require.NoError(t, err)
	assert.Equal(t, "custom", pb.Name)
	require.Len(t, pb.Stages, 2)
	assert.True(t, pb.Stages[1].ShouldSkip())
}

func TestLoadPlaybookRejectsNewerEngineRequirement(t *testing.T) {
	_, err := LoadPlaybook([]byte("name: future\nmin_engine_version: \"99.0.0\"\nstages:\n  - name: quality_score\n"))
	require.Error(t, err)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}

func TestBuiltinPlaybooksValid(t *testing.T) {
	reg := NewRegistry()
	for _, name := range BuiltinNames() {
		pb, ok := Builtin(name)
		require.True(t, ok, name)
		require.NoError(t, pb.Validate(EngineVersion))
		for _, st := range pb.Stages {
			_, err := reg.Get(st.Name)
			require.NoError(t, err, st.Name)
		}
	}
}

func TestRunnerFullAnalysisCompletes(t *testing.T) {
	deps, s := newTestDeps(t)
	seedCase(t, s)
	ctx := context.Background()

	cps := store.NewCheckpointStore(s)
	r := NewRunner(NewRegistry(), cps, NewTracker(), deps, nil)

	pb, ok := Builtin(PlaybookFullAnalysis)
	require.True(t, ok)

	st, err := r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester", Topic: "the border crossing"})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, st.Status)
	assert.Len(t, st.CompletedStages, len(pb.Stages))

	// Archetype fallback always yields three hypotheses, fused to a
	// posterior by the heuristic assessments.
	hyps, err := s.ListHypotheses(ctx, "case_1")
	require.NoError(t, err)
	require.Len(t, hyps, 3)

	judgments, err := s.ListJudgments(ctx, "case_1")
	require.NoError(t, err)
	require.Len(t, judgments, 1)
	assert.Contains(t, judgments[0].Title, "Forecast:")

	narratives, err := s.ListNarratives(ctx, "case_1")
	require.NoError(t, err)
	require.Len(t, narratives, 1)
	assert.Equal(t, []string{"sc_1"}, narratives[0].SourceClaimUIDs)

	// One checkpoint per stage, resumable by run id.
	cp, err := cps.Latest(ctx, st.RunID)
	require.NoError(t, err)
	assert.Equal(t, len(pb.Stages), cp.Step)
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	deps, s := newTestDeps(t)
	seedCase(t, s)
	ctx := context.Background()

	var ranA, ranB, ranC int
	failB := true
	reg := NewRegistry()
	reg.Register("a", func(context.Context, *StageContext) (*StageResult, error) {
		ranA++
		return &StageResult{Summary: "a"}, nil
	})
	reg.Register("b", func(context.Context, *StageContext) (*StageResult, error) {
		if failB {
			return nil, errors.New("transient")
		}
		ranB++
		return &StageResult{Summary: "b"}, nil
	})
	reg.Register("c", func(context.Context, *StageContext) (*StageResult, error) {
		ranC++
		return &StageResult{Summary: "c"}, nil
	})

	pb := &Playbook{Name: "abc", Stages: []StageSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	r := NewRunner(reg, store.NewCheckpointStore(s), NewTracker(), deps, nil)

	runID := model.NewUID(model.KindRun)
	st, err := r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester", RunID: runID})
	require.Error(t, err)
	assert.Equal(t, RunFailed, st.Status)
	assert.Equal(t, 1, ranA)

	// The retry picks up at the failed stage; "a" does not run again.
	failB = false
	st, err = r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester", RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, st.Status)
	assert.Equal(t, 1, ranA)
	assert.Equal(t, 1, ranB)
	assert.Equal(t, 1, ranC)
}

func TestRunnerCancellationMarksRunCancelled(t *testing.T) {
	deps, s := newTestDeps(t)
	seedCase(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	reg.Register("await_cancel", func(ctx context.Context, _ *StageContext) (*StageResult, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg.Register("never", func(context.Context, *StageContext) (*StageResult, error) {
		t.Fatal("stage ran after cancellation")
		return nil, nil
	})

	pb := &Playbook{Name: "cancellable", Stages: []StageSpec{{Name: "await_cancel"}, {Name: "never"}}}
	r := NewRunner(reg, store.NewCheckpointStore(s), NewTracker(), deps, nil)

	st, err := r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunFailed, st.Status)
	// Operator cancellation is reported distinctly from a stage failure.
	assert.Equal(t, "cancelled", st.Error)
}

func TestRunnerSkipsStageByConfig(t *testing.T) {
	deps, s := newTestDeps(t)
	seedCase(t, s)

	called := false
	reg := NewRegistry()
	reg.Register("never", func(context.Context, *StageContext) (*StageResult, error) {
		called = true
		return &StageResult{}, nil
	})

	pb := &Playbook{Name: "skippy", Stages: []StageSpec{{Name: "never", Config: map[string]any{"skip": true}}}}
	r := NewRunner(reg, store.NewCheckpointStore(s), NewTracker(), deps, nil)

	st, err := r.Run(context.Background(), RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, st.Status)
	assert.False(t, called)
	assert.Equal(t, []string{"never"}, st.CompletedStages)
}

func TestTrackerSubscribe(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe("run_1")
	defer cancel()

	tr.Start("run_1", "case_1", "full_analysis", 2)
	tr.StageStarted("run_1", "hypothesis_generate")
	tr.StageCompleted("run_1", "hypothesis_generate")
	tr.Complete("run_1")

	var last RunState
	for i := 0; i < 4; i++ {
		select {
		case last = <-ch:
		case <-time.After(time.Second):
			t.Fatal("missing tracker update")
		}
	}
	assert.Equal(t, RunCompleted, last.Status)
	assert.Equal(t, []string{"hypothesis_generate"}, last.CompletedStages)
}

func TestStateBagSurvivesCheckpointRoundTrip(t *testing.T) {
	deps, s := newTestDeps(t)
	seedCase(t, s)
	ctx := context.Background()

	reg := NewRegistry()
	reg.Register("write_state", func(_ context.Context, sc *StageContext) (*StageResult, error) {
		sc.State["marker"] = "kept"
		return &StageResult{Summary: "wrote"}, nil
	})
	var got string
	failFirst := true
	reg.Register("read_state", func(_ context.Context, sc *StageContext) (*StageResult, error) {
		if failFirst {
			return nil, errors.New("transient")
		}
		got, _ = sc.State["marker"].(string)
		return &StageResult{Summary: "read"}, nil
	})

	pb := &Playbook{Name: "statey", Stages: []StageSpec{{Name: "write_state"}, {Name: "read_state"}}}
	r := NewRunner(reg, store.NewCheckpointStore(s), NewTracker(), deps, nil)

	// First attempt checkpoints the state bag, then fails. The resumed
	// run rehydrates the bag from the checkpoint.
	runID := model.NewUID(model.KindRun)
	_, err := r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester", RunID: runID})
	require.Error(t, err)

	failFirst = false
	_, err = r.Run(ctx, RunRequest{Playbook: pb, CaseUID: "case_1", ActorID: "tester", RunID: runID})
	require.NoError(t, err)
	assert.Equal(t, "kept", got)
}
