package hypothesis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/policy"
)

type stubGenerator struct {
	doc      string
	err      error
	degraded bool
	calls    int
}

func (s *stubGenerator) GenerateStructured(_ context.Context, _ string, _ *jsonschema.Schema, _ int64) (json.RawMessage, *llm.RouteResult, error) {
	s.calls++
	if s.err != nil {
		return nil, nil, s.err
	}
	if s.degraded {
		return nil, &llm.RouteResult{Degraded: &policy.DegradedOutput{Reason: policy.DegradedBudgetExceeded}}, nil
	}
	return json.RawMessage(s.doc), &llm.RouteResult{Response: &llm.Response{Content: s.doc}, ModelUsed: "test-model"}, nil
}

func newTestEngine(t *testing.T, gen StructuredGenerator) *Engine {
	t.Helper()
	e, err := NewEngine(gen, nil)
	require.NoError(t, err)
	return e
}

func mkAssertion(uid, text string) model.Assertion {
	now := time.Now().UTC()
	return model.Assertion{
		UID: uid, CaseUID: "case_1",
		Value: model.AssertionValue{Kind: model.AssertionFactual, Factual: &model.FactualValue{Subject: "s", Predicate: "p", Object: "o"}},
		Text:  text, SourceClaimUIDs: []string{"sc_1"}, Confidence: 0.5,
		CreatedAt: now, UpdatedAt: now,
	}
}

func TestGenerateParsesModelOutput(t *testing.T) {
	gen := &stubGenerator{doc: `{"hypotheses":[{"label":"H1","statement":"The plant restarted production."},{"label":"H2","statement":"The imagery shows routine maintenance."}]}`}
	e := newTestEngine(t, gen)

	res, err := e.Generate(context.Background(), "case_1", "plant activity", nil)
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, "test-model", res.ModelUsed)
	require.Len(t, res.Hypotheses, 2)
	assert.Equal(t, "H1", res.Hypotheses[0].Label)
	assert.Equal(t, "case_1", res.Hypotheses[0].CaseUID)
}

func TestGenerateFallbackNeverEmpty(t *testing.T) {
	for name, gen := range map[string]*stubGenerator{
		"error":    {err: errors.New("model down")},
		"degraded": {degraded: true},
		"empty":    {doc: `{"hypotheses":[]}`},
	} {
		t.Run(name, func(t *testing.T) {
			e := newTestEngine(t, gen)
			res, err := e.Generate(context.Background(), "case_1", "the border crossing", nil)
			require.NoError(t, err)
			assert.True(t, res.Fallback)
			require.Len(t, res.Hypotheses, 3)
			labels := []string{res.Hypotheses[0].Label, res.Hypotheses[1].Label, res.Hypotheses[2].Label}
			assert.Equal(t, []string{"H1", "H2", "H3"}, labels)
		})
	}
}

func TestAnalyzeBuildsMatrixFromModel(t *testing.T) {
	gen := &stubGenerator{doc: `{"assessments":[
		{"assertion_uid":"a_1","relation":"support","strength":0.8},
		{"assertion_uid":"a_2","relation":"contradict","strength":0.6},
		{"assertion_uid":"a_3","relation":"irrelevant","strength":0.1}
	]}`}
	e := newTestEngine(t, gen)

	h := &model.Hypothesis{UID: "h_1", CaseUID: "case_1", Label: "H1", Statement: "the facility resumed operations"}
	assertions := []model.Assertion{
		mkAssertion("a_1", "thermal signatures increased at the facility"),
		mkAssertion("a_2", "officials denied any operations resumed"),
		mkAssertion("a_3", "regional weather was mild"),
	}
	evidence := map[string]string{"a_1": "ev_1", "a_2": "ev_2", "a_3": "ev_3"}

	res, err := e.Analyze(context.Background(), h, assertions, evidence)
	require.NoError(t, err)
	assert.False(t, res.Fallback)
	assert.Equal(t, []string{"a_1"}, h.SupportingAssertionUIDs)
	assert.Equal(t, []string{"a_2"}, h.ContradictingAssertionUIDs)
	assert.Equal(t, 1.0, h.CoverageScore)
	require.Len(t, res.Assessments, 3)
	assert.Equal(t, model.RelationSupport, res.Assessments[0].Relation)
	assert.Equal(t, 0.8, res.Assessments[0].Strength)
}

func TestAnalyzeHeuristicFallback(t *testing.T) {
	gen := &stubGenerator{err: errors.New("model down")}
	e := newTestEngine(t, gen)

	h := &model.Hypothesis{UID: "h_1", CaseUID: "case_1", Statement: "the shipment reached the border checkpoint"}
	assertions := []model.Assertion{
		mkAssertion("a_1", "customs recorded the shipment at the border checkpoint"),
		mkAssertion("a_2", "officials denied the shipment reached the checkpoint"),
		mkAssertion("a_3", "a local festival drew large crowds downtown"),
	}

	res, err := e.Analyze(context.Background(), h, assertions, map[string]string{})
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Contains(t, h.SupportingAssertionUIDs, "a_1")
	assert.Contains(t, h.ContradictingAssertionUIDs, "a_2")
	assert.NotContains(t, h.SupportingAssertionUIDs, "a_3")
	assert.NotContains(t, h.ContradictingAssertionUIDs, "a_3")
	// Disjointness always holds after analysis.
	assert.NoError(t, h.Validate())
}

func TestAnalyzeEmptyAssertionsYieldsGap(t *testing.T) {
	e := newTestEngine(t, &stubGenerator{doc: `{"assessments":[]}`})
	h := &model.Hypothesis{UID: "h_1", CaseUID: "case_1", Statement: "anything"}

	res, err := e.Analyze(context.Background(), h, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, h.CoverageScore)
	require.NotEmpty(t, h.GapList)
	assert.Equal(t, 1, h.GapList[0].Priority)
	assert.Empty(t, res.Assessments)
}

func TestMultiPerspectiveMergesAndTags(t *testing.T) {
	gen := &stubGenerator{doc: `{"hypotheses":[{"label":"H1","statement":"A single shared statement."}]}`}
	e := newTestEngine(t, gen)

	res, err := e.MultiPerspective(context.Background(), "case_1", "topic", nil, nil)
	require.NoError(t, err)
	// Identical statements across personas dedupe to one.
	require.Len(t, res.Hypotheses, 1)
	assert.Equal(t, "skeptic", res.Hypotheses[0].Persona)
	assert.Equal(t, 3, gen.calls)
}

func TestMultiPerspectiveFallbackProducesDistinctSets(t *testing.T) {
	gen := &stubGenerator{err: errors.New("down")}
	e := newTestEngine(t, gen)

	res, err := e.MultiPerspective(context.Background(), "case_1", "topic", nil, []string{"skeptic", "advocate"})
	require.NoError(t, err)
	// Archetype statements embed the persona-suffixed topic, so the two
	// personas contribute distinct statements.
	assert.Len(t, res.Hypotheses, 6)
	assert.ElementsMatch(t, []string{"skeptic", "advocate"}, res.FallbackPersonas)
}

func TestAdversarialEvaluate(t *testing.T) {
	gen := &stubGenerator{doc: `{"challenges":["alternative supplier explains the traffic"],"survived":true,"notes":"weak counters"}`}
	e := newTestEngine(t, gen)

	h := &model.Hypothesis{UID: "h_1", CaseUID: "case_1", Statement: "s"}
	res, err := e.AdversarialEvaluate(context.Background(), h, nil)
	require.NoError(t, err)
	assert.True(t, res.Tested)
	assert.True(t, res.Survived)
	assert.Len(t, res.Challenges, 1)
	assert.Same(t, res, h.Adversarial)

	// Model failure records tested=false.
	e2 := newTestEngine(t, &stubGenerator{err: errors.New("down")})
	res, err = e2.AdversarialEvaluate(context.Background(), &model.Hypothesis{UID: "h_2"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Tested)
}

func TestScoreQuality(t *testing.T) {
	post := 0.7
	report := ScoreQuality(QualityInput{
		CaseUID: "case_1",
		Hypotheses: []model.Hypothesis{
			{CoverageScore: 1.0, Confidence: 0.7, PosteriorProbability: &post},
			{CoverageScore: 0.5},
		},
		Assertions:  []model.Assertion{mkAssertion("a_1", "t")},
		Narratives:  []model.Narrative{{SourceClaimUIDs: []string{"sc_1", "sc_2"}}, {SourceClaimUIDs: nil}},
		SourceHosts: []string{"a.example", "b.example", "a.example"},
		TraceID:     "trace-1",
	})

	assert.Equal(t, "v1", report.Version)
	assert.InDelta(t, 0.75, report.EvidenceCoverage, 1e-9)
	assert.InDelta(t, 2.0/3.0, report.SourceDiversity, 1e-9)
	assert.InDelta(t, 1.0, report.ConfidenceCalibration, 1e-9)
	assert.InDelta(t, 0.5, report.NarrativeCoherence, 1e-9)
	assert.Equal(t, "trace-1", report.TraceID)
	assert.Greater(t, report.Overall, 0.0)
}

func TestHeuristicVerdictIrrelevant(t *testing.T) {
	v := heuristicVerdict("the reactor restarted", "annual flower festival attendance broke records")
	assert.Equal(t, model.RelationIrrelevant, v.relation)
}
