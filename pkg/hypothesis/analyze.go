package hypothesis

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// AnalyzeResult is the ACH outcome for one hypothesis.
type AnalyzeResult struct {
	Hypothesis  *model.Hypothesis          `json:"hypothesis"`
	Assessments []model.EvidenceAssessment `json:"assessments"`
	Fallback    bool                       `json:"fallback"`
}

// Analyze runs the competing-hypotheses matrix for one hypothesis over
// the case's assertions: each assertion gets a relation and strength
// (LLM, heuristic fallback), the hypothesis's supporting/contradicting
// sets, coverage score, and gap list are rewritten from the results.
// evidenceByAssertion maps assertion uid to the evidence uid backing it.
func (e *Engine) Analyze(ctx context.Context, h *model.Hypothesis, assertions []model.Assertion, evidenceByAssertion map[string]string) (*AnalyzeResult, error) {
	if len(assertions) == 0 {
		h.CoverageScore = 0
		h.GapList = []model.Gap{{Description: "no assertions available for assessment", Priority: 1, Query: h.Statement}}
		h.UpdatedAt = time.Now().UTC()
		return &AnalyzeResult{Hypothesis: h}, nil
	}

	verdicts, fallback := e.assess(ctx, h, assertions)

	now := time.Now().UTC()
	var supporting, contradicting []string
	var assessments []model.EvidenceAssessment
	assessed := 0
	for _, a := range assertions {
		v, ok := verdicts[a.UID]
		if !ok {
			continue
		}
		assessed++
		switch v.relation {
		case model.RelationSupport:
			supporting = append(supporting, a.UID)
		case model.RelationContradict:
			contradicting = append(contradicting, a.UID)
		}
		evidenceUID := evidenceByAssertion[a.UID]
		if evidenceUID == "" {
			continue
		}
		assessments = append(assessments, model.EvidenceAssessment{
			UID:           model.NewUID(model.KindAssessment),
			CaseUID:       h.CaseUID,
			HypothesisUID: h.UID,
			EvidenceUID:   evidenceUID,
			Relation:      v.relation,
			Strength:      v.strength,
			CreatedAt:     now,
		})
	}

	h.SupportingAssertionUIDs = supporting
	h.ContradictingAssertionUIDs = contradicting
	h.CoverageScore = float64(assessed) / float64(len(assertions))
	h.GapList = buildGaps(h, assertions, verdicts)
	h.UpdatedAt = now

	return &AnalyzeResult{Hypothesis: h, Assessments: assessments, Fallback: fallback}, nil
}

type verdict struct {
	relation model.Relation
	strength float64
}

// assess asks the model for the full matrix; any failure or missing row
// falls back to the keyword heuristic per assertion.
func (e *Engine) assess(ctx context.Context, h *model.Hypothesis, assertions []model.Assertion) (map[string]verdict, bool) {
	verdicts := make(map[string]verdict, len(assertions))
	fallback := false

	doc, route, err := e.gen.GenerateStructured(ctx, buildAnalyzePrompt(h, assertions), e.analyzeSchema, 2048)
	if err == nil && route != nil && route.Degraded == nil {
		var parsed struct {
			Assessments []struct {
				AssertionUID string  `json:"assertion_uid"`
				Relation     string  `json:"relation"`
				Strength     float64 `json:"strength"`
			} `json:"assessments"`
		}
		if json.Unmarshal(doc, &parsed) == nil {
			known := make(map[string]struct{}, len(assertions))
			for _, a := range assertions {
				known[a.UID] = struct{}{}
			}
			for _, row := range parsed.Assessments {
				if _, ok := known[row.AssertionUID]; !ok {
					continue
				}
				verdicts[row.AssertionUID] = verdict{
					relation: model.Relation(row.Relation),
					strength: clamp01(row.Strength),
				}
			}
		}
	} else {
		if err != nil {
			e.log.Warn("hypothesis analysis model call failed, using heuristic", "hypothesis_uid", h.UID, "error", err)
		}
		fallback = true
	}

	for _, a := range assertions {
		if _, ok := verdicts[a.UID]; ok {
			continue
		}
		fallback = true
		verdicts[a.UID] = heuristicVerdict(h.Statement, a.Text)
	}
	return verdicts, fallback
}

// heuristicVerdict is a crude lexical-overlap judge used when the model
// is unavailable. Shared content words above a threshold count as weak
// support; explicit negation markers flip to contradict.
func heuristicVerdict(statement, text string) verdict {
	overlap := tokenOverlap(statement, text)
	if overlap < 0.15 {
		return verdict{relation: model.RelationIrrelevant, strength: 0}
	}
	lower := strings.ToLower(text)
	for _, marker := range []string{"not ", "no ", "denied", "never", "false", "refuted"} {
		if strings.Contains(lower, marker) {
			return verdict{relation: model.RelationContradict, strength: overlap}
		}
	}
	return verdict{relation: model.RelationSupport, strength: overlap}
}

func tokenOverlap(a, b string) float64 {
	as := contentTokens(a)
	if len(as) == 0 {
		return 0
	}
	bs := make(map[string]struct{})
	for _, t := range contentTokens(b) {
		bs[t] = struct{}{}
	}
	hits := 0
	for _, t := range as {
		if _, ok := bs[t]; ok {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(as)))
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "on": {},
	"and": {}, "or": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"its": {}, "it": {}, "at": {}, "by": {}, "for": {}, "with": {},
	"that": {}, "this": {}, "regarding": {},
}

func contentTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// buildGaps lists unassessed assertions and, when support is thin,
// a collection gap pointing at the hypothesis statement.
func buildGaps(h *model.Hypothesis, assertions []model.Assertion, verdicts map[string]verdict) []model.Gap {
	var gaps []model.Gap
	for _, a := range assertions {
		if _, ok := verdicts[a.UID]; !ok {
			gaps = append(gaps, model.Gap{
				Description: "assertion not assessed: " + a.Text,
				Priority:    2,
				Query:       a.Text,
			})
		}
	}
	if len(h.SupportingAssertionUIDs)+len(h.ContradictingAssertionUIDs) == 0 {
		gaps = append(gaps, model.Gap{
			Description: "no relevant evidence found for hypothesis",
			Priority:    1,
			Query:       h.Statement,
		})
	}
	sort.SliceStable(gaps, func(i, j int) bool { return gaps[i].Priority < gaps[j].Priority })
	return gaps
}

func buildAnalyzePrompt(h *model.Hypothesis, assertions []model.Assertion) string {
	var b strings.Builder
	b.WriteString("Assess each assertion against the hypothesis.\nHypothesis: ")
	b.WriteString(h.Statement)
	b.WriteString("\nAssertions:\n")
	for _, a := range assertions {
		b.WriteString("- uid=")
		b.WriteString(a.UID)
		b.WriteString(": ")
		b.WriteString(a.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nFor each assertion respond with relation (support, contradict, irrelevant) and strength in [0,1].\n")
	b.WriteString("Respond with JSON: {\"assessments\": [{\"assertion_uid\": \"...\", \"relation\": \"support\", \"strength\": 0.8}]}")
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
