package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/fusion"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// resolveTopic prefers the run's topic, falling back to the case title.
func resolveTopic(ctx context.Context, sc *StageContext) (string, error) {
	if t := sc.stateString("topic"); t != "" {
		return t, nil
	}
	c, err := sc.Deps.Store.GetCase(ctx, sc.CaseUID)
	if err != nil {
		return "", fmt.Errorf("pipeline: resolving topic: %w", err)
	}
	return c.Title, nil
}

// evidenceByAssertion maps each assertion to the evidence behind its
// first source claim.
func evidenceByAssertion(ctx context.Context, sc *StageContext, assertions []model.Assertion) (map[string]string, error) {
	claims, err := sc.Deps.Store.ListSourceClaims(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	claimEvidence := make(map[string]string, len(claims))
	for _, c := range claims {
		claimEvidence[c.UID] = c.EvidenceUID
	}
	out := make(map[string]string, len(assertions))
	for _, a := range assertions {
		for _, scUID := range a.SourceClaimUIDs {
			if ev, ok := claimEvidence[scUID]; ok {
				out[a.UID] = ev
				break
			}
		}
	}
	return out, nil
}

func stageHypothesisGenerate(ctx context.Context, sc *StageContext) (*StageResult, error) {
	topic, err := resolveTopic(ctx, sc)
	if err != nil {
		return nil, err
	}
	assertions, err := sc.Deps.Store.ListAssertions(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}

	res, err := sc.Deps.Engine.Generate(ctx, sc.CaseUID, topic, assertions)
	if err != nil {
		return nil, err
	}

	action, err := audit.NewAction(ctx, sc.CaseUID, "hypothesis.generate", sc.ActorID, "", map[string]any{"topic": topic, "run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		for i := range res.Hypotheses {
			if err := store.InsertHypothesis(ctx, tx, &res.Hypotheses[i]); err != nil {
				return nil, err
			}
		}
		return map[string]any{"count": len(res.Hypotheses), "fallback": res.Fallback, "model_used": res.ModelUsed}, nil
	})
	if err != nil {
		return nil, err
	}

	return &StageResult{
		Summary: fmt.Sprintf("generated %d hypotheses (fallback=%v)", len(res.Hypotheses), res.Fallback),
		Outputs: map[string]any{"count": len(res.Hypotheses), "fallback": res.Fallback},
	}, nil
}

func stageMultiPerspective(ctx context.Context, sc *StageContext) (*StageResult, error) {
	topic, err := resolveTopic(ctx, sc)
	if err != nil {
		return nil, err
	}
	assertions, err := sc.Deps.Store.ListAssertions(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}

	var personas []string
	if raw, ok := sc.Config["personas"].([]any); ok {
		for _, p := range raw {
			if s, ok := p.(string); ok {
				personas = append(personas, s)
			}
		}
	}

	res, err := sc.Deps.Engine.MultiPerspective(ctx, sc.CaseUID, topic, assertions, personas)
	if err != nil {
		return nil, err
	}

	action, err := audit.NewAction(ctx, sc.CaseUID, "hypothesis.multi_perspective", sc.ActorID, "", map[string]any{"topic": topic, "run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		for i := range res.Hypotheses {
			if err := store.InsertHypothesis(ctx, tx, &res.Hypotheses[i]); err != nil {
				return nil, err
			}
		}
		return map[string]any{"count": len(res.Hypotheses), "fallback_personas": res.FallbackPersonas}, nil
	})
	if err != nil {
		return nil, err
	}

	return &StageResult{
		Summary: fmt.Sprintf("generated %d perspective hypotheses", len(res.Hypotheses)),
		Outputs: map[string]any{"count": len(res.Hypotheses)},
	}, nil
}

func stageHypothesisAnalyze(ctx context.Context, sc *StageContext) (*StageResult, error) {
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	if len(hyps) == 0 {
		return &StageResult{Summary: "no hypotheses to analyze", Skipped: true}, nil
	}
	assertions, err := sc.Deps.Store.ListAssertions(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	evidence, err := evidenceByAssertion(ctx, sc, assertions)
	if err != nil {
		return nil, err
	}

	assessed := 0
	for i := range hyps {
		h := &hyps[i]
		res, err := sc.Deps.Engine.Analyze(ctx, h, assertions, evidence)
		if err != nil {
			return nil, err
		}

		action, err := audit.NewAction(ctx, sc.CaseUID, "hypothesis.analyze", sc.ActorID, "", map[string]any{"hypothesis_uid": h.UID, "run_id": sc.RunID})
		if err != nil {
			return nil, err
		}
		_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
			if err := store.UpdateHypothesis(ctx, tx, h); err != nil {
				return nil, err
			}
			inserted := 0
			for j := range res.Assessments {
				err := store.InsertEvidenceAssessment(ctx, tx, &res.Assessments[j])
				if errors.Is(err, store.ErrDuplicateAssessment) {
					continue
				}
				if err != nil {
					return nil, err
				}
				inserted++
			}
			return map[string]any{"assessments": inserted, "coverage": h.CoverageScore, "fallback": res.Fallback}, nil
		})
		if err != nil {
			return nil, err
		}
		assessed += len(res.Assessments)
	}

	return &StageResult{
		Summary: fmt.Sprintf("analyzed %d hypotheses over %d assertions", len(hyps), len(assertions)),
		Outputs: map[string]any{"hypotheses": len(hyps), "assessments": assessed},
	}, nil
}

func stageAssertionFuse(ctx context.Context, sc *StageContext) (*StageResult, error) {
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	if len(hyps) == 0 {
		return &StageResult{Summary: "no hypotheses to fuse", Skipped: true}, nil
	}

	uids := make([]string, len(hyps))
	for i, h := range hyps {
		uids[i] = h.UID
	}
	updater, err := fusion.NewUpdater(sc.CaseUID, uids)
	if err != nil {
		return nil, err
	}

	applied := 0
	for _, h := range hyps {
		assessments, err := sc.Deps.Store.ListEvidenceAssessments(ctx, h.UID)
		if err != nil {
			return nil, err
		}
		for _, ea := range assessments {
			if ea.Relation == model.RelationIrrelevant {
				continue
			}
			l := ea.Likelihood
			if l == 0 {
				l = fusion.RelationStrengthToLikelihood(ea.Relation, ea.Strength)
			}
			if _, err := updater.ApplySimple(h.UID, ea.UID, l); err != nil {
				return nil, err
			}
			applied++
		}
	}

	prior := 1.0 / float64(len(hyps))
	action, err := audit.NewAction(ctx, sc.CaseUID, "fusion.update", sc.ActorID, "", map[string]any{"run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		for _, upd := range updater.Updates() {
			upd := upd
			if err := store.InsertProbabilityUpdate(ctx, tx, &upd); err != nil {
				return nil, err
			}
		}
		for i := range hyps {
			h := &hyps[i]
			if h.PriorProbability == nil {
				p := prior
				h.PriorProbability = &p
			}
			if post, ok := updater.Posterior(h.UID); ok {
				p := post
				h.PosteriorProbability = &p
			}
			h.UpdatedAt = time.Now().UTC()
			if err := store.UpdateHypothesis(ctx, tx, h); err != nil {
				return nil, err
			}
		}
		return map[string]any{"updates": applied, "hypotheses": len(hyps)}, nil
	})
	if err != nil {
		return nil, err
	}

	return &StageResult{
		Summary: fmt.Sprintf("applied %d probability updates across %d hypotheses", applied, len(hyps)),
		Outputs: map[string]any{"updates": applied},
	}, nil
}

func stageAdversarialEvaluate(ctx context.Context, sc *StageContext) (*StageResult, error) {
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	if len(hyps) == 0 {
		return &StageResult{Summary: "no hypotheses to evaluate", Skipped: true}, nil
	}

	tested := 0
	for i := range hyps {
		h := &hyps[i]
		var contradicting []model.Assertion
		for _, uid := range h.ContradictingAssertionUIDs {
			a, err := sc.Deps.Store.GetAssertion(ctx, uid)
			if err != nil {
				continue
			}
			contradicting = append(contradicting, *a)
		}

		res, err := sc.Deps.Engine.AdversarialEvaluate(ctx, h, contradicting)
		if err != nil {
			return nil, err
		}
		if !res.Tested {
			continue
		}
		tested++

		action, err := audit.NewAction(ctx, sc.CaseUID, "hypothesis.adversarial", sc.ActorID, "", map[string]any{"hypothesis_uid": h.UID, "run_id": sc.RunID})
		if err != nil {
			return nil, err
		}
		_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
			if err := store.UpdateHypothesis(ctx, tx, h); err != nil {
				return nil, err
			}
			return map[string]any{"survived": res.Survived, "challenges": len(res.Challenges)}, nil
		})
		if err != nil {
			return nil, err
		}
	}

	return &StageResult{
		Summary: fmt.Sprintf("adversarially tested %d of %d hypotheses", tested, len(hyps)),
		Outputs: map[string]any{"tested": tested},
	}, nil
}

func stageNarrativeBuild(ctx context.Context, sc *StageContext) (*StageResult, error) {
	claims, err := sc.Deps.Store.ListSourceClaims(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	if len(claims) == 0 {
		return &StageResult{Summary: "no source claims to narrate", Skipped: true}, nil
	}
	topic, err := resolveTopic(ctx, sc)
	if err != nil {
		return nil, err
	}
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	sortByPosterior(hyps)

	summary := fmt.Sprintf("%d grounded claims collected on %q.", len(claims), topic)
	if len(hyps) > 0 {
		summary = fmt.Sprintf("Leading assessment: %s %s", hyps[0].Statement, summary)
	}

	windowStart, windowEnd := claims[0].CreatedAt, claims[0].CreatedAt
	maxCited := sc.configInt("max_claims", 20)
	citedUIDs := make([]string, 0, maxCited)
	for _, c := range claims {
		if c.CreatedAt.Before(windowStart) {
			windowStart = c.CreatedAt
		}
		if c.CreatedAt.After(windowEnd) {
			windowEnd = c.CreatedAt
		}
		if len(citedUIDs) < maxCited {
			citedUIDs = append(citedUIDs, c.UID)
		}
	}

	now := time.Now().UTC()
	n := &model.Narrative{
		UID:             model.NewUID(model.KindNarrative),
		CaseUID:         sc.CaseUID,
		Theme:           topic,
		Summary:         summary,
		SourceClaimUIDs: citedUIDs,
		WindowStart:     windowStart,
		WindowEnd:       windowEnd,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	action, err := audit.NewAction(ctx, sc.CaseUID, "narrative.build", sc.ActorID, "", map[string]any{"run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		if err := store.InsertNarrative(ctx, tx, n); err != nil {
			return nil, err
		}
		return map[string]any{"narrative_uid": n.UID, "claims_cited": len(citedUIDs)}, nil
	})
	if err != nil {
		return nil, err
	}

	return &StageResult{
		Summary: fmt.Sprintf("built narrative %s citing %d claims", n.UID, len(citedUIDs)),
		Outputs: map[string]any{"narrative_uid": n.UID},
	}, nil
}

func stageKGBuild(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if sc.Deps.Graph == nil {
		return &StageResult{Summary: "no graph store configured", Skipped: true}, nil
	}
	assertions, err := sc.Deps.Store.ListAssertions(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}

	edges := 0
	for _, a := range assertions {
		var edge store.GraphEdge
		switch a.Value.Kind {
		case model.AssertionFactual:
			edge = store.GraphEdge{Source: a.Value.Factual.Subject, Relation: a.Value.Factual.Predicate, Target: a.Value.Factual.Object}
		case model.AssertionRelational:
			edge = store.GraphEdge{Source: a.Value.Relational.Source, Relation: a.Value.Relational.Relation, Target: a.Value.Relational.Target}
		default:
			continue
		}
		edge.SourceUID = a.UID
		if err := sc.Deps.Graph.AddEdge(ctx, sc.CaseUID, edge); err != nil {
			return nil, err
		}
		edges++
	}

	action, err := audit.NewAction(ctx, sc.CaseUID, "kg.build", sc.ActorID, "", map[string]any{"run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	if err := audit.SetOutputs(action, map[string]any{"edges": edges}); err != nil {
		return nil, err
	}
	if _, err := sc.Deps.Audit.RecordAction(ctx, action); err != nil {
		return nil, err
	}

	sc.State["kg_edges"] = edges
	return &StageResult{
		Summary: fmt.Sprintf("merged %d edges into the knowledge graph", edges),
		Outputs: map[string]any{"edges": edges},
	}, nil
}

func stageForecastGenerate(ctx context.Context, sc *StageContext) (*StageResult, error) {
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	if len(hyps) == 0 {
		return &StageResult{Summary: "no hypotheses to forecast from", Skipped: true}, nil
	}
	topic, err := resolveTopic(ctx, sc)
	if err != nil {
		return nil, err
	}
	sortByPosterior(hyps)
	lead := hyps[0]

	probability := lead.CoverageScore
	if lead.PosteriorProbability != nil {
		probability = *lead.PosteriorProbability
	}

	now := time.Now().UTC()
	j := &model.Judgment{
		UID:           model.NewUID(model.KindJudgment),
		CaseUID:       sc.CaseUID,
		Title:         "Forecast: " + topic,
		AnswerText:    fmt.Sprintf("%s (estimated probability %.0f%%)", lead.Statement, probability*100),
		AssertionUIDs: lead.SupportingAssertionUIDs,
		Confidence:    probability,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	action, err := audit.NewAction(ctx, sc.CaseUID, "judgment.create", sc.ActorID, "", map[string]any{"run_id": sc.RunID, "hypothesis_uid": lead.UID})
	if err != nil {
		return nil, err
	}
	_, err = sc.Deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		if err := store.InsertJudgment(ctx, tx, j); err != nil {
			return nil, err
		}
		return map[string]any{"judgment_uid": j.UID, "confidence": j.Confidence}, nil
	})
	if err != nil {
		return nil, err
	}

	sc.State["judgment_uid"] = j.UID
	return &StageResult{
		Summary: fmt.Sprintf("issued judgment %s at confidence %.2f", j.UID, j.Confidence),
		Outputs: map[string]any{"judgment_uid": j.UID},
	}, nil
}

func stageQualityScore(ctx context.Context, sc *StageContext) (*StageResult, error) {
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	assertions, err := sc.Deps.Store.ListAssertions(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	narratives, err := sc.Deps.Store.ListNarratives(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	identities, err := sc.Deps.Store.ListArtifactIdentities(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for _, ai := range identities {
		if u, err := url.Parse(ai.CanonicalURL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}

	report := hypothesis.ScoreQuality(hypothesis.QualityInput{
		CaseUID:     sc.CaseUID,
		Hypotheses:  hyps,
		Assertions:  assertions,
		Narratives:  narratives,
		SourceHosts: hosts,
		TraceID:     sc.RunID,
	})

	action, err := audit.NewAction(ctx, sc.CaseUID, "quality.score", sc.ActorID, "", map[string]any{"run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	if err := audit.SetOutputs(action, report); err != nil {
		return nil, err
	}
	if _, err := sc.Deps.Audit.RecordAction(ctx, action); err != nil {
		return nil, err
	}

	sc.State["quality_overall"] = report.Overall
	return &StageResult{
		Summary: fmt.Sprintf("quality %.2f (coverage %.2f, diversity %.2f)", report.Overall, report.EvidenceCoverage, report.SourceDiversity),
		Outputs: map[string]any{"overall": report.Overall},
	}, nil
}

func stageReportGenerate(ctx context.Context, sc *StageContext) (*StageResult, error) {
	c, err := sc.Deps.Store.GetCase(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	sortByPosterior(hyps)
	narratives, err := sc.Deps.Store.ListNarratives(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	judgments, err := sc.Deps.Store.ListJudgments(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", c.Title)
	if overall, ok := sc.State["quality_overall"].(float64); ok {
		fmt.Fprintf(&b, "Quality score: %.2f\n\n", overall)
	}
	if len(hyps) > 0 {
		b.WriteString("## Hypotheses\n\n")
		for _, h := range hyps {
			post := "n/a"
			if h.PosteriorProbability != nil {
				post = fmt.Sprintf("%.2f", *h.PosteriorProbability)
			}
			fmt.Fprintf(&b, "- **%s** %s (posterior %s, coverage %.2f)\n", h.Label, h.Statement, post, h.CoverageScore)
		}
		b.WriteString("\n")
	}
	if len(narratives) > 0 {
		b.WriteString("## Narratives\n\n")
		for _, n := range narratives {
			fmt.Fprintf(&b, "- %s: %s\n", n.Theme, n.Summary)
		}
		b.WriteString("\n")
	}
	if len(judgments) > 0 {
		b.WriteString("## Judgments\n\n")
		for _, j := range judgments {
			fmt.Fprintf(&b, "- %s: %s\n", j.Title, j.AnswerText)
		}
	}
	report := strings.TrimSpace(b.String()) + "\n"

	action, err := audit.NewAction(ctx, sc.CaseUID, "report.generate", sc.ActorID, "", map[string]any{"run_id": sc.RunID})
	if err != nil {
		return nil, err
	}
	if err := audit.SetOutputs(action, map[string]any{"chars": len(report)}); err != nil {
		return nil, err
	}
	if _, err := sc.Deps.Audit.RecordAction(ctx, action); err != nil {
		return nil, err
	}

	sc.State["report"] = report
	return &StageResult{
		Summary: fmt.Sprintf("rendered report (%d chars)", len(report)),
		Outputs: map[string]any{"chars": len(report)},
	}, nil
}

func stageOSINTCollect(ctx context.Context, sc *StageContext) (*StageResult, error) {
	if sc.Deps.Collector == nil || sc.Deps.Ingester == nil {
		return &StageResult{Summary: "no collector configured", Skipped: true}, nil
	}

	threshold := sc.configInt("gap_priority_threshold", 2)
	maxQueries := sc.configInt("max_queries", 3)
	maxResults := sc.configInt("max_results", 2)

	hyps, err := sc.Deps.Store.ListHypotheses(ctx, sc.CaseUID)
	if err != nil {
		return nil, err
	}
	var queries []string
	seen := make(map[string]struct{})
	for _, h := range hyps {
		for _, gap := range h.GapList {
			if gap.Query == "" || gap.Priority > threshold {
				continue
			}
			if _, dup := seen[gap.Query]; dup {
				continue
			}
			seen[gap.Query] = struct{}{}
			queries = append(queries, gap.Query)
		}
	}
	if len(queries) == 0 {
		topic, err := resolveTopic(ctx, sc)
		if err != nil {
			return nil, err
		}
		queries = []string{topic}
	}
	if len(queries) > maxQueries {
		queries = queries[:maxQueries]
	}

	claims, ingested := 0, 0
	for _, q := range queries {
		results, err := sc.Deps.Collector.MetaSearch(ctx, sc.CaseUID, sc.ActorID, q)
		if err != nil {
			sc.Deps.Log.Warn("osint search failed", "query", q, "error", err)
			continue
		}
		if len(results) > maxResults {
			results = results[:maxResults]
		}
		for _, r := range results {
			arch, err := sc.Deps.Collector.ArchiveURL(ctx, sc.CaseUID, sc.ActorID, r.URL)
			if err != nil {
				sc.Deps.Log.Warn("osint fetch failed", "url", r.URL, "error", err)
				continue
			}
			res, err := sc.Deps.Ingester.Ingest(ctx, &ingest.Request{
				CaseUID:      sc.CaseUID,
				CanonicalURL: r.URL,
				Kind:         "web",
				MimeType:     arch.MIMEType,
				Data:         arch.Body,
				ActorID:      sc.ActorID,
				Rationale:    "osint collection: " + q,
				SourceMeta:   map[string]string{"via": StageOSINTCollect, "query": q},
			})
			if err != nil {
				sc.Deps.Log.Warn("osint ingest failed", "url", r.URL, "error", err)
				continue
			}
			ingested++
			claims += res.ClaimCount
		}
	}

	sc.State["osint_claims"] = claims
	return &StageResult{
		Summary: fmt.Sprintf("collected %d documents, %d claims from %d queries", ingested, claims, len(queries)),
		Outputs: map[string]any{"documents": ingested, "claims": claims},
	}, nil
}

// sortByPosterior orders hypotheses best-first: posterior when present,
// then coverage, then label for determinism.
func sortByPosterior(hyps []model.Hypothesis) {
	sort.SliceStable(hyps, func(i, j int) bool {
		pi, pj := -1.0, -1.0
		if hyps[i].PosteriorProbability != nil {
			pi = *hyps[i].PosteriorProbability
		}
		if hyps[j].PosteriorProbability != nil {
			pj = *hyps[j].PosteriorProbability
		}
		if pi != pj {
			return pi > pj
		}
		if hyps[i].CoverageScore != hyps[j].CoverageScore {
			return hyps[i].CoverageScore > hyps[j].CoverageScore
		}
		return hyps[i].Label < hyps[j].Label
	})
}
