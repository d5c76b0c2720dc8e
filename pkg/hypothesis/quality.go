package hypothesis

import (
	"math"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// QualityReportV1 scores an analysis run. Scores are in [0,1]; the
// version tag pins the scoring formulae so stored reports stay
// comparable.
type QualityReportV1 struct {
	Version               string    `json:"version"`
	CaseUID               string    `json:"case_uid"`
	EvidenceCoverage      float64   `json:"evidence_coverage"`
	SourceDiversity       float64   `json:"source_diversity"`
	ConfidenceCalibration float64   `json:"confidence_calibration"`
	NarrativeCoherence    float64   `json:"narrative_coherence"`
	Overall               float64   `json:"overall"`
	TraceID               string    `json:"trace_id,omitempty"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// QualityInput is the material a quality score is computed over.
type QualityInput struct {
	CaseUID     string
	Hypotheses  []model.Hypothesis
	Assertions  []model.Assertion
	Narratives  []model.Narrative
	SourceHosts []string
	TraceID     string
}

// ScoreQuality computes QualityReportV1:
//   - evidence_coverage: mean hypothesis coverage score
//   - source_diversity: distinct hosts over total host references
//   - confidence_calibration: 1 - mean |confidence - posterior| where a
//     posterior exists, else neutral 0.5
//   - narrative_coherence: share of narratives citing 2+ claims
func ScoreQuality(in QualityInput) *QualityReportV1 {
	r := &QualityReportV1{
		Version:     "v1",
		CaseUID:     in.CaseUID,
		TraceID:     in.TraceID,
		GeneratedAt: time.Now().UTC(),
	}

	if n := len(in.Hypotheses); n > 0 {
		var sum float64
		for _, h := range in.Hypotheses {
			sum += h.CoverageScore
		}
		r.EvidenceCoverage = sum / float64(n)
	}

	if n := len(in.SourceHosts); n > 0 {
		distinct := make(map[string]struct{}, n)
		for _, h := range in.SourceHosts {
			distinct[h] = struct{}{}
		}
		r.SourceDiversity = float64(len(distinct)) / float64(n)
	}

	r.ConfidenceCalibration = 0.5
	var calSum float64
	calN := 0
	for _, h := range in.Hypotheses {
		if h.PosteriorProbability == nil {
			continue
		}
		calSum += 1 - math.Abs(h.Confidence-*h.PosteriorProbability)
		calN++
	}
	if calN > 0 {
		r.ConfidenceCalibration = calSum / float64(calN)
	}

	if n := len(in.Narratives); n > 0 {
		cited := 0
		for _, nar := range in.Narratives {
			if len(nar.SourceClaimUIDs) >= 2 {
				cited++
			}
		}
		r.NarrativeCoherence = float64(cited) / float64(n)
	}

	r.Overall = (r.EvidenceCoverage + r.SourceDiversity + r.ConfidenceCalibration + r.NarrativeCoherence) / 4
	return r
}
