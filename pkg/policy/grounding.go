package policy

// AnswerTier is the epistemic label attached to an answer. Outputs without
// evidence citations can never be labeled above HYPOTHESIS.
type AnswerTier string

const (
	TierFact       AnswerTier = "FACT"
	TierInference  AnswerTier = "INFERENCE"
	TierHypothesis AnswerTier = "HYPOTHESIS"
)

// ReasonEvidenceInsufficient marks answers downgraded for missing citations.
const ReasonEvidenceInsufficient = "evidence_insufficient"

// GroundingGate returns the maximum tier an answer may carry given whether
// it cites evidence. No citation caps the answer at HYPOTHESIS.
func GroundingGate(hasCitation bool) AnswerTier {
	if hasCitation {
		return TierFact
	}
	return TierHypothesis
}

// GroundedAnswer is an answer after the gate has been applied.
type GroundedAnswer struct {
	AnswerText         string     `json:"answer_text"`
	AnswerType         AnswerTier `json:"answer_type"`
	EvidenceCitations  []string   `json:"evidence_citations"`
	CannotAnswerReason string     `json:"cannot_answer_reason,omitempty"`
}

// ApplyGate statically enforces the grounding invariant on a candidate
// answer. A FACT answer without citations is rewritten to an empty answer
// with cannot_answer_reason set; downgrades are never errors.
func ApplyGate(requested AnswerTier, answerText string, citations []string) GroundedAnswer {
	if citations == nil {
		citations = []string{}
	}
	maxTier := GroundingGate(len(citations) > 0)

	out := GroundedAnswer{
		AnswerText:        answerText,
		AnswerType:        requested,
		EvidenceCitations: citations,
	}

	if requested == TierFact && maxTier != TierFact {
		out.AnswerText = ""
		out.AnswerType = TierHypothesis
		out.CannotAnswerReason = ReasonEvidenceInsufficient
		return out
	}
	if requested == TierInference && len(citations) == 0 {
		out.AnswerType = TierHypothesis
	}
	return out
}
