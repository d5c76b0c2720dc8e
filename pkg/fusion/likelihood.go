// Package fusion implements the two confidence-fusion modes: ACH-style
// Bayesian updating over a hypothesis set, and Dempster–Shafer combination
// of multi-source claims about a single proposition.
package fusion

import "github.com/veriscope-labs/veriscope/pkg/model"

// LikelihoodRange bounds the (relation, strength) → likelihood mapping.
// Monotonicity is fixed: support rises with strength, contradict falls.
type LikelihoodRange struct {
	SupportMin    float64 // strength 0
	SupportMax    float64 // strength 1
	ContradictMax float64 // strength 0
	ContradictMin float64 // strength 1
}

// DefaultRange is the standard mapping:
// support [0.55, 0.95], contradict [0.45, 0.05], irrelevant 0.50.
var DefaultRange = LikelihoodRange{
	SupportMin:    0.55,
	SupportMax:    0.95,
	ContradictMax: 0.45,
	ContradictMin: 0.05,
}

// RelationStrengthToLikelihood maps an evidence relation and strength onto
// P(E|H). Strength is clamped into [0,1] before mapping.
func RelationStrengthToLikelihood(relation model.Relation, strength float64) float64 {
	return RelationStrengthToLikelihoodIn(relation, strength, DefaultRange)
}

// RelationStrengthToLikelihoodIn maps within a custom range. Callers may
// narrow the bands but the direction of the mapping is not configurable.
func RelationStrengthToLikelihoodIn(relation model.Relation, strength float64, r LikelihoodRange) float64 {
	s := clamp01(strength)
	switch relation {
	case model.RelationSupport:
		return r.SupportMin + s*(r.SupportMax-r.SupportMin)
	case model.RelationContradict:
		return r.ContradictMax - s*(r.ContradictMax-r.ContradictMin)
	default:
		return 0.5
	}
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
