package fusion

import (
	"fmt"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// epsilon keeps posteriors strictly inside (0,1) so later updates never
// divide by zero.
const epsilon = 1e-6

// BayesianUpdate computes the posterior for one evidence step:
//
//	posterior = prior·L / (prior·L + (1-prior)·(1-L))
//
// The result is clamped into [ε, 1-ε].
func BayesianUpdate(prior, likelihood float64) float64 {
	p := clampProb(prior)
	l := clampProb(likelihood)
	num := p * l
	den := num + (1-p)*(1-l)
	return clampProb(num / den)
}

func clampProb(v float64) float64 {
	if v < epsilon {
		return epsilon
	}
	if v > 1-epsilon {
		return 1 - epsilon
	}
	return v
}

// Updater applies evidence assessments across a case's hypothesis set,
// producing ProbabilityUpdate audit rows as it goes.
type Updater struct {
	caseUID string
	// posterior state per hypothesis uid; starts at uniform prior 1/N.
	posteriors map[string]float64
	updates    []model.ProbabilityUpdate
	now        func() time.Time
}

// NewUpdater initializes uniform priors of 1/N over the hypothesis set.
func NewUpdater(caseUID string, hypothesisUIDs []string) (*Updater, error) {
	if len(hypothesisUIDs) == 0 {
		return nil, fmt.Errorf("fusion: empty hypothesis set")
	}
	prior := 1.0 / float64(len(hypothesisUIDs))
	posteriors := make(map[string]float64, len(hypothesisUIDs))
	for _, uid := range hypothesisUIDs {
		posteriors[uid] = prior
	}
	return &Updater{
		caseUID:    caseUID,
		posteriors: posteriors,
		now:        time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (u *Updater) WithClock(now func() time.Time) *Updater {
	u.now = now
	return u
}

// Posterior returns the current posterior for a hypothesis.
func (u *Updater) Posterior(hypothesisUID string) (float64, bool) {
	p, ok := u.posteriors[hypothesisUID]
	return p, ok
}

// Apply folds one evidence assessment into the target hypothesis.
//
// P(E|H) is the assessment likelihood. P(E|¬H) is one minus the mean
// likelihood this evidence would have under the other hypotheses, taken
// here as symmetric: mean of the same likelihood band reflected, i.e.
// 1 - avg(likelihoods of alternatives). With a single alternative the
// source material disagrees on the formula; we fix P(E|¬H) = 0.5.
func (u *Updater) Apply(hypothesisUID, assessmentUID string, likelihood float64, altLikelihoods []float64) (model.ProbabilityUpdate, error) {
	prior, ok := u.posteriors[hypothesisUID]
	if !ok {
		return model.ProbabilityUpdate{}, fmt.Errorf("fusion: unknown hypothesis %s", hypothesisUID)
	}

	l := clampProb(likelihood)
	pENotH := 0.5
	if len(altLikelihoods) > 1 {
		var sum float64
		for _, al := range altLikelihoods {
			sum += clampProb(al)
		}
		pENotH = clampProb(1 - sum/float64(len(altLikelihoods)))
	}

	num := prior * l
	posterior := clampProb(num / (num + (1-prior)*pENotH))
	ratio := l / pENotH

	u.posteriors[hypothesisUID] = posterior

	upd := model.ProbabilityUpdate{
		UID:             model.NewUID(model.KindProbabilityUpdate),
		CaseUID:         u.caseUID,
		HypothesisUID:   hypothesisUID,
		AssessmentUID:   assessmentUID,
		Prior:           prior,
		Posterior:       posterior,
		Likelihood:      l,
		LikelihoodRatio: &ratio,
		CreatedAt:       u.now().UTC(),
	}
	u.updates = append(u.updates, upd)
	return upd, nil
}

// ApplySimple folds one assessment using the symmetric two-point form
// P(E|¬H) = 1 - L, which reduces to BayesianUpdate. Used when no
// alternative-hypothesis likelihoods are available.
func (u *Updater) ApplySimple(hypothesisUID, assessmentUID string, likelihood float64) (model.ProbabilityUpdate, error) {
	prior, ok := u.posteriors[hypothesisUID]
	if !ok {
		return model.ProbabilityUpdate{}, fmt.Errorf("fusion: unknown hypothesis %s", hypothesisUID)
	}
	l := clampProb(likelihood)
	posterior := BayesianUpdate(prior, l)
	ratio := l / (1 - l)

	u.posteriors[hypothesisUID] = posterior
	upd := model.ProbabilityUpdate{
		UID:             model.NewUID(model.KindProbabilityUpdate),
		CaseUID:         u.caseUID,
		HypothesisUID:   hypothesisUID,
		AssessmentUID:   assessmentUID,
		Prior:           prior,
		Posterior:       posterior,
		Likelihood:      l,
		LikelihoodRatio: &ratio,
		CreatedAt:       u.now().UTC(),
	}
	u.updates = append(u.updates, upd)
	return upd, nil
}

// Updates returns the accumulated append-only audit rows.
func (u *Updater) Updates() []model.ProbabilityUpdate {
	out := make([]model.ProbabilityUpdate, len(u.updates))
	copy(out, u.updates)
	return out
}
