package fusion

import (
	"fmt"
	"math"
)

// Mass is a Dempster–Shafer basic probability assignment over the frame
// {true, false} plus the uncertain set {true, false}.
type Mass struct {
	True      float64 `json:"m_true"`
	False     float64 `json:"m_false"`
	Uncertain float64 `json:"m_uncertain"`
}

// FromClaim derives a mass triple from a claim probability and a source
// credibility, both in [0,1]. Credibility discounts the claim; the
// remainder stays uncertain.
func FromClaim(pClaim, credibility float64) Mass {
	p := clamp01(pClaim)
	c := clamp01(credibility)
	return Mass{
		True:      p * c,
		False:     (1 - p) * c,
		Uncertain: 1 - c,
	}
}

// Valid reports whether the triple sums to 1 within tolerance.
func (m Mass) Valid() bool {
	return math.Abs(m.True+m.False+m.Uncertain-1) < 1e-9 &&
		m.True >= 0 && m.False >= 0 && m.Uncertain >= 0
}

// Belief is the aggregate confidence: m_true plus half the uncertain mass.
func (m Mass) Belief() float64 {
	return m.True + 0.5*m.Uncertain
}

// Combined is the result of Dempster's rule, with the conflict degree
// recorded for audit.
type Combined struct {
	Mass           Mass
	ConflictDegree float64 // K = mass assigned to the empty set before normalization
}

// Combine applies Dempster's rule of combination to two masses.
// Fully conflicting masses (K = 1) are an error.
func Combine(a, b Mass) (Combined, error) {
	// Conflict: one source says true, the other false.
	k := a.True*b.False + a.False*b.True
	if k >= 1-1e-12 {
		return Combined{}, fmt.Errorf("fusion: total conflict between masses (K=%.6f)", k)
	}
	norm := 1 - k
	return Combined{
		Mass: Mass{
			True:      (a.True*b.True + a.True*b.Uncertain + a.Uncertain*b.True) / norm,
			False:     (a.False*b.False + a.False*b.Uncertain + a.Uncertain*b.False) / norm,
			Uncertain: (a.Uncertain * b.Uncertain) / norm,
		},
		ConflictDegree: k,
	}, nil
}

// CombineAll folds a sequence of masses left to right. Dempster's rule is
// associative and commutative, so any reduction order yields the same
// belief to within 1e-9.
func CombineAll(masses []Mass) (Combined, error) {
	if len(masses) == 0 {
		return Combined{}, fmt.Errorf("fusion: no masses to combine")
	}
	acc := Combined{Mass: masses[0]}
	var maxConflict float64
	for _, m := range masses[1:] {
		next, err := Combine(acc.Mass, m)
		if err != nil {
			return Combined{}, err
		}
		if next.ConflictDegree > maxConflict {
			maxConflict = next.ConflictDegree
		}
		acc = next
	}
	acc.ConflictDegree = maxConflict
	return acc, nil
}
