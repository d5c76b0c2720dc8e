package fusion

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

func probGen() gopter.Gen {
	return gen.Float64Range(0, 1)
}

// TestDSAssociativityProperty verifies any reduction order over three
// masses agrees to 1e-9 on the final belief.
func TestDSAssociativityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("combine order does not change belief", prop.ForAll(
		func(p1, c1, p2, c2, p3, c3 float64) bool {
			m1 := FromClaim(p1, c1)
			m2 := FromClaim(p2, c2)
			m3 := FromClaim(p3, c3)

			left, err1 := CombineAll([]Mass{m1, m2, m3})
			ab, err2 := Combine(m1, m2)
			if err2 != nil {
				return err1 != nil
			}
			right, err3 := Combine(ab.Mass, m3)
			if err1 != nil || err3 != nil {
				return (err1 != nil) == (err3 != nil)
			}
			return math.Abs(left.Mass.Belief()-right.Mass.Belief()) < 1e-9
		},
		probGen(), probGen(), probGen(), probGen(), probGen(), probGen(),
	))

	properties.TestingRun(t)
}

// TestPosteriorFormulaProperty checks the odds-form identity on every
// generated (prior, likelihood) pair.
func TestPosteriorFormulaProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("posterior matches closed form", prop.ForAll(
		func(prior, likelihood float64) bool {
			got := BayesianUpdate(prior, likelihood)
			p := math.Min(math.Max(prior, epsilon), 1-epsilon)
			l := math.Min(math.Max(likelihood, epsilon), 1-epsilon)
			want := p * l / (p*l + (1-p)*(1-l))
			return math.Abs(got-want) < 1e-9
		},
		probGen(), probGen(),
	))

	properties.Property("posterior stays in (0,1)", prop.ForAll(
		func(prior, likelihood float64) bool {
			got := BayesianUpdate(prior, likelihood)
			return got > 0 && got < 1
		},
		probGen(), probGen(),
	))

	properties.TestingRun(t)
}

// TestLikelihoodMonotonicityProperty checks the fixed mapping direction
// for arbitrary strength pairs.
func TestLikelihoodMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("support rises, contradict falls", prop.ForAll(
		func(a, b float64) bool {
			lo, hi := math.Min(a, b), math.Max(a, b)
			if lo == hi {
				return true
			}
			supLo := RelationStrengthToLikelihood(model.RelationSupport, lo)
			supHi := RelationStrengthToLikelihood(model.RelationSupport, hi)
			conLo := RelationStrengthToLikelihood(model.RelationContradict, lo)
			conHi := RelationStrengthToLikelihood(model.RelationContradict, hi)
			return supHi > supLo && conHi < conLo
		},
		probGen(), probGen(),
	))

	properties.TestingRun(t)
}

// TestMassValidityProperty: FromClaim always yields a valid triple.
func TestMassValidityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("derived masses sum to one", prop.ForAll(
		func(p, c float64) bool {
			return FromClaim(p, c).Valid()
		},
		probGen(), probGen(),
	))

	properties.TestingRun(t)
}
