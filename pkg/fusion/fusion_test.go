package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

func TestLikelihoodMappingBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		relation model.Relation
		strength float64
		want     float64
	}{
		{"support zero", model.RelationSupport, 0, 0.55},
		{"support one", model.RelationSupport, 1, 0.95},
		{"contradict zero", model.RelationContradict, 0, 0.45},
		{"contradict one", model.RelationContradict, 1, 0.05},
		{"irrelevant any", model.RelationIrrelevant, 0.7, 0.50},
		{"strength clamps low", model.RelationSupport, -0.5, 0.55},
		{"strength clamps high", model.RelationSupport, 1.5, 0.95},
		{"contradict clamps high", model.RelationContradict, 1.5, 0.05},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RelationStrengthToLikelihood(tt.relation, tt.strength)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestLikelihoodMonotonicity(t *testing.T) {
	prev := RelationStrengthToLikelihood(model.RelationSupport, 0)
	for s := 0.05; s <= 1.0; s += 0.05 {
		cur := RelationStrengthToLikelihood(model.RelationSupport, s)
		assert.Greater(t, cur, prev, "support likelihood must rise with strength")
		prev = cur
	}
	prev = RelationStrengthToLikelihood(model.RelationContradict, 0)
	for s := 0.05; s <= 1.0; s += 0.05 {
		cur := RelationStrengthToLikelihood(model.RelationContradict, s)
		assert.Less(t, cur, prev, "contradict likelihood must fall with strength")
		prev = cur
	}
}

func TestCustomRangeKeepsMonotonicity(t *testing.T) {
	r := LikelihoodRange{SupportMin: 0.6, SupportMax: 0.9, ContradictMax: 0.4, ContradictMin: 0.1}
	assert.InDelta(t, 0.6, RelationStrengthToLikelihoodIn(model.RelationSupport, 0, r), 1e-12)
	assert.InDelta(t, 0.9, RelationStrengthToLikelihoodIn(model.RelationSupport, 1, r), 1e-12)
	assert.InDelta(t, 0.4, RelationStrengthToLikelihoodIn(model.RelationContradict, 0, r), 1e-12)
	assert.InDelta(t, 0.1, RelationStrengthToLikelihoodIn(model.RelationContradict, 1, r), 1e-12)
}

func TestBayesianUpdateFormula(t *testing.T) {
	for _, prior := range []float64{0.1, 0.25, 0.5, 0.9} {
		for _, l := range []float64{0.05, 0.45, 0.5, 0.55, 0.95} {
			got := BayesianUpdate(prior, l)
			want := prior * l / (prior*l + (1-prior)*(1-l))
			assert.InDelta(t, want, got, 1e-9)
		}
	}
}

func TestBayesianUpdateClamps(t *testing.T) {
	assert.Greater(t, BayesianUpdate(0, 0.9), 0.0)
	assert.Less(t, BayesianUpdate(1, 0.9), 1.0)
}

func TestUpdaterUniformPriors(t *testing.T) {
	u, err := NewUpdater("case_x", []string{"h_1", "h_2", "h_3", "h_4"})
	require.NoError(t, err)
	p, ok := u.Posterior("h_2")
	require.True(t, ok)
	assert.InDelta(t, 0.25, p, 1e-12)
}

func TestUpdaterEmptySet(t *testing.T) {
	_, err := NewUpdater("case_x", nil)
	assert.Error(t, err)
}

func TestUpdaterChainsPosteriorAsPrior(t *testing.T) {
	u, err := NewUpdater("case_x", []string{"h_1", "h_2"})
	require.NoError(t, err)

	first, err := u.ApplySimple("h_1", "ea_1", 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, first.Prior, 1e-12)

	second, err := u.ApplySimple("h_1", "ea_2", 0.8)
	require.NoError(t, err)
	assert.InDelta(t, first.Posterior, second.Prior, 1e-12, "posterior becomes next prior")
	assert.Greater(t, second.Posterior, second.Prior)

	updates := u.Updates()
	require.Len(t, updates, 2)
	for _, upd := range updates {
		want := upd.Prior * upd.Likelihood / (upd.Prior*upd.Likelihood + (1-upd.Prior)*(1-upd.Likelihood))
		assert.InDelta(t, want, upd.Posterior, 1e-9)
	}
}

func TestUpdaterSingleAlternativeUsesHalf(t *testing.T) {
	u, err := NewUpdater("case_x", []string{"h_1", "h_2"})
	require.NoError(t, err)

	// One alternative: P(E|¬H) fixed at 0.5 regardless of its likelihood.
	upd, err := u.Apply("h_1", "ea_1", 0.8, []float64{0.9})
	require.NoError(t, err)
	want := 0.5 * 0.8 / (0.5*0.8 + 0.5*0.5)
	assert.InDelta(t, want, upd.Posterior, 1e-9)
}

func TestUpdaterMultipleAlternatives(t *testing.T) {
	u, err := NewUpdater("case_x", []string{"h_1", "h_2", "h_3"})
	require.NoError(t, err)

	upd, err := u.Apply("h_1", "ea_1", 0.9, []float64{0.2, 0.4})
	require.NoError(t, err)
	pENotH := 1 - (0.2+0.4)/2
	prior := 1.0 / 3
	want := prior * 0.9 / (prior*0.9 + (1-prior)*pENotH)
	assert.InDelta(t, want, upd.Posterior, 1e-9)
	require.NotNil(t, upd.LikelihoodRatio)
	assert.InDelta(t, 0.9/pENotH, *upd.LikelihoodRatio, 1e-9)
}

func TestFromClaimMasses(t *testing.T) {
	m := FromClaim(0.8, 0.75)
	assert.InDelta(t, 0.6, m.True, 1e-12)
	assert.InDelta(t, 0.15, m.False, 1e-12)
	assert.InDelta(t, 0.25, m.Uncertain, 1e-12)
	assert.True(t, m.Valid())
}

func TestCombineRecordsConflict(t *testing.T) {
	a := FromClaim(0.9, 0.8)
	b := FromClaim(0.1, 0.8)
	c, err := Combine(a, b)
	require.NoError(t, err)
	assert.Greater(t, c.ConflictDegree, 0.0)
	assert.True(t, c.Mass.Valid())
}

func TestCombineTotalConflict(t *testing.T) {
	a := Mass{True: 1, False: 0, Uncertain: 0}
	b := Mass{True: 0, False: 1, Uncertain: 0}
	_, err := Combine(a, b)
	assert.Error(t, err)
}

func TestCombineAllAssociative(t *testing.T) {
	m1 := FromClaim(0.8, 0.7)
	m2 := FromClaim(0.6, 0.9)
	m3 := FromClaim(0.3, 0.5)

	left, err := CombineAll([]Mass{m1, m2, m3})
	require.NoError(t, err)

	ab, err := Combine(m1, m2)
	require.NoError(t, err)
	right, err := Combine(ab.Mass, m3)
	require.NoError(t, err)

	assert.InDelta(t, left.Mass.Belief(), right.Mass.Belief(), 1e-9)

	bc, err := Combine(m2, m3)
	require.NoError(t, err)
	alt, err := Combine(m1, bc.Mass)
	require.NoError(t, err)
	assert.InDelta(t, left.Mass.Belief(), alt.Mass.Belief(), 1e-9)
}

func TestBeliefAggregation(t *testing.T) {
	m := Mass{True: 0.5, False: 0.2, Uncertain: 0.3}
	assert.InDelta(t, 0.65, m.Belief(), 1e-12)
	assert.False(t, math.IsNaN(m.Belief()))
}
