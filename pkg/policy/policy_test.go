package policy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, nil, slog.Default())
	require.NoError(t, err)
	return e
}

func TestAllowlistDeniesUnknownHost(t *testing.T) {
	e := newTestEngine(t, Config{AllowedHosts: []string{"example.com"}})

	d := e.EvaluateOutbound(context.Background(), "archive_url", "https://other.com/x")
	assert.False(t, d.Allowed)
	assert.Equal(t, faults.CodePolicyDenied, d.ErrorCode)
	assert.Equal(t, "domain_not_allowed", d.Reason)
	assert.Equal(t, "other.com", d.Domain)
	assert.False(t, d.Robots.Checked)
}

func TestAllowlistCaseInsensitive(t *testing.T) {
	e := newTestEngine(t, Config{AllowedHosts: []string{"Example.COM"}})
	d := e.EvaluateOutbound(context.Background(), "archive_url", "https://EXAMPLE.com/page")
	assert.True(t, d.Allowed)
	assert.Equal(t, "example.com", d.Domain)
}

func TestEmptyAllowlistIsDevMode(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.True(t, e.DevMode())
	d := e.EvaluateOutbound(context.Background(), "meta_search", "https://anything.net/q")
	assert.True(t, d.Allowed)
}

func TestInvalidURLDenied(t *testing.T) {
	e := newTestEngine(t, Config{})
	for _, raw := range []string{"", "not a url at all ://", "ftp://example.com/x", "/relative/path"} {
		d := e.EvaluateOutbound(context.Background(), "archive_url", raw)
		assert.False(t, d.Allowed, "url %q must be denied", raw)
		assert.Equal(t, faults.CodeInvalidURL, d.ErrorCode)
	}
}

func TestMinIntervalSecondCallDenied(t *testing.T) {
	e := newTestEngine(t, Config{MinInterval: 500 * time.Millisecond})

	first := e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/a")
	require.True(t, first.Allowed)

	second := e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/b")
	assert.False(t, second.Allowed)
	assert.Equal(t, faults.CodeRateLimited, second.ErrorCode)
}

func TestMinIntervalIsPerToolHost(t *testing.T) {
	e := newTestEngine(t, Config{MinInterval: time.Minute})

	require.True(t, e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/a").Allowed)
	// Different host: fresh bucket.
	assert.True(t, e.EvaluateOutbound(context.Background(), "archive_url", "https://example.org/a").Allowed)
	// Different tool, same host: fresh bucket.
	assert.True(t, e.EvaluateOutbound(context.Background(), "meta_search", "https://example.com/a").Allowed)
}

func TestDeniedCallDoesNotAdvanceStamp(t *testing.T) {
	clock := time.Now()
	limiter := NewMemoryLimiterStore().WithClock(func() time.Time { return clock })
	e, err := NewEngine(Config{MinInterval: 500 * time.Millisecond}, limiter, slog.Default())
	require.NoError(t, err)

	require.True(t, e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/1").Allowed)

	clock = clock.Add(400 * time.Millisecond)
	require.False(t, e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/2").Allowed)

	// 600ms after the first admission; the denied attempt must not have
	// reset the window.
	clock = clock.Add(200 * time.Millisecond)
	assert.True(t, e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/3").Allowed)
}

func TestCELGuardDenies(t *testing.T) {
	e := newTestEngine(t, Config{})
	require.NoError(t, e.LoadGuard("https_only", `scheme == "https"`))

	ok := e.EvaluateOutbound(context.Background(), "archive_url", "https://example.com/x")
	assert.True(t, ok.Allowed)

	denied := e.EvaluateOutbound(context.Background(), "archive_url", "http://example.com/x")
	assert.False(t, denied.Allowed)
	assert.Equal(t, faults.CodePolicyDenied, denied.ErrorCode)
	assert.Contains(t, denied.Reason, "https_only")
}

func TestCELGuardCompileError(t *testing.T) {
	e := newTestEngine(t, Config{})
	assert.Error(t, e.LoadGuard("broken", `scheme ==`))
}

func TestGroundingGate(t *testing.T) {
	assert.Equal(t, TierFact, GroundingGate(true))
	assert.Equal(t, TierHypothesis, GroundingGate(false))
}

func TestApplyGateRewritesUncitedFact(t *testing.T) {
	out := ApplyGate(TierFact, "The building collapsed on Tuesday.", nil)
	assert.Equal(t, TierHypothesis, out.AnswerType)
	assert.Empty(t, out.AnswerText)
	assert.Equal(t, ReasonEvidenceInsufficient, out.CannotAnswerReason)
	assert.Empty(t, out.EvidenceCitations)
}

func TestApplyGateKeepsCitedFact(t *testing.T) {
	out := ApplyGate(TierFact, "answer", []string{"ev_1"})
	assert.Equal(t, TierFact, out.AnswerType)
	assert.Equal(t, "answer", out.AnswerText)
	assert.Empty(t, out.CannotAnswerReason)
}

func TestApplyGateDowngradesUncitedInference(t *testing.T) {
	out := ApplyGate(TierInference, "probably X", nil)
	assert.Equal(t, TierHypothesis, out.AnswerType)
	assert.Equal(t, "probably X", out.AnswerText)
	assert.Empty(t, out.CannotAnswerReason)
}

func TestBudgetCheckReservesAndDegrades(t *testing.T) {
	b := NewBudget(1000, 500, "small-model")

	require.Nil(t, b.Check(BudgetRequest{ModelID: "m", EstimateTokens: 600, EstimateCost: 100}))
	tokens, cost := b.Remaining()
	assert.EqualValues(t, 400, tokens)
	assert.EqualValues(t, 400, cost)

	deg := b.Check(BudgetRequest{ModelID: "m", EstimateTokens: 600, EstimateCost: 100})
	require.NotNil(t, deg)
	assert.Equal(t, DegradedBudgetExceeded, deg.Reason)
	assert.Equal(t, "small-model", deg.FallbackModel)

	// Denied check must not consume budget.
	tokens, _ = b.Remaining()
	assert.EqualValues(t, 400, tokens)
}

func TestBudgetRefund(t *testing.T) {
	b := NewBudget(100, 100, "")
	require.Nil(t, b.Check(BudgetRequest{EstimateTokens: 100, EstimateCost: 100}))
	b.Refund(40, 60)
	tokens, cost := b.Remaining()
	assert.EqualValues(t, 40, tokens)
	assert.EqualValues(t, 60, cost)
}
