package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestTracker(now time.Time) *SLOTracker {
	tr := NewSLOTracker().WithClock(func() time.Time { return now })
	tr.SetTarget(&SLOTarget{
		SLOID:       "slo-cases",
		Operation:   "cases",
		LatencyP99:  250 * time.Millisecond,
		SuccessRate: 0.99,
		WindowHours: 1,
	})
	return tr
}

func TestSLOStatusEmptyWindowIsCompliant(t *testing.T) {
	tr := newTestTracker(time.Now())

	status, err := tr.Status("cases")
	require.NoError(t, err)
	require.True(t, status.InCompliance)
	require.Equal(t, 100.0, status.ErrorBudgetLeft)
	require.Zero(t, status.ObservationCount)
}

func TestSLOStatusUnknownOperation(t *testing.T) {
	tr := newTestTracker(time.Now())
	_, err := tr.Status("replication")
	require.Error(t, err)
}

func TestSLORecordDropsUnknownOperation(t *testing.T) {
	tr := newTestTracker(time.Now())
	tr.Record(SLOObservation{Operation: "replication", Latency: time.Millisecond, Success: true})
	require.Len(t, tr.Targets(), 1)

	status, err := tr.Status("cases")
	require.NoError(t, err)
	require.Zero(t, status.ObservationCount)
}

func TestSLOBurnRate(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(now)

	// 90 successes and 10 failures against a 1% error budget.
	for i := 0; i < 90; i++ {
		tr.Record(SLOObservation{Operation: "cases", Latency: 10 * time.Millisecond, Success: true})
	}
	for i := 0; i < 10; i++ {
		tr.Record(SLOObservation{Operation: "cases", Latency: 10 * time.Millisecond, Success: false})
	}

	status, err := tr.Status("cases")
	require.NoError(t, err)
	require.False(t, status.InCompliance)
	require.InDelta(t, 0.9, status.CurrentSuccess, 1e-9)
	require.InDelta(t, 10.0, status.BurnRate, 1e-6)
	require.Equal(t, 0.0, status.ErrorBudgetLeft)
	require.Equal(t, 100, status.ObservationCount)
}

func TestSLOLatencyBreachFailsCompliance(t *testing.T) {
	tr := newTestTracker(time.Now())
	for i := 0; i < 10; i++ {
		tr.Record(SLOObservation{Operation: "cases", Latency: 2 * time.Second, Success: true})
	}

	status, err := tr.Status("cases")
	require.NoError(t, err)
	require.False(t, status.InCompliance)
	require.Equal(t, 1.0, status.CurrentSuccess)
	require.GreaterOrEqual(t, status.CurrentP99, 2000.0)
}

func TestSLOWindowExcludesOldObservations(t *testing.T) {
	now := time.Now()
	tr := newTestTracker(now)

	tr.Record(SLOObservation{
		Operation: "cases", Latency: time.Millisecond, Success: false,
		Timestamp: now.Add(-2 * time.Hour),
	})
	tr.Record(SLOObservation{Operation: "cases", Latency: time.Millisecond, Success: true})

	status, err := tr.Status("cases")
	require.NoError(t, err)
	require.Equal(t, 1, status.ObservationCount)
	require.True(t, status.InCompliance)
}

func TestDefaultSLOTargetsCoverRequestClasses(t *testing.T) {
	byOp := map[string]bool{}
	for _, target := range DefaultSLOTargets() {
		byOp[target.Operation] = true
	}
	for _, class := range []string{"cases", "tools", "pipelines", "analysis", "investigations", "fixtures"} {
		require.True(t, byOp[class], "missing slo target for %s", class)
	}
}
