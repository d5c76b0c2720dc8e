package observability

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// SLOTarget defines a latency and success objective for one request
// class over a rolling window.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // 0 to 1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single request outcome.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one request class.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"` // >1 burns faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"`
	ObservationCount int     `json:"observation_count"`
}

// RequestClass maps a URL path onto the coarse operation name used
// for SLO tracking and metric attributes.
func RequestClass(path string) string {
	switch {
	case strings.HasPrefix(path, "/healthz"), strings.HasPrefix(path, "/readyz"):
		return "health"
	case strings.Contains(path, "/tools/"):
		return "tools"
	case strings.Contains(path, "/pipelines/"):
		return "pipelines"
	case strings.Contains(path, "/analysis/"):
		return "analysis"
	case strings.Contains(path, "/investigations"):
		return "investigations"
	case strings.Contains(path, "/fixtures/"):
		return "fixtures"
	case path == "/ws":
		return "ws"
	default:
		return "cases"
	}
}

// DefaultSLOTargets covers every request class the daemon serves.
// Tool and pipeline calls reach the network and models, so their
// latency budgets are far looser than plain case reads.
func DefaultSLOTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-cases", Name: "Case reads and writes", Operation: "cases",
			LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, WindowHours: 1},
		{SLOID: "slo-tools", Name: "Brokered tool calls", Operation: "tools",
			LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 1},
		{SLOID: "slo-pipelines", Name: "Pipeline runs and streams", Operation: "pipelines",
			LatencyP99: 60 * time.Second, SuccessRate: 0.99, WindowHours: 1},
		{SLOID: "slo-analysis", Name: "Chat and multi-perspective analysis", Operation: "analysis",
			LatencyP99: 30 * time.Second, SuccessRate: 0.99, WindowHours: 1},
		{SLOID: "slo-investigations", Name: "Investigation control", Operation: "investigations",
			LatencyP99: 60 * time.Second, SuccessRate: 0.99, WindowHours: 1},
		{SLOID: "slo-fixtures", Name: "Fixture imports", Operation: "fixtures",
			LatencyP99: 10 * time.Second, SuccessRate: 0.999, WindowHours: 1},
	}
}

// SLOTracker accumulates observations per request class and computes
// rolling compliance.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock overrides the clock for testing.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// SetTarget registers or replaces the target for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
}

// Targets returns the registered targets sorted by operation.
func (t *SLOTracker) Targets() []*SLOTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*SLOTarget, 0, len(t.targets))
	for _, target := range t.targets {
		out = append(out, target)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Record appends an observation, stamping it if unstamped. Operations
// without a registered target are dropped; this also bounds memory to
// the known request classes.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.targets[obs.Operation]; !ok {
		return
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	t.observations[obs.Operation] = append(t.observations[obs.Operation], obs)

	// Trim observations that have aged out of every window.
	if len(t.observations[obs.Operation]) > 10000 {
		t.observations[obs.Operation] = t.observations[obs.Operation][5000:]
	}
}

// Status computes current compliance for an operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("no slo target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	var burnRate float64
	if errorBudget > 0 {
		burnRate = errorRate / errorBudget
	}
	budgetLeft := 100.0 * (1.0 - burnRate)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
