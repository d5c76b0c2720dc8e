package policy

import (
	"sync"
)

// DegradedReason classifies why a call was degraded rather than executed.
type DegradedReason string

const (
	DegradedBudgetExceeded DegradedReason = "BUDGET_EXCEEDED"
	DegradedTimeout        DegradedReason = "TIMEOUT"
	DegradedUpstreamError  DegradedReason = "UPSTREAM_ERROR"
)

// DegradedOutput is returned instead of executing a call that cannot be
// afforded or completed. Consumers convert it into a low-confidence stub.
type DegradedOutput struct {
	Reason        DegradedReason `json:"reason"`
	FallbackModel string         `json:"fallback_model,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// BudgetRequest describes one prospective LLM call.
type BudgetRequest struct {
	ModelID        string `json:"model_id"`
	PromptVersion  string `json:"prompt_version,omitempty"`
	EstimateTokens int64  `json:"estimate_tokens"`
	EstimateCost   int64  `json:"estimate_cost"` // cents
	BudgetContext  string `json:"budget_context,omitempty"`
}

// Budget tracks remaining tokens and cost for one context (case or run).
// Checks reserve atomically and fail closed: a request whose estimate
// would drive either counter negative is degraded, never executed.
type Budget struct {
	mu              sync.Mutex
	remainingTokens int64
	remainingCost   int64
	fallbackModel   string
}

// NewBudget creates a budget with the given token and cost (cents) caps.
func NewBudget(tokens, costCents int64, fallbackModel string) *Budget {
	return &Budget{
		remainingTokens: tokens,
		remainingCost:   costCents,
		fallbackModel:   fallbackModel,
	}
}

// Check reserves the estimated spend. A nil DegradedOutput means the call
// may proceed.
func (b *Budget) Check(req BudgetRequest) *DegradedOutput {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.EstimateTokens > b.remainingTokens || req.EstimateCost > b.remainingCost {
		return &DegradedOutput{
			Reason:        DegradedBudgetExceeded,
			FallbackModel: b.fallbackModel,
			Detail:        "remaining budget insufficient for estimated spend",
		}
	}
	b.remainingTokens -= req.EstimateTokens
	b.remainingCost -= req.EstimateCost
	return nil
}

// Refund returns unused reservation after the actual spend is known.
func (b *Budget) Refund(tokens, costCents int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remainingTokens += tokens
	b.remainingCost += costCents
}

// Remaining reports current headroom.
func (b *Budget) Remaining() (tokens, costCents int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingTokens, b.remainingCost
}
