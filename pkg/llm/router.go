package llm

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/policy"
)

// Router front-ends the model clients: budget check, one retry on the
// primary with an idempotency key, fallback model, and finally a
// DegradedOutput instead of an error the caller cannot act on.
type Router struct {
	primary       Client
	fallback      Client
	primaryModel  string
	fallbackModel string
	budget        *policy.Budget
	log           *slog.Logger
}

// RouterConfig wires the router. Fallback may be nil.
type RouterConfig struct {
	Primary       Client
	Fallback      Client
	PrimaryModel  string
	FallbackModel string
	Budget        *policy.Budget
	Logger        *slog.Logger
}

// NewRouter creates the router.
func NewRouter(cfg RouterConfig) *Router {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		primary:       cfg.Primary,
		fallback:      cfg.Fallback,
		primaryModel:  cfg.PrimaryModel,
		fallbackModel: cfg.FallbackModel,
		budget:        cfg.Budget,
		log:           log,
	}
}

// RouteResult carries either a completion or a degraded stub, never both.
type RouteResult struct {
	Response *Response              `json:"response,omitempty"`
	Degraded *policy.DegradedOutput `json:"degraded,omitempty"`
	// ModelUsed names the model that answered, primary or fallback.
	ModelUsed string `json:"model_used,omitempty"`
}

// Chat routes one completion. estimateTokens feeds the budget check;
// the unused remainder is refunded from actual usage afterwards.
func (r *Router) Chat(ctx context.Context, req *ChatRequest, estimateTokens int64) (*RouteResult, error) {
	if r.budget != nil {
		if degraded := r.budget.Check(policy.BudgetRequest{
			ModelID:        r.primaryModel,
			EstimateTokens: estimateTokens,
		}); degraded != nil {
			r.log.Warn("llm call degraded by budget", "model", r.primaryModel, "reason", degraded.Reason)
			return &RouteResult{Degraded: degraded}, nil
		}
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	resp, err := r.primary.Chat(ctx, req)
	if err != nil && faults.Retryable(faults.CodeOf(err)) && ctx.Err() == nil {
		r.log.Warn("primary model call failed, retrying once", "model", r.primaryModel, "error", err)
		resp, err = r.primary.Chat(ctx, req)
	}
	if err == nil {
		r.refund(estimateTokens, resp)
		return &RouteResult{Response: resp, ModelUsed: r.primaryModel}, nil
	}

	if r.fallback != nil && ctx.Err() == nil {
		r.log.Warn("primary model exhausted, trying fallback", "model", r.fallbackModel, "error", err)
		resp, fbErr := r.fallback.Chat(ctx, req)
		if fbErr == nil {
			r.refund(estimateTokens, resp)
			return &RouteResult{Response: resp, ModelUsed: r.fallbackModel}, nil
		}
		err = fbErr
	}

	reason := policy.DegradedUpstreamError
	if faults.CodeOf(err) == faults.CodeTimeout {
		reason = policy.DegradedTimeout
	}
	r.refundAll(estimateTokens)
	r.log.Error("llm call degraded after retries", "reason", reason, "error", err)
	return &RouteResult{Degraded: &policy.DegradedOutput{
		Reason:        reason,
		FallbackModel: r.fallbackModel,
		Detail:        err.Error(),
	}}, nil
}

func (r *Router) refund(estimate int64, resp *Response) {
	if r.budget == nil {
		return
	}
	actual := resp.Usage.TotalTokens
	if actual > 0 && actual < estimate {
		r.budget.Refund(estimate-actual, 0)
	}
}

func (r *Router) refundAll(estimate int64) {
	if r.budget != nil {
		r.budget.Refund(estimate, 0)
	}
}
