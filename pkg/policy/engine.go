// Package policy evaluates every outbound tool call and every LLM
// invocation against versioned policy: host allowlisting, optional CEL
// guard expressions, per-(tool, host) minimum-interval rate limiting, the
// grounding gate, and budget enforcement.
//
// Evaluation is fail-closed: a guard program that errors denies the call.
// An empty allowlist is development mode (allow all); Engine logs a
// prominent warning when it starts in that mode.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

// RobotsMeta records whether robots.txt was consulted for this decision.
// Recorded even when unchecked so later fidelity upgrades are observable.
type RobotsMeta struct {
	Checked bool   `json:"checked"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Decision is the outcome of one outbound-policy evaluation.
type Decision struct {
	Allowed   bool        `json:"allowed"`
	ErrorCode faults.Code `json:"error_code,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Domain    string      `json:"domain,omitempty"`
	Robots    RobotsMeta  `json:"robots_metadata"`
	PolicyRef string      `json:"policy_ref,omitempty"`
}

// Config tunes the engine.
type Config struct {
	// AllowedHosts is the outbound allowlist. Empty means development
	// mode: every host is admitted.
	AllowedHosts []string
	// MinInterval is the default minimum interval between two calls to
	// the same (tool, host). Zero disables interval limiting.
	MinInterval time.Duration
	// PerToolInterval overrides MinInterval for specific tools.
	PerToolInterval map[string]time.Duration
	// PolicyVersion names the active policy set for receipts.
	PolicyVersion string
}

// Engine is the policy decision point for outbound effects.
type Engine struct {
	cfg     Config
	allowed map[string]struct{}
	limiter LimiterStore
	logger  *slog.Logger

	mu     sync.RWMutex
	env    *cel.Env
	guards map[string]cel.Program
}

// NewEngine builds an engine. limiter may be nil, in which case an
// in-memory store is used.
func NewEngine(cfg Config, limiter LimiterStore, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = NewMemoryLimiterStore()
	}

	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("tool", types.StringType),
			decls.NewVariable("host", types.StringType),
			decls.NewVariable("url", types.StringType),
			decls.NewVariable("scheme", types.StringType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to create CEL env: %w", err)
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			allowed[h] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		logger.Warn("policy: allowlist empty, running in development mode (all hosts admitted)")
	}

	return &Engine{
		cfg:     cfg,
		allowed: allowed,
		limiter: limiter,
		logger:  logger.With("component", "policy"),
		env:     env,
		guards:  make(map[string]cel.Program),
	}, nil
}

// LoadGuard compiles and registers a CEL guard expression. Every loaded
// guard must evaluate to true for a request to be admitted.
func (e *Engine) LoadGuard(guardID, source string) error {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("policy: guard %s compilation failed: %w", guardID, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy: guard %s program construction failed: %w", guardID, err)
	}
	e.mu.Lock()
	e.guards[guardID] = prg
	e.mu.Unlock()
	return nil
}

// DevMode reports whether the engine admits all hosts.
func (e *Engine) DevMode() bool { return len(e.allowed) == 0 }

// EvaluateOutbound decides whether tool may call rawURL right now.
// The (tool, host) last-call stamp advances only when the request is
// admitted.
func (e *Engine) EvaluateOutbound(ctx context.Context, tool, rawURL string) Decision {
	d := Decision{
		PolicyRef: e.cfg.PolicyVersion,
		Robots:    RobotsMeta{Checked: false, Allowed: true, Reason: "not_consulted"},
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		d.ErrorCode = faults.CodeInvalidURL
		d.Reason = "malformed or non-http url"
		return d
	}
	host := strings.ToLower(u.Hostname())
	d.Domain = host

	if len(e.allowed) > 0 {
		if _, ok := e.allowed[host]; !ok {
			d.ErrorCode = faults.CodePolicyDenied
			d.Reason = "domain_not_allowed"
			return d
		}
	}

	if reason, ok := e.evalGuards(tool, host, rawURL, u.Scheme); !ok {
		d.ErrorCode = faults.CodePolicyDenied
		d.Reason = reason
		return d
	}

	interval := e.cfg.MinInterval
	if override, ok := e.cfg.PerToolInterval[tool]; ok {
		interval = override
	}
	if interval > 0 {
		admitted, err := e.limiter.Admit(ctx, tool+"|"+host, interval)
		if err != nil {
			// Fail-closed on limiter store errors.
			e.logger.Error("policy: limiter store failure", "tool", tool, "host", host, "error", err)
			d.ErrorCode = faults.CodePolicyDenied
			d.Reason = "limiter_unavailable"
			return d
		}
		if !admitted {
			d.ErrorCode = faults.CodeRateLimited
			d.Reason = "min_interval_not_elapsed"
			return d
		}
	}

	d.Allowed = true
	return d
}

func (e *Engine) evalGuards(tool, host, rawURL, scheme string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := map[string]any{
		"tool":   tool,
		"host":   host,
		"url":    rawURL,
		"scheme": scheme,
	}
	for id, prg := range e.guards {
		out, _, err := prg.Eval(input)
		if err != nil {
			e.logger.Warn("policy: guard evaluation error, denying", "guard", id, "error", err)
			return "guard_error:" + id, false
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return "guard_rejected:" + id, false
		}
	}
	return "", true
}
