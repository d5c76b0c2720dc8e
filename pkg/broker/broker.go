// Package broker is the single gate for every outbound tool effect.
//
// Each operation opens an Action, consults the outbound policy engine,
// executes with a deadline, and records a redacted ToolTrace whatever
// the outcome. Denied calls never reach the network.
package broker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/policy"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Tool names as they appear in traces and action types.
const (
	ToolMetaSearch         = "meta_search"
	ToolArchiveURL         = "archive_url"
	ToolDocParse           = "doc_parse"
	ToolEmbed              = "embed"
	ToolGenerateStructured = "generate_structured"
)

const (
	// DefaultCallTimeout bounds one outbound call.
	DefaultCallTimeout = 30 * time.Second
	// DefaultCacheTTL bounds how long a meta_search response is reused.
	DefaultCacheTTL = 15 * time.Minute
	// maxFetchBytes caps an archived page body.
	maxFetchBytes = 8 << 20
)

// Config tunes the broker.
type Config struct {
	// SearchURL is the meta-search endpoint. The query is appended as ?q=.
	SearchURL string
	// CallTimeout bounds each outbound call; zero means DefaultCallTimeout.
	CallTimeout time.Duration
	// CacheTTL bounds meta_search reuse; zero means DefaultCacheTTL.
	CacheTTL time.Duration
	// UserAgent identifies fetches to remote hosts.
	UserAgent string
}

// Broker executes tool operations under policy and audit.
type Broker struct {
	cfg      Config
	policy   *policy.Engine
	audit    audit.Recorder
	cache    Cache
	parsers  *ingest.Registry
	embedder store.Embedder
	gen      llm.StructuredClient
	http     *http.Client
	log      *slog.Logger
}

// New assembles a broker. cache may be nil (no response reuse);
// embedder, parsers, and gen may be nil when the corresponding
// operation is not offered.
func New(cfg Config, pol *policy.Engine, rec audit.Recorder, cache Cache, parsers *ingest.Registry, embedder store.Embedder, gen llm.StructuredClient, log *slog.Logger) *Broker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		cfg:      cfg,
		policy:   pol,
		audit:    rec,
		cache:    cache,
		parsers:  parsers,
		embedder: embedder,
		gen:      gen,
		http:     &http.Client{Timeout: cfg.CallTimeout},
		log:      log.With("component", "broker"),
	}
}

// invocation tracks one in-flight tool call from Action open to trace.
type invocation struct {
	b       *Broker
	action  *model.Action
	tool    string
	caseUID string
	start   time.Time
	policy  json.RawMessage
}

// begin opens the Action for a tool call. Inputs are recorded as given;
// callers redact before passing.
func (b *Broker) begin(ctx context.Context, caseUID, actorID, tool string, inputs any) (*invocation, error) {
	action, err := audit.NewAction(ctx, caseUID, "tool."+tool, actorID, "", inputs)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "broker: assembling action", err)
	}
	if _, err := b.audit.RecordAction(ctx, action); err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "broker: recording action", err)
	}
	return &invocation{b: b, action: action, tool: tool, caseUID: caseUID, start: time.Now()}, nil
}

// checkPolicy evaluates the outbound policy for a URL-bearing tool and
// records the denial trace when the call is refused.
func (inv *invocation) checkPolicy(ctx context.Context, rawURL string) error {
	d := inv.b.policy.EvaluateOutbound(ctx, inv.tool, rawURL)
	if pj, err := json.Marshal(d); err == nil {
		inv.policy = pj
	}
	if d.Allowed {
		return nil
	}
	inv.trace(ctx, map[string]string{"url": redactURL(rawURL)}, nil, model.ToolStatusDenied, d.Reason)
	code := d.ErrorCode
	if code == "" {
		code = faults.CodePolicyDenied
	}
	return faults.New(code, d.Reason)
}

// trace records the ToolTrace for this invocation. Trace failures are
// logged, never propagated: the tool outcome already happened.
func (inv *invocation) trace(ctx context.Context, request, response any, status model.ToolTraceStatus, errMsg string) {
	tt := &model.ToolTrace{
		UID:        model.NewUID(model.KindToolTrace),
		ActionUID:  inv.action.UID,
		CaseUID:    inv.caseUID,
		ToolName:   inv.tool,
		Status:     status,
		DurationMS: time.Since(inv.start).Milliseconds(),
		Error:      errMsg,
		Policy:     inv.policy,
		CreatedAt:  time.Now().UTC(),
	}
	if request != nil {
		tt.Request, _ = json.Marshal(request)
	}
	if response != nil {
		tt.Response, _ = json.Marshal(response)
	}
	if _, err := inv.b.audit.RecordToolTrace(ctx, tt); err != nil {
		inv.b.log.Error("tool trace write failed", "tool", inv.tool, "action_uid", inv.action.UID, "error", err)
	}
}

// finish records the terminal trace for a call and maps the outcome.
func (inv *invocation) finish(ctx context.Context, request, response any, callErr error) error {
	if callErr != nil {
		inv.trace(ctx, request, response, model.ToolStatusError, callErr.Error())
		if faults.CodeOf(callErr) == faults.CodeInternal {
			return faults.Wrap(faults.CodeGatewayError, "broker: "+inv.tool, callErr)
		}
		return callErr
	}
	inv.trace(ctx, request, response, model.ToolStatusOK, "")
	return nil
}

// redactURL strips credentials and sensitive query parameters before a
// URL enters the audit trail.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.User = nil
	q := u.Query()
	for key := range q {
		switch normalizeParam(key) {
		case "apikey", "api_key", "key", "token", "secret", "password", "authorization", "access_token":
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func normalizeParam(k string) string {
	out := make([]rune, 0, len(k))
	for _, r := range k {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}
