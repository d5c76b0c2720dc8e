// Package investigation runs the autonomous gap-filling loop: observe
// the case's hypotheses, orient on their highest-priority evidence
// gaps, fill them through the tool broker, ingest what came back, and
// repeat until the gaps close or the bounds run out.
package investigation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/bus"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/pipeline"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Investigation statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Defaults bound a loop whose config leaves fields zero.
const (
	DefaultMaxRounds            = 3
	DefaultGapPriorityThreshold = 2
	DefaultMinEvidencePerRound  = 1
	DefaultRoundTimeout         = 2 * time.Minute
	maxQueriesPerRound          = 3
	maxResultsPerQuery          = 2
)

// Runner drives investigations and tracks the running ones so they can
// be cancelled by uid.
type Runner struct {
	store     *store.Store
	engine    *hypothesis.Engine
	collector pipeline.Collector
	ingester  pipeline.Ingester
	bus       *bus.Bus
	log       *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
}

type activeRun struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelledBy string
}

func (a *activeRun) setCancelledBy(by string) {
	a.mu.Lock()
	a.cancelledBy = by
	a.mu.Unlock()
}

func (a *activeRun) whoCancelled() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelledBy
}

// New wires an investigation runner. bus may be nil.
func New(s *store.Store, engine *hypothesis.Engine, collector pipeline.Collector, ingester pipeline.Ingester, b *bus.Bus, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:     s,
		engine:    engine,
		collector: collector,
		ingester:  ingester,
		bus:       b,
		log:       log.With("component", "investigation"),
		active:    make(map[string]*activeRun),
	}
}

// StartRequest opens an investigation.
type StartRequest struct {
	CaseUID      string
	ActorID      string
	TriggerEvent string
	Config       model.InvestigationConfig
}

func withDefaults(c model.InvestigationConfig) model.InvestigationConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.GapPriorityThreshold <= 0 {
		c.GapPriorityThreshold = DefaultGapPriorityThreshold
	}
	if c.MinEvidencePerRound <= 0 {
		c.MinEvidencePerRound = DefaultMinEvidencePerRound
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	return c
}

// Cancel stops a running investigation. The loop notices at its next
// round boundary and records who cancelled it.
func (r *Runner) Cancel(uid, cancelledBy string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.active[uid]
	if !ok {
		return false
	}
	run.setCancelledBy(cancelledBy)
	run.cancel()
	return true
}

// Run executes the loop to completion, cancellation, or exhaustion of
// its bounds, and returns the final investigation record.
func (r *Runner) Run(ctx context.Context, req StartRequest) (*model.Investigation, error) {
	if r.collector == nil || r.ingester == nil {
		return nil, faults.New(faults.CodeValidation, "investigation: collector and ingester required")
	}
	cfg := withDefaults(req.Config)

	now := time.Now().UTC()
	inv := &model.Investigation{
		UID:          model.NewUID(model.KindInvestigation),
		CaseUID:      req.CaseUID,
		TriggerEvent: req.TriggerEvent,
		Config:       cfg,
		Status:       StatusRunning,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	action, err := audit.NewAction(ctx, req.CaseUID, "investigation.start", req.ActorID, "", map[string]any{"trigger_event": req.TriggerEvent})
	if err != nil {
		return nil, err
	}
	if _, err := r.store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		return map[string]any{"investigation_uid": inv.UID}, store.InsertInvestigation(ctx, tx, inv)
	}); err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	run := &activeRun{cancel: cancel}
	r.mu.Lock()
	r.active[inv.UID] = run
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.active, inv.UID)
		r.mu.Unlock()
	}()

	r.emit(ctx, req.CaseUID, "investigation.started", map[string]any{"investigation_uid": inv.UID})

	for round := 1; round <= cfg.MaxRounds; round++ {
		if loopCtx.Err() != nil {
			return r.finish(ctx, inv, req.ActorID, StatusCancelled, run.whoCancelled())
		}

		summary, claimsAdded, tools, gaps, err := r.round(loopCtx, inv, req.ActorID, round, cfg)
		if err != nil {
			if loopCtx.Err() != nil {
				return r.finish(ctx, inv, req.ActorID, StatusCancelled, run.whoCancelled())
			}
			r.log.Error("investigation round failed", "investigation_uid", inv.UID, "round", round, "error", err)
			finished, ferr := r.finish(ctx, inv, req.ActorID, StatusFailed, "")
			if ferr != nil {
				return nil, ferr
			}
			return finished, err
		}

		inv.Rounds = append(inv.Rounds, model.InvestigationRound{
			Round:        round,
			GapsTargeted: gaps,
			ClaimsAdded:  claimsAdded,
			Summary:      summary,
			CompletedAt:  time.Now().UTC(),
		})
		inv.TotalClaims += claimsAdded
		inv.TotalTools += tools
		inv.UpdatedAt = time.Now().UTC()

		roundAction, err := audit.NewAction(ctx, req.CaseUID, "investigation.round", req.ActorID, "", map[string]any{"investigation_uid": inv.UID, "round": round})
		if err != nil {
			return nil, err
		}
		if _, err := r.store.WithAction(ctx, roundAction, func(tx *sql.Tx) (any, error) {
			return map[string]any{"claims_added": claimsAdded, "gaps_targeted": gaps}, store.UpdateInvestigation(ctx, tx, inv)
		}); err != nil {
			return nil, err
		}

		if gaps == 0 {
			inv.GapResolved = true
			break
		}
		if claimsAdded < cfg.MinEvidencePerRound {
			r.log.Info("investigation below evidence floor, stopping",
				"investigation_uid", inv.UID, "round", round, "claims_added", claimsAdded)
			break
		}
	}

	return r.finish(ctx, inv, req.ActorID, StatusCompleted, "")
}

// round runs one observe/orient/fill/ingest cycle.
func (r *Runner) round(ctx context.Context, inv *model.Investigation, actorID string, round int, cfg model.InvestigationConfig) (summary string, claimsAdded, tools, gaps int, err error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.RoundTimeout)
	defer cancel()

	// Observe.
	before, err := r.store.CountSourceClaims(ctx, inv.CaseUID)
	if err != nil {
		return "", 0, 0, 0, err
	}
	hyps, err := r.store.ListHypotheses(ctx, inv.CaseUID)
	if err != nil {
		return "", 0, 0, 0, err
	}

	// Orient: collect open gaps at or above the priority threshold.
	var queries []string
	seen := make(map[string]struct{})
	for _, h := range hyps {
		for _, gap := range h.GapList {
			if gap.Query == "" || gap.Priority > cfg.GapPriorityThreshold {
				continue
			}
			if _, dup := seen[gap.Query]; dup {
				continue
			}
			seen[gap.Query] = struct{}{}
			queries = append(queries, gap.Query)
		}
	}
	if len(queries) == 0 {
		return fmt.Sprintf("round %d: no open gaps", round), 0, 0, 0, nil
	}
	if len(queries) > maxQueriesPerRound {
		queries = queries[:maxQueriesPerRound]
	}

	// Fill: search, fetch, ingest.
	for _, q := range queries {
		results, err := r.collector.MetaSearch(ctx, inv.CaseUID, actorID, q)
		tools++
		if err != nil {
			r.log.Warn("gap search failed", "investigation_uid", inv.UID, "query", q, "error", err)
			continue
		}
		if len(results) > maxResultsPerQuery {
			results = results[:maxResultsPerQuery]
		}
		for _, res := range results {
			arch, err := r.collector.ArchiveURL(ctx, inv.CaseUID, actorID, res.URL)
			tools++
			if err != nil {
				r.log.Warn("gap fetch failed", "investigation_uid", inv.UID, "url", res.URL, "error", err)
				continue
			}
			if _, err := r.ingester.Ingest(ctx, &ingest.Request{
				CaseUID:      inv.CaseUID,
				CanonicalURL: res.URL,
				Kind:         "web",
				MimeType:     arch.MIMEType,
				Data:         arch.Body,
				ActorID:      actorID,
				Rationale:    fmt.Sprintf("investigation %s round %d: %s", inv.UID, round, q),
				SourceMeta:   map[string]string{"via": "investigation", "query": q},
			}); err != nil {
				r.log.Warn("gap ingest failed", "investigation_uid", inv.UID, "url", res.URL, "error", err)
			}
		}
	}

	after, err := r.store.CountSourceClaims(ctx, inv.CaseUID)
	if err != nil {
		return "", 0, 0, 0, err
	}
	claimsAdded = after - before

	// Re-orient: fresh analysis shrinks the gap lists the next round
	// reads.
	if r.engine != nil {
		assertions, err := r.store.ListAssertions(ctx, inv.CaseUID)
		if err != nil {
			return "", 0, 0, 0, err
		}
		for i := range hyps {
			h := &hyps[i]
			if _, err := r.engine.Analyze(ctx, h, assertions, nil); err != nil {
				continue
			}
			ha, err := audit.NewAction(ctx, inv.CaseUID, "hypothesis.analyze", actorID, "", map[string]any{"investigation_uid": inv.UID, "hypothesis_uid": h.UID})
			if err != nil {
				continue
			}
			if _, err := r.store.WithAction(ctx, ha, func(tx *sql.Tx) (any, error) {
				return map[string]any{"coverage": h.CoverageScore}, store.UpdateHypothesis(ctx, tx, h)
			}); err != nil {
				r.log.Warn("re-analysis persist failed", "hypothesis_uid", h.UID, "error", err)
			}
		}
	}

	return fmt.Sprintf("round %d: %d queries, %d claims added", round, len(queries), claimsAdded),
		claimsAdded, tools, len(queries), nil
}

// finish writes the terminal status in one transaction and emits the
// completion event.
func (r *Runner) finish(ctx context.Context, inv *model.Investigation, actorID, status, cancelledBy string) (*model.Investigation, error) {
	// The surrounding request context may already be cancelled; the
	// terminal write must still land.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	now := time.Now().UTC()
	inv.Status = status
	inv.CancelledBy = cancelledBy
	inv.CompletedAt = &now
	inv.UpdatedAt = now

	action, err := audit.NewAction(ctx, inv.CaseUID, "investigation.finish", actorID, "", map[string]any{"investigation_uid": inv.UID, "status": status})
	if err != nil {
		return nil, err
	}
	if _, err := r.store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		return map[string]any{"status": status, "total_claims": inv.TotalClaims, "rounds": len(inv.Rounds)}, store.UpdateInvestigation(ctx, tx, inv)
	}); err != nil {
		return nil, err
	}

	r.emit(ctx, inv.CaseUID, "investigation.finished", map[string]any{
		"investigation_uid": inv.UID, "status": status, "gap_resolved": inv.GapResolved,
	})
	return inv, nil
}

func (r *Runner) emit(ctx context.Context, caseUID, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.bus.Emit(ctx, bus.Event{Type: eventType, CaseUID: caseUID, Payload: raw})
}
