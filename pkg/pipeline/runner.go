package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/bus"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Runner executes playbooks stage by stage. A checkpoint is written
// after every successful stage under thread_id=run_id, so a failed run
// resumes at the stage that broke, not from the beginning.
type Runner struct {
	registry    *Registry
	checkpoints *store.CheckpointStore
	tracker     *Tracker
	deps        Deps
	log         *slog.Logger
}

// NewRunner wires a runner. tracker may be nil (no progress fan-out).
func NewRunner(registry *Registry, checkpoints *store.CheckpointStore, tracker *Tracker, deps Deps, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if deps.Log == nil {
		deps.Log = log
	}
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Runner{
		registry:    registry,
		checkpoints: checkpoints,
		tracker:     tracker,
		deps:        deps,
		log:         log.With("component", "pipeline"),
	}
}

// Tracker exposes the run-state tracker for subscribers.
func (r *Runner) Tracker() *Tracker { return r.tracker }

// RunRequest starts or resumes a playbook run.
type RunRequest struct {
	Playbook *Playbook
	CaseUID  string
	ActorID  string
	// RunID resumes an earlier run when it has checkpoints; empty starts
	// a fresh run.
	RunID string
	// Topic seeds hypothesis generation; empty falls back to the case
	// title.
	Topic string
}

// errCancelled is recorded on the run state for operator cancellation,
// distinguishing it from a stage failure.
var errCancelled = errors.New("cancelled")

func normalizeRunErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return errCancelled
	}
	return err
}

// Run executes the playbook to completion or first failure and returns
// the terminal run state.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunState, error) {
	pb := req.Playbook
	if pb == nil {
		return RunState{}, errors.New("pipeline: nil playbook")
	}
	if err := pb.Validate(EngineVersion); err != nil {
		return RunState{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = model.NewUID(model.KindRun)
	}

	state := map[string]any{}
	if req.Topic != "" {
		state["topic"] = req.Topic
	}
	startAt := 0

	if req.RunID != "" && r.checkpoints != nil {
		cp, err := r.checkpoints.Latest(ctx, runID)
		switch {
		case err == nil:
			startAt = cp.Step
			if len(cp.State) > 0 {
				if err := json.Unmarshal(cp.State, &state); err != nil {
					return RunState{}, fmt.Errorf("pipeline: decoding checkpoint state: %w", err)
				}
			}
			r.log.Info("resuming run from checkpoint", "run_id", runID, "step", startAt)
		case errors.Is(err, store.ErrNotFound):
			// Fresh run under a caller-chosen id.
		default:
			return RunState{}, fmt.Errorf("pipeline: loading checkpoint: %w", err)
		}
	}

	r.tracker.Start(runID, req.CaseUID, pb.Name, len(pb.Stages))
	r.emit(ctx, req.CaseUID, "pipeline.started", map[string]any{"run_id": runID, "playbook": pb.Name, "resume_step": startAt})

	sc := &StageContext{
		CaseUID: req.CaseUID,
		RunID:   runID,
		ActorID: req.ActorID,
		State:   state,
		Deps:    r.deps,
	}

	for i := startAt; i < len(pb.Stages); i++ {
		spec := pb.Stages[i]
		if err := ctx.Err(); err != nil {
			r.tracker.Fail(runID, normalizeRunErr(err))
			return r.state(runID), err
		}

		fn, err := r.registry.Get(spec.Name)
		if err != nil {
			r.tracker.Fail(runID, err)
			return r.state(runID), err
		}

		r.tracker.StageStarted(runID, spec.Name)
		sc.Config = spec.Config

		if spec.ShouldSkip() {
			r.log.Info("stage skipped by playbook", "run_id", runID, "stage", spec.Name)
			if err := r.checkpoint(ctx, runID, i+1, spec.Name, sc.State); err != nil {
				r.tracker.Fail(runID, normalizeRunErr(err))
				return r.state(runID), err
			}
			r.tracker.StageCompleted(runID, spec.Name)
			continue
		}

		started := time.Now()
		res, err := fn(ctx, sc)
		if err != nil {
			ferr := normalizeRunErr(err)
			r.log.Error("stage failed", "run_id", runID, "stage", spec.Name, "error", ferr)
			r.tracker.Fail(runID, ferr)
			r.emit(ctx, req.CaseUID, "pipeline.failed", map[string]any{"run_id": runID, "stage": spec.Name, "error": ferr.Error()})
			return r.state(runID), err
		}

		r.log.Info("stage completed",
			"run_id", runID, "stage", spec.Name, "skipped", res.Skipped,
			"duration_ms", time.Since(started).Milliseconds(), "summary", res.Summary)

		if err := r.checkpoint(ctx, runID, i+1, spec.Name, sc.State); err != nil {
			r.tracker.Fail(runID, normalizeRunErr(err))
			return r.state(runID), err
		}
		r.tracker.StageCompleted(runID, spec.Name)
		r.emit(ctx, req.CaseUID, "pipeline.stage_completed", map[string]any{
			"run_id": runID, "stage": spec.Name, "summary": res.Summary, "skipped": res.Skipped,
		})
	}

	r.tracker.Complete(runID)
	r.emit(ctx, req.CaseUID, "pipeline.completed", map[string]any{"run_id": runID, "playbook": pb.Name})
	return r.state(runID), nil
}

func (r *Runner) checkpoint(ctx context.Context, runID string, step int, stage string, state map[string]any) error {
	if r.checkpoints == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline: encoding checkpoint state: %w", err)
	}
	return r.checkpoints.Save(ctx, &store.Checkpoint{
		ThreadID: runID,
		Step:     step,
		State:    raw,
		Metadata: map[string]string{"stage": stage},
	})
}

func (r *Runner) state(runID string) RunState {
	st, _ := r.tracker.Get(runID)
	return st
}

func (r *Runner) emit(ctx context.Context, caseUID, eventType string, payload map[string]any) {
	if r.deps.Bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	r.deps.Bus.Emit(ctx, bus.Event{Type: eventType, CaseUID: caseUID, Payload: raw})
}
