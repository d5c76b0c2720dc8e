package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/investigation"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/pipeline"
)

type runPipelineRequest struct {
	Topic string `json:"topic,omitempty"`
}

func (s *Server) handleFullAnalysis(w http.ResponseWriter, r *http.Request) {
	s.startPipeline(w, r, pipeline.PlaybookFullAnalysis)
}

func (s *Server) handleMultiPerspective(w http.ResponseWriter, r *http.Request) {
	s.startPipeline(w, r, pipeline.PlaybookMultiPerspective)
}

// startPipeline launches a builtin playbook asynchronously and returns
// the run id; progress streams over SSE and the tracker.
func (s *Server) startPipeline(w http.ResponseWriter, r *http.Request, playbook string) {
	caseUID := r.PathValue("uid")
	var req runPipelineRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	pb, ok := pipeline.Builtin(playbook)
	if !ok {
		WriteBadRequest(w, r, fmt.Sprintf("unknown playbook %q", playbook))
		return
	}

	runID := model.NewUID(model.KindRun)
	actorID := ActorID(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Minute)
		defer cancel()
		if _, err := s.deps.Pipelines.Run(ctx, pipeline.RunRequest{
			Playbook: pb, CaseUID: caseUID, ActorID: actorID,
			RunID: runID, Topic: req.Topic,
		}); err != nil {
			s.log.Error("pipeline run failed", "run_id", runID, "case_uid", caseUID, "error", err)
		}
	}()

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   runID,
		"playbook": playbook,
		"status":   string(pipeline.RunPending),
	})
}

type runStageRequest struct {
	Stage  string         `json:"stage"`
	Topic  string         `json:"topic,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// handleRunStage executes a single stage synchronously as a one-stage
// playbook and returns the finished run state.
func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req runStageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Stage == "" {
		WriteBadRequest(w, r, "stage is required")
		return
	}
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}

	pb := &pipeline.Playbook{
		Name:   "adhoc_" + req.Stage,
		Stages: []pipeline.StageSpec{{Name: req.Stage, Config: req.Config}},
	}
	st, err := s.deps.Pipelines.Run(r.Context(), pipeline.RunRequest{
		Playbook: pb, CaseUID: caseUID, ActorID: ActorID(r.Context()), Topic: req.Topic,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

// handlePipelineEvents streams run progress as server-sent events until
// the run reaches a terminal state or the client disconnects.
func (s *Server) handlePipelineEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusNotImplemented, "Not Implemented", "streaming unsupported")
		return
	}

	ch, cancel := s.deps.Pipelines.Tracker().Subscribe(runID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case st, open := <-ch:
			if !open {
				return
			}
			data, _ := json.Marshal(st)
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data)
			flusher.Flush()
			if st.Status == pipeline.RunCompleted || st.Status == pipeline.RunFailed {
				return
			}
		}
	}
}

type scoreJudgmentRequest struct {
	TraceID string `json:"trace_id,omitempty"`
}

func (s *Server) handleScoreJudgment(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req scoreJudgmentRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetCase(ctx, caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}

	hyps, err := s.deps.Store.ListHypotheses(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	assertions, err := s.deps.Store.ListAssertions(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	narratives, err := s.deps.Store.ListNarratives(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	identities, err := s.deps.Store.ListArtifactIdentities(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	var hosts []string
	for _, ai := range identities {
		if u, err := url.Parse(ai.CanonicalURL); err == nil && u.Hostname() != "" {
			hosts = append(hosts, u.Hostname())
		}
	}

	report := hypothesis.ScoreQuality(hypothesis.QualityInput{
		CaseUID:     caseUID,
		Hypotheses:  hyps,
		Assertions:  assertions,
		Narratives:  narratives,
		SourceHosts: hosts,
		TraceID:     req.TraceID,
	})

	action, err := audit.NewAction(ctx, caseUID, "quality.score", ActorID(ctx), "", nil)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	_ = audit.SetOutputs(action, report)
	if _, err := s.deps.Audit.RecordAction(ctx, action); err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

type startInvestigationRequest struct {
	TriggerEvent string                    `json:"trigger_event,omitempty"`
	Config       model.InvestigationConfig `json:"config"`
}

// handleStartInvestigation runs the bounded gap-filling loop to
// completion and returns the finished record. Long-running loops are
// expected to be launched off events, not this endpoint.
func (s *Server) handleStartInvestigation(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req startInvestigationRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if s.deps.Investigations == nil {
		WriteBadRequest(w, r, "investigations are not configured")
		return
	}
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	inv, err := s.deps.Investigations.Run(r.Context(), investigation.StartRequest{
		CaseUID:      caseUID,
		ActorID:      ActorID(r.Context()),
		TriggerEvent: req.TriggerEvent,
		Config:       req.Config,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, inv)
}

func (s *Server) handleCancelInvestigation(w http.ResponseWriter, r *http.Request) {
	invUID := r.PathValue("inv")
	if s.deps.Investigations == nil {
		WriteBadRequest(w, r, "investigations are not configured")
		return
	}
	if !s.deps.Investigations.Cancel(invUID, ActorID(r.Context())) {
		WriteFault(w, r, faults.Newf(faults.CodeNotFound, "no active investigation %s", invUID))
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]any{"investigation_uid": invUID, "status": investigation.StatusCancelled})
}
