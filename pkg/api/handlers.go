package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

const maxBodyBytes = 1 << 20

// decodeBody decodes a bounded JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteBadRequest(w, r, "invalid request body")
		return false
	}
	return true
}

type createCaseRequest struct {
	Title     string `json:"title"`
	ActorID   string `json:"actor_id,omitempty"`
	Rationale string `json:"rationale,omitempty"`
}

type createCaseResponse struct {
	CaseUID   string `json:"case_uid"`
	Title     string `json:"title"`
	ActionUID string `json:"action_uid"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var req createCaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Title == "" {
		WriteBadRequest(w, r, "title is required")
		return
	}
	actorID := req.ActorID
	if actorID == "" {
		actorID = ActorID(r.Context())
	}

	ctx := r.Context()
	now := time.Now().UTC()
	c := &model.Case{
		UID:       model.NewUID(model.KindCase),
		Title:     req.Title,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	action, err := audit.NewAction(ctx, c.UID, "case.create", actorID, req.Rationale, map[string]any{"title": req.Title})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	actionUID, err := s.deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		return map[string]any{"case_uid": c.UID}, store.InsertCase(ctx, tx, c)
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, createCaseResponse{CaseUID: c.UID, Title: c.Title, ActionUID: actionUID})
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := s.deps.Store.ListCases(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"cases": cases})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Store.GetCase(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	WriteJSON(w, http.StatusOK, c)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	artifacts, err := s.deps.Store.ListArtifactIdentities(r.Context(), caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) handleListHypotheses(w http.ResponseWriter, r *http.Request) {
	hyps, err := s.deps.Store.ListHypotheses(r.Context(), r.PathValue("uid"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"hypotheses": hyps})
}

func (s *Server) handleListJudgments(w http.ResponseWriter, r *http.Request) {
	judgments, err := s.deps.Store.ListJudgments(r.Context(), r.PathValue("uid"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"judgments": judgments})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	actions, err := s.deps.Audit.ListActions(r.Context(), r.PathValue("uid"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"actions": actions})
}

func (s *Server) handleListToolTraces(w http.ResponseWriter, r *http.Request) {
	traces, err := s.deps.Audit.ListToolTraces(r.Context(), r.PathValue("uid"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tool_traces": traces})
}

func (s *Server) handleGetArtifactVersion(w http.ResponseWriter, r *http.Request) {
	av, err := s.deps.Store.GetArtifactVersion(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "artifact version")
		return
	}
	WriteJSON(w, http.StatusOK, av)
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.deps.Store.GetEvidence(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "evidence")
		return
	}
	WriteJSON(w, http.StatusOK, ev)
}

func (s *Server) handleGetSourceClaim(w http.ResponseWriter, r *http.Request) {
	sc, err := s.deps.Store.GetSourceClaim(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "source claim")
		return
	}
	WriteJSON(w, http.StatusOK, sc)
}

func (s *Server) handleGetAssertion(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Store.GetAssertion(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "assertion")
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleGetJudgment(w http.ResponseWriter, r *http.Request) {
	j, err := s.deps.Store.GetJudgment(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "judgment")
		return
	}
	WriteJSON(w, http.StatusOK, j)
}

func (s *Server) handleGetToolTrace(w http.ResponseWriter, r *http.Request) {
	tt, err := s.deps.Audit.GetToolTrace(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeLookupErr(w, r, err, "tool trace")
		return
	}
	WriteJSON(w, http.StatusOK, tt)
}

type fixtureImportRequest struct {
	Bundle string `json:"bundle"`
}

func (s *Server) handleFixtureImport(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req fixtureImportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Bundle == "" {
		WriteBadRequest(w, r, "bundle is required")
		return
	}
	if s.deps.Fixtures == nil {
		WriteBadRequest(w, r, "fixture import is not configured")
		return
	}
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	report, err := s.deps.Fixtures.Import(r.Context(), caseUID, req.Bundle, ActorID(r.Context()))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
