package api

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

type feedbackRequest struct {
	Verdict string `json:"verdict"`
	Comment string `json:"comment,omitempty"`
}

func (s *Server) handleAssertionFeedback(w http.ResponseWriter, r *http.Request) {
	assertionUID := r.PathValue("uid")
	var req feedbackRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Verdict == "" {
		WriteBadRequest(w, r, "verdict is required")
		return
	}

	ctx := r.Context()
	a, err := s.deps.Store.GetAssertion(ctx, assertionUID)
	if err != nil {
		writeLookupErr(w, r, err, "assertion")
		return
	}

	fb := &model.AssertionFeedback{
		UID:          model.NewUID(model.KindFeedback),
		CaseUID:      a.CaseUID,
		AssertionUID: assertionUID,
		UserID:       ActorID(ctx),
		Verdict:      req.Verdict,
		Comment:      req.Comment,
		CreatedAt:    time.Now().UTC(),
	}
	action, err := audit.NewAction(ctx, a.CaseUID, "assertion.feedback", fb.UserID, "",
		map[string]any{"assertion_uid": assertionUID, "verdict": req.Verdict})
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	actionUID, err := s.deps.Store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		return map[string]any{"feedback_uid": fb.UID}, store.InsertAssertionFeedback(ctx, tx, fb)
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateFeedback) {
			err = faults.New(faults.CodeIntegrityConflict, "feedback already recorded for this user and assertion")
		}
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{
		"feedback_uid": fb.UID,
		"action_uid":   actionUID,
	})
}

// handleAuditExport returns a signed, self-verifying bundle of a case's
// full audit trail. ?format=jsonl renders the records as JSON lines.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	if s.deps.Keyring == nil {
		WriteFault(w, r, faults.New(faults.CodeValidation, "audit export signing key is not configured"))
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetCase(ctx, caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	actions, err := s.deps.Audit.ListActions(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	traces, err := s.deps.Audit.ListToolTraces(ctx, caseUID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	bundle, err := s.deps.Keyring.Export(caseUID, actions, traces)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "jsonl" {
		lines, err := bundle.MarshalJSONL()
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(lines)
		return
	}
	WriteJSON(w, http.StatusOK, bundle)
}
