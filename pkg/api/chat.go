package api

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/policy"
)

const (
	// chatMatchFloor is the minimum token overlap for a claim to count
	// as evidence for an answer.
	chatMatchFloor = 0.2
	chatMaxCites   = 3
)

type chatRequest struct {
	Question string `json:"question"`
}

type chatResponse struct {
	AnswerText         string            `json:"answer_text"`
	AnswerType         policy.AnswerTier `json:"answer_type"`
	EvidenceCitations  []string          `json:"evidence_citations"`
	CannotAnswerReason string            `json:"cannot_answer_reason,omitempty"`
	TraceID            string            `json:"trace_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		WriteBadRequest(w, r, "question is required")
		return
	}
	if _, err := s.deps.Store.GetCase(r.Context(), caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}
	resp, err := s.answerChat(r.Context(), caseUID, req.Question)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

// answerChat runs the grounded Q&A path: retrieve the claims matching
// the question, answer from them, and apply the grounding gate. Answers
// without evidence citations never rise above HYPOTHESIS.
func (s *Server) answerChat(ctx context.Context, caseUID, question string) (*chatResponse, error) {
	claims, err := s.deps.Store.ListSourceClaims(ctx, caseUID)
	if err != nil {
		return nil, err
	}

	type match struct {
		uid   string
		quote string
		score float64
	}
	var matches []match
	for _, c := range claims {
		if score := chatOverlap(question, c.Quote); score >= chatMatchFloor {
			matches = append(matches, match{uid: c.UID, quote: c.Quote, score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].uid < matches[j].uid
	})
	if len(matches) > chatMaxCites {
		matches = matches[:chatMaxCites]
	}

	var gated policy.GroundedAnswer
	switch {
	case len(matches) > 0:
		var quotes []string
		var citations []string
		for _, m := range matches {
			quotes = append(quotes, m.quote)
			citations = append(citations, m.uid)
		}
		gated = policy.ApplyGate(policy.TierFact, strings.Join(quotes, " "), citations)
	default:
		// No grounding evidence. Fall back to the best hypothesis
		// statement, which the gate labels HYPOTHESIS.
		hyps, err := s.deps.Store.ListHypotheses(ctx, caseUID)
		if err != nil {
			return nil, err
		}
		best, bestScore := "", 0.0
		for _, h := range hyps {
			if score := chatOverlap(question, h.Statement); score > bestScore {
				best, bestScore = h.Statement, score
			}
		}
		if best != "" {
			gated = policy.ApplyGate(policy.TierHypothesis, best, nil)
		} else {
			gated = policy.ApplyGate(policy.TierFact, "", nil)
		}
	}

	action, err := audit.NewAction(ctx, caseUID, "analysis.chat", ActorID(ctx), "", map[string]any{"question": question})
	if err != nil {
		return nil, err
	}
	if err := audit.SetOutputs(action, gated); err != nil {
		return nil, err
	}
	actionUID, err := s.deps.Audit.RecordAction(ctx, action)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "chat audit write failed", err)
	}

	return &chatResponse{
		AnswerText:         gated.AnswerText,
		AnswerType:         gated.AnswerType,
		EvidenceCitations:  gated.EvidenceCitations,
		CannotAnswerReason: gated.CannotAnswerReason,
		TraceID:            actionUID,
	}, nil
}

var chatStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "in": {}, "on": {}, "at": {},
	"to": {}, "is": {}, "are": {}, "was": {}, "were": {}, "what": {},
	"which": {}, "who": {}, "did": {}, "does": {}, "do": {}, "how": {},
	"many": {}, "and": {}, "or": {}, "for": {}, "with": {},
}

// chatOverlap scores shared content tokens over question tokens.
func chatOverlap(question, text string) float64 {
	q := chatTokens(question)
	if len(q) == 0 {
		return 0
	}
	t := make(map[string]struct{})
	for _, tok := range chatTokens(text) {
		t[tok] = struct{}{}
	}
	shared := 0
	for _, tok := range q {
		if _, ok := t[tok]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(q))
}

func chatTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '-')
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := chatStopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
