package api

import (
	"encoding/base64"
	"net/http"

	"github.com/veriscope-labs/veriscope/pkg/artifacts"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
)

type archiveURLRequest struct {
	URL       string `json:"url"`
	Rationale string `json:"rationale,omitempty"`
}

// handleCaseArchiveURL archives a URL through the broker and ingests the
// fetched artifact into the case.
func (s *Server) handleCaseArchiveURL(w http.ResponseWriter, r *http.Request) {
	caseUID := r.PathValue("uid")
	var req archiveURLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		WriteBadRequest(w, r, "url is required")
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetCase(ctx, caseUID); err != nil {
		writeLookupErr(w, r, err, "case")
		return
	}

	actorID := ActorID(ctx)
	res, err := s.deps.Broker.ArchiveURL(ctx, caseUID, actorID, req.URL)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	ingested, err := s.deps.Ingester.Ingest(ctx, &ingest.Request{
		CaseUID:      caseUID,
		CanonicalURL: res.URL,
		Kind:         "web",
		MimeType:     res.MIMEType,
		Data:         res.Body,
		ActorID:      actorID,
		Rationale:    req.Rationale,
	})
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":                   true,
		"artifact_version_uid": ingested.ArtifactVersionUID,
		"sha256":               res.SHA256,
		"mime_type":            res.MIMEType,
		"chunk_count":          ingested.ChunkCount,
		"claim_count":          ingested.ClaimCount,
		"deduplicated":         ingested.Deduplicated,
	})
}

type toolMetaSearchRequest struct {
	CaseUID string `json:"case_uid"`
	Q       string `json:"q"`
}

func (s *Server) handleToolMetaSearch(w http.ResponseWriter, r *http.Request) {
	var req toolMetaSearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	results, err := s.deps.Broker.MetaSearch(r.Context(), req.CaseUID, ActorID(r.Context()), req.Q)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "results": results})
}

type toolArchiveURLRequest struct {
	CaseUID string `json:"case_uid"`
	URL     string `json:"url"`
}

func (s *Server) handleToolArchiveURL(w http.ResponseWriter, r *http.Request) {
	var req toolArchiveURLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Broker.ArchiveURL(r.Context(), req.CaseUID, ActorID(r.Context()), req.URL)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"url":        res.URL,
		"sha256":     res.SHA256,
		"mime_type":  res.MIMEType,
		"bytes":      len(res.Body),
		"fetched_at": res.FetchedAt,
	})
}

type toolDocParseRequest struct {
	CaseUID            string `json:"case_uid"`
	ArtifactVersionUID string `json:"artifact_version_uid,omitempty"`
	MimeType           string `json:"mime_type,omitempty"`
	ContentBase64      string `json:"content_base64,omitempty"`
}

// handleToolDocParse parses either inline content or a stored artifact
// version fetched from the blob store.
func (s *Server) handleToolDocParse(w http.ResponseWriter, r *http.Request) {
	var req toolDocParseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()

	var data []byte
	mime := req.MimeType
	switch {
	case req.ContentBase64 != "":
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			WriteBadRequest(w, r, "content_base64 is not valid base64")
			return
		}
		data = decoded
	case req.ArtifactVersionUID != "":
		av, err := s.deps.Store.GetArtifactVersion(ctx, req.ArtifactVersionUID)
		if err != nil {
			writeLookupErr(w, r, err, "artifact version")
			return
		}
		ref, err := artifacts.ParseRef(av.StorageRef)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		data, err = s.deps.Blobs.Get(ctx, ref)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		if mime == "" {
			mime = av.MimeType
		}
		if req.CaseUID == "" {
			req.CaseUID = av.CaseUID
		}
	default:
		WriteBadRequest(w, r, "content_base64 or artifact_version_uid is required")
		return
	}

	text, err := s.deps.Broker.DocParse(ctx, req.CaseUID, ActorID(ctx), mime, data)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true, "text": text, "chars": len(text)})
}
