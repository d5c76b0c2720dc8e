package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/veriscope-labs/veriscope/pkg/artifacts"
	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/broker"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/fixtures"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/investigation"
	"github.com/veriscope-labs/veriscope/pkg/notify"
	"github.com/veriscope-labs/veriscope/pkg/pipeline"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Config holds the HTTP surface settings.
type Config struct {
	// JWTSecret signs bearer tokens; empty disables auth (dev mode).
	JWTSecret []byte
	// RateRPS / RateBurst bound per-IP request rates. Zero disables.
	RateRPS   int
	RateBurst int
}

// Deps are the wired components the API serves.
type Deps struct {
	Store          *store.Store
	Audit          *store.AuditStore
	Blobs          artifacts.Store
	Broker         *broker.Broker
	Ingester       pipeline.Ingester
	Engine         *hypothesis.Engine
	Pipelines      *pipeline.Runner
	Investigations *investigation.Runner
	Hub            *notify.Hub
	Fixtures       *fixtures.Loader
	Keyring        *audit.Keyring
	Log            *slog.Logger
}

// Server is the HTTP and WebSocket boundary.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// NewServer assembles the API server over wired components.
func NewServer(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, log: log.With("component", "api")}
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	mux.HandleFunc("POST /cases", s.handleCreateCase)
	mux.HandleFunc("GET /cases", s.handleListCases)
	mux.HandleFunc("GET /cases/{uid}", s.handleGetCase)
	mux.HandleFunc("GET /cases/{uid}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("GET /cases/{uid}/hypotheses", s.handleListHypotheses)
	mux.HandleFunc("GET /cases/{uid}/judgments", s.handleListJudgments)
	mux.HandleFunc("GET /cases/{uid}/actions", s.handleListActions)
	mux.HandleFunc("GET /cases/{uid}/tool_traces", s.handleListToolTraces)
	mux.HandleFunc("GET /cases/{uid}/audit/export", s.handleAuditExport)

	mux.HandleFunc("POST /cases/{uid}/fixtures/import", s.handleFixtureImport)
	mux.HandleFunc("POST /cases/{uid}/tools/archive_url", s.handleCaseArchiveURL)
	mux.HandleFunc("POST /cases/{uid}/pipelines/full_analysis", s.handleFullAnalysis)
	mux.HandleFunc("POST /cases/{uid}/pipelines/run_stage", s.handleRunStage)
	mux.HandleFunc("GET /cases/{uid}/pipelines/{run_id}/events", s.handlePipelineEvents)
	mux.HandleFunc("POST /cases/{uid}/analysis/multi_perspective", s.handleMultiPerspective)
	mux.HandleFunc("POST /cases/{uid}/analysis/chat", s.handleChat)
	mux.HandleFunc("POST /cases/{uid}/quality/score_judgment", s.handleScoreJudgment)
	mux.HandleFunc("POST /cases/{uid}/investigations", s.handleStartInvestigation)
	mux.HandleFunc("POST /cases/{uid}/investigations/{inv}/cancel", s.handleCancelInvestigation)

	mux.HandleFunc("GET /artifacts/versions/{uid}", s.handleGetArtifactVersion)
	mux.HandleFunc("GET /evidence/{uid}", s.handleGetEvidence)
	mux.HandleFunc("GET /source_claims/{uid}", s.handleGetSourceClaim)
	mux.HandleFunc("GET /assertions/{uid}", s.handleGetAssertion)
	mux.HandleFunc("POST /assertions/{uid}/feedback", s.handleAssertionFeedback)
	mux.HandleFunc("GET /judgments/{uid}", s.handleGetJudgment)
	mux.HandleFunc("GET /tool_traces/{uid}", s.handleGetToolTrace)

	mux.HandleFunc("POST /tools/meta_search", s.handleToolMetaSearch)
	mux.HandleFunc("POST /tools/archive_url", s.handleToolArchiveURL)
	mux.HandleFunc("POST /tools/doc_parse", s.handleToolDocParse)

	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = AuthMiddleware(NewJWTValidator(s.cfg.JWTSecret))(h)
	if s.cfg.RateRPS > 0 {
		h = NewGlobalRateLimiter(s.cfg.RateRPS, s.cfg.RateBurst).Middleware(h)
	}
	h = RequestIDMiddleware(h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DB().PingContext(r.Context()); err != nil {
		WriteFault(w, r, faults.Wrap(faults.CodeInternal, "database unreachable", err))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeLookupErr maps store sentinel errors onto the fault taxonomy
// before writing the problem response.
func writeLookupErr(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		err = faults.Newf(faults.CodeNotFound, "%s not found", what)
	}
	WriteFault(w, r, err)
}
