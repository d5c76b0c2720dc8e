// Command veriscoped is the veriscope daemon: it wires the stores, the
// policy-gated tool broker, the analysis engines, and the HTTP/WebSocket
// API into one process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/api"
	"github.com/veriscope-labs/veriscope/pkg/artifacts"
	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/broker"
	"github.com/veriscope-labs/veriscope/pkg/bus"
	"github.com/veriscope-labs/veriscope/pkg/config"
	"github.com/veriscope-labs/veriscope/pkg/fixtures"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/investigation"
	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/notify"
	"github.com/veriscope-labs/veriscope/pkg/observability"
	"github.com/veriscope-labs/veriscope/pkg/pipeline"
	"github.com/veriscope-labs/veriscope/pkg/policy"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

// app holds every wired component; nothing lives in package globals.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	obs      *observability.Provider
	store    *store.Store
	audit    *store.AuditStore
	bus      *bus.Bus
	tracker  *pipeline.Tracker
	server   *http.Server
	shutdown []func(context.Context) error
}

func run() error {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go a.obs.LogBurningSLOs(ctx, time.Minute)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutCtx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}
	// Async event handlers and pipeline watchers drain before the
	// stores close under them.
	a.bus.Drain()
	a.tracker.Close()
	for _, fn := range a.shutdown {
		if err := fn(shutCtx); err != nil {
			log.Error("component shutdown failed", "error", err)
		}
	}
	return nil
}

func wire(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  "veriscope",
		Environment:  environment(cfg),
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     cfg.DevMode(),
	})
	if err != nil {
		return nil, err
	}
	a.obs = obs
	a.shutdown = append(a.shutdown, obs.Shutdown)

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.shutdown = append(a.shutdown, func(context.Context) error { return s.Close() })
	a.audit = store.NewAuditStore(s)

	recorder, err := buildRecorder(ctx, cfg, a.audit, a)
	if err != nil {
		return nil, err
	}

	blobs, err := artifacts.NewStore(ctx, artifacts.FactoryConfig{
		Backend:  artifacts.Backend(cfg.ObjectStoreBackend),
		BaseDir:  cfg.ObjectStoreDir,
		Bucket:   cfg.ObjectStoreBucket,
		Region:   cfg.ObjectStoreRegion,
		Endpoint: cfg.ObjectStoreEndpoint,
	})
	if err != nil {
		return nil, err
	}

	var limiter policy.LimiterStore
	if cfg.RedisAddr != "" {
		limiter = policy.NewRedisLimiterStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	pol, err := policy.NewEngine(policy.Config{
		AllowedHosts: cfg.AllowedHosts,
		MinInterval:  cfg.ToolMinInterval,
	}, limiter, log)
	if err != nil {
		return nil, err
	}
	if cfg.DevMode() {
		log.Warn("tool host allowlist is empty: every outbound host is admitted (dev mode)")
	}

	gen := buildModelRouter(cfg, log)

	var embedder store.Embedder
	var vectors store.VectorStore
	if cfg.VectorEndpoint != "" {
		embedder = store.NewHTTPEmbedder(cfg.VectorEndpoint, cfg.LLMAPIKey, "")
		vectors = store.NewMemoryVectorStore()
	}

	ingester := ingest.NewIngestor(s, blobs, embedder, vectors, log)

	var cache broker.Cache
	if cfg.RedisAddr != "" {
		cache = broker.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		cache = broker.NewMemoryCache()
	}
	brk := broker.New(broker.Config{
		SearchURL: cfg.SearchURL,
		CacheTTL:  cfg.CacheTTL,
	}, pol, recorder, cache, ingest.NewRegistry(), embedder, gen, log)

	engine, err := hypothesis.NewEngine(gen, log)
	if err != nil {
		return nil, err
	}

	a.bus = bus.New(log)
	a.tracker = pipeline.NewTracker()
	runner := pipeline.NewRunner(pipeline.NewRegistry(), store.NewCheckpointStore(s), a.tracker, pipeline.Deps{
		Store:     s,
		Audit:     recorder,
		Engine:    engine,
		Collector: brk,
		Ingester:  ingester,
		Graph:     store.NewMemoryGraphStore(),
		Bus:       a.bus,
		Log:       log,
	}, log)

	investigations := investigation.New(s, engine, brk, ingester, a.bus, log)

	hub := notify.NewHub(s, log)
	a.bus.On("*", "notify-hub", func(ctx context.Context, ev bus.Event) error {
		hub.Broadcast(ctx, notify.Notification{
			Kind:    ev.Type,
			CaseUID: ev.CaseUID,
			Title:   ev.Type,
		})
		return nil
	})

	var keyring *audit.Keyring
	if cfg.AuditExportKey != "" {
		keyring, err = audit.NewKeyring([]byte(cfg.AuditExportKey))
		if err != nil {
			return nil, err
		}
	}

	srv := api.NewServer(api.Config{
		JWTSecret: []byte(cfg.JWTSecret),
		RateRPS:   cfg.RateRPS,
		RateBurst: cfg.RateBurst,
	}, api.Deps{
		Store:          s,
		Audit:          a.audit,
		Blobs:          blobs,
		Broker:         brk,
		Ingester:       ingester,
		Engine:         engine,
		Pipelines:      runner,
		Investigations: investigations,
		Hub:            hub,
		Fixtures:       fixtures.NewLoader(s, ingester, log),
		Keyring:        keyring,
		Log:            log,
	})
	if cfg.JWTSecret == "" {
		log.Warn("JWT secret is empty: requests run as the dev principal")
	}

	a.server = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(srv.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// buildRecorder layers the optional postgres mirror and JSONL sink
// behind the canonical sqlite ledger.
func buildRecorder(ctx context.Context, cfg *config.Config, primary *store.AuditStore, a *app) (audit.Recorder, error) {
	rec := &fanoutRecorder{primary: primary, log: a.log.With("component", "audit")}

	if cfg.AuditDatabaseURL != "" {
		db, err := store.OpenPostgres(cfg.AuditDatabaseURL)
		if err != nil {
			return nil, err
		}
		pg := store.NewPostgresAuditStore(db)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		rec.mirrors = append(rec.mirrors, pg)
		a.shutdown = append(a.shutdown, func(context.Context) error { return db.Close() })
	}
	if cfg.AuditDir != "" {
		sink, err := audit.NewJSONLSink(cfg.AuditDir)
		if err != nil {
			return nil, err
		}
		rec.sink = sink
		a.shutdown = append(a.shutdown, func(context.Context) error { return sink.Close() })
	}
	return rec, nil
}

// fanoutRecorder writes to the canonical store first; mirror and sink
// failures are logged, never surfaced, so secondary sinks cannot fail
// a business write.
type fanoutRecorder struct {
	primary *store.AuditStore
	mirrors []audit.Recorder
	sink    *audit.JSONLSink
	log     *slog.Logger
}

func (f *fanoutRecorder) RecordAction(ctx context.Context, a *model.Action) (string, error) {
	uid, err := f.primary.RecordAction(ctx, a)
	if err != nil {
		return "", err
	}
	for _, m := range f.mirrors {
		if _, err := m.RecordAction(ctx, a); err != nil {
			f.log.WarnContext(ctx, "audit mirror write failed", "action_uid", uid, "error", err)
		}
	}
	if f.sink != nil {
		if err := f.sink.Persist(a); err != nil {
			f.log.WarnContext(ctx, "audit sink write failed", "action_uid", uid, "error", err)
		}
	}
	return uid, nil
}

func (f *fanoutRecorder) RecordToolTrace(ctx context.Context, tt *model.ToolTrace) (string, error) {
	uid, err := f.primary.RecordToolTrace(ctx, tt)
	if err != nil {
		return "", err
	}
	for _, m := range f.mirrors {
		if _, err := m.RecordToolTrace(ctx, tt); err != nil {
			f.log.WarnContext(ctx, "audit mirror write failed", "trace_uid", uid, "error", err)
		}
	}
	if f.sink != nil {
		if err := f.sink.Persist(tt); err != nil {
			f.log.WarnContext(ctx, "audit sink write failed", "trace_uid", uid, "error", err)
		}
	}
	return uid, nil
}

func buildModelRouter(cfg *config.Config, log *slog.Logger) llm.StructuredClient {
	primary := llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.DefaultModel,
	})
	var fallback llm.Client
	if cfg.FallbackModel != "" {
		fallback = llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL: cfg.LLMBaseURL,
			APIKey:  cfg.LLMAPIKey,
			Model:   cfg.FallbackModel,
		})
	}
	var budget *policy.Budget
	if cfg.BudgetTokens > 0 || cfg.BudgetCents > 0 {
		budget = policy.NewBudget(int64(cfg.BudgetTokens), int64(cfg.BudgetCents), cfg.FallbackModel)
	}
	return llm.NewRouter(llm.RouterConfig{
		Primary:       primary,
		Fallback:      fallback,
		PrimaryModel:  cfg.DefaultModel,
		FallbackModel: cfg.FallbackModel,
		Budget:        budget,
		Logger:        log,
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func environment(cfg *config.Config) string {
	if cfg.DevMode() {
		return "development"
	}
	return "production"
}
