package pipeline

import (
	"context"
	"log/slog"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/broker"
	"github.com/veriscope-labs/veriscope/pkg/bus"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/hypothesis"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

// Stage names.
const (
	StageHypothesisGenerate         = "hypothesis_generate"
	StageHypothesisAnalyze          = "hypothesis_analyze"
	StageHypothesisMultiPerspective = "hypothesis_multi_perspective"
	StageAssertionFuse              = "assertion_fuse"
	StageAdversarialEvaluate        = "adversarial_evaluate"
	StageNarrativeBuild             = "narrative_build"
	StageKGBuild                    = "kg_build"
	StageForecastGenerate           = "forecast_generate"
	StageQualityScore               = "quality_score"
	StageReportGenerate             = "report_generate"
	StageOSINTCollect               = "osint_collect"
)

// Collector is the slice of the broker the osint stage uses.
type Collector interface {
	MetaSearch(ctx context.Context, caseUID, actorID, query string) ([]broker.SearchResult, error)
	ArchiveURL(ctx context.Context, caseUID, actorID, rawURL string) (*broker.ArchiveResult, error)
}

// Ingester runs the ingest path for collected material.
type Ingester interface {
	Ingest(ctx context.Context, req *ingest.Request) (*ingest.Result, error)
}

// Deps are the shared handles stages operate through.
type Deps struct {
	Store     *store.Store
	Audit     audit.Recorder
	Engine    *hypothesis.Engine
	Collector Collector
	Ingester  Ingester
	Graph     store.GraphStore
	Bus       *bus.Bus
	Log       *slog.Logger
}

// StageContext is the mutable environment one stage runs in. State is a
// JSON-serializable bag carried across stages and checkpoints.
type StageContext struct {
	CaseUID string
	RunID   string
	ActorID string
	Config  map[string]any
	State   map[string]any
	Deps    Deps
}

// StageResult reports one stage execution.
type StageResult struct {
	Summary string         `json:"summary"`
	Skipped bool           `json:"skipped,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// StageFunc executes one stage.
type StageFunc func(ctx context.Context, sc *StageContext) (*StageResult, error)

// Registry maps stage names to implementations.
type Registry struct {
	stages map[string]StageFunc
}

// NewRegistry returns a registry preloaded with every built-in stage.
func NewRegistry() *Registry {
	r := &Registry{stages: make(map[string]StageFunc)}
	r.Register(StageHypothesisGenerate, stageHypothesisGenerate)
	r.Register(StageHypothesisAnalyze, stageHypothesisAnalyze)
	r.Register(StageHypothesisMultiPerspective, stageMultiPerspective)
	r.Register(StageAssertionFuse, stageAssertionFuse)
	r.Register(StageAdversarialEvaluate, stageAdversarialEvaluate)
	r.Register(StageNarrativeBuild, stageNarrativeBuild)
	r.Register(StageKGBuild, stageKGBuild)
	r.Register(StageForecastGenerate, stageForecastGenerate)
	r.Register(StageQualityScore, stageQualityScore)
	r.Register(StageReportGenerate, stageReportGenerate)
	r.Register(StageOSINTCollect, stageOSINTCollect)
	return r
}

// Register adds or replaces a stage implementation.
func (r *Registry) Register(name string, fn StageFunc) {
	r.stages[name] = fn
}

// Get resolves a stage by name.
func (r *Registry) Get(name string) (StageFunc, error) {
	fn, ok := r.stages[name]
	if !ok {
		return nil, faults.Newf(faults.CodeValidation, "pipeline: unknown stage %q", name)
	}
	return fn, nil
}

// configString reads a string stage option with a default.
func (sc *StageContext) configString(key, def string) string {
	if v, ok := sc.Config[key].(string); ok && v != "" {
		return v
	}
	return def
}

// configInt reads an integer stage option with a default. YAML decodes
// numbers as int; JSON as float64.
func (sc *StageContext) configInt(key string, def int) int {
	switch v := sc.Config[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

// stateString reads a string from the run state bag.
func (sc *StageContext) stateString(key string) string {
	v, _ := sc.State[key].(string)
	return v
}
