// Package fixtures loads named fixture bundles: self-contained document
// sets with pre-extracted assertions that drive the full ingest and
// analysis path offline.
package fixtures

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veriscope-labs/veriscope/pkg/audit"
	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/ingest"
	"github.com/veriscope-labs/veriscope/pkg/model"
	"github.com/veriscope-labs/veriscope/pkg/pipeline"
	"github.com/veriscope-labs/veriscope/pkg/store"
)

//go:embed bundles/*.yaml
var bundleFS embed.FS

// Document is one artifact in a bundle.
type Document struct {
	Title    string `yaml:"title"`
	URL      string `yaml:"url"`
	MimeType string `yaml:"mime_type"`
	Content  string `yaml:"content"`
}

// AssertionSpec is a pre-extracted assertion. Quote grounds it onto the
// source claim containing that text.
type AssertionSpec struct {
	Kind       string  `yaml:"kind"`
	Text       string  `yaml:"text"`
	Quote      string  `yaml:"quote"`
	Subject    string  `yaml:"subject"`
	Predicate  string  `yaml:"predicate"`
	Object     string  `yaml:"object"`
	Source     string  `yaml:"source"`
	Relation   string  `yaml:"relation"`
	Target     string  `yaml:"target"`
	Confidence float64 `yaml:"confidence"`
}

// Bundle is a named, self-contained fixture.
type Bundle struct {
	Name       string          `yaml:"name"`
	Topic      string          `yaml:"topic"`
	Documents  []Document      `yaml:"documents"`
	Assertions []AssertionSpec `yaml:"assertions"`
}

// Report summarizes an imported bundle, including the regression rates
// checked by offline test runs.
type Report struct {
	Bundle             string  `json:"bundle"`
	Topic              string  `json:"topic"`
	Documents          int     `json:"documents"`
	Chunks             int     `json:"chunks"`
	Claims             int     `json:"claims"`
	Assertions         int     `json:"assertions"`
	AnchorLocateRate   float64 `json:"anchor_locate_rate"`
	ClaimGroundingRate float64 `json:"claim_grounding_rate"`
}

// Loader imports bundles through the real ingest path.
type Loader struct {
	store    *store.Store
	ingester pipeline.Ingester
	log      *slog.Logger
}

// NewLoader wires a loader over the store and ingest path.
func NewLoader(s *store.Store, ing pipeline.Ingester, log *slog.Logger) *Loader {
	if log == nil {
		log = slog.Default()
	}
	return &Loader{store: s, ingester: ing, log: log.With("component", "fixtures")}
}

// Names lists the embedded bundle names.
func Names() []string {
	entries, err := bundleFS.ReadDir("bundles")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// Load parses an embedded bundle by name.
func Load(name string) (*Bundle, error) {
	raw, err := bundleFS.ReadFile("bundles/" + name + ".yaml")
	if err != nil {
		return nil, faults.Newf(faults.CodeNotFound, "fixture bundle %q not found", name)
	}
	var b Bundle
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return nil, faults.Wrap(faults.CodeValidation, "fixture bundle parse failed", err)
	}
	if b.Name == "" || len(b.Documents) == 0 {
		return nil, faults.New(faults.CodeValidation, "fixture bundle needs a name and documents")
	}
	return &b, nil
}

// Import ingests every document of the named bundle into the case, then
// persists the bundle's assertions grounded onto the extracted claims.
func (l *Loader) Import(ctx context.Context, caseUID, name, actorID string) (*Report, error) {
	b, err := Load(name)
	if err != nil {
		return nil, err
	}
	if l.ingester == nil {
		return nil, faults.New(faults.CodeValidation, "fixture import needs an ingester")
	}

	report := &Report{Bundle: b.Name, Topic: b.Topic, Documents: len(b.Documents)}
	textByVersion := make(map[string]string, len(b.Documents))

	for _, doc := range b.Documents {
		mime := doc.MimeType
		if mime == "" {
			mime = "text/plain"
		}
		res, err := l.ingester.Ingest(ctx, &ingest.Request{
			CaseUID:      caseUID,
			CanonicalURL: doc.URL,
			Kind:         "web",
			MimeType:     mime,
			Data:         []byte(doc.Content),
			ActorID:      actorID,
			Rationale:    "fixture import " + b.Name,
			SourceMeta:   map[string]string{"fixture": b.Name, "title": doc.Title},
		})
		if err != nil {
			return nil, fmt.Errorf("fixtures: ingesting %s: %w", doc.URL, err)
		}
		report.Chunks += res.ChunkCount
		report.Claims += res.ClaimCount
		textByVersion[res.ArtifactVersionUID] = ingest.Normalize(doc.Content)
	}

	claims, err := l.store.ListSourceClaims(ctx, caseUID)
	if err != nil {
		return nil, err
	}

	if err := l.importAssertions(ctx, caseUID, actorID, b, claims, report); err != nil {
		return nil, err
	}

	report.AnchorLocateRate = l.anchorLocateRate(ctx, textByVersion)
	l.log.Info("fixture imported",
		"bundle", b.Name, "case_uid", caseUID,
		"claims", report.Claims, "assertions", report.Assertions,
		"anchor_locate_rate", report.AnchorLocateRate,
		"claim_grounding_rate", report.ClaimGroundingRate)
	return report, nil
}

func (l *Loader) importAssertions(ctx context.Context, caseUID, actorID string, b *Bundle, claims []model.SourceClaim, report *Report) error {
	if len(b.Assertions) == 0 {
		return nil
	}
	now := time.Now().UTC()
	grounded := 0

	action, err := audit.NewAction(ctx, caseUID, "fixture.import", actorID, "fixture bundle "+b.Name, map[string]any{"bundle": b.Name})
	if err != nil {
		return err
	}
	_, err = l.store.WithAction(ctx, action, func(tx *sql.Tx) (any, error) {
		for _, spec := range b.Assertions {
			a := &model.Assertion{
				UID:             model.NewUID(model.KindAssertion),
				CaseUID:         caseUID,
				Value:           specValue(spec),
				Text:            spec.Text,
				SourceClaimUIDs: groundOnClaims(spec.Quote, claims),
				Confidence:      spec.Confidence,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := a.Value.Validate(); err != nil {
				return nil, faults.Wrap(faults.CodeValidation, "fixture assertion invalid", err)
			}
			if err := store.InsertAssertion(ctx, tx, a); err != nil {
				return nil, err
			}
			report.Assertions++
			if len(a.SourceClaimUIDs) > 0 {
				grounded++
			}
		}
		return map[string]any{"assertions": report.Assertions, "grounded": grounded}, nil
	})
	if err != nil {
		return err
	}
	if report.Assertions > 0 {
		report.ClaimGroundingRate = float64(grounded) / float64(report.Assertions)
	}
	return nil
}

// groundOnClaims resolves the claims whose quote contains, or is
// contained in, the spec quote.
func groundOnClaims(quote string, claims []model.SourceClaim) []string {
	if quote == "" {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(quote))
	var uids []string
	for _, c := range claims {
		cq := strings.ToLower(c.Quote)
		if strings.Contains(cq, q) || strings.Contains(q, cq) {
			uids = append(uids, c.UID)
		}
	}
	return uids
}

func specValue(spec AssertionSpec) model.AssertionValue {
	switch model.AssertionKind(spec.Kind) {
	case model.AssertionRelational:
		return model.AssertionValue{Kind: model.AssertionRelational, Relational: &model.RelationalValue{Source: spec.Source, Relation: spec.Relation, Target: spec.Target}}
	case model.AssertionTemporal:
		return model.AssertionValue{Kind: model.AssertionTemporal, Temporal: &model.TemporalValue{Event: spec.Text}}
	default:
		return model.AssertionValue{Kind: model.AssertionFactual, Factual: &model.FactualValue{Subject: spec.Subject, Predicate: spec.Predicate, Object: spec.Object}}
	}
}

// anchorLocateRate relocates every chunk's anchors against its source
// text and reports the share that any strategy still locates.
func (l *Loader) anchorLocateRate(ctx context.Context, textByVersion map[string]string) float64 {
	total, located := 0, 0
	for versionUID, text := range textByVersion {
		chunks, err := l.store.ListChunks(ctx, versionUID)
		if err != nil {
			l.log.Warn("anchor check skipped", "artifact_version_uid", versionUID, "error", err)
			continue
		}
		for _, ch := range chunks {
			total++
			if _, _, health := ingest.Relocate(ch.Anchors, text); health.ExactQuote || health.OffsetWindow || health.Fuzzy {
				located++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(located) / float64(total)
}
