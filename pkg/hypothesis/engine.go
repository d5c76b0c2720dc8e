// Package hypothesis generates and analyzes competing hypotheses over a
// case's assertions. LLM output is parsed and validated, never trusted
// for numeric confidence; when the model fails or returns nothing the
// engine falls back to deterministic archetypes so a case always has a
// hypothesis set to reason over.
package hypothesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

// StructuredGenerator is the slice of the model router the engine needs.
type StructuredGenerator interface {
	GenerateStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, estimateTokens int64) (json.RawMessage, *llm.RouteResult, error)
}

// Engine runs hypothesis generation and analysis.
type Engine struct {
	gen StructuredGenerator
	log *slog.Logger

	generateSchema *jsonschema.Schema
	analyzeSchema  *jsonschema.Schema
}

// NewEngine compiles the output schemas once.
func NewEngine(gen StructuredGenerator, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	gs, err := llm.CompileSchema("hypothesis_generate.json", []byte(generateSchemaJSON))
	if err != nil {
		return nil, err
	}
	as, err := llm.CompileSchema("hypothesis_analyze.json", []byte(analyzeSchemaJSON))
	if err != nil {
		return nil, err
	}
	return &Engine{gen: gen, log: log, generateSchema: gs, analyzeSchema: as}, nil
}

const generateSchemaJSON = `{
	"type": "object",
	"required": ["hypotheses"],
	"properties": {
		"hypotheses": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["label", "statement"],
				"properties": {
					"label": {"type": "string"},
					"statement": {"type": "string"}
				}
			}
		}
	}
}`

const analyzeSchemaJSON = `{
	"type": "object",
	"required": ["assessments"],
	"properties": {
		"assessments": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["assertion_uid", "relation", "strength"],
				"properties": {
					"assertion_uid": {"type": "string"},
					"relation": {"type": "string", "enum": ["support", "contradict", "irrelevant"]},
					"strength": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`

// GenerateResult is the hypothesis set plus provenance for the Action
// outputs document.
type GenerateResult struct {
	Hypotheses []model.Hypothesis `json:"hypotheses"`
	Fallback   bool               `json:"fallback"`
	ModelUsed  string             `json:"model_used,omitempty"`
}

// Generate proposes competing hypotheses for a case from its assertion
// texts. Never returns an empty set: LLM failure, degradation, or an
// empty parse all fall back to the three deterministic archetypes.
func (e *Engine) Generate(ctx context.Context, caseUID, topic string, assertions []model.Assertion) (*GenerateResult, error) {
	prompt := buildGeneratePrompt(topic, assertions)

	doc, route, err := e.gen.GenerateStructured(ctx, prompt, e.generateSchema, 2048)
	if err != nil || route == nil || route.Degraded != nil {
		if err != nil {
			e.log.Warn("hypothesis generation failed, using archetype fallback", "case_uid", caseUID, "error", err)
		} else {
			e.log.Warn("hypothesis generation degraded, using archetype fallback", "case_uid", caseUID)
		}
		return &GenerateResult{Hypotheses: archetypes(caseUID, topic), Fallback: true}, nil
	}

	var parsed struct {
		Hypotheses []struct {
			Label     string `json:"label"`
			Statement string `json:"statement"`
		} `json:"hypotheses"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil || len(parsed.Hypotheses) == 0 {
		e.log.Warn("hypothesis generation returned empty set, using archetype fallback", "case_uid", caseUID)
		return &GenerateResult{Hypotheses: archetypes(caseUID, topic), Fallback: true}, nil
	}

	now := time.Now().UTC()
	out := make([]model.Hypothesis, 0, len(parsed.Hypotheses))
	for _, h := range parsed.Hypotheses {
		if strings.TrimSpace(h.Statement) == "" {
			continue
		}
		out = append(out, model.Hypothesis{
			UID:       model.NewUID(model.KindHypothesis),
			CaseUID:   caseUID,
			Label:     h.Label,
			Statement: h.Statement,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if len(out) == 0 {
		return &GenerateResult{Hypotheses: archetypes(caseUID, topic), Fallback: true}, nil
	}

	var modelUsed string
	if route != nil {
		modelUsed = route.ModelUsed
	}
	return &GenerateResult{Hypotheses: out, ModelUsed: modelUsed}, nil
}

// archetypes is the deterministic fallback set: continuation,
// escalation, de-escalation.
func archetypes(caseUID, topic string) []model.Hypothesis {
	now := time.Now().UTC()
	specs := []struct{ label, statement string }{
		{"H1", fmt.Sprintf("The situation regarding %s continues along its current trajectory without material change.", topic)},
		{"H2", fmt.Sprintf("The situation regarding %s escalates significantly beyond its current state.", topic)},
		{"H3", fmt.Sprintf("The situation regarding %s de-escalates or resolves.", topic)},
	}
	out := make([]model.Hypothesis, 0, len(specs))
	for _, s := range specs {
		out = append(out, model.Hypothesis{
			UID:       model.NewUID(model.KindHypothesis),
			CaseUID:   caseUID,
			Label:     s.label,
			Statement: s.statement,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return out
}

func buildGeneratePrompt(topic string, assertions []model.Assertion) string {
	var b strings.Builder
	b.WriteString("Propose 3 to 5 mutually exclusive hypotheses explaining the evidence below")
	if topic != "" {
		b.WriteString(" about: ")
		b.WriteString(topic)
	}
	b.WriteString(".\nEvidence assertions:\n")
	for _, a := range assertions {
		b.WriteString("- ")
		b.WriteString(a.Text)
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with JSON: {\"hypotheses\": [{\"label\": \"H1\", \"statement\": \"...\"}]}")
	return b.String()
}
