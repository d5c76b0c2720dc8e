package hypothesis

import (
	"context"
	"strings"

	"github.com/veriscope-labs/veriscope/pkg/model"
)

// DefaultPersonas are the analytic lenses used when the caller does not
// supply its own set.
var DefaultPersonas = []string{"skeptic", "advocate", "forecaster"}

// MultiPerspectiveResult merges per-persona generation runs.
type MultiPerspectiveResult struct {
	Hypotheses []model.Hypothesis `json:"hypotheses"`
	// FallbackPersonas lists personas whose run used the archetype
	// fallback.
	FallbackPersonas []string `json:"fallback_personas,omitempty"`
}

// MultiPerspective generates hypotheses once per persona and merges the
// results, tagging each hypothesis with its persona. Statements already
// seen (case-insensitive) are dropped on merge.
func (e *Engine) MultiPerspective(ctx context.Context, caseUID, topic string, assertions []model.Assertion, personas []string) (*MultiPerspectiveResult, error) {
	if len(personas) == 0 {
		personas = DefaultPersonas
	}

	out := &MultiPerspectiveResult{}
	seen := make(map[string]struct{})
	for _, persona := range personas {
		res, err := e.Generate(ctx, caseUID, topic+" (from the perspective of a "+persona+")", assertions)
		if err != nil {
			return nil, err
		}
		if res.Fallback {
			out.FallbackPersonas = append(out.FallbackPersonas, persona)
		}
		for _, h := range res.Hypotheses {
			key := normalizeStatement(h.Statement)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			h.Persona = persona
			out.Hypotheses = append(out.Hypotheses, h)
		}
	}

	e.log.Debug("multi-perspective generation merged",
		"case_uid", caseUID, "personas", len(personas), "hypotheses", len(out.Hypotheses))
	return out, nil
}

func normalizeStatement(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
