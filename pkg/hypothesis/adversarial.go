package hypothesis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/llm"
	"github.com/veriscope-labs/veriscope/pkg/model"
)

const adversarialSchemaJSON = `{
	"type": "object",
	"required": ["challenges", "survived"],
	"properties": {
		"challenges": {"type": "array", "items": {"type": "string"}},
		"survived": {"type": "boolean"},
		"notes": {"type": "string"}
	}
}`

// AdversarialEvaluate stress-tests a hypothesis: the model is asked to
// attack it given its contradicting evidence. Model failure records
// tested=false rather than guessing an outcome.
func (e *Engine) AdversarialEvaluate(ctx context.Context, h *model.Hypothesis, contradicting []model.Assertion) (*model.AdversarialResult, error) {
	schema, err := llm.CompileSchema("hypothesis_adversarial.json", []byte(adversarialSchemaJSON))
	if err != nil {
		return nil, err
	}

	prompt := "Attack this hypothesis with the strongest counter-arguments and decide whether it survives.\nHypothesis: " + h.Statement + "\nContradicting evidence:\n"
	for _, a := range contradicting {
		prompt += "- " + a.Text + "\n"
	}
	prompt += "\nRespond with JSON: {\"challenges\": [\"...\"], \"survived\": true, \"notes\": \"...\"}"

	doc, route, err := e.gen.GenerateStructured(ctx, prompt, schema, 1024)
	if err != nil || route == nil || route.Degraded != nil {
		if err != nil {
			e.log.Warn("adversarial evaluation failed", "hypothesis_uid", h.UID, "error", err)
		}
		return &model.AdversarialResult{Tested: false}, nil
	}

	var parsed struct {
		Challenges []string `json:"challenges"`
		Survived   bool     `json:"survived"`
		Notes      string   `json:"notes"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return &model.AdversarialResult{Tested: false}, nil
	}

	result := &model.AdversarialResult{
		Tested:     true,
		Survived:   parsed.Survived,
		Challenges: parsed.Challenges,
		Notes:      parsed.Notes,
	}
	h.Adversarial = result
	h.UpdatedAt = time.Now().UTC()
	return result, nil
}
