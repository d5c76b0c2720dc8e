package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

// StructuredClient generates JSON documents validated against a schema.
type StructuredClient interface {
	GenerateStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, estimateTokens int64) (json.RawMessage, *RouteResult, error)
}

// CompileSchema compiles a raw JSON schema document.
func CompileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, fmt.Errorf("llm: adding schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("llm: compiling schema: %w", err)
	}
	return schema, nil
}

// GenerateStructured asks for a JSON object matching schema, validates,
// and retries once with the validation error appended as a repair
// instruction. A degraded route returns (nil, result, nil); callers
// inspect result.Degraded.
func (r *Router) GenerateStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, estimateTokens int64) (json.RawMessage, *RouteResult, error) {
	req := &ChatRequest{
		Messages:     []Message{{Role: "user", Content: prompt}},
		ResponseJSON: true,
	}

	result, err := r.Chat(ctx, req, estimateTokens)
	if err != nil {
		return nil, nil, err
	}
	if result.Degraded != nil {
		return nil, result, nil
	}

	doc, validationErr := validateJSON(result.Response.Content, schema)
	if validationErr == nil {
		return doc, result, nil
	}

	// One repair round: feed the validator output back.
	repair := &ChatRequest{
		Messages: []Message{
			{Role: "user", Content: prompt},
			{Role: "assistant", Content: result.Response.Content},
			{Role: "user", Content: "The previous response failed schema validation: " + validationErr.Error() +
				". Respond again with only a corrected JSON object."},
		},
		ResponseJSON: true,
	}
	result, err = r.Chat(ctx, repair, estimateTokens)
	if err != nil {
		return nil, nil, err
	}
	if result.Degraded != nil {
		return nil, result, nil
	}

	doc, validationErr = validateJSON(result.Response.Content, schema)
	if validationErr != nil {
		return nil, result, faults.Wrap(faults.CodeValidation, "llm: structured output failed validation after repair", validationErr)
	}
	return doc, result, nil
}

func validateJSON(content string, schema *jsonschema.Schema) (json.RawMessage, error) {
	content = stripFences(content)
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	if schema != nil {
		if err := schema.Validate(v); err != nil {
			return nil, err
		}
	}
	return json.RawMessage(content), nil
}

// stripFences tolerates models that wrap JSON in markdown code fences.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
