// Package llm is the model gateway: an OpenAI-compatible chat client, a
// budget- and fallback-aware router, and schema-validated structured
// generation. Model self-reported confidence is never trusted; callers
// take numeric confidence from the fusion layer only.
package llm

import (
	"context"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client executes one chat completion.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*Response, error)
}

// ChatRequest is a provider-independent completion request.
type ChatRequest struct {
	Messages       []Message        `json:"messages"`
	Options        *SamplingOptions `json:"options,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
	// ResponseJSON asks the provider for a JSON-object response where
	// supported.
	ResponseJSON bool `json:"response_json,omitempty"`
}

// SamplingOptions tune generation.
type SamplingOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
	Seed        int64   `json:"seed,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Response is one completion.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}
