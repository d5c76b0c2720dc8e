package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

// DefaultTimeout bounds one completion round-trip.
const DefaultTimeout = 120 * time.Second

// OpenAIClient speaks the OpenAI-compatible /chat/completions endpoint.
// Any compatible server works via BaseURL.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// OpenAIConfig configures the client. BaseURL defaults to the OpenAI
// API; Timeout defaults to DefaultTimeout.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewOpenAIClient creates the client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model reports the configured model id.
func (c *OpenAIClient) Model() string { return c.model }

type openAIRequest struct {
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Temperature    float64          `json:"temperature,omitempty"`
	TopP           float64          `json:"top_p,omitempty"`
	Seed           int64            `json:"seed,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Chat executes one completion. Failures map onto the fault taxonomy so
// the router can decide retry vs fallback vs degrade.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, faults.New(faults.CodeValidation, "llm: messages must not be empty")
	}

	body := openAIRequest{Model: c.model, Messages: req.Messages}
	if req.Options != nil {
		body.Temperature = req.Options.Temperature
		body.TopP = req.Options.TopP
		body.Seed = req.Options.Seed
		body.MaxTokens = req.Options.MaxTokens
	}
	if req.ResponseJSON {
		body.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "llm: encoding request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, faults.Wrap(faults.CodeInternal, "llm: building request", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, faults.Wrap(faults.CodeTimeout, "llm: completion timed out", err)
		}
		return nil, faults.Wrap(faults.CodeGatewayError, "llm: completion request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.CodeRateLimited, "llm: provider rate limited")
	case resp.StatusCode >= 500:
		return nil, faults.Newf(faults.CodeModelUnavailable, "llm: provider returned %d", resp.StatusCode)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, faults.Newf(faults.CodeGatewayError, "llm: provider returned %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, faults.Wrap(faults.CodeGatewayError, "llm: decoding completion", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, faults.New(faults.CodeGatewayError, "llm: empty choices in completion")
	}

	return &Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage:   parsed.Usage,
	}, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
