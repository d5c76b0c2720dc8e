package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/faults"
	"github.com/veriscope-labs/veriscope/pkg/policy"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "test-model",
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30},
		})
	}))
}

func TestOpenAIClientChat(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "hello")
	defer srv.Close()

	c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Model: "test-model"})
	resp, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, int64(30), resp.Usage.TotalTokens)
}

func TestOpenAIClientFaultMapping(t *testing.T) {
	cases := []struct {
		status int
		code   faults.Code
	}{
		{http.StatusTooManyRequests, faults.CodeRateLimited},
		{http.StatusInternalServerError, faults.CodeModelUnavailable},
		{http.StatusBadRequest, faults.CodeGatewayError},
	}
	for _, tc := range cases {
		srv := completionServer(t, tc.status, "")
		c := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL, Model: "m"})
		_, err := c.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
		srv.Close()
		require.Error(t, err)
		assert.Equal(t, tc.code, faults.CodeOf(err), "status %d", tc.status)
	}
}

func TestOpenAIClientRejectsEmptyMessages(t *testing.T) {
	c := NewOpenAIClient(OpenAIConfig{BaseURL: "http://localhost:1", Model: "m"})
	_, err := c.Chat(context.Background(), &ChatRequest{})
	require.Error(t, err)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}

type scriptedClient struct {
	calls atomic.Int64
	fn    func(call int64) (*Response, error)
}

func (s *scriptedClient) Chat(_ context.Context, _ *ChatRequest) (*Response, error) {
	return s.fn(s.calls.Add(1))
}

func TestRouterBudgetDegrades(t *testing.T) {
	budget := policy.NewBudget(100, 1000, "small-model")
	r := NewRouter(RouterConfig{
		Primary:      &scriptedClient{fn: func(int64) (*Response, error) { return &Response{Content: "ok"}, nil }},
		PrimaryModel: "big-model",
		Budget:       budget,
	})

	res, err := r.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}}, 1000)
	require.NoError(t, err)
	require.NotNil(t, res.Degraded)
	assert.Equal(t, policy.DegradedBudgetExceeded, res.Degraded.Reason)
	assert.Equal(t, "small-model", res.Degraded.FallbackModel)
}

func TestRouterRetriesRetryableOnce(t *testing.T) {
	primary := &scriptedClient{fn: func(call int64) (*Response, error) {
		if call == 1 {
			return nil, faults.New(faults.CodeRateLimited, "busy")
		}
		return &Response{Content: "second try", Usage: Usage{TotalTokens: 5}}, nil
	}}
	r := NewRouter(RouterConfig{Primary: primary, PrimaryModel: "p"})

	res, err := r.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}}, 10)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "second try", res.Response.Content)
	assert.Equal(t, int64(2), primary.calls.Load())
}

func TestRouterFallsBackThenDegrades(t *testing.T) {
	primary := &scriptedClient{fn: func(int64) (*Response, error) {
		return nil, faults.New(faults.CodeModelUnavailable, "down")
	}}
	fallback := &scriptedClient{fn: func(int64) (*Response, error) {
		return &Response{Content: "fallback answer"}, nil
	}}
	r := NewRouter(RouterConfig{Primary: primary, Fallback: fallback, PrimaryModel: "p", FallbackModel: "f"})

	res, err := r.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}}, 10)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, "f", res.ModelUsed)

	// Both down: degraded with UPSTREAM_ERROR.
	broken := &scriptedClient{fn: func(int64) (*Response, error) { return nil, errors.New("dead") }}
	r2 := NewRouter(RouterConfig{Primary: broken, Fallback: broken, PrimaryModel: "p", FallbackModel: "f"})
	res, err = r2.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}}, 10)
	require.NoError(t, err)
	require.NotNil(t, res.Degraded)
	assert.Equal(t, policy.DegradedUpstreamError, res.Degraded.Reason)
}

func TestRouterTimeoutMapsToTimeoutReason(t *testing.T) {
	primary := &scriptedClient{fn: func(int64) (*Response, error) {
		return nil, faults.New(faults.CodeTimeout, "deadline")
	}}
	r := NewRouter(RouterConfig{Primary: primary, PrimaryModel: "p"})
	res, err := r.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: "user", Content: "q"}}}, 10)
	require.NoError(t, err)
	require.NotNil(t, res.Degraded)
	assert.Equal(t, policy.DegradedTimeout, res.Degraded.Reason)
}

const testSchema = `{
	"type": "object",
	"required": ["label"],
	"properties": {"label": {"type": "string"}}
}`

func TestGenerateStructuredValidFirstTry(t *testing.T) {
	schema, err := CompileSchema("test.json", []byte(testSchema))
	require.NoError(t, err)

	primary := &scriptedClient{fn: func(int64) (*Response, error) {
		return &Response{Content: "```json\n{\"label\":\"H1\"}\n```"}, nil
	}}
	r := NewRouter(RouterConfig{Primary: primary, PrimaryModel: "p"})

	doc, res, err := r.GenerateStructured(context.Background(), "generate", schema, 10)
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.JSONEq(t, `{"label":"H1"}`, string(doc))
	assert.Equal(t, int64(1), primary.calls.Load())
}

func TestGenerateStructuredRepairRetry(t *testing.T) {
	schema, err := CompileSchema("test.json", []byte(testSchema))
	require.NoError(t, err)

	primary := &scriptedClient{fn: func(call int64) (*Response, error) {
		if call == 1 {
			return &Response{Content: `{"wrong":"shape"}`}, nil
		}
		return &Response{Content: `{"label":"repaired"}`}, nil
	}}
	r := NewRouter(RouterConfig{Primary: primary, PrimaryModel: "p"})

	doc, _, err := r.GenerateStructured(context.Background(), "generate", schema, 10)
	require.NoError(t, err)
	assert.JSONEq(t, `{"label":"repaired"}`, string(doc))
	assert.Equal(t, int64(2), primary.calls.Load())
}

func TestGenerateStructuredFailsAfterRepair(t *testing.T) {
	schema, err := CompileSchema("test.json", []byte(testSchema))
	require.NoError(t, err)

	primary := &scriptedClient{fn: func(int64) (*Response, error) {
		return &Response{Content: `not json at all`}, nil
	}}
	r := NewRouter(RouterConfig{Primary: primary, PrimaryModel: "p"})

	_, _, err = r.GenerateStructured(context.Background(), "generate", schema, 10)
	require.Error(t, err)
	assert.Equal(t, faults.CodeValidation, faults.CodeOf(err))
}
