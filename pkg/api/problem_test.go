package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriscope-labs/veriscope/pkg/faults"
)

func recordFault(t *testing.T, err error) (*httptest.ResponseRecorder, ProblemDetail) {
	t.Helper()
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/cases/case_1", nil)
	w.Header().Set("X-Request-ID", "req-123")
	WriteFault(w, r, err)

	require.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return w, p
}

func TestWriteFaultMapsTaxonomy(t *testing.T) {
	w, p := recordFault(t, faults.New(faults.CodePolicyDenied, "domain_not_allowed"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "policy_denied", p.ErrorCode)
	assert.Equal(t, "/cases/case_1", p.Instance)
	assert.Equal(t, "req-123", p.TraceID)
	assert.False(t, p.Retryable)
}

func TestWriteFaultRetryableGateway(t *testing.T) {
	w, p := recordFault(t, faults.New(faults.CodeGatewayError, "upstream 502"))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, p.Retryable)
}

func TestWriteFaultSanitizesInternal(t *testing.T) {
	w, p := recordFault(t, errors.New("pq: connection refused to host=10.0.0.1"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal", p.ErrorCode)
	assert.NotContains(t, p.Detail, "10.0.0.1")
}

func TestWriteFaultRateLimitedSetsRetryAfter(t *testing.T) {
	w, p := recordFault(t, faults.New(faults.CodeRateLimited, "min_interval_not_elapsed"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.True(t, p.Retryable)
}
