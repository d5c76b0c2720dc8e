package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "veriscope", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NotNil(t, p.SLOs())
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "ingest.artifact",
		attribute.String("case.uid", "case_1"))
	require.NotNil(t, ctx)

	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackOperation(context.Background(), "broker.fetch")
	finish(errors.New("upstream unreachable"))
}

func TestRecordMetricsDisabledNoPanic(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordRequest(ctx, attribute.String("class", "cases"))
	p.RecordError(ctx, errors.New("boom"), attribute.String("class", "cases"))
	p.RecordDuration(ctx, 100*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestHTTPMiddlewareFeedsSLOTracker(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	handler := p.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/cases/case_1/tools/archive_url" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/cases", "/cases/case_1", "/cases/case_1/tools/archive_url"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	cases, err := p.SLOs().Status("cases")
	require.NoError(t, err)
	require.Equal(t, 2, cases.ObservationCount)
	require.Equal(t, 1.0, cases.CurrentSuccess)

	tools, err := p.SLOs().Status("tools")
	require.NoError(t, err)
	require.Equal(t, 1, tools.ObservationCount)
	require.Equal(t, 0.0, tools.CurrentSuccess)
	require.False(t, tools.InCompliance)
}

func TestRequestClass(t *testing.T) {
	require.Equal(t, "health", RequestClass("/healthz"))
	require.Equal(t, "tools", RequestClass("/tools/meta_search"))
	require.Equal(t, "tools", RequestClass("/cases/case_1/tools/archive_url"))
	require.Equal(t, "pipelines", RequestClass("/cases/case_1/pipelines/full_analysis"))
	require.Equal(t, "analysis", RequestClass("/cases/case_1/analysis/chat"))
	require.Equal(t, "investigations", RequestClass("/cases/case_1/investigations"))
	require.Equal(t, "fixtures", RequestClass("/cases/case_1/fixtures/import"))
	require.Equal(t, "ws", RequestClass("/ws"))
	require.Equal(t, "cases", RequestClass("/cases/case_1/hypotheses"))
}
