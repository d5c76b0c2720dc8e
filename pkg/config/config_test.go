package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "veriscope.db", cfg.DatabasePath)
	assert.Equal(t, "file", cfg.ObjectStoreBackend)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.True(t, cfg.DevMode())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ALLOWED_TOOL_HOSTS", "news.example, archive.example ,")
	t.Setenv("TOOL_MIN_INTERVAL", "2s")
	t.Setenv("RATE_RPS", "50")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, []string{"news.example", "archive.example"}, cfg.AllowedHosts)
	assert.Equal(t, 2*time.Second, cfg.ToolMinInterval)
	assert.Equal(t, 50, cfg.RateRPS)
	assert.False(t, cfg.DevMode())
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("RATE_RPS", "many")
	t.Setenv("CACHE_TTL", "soon")
	cfg := Load()
	assert.Equal(t, 0, cfg.RateRPS)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
}
