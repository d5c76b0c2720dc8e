// Package config loads the daemon configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds daemon configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabasePath is the SQLite file (":memory:" for ephemeral).
	DatabasePath string
	// AuditDatabaseURL optionally mirrors the audit ledger to Postgres.
	AuditDatabaseURL string
	// AuditDir receives append-only JSONL trace files.
	AuditDir string

	// Object store for raw artifact bytes.
	ObjectStoreBackend  string // file | s3 | gcs
	ObjectStoreDir      string
	ObjectStoreBucket   string
	ObjectStoreRegion   string
	ObjectStoreEndpoint string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	VectorEndpoint string

	LLMBaseURL    string
	LLMAPIKey     string
	DefaultModel  string
	FallbackModel string
	// BudgetTokens / BudgetCents cap model spend per process; zero
	// means unmetered.
	BudgetTokens int
	BudgetCents  int

	SearchURL string

	// AllowedHosts is the outbound tool allowlist. Empty means dev mode.
	AllowedHosts []string
	// ToolMinInterval is the default minimum interval per (tool, host).
	ToolMinInterval time.Duration
	// CacheTTL bounds broker response cache entries.
	CacheTTL time.Duration

	JWTSecret    string
	RateRPS      int
	RateBurst    int
	OTLPEndpoint string
	// AuditExportKey is the master secret for signing audit export
	// bundles. Empty disables the export endpoint.
	AuditExportKey string
}

// Load reads configuration from environment variables, applying
// development defaults for anything unset.
func Load() *Config {
	return &Config{
		Port:     envStr("PORT", "8080"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),

		DatabasePath:     envStr("DATABASE_PATH", "veriscope.db"),
		AuditDatabaseURL: os.Getenv("AUDIT_DATABASE_URL"),
		AuditDir:         envStr("AUDIT_DIR", "audit"),

		ObjectStoreBackend:  envStr("OBJECT_STORE_BACKEND", "file"),
		ObjectStoreDir:      envStr("OBJECT_STORE_DIR", "artifacts"),
		ObjectStoreBucket:   os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreRegion:   os.Getenv("OBJECT_STORE_REGION"),
		ObjectStoreEndpoint: os.Getenv("OBJECT_STORE_ENDPOINT"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		VectorEndpoint: os.Getenv("VECTOR_ENDPOINT"),

		LLMBaseURL:    os.Getenv("LLM_BASE_URL"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		DefaultModel:  envStr("LLM_DEFAULT_MODEL", "gpt-4o-mini"),
		FallbackModel: os.Getenv("LLM_FALLBACK_MODEL"),
		BudgetTokens:  envInt("LLM_BUDGET_TOKENS", 0),
		BudgetCents:   envInt("LLM_BUDGET_CENTS", 0),

		SearchURL: os.Getenv("SEARCH_URL"),

		AllowedHosts:    envList("ALLOWED_TOOL_HOSTS"),
		ToolMinInterval: envDuration("TOOL_MIN_INTERVAL", 0),
		CacheTTL:        envDuration("CACHE_TTL", 15*time.Minute),

		JWTSecret:    os.Getenv("JWT_SECRET"),
		RateRPS:      envInt("RATE_RPS", 0),
		RateBurst:    envInt("RATE_BURST", 20),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AuditExportKey: os.Getenv("AUDIT_EXPORT_KEY"),
	}
}

// DevMode reports whether the outbound allowlist is empty.
func (c *Config) DevMode() bool { return len(c.AllowedHosts) == 0 }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
