package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration for the toolgate engine.
type Config struct {
	Env            string
	Port           int
	GRPCHealthPort int
	Version        string
	LogLevel       string
	Timeouts       TimeoutConfig
	Registry       RegistryConfig
	Concurrency    ConcurrencyConfig
	Fallback       FallbackConfig
	Transport      TransportConfig
	Events         EventsConfig
	Telemetry      TelemetryConfig
	Auth           AuthConfig
	Upstream       UpstreamConfig
	Alerts         AlertsConfig
}

// TimeoutConfig carries the only two independently configurable timeouts.
// Every other layer is derived from Tool.
type TimeoutConfig struct {
	Tool time.Duration
	HTTP time.Duration
}

type RegistryConfig struct {
	// File is an optional YAML file overriding the built-in registry.
	File             string
	ProviderPriority []string
}

type ConcurrencyConfig struct {
	SessionLimit   int
	ProviderLimit  int
	ProviderLimits map[string]int // per-provider overrides
	GlobalLimit    int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	DedupTTL       time.Duration
	ErrorTTL       time.Duration
	SweepInterval  time.Duration
}

type FallbackConfig struct {
	CacheTTL time.Duration
}

// UpstreamConfig points at the MCP server that implements model-backed
// tools. When MCPURL is empty only the built-in direct tools execute.
type UpstreamConfig struct {
	MCPURL string
	APIKey string
}

// AlertsConfig lists webhooks told about provider health changes and
// durable-store circuit transitions.
type AlertsConfig struct {
	WebhookURLs []string
	Secret      string
}

type TransportConfig struct {
	OffloadThreshold int
	PrimaryLimit     int
	BreakerThreshold int
	BreakerWindow    time.Duration
	RecoveryTimeout  time.Duration
	RecordTTL        time.Duration
	Compression      string
	Backend          string // "memory", "redis" or "postgres"
	RedisURL         string
	PostgresURL      string
}

type EventsConfig struct {
	ClickHouseDSN string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	Insecure     bool
	SampleRatio  float64
}

type AuthConfig struct {
	// APIKeys guards /api/v1/*. Empty disables auth.
	APIKeys []string
}

// Load reads configuration from environment variables with sensible defaults.
// Outside production a local .env file is read first.
func Load() *Config {
	if os.Getenv("TOOLGATE_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			log.Debug().Msg("No .env file found, using process environment")
		}
	}

	toolTimeout := envDuration("TOOLGATE_TOOL_TIMEOUT", 60*time.Second)

	return &Config{
		Env:            envStr("TOOLGATE_ENV", "development"),
		Port:           envInt("TOOLGATE_PORT", 8080),
		GRPCHealthPort: envInt("TOOLGATE_GRPC_HEALTH_PORT", 0),
		Version:        envStr("TOOLGATE_VERSION", "0.1.0"),
		LogLevel:       envStr("TOOLGATE_LOG_LEVEL", "info"),
		Timeouts: TimeoutConfig{
			Tool: toolTimeout,
			HTTP: envDuration("TOOLGATE_HTTP_TIMEOUT", toolTimeout),
		},
		Registry: RegistryConfig{
			File:             envStr("TOOLGATE_REGISTRY_FILE", ""),
			ProviderPriority: envList("TOOLGATE_PROVIDER_PRIORITY"),
		},
		Concurrency: ConcurrencyConfig{
			SessionLimit:   envInt("TOOLGATE_SESSION_LIMIT", 4),
			ProviderLimit:  envInt("TOOLGATE_PROVIDER_LIMIT", 8),
			ProviderLimits: envIntMap("TOOLGATE_PROVIDER_LIMITS"),
			GlobalLimit:    envInt("TOOLGATE_GLOBAL_LIMIT", 32),
			AcquireTimeout: envDuration("TOOLGATE_ACQUIRE_TIMEOUT", 5*time.Second),
			IdleTimeout:    envDuration("TOOLGATE_SESSION_IDLE_TIMEOUT", 30*time.Minute),
			DedupTTL:       envDuration("TOOLGATE_DEDUP_TTL", time.Minute),
			ErrorTTL:       envDuration("TOOLGATE_DEDUP_ERROR_TTL", 2*time.Second),
			SweepInterval:  envDuration("TOOLGATE_SWEEP_INTERVAL", 30*time.Second),
		},
		Fallback: FallbackConfig{
			CacheTTL: envDuration("TOOLGATE_FALLBACK_CACHE_TTL", 4*time.Minute),
		},
		Transport: TransportConfig{
			OffloadThreshold: envInt("TOOLGATE_OFFLOAD_THRESHOLD", 1<<20),
			PrimaryLimit:     envInt("TOOLGATE_PRIMARY_LIMIT", 4<<20),
			BreakerThreshold: envInt("TOOLGATE_BREAKER_THRESHOLD", 5),
			BreakerWindow:    envDuration("TOOLGATE_BREAKER_WINDOW", time.Minute),
			RecoveryTimeout:  envDuration("TOOLGATE_BREAKER_RECOVERY", 30*time.Second),
			RecordTTL:        envDuration("TOOLGATE_RECORD_TTL", time.Hour),
			Compression:      envStr("TOOLGATE_COMPRESSION", "gzip"),
			Backend:          envStr("TOOLGATE_DURABLE_BACKEND", "memory"),
			RedisURL:         envStr("REDIS_URL", ""),
			PostgresURL:      envStr("DATABASE_URL", ""),
		},
		Events: EventsConfig{
			ClickHouseDSN: envStr("CLICKHOUSE_DSN", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolgate"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
		Auth: AuthConfig{
			APIKeys: envList("TOOLGATE_API_KEYS"),
		},
		Upstream: UpstreamConfig{
			MCPURL: envStr("TOOLGATE_UPSTREAM_MCP_URL", ""),
			APIKey: envStr("TOOLGATE_UPSTREAM_API_KEY", ""),
		},
		Alerts: AlertsConfig{
			WebhookURLs: envList("TOOLGATE_ALERT_WEBHOOKS"),
			Secret:      envStr("TOOLGATE_ALERT_SECRET", ""),
		},
	}
}

// ProviderLimitFor returns the concurrency cap for a provider.
func (c *ConcurrencyConfig) ProviderLimitFor(provider string) int {
	if n, ok := c.ProviderLimits[provider]; ok && n > 0 {
		return n
	}
	return c.ProviderLimit
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer, using default")
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid number, using default")
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration, using default")
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envIntMap parses "a=1,b=2".
func envIntMap(key string) map[string]int {
	out := make(map[string]int)
	for _, pair := range envList(key) {
		name, val, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			out[strings.TrimSpace(name)] = n
		}
	}
	return out
}
