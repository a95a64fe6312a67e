// Package config provides the configuration schema, loader, and provider
// registry for the thalamus refinement service.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level returns the slog level for l. Unknown and empty levels map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// LedgerDriver selects the storage backend of the segment ledger.
type LedgerDriver string

const (
	// DriverMemory keeps the ledger in process memory. Nothing survives a
	// restart.
	DriverMemory LedgerDriver = "memory"

	// DriverPostgres stores the ledger in PostgreSQL.
	DriverPostgres LedgerDriver = "postgres"

	// DriverSQLite stores the ledger in a local SQLite file.
	DriverSQLite LedgerDriver = "sqlite"
)

// IsValid reports whether d is a recognised ledger driver.
func (d LedgerDriver) IsValid() bool {
	switch d {
	case DriverMemory, DriverPostgres, DriverSQLite:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	LLM       LLMConfig       `yaml:"llm"`
	Refiner   RefinerConfig   `yaml:"refiner"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// LedgerConfig selects and addresses the segment ledger.
type LedgerConfig struct {
	Driver LedgerDriver `yaml:"driver"`

	// DSN is the PostgreSQL connection string or the SQLite file path.
	// Ignored by the memory driver.
	DSN string `yaml:"dsn"`
}

// ProviderEntry is the configuration for a single LLM provider.
type ProviderEntry struct {
	// Name is the registered provider name: "openai", "mock" or
	// "anyllm:<backend>" (e.g., "anyllm:anthropic").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the specific model (e.g., "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific settings not covered above.
	Options map[string]any `yaml:"options"`
}

// LLMConfig configures the model used for refinement and correction.
type LLMConfig struct {
	// Primary is tried first for every request.
	Primary ProviderEntry `yaml:"primary"`

	// Fallbacks are tried in order when the primary fails or its circuit is
	// open.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Breaker configures the circuit breaker wrapped around each provider.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that open the
	// circuit.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open circuit waits before letting a probe
	// through.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// RefinerConfig holds the scheduler, grouping and lock settings.
// Zero values select the defaults applied by [ApplyDefaults].
type RefinerConfig struct {
	// Interval is the pause between sweeps.
	Interval time.Duration `yaml:"interval"`

	// ErrorBackoff replaces Interval after a sweep that failed outright.
	ErrorBackoff time.Duration `yaml:"error_backoff"`

	// IdleTimeout closes an open speaker group that received nothing new for
	// this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// RefineTimeout bounds a single model call.
	RefineTimeout time.Duration `yaml:"refine_timeout"`

	// Workers caps how many sessions are processed concurrently.
	Workers int `yaml:"workers"`

	// ConfidenceThreshold is the minimum confidence of a complete refinement
	// to lock it.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	// MaxAttempts locks a segment after this many refinement attempts.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxElapsed locks a segment this long after its first attempt.
	MaxElapsed time.Duration `yaml:"max_elapsed"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Vocabulary lists names and domain terms the correction pass snaps
	// near-misses to. Hot-reloadable.
	Vocabulary []string `yaml:"vocabulary"`

	// AuditOnStart runs the ledger integrity audit before the first sweep
	// and refuses to start on a violation.
	AuditOnStart bool `yaml:"audit_on_start"`
}

// IngestConfig enables the ingestion transports.
type IngestConfig struct {
	// HTTP mounts the segment webhook endpoints on the server.
	HTTP bool `yaml:"http"`

	// NATS configures the JetStream consumer. Disabled when URL is empty.
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig addresses a JetStream stream carrying segment events.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Stream  string `yaml:"stream"`
	Durable string `yaml:"durable"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
}
