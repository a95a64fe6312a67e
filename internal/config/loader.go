package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8080"
	DefaultInterval            = time.Second
	DefaultErrorBackoff        = 5 * time.Second
	DefaultIdleTimeout         = 120 * time.Second
	DefaultRefineTimeout       = 30 * time.Second
	DefaultWorkers             = 4
	DefaultConfidenceThreshold = 0.8
	DefaultMaxAttempts         = 3
	DefaultMaxElapsed          = 300 * time.Second
	DefaultTemperature         = 0.3
	DefaultMaxTokens           = 512
	DefaultNATSSubject         = "thalamus.segments"
	DefaultNATSStream          = "THALAMUS"
	DefaultNATSDurable         = "thalamus-ingest"
	DefaultServiceName         = "thalamus"
)

// anyllmPrefix prefixes provider names routed through the any-llm backends.
const anyllmPrefix = "anyllm:"

// ValidProviderNames lists the LLM provider names known to the service.
// Names with the "anyllm:" prefix are checked against [AnyLLMBackends].
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"openai", "mock"}

// AnyLLMBackends lists the backends accepted after the "anyllm:" prefix.
var AnyLLMBackends = []string{"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero-valued setting of cfg with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Ledger.Driver == "" {
		cfg.Ledger.Driver = DriverMemory
	}

	r := &cfg.Refiner
	setDuration(&r.Interval, DefaultInterval)
	setDuration(&r.ErrorBackoff, DefaultErrorBackoff)
	setDuration(&r.IdleTimeout, DefaultIdleTimeout)
	setDuration(&r.RefineTimeout, DefaultRefineTimeout)
	setDuration(&r.MaxElapsed, DefaultMaxElapsed)
	if r.Workers == 0 {
		r.Workers = DefaultWorkers
	}
	if r.ConfidenceThreshold == 0 {
		r.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}

	n := &cfg.Ingest.NATS
	if n.URL != "" {
		if n.Subject == "" {
			n.Subject = DefaultNATSSubject
		}
		if n.Stream == "" {
			n.Stream = DefaultNATSStream
		}
		if n.Durable == "" {
			n.Durable = DefaultNATSDurable
		}
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Ledger
	if cfg.Ledger.Driver != "" && !cfg.Ledger.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("ledger.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Ledger.Driver))
	}
	if (cfg.Ledger.Driver == DriverPostgres || cfg.Ledger.Driver == DriverSQLite) && cfg.Ledger.DSN == "" {
		errs = append(errs, fmt.Errorf("ledger.dsn is required when driver is %s", cfg.Ledger.Driver))
	}
	if cfg.Ledger.Driver == DriverMemory && cfg.Ledger.DSN != "" {
		slog.Warn("ledger.dsn is ignored by the memory driver")
	}

	// LLM
	if cfg.LLM.Primary.Name == "" {
		errs = append(errs, errors.New("llm.primary.name is required"))
	}
	validateProviderName("llm.primary", cfg.LLM.Primary.Name)
	for i, fb := range cfg.LLM.Fallbacks {
		prefix := fmt.Sprintf("llm.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName(prefix, fb.Name)
	}
	if cfg.LLM.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("llm.breaker.max_failures %d must not be negative", cfg.LLM.Breaker.MaxFailures))
	}
	if cfg.LLM.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("llm.breaker.reset_timeout %s must not be negative", cfg.LLM.Breaker.ResetTimeout))
	}

	// Refiner
	r := cfg.Refiner
	for _, f := range []struct {
		name string
		d    time.Duration
	}{
		{"interval", r.Interval},
		{"error_backoff", r.ErrorBackoff},
		{"idle_timeout", r.IdleTimeout},
		{"refine_timeout", r.RefineTimeout},
		{"max_elapsed", r.MaxElapsed},
	} {
		if f.d < 0 {
			errs = append(errs, fmt.Errorf("refiner.%s %s must not be negative", f.name, f.d))
		}
	}
	if r.Workers < 0 {
		errs = append(errs, fmt.Errorf("refiner.workers %d must not be negative", r.Workers))
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("refiner.confidence_threshold %.2f is out of range [0, 1]", r.ConfidenceThreshold))
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("refiner.max_attempts %d must not be negative", r.MaxAttempts))
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		errs = append(errs, fmt.Errorf("refiner.temperature %.2f is out of range [0, 2]", r.Temperature))
	}
	if r.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("refiner.max_tokens %d must not be negative", r.MaxTokens))
	}
	for i, term := range r.Vocabulary {
		if strings.TrimSpace(term) == "" {
			errs = append(errs, fmt.Errorf("refiner.vocabulary[%d] is empty", i))
		}
	}

	// Ingest
	if !cfg.Ingest.HTTP && cfg.Ingest.NATS.URL == "" {
		slog.Warn("no ingestion transport enabled; raw segments must be written to the ledger directly")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not a known
// provider name.
func validateProviderName(field, name string) {
	if name == "" {
		return
	}
	if backend, ok := strings.CutPrefix(name, anyllmPrefix); ok {
		if slices.Contains(AnyLLMBackends, backend) {
			return
		}
	} else if slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
	)
}
