package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/thalamus/internal/config"
	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/internal/resilience"
	"github.com/MrWong99/thalamus/pkg/ledger"
	"github.com/MrWong99/thalamus/pkg/ledger/memledger"
	"github.com/MrWong99/thalamus/pkg/ledger/postgres"
	"github.com/MrWong99/thalamus/pkg/ledger/sqlite"
	"github.com/MrWong99/thalamus/pkg/provider/llm"
	"github.com/MrWong99/thalamus/pkg/provider/llm/anyllm"
	"github.com/MrWong99/thalamus/pkg/provider/llm/mock"
	"github.com/MrWong99/thalamus/pkg/provider/llm/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every built-in LLM factory into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openai.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, openai.WithMaxRetries(n))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every any-llm backend shares the same pattern: optional APIKey plus
	// optional BaseURL. Local servers such as ollama only need the URL.
	reg.RegisterAnyLLM(anyllm.Backends, func(backend string, entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
		}
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New(backend, entry.Model, opts...)
	})

	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return newEchoProvider(), nil
	})
}

// buildLLM creates the primary provider and its fallbacks, each behind its
// own circuit breaker.
func buildLLM(cfg config.LLMConfig, reg *config.Registry, metrics *observe.Metrics) (*resilience.LLMFallback, error) {
	primary, err := reg.CreateLLM(cfg.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Primary.Name, "model", cfg.Primary.Model)

	fb := resilience.NewLLMFallback(primary, cfg.Primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		},
	}, metrics)

	for i, entry := range cfg.Fallbacks {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "index", i, "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fallback %d: %w", i, err)
		}
		fb.AddFallback(entry.Name, p)
		slog.Info("fallback provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// newEchoProvider returns a provider that answers without a model, for dry
// runs: refinements echo the transcript back as confident and complete,
// corrections return the current segment unchanged.
func newEchoProvider() *mock.Provider {
	return &mock.Provider{
		CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
			if len(req.Messages) == 0 {
				return &llm.CompletionResponse{}, nil
			}
			msg := req.Messages[len(req.Messages)-1].Content
			if _, rest, ok := strings.Cut(msg, "Current segment:\n"); ok {
				current, _, _ := strings.Cut(rest, "\n\nNext segment:")
				return &llm.CompletionResponse{Content: strings.TrimSpace(current)}, nil
			}
			_, transcript, _ := strings.Cut(msg, "Transcript:\n")
			return &llm.CompletionResponse{
				Content: "REFINED: " + strings.TrimSpace(transcript) + "\nCONFIDENCE: 0.9\nCOMPLETE: yes",
			}, nil
		},
		ModelCapabilities: llm.Capabilities{ContextWindow: 8192, MaxOutputTokens: 1024},
	}
}

// ── Ledger ────────────────────────────────────────────────────────────────────

// openLedger opens the backend selected by cfg.Driver.
func openLedger(ctx context.Context, cfg config.LedgerConfig) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		slog.Warn("using the in-memory ledger; nothing survives a restart")
		return memledger.New(), nil
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Driver)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer value from a provider Options map. YAML decodes
// plain integers as int.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
