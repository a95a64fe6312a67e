package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. When cfg.OnAttempt is nil, every attempt is counted in metrics
// (nil selects [observe.DefaultMetrics]).
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *LLMFallback {
	if cfg.OnAttempt == nil {
		if metrics == nil {
			metrics = observe.DefaultMetrics()
		}
		cfg.OnAttempt = recordAttempt(metrics)
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers returns the breaker of each backend, primary first.
func (f *LLMFallback) Breakers() []*CircuitBreaker {
	return f.group.Breakers()
}

// Complete sends the request to the first healthy provider and returns its
// response. If the primary fails, subsequent fallbacks are tried.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities returns the capabilities of the primary.
// This does not participate in failover because capabilities are static metadata.
func (f *LLMFallback) Capabilities() llm.Capabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return llm.Capabilities{}
}

func recordAttempt(m *observe.Metrics) func(context.Context, string, error) {
	return func(ctx context.Context, name string, err error) {
		switch {
		case err == nil:
			m.RecordProviderRequest(ctx, name, "ok")
		case errors.Is(err, ErrCircuitOpen):
			m.RecordProviderRequest(ctx, name, "skipped")
		default:
			m.RecordProviderRequest(ctx, name, "error")
			m.RecordProviderError(ctx, name, errorKind(err))
		}
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
