// Package llm defines the Provider interface for text-completion backends.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic, a local
// Ollama instance, …) and exposes one blocking request/response call. The
// refinement pipeline treats every provider as a stateless oracle that may
// fail or time out at any moment; callers own retries and fallbacks.
//
// Implementors must be safe for concurrent use and must return promptly when
// the supplied context is cancelled.
package llm

import (
	"context"
	"strings"
)

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn of a completion request.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is typically
	// from the "user" role and drives the response.
	Messages []Message

	// Temperature controls randomness in [0.0, 2.0]. Zero leaves the backend
	// default in place.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int

	// SystemPrompt is an optional high-priority instruction. Backends without
	// a dedicated system field prepend it as a system-role message.
	SystemPrompt string
}

// CompletionResponse is the full reply to a [CompletionRequest].
type CompletionResponse struct {
	Content string

	// FinishReason is the backend's stop reason ("stop", "length", …).
	FinishReason string

	Usage Usage
}

// Capabilities is static metadata about the model behind a provider.
type Capabilities struct {
	ContextWindow   int
	MaxOutputTokens int
}

// Provider is the abstraction over any text-completion backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It returns an error if
	// the request fails or ctx is cancelled before the reply arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities describes the model. The result is constant for the
	// lifetime of the provider.
	Capabilities() Capabilities
}

// CapabilitiesFor returns capabilities for well-known model names. Unknown
// models receive conservative defaults.
func CapabilitiesFor(model string) Capabilities {
	caps := Capabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}

	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"), strings.HasPrefix(lower, "gpt-4.1"):
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "gpt-4-turbo"):
		// defaults
	case strings.HasPrefix(lower, "gpt-4"):
		caps.ContextWindow = 8_192
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.ContextWindow = 16_385
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"), strings.HasPrefix(lower, "o4"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 100_000
	case strings.Contains(lower, "claude-3-opus"):
		caps.ContextWindow = 200_000
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_097_152
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "gemini-1.5-flash"), strings.Contains(lower, "gemini-2"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.MaxOutputTokens = 8_192
	}
	return caps
}

// EstimateTokens approximates the token count of text at roughly four
// characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
