// Package refine turns closed speaker groups into refined, locked transcript
// segments.
//
// The [Engine] asks an [llm.Provider] to consolidate a group, scores the
// result and applies the [LockPolicy]. The [Corrector] later polishes each
// locked segment once, with its locked neighbours as context. Both degrade
// gracefully: a failing or unintelligible model never stops the pipeline,
// it only lowers the quality of the row that gets written.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/pkg/ledger"
	"github.com/MrWong99/thalamus/pkg/provider/llm"
)

const (
	defaultRefineTemperature = 0.3
	defaultRefineMaxTokens   = 512
	defaultRefineTimeout     = 30 * time.Second
)

// Confidence sources recorded under [ledger.MetaConfidenceSource].
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
)

// Refinement outcomes as reported to metrics.
const (
	OutcomeRefined     = "refined"
	OutcomeFallback    = "fallback"
	OutcomeUnparseable = "unparseable"
)

// ErrLocked is returned when a locked segment is handed to [Engine.Refine].
var ErrLocked = errors.New("refine: segment is locked")

// EngineOption is a functional option for configuring an [Engine].
type EngineOption func(*Engine)

// WithTemperature sets the sampling temperature of refinement requests.
// Default: 0.3.
func WithTemperature(temp float64) EngineOption {
	return func(e *Engine) {
		e.temperature = temp
	}
}

// WithMaxTokens caps the length of refinement replies. Default: 512.
func WithMaxTokens(n int) EngineOption {
	return func(e *Engine) {
		e.maxTokens = n
	}
}

// WithTimeout bounds a single refinement request. A request that runs out of
// time is treated like any other provider failure. Default: 30s.
func WithTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLockPolicy replaces [DefaultLockPolicy].
func WithLockPolicy(p LockPolicy) EngineOption {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithClock sets the time source. Tests use it to drive the elapsed-time
// lock rule.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics sets the instruments refinements are recorded in. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine refines closed groups through a language model. It is safe for
// concurrent use.
type Engine struct {
	llm         llm.Provider
	policy      LockPolicy
	temperature float64
	maxTokens   int
	timeout     time.Duration
	now         func() time.Time
	metrics     *observe.Metrics
}

// NewEngine returns an [Engine] backed by provider.
func NewEngine(provider llm.Provider, opts ...EngineOption) *Engine {
	e := &Engine{
		llm:         provider,
		policy:      DefaultLockPolicy(),
		temperature: defaultRefineTemperature,
		maxTokens:   defaultRefineMaxTokens,
		timeout:     defaultRefineTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Policy returns the lock policy the engine applies.
func (e *Engine) Policy() LockPolicy {
	return e.policy
}

// Refine produces the next phase-1 row for seg, which must be an unlocked
// phase-0 group or the latest unlocked phase-1 row of a group. attempt and
// firstAttempt come from [NextAttempt].
//
// Provider errors, timeouts and replies without usable text never surface:
// the row falls back to the group's raw text and [HeuristicConfidence], and
// the failure is recorded under [ledger.MetaRefinementError]. The returned
// error is non-nil only when seg is locked or ctx itself is done.
func (e *Engine) Refine(ctx context.Context, seg ledger.RefinedSegment, attempt int, firstAttempt time.Time) (ledger.RefinedSegment, error) {
	if seg.Locked {
		return ledger.RefinedSegment{}, ErrLocked
	}

	ctx, span := observe.StartSpan(ctx, "refine.Refine", trace.WithAttributes(
		attribute.String("session_id", seg.SessionID),
		attribute.Int64("group_id", seg.GroupID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	source := seg.Metadata.String(ledger.MetaOriginalText)
	if source == "" {
		source = seg.Text
	}

	start := time.Now()
	reply, callErr := e.complete(ctx, seg, source, attempt)
	if callErr != nil && ctx.Err() != nil {
		return ledger.RefinedSegment{}, fmt.Errorf("refine: %w", ctx.Err())
	}

	outcome := OutcomeRefined
	text := reply.Text.Or("")
	confSource := SourceModel
	switch {
	case callErr != nil:
		outcome = OutcomeFallback
	case text == "":
		outcome = OutcomeUnparseable
		callErr = errors.New("reply carried no refined text")
	}
	if outcome != OutcomeRefined {
		observe.Logger(ctx).Warn("refine: falling back to heuristic",
			slog.String("session_id", seg.SessionID),
			slog.Int64("group_id", seg.GroupID),
			slog.Int("attempt", attempt),
			slog.Any("err", callErr),
		)
		text = source
		reply = Reply{}
	}

	confidence, ok := reply.Confidence.Value, reply.Confidence.Valid
	if !ok {
		confidence = HeuristicConfidence(text, len(seg.SourceIDs))
		confSource = SourceHeuristic
	}
	complete := reply.Complete.Or(false)
	combined := reply.Combined.Or(len(seg.SourceIDs) > 1)

	now := e.now()
	decision := e.policy.Decide(LockInput{
		Confidence:   confidence,
		Complete:     complete,
		Attempt:      attempt,
		FirstAttempt: firstAttempt,
		Now:          now,
	})

	md := seg.Metadata.Clone()
	delete(md, ledger.MetaRefinementError)
	md = md.With(ledger.MetaNeedsRefinement, !decision.Locked).
		With(ledger.MetaOriginalText, source).
		With(ledger.MetaAttempt, attempt).
		With(ledger.MetaFirstAttemptAt, firstAttempt).
		With(ledger.MetaComplete, complete).
		With(ledger.MetaCombined, combined).
		With(ledger.MetaConfidenceSource, confSource)
	if callErr != nil {
		md = md.With(ledger.MetaRefinementError, callErr.Error())
	}
	if decision.Locked {
		md = md.With(ledger.MetaLockReason, string(decision.Reason)).
			With(ledger.MetaLockedAt, now)
	}

	out := ledger.RefinedSegment{
		GroupID:     seg.GroupID,
		SessionID:   seg.SessionID,
		SpeakerID:   seg.SpeakerID,
		SpeakerName: seg.SpeakerName,
		Text:        text,
		Start:       seg.Start,
		End:         seg.End,
		Confidence:  confidence,
		SourceIDs:   slices.Clone(seg.SourceIDs),
		Phase:       ledger.PhaseRefined,
		Locked:      decision.Locked,
		Metadata:    md,
		CreatedAt:   now,
	}

	e.metrics.RecordRefinement(ctx, outcome, time.Since(start))
	if decision.Locked {
		e.metrics.RecordLock(ctx, string(decision.Reason))
	}
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Float64("confidence", confidence),
		attribute.Bool("locked", decision.Locked),
	)
	return out, nil
}

func (e *Engine) complete(ctx context.Context, seg ledger.RefinedSegment, source string, attempt int) (Reply, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.llm.Complete(callCtx, llm.CompletionRequest{
		SystemPrompt: refineSystemPrompt,
		Temperature:  e.temperature,
		MaxTokens:    replyBudget(e.llm, e.maxTokens, source),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildRefinePrompt(seg.SpeakerName, source, len(seg.SourceIDs), attempt)},
		},
	})
	if err != nil {
		return Reply{}, fmt.Errorf("refine: complete: %w", err)
	}
	if resp == nil {
		return Reply{}, errors.New("refine: complete: empty response")
	}
	return ParseReply(resp.Content), nil
}

// replyBudget raises the completion cap when the reply has to restate a text
// longer than floor allows, staying within the model's output limit. A
// non-positive floor leaves the backend default in place.
func replyBudget(p llm.Provider, floor int, text string) int {
	if floor <= 0 {
		return 0
	}
	n := max(floor, 2*llm.EstimateTokens(text)+32)
	if limit := p.Capabilities().MaxOutputTokens; limit > 0 {
		n = min(n, limit)
	}
	return n
}
