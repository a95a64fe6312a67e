package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/pkg/ledger"
	"github.com/MrWong99/thalamus/pkg/provider/llm"
)

const (
	defaultCorrectTemperature = 0.1
	defaultCorrectMaxTokens   = 512

	// CorrectedConfidence is the confidence assigned to every corrected row.
	CorrectedConfidence = 0.9

	correctionWindow = 3
)

// Correction outcomes as reported to metrics.
const (
	CorrectionApplied = "applied"
	CorrectionSkipped = "skipped"
	CorrectionError   = "error"
	CorrectionEmpty   = "empty"
)

// CorrectionLedger is the slice of [ledger.Ledger] the [Corrector] needs.
type CorrectionLedger interface {
	ListLockedSegments(ctx context.Context, sessionID string, limit int, mostRecentFirst bool) ([]ledger.RefinedSegment, error)
	WriteRefinedSegment(ctx context.Context, seg ledger.RefinedSegment) (int64, error)
}

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithCorrectionTemperature sets the sampling temperature of correction
// requests. Default: 0.1.
func WithCorrectionTemperature(temp float64) CorrectorOption {
	return func(c *Corrector) {
		c.temperature = temp
	}
}

// WithCorrectionTimeout bounds a single correction request. Default: 30s.
func WithCorrectionTimeout(d time.Duration) CorrectorOption {
	return func(c *Corrector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithVocabulary enables the phonetic pre-pass that snaps known names in the
// segment before it is sent to the model.
func WithVocabulary(v *Vocabulary) CorrectorOption {
	return func(c *Corrector) {
		c.vocab = v
	}
}

// WithCorrectionClock sets the time source for row timestamps.
func WithCorrectionClock(now func() time.Time) CorrectorOption {
	return func(c *Corrector) {
		c.now = now
	}
}

// WithCorrectionMetrics sets the instruments corrections are recorded in.
// Default: [observe.DefaultMetrics].
func WithCorrectionMetrics(m *observe.Metrics) CorrectorOption {
	return func(c *Corrector) {
		c.metrics = m
	}
}

// Corrector polishes locked segments with their locked neighbours as
// context. It is safe for concurrent use across sessions; callers serialise
// runs within one session.
type Corrector struct {
	ledger      CorrectionLedger
	llm         llm.Provider
	vocab       *Vocabulary
	temperature float64
	timeout     time.Duration
	now         func() time.Time
	metrics     *observe.Metrics
}

// NewCorrector returns a [Corrector] reading from and appending to l.
func NewCorrector(l CorrectionLedger, provider llm.Provider, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		ledger:      l,
		llm:         provider,
		temperature: defaultCorrectTemperature,
		timeout:     defaultRefineTimeout,
		now:         time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Run corrects the middle segment of the three most recent locked segments
// of sessionID and appends the result as a locked phase-2 row. It returns
// the written row, or nil when there was nothing to do: fewer than three
// locked segments, a middle segment that is already a correction, or a model
// that failed or answered with nothing. Only ledger failures and a done ctx
// are returned as errors.
func (c *Corrector) Run(ctx context.Context, sessionID string) (*ledger.RefinedSegment, error) {
	window, err := c.ledger.ListLockedSegments(ctx, sessionID, correctionWindow, true)
	if err != nil {
		return nil, fmt.Errorf("correct: list locked: %w", err)
	}
	if len(window) < correctionWindow {
		return nil, nil
	}
	slices.Reverse(window)
	prev, cur, next := window[0], window[1], window[2]
	if cur.Phase == ledger.PhaseCorrected {
		c.metrics.RecordCorrection(ctx, CorrectionSkipped)
		return nil, nil
	}

	ctx, span := observe.StartSpan(ctx, "refine.Correct")
	defer span.End()
	log := observe.Logger(ctx).With(
		slog.String("session_id", sessionID),
		slog.Int64("segment_id", cur.ID),
	)

	text := cur.Text
	var subs []Substitution
	if c.vocab != nil {
		text, subs = c.vocab.Snap(text)
		for _, s := range subs {
			log.Debug("correct: vocabulary substitution",
				slog.String("original", s.Original),
				slog.String("replacement", s.Replacement),
				slog.Float64("score", s.Score),
			)
		}
	}

	corrected, err := c.complete(ctx, prev.Text, text, next.Text, c.vocab.Terms())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("correct: %w", ctx.Err())
		}
		log.Warn("correct: provider failed, skipping", slog.Any("err", err))
		c.metrics.RecordCorrection(ctx, CorrectionError)
		return nil, nil
	}
	if corrected == "" {
		log.Warn("correct: empty reply, skipping")
		c.metrics.RecordCorrection(ctx, CorrectionEmpty)
		return nil, nil
	}

	md := cur.Metadata.Clone().
		With(ledger.MetaCorrectionsApplied, true).
		With(ledger.MetaOriginalText, cur.Text).
		With(ledger.MetaSupersedes, cur.ID)
	if len(subs) > 0 {
		md = md.With(MetaVocabularySubstitutions, len(subs))
	}

	out := ledger.RefinedSegment{
		GroupID:     cur.GroupID,
		SessionID:   cur.SessionID,
		SpeakerID:   cur.SpeakerID,
		SpeakerName: cur.SpeakerName,
		Text:        corrected,
		Start:       cur.Start,
		End:         cur.End,
		Confidence:  CorrectedConfidence,
		SourceIDs:   slices.Clone(cur.SourceIDs),
		Phase:       ledger.PhaseCorrected,
		Locked:      true,
		Metadata:    md,
		CreatedAt:   c.now(),
	}
	id, err := c.ledger.WriteRefinedSegment(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("correct: write: %w", err)
	}
	out.ID = id
	c.metrics.RecordCorrection(ctx, CorrectionApplied)
	log.Info("correct: segment corrected", slog.Int64("corrected_id", id))
	return &out, nil
}

// MetaVocabularySubstitutions counts the names the vocabulary pre-pass
// replaced before a correction.
const MetaVocabularySubstitutions = "vocabulary_substitutions"

func (c *Corrector) complete(ctx context.Context, prev, cur, next string, terms []string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.llm.Complete(callCtx, llm.CompletionRequest{
		SystemPrompt: correctSystemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    replyBudget(c.llm, defaultCorrectMaxTokens, cur),
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildCorrectionPrompt(prev, cur, next, terms)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("correct: complete: %w", err)
	}
	if resp == nil {
		return "", errors.New("correct: complete: empty response")
	}
	reply := ParseReply(resp.Content)
	return reply.Text.Or(reply.Bare), nil
}
