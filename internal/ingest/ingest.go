// Package ingest accepts transcribed segments from upstream transcribers and
// appends them to the ledger as raw segments.
//
// Two transports feed the same [Ingester]: an HTTP webhook ([Handler]) and a
// NATS JetStream consumer ([Consumer]). Both carry an [Event], the batch
// shape transcribers post: a session id and a list of segments. Ingestion
// only appends; grouping and refinement happen later in the scheduler.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/pkg/ledger"
)

// Transport labels reported in metrics and logs.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// ErrInvalidEvent is returned for events that can never be ingested. Callers
// should not retry them.
var ErrInvalidEvent = errors.New("ingest: invalid event")

// Event is one batch of segments for a session.
type Event struct {
	SessionID string    `json:"session_id"`
	Segments  []Segment `json:"segments"`
}

// Segment is a single transcribed utterance as sent by the transcriber.
type Segment struct {
	Text      string     `json:"text"`
	Speaker   string     `json:"speaker"`
	SpeakerID ExternalID `json:"speaker_id"`
	IsUser    bool       `json:"is_user"`
	Start     float64    `json:"start"`
	End       float64    `json:"end"`
}

// ExternalID is a speaker id that transcribers send either as a string or as
// a number.
type ExternalID string

// UnmarshalJSON accepts a JSON string, number or null.
func (id *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("speaker_id: %w", err)
		}
		*id = ExternalID(n.String())
		return nil
	}
}

// speaker returns the ledger identity of s.
func (s Segment) speaker() ledger.Speaker {
	name := strings.TrimSpace(s.Speaker)
	ext := strings.TrimSpace(string(s.SpeakerID))
	if name == "" {
		name = ext
	}
	if name == "" {
		name = "unknown"
	}
	return ledger.Speaker{ExternalID: ext, Name: name, IsUser: s.IsUser}
}

// Validate reports every problem with ev joined into one error wrapping
// [ErrInvalidEvent].
func (ev Event) Validate() error {
	var errs []error
	if strings.TrimSpace(ev.SessionID) == "" {
		errs = append(errs, errors.New("session_id is required"))
	}
	if len(ev.Segments) == 0 {
		errs = append(errs, errors.New("segments must not be empty"))
	}
	for i, s := range ev.Segments {
		if s.Start < 0 {
			errs = append(errs, fmt.Errorf("segments[%d].start must not be negative", i))
		}
		if s.End < s.Start {
			errs = append(errs, fmt.Errorf("segments[%d].end %.3f is before start %.3f", i, s.End, s.Start))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidEvent, errors.Join(errs...))
}

// Receipt describes an accepted batch.
type Receipt struct {
	BatchID    string  `json:"batch_id"`
	SessionID  string  `json:"session_id"`
	Accepted   int     `json:"accepted"`
	Skipped    int     `json:"skipped"`
	SegmentIDs []int64 `json:"segment_ids"`
}

// Option is a functional option for configuring an [Ingester].
type Option func(*Ingester)

// WithClock sets the time source used to stamp arrival times.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) {
		i.now = now
	}
}

// WithMetrics sets the instruments ingestion is recorded in. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(i *Ingester) {
		i.metrics = m
	}
}

// Ingester appends events to the ledger. It is safe for concurrent use.
type Ingester struct {
	store   ledger.Ingester
	now     func() time.Time
	metrics *observe.Metrics
}

// New returns an [Ingester] writing to store.
func New(store ledger.Ingester, opts ...Option) *Ingester {
	i := &Ingester{store: store, now: time.Now}
	for _, o := range opts {
		o(i)
	}
	if i.metrics == nil {
		i.metrics = observe.DefaultMetrics()
	}
	return i
}

// Ingest validates ev and appends its segments in order. Segments with blank
// text are skipped. Every segment of the batch carries the same arrival time.
//
// A storage error aborts the batch; segments appended before it stay in the
// ledger.
func (i *Ingester) Ingest(ctx context.Context, transport string, ev Event) (Receipt, error) {
	if err := ev.Validate(); err != nil {
		return Receipt{}, err
	}
	ctx, span := observe.StartSpan(ctx, "ingest.Ingest")
	defer span.End()

	rc := Receipt{BatchID: uuid.NewString(), SessionID: ev.SessionID}
	log := observe.SessionLogger(ctx, ev.SessionID).With(
		slog.String("batch_id", rc.BatchID),
		slog.String("transport", transport),
	)

	if err := i.store.EnsureSession(ctx, ev.SessionID); err != nil {
		return rc, fmt.Errorf("ingest: ensure session: %w", err)
	}

	received := i.now()
	speakers := make(map[string]int64)
	defer func() {
		if rc.Accepted > 0 {
			i.metrics.RecordIngested(ctx, transport, rc.Accepted)
		}
	}()

	for n, s := range ev.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			rc.Skipped++
			continue
		}
		sp := s.speaker()
		speakerID, ok := speakers[sp.Key()]
		if !ok {
			id, err := i.store.EnsureSpeaker(ctx, sp)
			if err != nil {
				return rc, fmt.Errorf("ingest: ensure speaker %q: %w", sp.Key(), err)
			}
			speakers[sp.Key()], speakerID = id, id
		}
		id, err := i.store.InsertRawSegment(ctx, ledger.RawSegment{
			SessionID:   ev.SessionID,
			SpeakerID:   speakerID,
			SpeakerName: sp.Name,
			Text:        text,
			Start:       s.Start,
			End:         s.End,
			ReceivedAt:  received,
		})
		if err != nil {
			log.Error("ingest: insert failed", slog.Int("segment", n), slog.Any("err", err))
			return rc, fmt.Errorf("ingest: insert segment %d: %w", n, err)
		}
		rc.Accepted++
		rc.SegmentIDs = append(rc.SegmentIDs, id)
	}

	log.Info("ingest: batch accepted",
		slog.Int("accepted", rc.Accepted),
		slog.Int("skipped", rc.Skipped),
	)
	return rc, nil
}
