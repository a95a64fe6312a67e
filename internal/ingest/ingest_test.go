package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/pkg/ledger/memledger"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	l      *memledger.Ledger
	ing    *Ingester
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	l := memledger.New()
	return &fixture{
		l:      l,
		ing:    New(l, WithClock(func() time.Time { return testNow }), WithMetrics(m)),
		reader: reader,
	}
}

func (f *fixture) ingested(t *testing.T, transport string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != "thalamus.ingest.segments" || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("transport")); ok && v.AsString() == transport {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func sampleEvent() Event {
	return Event{
		SessionID: "s1",
		Segments: []Segment{
			{Text: " I think ", Speaker: "Alice", SpeakerID: "1", Start: 0, End: 1.2},
			{Text: "   ", Speaker: "Alice", SpeakerID: "1", Start: 1.2, End: 1.3},
			{Text: "Agreed.", Speaker: "Bob", SpeakerID: "2", IsUser: true, Start: 1.5, End: 2},
		},
	}
}

func TestIngest_AppendsSegments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rc, err := f.ing.Ingest(ctx, TransportHTTP, sampleEvent())
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rc.Accepted != 2 || rc.Skipped != 1 || len(rc.SegmentIDs) != 2 {
		t.Errorf("receipt = %+v, want 2 accepted and 1 skipped", rc)
	}
	if _, err := uuid.Parse(rc.BatchID); err != nil {
		t.Errorf("batch id %q is not a uuid: %v", rc.BatchID, err)
	}

	raws, err := f.l.ListUnconsumedRawSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListUnconsumedRawSegments: %v", err)
	}
	if len(raws) != 2 {
		t.Fatalf("raws = %d, want 2", len(raws))
	}
	if raws[0].Text != "I think" || raws[0].SpeakerName != "Alice" {
		t.Errorf("first raw = %+v", raws[0])
	}
	if raws[0].SpeakerID == raws[1].SpeakerID {
		t.Error("Alice and Bob share a speaker id")
	}
	for _, r := range raws {
		if !r.ReceivedAt.Equal(testNow) {
			t.Errorf("raw %d received at %v, want %v", r.ID, r.ReceivedAt, testNow)
		}
	}
	if n := f.ingested(t, TransportHTTP); n != 2 {
		t.Errorf("ingested metric = %d, want 2", n)
	}
}

func TestIngest_ReusesSpeakersAcrossBatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"Hello.", "Again."} {
		ev := Event{SessionID: "s1", Segments: []Segment{{Text: text, Speaker: "Alice", SpeakerID: "7"}}}
		if _, err := f.ing.Ingest(ctx, TransportNATS, ev); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	raws, err := f.l.ListUnconsumedRawSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListUnconsumedRawSegments: %v", err)
	}
	if len(raws) != 2 || raws[0].SpeakerID != raws[1].SpeakerID {
		t.Errorf("raws = %+v, want two segments from one speaker", raws)
	}
}

func TestIngest_StorageError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	errDisk := errors.New("disk full")
	f.l.FailNext("InsertRawSegment", errDisk)

	_, err := f.ing.Ingest(context.Background(), TransportHTTP, sampleEvent())
	if !errors.Is(err, errDisk) {
		t.Fatalf("err = %v, want %v", err, errDisk)
	}
	if errors.Is(err, ErrInvalidEvent) {
		t.Error("a storage error must not be reported as an invalid event")
	}
}

func TestEvent_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		ev      Event
		wantErr bool
	}{
		{"valid", sampleEvent(), false},
		{"missing session", Event{Segments: []Segment{{Text: "hi", End: 1}}}, true},
		{"blank session", Event{SessionID: "  ", Segments: []Segment{{Text: "hi", End: 1}}}, true},
		{"no segments", Event{SessionID: "s1"}, true},
		{"negative start", Event{SessionID: "s1", Segments: []Segment{{Text: "hi", Start: -1, End: 1}}}, true},
		{"end before start", Event{SessionID: "s1", Segments: []Segment{{Text: "hi", Start: 2, End: 1}}}, true},
		{"zero length", Event{SessionID: "s1", Segments: []Segment{{Text: "hi", Start: 1, End: 1}}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.ev.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("err = %v, want ErrInvalidEvent", err)
			}
		})
	}
}

func TestExternalID_UnmarshalJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    ExternalID
		wantErr bool
	}{
		{`"SPEAKER_00"`, "SPEAKER_00", false},
		{`7`, "7", false},
		{`null`, "", false},
		{`true`, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			var seg Segment
			err := json.Unmarshal([]byte(`{"text":"hi","speaker_id":`+tc.in+`}`), &seg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Unmarshal = %v, wantErr %v", err, tc.wantErr)
			}
			if !tc.wantErr && seg.SpeakerID != tc.want {
				t.Errorf("SpeakerID = %q, want %q", seg.SpeakerID, tc.want)
			}
		})
	}
}

func TestSegment_SpeakerFallsBackToExternalID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		seg      Segment
		wantName string
		wantKey  string
	}{
		{Segment{Speaker: "Alice", SpeakerID: "1"}, "Alice", "1"},
		{Segment{SpeakerID: "SPEAKER_01"}, "SPEAKER_01", "SPEAKER_01"},
		{Segment{Speaker: "Bob"}, "Bob", "Bob"},
		{Segment{}, "unknown", "unknown"},
	}
	for _, tc := range tests {
		sp := tc.seg.speaker()
		if sp.Name != tc.wantName || sp.Key() != tc.wantKey {
			t.Errorf("speaker(%+v) = name %q key %q, want %q %q", tc.seg, sp.Name, sp.Key(), tc.wantName, tc.wantKey)
		}
	}
}
