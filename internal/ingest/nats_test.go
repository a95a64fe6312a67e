package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/thalamus/internal/config"
)

type fakeMsg struct {
	subject string
	data    []byte
	settled []string
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Ack() error      { m.settled = append(m.settled, "ack"); return nil }
func (m *fakeMsg) Nak() error      { m.settled = append(m.settled, "nak"); return nil }
func (m *fakeMsg) Term() error     { m.settled = append(m.settled, "term"); return nil }

func (f *fixture) consumer() *Consumer {
	return &Consumer{
		cfg: config.NATSConfig{Subject: "thalamus.segments", Stream: "THALAMUS", Durable: "thalamus-ingest"},
		ing: f.ing,
	}
}

func TestConsumer_Handle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		subject     string
		data        string
		failInsert  bool
		wantSettled string
		wantRaws    int
	}{
		{
			name:        "valid event",
			subject:     "thalamus.segments",
			data:        `{"session_id":"s1","segments":[{"text":"Hi.","speaker_id":3,"end":1}]}`,
			wantSettled: "ack",
			wantRaws:    1,
		},
		{
			name:        "session from subject",
			subject:     "thalamus.segments.s1",
			data:        `{"segments":[{"text":"Hi.","end":1},{"text":"There.","start":1,"end":2}]}`,
			wantSettled: "ack",
			wantRaws:    2,
		},
		{
			name:        "malformed",
			subject:     "thalamus.segments",
			data:        `not json`,
			wantSettled: "term",
		},
		{
			name:        "invalid event",
			subject:     "thalamus.segments",
			data:        `{"segments":[{"text":"Hi.","end":1}]}`,
			wantSettled: "term",
		},
		{
			name:        "storage failure",
			subject:     "thalamus.segments",
			data:        `{"session_id":"s1","segments":[{"text":"Hi.","end":1}]}`,
			failInsert:  true,
			wantSettled: "nak",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if tc.failInsert {
				f.l.FailNext("InsertRawSegment", errors.New("disk full"))
			}
			msg := &fakeMsg{subject: tc.subject, data: []byte(tc.data)}

			f.consumer().handle(context.Background(), msg)

			if len(msg.settled) != 1 || msg.settled[0] != tc.wantSettled {
				t.Errorf("settled = %v, want [%s]", msg.settled, tc.wantSettled)
			}
			raws, err := f.l.ListUnconsumedRawSegments(context.Background(), "s1")
			if err != nil {
				t.Fatalf("ListUnconsumedRawSegments: %v", err)
			}
			if len(raws) != tc.wantRaws {
				t.Errorf("raws = %d, want %d", len(raws), tc.wantRaws)
			}
		})
	}
}

func TestSessionFromSubject(t *testing.T) {
	t.Parallel()
	tests := []struct {
		subject, want string
	}{
		{"thalamus.segments.s1", "s1"},
		{"thalamus.segments", ""},
		{"thalamus.segments.", ""},
		{"thalamus.segments.a.b", ""},
		{"other.segments.s1", ""},
	}
	for _, tc := range tests {
		if got := sessionFromSubject(tc.subject, "thalamus.segments"); got != tc.want {
			t.Errorf("sessionFromSubject(%q) = %q, want %q", tc.subject, got, tc.want)
		}
	}
}
