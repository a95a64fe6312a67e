package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func (f *fixture) router() chi.Router {
	r := chi.NewRouter()
	NewHandler(f.ing).Register(r)
	return r
}

func post(t *testing.T, r http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rec
}

func TestHandler_PostEvent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	body := `{"session_id":"s1","segments":[
		{"text":"Hello there.","speaker":"SPEAKER_00","speaker_id":0,"is_user":false,"start":0.5,"end":1.7},
		{"text":"Hi.","speaker":"SPEAKER_01","speaker_id":1,"is_user":true,"start":2,"end":2.4}
	]}`

	rec := post(t, f.router(), "/v1/events", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body)
	}
	var rc Receipt
	if err := json.NewDecoder(rec.Body).Decode(&rc); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if rc.SessionID != "s1" || rc.Accepted != 2 || rc.BatchID == "" {
		t.Errorf("receipt = %+v", rc)
	}
	raws, err := f.l.ListUnconsumedRawSegments(context.Background(), "s1")
	if err != nil || len(raws) != 2 {
		t.Fatalf("raws = %v, %v", raws, err)
	}
}

func TestHandler_PostSegments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "session from path",
			path:       "/v1/sessions/s1/segments",
			body:       `{"segments":[{"text":"Hello.","speaker":"Alice","end":1}]}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "matching body session",
			path:       "/v1/sessions/s1/segments",
			body:       `{"session_id":"s1","segments":[{"text":"Hello.","speaker":"Alice","end":1}]}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "mismatched body session",
			path:       "/v1/sessions/s1/segments",
			body:       `{"session_id":"s2","segments":[{"text":"Hello.","end":1}]}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			path:       "/v1/sessions/s1/segments",
			body:       `{"segments":[`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no segments",
			path:       "/v1/sessions/s1/segments",
			body:       `{"segments":[]}`,
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			rec := post(t, f.router(), tc.path, tc.body)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d: %s", rec.Code, tc.wantStatus, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestHandler_StorageErrorIsInternal(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.l.FailNext("EnsureSession", errors.New("connection refused"))

	rec := post(t, f.router(), "/v1/events", `{"session_id":"s1","segments":[{"text":"Hi.","end":1}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body leaks the storage error: %s", rec.Body)
	}
}

func TestHandler_RejectsOversizedBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	huge := `{"session_id":"s1","segments":[{"text":"` + strings.Repeat("a", maxBodyBytes) + `"}]}`

	rec := post(t, f.router(), "/v1/events", huge)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}
