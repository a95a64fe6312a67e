package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/thalamus/internal/observe"
)

// maxBodyBytes caps the size of a posted batch.
const maxBodyBytes = 1 << 20

// Handler serves the ingestion webhook.
type Handler struct {
	ing *Ingester
}

// NewHandler returns a [Handler] feeding ing.
func NewHandler(ing *Ingester) *Handler {
	return &Handler{ing: ing}
}

// Register adds the ingestion routes to r:
//
//	POST /v1/events                          body: Event
//	POST /v1/sessions/{sessionID}/segments   body: {"segments": [...]}
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/events", h.postEvent)
	r.Post("/v1/sessions/{sessionID}/segments", h.postSegments)
}

func (h *Handler) postEvent(w http.ResponseWriter, r *http.Request) {
	var ev Event
	if err := decode(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.ingest(w, r, ev)
}

func (h *Handler) postSegments(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var ev Event
	if err := decode(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if ev.SessionID != "" && ev.SessionID != sessionID {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("body session_id %q does not match path session %q", ev.SessionID, sessionID))
		return
	}
	ev.SessionID = sessionID
	h.ingest(w, r, ev)
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, ev Event) {
	rc, err := h.ing.Ingest(r.Context(), TransportHTTP, ev)
	switch {
	case errors.Is(err, ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		observe.Logger(r.Context()).Error("ingest: batch failed",
			slog.String("session_id", ev.SessionID),
			slog.Any("err", err),
		)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	default:
		writeJSON(w, http.StatusAccepted, rc)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
