package api

import (
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/herald/internal/feedback"
	"github.com/linnemanlabs/herald/internal/message"
)

type labelRequest struct {
	Label string `json:"label"`
}

type muteRequest struct {
	Duration string `json:"duration"`
}

func (a *API) handleLabel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("herald.record.id", id))

	var req labelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	label := message.Label(req.Label)
	if !label.Valid() {
		http.Error(w, `{"error":"label must be high, medium, or low"}`, http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.String("herald.record.label", req.Label))

	confirmation, err := a.feedback.Label(r.Context(), id, label)
	a.writeActionResult(w, r, confirmation, err)
}

func (a *API) handleMute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("herald.record.id", id))

	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if !feedback.ValidMuteDuration(req.Duration) {
		http.Error(w, `{"error":"duration must be 1h, 8h, 1d, 1w, or forever"}`, http.StatusBadRequest)
		return
	}

	confirmation, err := a.feedback.Mute(r.Context(), id, req.Duration)
	a.writeActionResult(w, r, confirmation, err)
}

func (a *API) handleUnmute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("herald.record.id", id))

	confirmation, err := a.feedback.Unmute(r.Context(), id)
	a.writeActionResult(w, r, confirmation, err)
}
