// Package api exposes the triage control surface over HTTP: record lookup,
// labeling, mute control, and on-demand digest runs.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/herald/internal/digest"
	"github.com/linnemanlabs/herald/internal/feedback"
	"github.com/linnemanlabs/herald/internal/message"
)

// FeedbackService defines the triage actions and preference changes the API
// exposes.
type FeedbackService interface {
	Label(ctx context.Context, recordID string, label message.Label) (string, error)
	Mute(ctx context.Context, recordID, duration string) (string, error)
	Unmute(ctx context.Context, recordID string) (string, error)
	Prefs(ctx context.Context) (*message.Prefs, error)
	UpdatePrefs(ctx context.Context, u feedback.PrefsUpdate) (*message.Prefs, error)
}

// DigestRunner triggers a digest pass on demand.
type DigestRunner interface {
	Run(ctx context.Context) (*digest.Summary, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	store    message.Store
	feedback FeedbackService
	digest   DigestRunner
}

// New creates a new API handler.
func New(logger log.Logger, store message.Store, fb FeedbackService, dg DigestRunner) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil {
		panic(xerrors.New("message store is required"))
	}
	if fb == nil {
		panic(xerrors.New("feedback service is required"))
	}
	return &API{
		logger:   logger,
		store:    store,
		feedback: fb,
		digest:   dg,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/records/{id}", a.handleGetRecord)
		r.Post("/records/{id}/label", a.handleLabel)
		r.Post("/records/{id}/mute", a.handleMute)
		r.Post("/records/{id}/unmute", a.handleUnmute)
		r.Post("/digest/run", a.handleDigestRun)
		r.Get("/prefs", a.handleGetPrefs)
		r.Put("/prefs", a.handleUpdatePrefs)
		r.Get("/flagged-senders", a.handleListFlagged)
		r.Post("/flagged-senders", a.handleAddFlagged)
		r.Delete("/flagged-senders/{senderID}", a.handleRemoveFlagged)
	})
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("herald.record.id", id))

	rec, ok, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get record", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rec)
}

func (a *API) handleDigestRun(w http.ResponseWriter, r *http.Request) {
	if a.digest == nil {
		http.Error(w, `{"error":"digest not configured"}`, http.StatusServiceUnavailable)
		return
	}

	summary, err := a.digest.Run(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "on-demand digest run failed")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

// writeActionResult maps a feedback outcome to an HTTP response. Validation
// failures are the caller's fault; everything else is ours.
func (a *API) writeActionResult(w http.ResponseWriter, r *http.Request, confirmation string, err error) {
	if err != nil {
		switch {
		case errors.Is(err, message.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, message.ErrBusy):
			a.logger.Error(r.Context(), err, "action lost retry budget")
			writeError(w, http.StatusConflict, err)
		default:
			a.logger.Error(r.Context(), err, "action failed")
			writeError(w, http.StatusBadGateway, err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": confirmation})
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
