package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/linnemanlabs/herald/internal/feedback"
	"github.com/linnemanlabs/herald/internal/message"
)

func (a *API) handleGetPrefs(w http.ResponseWriter, r *http.Request) {
	p, err := a.feedback.Prefs(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to read preferences")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}

func (a *API) handleUpdatePrefs(w http.ResponseWriter, r *http.Request) {
	var u feedback.PrefsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	p, err := a.feedback.UpdatePrefs(r.Context(), u)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrInvalidPrefs):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, message.ErrBusy):
			a.logger.Error(r.Context(), err, "preferences write lost retry budget")
			writeError(w, http.StatusConflict, err)
		default:
			a.logger.Error(r.Context(), err, "failed to update preferences")
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(p)
}
