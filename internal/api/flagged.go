package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/herald/internal/message"
)

type flaggedRequest struct {
	SenderID int64  `json:"sender_id"`
	Name     string `json:"name,omitempty"`
}

// The flagged-sender set feeds the rule scorer; the pipeline cache picks up
// mutations on the next mute sweep rather than immediately.
func (a *API) handleListFlagged(w http.ResponseWriter, r *http.Request) {
	senders, err := a.store.FlaggedSenders(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list flagged senders")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if senders == nil {
		senders = []message.FlaggedSender{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(senders)
}

func (a *API) handleAddFlagged(w http.ResponseWriter, r *http.Request) {
	var req flaggedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.SenderID <= 0 {
		http.Error(w, `{"error":"sender_id must be positive"}`, http.StatusBadRequest)
		return
	}

	err := message.RetryBusy(r.Context(), func() error {
		return a.store.AddFlaggedSender(r.Context(), &message.FlaggedSender{
			SenderID:  req.SenderID,
			Name:      req.Name,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to flag sender", "sender_id", req.SenderID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]int64{"sender_id": req.SenderID})
}

func (a *API) handleRemoveFlagged(w http.ResponseWriter, r *http.Request) {
	senderID, err := strconv.ParseInt(chi.URLParam(r, "senderID"), 10, 64)
	if err != nil || senderID <= 0 {
		http.Error(w, `{"error":"invalid sender id"}`, http.StatusBadRequest)
		return
	}

	err = message.RetryBusy(r.Context(), func() error {
		return a.store.RemoveFlaggedSender(r.Context(), senderID)
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to unflag sender", "sender_id", senderID)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
