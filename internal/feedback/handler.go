// Package feedback applies user triage decisions: record labels and chat
// mute/unmute, arriving either from card button presses or the HTTP API.
package feedback

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/herald/internal/filtercache"
	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/telegram"
	"github.com/linnemanlabs/herald/internal/transport"
)

// muteDurations maps the button duration tokens to mute-until offsets. The
// zero value means mute indefinitely.
var muteDurations = map[string]time.Duration{
	"1h":      time.Hour,
	"8h":      8 * time.Hour,
	"1d":      24 * time.Hour,
	"1w":      7 * 24 * time.Hour,
	"forever": 0,
}

// ValidMuteDuration reports whether the token is an accepted mute duration.
func ValidMuteDuration(d string) bool {
	_, ok := muteDurations[d]
	return ok
}

// Metrics holds Prometheus metrics for the feedback handler.
type Metrics struct {
	ActionsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns feedback metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_feedback_actions_total",
			Help: "Total feedback actions by action and result.",
		}, []string{"action", "result"}),
	}
	reg.MustRegister(m.ActionsTotal)
	return m
}

// Handler executes label and mute actions and owns preference changes. It
// implements telegram.ActionHandler.
type Handler struct {
	store   message.Store
	cache   *filtercache.Cache
	tr      transport.Transport
	logger  log.Logger
	metrics *Metrics

	// ownerID selects the preferences row; the service serves one user.
	ownerID int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics attaches counter instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a handler.
func New(store message.Store, cache *filtercache.Cache, tr transport.Transport,
	ownerID int64, logger log.Logger, opts ...Option) *Handler {
	h := &Handler{
		store:   store,
		cache:   cache,
		tr:      tr,
		logger:  logger,
		ownerID: ownerID,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleAction dispatches a parsed button press. Errors returned here are
// user-visible.
func (h *Handler) HandleAction(ctx context.Context, a telegram.Action) (string, error) {
	switch a.Kind {
	case "label":
		return h.Label(ctx, a.RecordID, message.Label(a.Value))
	case "mute":
		return h.Mute(ctx, a.RecordID, a.Value)
	case "unmute":
		return h.Unmute(ctx, a.RecordID)
	default:
		h.count(a.Kind, "rejected")
		return "", fmt.Errorf("unknown action %q", a.Kind)
	}
}

// Label applies a priority label to a record. Re-applying the same label
// returns the same confirmation; clearing a label is not supported.
func (h *Handler) Label(ctx context.Context, recordID string, label message.Label) (string, error) {
	if !label.Valid() {
		h.count("label", "rejected")
		return "", fmt.Errorf("unknown label %q", label)
	}

	var found bool
	err := message.RetryBusy(ctx, func() error {
		var rerr error
		_, found, rerr = h.store.SetLabel(ctx, recordID, label, time.Now().UTC())
		return rerr
	})
	if err != nil {
		h.count("label", "error")
		return "", fmt.Errorf("label write failed: %w", err)
	}
	if !found {
		h.count("label", "not_found")
		return "", fmt.Errorf("message %s not found: %w", recordID, message.ErrNotFound)
	}

	h.count("label", "ok")
	h.logger.Info(ctx, "record labeled", "record_id", recordID, "label", string(label))
	return fmt.Sprintf("Labeled %s", label), nil
}

// Mute silences the chat a record came from. The transport call goes out
// first; the cache is updated only after it succeeds, so a gateway failure
// leaves the filter state untouched.
func (h *Handler) Mute(ctx context.Context, recordID, duration string) (string, error) {
	d, ok := muteDurations[duration]
	if !ok {
		h.count("mute", "rejected")
		return "", fmt.Errorf("unknown mute duration %q", duration)
	}

	r, err := h.getRecord(ctx, recordID)
	if err != nil {
		h.count("mute", "not_found")
		return "", err
	}

	until := transport.MuteForever
	if d > 0 {
		until = time.Now().Add(d).Unix()
	}

	if err := h.tr.SetMute(ctx, r.ChatID, until); err != nil {
		h.count("mute", "error")
		h.logger.Error(ctx, err, "transport mute failed", "chat_id", r.ChatID)
		return "", fmt.Errorf("mute failed: %w", err)
	}
	h.cache.AddMuted(muteKey(r))

	h.count("mute", "ok")
	h.logger.Info(ctx, "chat muted", "chat_id", r.ChatID, "duration", duration)
	if duration == "forever" {
		return fmt.Sprintf("Muted %s", h.chatName(ctx, r)), nil
	}
	return fmt.Sprintf("Muted %s for %s", h.chatName(ctx, r), duration), nil
}

// Unmute restores notifications for the chat a record came from. Unmuting a
// chat that was never muted succeeds quietly.
func (h *Handler) Unmute(ctx context.Context, recordID string) (string, error) {
	r, err := h.getRecord(ctx, recordID)
	if err != nil {
		h.count("unmute", "not_found")
		return "", err
	}

	if err := h.tr.ClearMute(ctx, r.ChatID); err != nil {
		h.count("unmute", "error")
		h.logger.Error(ctx, err, "transport unmute failed", "chat_id", r.ChatID)
		return "", fmt.Errorf("unmute failed: %w", err)
	}
	h.cache.RemoveMuted(muteKey(r))

	h.count("unmute", "ok")
	h.logger.Info(ctx, "chat unmuted", "chat_id", r.ChatID)
	return fmt.Sprintf("Unmuted %s", h.chatName(ctx, r)), nil
}

func (h *Handler) getRecord(ctx context.Context, recordID string) (*message.Record, error) {
	r, found, err := h.store.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("record lookup failed: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("message %s not found: %w", recordID, message.ErrNotFound)
	}
	return r, nil
}

// muteKey is the filter-cache key for a record's conversation. Private chats
// are keyed by the counterpart, matching how the ingestion pipeline checks
// them.
func muteKey(r *message.Record) int64 {
	if r.ChatKind == message.KindPrivate {
		return r.SenderID
	}
	return r.ChatID
}

// chatName resolves the conversation for its current title, since the record
// snapshot can be stale after a chat rename. Resolve failures fall back to the
// snapshot quietly.
func (h *Handler) chatName(ctx context.Context, r *message.Record) string {
	if r.ChatKind == message.KindPrivate {
		if r.SenderName != "" {
			return r.SenderName
		}
		return fmt.Sprintf("chat %d", r.ChatID)
	}
	if d, err := h.tr.Resolve(ctx, r.ChatID); err == nil && d.Title != "" {
		return d.Title
	}
	if r.ChatTitle != "" {
		return r.ChatTitle
	}
	return fmt.Sprintf("chat %d", r.ChatID)
}

func (h *Handler) count(action, result string) {
	if h.metrics != nil {
		h.metrics.ActionsTotal.WithLabelValues(action, result).Inc()
	}
}
