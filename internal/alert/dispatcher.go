// Package alert formats and delivers real-time alert cards for urgent
// records. Send failures are logged and never propagated to the pipeline.
package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/transport"
)

// previewLimit bounds how much message text an alert card shows.
const previewLimit = 200

// Metrics holds Prometheus metrics for the alert dispatcher.
type Metrics struct {
	AlertsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns alert metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_alerts_total",
			Help: "Total alert dispatches by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.AlertsTotal)
	return m
}

// Dispatcher sends alert cards and records the at-most-once alert mark.
type Dispatcher struct {
	store    message.Store
	delivery transport.Delivery
	logger   log.Logger
	metrics  *Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches counter instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(store message.Store, delivery transport.Delivery, logger log.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		delivery: delivery,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends the card and marks the record alerted. A send failure leaves
// the mark unset; a mark failure after a successful send is logged only, the
// user already has the card.
func (d *Dispatcher) Dispatch(ctx context.Context, r *message.Record) {
	card := transport.Card{
		RecordID: r.ID,
		ChatID:   r.ChatID,
		Text:     FormatCard(r),
	}

	if err := d.delivery.SendCard(ctx, card); err != nil {
		d.logger.Error(ctx, err, "alert send failed", "record_id", r.ID, "chat_id", r.ChatID)
		d.count("send_error")
		return
	}

	err := message.RetryBusy(ctx, func() error {
		return d.store.MarkAlertSent(ctx, r.ID, time.Now().UTC())
	})
	if err != nil {
		d.logger.Error(ctx, err, "alert mark failed", "record_id", r.ID)
		d.count("mark_error")
		return
	}

	d.count("sent")
}

// FormatCard renders the alert text: score, sender, chat, topic, bounded
// preview, and signal indicators.
func FormatCard(r *message.Record) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Score %d: %s", r.Score, senderLine(r))
	if r.Topic != "" {
		fmt.Fprintf(&b, "\nTopic: %s", r.Topic)
	}

	preview := r.Text
	if len(preview) > previewLimit {
		preview = preview[:previewLimit] + "…"
	}
	fmt.Fprintf(&b, "\n%s", preview)

	var signals []string
	if r.HasMention {
		signals = append(signals, "mention")
	}
	if r.IsQuestion {
		signals = append(signals, "question")
	}
	if len(signals) > 0 {
		fmt.Fprintf(&b, "\n[%s]", strings.Join(signals, ", "))
	}

	return b.String()
}

func senderLine(r *message.Record) string {
	sender := r.SenderName
	if sender == "" {
		sender = fmt.Sprintf("sender %d", r.SenderID)
	}
	if r.ChatKind == message.KindPrivate {
		return sender
	}
	chat := r.ChatTitle
	if chat == "" {
		chat = fmt.Sprintf("chat %d", r.ChatID)
	}
	return sender + " in " + chat
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.AlertsTotal.WithLabelValues(result).Inc()
	}
}
