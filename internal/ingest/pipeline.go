// Package ingest runs the per-message capture loop: drop noise, apply the
// filter cache, score, persist, and hand urgent records to the alert
// dispatcher. One failing event never stops the loop.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/herald/internal/filtercache"
	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/scoring"
	"github.com/linnemanlabs/herald/internal/transport"
)

// Alerter dispatches a real-time alert for one urgent record.
type Alerter interface {
	Dispatch(ctx context.Context, r *message.Record)
}

// Pipeline consumes the event stream.
type Pipeline struct {
	store   message.Store
	cache   *filtercache.Cache
	engine  *scoring.Engine
	alerts  Alerter
	logger  log.Logger
	metrics *Metrics

	// ownerID selects the preferences row; the stream belongs to one user.
	ownerID int64

	// defaultWarnThreshold applies when no preferences row can be read.
	defaultWarnThreshold int

	flaggedMu sync.RWMutex
	flagged   map[int64]struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics attaches counter instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithAlerter wires the alert dispatcher. Without one, urgent records are
// persisted but never alerted.
func WithAlerter(a Alerter) Option {
	return func(p *Pipeline) { p.alerts = a }
}

// New creates a pipeline.
func New(store message.Store, cache *filtercache.Cache, engine *scoring.Engine,
	ownerID int64, defaultWarnThreshold int, logger log.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:                store,
		cache:                cache,
		engine:               engine,
		logger:               logger,
		ownerID:              ownerID,
		defaultWarnThreshold: defaultWarnThreshold,
		flagged:              make(map[int64]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run consumes events until the channel closes or ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, events <-chan transport.MessageEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.logger.Info(ctx, "event stream closed")
				return
			}
			p.handleEvent(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) handleEvent(ctx context.Context, ev transport.MessageEvent) {
	// One event never takes down the loop, not even through a panic in
	// scoring, persistence, or alerting.
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error(ctx, fmt.Errorf("panic: %v", v), "event handling panicked",
				"chat_id", ev.ChatID, "transport_message_id", ev.MessageID)
			p.count("panic")
		}
	}()

	if ev.Outgoing {
		p.count("dropped_self")
		return
	}
	if strings.TrimSpace(ev.Text) == "" {
		p.count("dropped_empty")
		return
	}

	prefs := p.loadPrefs(ctx)

	if prefs.IgnoreMuted && p.cache.Muted(muteKey(ev)) {
		p.count("dropped_muted")
		return
	}
	if prefs.IgnoreLargeGroups && ev.ChatKind.IsGroup() {
		// Unknown size fails open: the message stays in.
		if size, ok := p.cache.Size(ev.ChatID); ok && size > prefs.MaxGroupSize {
			p.count("dropped_oversized")
			return
		}
	}

	result := p.engine.Score(ctx, scoring.Input{
		Text:          ev.Text,
		SenderName:    ev.SenderName,
		ChatTitle:     ev.ChatTitle,
		ChatKind:      ev.ChatKind,
		Mentioned:     ev.Mentioned,
		FlaggedSender: p.isFlagged(ev.SenderID),
		UserContext:   prefs.Context,
	})

	capturedAt := ev.SentAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	r := &message.Record{
		ID:                 ulid.Make().String(),
		TransportMessageID: ev.MessageID,
		ChatID:             ev.ChatID,
		ChatTitle:          ev.ChatTitle,
		ChatKind:           ev.ChatKind,
		SenderID:           ev.SenderID,
		SenderName:         ev.SenderName,
		Text:               ev.Text,
		CapturedAt:         capturedAt,
		HasMention:         result.HasMention,
		IsQuestion:         result.IsQuestion,
		TextLength:         len(ev.Text),
		Topic:              result.Topic,
		Score:              result.Score,
		CreatedAt:          time.Now().UTC(),
	}

	err := message.RetryBusy(ctx, func() error {
		return p.store.Insert(ctx, r)
	})
	if err != nil {
		// Identifiers only, never message content.
		p.logger.Error(ctx, err, "persist failed",
			"chat_id", ev.ChatID, "transport_message_id", ev.MessageID)
		p.count("error")
		return
	}

	p.count("scored")
	p.observeScore(result.Score)

	warnThreshold := prefs.WarnThreshold
	if warnThreshold <= 0 {
		warnThreshold = p.defaultWarnThreshold
	}
	if p.alerts != nil && result.Score >= warnThreshold {
		p.alerts.Dispatch(ctx, r)
	}
}

// muteKey is the chat id for group-kind chats and the counterpart id for
// private ones, where the chat has no identity of its own.
func muteKey(ev transport.MessageEvent) int64 {
	if ev.ChatKind == message.KindPrivate {
		return ev.SenderID
	}
	return ev.ChatID
}

// loadPrefs fetches the owner's preferences, lazily creating the row on first
// access. A read failure degrades to defaults with the static config warning
// threshold.
func (p *Pipeline) loadPrefs(ctx context.Context) *message.Prefs {
	prefs, ok, err := p.store.GetPrefs(ctx, p.ownerID)
	if err != nil {
		p.logger.Error(ctx, err, "prefs read failed, using defaults")
		fallback := message.DefaultPrefs(p.ownerID)
		fallback.WarnThreshold = p.defaultWarnThreshold
		return fallback
	}
	if ok {
		return prefs
	}

	prefs = message.DefaultPrefs(p.ownerID)
	if err := p.store.PutPrefs(ctx, prefs); err != nil {
		p.logger.Error(ctx, err, "prefs create failed")
	}
	return prefs
}

// RefreshFlagged reloads the flagged-sender cache from the store. Driven on
// the mute sweep cadence.
func (p *Pipeline) RefreshFlagged(ctx context.Context) error {
	senders, err := p.store.FlaggedSenders(ctx)
	if err != nil {
		return err
	}
	next := make(map[int64]struct{}, len(senders))
	for _, s := range senders {
		next[s.SenderID] = struct{}{}
	}
	p.flaggedMu.Lock()
	p.flagged = next
	p.flaggedMu.Unlock()
	return nil
}

func (p *Pipeline) isFlagged(senderID int64) bool {
	p.flaggedMu.RLock()
	defer p.flaggedMu.RUnlock()
	_, ok := p.flagged[senderID]
	return ok
}

func (p *Pipeline) count(outcome string) {
	if p.metrics != nil {
		p.metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) observeScore(score int) {
	if p.metrics != nil {
		p.metrics.Scores.Observe(float64(score))
	}
}
