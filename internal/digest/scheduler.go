// Package digest runs the periodic digest job and the background cache
// sweeps. A digest run selects-and-marks qualifying records in one
// transactional unit, then delivers a summary notice.
package digest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/herald/internal/filtercache"
	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/transport"
)

// itemPreviewLimit bounds per-record text in the digest body.
const itemPreviewLimit = 120

// Metrics holds Prometheus metrics for the digest scheduler.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	ItemsPerRun prometheus.Histogram
}

// NewMetrics registers and returns digest metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_digest_runs_total",
			Help: "Total digest runs by result.",
		}, []string{"result"}),
		ItemsPerRun: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "herald_digest_items_per_run",
			Help:    "Records included per digest run.",
			Buckets: prometheus.LinearBuckets(0, 3, 7), // 0 .. 18
		}),
	}
	reg.MustRegister(m.RunsTotal, m.ItemsPerRun)
	return m
}

// Summary reports one digest run.
type Summary struct {
	Included int                 `json:"included"`
	Window   time.Duration       `json:"-"`
	Stats    message.WindowStats `json:"stats"`
}

// Scheduler owns the digest interval job, the on-demand trigger, and the two
// cache sweep loops.
type Scheduler struct {
	store    message.Store
	cache    *filtercache.Cache
	tr       transport.Transport
	delivery transport.Delivery
	logger   log.Logger
	metrics  *Metrics

	ownerID int64

	digestInterval time.Duration
	muteInterval   time.Duration
	sizeInterval   time.Duration

	// onMuteSweep piggybacks extra refresh work (flagged senders) on the
	// mute sweep cadence.
	onMuteSweep func(context.Context) error

	// runMu serializes interval and on-demand runs so a manual trigger
	// cannot interleave with the timer.
	runMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics attaches counter instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithIntervals overrides the digest and sweep cadences.
func WithIntervals(digest, mutes, sizes time.Duration) Option {
	return func(s *Scheduler) {
		if digest > 0 {
			s.digestInterval = digest
		}
		if mutes > 0 {
			s.muteInterval = mutes
		}
		if sizes > 0 {
			s.sizeInterval = sizes
		}
	}
}

// WithMuteSweepHook adds work to run after each mute sweep tick.
func WithMuteSweepHook(fn func(context.Context) error) Option {
	return func(s *Scheduler) { s.onMuteSweep = fn }
}

// New creates a scheduler.
func New(store message.Store, cache *filtercache.Cache, tr transport.Transport,
	delivery transport.Delivery, ownerID int64, logger log.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          store,
		cache:          cache,
		tr:             tr,
		delivery:       delivery,
		logger:         logger,
		ownerID:        ownerID,
		digestInterval: 4 * time.Hour,
		muteInterval:   15 * time.Minute,
		sizeInterval:   30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the digest loop and both sweep loops.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(3)
	go s.digestLoop(ctx)
	go s.sweepLoop(ctx, "mutes", s.muteInterval, s.muteSweep)
	go s.sweepLoop(ctx, "sizes", s.sizeInterval, func(ctx context.Context) error {
		return s.cache.RefreshSizes(ctx, s.tr)
	})

	s.logger.Info(ctx, "scheduler started",
		"digest_interval", s.digestInterval,
		"mute_sweep_interval", s.muteInterval,
		"size_sweep_interval", s.sizeInterval,
	)
}

// Stop cancels the loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) digestLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.digestInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx); err != nil {
				s.logger.Error(ctx, err, "digest run failed")
			}
		}
	}
}

func (s *Scheduler) sweepLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	defer s.wg.Done()

	// Prime the cache once at startup instead of waiting a full interval.
	if err := sweep(ctx); err != nil {
		s.logger.Error(ctx, err, "initial sweep failed", "sweep", name)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				s.logger.Error(ctx, err, "sweep failed", "sweep", name)
			}
		}
	}
}

func (s *Scheduler) muteSweep(ctx context.Context) error {
	if err := s.cache.RefreshMutes(ctx, s.tr); err != nil {
		return err
	}
	if s.onMuteSweep != nil {
		return s.onMuteSweep(ctx)
	}
	return nil
}

// Run executes one digest pass. Safe to call on demand while the interval
// loop is active; runs are serialized.
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	prefs := s.loadPrefs(ctx)
	window := time.Duration(prefs.DigestHours) * time.Hour
	since := time.Now().UTC().Add(-window)

	var exclude []int64
	if prefs.IgnoreMuted {
		exclude = append(exclude, s.cache.MutedChats()...)
	}
	if prefs.IgnoreLargeGroups {
		exclude = append(exclude, s.cache.Oversized(prefs.MaxGroupSize)...)
	}

	var records []*message.Record
	err := message.RetryBusy(ctx, func() error {
		var rerr error
		records, rerr = s.store.SelectForDigest(ctx, message.DigestQuery{
			Since:        since,
			MinScore:     prefs.MinScore,
			ExcludeChats: exclude,
			Limit:        prefs.MaxPerDigest,
		})
		return rerr
	})
	if err != nil {
		s.countRun("error")
		return nil, fmt.Errorf("select for digest: %w", err)
	}

	stats, statsErr := s.store.WindowStats(ctx, since)
	if statsErr != nil {
		s.logger.Error(ctx, statsErr, "window stats failed")
	}

	summary := &Summary{Included: len(records), Window: window, Stats: stats}

	if err := s.delivery.SendNotice(ctx, buildNotice(records, window, stats, statsErr == nil)); err != nil {
		// Records are already marked included; the loss is accepted.
		s.logger.Error(ctx, err, "digest delivery failed", "included", len(records))
		s.countRun("delivery_error")
		return summary, nil
	}

	s.countRun("ok")
	if s.metrics != nil {
		s.metrics.ItemsPerRun.Observe(float64(len(records)))
	}
	s.logger.Info(ctx, "digest run complete",
		"included", len(records),
		"window_messages", stats.TotalMessages,
		"window_chats", stats.DistinctChats,
	)
	return summary, nil
}

// loadPrefs reads the owner's preferences, falling back to defaults when no
// row exists or the read fails.
func (s *Scheduler) loadPrefs(ctx context.Context) *message.Prefs {
	prefs, ok, err := s.store.GetPrefs(ctx, s.ownerID)
	if err != nil {
		s.logger.Error(ctx, err, "prefs read failed, using defaults")
	}
	if err != nil || !ok {
		return message.DefaultPrefs(s.ownerID)
	}
	return prefs
}

// buildNotice renders the digest body. Zero qualifying records still reports
// window stats so the user can tell a quiet period from nothing-urgent; when
// the stats query failed that distinction is omitted rather than guessed.
func buildNotice(records []*message.Record, window time.Duration, stats message.WindowStats, haveStats bool) string {
	hours := int(window.Hours())

	if len(records) == 0 {
		if !haveStats {
			return fmt.Sprintf("Digest: no qualifying messages in the last %dh.", hours)
		}
		if stats.TotalMessages == 0 {
			return fmt.Sprintf("Quiet period: no messages in the last %dh.", hours)
		}
		return fmt.Sprintf("Nothing urgent: %d messages across %d chats in the last %dh, none qualified.",
			stats.TotalMessages, stats.DistinctChats, hours)
	}

	var b strings.Builder
	if haveStats {
		fmt.Fprintf(&b, "Digest: top %d of %d messages across %d chats (last %dh)\n",
			len(records), stats.TotalMessages, stats.DistinctChats, hours)
	} else {
		fmt.Fprintf(&b, "Digest: top %d messages (last %dh)\n", len(records), hours)
	}

	for _, r := range records {
		fmt.Fprintf(&b, "\n[%d] %s", r.Score, itemLine(r))
	}
	return b.String()
}

func itemLine(r *message.Record) string {
	who := r.SenderName
	if who == "" {
		who = fmt.Sprintf("sender %d", r.SenderID)
	}
	where := ""
	if r.ChatKind != message.KindPrivate && r.ChatTitle != "" {
		where = " in " + r.ChatTitle
	}

	body := r.Topic
	if body == "" {
		body = r.Text
		if len(body) > itemPreviewLimit {
			body = body[:itemPreviewLimit] + "…"
		}
	}
	return fmt.Sprintf("%s%s: %s", who, where, body)
}

func (s *Scheduler) countRun(result string) {
	if s.metrics != nil {
		s.metrics.RunsTotal.WithLabelValues(result).Inc()
	}
}
