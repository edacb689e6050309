package message

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned by stores when a write lost a lock-contention race and
// may succeed if retried. Callers retry a small bounded number of times with
// a short fixed delay before surfacing the failure.
var ErrBusy = errors.New("store busy")

// ErrNotFound marks a lookup for a record ID that was never captured. Wrapped
// by callers so HTTP handlers can map it to a 404.
var ErrNotFound = errors.New("record not found")

const (
	busyAttempts = 3
	busyDelay    = 100 * time.Millisecond
)

// RetryBusy runs fn up to three times with a fixed 100ms delay between
// attempts, retrying only on ErrBusy. Any other error surfaces immediately.
func RetryBusy(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(busyDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn()
		if err == nil || !errors.Is(err, ErrBusy) {
			return err
		}
	}
	return err
}

// DigestQuery selects unlabeled, not-yet-included records for a digest run.
type DigestQuery struct {
	Since        time.Time // window lower bound (capture timestamp)
	MinScore     int
	ExcludeChats []int64 // muted union oversized, per active toggles
	Limit        int
}

// WindowStats summarizes all captured traffic in a time window, regardless of
// digest qualification. Used to distinguish a quiet period from nothing-urgent.
type WindowStats struct {
	TotalMessages int `json:"total_messages"`
	DistinctChats int `json:"distinct_chats"`
}

// Store is the persistence interface for message records, user preferences,
// and flagged senders.
type Store interface {
	// Insert persists a complete record. The caller assigns the ID.
	Insert(ctx context.Context, r *Record) error

	// Get retrieves a record by ID.
	Get(ctx context.Context, id string) (*Record, bool, error)

	// SetLabel applies a user label. Re-applying the same label is a no-op
	// that still returns the record. Returns found=false for unknown IDs.
	SetLabel(ctx context.Context, id string, label Label, at time.Time) (*Record, bool, error)

	// MarkAlertSent records that the real-time alert for id went out.
	// Transitions at most once; repeat calls are no-ops.
	MarkAlertSent(ctx context.Context, id string, at time.Time) error

	// SelectForDigest atomically selects qualifying records, ordered by score
	// descending then capture time descending, and marks them included. A
	// record is returned by at most one invocation ever, including
	// invocations running concurrently.
	SelectForDigest(ctx context.Context, q DigestQuery) ([]*Record, error)

	// WindowStats counts all messages and distinct chats captured since the
	// given time.
	WindowStats(ctx context.Context, since time.Time) (WindowStats, error)

	// GetPrefs retrieves preferences for a user, if a row exists.
	GetPrefs(ctx context.Context, userID int64) (*Prefs, bool, error)

	// PutPrefs inserts or updates a preferences row.
	PutPrefs(ctx context.Context, p *Prefs) error

	// FlaggedSenders lists all sender IDs with a score boost.
	FlaggedSenders(ctx context.Context) ([]FlaggedSender, error)

	// AddFlaggedSender flags a sender. Idempotent.
	AddFlaggedSender(ctx context.Context, s *FlaggedSender) error

	// RemoveFlaggedSender unflags a sender. Removing an unknown sender is a
	// no-op.
	RemoveFlaggedSender(ctx context.Context, senderID int64) error
}
