package filtercache

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/herald/internal/transport"
)

// RefreshMutes rebuilds the mute set from a dialog sweep and replaces it
// wholesale. On failure the previous set stays in place; a rate-limit signal
// is logged with the required wait and never slept off.
func (c *Cache) RefreshMutes(ctx context.Context, tr transport.Transport) error {
	dialogs, err := tr.Dialogs(ctx)
	if err != nil {
		c.observeSweep("mutes", "error")
		if wait, ok := transport.RetryAfter(err); ok {
			c.logger.Info(ctx, "mute sweep rate limited, keeping previous set", "retry_after", wait)
			return err
		}
		return fmt.Errorf("enumerate dialogs: %w", err)
	}

	now := time.Now()
	next := make(map[int64]struct{})
	for _, d := range dialogs {
		if d.Muted(now) {
			next[d.ChatID] = struct{}{}
		}
	}

	c.replaceMuted(next)
	c.observeSweep("mutes", "ok")
	c.logger.Info(ctx, "mute sweep complete", "dialogs", len(dialogs), "muted", len(next))
	return nil
}

// RefreshSizes rebuilds the group-size map from a dialog sweep. Dialogs
// without a listed count get a per-chat fallback fetch; a failed fetch skips
// that dialog. A rate-limit signal aborts the sweep early: partial progress
// replaces the map, but an empty partial result leaves the previous map
// untouched.
func (c *Cache) RefreshSizes(ctx context.Context, tr transport.Transport) error {
	dialogs, err := tr.Dialogs(ctx)
	if err != nil {
		c.observeSweep("sizes", "error")
		if wait, ok := transport.RetryAfter(err); ok {
			c.logger.Info(ctx, "size sweep rate limited, keeping previous map", "retry_after", wait)
			return err
		}
		return fmt.Errorf("enumerate dialogs: %w", err)
	}

	next := make(map[int64]int)
	var aborted error

	for _, d := range dialogs {
		if !d.Kind.IsGroup() {
			continue
		}
		if d.Participants > 0 {
			next[d.ChatID] = d.Participants
			continue
		}

		n, err := tr.Participants(ctx, d.ChatID)
		if err != nil {
			if wait, ok := transport.RetryAfter(err); ok {
				c.logger.Info(ctx, "size sweep rate limited, aborting with partial progress",
					"retry_after", wait, "collected", len(next))
				aborted = err
				break
			}
			c.logger.Error(ctx, err, "size fetch failed, skipping dialog", "chat_id", d.ChatID)
			continue
		}
		next[d.ChatID] = n
	}

	if aborted != nil && len(next) == 0 {
		c.observeSweep("sizes", "aborted")
		return aborted
	}

	c.replaceSizes(next)
	if aborted != nil {
		c.observeSweep("sizes", "partial")
		return aborted
	}
	c.observeSweep("sizes", "ok")
	c.logger.Info(ctx, "size sweep complete", "groups", len(next))
	return nil
}

func (c *Cache) observeSweep(sweep, result string) {
	if c.metrics != nil {
		c.metrics.SweepsTotal.WithLabelValues(sweep, result).Inc()
	}
}
