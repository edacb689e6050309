package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/herald/internal/message"
)

// contextLimit bounds the personalization text forwarded to the oracle prompt.
const contextLimit = 500

// ErrInvalidPrefs marks a preferences update rejected by validation.
var ErrInvalidPrefs = errors.New("invalid preferences")

// PrefsUpdate is a partial preferences change. Nil fields keep their current
// values.
type PrefsUpdate struct {
	Context           *string `json:"context,omitempty"`
	DigestHours       *int    `json:"digest_hours,omitempty"`
	MaxPerDigest      *int    `json:"max_per_digest,omitempty"`
	MinScore          *int    `json:"min_score,omitempty"`
	WarnThreshold     *int    `json:"warn_threshold,omitempty"`
	IgnoreLargeGroups *bool   `json:"ignore_large_groups,omitempty"`
	MaxGroupSize      *int    `json:"max_group_size,omitempty"`
	IgnoreMuted       *bool   `json:"ignore_muted,omitempty"`
}

// Prefs returns the owner's current preferences, defaults when no row exists
// yet. Reading never creates the row; first write or first scored message does.
func (h *Handler) Prefs(ctx context.Context) (*message.Prefs, error) {
	p, ok, err := h.store.GetPrefs(ctx, h.ownerID)
	if err != nil {
		return nil, fmt.Errorf("prefs read failed: %w", err)
	}
	if !ok {
		return message.DefaultPrefs(h.ownerID), nil
	}
	return p, nil
}

// UpdatePrefs merges the update onto the current preferences, validates the
// result, and persists it. The stored row is untouched when validation fails.
func (h *Handler) UpdatePrefs(ctx context.Context, u PrefsUpdate) (*message.Prefs, error) {
	p, err := h.Prefs(ctx)
	if err != nil {
		h.count("prefs", "error")
		return nil, err
	}

	if u.Context != nil {
		p.Context = *u.Context
	}
	if u.DigestHours != nil {
		p.DigestHours = *u.DigestHours
	}
	if u.MaxPerDigest != nil {
		p.MaxPerDigest = *u.MaxPerDigest
	}
	if u.MinScore != nil {
		p.MinScore = *u.MinScore
	}
	if u.WarnThreshold != nil {
		p.WarnThreshold = *u.WarnThreshold
	}
	if u.IgnoreLargeGroups != nil {
		p.IgnoreLargeGroups = *u.IgnoreLargeGroups
	}
	if u.MaxGroupSize != nil {
		p.MaxGroupSize = *u.MaxGroupSize
	}
	if u.IgnoreMuted != nil {
		p.IgnoreMuted = *u.IgnoreMuted
	}

	if err := validatePrefs(p); err != nil {
		h.count("prefs", "rejected")
		return nil, err
	}

	p.UpdatedAt = time.Now().UTC()
	err = message.RetryBusy(ctx, func() error {
		return h.store.PutPrefs(ctx, p)
	})
	if err != nil {
		h.count("prefs", "error")
		return nil, fmt.Errorf("prefs write failed: %w", err)
	}

	h.count("prefs", "ok")
	h.logger.Info(ctx, "preferences updated", "user_id", p.UserID)
	return p, nil
}

func validatePrefs(p *message.Prefs) error {
	if len(p.Context) > contextLimit {
		return fmt.Errorf("%w: context exceeds %d characters", ErrInvalidPrefs, contextLimit)
	}
	if p.DigestHours < 1 || p.DigestHours > 24 {
		return fmt.Errorf("%w: digest_hours must be 1..24", ErrInvalidPrefs)
	}
	if p.MaxPerDigest < 1 || p.MaxPerDigest > 50 {
		return fmt.Errorf("%w: max_per_digest must be 1..50", ErrInvalidPrefs)
	}
	if p.MinScore < 0 || p.MinScore > 10 {
		return fmt.Errorf("%w: min_score must be 0..10", ErrInvalidPrefs)
	}
	if p.WarnThreshold < 0 || p.WarnThreshold > 10 {
		return fmt.Errorf("%w: warn_threshold must be 0..10", ErrInvalidPrefs)
	}
	if p.MaxGroupSize < 1 || p.MaxGroupSize > 10000 {
		return fmt.Errorf("%w: max_group_size must be 1..10000", ErrInvalidPrefs)
	}
	return nil
}
