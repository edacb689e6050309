// Package message defines the domain model for captured chat messages and
// the Store interface (persistence), shared by the ingestion pipeline, digest
// scheduler, and feedback handler.
package message

import "time"

// ChatKind classifies the conversation a message arrived from.
type ChatKind string

const (
	// KindPrivate is a one-on-one conversation.
	KindPrivate ChatKind = "private"

	// KindGroup is a legacy small group.
	KindGroup ChatKind = "group"

	// KindSupergroup is a regular supergroup.
	KindSupergroup ChatKind = "supergroup"

	// KindGigagroup is a very large broadcast group.
	KindGigagroup ChatKind = "gigagroup"

	// KindChannel is a broadcast channel.
	KindChannel ChatKind = "channel"
)

// IsGroup reports whether the kind is subject to the group-size filter.
func (k ChatKind) IsGroup() bool {
	return k == KindGroup || k == KindSupergroup || k == KindGigagroup
}

// Label is a user-assigned priority classification.
type Label string

const (
	LabelHigh   Label = "high"
	LabelMedium Label = "medium"
	LabelLow    Label = "low"
)

// Valid reports whether the label is one of the accepted values.
func (l Label) Valid() bool {
	return l == LabelHigh || l == LabelMedium || l == LabelLow
}

// Record is one captured message. Score and topic are populated before the
// first write; DigestIncluded and AlertSent transition false->true at most
// once and are never reset.
type Record struct {
	ID                 string    `json:"id"`
	TransportMessageID int64     `json:"transport_message_id"`
	ChatID             int64     `json:"chat_id"`
	ChatTitle          string    `json:"chat_title,omitempty"`
	ChatKind           ChatKind  `json:"chat_kind"`
	SenderID           int64     `json:"sender_id"`
	SenderName         string    `json:"sender_name,omitempty"`
	Text               string    `json:"text,omitempty"`
	CapturedAt         time.Time `json:"captured_at"`
	HasMention         bool      `json:"has_mention"`
	IsQuestion         bool      `json:"is_question"`
	TextLength         int       `json:"text_length"`
	Topic              string    `json:"topic,omitempty"`
	Score              int       `json:"score"`
	Label              Label     `json:"label,omitempty"`
	LabeledAt          time.Time `json:"labeled_at,omitempty"`
	DigestIncluded     bool      `json:"digest_included"`
	IncludedAt         time.Time `json:"included_at,omitempty"`
	AlertSent          bool      `json:"alert_sent"`
	AlertAt            time.Time `json:"alert_at,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Prefs is the per-user configuration read by every component and mutated by
// the feedback handler. Created lazily on first access.
type Prefs struct {
	UserID            int64     `json:"user_id"`
	Context           string    `json:"context,omitempty"`
	DigestHours       int       `json:"digest_hours"`
	MaxPerDigest      int       `json:"max_per_digest"`
	MinScore          int       `json:"min_score"`
	WarnThreshold     int       `json:"warn_threshold"`
	IgnoreLargeGroups bool      `json:"ignore_large_groups"`
	MaxGroupSize      int       `json:"max_group_size"`
	IgnoreMuted       bool      `json:"ignore_muted"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DefaultPrefs returns the preferences row created on first access.
func DefaultPrefs(userID int64) *Prefs {
	now := time.Now().UTC()
	return &Prefs{
		UserID:        userID,
		DigestHours:   4,
		MaxPerDigest:  15,
		MinScore:      1,
		WarnThreshold: 8,
		MaxGroupSize:  20,
		IgnoreMuted:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// FlaggedSender is a sender whose messages get a rule-based score boost.
type FlaggedSender struct {
	SenderID  int64     `json:"sender_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
