// Package transport defines the boundary to the chat network: the inbound
// message stream, dialog enumeration, mute control, and outbound delivery of
// alert cards and notices.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/herald/internal/message"
)

// MuteForever is the mute-until sentinel for an indefinite mute, in unix
// seconds. Chat networks treat it as "muted until further notice".
const MuteForever int64 = 2147483647

// MessageEvent is one incoming message as observed on the wire, before
// scoring or persistence.
type MessageEvent struct {
	MessageID  int64
	ChatID     int64
	ChatTitle  string
	ChatKind   message.ChatKind
	SenderID   int64
	SenderName string
	Text       string
	SentAt     time.Time

	// Outgoing marks messages authored by the account itself.
	Outgoing bool

	// Mentioned is set when the client flagged an explicit mention of the
	// account, independent of any @pattern in the text.
	Mentioned bool
}

// Dialog is one conversation as reported by a dialog sweep.
type Dialog struct {
	ChatID int64
	Title  string
	Kind   message.ChatKind

	// Silent is the client-side notification-off flag.
	Silent bool

	// MutedUntil is a unix-seconds timestamp; zero means not muted and
	// MuteForever means muted indefinitely.
	MutedUntil int64

	// Participants is the member count when the dialog listing carried one;
	// zero means unknown and callers fall back to Participants().
	Participants int
}

// Muted reports whether the dialog counts as muted at the given time.
func (d Dialog) Muted(now time.Time) bool {
	return d.Silent || d.MutedUntil == MuteForever || d.MutedUntil > now.Unix()
}

// Transport is the chat-network client used by the ingestion pipeline, the
// cache sweeps, and the feedback handler.
type Transport interface {
	// Events returns the inbound message stream. The channel closes when ctx
	// is cancelled or the underlying connection ends.
	Events(ctx context.Context) (<-chan MessageEvent, error)

	// Dialogs enumerates all conversations the account participates in.
	Dialogs(ctx context.Context) ([]Dialog, error)

	// Participants fetches the member count for a single chat. Used as the
	// fallback when a dialog listing did not carry one.
	Participants(ctx context.Context, chatID int64) (int, error)

	// Resolve fetches current dialog metadata for one chat.
	Resolve(ctx context.Context, chatID int64) (Dialog, error)

	// SetMute mutes a chat until the given unix-seconds timestamp
	// (MuteForever for indefinite).
	SetMute(ctx context.Context, chatID int64, until int64) error

	// ClearMute unmutes a chat.
	ClearMute(ctx context.Context, chatID int64) error
}

// Card is a formatted alert with interactive classification buttons keyed by
// the persisted record ID.
type Card struct {
	RecordID string
	ChatID   int64
	Text     string
}

// Delivery sends triage output to the user.
type Delivery interface {
	// SendCard delivers an alert card with its label and mute buttons.
	SendCard(ctx context.Context, card Card) error

	// SendNotice delivers a plain text message, e.g. a digest or a
	// quiet-period note.
	SendNotice(ctx context.Context, text string) error
}

// RateLimitedError reports that the network applied flood control. Callers
// abort the current sweep and keep partial progress rather than sleeping.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RetryAfter extracts the flood-control wait from an error chain.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
