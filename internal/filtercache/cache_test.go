package filtercache

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/transport"
)

type fakeTransport struct {
	dialogs      []transport.Dialog
	dialogsErr   error
	participants map[int64]int
	partErr      map[int64]error
}

func (f *fakeTransport) Events(context.Context) (<-chan transport.MessageEvent, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Dialogs(context.Context) ([]transport.Dialog, error) {
	return f.dialogs, f.dialogsErr
}

func (f *fakeTransport) Participants(_ context.Context, chatID int64) (int, error) {
	if err, ok := f.partErr[chatID]; ok {
		return 0, err
	}
	return f.participants[chatID], nil
}

func (f *fakeTransport) Resolve(_ context.Context, chatID int64) (transport.Dialog, error) {
	for _, d := range f.dialogs {
		if d.ChatID == chatID {
			return d, nil
		}
	}
	return transport.Dialog{}, errors.New("unknown chat")
}

func (f *fakeTransport) SetMute(context.Context, int64, int64) error { return nil }
func (f *fakeTransport) ClearMute(context.Context, int64) error      { return nil }

func TestOptimisticMute(t *testing.T) {
	t.Parallel()

	c := New(log.Nop())
	if c.Muted(100) {
		t.Fatal("empty cache reports chat muted")
	}

	c.AddMuted(100)
	if !c.Muted(100) {
		t.Fatal("AddMuted not visible")
	}

	c.RemoveMuted(100)
	if c.Muted(100) {
		t.Fatal("RemoveMuted not visible")
	}

	// Removing an absent entry is a no-op.
	c.RemoveMuted(999)
}

func TestRefreshMutes(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{dialogs: []transport.Dialog{
		{ChatID: 1, Kind: message.KindPrivate, Silent: true},
		{ChatID: 2, Kind: message.KindSupergroup, MutedUntil: transport.MuteForever},
		{ChatID: 3, Kind: message.KindSupergroup, MutedUntil: time.Now().Add(time.Hour).Unix()},
		{ChatID: 4, Kind: message.KindSupergroup, MutedUntil: time.Now().Add(-time.Hour).Unix()},
		{ChatID: 5, Kind: message.KindPrivate},
	}}

	c := New(log.Nop())
	if err := c.RefreshMutes(context.Background(), tr); err != nil {
		t.Fatalf("RefreshMutes: %v", err)
	}

	for _, id := range []int64{1, 2, 3} {
		if !c.Muted(id) {
			t.Errorf("chat %d not muted", id)
		}
	}
	for _, id := range []int64{4, 5} {
		if c.Muted(id) {
			t.Errorf("chat %d muted, want unmuted", id)
		}
	}
}

func TestRefreshMutesReplacesOptimisticEntries(t *testing.T) {
	t.Parallel()

	c := New(log.Nop())
	c.AddMuted(42)

	tr := &fakeTransport{dialogs: []transport.Dialog{
		{ChatID: 42, Kind: message.KindSupergroup}, // not muted per transport
		{ChatID: 43, Kind: message.KindSupergroup, Silent: true},
	}}
	if err := c.RefreshMutes(context.Background(), tr); err != nil {
		t.Fatalf("RefreshMutes: %v", err)
	}

	if c.Muted(42) {
		t.Error("sweep did not overwrite optimistic mute")
	}
	if !c.Muted(43) {
		t.Error("swept mute missing")
	}
}

func TestRefreshMutesFailureKeepsOldSet(t *testing.T) {
	t.Parallel()

	c := New(log.Nop())
	c.AddMuted(7)

	tr := &fakeTransport{dialogsErr: &transport.RateLimitedError{RetryAfter: 30 * time.Second}}
	if err := c.RefreshMutes(context.Background(), tr); err == nil {
		t.Fatal("expected error")
	}
	if !c.Muted(7) {
		t.Error("failed sweep cleared the previous set")
	}
}

func TestRefreshSizes(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{
		dialogs: []transport.Dialog{
			{ChatID: 1, Kind: message.KindPrivate},                       // not a group
			{ChatID: 2, Kind: message.KindSupergroup, Participants: 50},  // listed count
			{ChatID: 3, Kind: message.KindGroup},                         // fallback fetch
			{ChatID: 4, Kind: message.KindGigagroup, Participants: 5000},
		},
		participants: map[int64]int{3: 8},
	}

	c := New(log.Nop())
	if err := c.RefreshSizes(context.Background(), tr); err != nil {
		t.Fatalf("RefreshSizes: %v", err)
	}

	if _, ok := c.Size(1); ok {
		t.Error("private chat has a cached size")
	}
	if n, _ := c.Size(2); n != 50 {
		t.Errorf("Size(2) = %d, want 50", n)
	}
	if n, _ := c.Size(3); n != 8 {
		t.Errorf("Size(3) = %d, want 8 via fallback", n)
	}

	over := c.Oversized(20)
	sort.Slice(over, func(i, j int) bool { return over[i] < over[j] })
	if len(over) != 2 || over[0] != 2 || over[1] != 4 {
		t.Errorf("Oversized(20) = %v, want [2 4]", over)
	}
}

func TestRefreshSizesSkipsFailedDialog(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{
		dialogs: []transport.Dialog{
			{ChatID: 1, Kind: message.KindSupergroup},
			{ChatID: 2, Kind: message.KindSupergroup, Participants: 30},
		},
		partErr: map[int64]error{1: errors.New("peer unavailable")},
	}

	c := New(log.Nop())
	if err := c.RefreshSizes(context.Background(), tr); err != nil {
		t.Fatalf("RefreshSizes: %v", err)
	}
	if _, ok := c.Size(1); ok {
		t.Error("failed dialog has a cached size")
	}
	if n, _ := c.Size(2); n != 30 {
		t.Errorf("Size(2) = %d, want 30", n)
	}
}

func TestRefreshSizesRateLimitKeepsPartialProgress(t *testing.T) {
	t.Parallel()

	tr := &fakeTransport{
		dialogs: []transport.Dialog{
			{ChatID: 1, Kind: message.KindSupergroup, Participants: 10},
			{ChatID: 2, Kind: message.KindSupergroup}, // triggers fallback, rate limited
			{ChatID: 3, Kind: message.KindSupergroup, Participants: 30},
		},
		partErr: map[int64]error{2: &transport.RateLimitedError{RetryAfter: time.Minute}},
	}

	c := New(log.Nop())
	err := c.RefreshSizes(context.Background(), tr)
	if _, ok := transport.RetryAfter(err); !ok {
		t.Fatalf("err = %v, want rate limit", err)
	}

	// Partial progress replaced the map: dialog 1 collected, sweep aborted
	// before dialog 3.
	if n, _ := c.Size(1); n != 10 {
		t.Errorf("Size(1) = %d, want 10", n)
	}
	if _, ok := c.Size(3); ok {
		t.Error("Size(3) cached after early abort")
	}
}

func TestRefreshSizesEmptyAbortKeepsOldMap(t *testing.T) {
	t.Parallel()

	c := New(log.Nop())
	seed := &fakeTransport{dialogs: []transport.Dialog{
		{ChatID: 9, Kind: message.KindSupergroup, Participants: 99},
	}}
	if err := c.RefreshSizes(context.Background(), seed); err != nil {
		t.Fatalf("seed sweep: %v", err)
	}

	// First dialog rate-limits immediately: nothing collected.
	tr := &fakeTransport{
		dialogs: []transport.Dialog{{ChatID: 1, Kind: message.KindSupergroup}},
		partErr: map[int64]error{1: &transport.RateLimitedError{RetryAfter: time.Minute}},
	}
	if err := c.RefreshSizes(context.Background(), tr); err == nil {
		t.Fatal("expected error")
	}

	if n, _ := c.Size(9); n != 99 {
		t.Errorf("Size(9) = %d, want previous map kept", n)
	}
}

func TestMutedChatsSnapshot(t *testing.T) {
	t.Parallel()

	c := New(log.Nop())
	c.AddMuted(1)
	c.AddMuted(2)

	got := c.MutedChats()
	if len(got) != 2 {
		t.Fatalf("MutedChats = %v, want 2 entries", got)
	}

	// Mutating the snapshot must not affect the cache.
	got[0] = 999
	if c.Muted(999) {
		t.Error("snapshot mutation leaked into cache")
	}
}
