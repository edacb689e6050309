package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/herald/internal/message"
	"github.com/linnemanlabs/herald/internal/message/pgstore"
	"github.com/linnemanlabs/herald/internal/postgres"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("HERALD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("HERALD_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func newRecord(t *testing.T, chatID int64, score int, capturedAt time.Time) *message.Record {
	t.Helper()
	return &message.Record{
		ID:                 ulid.Make().String(),
		TransportMessageID: 42,
		ChatID:             chatID,
		ChatTitle:          "eng-standup",
		ChatKind:           message.KindSupergroup,
		SenderID:           7001,
		SenderName:         "alice",
		Text:               "Can you review the contract by 5pm?",
		CapturedAt:         capturedAt,
		IsQuestion:         true,
		TextLength:         35,
		Score:              score,
		CreatedAt:          capturedAt,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := newRecord(t, 1001, 5, now)
	r.HasMention = true
	r.Topic = "contract review"

	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	assertEqual(t, "ID", r.ID, got.ID)
	assertEqual(t, "TransportMessageID", r.TransportMessageID, got.TransportMessageID)
	assertEqual(t, "ChatID", r.ChatID, got.ChatID)
	assertEqual(t, "ChatKind", string(r.ChatKind), string(got.ChatKind))
	assertEqual(t, "SenderID", r.SenderID, got.SenderID)
	assertEqual(t, "Text", r.Text, got.Text)
	assertEqual(t, "HasMention", true, got.HasMention)
	assertEqual(t, "IsQuestion", true, got.IsQuestion)
	assertEqual(t, "Topic", "contract review", got.Topic)
	assertEqual(t, "Score", 5, got.Score)
	assertEqual(t, "Label", "", string(got.Label))
	assertEqual(t, "DigestIncluded", false, got.DigestIncluded)
	assertEqual(t, "AlertSent", false, got.AlertSent)
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, ulid.Make().String())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestSetLabel(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := newRecord(t, 1002, 3, now)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	at := now.Add(time.Minute)
	got, ok, err := s.SetLabel(ctx, r.ID, message.LabelHigh, at)
	if err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	if !ok {
		t.Fatal("SetLabel returned ok=false")
	}
	assertEqual(t, "Label", string(message.LabelHigh), string(got.Label))
	if !got.LabeledAt.Equal(at) {
		t.Errorf("LabeledAt: got %v, want %v", got.LabeledAt, at)
	}

	// Re-applying the same label still succeeds and returns the record.
	again, ok, err := s.SetLabel(ctx, r.ID, message.LabelHigh, at.Add(time.Minute))
	if err != nil {
		t.Fatalf("SetLabel repeat: %v", err)
	}
	if !ok {
		t.Fatal("SetLabel repeat returned ok=false")
	}
	assertEqual(t, "Label", string(message.LabelHigh), string(again.Label))
}

func TestSetLabelMissing(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, ok, err := s.SetLabel(ctx, ulid.Make().String(), message.LabelLow, time.Now().UTC())
	if err != nil {
		t.Fatalf("SetLabel: %v", err)
	}
	if ok {
		t.Error("SetLabel returned ok=true for nonexistent ID")
	}
}

func TestMarkAlertSentOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	r := newRecord(t, 1003, 9, now)
	if err := s.Insert(ctx, r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	first := now.Add(time.Second)
	if err := s.MarkAlertSent(ctx, r.ID, first); err != nil {
		t.Fatalf("MarkAlertSent: %v", err)
	}
	if err := s.MarkAlertSent(ctx, r.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("MarkAlertSent repeat: %v", err)
	}

	got, _, err := s.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.AlertSent {
		t.Fatal("AlertSent = false after MarkAlertSent")
	}
	if !got.AlertAt.Equal(first) {
		t.Errorf("AlertAt moved on repeat call: got %v, want %v", got.AlertAt, first)
	}
}

func TestSelectForDigest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	chatID := time.Now().UnixNano() // unique per test run

	var ids []string
	for i := 0; i < 4; i++ {
		r := newRecord(t, chatID, i+1, now.Add(time.Duration(i)*time.Second))
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
		ids = append(ids, r.ID)
	}

	q := message.DigestQuery{
		Since:    now.Add(-time.Minute),
		MinScore: 2,
		Limit:    2,
	}
	got, err := s.SelectForDigest(ctx, q)
	if err != nil {
		t.Fatalf("SelectForDigest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("selected %d records, want 2", len(got))
	}
	assertEqual(t, "first", ids[3], got[0].ID)
	assertEqual(t, "second", ids[2], got[1].ID)
	for _, r := range got {
		if !r.DigestIncluded {
			t.Errorf("record %s not marked included", r.ID)
		}
	}

	// Second run must not re-select the marked records.
	again, err := s.SelectForDigest(ctx, q)
	if err != nil {
		t.Fatalf("SelectForDigest again: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("second run selected %d records, want 1", len(again))
	}
	assertEqual(t, "remaining", ids[1], again[0].ID)
}

func TestSelectForDigestExcludesChats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	muted := time.Now().UnixNano()
	active := muted + 1

	rMuted := newRecord(t, muted, 5, now)
	rActive := newRecord(t, active, 5, now)
	for _, r := range []*message.Record{rMuted, rActive} {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.SelectForDigest(ctx, message.DigestQuery{
		Since:        now.Add(-time.Minute),
		MinScore:     1,
		ExcludeChats: []int64{muted},
		Limit:        10,
	})
	if err != nil {
		t.Fatalf("SelectForDigest: %v", err)
	}
	for _, r := range got {
		if r.ChatID == muted {
			t.Errorf("muted chat %d leaked into digest", muted)
		}
	}
	found := false
	for _, r := range got {
		if r.ID == rActive.ID {
			found = true
		}
	}
	if !found {
		t.Error("active chat record missing from digest")
	}
}

func TestWindowStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	base := time.Now().UnixNano()

	for i := 0; i < 3; i++ {
		r := newRecord(t, base+int64(i%2), 1, now)
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	stats, err := s.WindowStats(ctx, now.Add(-time.Second))
	if err != nil {
		t.Fatalf("WindowStats: %v", err)
	}
	if stats.TotalMessages < 3 {
		t.Errorf("TotalMessages = %d, want >= 3", stats.TotalMessages)
	}
	if stats.DistinctChats < 2 {
		t.Errorf("DistinctChats = %d, want >= 2", stats.DistinctChats)
	}
}

func TestPrefsRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	userID := time.Now().UnixNano()

	_, ok, err := s.GetPrefs(ctx, userID)
	if err != nil {
		t.Fatalf("GetPrefs: %v", err)
	}
	if ok {
		t.Fatal("GetPrefs returned ok=true before any Put")
	}

	p := message.DefaultPrefs(userID)
	p.Context = "I run a small consultancy"
	if err := s.PutPrefs(ctx, p); err != nil {
		t.Fatalf("PutPrefs: %v", err)
	}

	got, ok, err := s.GetPrefs(ctx, userID)
	if err != nil {
		t.Fatalf("GetPrefs: %v", err)
	}
	if !ok {
		t.Fatal("GetPrefs returned ok=false after Put")
	}
	assertEqual(t, "Context", p.Context, got.Context)
	assertEqual(t, "DigestHours", 4, got.DigestHours)
	assertEqual(t, "MaxPerDigest", 15, got.MaxPerDigest)
	assertEqual(t, "WarnThreshold", 8, got.WarnThreshold)
	assertEqual(t, "IgnoreMuted", true, got.IgnoreMuted)

	p.MinScore = 3
	p.UpdatedAt = time.Now().Truncate(time.Microsecond).UTC()
	if err := s.PutPrefs(ctx, p); err != nil {
		t.Fatalf("PutPrefs update: %v", err)
	}
	got, _, err = s.GetPrefs(ctx, userID)
	if err != nil {
		t.Fatalf("GetPrefs after update: %v", err)
	}
	assertEqual(t, "MinScore", 3, got.MinScore)
}

func TestFlaggedSenders(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	senderID := time.Now().UnixNano()
	f := &message.FlaggedSender{
		SenderID:  senderID,
		Name:      fmt.Sprintf("sender-%d", senderID),
		CreatedAt: time.Now().Truncate(time.Microsecond).UTC(),
	}
	if err := s.AddFlaggedSender(ctx, f); err != nil {
		t.Fatalf("AddFlaggedSender: %v", err)
	}
	if err := s.AddFlaggedSender(ctx, f); err != nil {
		t.Fatalf("AddFlaggedSender repeat: %v", err)
	}

	all, err := s.FlaggedSenders(ctx)
	if err != nil {
		t.Fatalf("FlaggedSenders: %v", err)
	}
	count := 0
	for _, got := range all {
		if got.SenderID == senderID {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("flagged sender appears %d times, want 1", count)
	}

	if err := s.RemoveFlaggedSender(ctx, senderID); err != nil {
		t.Fatalf("RemoveFlaggedSender: %v", err)
	}
	if err := s.RemoveFlaggedSender(ctx, senderID); err != nil {
		t.Fatalf("RemoveFlaggedSender repeat: %v", err)
	}

	all, err = s.FlaggedSenders(ctx)
	if err != nil {
		t.Fatalf("FlaggedSenders after remove: %v", err)
	}
	for _, got := range all {
		if got.SenderID == senderID {
			t.Fatal("flagged sender still present after remove")
		}
	}
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}
