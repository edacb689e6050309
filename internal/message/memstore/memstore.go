// Package memstore provides an in-memory implementation of message.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/herald/internal/message"
)

// Store holds records in memory. Suitable for dev/testing; digest selection
// and marking happen under one lock, so concurrent runs never double-include.
type Store struct {
	mu      sync.RWMutex
	records map[string]*message.Record // record ID -> record
	order   []string                   // insertion order, for stable iteration
	prefs   map[int64]*message.Prefs   // user ID -> preferences
	flagged map[int64]*message.FlaggedSender
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		records: make(map[string]*message.Record),
		prefs:   make(map[int64]*message.Prefs),
		flagged: make(map[int64]*message.FlaggedSender),
	}
}

// Insert stores a copy of the record.
func (s *Store) Insert(_ context.Context, r *message.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if _, exists := s.records[r.ID]; !exists {
		s.order = append(s.order, r.ID)
	}
	s.records[r.ID] = &cp
	return nil
}

// Get retrieves a record by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*message.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

// SetLabel applies a label to a record. Returns a copy of the updated record.
func (s *Store) SetLabel(_ context.Context, id string, label message.Label, at time.Time) (*message.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	r.Label = label
	r.LabeledAt = at
	cp := *r
	return &cp, true, nil
}

// MarkAlertSent sets the alert flag once; repeat calls keep the first timestamp.
func (s *Store) MarkAlertSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.AlertSent {
		return nil
	}
	r.AlertSent = true
	r.AlertAt = at
	return nil
}

// SelectForDigest selects and marks qualifying records under one lock.
func (s *Store) SelectForDigest(_ context.Context, q message.DigestQuery) ([]*message.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[int64]bool, len(q.ExcludeChats))
	for _, id := range q.ExcludeChats {
		excluded[id] = true
	}

	var candidates []*message.Record
	for _, id := range s.order {
		r := s.records[id]
		if r.CapturedAt.Before(q.Since) {
			continue
		}
		if r.Label != "" || r.DigestIncluded {
			continue
		}
		if r.Score < q.MinScore {
			continue
		}
		if excluded[r.ChatID] {
			continue
		}
		candidates = append(candidates, r)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].CapturedAt.After(candidates[j].CapturedAt)
	})

	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	now := time.Now().UTC()
	out := make([]*message.Record, 0, len(candidates))
	for _, r := range candidates {
		r.DigestIncluded = true
		r.IncludedAt = now
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// WindowStats counts messages and distinct chats captured since the cutoff.
func (s *Store) WindowStats(_ context.Context, since time.Time) (message.WindowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chats := make(map[int64]bool)
	var total int
	for _, r := range s.records {
		if r.CapturedAt.Before(since) {
			continue
		}
		total++
		chats[r.ChatID] = true
	}
	return message.WindowStats{TotalMessages: total, DistinctChats: len(chats)}, nil
}

// GetPrefs retrieves preferences for a user. Returns a copy.
func (s *Store) GetPrefs(_ context.Context, userID int64) (*message.Prefs, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return nil, false, nil
	}
	cp := *p
	return &cp, true, nil
}

// PutPrefs stores a copy of the preferences row.
func (s *Store) PutPrefs(_ context.Context, p *message.Prefs) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.prefs[p.UserID] = &cp
	return nil
}

// FlaggedSenders lists flagged senders.
func (s *Store) FlaggedSenders(_ context.Context) ([]message.FlaggedSender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.FlaggedSender, 0, len(s.flagged))
	for _, f := range s.flagged {
		out = append(out, *f)
	}
	return out, nil
}

// AddFlaggedSender flags a sender.
func (s *Store) AddFlaggedSender(_ context.Context, f *message.FlaggedSender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.flagged[f.SenderID] = &cp
	return nil
}

// RemoveFlaggedSender unflags a sender.
func (s *Store) RemoveFlaggedSender(_ context.Context, senderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flagged, senderID)
	return nil
}
