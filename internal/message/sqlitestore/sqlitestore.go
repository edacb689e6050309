// Package sqlitestore provides a SQLite implementation of message.Store for
// single-node deployments that don't want to run PostgreSQL.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/linnemanlabs/herald/internal/message"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id                   TEXT PRIMARY KEY,
    transport_message_id INTEGER NOT NULL,
    chat_id              INTEGER NOT NULL,
    chat_title           TEXT NOT NULL DEFAULT '',
    chat_kind            TEXT NOT NULL,
    sender_id            INTEGER NOT NULL,
    sender_name          TEXT NOT NULL DEFAULT '',
    body                 TEXT NOT NULL DEFAULT '',
    captured_at          INTEGER NOT NULL,
    has_mention          INTEGER NOT NULL DEFAULT 0,
    is_question          INTEGER NOT NULL DEFAULT 0,
    text_length          INTEGER NOT NULL DEFAULT 0,
    topic                TEXT NOT NULL DEFAULT '',
    score                INTEGER NOT NULL DEFAULT 0,
    label                TEXT,
    labeled_at           INTEGER,
    digest_included      INTEGER NOT NULL DEFAULT 0,
    included_at          INTEGER,
    alert_sent           INTEGER NOT NULL DEFAULT 0,
    alert_at             INTEGER,
    created_at           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_captured_at ON messages(captured_at);
CREATE INDEX IF NOT EXISTS idx_messages_digest ON messages(digest_included, label, captured_at);

CREATE TABLE IF NOT EXISTS user_prefs (
    user_id             INTEGER PRIMARY KEY,
    context_text        TEXT NOT NULL DEFAULT '',
    digest_hours        INTEGER NOT NULL DEFAULT 4,
    max_per_digest      INTEGER NOT NULL DEFAULT 15,
    min_score           INTEGER NOT NULL DEFAULT 1,
    warn_threshold      INTEGER NOT NULL DEFAULT 8,
    ignore_large_groups INTEGER NOT NULL DEFAULT 0,
    max_group_size      INTEGER NOT NULL DEFAULT 20,
    ignore_muted        INTEGER NOT NULL DEFAULT 1,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS flagged_senders (
    sender_id  INTEGER PRIMARY KEY,
    name       TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
`

// Store persists message records in a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates the parent directory if needed, opens the database with WAL
// mode and a busy timeout, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close shuts down the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, transport_message_id, chat_id, chat_title, chat_kind, sender_id,
	sender_name, body, captured_at, has_mention, is_question, text_length, topic, score,
	label, labeled_at, digest_included, included_at, alert_sent, alert_at, created_at`

// Insert persists a complete record.
func (s *Store) Insert(ctx context.Context, r *message.Record) error {
	var label any
	if r.Label != "" {
		label = string(r.Label)
	}

	query := `INSERT INTO messages (` + recordColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.TransportMessageID, r.ChatID, r.ChatTitle, string(r.ChatKind), r.SenderID,
		r.SenderName, r.Text, r.CapturedAt.UnixNano(), r.HasMention, r.IsQuestion,
		r.TextLength, r.Topic, r.Score, label, nullableNanos(r.LabeledAt),
		r.DigestIncluded, nullableNanos(r.IncludedAt), r.AlertSent, nullableNanos(r.AlertAt),
		r.CreatedAt.UnixNano(),
	)
	if err != nil {
		return busyOr(fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, bool, error) {
	query := `SELECT ` + recordColumns + ` FROM messages WHERE id = ?`
	r, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// SetLabel applies a user label and returns the updated record.
func (s *Store) SetLabel(ctx context.Context, id string, label message.Label, at time.Time) (*message.Record, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET label = ?, labeled_at = ? WHERE id = ?`,
		string(label), at.UnixNano(), id,
	)
	if err != nil {
		return nil, false, busyOr(fmt.Errorf("set label: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	return s.Get(ctx, id)
}

// MarkAlertSent records the alert timestamp once; repeat calls change nothing.
func (s *Store) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET alert_sent = 1, alert_at = ? WHERE id = ? AND alert_sent = 0`,
		at.UnixNano(), id,
	)
	if err != nil {
		return busyOr(fmt.Errorf("mark alert sent: %w", err))
	}
	return nil
}

// SelectForDigest marks qualifying records with a per-call inclusion timestamp
// in one UPDATE, then reads the marked rows back. The single UPDATE is atomic,
// so concurrent runs never claim the same record.
func (s *Store) SelectForDigest(ctx context.Context, q message.DigestQuery) ([]*message.Record, error) {
	marker := time.Now().UTC().UnixNano()

	var sb strings.Builder
	args := []any{marker, q.Since.UnixNano(), q.MinScore}
	sb.WriteString(`UPDATE messages SET digest_included = 1, included_at = ?
	WHERE digest_included = 0 AND id IN (
		SELECT id FROM messages
		WHERE captured_at >= ? AND label IS NULL AND digest_included = 0 AND score >= ?`)
	if len(q.ExcludeChats) > 0 {
		sb.WriteString(` AND chat_id NOT IN (` + placeholders(len(q.ExcludeChats)) + `)`)
		for _, id := range q.ExcludeChats {
			args = append(args, id)
		}
	}
	sb.WriteString(`
		ORDER BY score DESC, captured_at DESC
		LIMIT ?)`)
	args = append(args, q.Limit)

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return nil, busyOr(fmt.Errorf("mark digest rows: %w", err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM messages WHERE included_at = ?
		 ORDER BY score DESC, captured_at DESC`,
		marker,
	)
	if err != nil {
		return nil, fmt.Errorf("read digest rows: %w", err)
	}
	defer rows.Close()

	var out []*message.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digest rows: %w", err)
	}
	return out, nil
}

// WindowStats counts messages and distinct chats captured since the cutoff.
func (s *Store) WindowStats(ctx context.Context, since time.Time) (message.WindowStats, error) {
	var stats message.WindowStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT chat_id) FROM messages WHERE captured_at >= ?`,
		since.UnixNano(),
	).Scan(&stats.TotalMessages, &stats.DistinctChats)
	if err != nil {
		return message.WindowStats{}, fmt.Errorf("window stats: %w", err)
	}
	return stats, nil
}

const prefsColumns = `user_id, context_text, digest_hours, max_per_digest, min_score,
	warn_threshold, ignore_large_groups, max_group_size, ignore_muted, created_at, updated_at`

// GetPrefs retrieves preferences for a user, if a row exists.
func (s *Store) GetPrefs(ctx context.Context, userID int64) (*message.Prefs, bool, error) {
	var (
		p         message.Prefs
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+prefsColumns+` FROM user_prefs WHERE user_id = ?`, userID,
	).Scan(
		&p.UserID, &p.Context, &p.DigestHours, &p.MaxPerDigest, &p.MinScore,
		&p.WarnThreshold, &p.IgnoreLargeGroups, &p.MaxGroupSize, &p.IgnoreMuted,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get prefs: %w", err)
	}
	p.CreatedAt = time.Unix(0, createdAt).UTC()
	p.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &p, true, nil
}

// PutPrefs inserts or updates a preferences row.
func (s *Store) PutPrefs(ctx context.Context, p *message.Prefs) error {
	query := `INSERT INTO user_prefs (` + prefsColumns + `)
	VALUES (?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT (user_id) DO UPDATE SET
		context_text        = excluded.context_text,
		digest_hours        = excluded.digest_hours,
		max_per_digest      = excluded.max_per_digest,
		min_score           = excluded.min_score,
		warn_threshold      = excluded.warn_threshold,
		ignore_large_groups = excluded.ignore_large_groups,
		max_group_size      = excluded.max_group_size,
		ignore_muted        = excluded.ignore_muted,
		updated_at          = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		p.UserID, p.Context, p.DigestHours, p.MaxPerDigest, p.MinScore,
		p.WarnThreshold, p.IgnoreLargeGroups, p.MaxGroupSize, p.IgnoreMuted,
		p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return busyOr(fmt.Errorf("put prefs: %w", err))
	}
	return nil
}

// FlaggedSenders lists all flagged senders.
func (s *Store) FlaggedSenders(ctx context.Context) ([]message.FlaggedSender, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, name, created_at FROM flagged_senders ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query flagged senders: %w", err)
	}
	defer rows.Close()

	var out []message.FlaggedSender
	for rows.Next() {
		var (
			f         message.FlaggedSender
			createdAt int64
		)
		if err := rows.Scan(&f.SenderID, &f.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan flagged sender: %w", err)
		}
		f.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flagged senders: %w", err)
	}
	return out, nil
}

// AddFlaggedSender flags a sender. Idempotent.
func (s *Store) AddFlaggedSender(ctx context.Context, f *message.FlaggedSender) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO flagged_senders (sender_id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (sender_id) DO UPDATE SET name = excluded.name`,
		f.SenderID, f.Name, f.CreatedAt.UnixNano(),
	)
	if err != nil {
		return busyOr(fmt.Errorf("add flagged sender: %w", err))
	}
	return nil
}

// RemoveFlaggedSender unflags a sender. Removing an unknown sender is a no-op.
func (s *Store) RemoveFlaggedSender(ctx context.Context, senderID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM flagged_senders WHERE sender_id = ?`, senderID)
	if err != nil {
		return busyOr(fmt.Errorf("remove flagged sender: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord scans a single row into a message.Record.
// Returns (nil, nil) when no row is found.
func scanRecord(row rowScanner) (*message.Record, error) {
	var (
		r          message.Record
		chatKind   string
		capturedAt int64
		label      sql.NullString
		labeledAt  sql.NullInt64
		includedAt sql.NullInt64
		alertAt    sql.NullInt64
		createdAt  int64
	)

	err := row.Scan(
		&r.ID, &r.TransportMessageID, &r.ChatID, &r.ChatTitle, &chatKind, &r.SenderID,
		&r.SenderName, &r.Text, &capturedAt, &r.HasMention, &r.IsQuestion, &r.TextLength,
		&r.Topic, &r.Score, &label, &labeledAt, &r.DigestIncluded, &includedAt,
		&r.AlertSent, &alertAt, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.ChatKind = message.ChatKind(chatKind)
	r.CapturedAt = time.Unix(0, capturedAt).UTC()
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	if label.Valid {
		r.Label = message.Label(label.String)
	}
	if labeledAt.Valid {
		r.LabeledAt = time.Unix(0, labeledAt.Int64).UTC()
	}
	if includedAt.Valid {
		r.IncludedAt = time.Unix(0, includedAt.Int64).UTC()
	}
	if alertAt.Valid {
		r.AlertAt = time.Unix(0, alertAt.Int64).UTC()
	}
	return &r, nil
}

func nullableNanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// busyOr maps SQLite lock contention to message.ErrBusy so callers can do
// their bounded retry. Other errors pass through unchanged.
func busyOr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %v", message.ErrBusy, err)
	}
	return err
}
