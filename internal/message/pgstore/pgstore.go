// Package pgstore provides a PostgreSQL implementation of message.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/herald/internal/message"
)

var tracer = otel.Tracer("github.com/linnemanlabs/herald/internal/message/pgstore")

//go:embed schema.sql
var schema string

// Store persists message records in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const recordColumns = `id, transport_message_id, chat_id, chat_title, chat_kind, sender_id,
	sender_name, body, captured_at, has_mention, is_question, text_length, topic, score,
	label, labeled_at, digest_included, included_at, alert_sent, alert_at, created_at`

// Insert persists a complete record.
func (s *Store) Insert(ctx context.Context, r *message.Record) error {
	ctx, span := tracer.Start(ctx, "pgstore.Insert", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
	))
	defer span.End()

	var label *string
	if r.Label != "" {
		l := string(r.Label)
		label = &l
	}

	query := `INSERT INTO messages (` + recordColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.TransportMessageID, r.ChatID, r.ChatTitle, string(r.ChatKind), r.SenderID,
		r.SenderName, r.Text, r.CapturedAt, r.HasMention, r.IsQuestion, r.TextLength,
		r.Topic, r.Score, label, nullableTime(r.LabeledAt), r.DigestIncluded,
		nullableTime(r.IncludedAt), r.AlertSent, nullableTime(r.AlertAt), r.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return busyOr(fmt.Errorf("insert message: %w", err))
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*message.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	query := `SELECT ` + recordColumns + ` FROM messages WHERE id = $1`
	r, err := scanRecordRow(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// SetLabel applies a user label and returns the updated record.
func (s *Store) SetLabel(ctx context.Context, id string, label message.Label, at time.Time) (*message.Record, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.SetLabel", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	query := `UPDATE messages SET label = $2, labeled_at = $3 WHERE id = $1 RETURNING ` + recordColumns
	r, err := scanRecordRow(s.pool.QueryRow(ctx, query, id, string(label), at))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, busyOr(err)
	}
	if r == nil {
		return nil, false, nil
	}
	return r, true, nil
}

// MarkAlertSent records the alert timestamp once; repeat calls change nothing.
func (s *Store) MarkAlertSent(ctx context.Context, id string, at time.Time) error {
	ctx, span := tracer.Start(ctx, "pgstore.MarkAlertSent", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET alert_sent = TRUE, alert_at = $2 WHERE id = $1 AND alert_sent = FALSE`,
		id, at,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return busyOr(fmt.Errorf("mark alert sent: %w", err))
	}
	return nil
}

// SelectForDigest picks qualifying records and marks them included in a single
// statement. SKIP LOCKED keeps concurrent runs from claiming the same rows.
func (s *Store) SelectForDigest(ctx context.Context, q message.DigestQuery) ([]*message.Record, error) {
	ctx, span := tracer.Start(ctx, "pgstore.SelectForDigest", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPDATE"),
		attribute.Int("digest.limit", q.Limit),
	))
	defer span.End()

	exclude := q.ExcludeChats
	if exclude == nil {
		exclude = []int64{}
	}

	query := `WITH picked AS (
		SELECT id FROM messages
		WHERE captured_at >= $1
		  AND label IS NULL
		  AND digest_included = FALSE
		  AND score >= $2
		  AND NOT (chat_id = ANY($3))
		ORDER BY score DESC, captured_at DESC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	UPDATE messages m SET digest_included = TRUE, included_at = $5
	FROM picked WHERE m.id = picked.id
	RETURNING ` + prefixColumns("m.")

	rows, err := s.pool.Query(ctx, query, q.Since, q.MinScore, exclude, q.Limit, time.Now().UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, busyOr(fmt.Errorf("select for digest: %w", err))
	}
	defer rows.Close()

	var out []*message.Record
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, busyOr(fmt.Errorf("iterate digest rows: %w", err))
	}

	// RETURNING does not preserve the CTE ordering.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CapturedAt.After(out[j].CapturedAt)
	})

	span.SetAttributes(attribute.Int("digest.selected", len(out)))
	return out, nil
}

// WindowStats counts messages and distinct chats captured since the cutoff.
func (s *Store) WindowStats(ctx context.Context, since time.Time) (message.WindowStats, error) {
	ctx, span := tracer.Start(ctx, "pgstore.WindowStats", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var stats message.WindowStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT chat_id) FROM messages WHERE captured_at >= $1`,
		since,
	).Scan(&stats.TotalMessages, &stats.DistinctChats)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return message.WindowStats{}, fmt.Errorf("window stats: %w", err)
	}
	return stats, nil
}

const prefsColumns = `user_id, context_text, digest_hours, max_per_digest, min_score,
	warn_threshold, ignore_large_groups, max_group_size, ignore_muted, created_at, updated_at`

// GetPrefs retrieves preferences for a user, if a row exists.
func (s *Store) GetPrefs(ctx context.Context, userID int64) (*message.Prefs, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.GetPrefs", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var p message.Prefs
	err := s.pool.QueryRow(ctx,
		`SELECT `+prefsColumns+` FROM user_prefs WHERE user_id = $1`, userID,
	).Scan(
		&p.UserID, &p.Context, &p.DigestHours, &p.MaxPerDigest, &p.MinScore,
		&p.WarnThreshold, &p.IgnoreLargeGroups, &p.MaxGroupSize, &p.IgnoreMuted,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, fmt.Errorf("get prefs: %w", err)
	}
	return &p, true, nil
}

// PutPrefs inserts or updates a preferences row.
func (s *Store) PutPrefs(ctx context.Context, p *message.Prefs) error {
	ctx, span := tracer.Start(ctx, "pgstore.PutPrefs", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	query := `INSERT INTO user_prefs (` + prefsColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (user_id) DO UPDATE SET
		context_text        = EXCLUDED.context_text,
		digest_hours        = EXCLUDED.digest_hours,
		max_per_digest      = EXCLUDED.max_per_digest,
		min_score           = EXCLUDED.min_score,
		warn_threshold      = EXCLUDED.warn_threshold,
		ignore_large_groups = EXCLUDED.ignore_large_groups,
		max_group_size      = EXCLUDED.max_group_size,
		ignore_muted        = EXCLUDED.ignore_muted,
		updated_at          = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		p.UserID, p.Context, p.DigestHours, p.MaxPerDigest, p.MinScore,
		p.WarnThreshold, p.IgnoreLargeGroups, p.MaxGroupSize, p.IgnoreMuted,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return busyOr(fmt.Errorf("put prefs: %w", err))
	}
	return nil
}

// FlaggedSenders lists all flagged senders.
func (s *Store) FlaggedSenders(ctx context.Context) ([]message.FlaggedSender, error) {
	ctx, span := tracer.Start(ctx, "pgstore.FlaggedSenders", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT sender_id, name, created_at FROM flagged_senders ORDER BY created_at`)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query flagged senders: %w", err)
	}
	defer rows.Close()

	var out []message.FlaggedSender
	for rows.Next() {
		var f message.FlaggedSender
		if err := rows.Scan(&f.SenderID, &f.Name, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flagged sender: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("iterate flagged senders: %w", err)
	}
	return out, nil
}

// AddFlaggedSender flags a sender. Idempotent.
func (s *Store) AddFlaggedSender(ctx context.Context, f *message.FlaggedSender) error {
	ctx, span := tracer.Start(ctx, "pgstore.AddFlaggedSender", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO flagged_senders (sender_id, name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (sender_id) DO UPDATE SET name = EXCLUDED.name`,
		f.SenderID, f.Name, f.CreatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return busyOr(fmt.Errorf("add flagged sender: %w", err))
	}
	return nil
}

// RemoveFlaggedSender unflags a sender. Removing an unknown sender is a no-op.
func (s *Store) RemoveFlaggedSender(ctx context.Context, senderID int64) error {
	ctx, span := tracer.Start(ctx, "pgstore.RemoveFlaggedSender", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "DELETE"),
	))
	defer span.End()

	_, err := s.pool.Exec(ctx, `DELETE FROM flagged_senders WHERE sender_id = $1`, senderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return busyOr(fmt.Errorf("remove flagged sender: %w", err))
	}
	return nil
}

// scanRecordRow scans a single row into a message.Record.
// Returns (nil, nil) when no row is found.
func scanRecordRow(row pgx.Row) (*message.Record, error) {
	var (
		r          message.Record
		chatKind   string
		label      *string
		labeledAt  *time.Time
		includedAt *time.Time
		alertAt    *time.Time
	)

	err := row.Scan(
		&r.ID, &r.TransportMessageID, &r.ChatID, &r.ChatTitle, &chatKind, &r.SenderID,
		&r.SenderName, &r.Text, &r.CapturedAt, &r.HasMention, &r.IsQuestion, &r.TextLength,
		&r.Topic, &r.Score, &label, &labeledAt, &r.DigestIncluded, &includedAt,
		&r.AlertSent, &alertAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.ChatKind = message.ChatKind(chatKind)
	if label != nil {
		r.Label = message.Label(*label)
	}
	if labeledAt != nil {
		r.LabeledAt = *labeledAt
	}
	if includedAt != nil {
		r.IncludedAt = *includedAt
	}
	if alertAt != nil {
		r.AlertAt = *alertAt
	}
	return &r, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// prefixColumns qualifies recordColumns with a table alias for RETURNING.
func prefixColumns(prefix string) string {
	out := ""
	for i, c := range splitColumns(recordColumns) {
		if i > 0 {
			out += ", "
		}
		out += prefix + c
	}
	return out
}

func splitColumns(cols string) []string {
	var out []string
	field := ""
	for _, ch := range cols {
		switch ch {
		case ',':
			out = append(out, field)
			field = ""
		case ' ', '\t', '\n':
		default:
			field += string(ch)
		}
	}
	if field != "" {
		out = append(out, field)
	}
	return out
}

// busyOr maps lock-contention failures to message.ErrBusy so callers can do
// their bounded retry. Other errors pass through unchanged.
func busyOr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40001", "40P01": // lock_not_available, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", message.ErrBusy, pgErr.Code)
		}
	}
	return err
}
