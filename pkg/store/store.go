// Package store persists the session activity log and conversation summaries
// in Postgres. The store is optional: an empty DATABASE_URL yields a disabled
// store whose writes are no-ops, so sessions run fine without a database.
package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrDisabled is returned by reads on a store with no database configured.
var ErrDisabled = errors.New("store: disabled")

// Activity is one raw session-occurred record. Written before any summary
// call so the fact a session ran is never lost.
type Activity struct {
	SessionID        string
	RoomURL          string
	Personality      string
	ParticipantCount int
	StartedAt        time.Time
	EndedAt          time.Time
}

// Summary is one per-participant conversation summary.
type Summary struct {
	UserID           string
	Summary          string
	SessionID        string
	RoomID           string
	AssistantName    string
	ParticipantCount int
	DurationSeconds  int
}

// Store wraps the connection pool. A nil pool means disabled.
type Store struct {
	logger *slog.Logger
	pool   *pgxpool.Pool
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Open connects, migrates, and returns the store. An empty databaseURL
// returns a disabled store and no error.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if databaseURL == "" {
		s.logger.Info("store disabled, no database url")
		return s, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := s.migrate(databaseURL); err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func (s *Store) migrate(databaseURL string) error {
	db, err := goose.OpenDBWithDriver("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("store: open for migrate: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("store: dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Enabled reports whether writes will reach a database.
func (s *Store) Enabled() bool { return s != nil && s.pool != nil }

func (s *Store) Close() {
	if s.Enabled() {
		s.pool.Close()
	}
}

// RecordActivity writes the raw activity-log row. A disabled store is a
// silent no-op.
func (s *Store) RecordActivity(ctx context.Context, a Activity) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_activity
			(session_id, room_url, personality, participant_count, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.SessionID, a.RoomURL, a.Personality, a.ParticipantCount, a.StartedAt, a.EndedAt)
	if err != nil {
		return fmt.Errorf("store: record activity: %w", err)
	}
	return nil
}

// SaveConversationSummary writes one participant's summary row.
func (s *Store) SaveConversationSummary(ctx context.Context, sum Summary) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_summaries
			(user_id, summary, session_id, room_id, assistant_name, participant_count, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sum.UserID, sum.Summary, sum.SessionID, sum.RoomID, sum.AssistantName,
		sum.ParticipantCount, sum.DurationSeconds)
	if err != nil {
		return fmt.Errorf("store: save summary: %w", err)
	}
	return nil
}

// RecentSummaries returns the newest summaries for a user, for prompt
// seeding on a later session.
func (s *Store) RecentSummaries(ctx context.Context, userID string, limit int) ([]Summary, error) {
	if !s.Enabled() {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, summary, session_id, room_id, assistant_name, participant_count, duration_seconds
		FROM conversation_summaries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.UserID, &sum.Summary, &sum.SessionID, &sum.RoomID,
			&sum.AssistantName, &sum.ParticipantCount, &sum.DurationSeconds); err != nil {
			return nil, fmt.Errorf("store: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
