package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/troupe-chat/troupe/internal/models"
)

// PostgresStore is the production transcript archive.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates the transcript table if it doesn't exist.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transcript_entries (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			author TEXT NOT NULL,
			is_agent BOOLEAN NOT NULL DEFAULT FALSE,
			text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transcript_channel_created
			ON transcript_entries (channel_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_transcript_session
			ON transcript_entries (session_id);
	`)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Append writes one transcript entry.
func (s *PostgresStore) Append(ctx context.Context, entry models.TranscriptEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcript_entries (session_id, channel_id, author, is_agent, text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.SessionID, entry.ChannelID, entry.Author, entry.IsAgent, entry.Text, entry.CreatedAt)
	return err
}

// Recent returns the newest entries for a channel, newest first.
func (s *PostgresStore) Recent(ctx context.Context, channelID string, limit int) ([]models.TranscriptEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, channel_id, author, is_agent, text, created_at
		FROM transcript_entries
		WHERE channel_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.TranscriptEntry, 0, limit)
	for rows.Next() {
		var e models.TranscriptEntry
		if err := rows.Scan(&e.SessionID, &e.ChannelID, &e.Author, &e.IsAgent, &e.Text, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountEntries returns the total number of archived entries.
func (s *PostgresStore) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transcript_entries`).Scan(&count)
	return count, err
}
