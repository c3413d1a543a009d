package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/troupe-chat/troupe/internal/models"
)

// SQLiteStore is the single-node transcript archive used in development
// and small deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/troupe.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/troupe.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS transcript_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		author TEXT NOT NULL,
		is_agent INTEGER NOT NULL DEFAULT 0,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcript_channel_created
		ON transcript_entries (channel_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_transcript_session
		ON transcript_entries (session_id);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Append writes one transcript entry.
func (s *SQLiteStore) Append(ctx context.Context, entry models.TranscriptEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_entries (session_id, channel_id, author, is_agent, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.SessionID, entry.ChannelID, entry.Author, entry.IsAgent, entry.Text, entry.CreatedAt)
	return err
}

// Recent returns the newest entries for a channel, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, channelID string, limit int) ([]models.TranscriptEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, channel_id, author, is_agent, text, created_at
		FROM transcript_entries
		WHERE channel_id = ?
		ORDER BY created_at DESC
		LIMIT ?
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
func (s *SQLiteStore) CountEntries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcript_entries`).Scan(&count)
	return count, err
}
