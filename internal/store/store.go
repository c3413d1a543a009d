package store

import (
	"context"

	"github.com/troupe-chat/troupe/internal/models"
)

// TranscriptStore is the append contract for the downstream transcript
// archive. The core never reads transcripts back except for a bounded
// recent window used by inspection tooling. Both PostgresStore and
// SQLiteStore implement this interface.
type TranscriptStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Append-only transcript operations
	Append(ctx context.Context, entry models.TranscriptEntry) error
	Recent(ctx context.Context, channelID string, limit int) ([]models.TranscriptEntry, error)
	CountEntries(ctx context.Context) (int64, error)
}
