package models

import "time"

// TranscriptEntry is one appended line of a conversation transcript.
// The transcript store only promises append and a recent-window read.
type TranscriptEntry struct {
	SessionID string    `json:"session_id"`
	ChannelID string    `json:"channel_id"`
	Author    string    `json:"author"`
	IsAgent   bool      `json:"is_agent"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
