package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationSession is the record all participants share for one
// conversation thread. It lives in the state store and expires by TTL;
// it is soft state, re-derivable from the channel id.
type ConversationSession struct {
	ID        uuid.UUID `json:"id"`
	ChannelID string    `json:"channel_id"`
	Initiator string    `json:"initiator"`
	StartedAt time.Time `json:"started_at"`
}

// NewConversationSession creates a session record for a channel. The id
// is time-ordered so sessions sort naturally in inspection tooling.
func NewConversationSession(channelID, initiator string) ConversationSession {
	return ConversationSession{
		ID:        uuid.Must(uuid.NewV7()),
		ChannelID: channelID,
		Initiator: initiator,
		StartedAt: time.Now().UTC(),
	}
}
