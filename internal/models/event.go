package models

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// InboundEvent is a single platform message as observed by one agent.
// Events are ephemeral; nothing here is persisted.
type InboundEvent struct {
	MessageID     string    `json:"message_id"`
	ChannelID     string    `json:"channel_id"`
	AuthorHandle  int64     `json:"author_handle"`
	AuthorName    string    `json:"author_name"`
	AuthorIsAgent bool      `json:"author_is_agent"`
	Content       string    `json:"content"`
	ReceivedAt    time.Time `json:"received_at"`
}

// EventID returns the identity used to deduplicate orchestration calls
// for this event. Retries of the same event carry the same identity.
func (e InboundEvent) EventID() string {
	if e.MessageID != "" {
		return e.MessageID
	}
	return NewSyntheticEventID()
}

// NewSyntheticEventID mints an event identity for events that have no
// platform message behind them (scheduled conversation starts).
func NewSyntheticEventID() string {
	return "synth-" + ulid.Make().String()
}
