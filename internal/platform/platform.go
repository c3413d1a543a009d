// Package platform defines the agent's connection to the chat platform
// and the wire model exchanged over it. The platform's own transport
// and authentication are external; this package only speaks the event
// gateway protocol.
package platform

import (
	"encoding/json"
	"fmt"
)

// Frame ops. Client frames carry a sequence number the server echoes
// back on the matching ack, channel or error frame.
const (
	OpIdentify   = "identify"
	OpReady      = "ready"
	OpEvent      = "event"
	OpSend       = "send"
	OpAck        = "ack"
	OpChannelGet = "channel_get"
	OpChannel    = "channel"
	OpError      = "error"
)

// Frame is one gateway message in either direction.
type Frame struct {
	Op   string          `json:"op"`
	Seq  int64           `json:"seq,omitempty"`
	Data json.RawMessage `json:"d,omitempty"`
}

// NewFrame builds a frame with a marshaled payload.
func NewFrame(op string, seq int64, v any) (Frame, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s frame: %w", op, err)
	}
	return Frame{Op: op, Seq: seq, Data: data}, nil
}

// Identify authenticates the connection as one persona.
type Identify struct {
	Token   string `json:"token"`
	Persona string `json:"persona"`
}

// Ready confirms identification. Handle is this persona's platform
// handle; Channels seeds the local channel cache.
type Ready struct {
	Handle   int64     `json:"handle"`
	Channels []Channel `json:"channels,omitempty"`
}

// MessageEvent is an inbound platform message.
type MessageEvent struct {
	MessageID    string `json:"message_id"`
	ChannelID    string `json:"channel_id"`
	AuthorHandle int64  `json:"author_handle"`
	AuthorName   string `json:"author_name"`
	AuthorIsBot  bool   `json:"author_is_bot"`
	Content      string `json:"content"`
	Timestamp    int64  `json:"ts"` // Unix ms
}

// SendCommand asks the platform to deliver a message.
type SendCommand struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// Ack confirms a send; MessageID is the platform-assigned id.
type Ack struct {
	MessageID string `json:"message_id"`
}

// Channel is platform channel metadata.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChannelGet requests channel metadata.
type ChannelGet struct {
	ChannelID string `json:"channel_id"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Conn is a live gateway connection. Receive delivers server frames
// until the connection drops, at which point the channel closes; a
// dropped connection is never resumed, the process restarts instead.
// Write must only be called from the single goroutine that owns the
// connection (the agent runtime's event loop).
type Conn interface {
	Receive() <-chan Frame
	Write(f Frame) error
	Close() error
}
