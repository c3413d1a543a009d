package models

// Origin classifies how a conversation turn came to exist.
type Origin string

const (
	// OriginHuman is a turn triggered directly by a human message.
	OriginHuman Origin = "human"
	// OriginRelay is a turn triggered by one agent mentioning another.
	OriginRelay Origin = "relay"
	// OriginScheduled is a turn started by the coordinator without any
	// platform trigger.
	OriginScheduled Origin = "scheduled"
)

// OrchestrationRequest asks the coordinator to run one conversation
// turn. It is immutable once sent. The coordinator answers with a bare
// acceptance; the actual reply arrives later through the agent's
// control surface, correlated by SessionID and EventID.
type OrchestrationRequest struct {
	EventID          string `json:"event_id"`
	Origin           Origin `json:"origin"`
	UserQuery        string `json:"user_query"`
	ChannelID        string `json:"channel_id"`
	InitiatorPersona string `json:"initiator_persona"`
	InitiatorMention string `json:"initiator_mention"`
	HumanName        string `json:"human_name,omitempty"`
	IsNewConversation bool  `json:"is_new_conversation"`
	SessionID        string `json:"session_id"`
}

// SubmitResponse is the coordinator's acknowledgment of a submission.
type SubmitResponse struct {
	Status    string `json:"status"` // "accepted" or "suppressed"
	Duplicate bool   `json:"duplicate,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// OutboundDelivery is the only payload the coordinator may push back
// into an agent. The agent is a dumb transport for it; no session
// metadata rides along.
type OutboundDelivery struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
}

// InitiateRequest asks an agent to open a conversation as if its
// persona had spoken first.
type InitiateRequest struct {
	StarterText string `json:"starter_text"`
	ChannelID   string `json:"channel_id"`
	IsNew       bool   `json:"is_new"`
	SessionID   string `json:"session_id"`
}

// Reply is one persona-attributed response produced for a turn.
type Reply struct {
	Persona string `json:"persona"`
	Text    string `json:"text"`
}
