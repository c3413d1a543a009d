// Package resolver decides, for one agent and one inbound event,
// whether this agent is the one that should start an orchestration
// turn. The logic is pure: ambiguous or malformed input degrades to
// Ignore and never returns an error.
package resolver

import (
	"strings"

	"github.com/troupe-chat/troupe/internal/identity"
	"github.com/troupe-chat/troupe/internal/models"
)

// Decision is the outcome of initiator election for one agent.
type Decision int

const (
	// Ignore means this agent takes no action for the event.
	Ignore Decision = iota
	// HumanDirect means a human addressed this persona; this agent
	// initiates an orchestration turn.
	HumanDirect
	// InterAgentRelay means another agent handed the conversation to
	// this persona mid-thread.
	InterAgentRelay
)

func (d Decision) String() string {
	switch d {
	case HumanDirect:
		return "human_direct"
	case InterAgentRelay:
		return "inter_agent_relay"
	default:
		return "ignore"
	}
}

// Result carries the decision and, when non-Ignore, the triggering text
// with the addressing prefix or mention token stripped.
type Result struct {
	Decision Decision
	Text     string
}

// Resolve runs initiator election for self against one event. At most
// one persona's resolver returns non-Ignore per event: the prefix and
// the mention token both name exactly one persona, and relay only fires
// for the mentioned persona that is not the author.
func Resolve(self identity.Persona, ev models.InboundEvent) Result {
	// Never process our own traffic.
	if ev.AuthorIsAgent && self.Handle > 0 && ev.AuthorHandle == self.Handle {
		return Result{Decision: Ignore}
	}

	content := strings.TrimSpace(ev.Content)
	if content == "" {
		return Result{Decision: Ignore}
	}

	mention := self.Mention()
	mentioned := mention != "" && strings.Contains(content, mention)

	if !ev.AuthorIsAgent {
		if text, ok := stripPrefix(content, self.CommandPrefix()); ok {
			return Result{Decision: HumanDirect, Text: text}
		}
		if mentioned {
			return Result{Decision: HumanDirect, Text: stripMention(content, mention)}
		}
		return Result{Decision: Ignore}
	}

	// Agent-authored: only the addressed persona relays, and only when
	// the agent can recognize its own mention token at all.
	if mentioned {
		return Result{Decision: InterAgentRelay, Text: stripMention(content, mention)}
	}
	return Result{Decision: Ignore}
}

// stripPrefix removes a case-insensitive command prefix. The prefix
// must be the whole message or be followed by whitespace; "!peterpan"
// does not address "!peter".
func stripPrefix(content, prefix string) (string, bool) {
	if prefix == "" || len(content) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(content[:len(prefix)], prefix) {
		return "", false
	}
	rest := content[len(prefix):]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' && rest[0] != '\n' {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

// stripMention removes every occurrence of the mention token, leaving
// the rest of the text verbatim.
func stripMention(content, mention string) string {
	return strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
}
