// Package identity holds the immutable persona roster every process
// loads at startup. All agents must agree on all identities, not just
// their own, so inter-agent mentions resolve the same way everywhere.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Persona is one chat identity. Handle is the numeric id the platform
// assigned; the mention token is derived from it. ControlURL is where
// the coordinator reaches this persona's control surface.
type Persona struct {
	Name       string `json:"name"`
	Handle     int64  `json:"handle"`
	Prefix     string `json:"prefix,omitempty"`
	ControlURL string `json:"control_url,omitempty"`
}

// Mention returns the platform mention token for this persona, or ""
// when the handle is unresolved. Callers treat "" as relay detection
// disabled for this persona.
func (p Persona) Mention() string {
	if p.Handle <= 0 {
		return ""
	}
	return fmt.Sprintf("<@%d>", p.Handle)
}

// CommandPrefix returns the case-insensitive text prefix that addresses
// this persona directly, e.g. "!peter".
func (p Persona) CommandPrefix() string {
	if p.Prefix != "" {
		return p.Prefix
	}
	return "!" + strings.ToLower(p.Name)
}

// Table is the roster of all personas, built once at startup and never
// mutated afterwards.
type Table struct {
	personas []Persona
	byName   map[string]Persona
	byHandle map[int64]Persona
}

// Load parses a JSON roster. Personas with an unresolvable handle stay
// in the table with relay detection degraded to a no-op; only an empty
// or unparseable roster is an error, since an agent that knows no
// identities cannot classify anything.
func Load(rosterJSON string, log zerolog.Logger) (*Table, error) {
	var personas []Persona
	if err := json.Unmarshal([]byte(rosterJSON), &personas); err != nil {
		return nil, fmt.Errorf("parse persona roster: %w", err)
	}
	if len(personas) == 0 {
		return nil, fmt.Errorf("persona roster is empty")
	}

	t := &Table{
		personas: personas,
		byName:   make(map[string]Persona, len(personas)),
		byHandle: make(map[int64]Persona, len(personas)),
	}
	for _, p := range personas {
		if p.Name == "" {
			return nil, fmt.Errorf("persona roster entry missing name")
		}
		key := strings.ToLower(p.Name)
		if _, dup := t.byName[key]; dup {
			return nil, fmt.Errorf("duplicate persona name %q", p.Name)
		}
		t.byName[key] = p
		if p.Handle > 0 {
			t.byHandle[p.Handle] = p
		} else {
			log.Warn().
				Str("persona", p.Name).
				Msg("persona has no platform handle, relay detection disabled for it")
		}
	}
	return t, nil
}

// LoadFile reads and parses a JSON roster file.
func LoadFile(path string, log zerolog.Logger) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona roster: %w", err)
	}
	return Load(string(data), log)
}

// Lookup returns a persona by name, case-insensitive.
func (t *Table) Lookup(name string) (Persona, bool) {
	p, ok := t.byName[strings.ToLower(name)]
	return p, ok
}

// ByHandle returns the persona that owns a platform handle.
func (t *Table) ByHandle(handle int64) (Persona, bool) {
	p, ok := t.byHandle[handle]
	return p, ok
}

// All returns the roster in declaration order.
func (t *Table) All() []Persona {
	return t.personas
}
