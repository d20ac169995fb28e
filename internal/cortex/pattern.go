package cortex

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// ActionKind enumerates what a matched Pattern does to the run.
type ActionKind string

const (
	ActionInterrupt       ActionKind = "interrupt"
	ActionRequestApproval ActionKind = "request_approval"
	ActionSpawnAgent      ActionKind = "spawn_agent"
)

// Action is the effect a matched Pattern has on the run.
type Action struct {
	Kind   ActionKind
	Reason string
	// Config is the AgentNodeConfig payload for ActionSpawnAgent, left
	// as interface{} here to avoid cortex depending on the workflow
	// package's concrete type; the engine that executes the action
	// does the type assertion.
	Config interface{}
}

// Condition is a predicate evaluated against an event's JSON payload.
//
// Two modes are supported:
//   - Substring (the minimal mode): Condition.Substring non-empty means
//     "payload JSON contains this substring".
//   - JSONPath (richer matching, using gjson): Condition.Path non-empty
//     means "gjson.Get(payloadJSON, Path) matches Condition.Equals".
type Condition struct {
	Substring string
	Path      string
	Equals    string
}

// Evaluate reports whether payload (already JSON-marshaled) satisfies c.
// An empty Condition always matches — a pattern with no condition fires
// on every event of its trigger type.
func (c Condition) Evaluate(payloadJSON []byte) bool {
	if c.Substring == "" && c.Path == "" {
		return true
	}
	if c.Substring != "" {
		return strings.Contains(string(payloadJSON), c.Substring)
	}
	result := gjson.GetBytes(payloadJSON, c.Path)
	if !result.Exists() {
		return false
	}
	return result.String() == c.Equals
}

// Pattern is a rule the Pattern Engine evaluates against every event
// whose type matches Trigger.
type Pattern struct {
	ID        string
	Name      string
	Trigger   EventType
	Condition Condition
	Action    Action
}

// Matches reports whether event satisfies this pattern's trigger and condition.
func (p Pattern) Matches(event Event) bool {
	if event.Type != p.Trigger {
		return false
	}
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return false
	}
	return p.Condition.Evaluate(payloadJSON)
}

// DefaultPatterns returns the two rules the Pattern Engine MUST ship
// pre-registered.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			ID:      "prevent-file-deletion",
			Name:    "prevent file deletion",
			Trigger: EventToolCall,
			Condition: Condition{
				Substring: "fs_delete",
			},
			Action: Action{Kind: ActionInterrupt, Reason: "file deletion tool call blocked"},
		},
		{
			ID:      "approval-on-agent-failure",
			Name:    "request approval on agent failure",
			Trigger: EventAgentFailed,
			Condition: Condition{}, // matches every AgentFailed event
			Action: Action{Kind: ActionRequestApproval, Reason: "agent failed, awaiting operator approval"},
		},
	}
}
