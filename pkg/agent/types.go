package agent

import (
	"encoding/json"

	"github.com/alehm/duet/pkg/mesh"
)

// Mode is the agent phase. FAST is the cheap planning pass, SMART the
// capable execution pass. Transitions are strictly FAST → SMART → FAST.
type Mode string

const (
	ModeFast  Mode = "FAST"
	ModeSmart Mode = "SMART"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ConversationMessage is one turn of a conversation. Synthetic tool
// results are appended as user turns so the message shape stays closed.
type ConversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolCall is one requested invocation produced by a model turn.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Signature identifies a call for loop detection: the tool name plus a
// canonical serialization of its arguments.
func (c ToolCall) Signature() string {
	args, err := json.Marshal(c.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	return c.Name + ":" + string(args)
}

// OutcomeKind tags the closed set of model turn outcomes. All model
// responses are normalized into one of these at the provider boundary;
// downstream logic switches on the kind and never re-probes raw fields.
type OutcomeKind string

const (
	OutcomeText      OutcomeKind = "text"
	OutcomeToolCalls OutcomeKind = "tool_calls"
	OutcomeEmpty     OutcomeKind = "empty"
)

// TurnOutcome is the normalized result of one model turn.
type TurnOutcome struct {
	Kind      OutcomeKind
	Text      string
	ToolCalls []ToolCall
}

// ToolRequest names one tool the router wants the executor to have.
type ToolRequest struct {
	Name         string          `json:"name"`
	Source       mesh.ToolSource `json:"source"`
	ConnectionID string          `json:"connection_id,omitempty"`
}

// ExecutionPlan is produced by the router when delegating to the
// executor.
type ExecutionPlan struct {
	Task    string        `json:"task"`
	Context string        `json:"context,omitempty"`
	Tools   []ToolRequest `json:"tools"`
}

// historyTail is the bounded number of trailing history messages kept
// when a run starts.
const historyTail = 40

func pruneHistory(history []ConversationMessage) []ConversationMessage {
	if len(history) <= historyTail {
		out := make([]ConversationMessage, len(history))
		copy(out, history)
		return out
	}
	out := make([]ConversationMessage, historyTail)
	copy(out, history[len(history)-historyTail:])
	return out
}
