package agent

import (
	"context"

	"github.com/alehm/duet/pkg/mesh"
)

// ModelRequest contains the parameters for one model turn.
type ModelRequest struct {
	Model       string
	System      string
	Messages    []ConversationMessage
	Tools       []mesh.ToolDescriptor
	MaxTokens   int
	Temperature float64
}

// ModelProvider is a chat model capable of tool use. Implementations
// normalize the provider's native response shapes into the closed
// TurnOutcome variants; nothing downstream sees raw API fields.
type ModelProvider interface {
	Complete(ctx context.Context, request ModelRequest) (TurnOutcome, error)
	Provider() string
}

// normalizeOutcome collapses a raw (text, calls) pair into the closed
// outcome type. Tool calls win over accompanying text.
func normalizeOutcome(text string, calls []ToolCall) TurnOutcome {
	if len(calls) > 0 {
		return TurnOutcome{Kind: OutcomeToolCalls, Text: text, ToolCalls: calls}
	}
	if text != "" {
		return TurnOutcome{Kind: OutcomeText, Text: text}
	}
	return TurnOutcome{Kind: OutcomeEmpty}
}
