package subagent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/zubot/internal/tokencontext"
)

// ActionKind is one planner-driven decision.
type ActionKind string

const (
	ActionRespond  ActionKind = "respond"
	ActionTool     ActionKind = "tool"
	ActionLLM      ActionKind = "llm"
	ActionContinue ActionKind = "continue"
)

// Action is what an injected Planner returns for one step.
type Action struct {
	Kind           ActionKind
	Text           string          // for ActionRespond
	NeedsUserInput bool            // for ActionRespond
	ToolName       string          // for ActionTool
	ToolArgs       json.RawMessage // for ActionTool
}

// Planner is an optional external decision-maker injected into a Run. When
// nil, the Runner falls through to its own standard LLM+tool loop.
type Planner interface {
	Decide(ctx context.Context, step int, state *tokencontext.State) (Action, error)
}
