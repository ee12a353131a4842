package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/zubot/internal/config"
	"github.com/haasonsaas/zubot/internal/llmclient"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/internal/tokencontext"
	"github.com/haasonsaas/zubot/internal/toolregistry"
	"github.com/haasonsaas/zubot/pkg/models"
)

// Runner drives one Task Envelope through the LLM+tool loop. It holds no
// per-run state; every field needed across steps lives in the
// RunOptions/State passed to Run.
type Runner struct {
	cfg   *config.Config
	llm   *llmclient.Client
	tools *toolregistry.Registry
}

// NewRunner wires the runner to its three collaborators: the config store
// (model resolution), the LLM client, and the tool registry.
func NewRunner(cfg *config.Config, llm *llmclient.Client, tools *toolregistry.Registry) *Runner {
	return &Runner{cfg: cfg, llm: llm, tools: tools}
}

// RunOptions scopes one Run call: which model, which budgets, the starting
// context bundle, and the tool/orchestration access the envelope was granted.
type RunOptions struct {
	Model                   string
	Budgets                 Budgets
	State                   *tokencontext.State
	SessionSummary          string
	RecentEvents            []models.RecentEvent
	ToolAccess              []string
	AllowOrchestrationTools bool
	Planner                 Planner
	// Events, when non-nil, receives loop lifecycle events (iteration
	// boundaries) for observability.
	Events func(*models.RuntimeEvent)
	// ToolEvents, when non-nil, receives one event per tool invocation with
	// its outcome.
	ToolEvents func(models.ToolEvent)
}

func (o RunOptions) emitEvent(ev *models.RuntimeEvent) {
	if o.Events != nil {
		o.Events(ev)
	}
}

func (o RunOptions) emitToolEvent(ev models.ToolEvent) {
	if o.ToolEvents != nil {
		o.ToolEvents(ev)
	}
}

// orchestrationCategory is the toolregistry.Spec.Category value reserved for
// tools that control other sub-agents/workers/tasks rather than doing work
// directly; they are admitted only when AllowOrchestrationTools is set.
const orchestrationCategory = "orchestration"

// Run executes envelope through the loop and returns the uniform
// models.WorkerResult every caller (Worker Manager, Task Runner, Chat Session
// Runtime) consumes.
func (r *Runner) Run(ctx context.Context, envelope models.TaskEnvelope, opts RunOptions) models.WorkerResult {
	budgets := opts.Budgets.withDefaults(DefaultSubAgentBudgets())
	_, modelCfg, err := r.cfg.ResolveModel(opts.Model)
	if err != nil {
		return models.WorkerResult{Status: "failed", Error: err.Error()}
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(budgets.TimeoutSec)*time.Second)
	defer cancel()

	state := opts.State
	if state == nil {
		state = tokencontext.NewState()
	}
	summary := opts.SessionSummary
	recent := append([]models.RecentEvent{}, opts.RecentEvents...)
	toolNames := r.filterTools(opts.ToolAccess, opts.AllowOrchestrationTools)
	toolCallsUsed := 0

	for step := 0; step < budgets.MaxSteps; step++ {
		select {
		case <-runCtx.Done():
			return models.WorkerResult{Status: "failed", Error: ErrTimeoutBudgetExhausted}
		default:
		}

		if opts.Planner != nil {
			action, err := opts.Planner.Decide(runCtx, step, state)
			if err != nil {
				return models.WorkerResult{Status: "failed", Error: err.Error()}
			}
			switch action.Kind {
			case ActionRespond:
				status := "done"
				if action.NeedsUserInput {
					status = "waiting_for_user"
				}
				return models.WorkerResult{Status: status, Summary: action.Text, WaitingQuestion: action.Text, SessionSummary: summary}
			case ActionTool:
				result := r.tools.Invoke(runCtx, action.ToolName, action.ToolArgs)
				recent = append(recent, models.RecentEvent{Role: models.RoleTool, Content: resultToJSON(result), Timestamp: time.Now()})
				toolCallsUsed++
				if toolCallsUsed > budgets.MaxToolCalls {
					return models.WorkerResult{Status: "failed", Error: ErrToolCallBudgetExhausted}
				}
				continue
			case ActionLLM:
				resp := r.llm.Complete(runCtx, opts.Model, r.assemble(state, summary, recent, modelCfg.MaxContextTok, modelCfg.MaxOutputTok).Messages, nil, modelCfg.MaxOutputTok)
				if !resp.OK {
					return models.WorkerResult{Status: "failed", Error: resp.Error, RetryableError: resp.RetryableError, AttemptsUsed: resp.AttemptsUsed, AttemptsConfigured: resp.AttemptsConfigured}
				}
				return models.WorkerResult{Status: "done", Summary: resp.Text, SessionSummary: summary}
			case ActionContinue:
				// fall through to the standard loop below
			default:
				return models.WorkerResult{Status: "failed", Error: ErrUnsupportedActionKind}
			}
		}

		opts.emitEvent(models.NewToolEvent(models.EventIterationStart, "", "").WithIteration(step))

		assembled := r.assemble(state, summary, recent, modelCfg.MaxContextTok, modelCfg.MaxOutputTok)
		summary = assembled.CompactedHistory
		recent = recent[assembled.RecentEventsDropped:]
		if !assembled.Budget.WithinBudget {
			return models.WorkerResult{Status: "failed", Error: ErrContextBudgetExhausted}
		}

		var schema []providers.ToolSchema
		if toolCallsUsed < budgets.MaxToolCalls {
			for _, ts := range r.tools.Schemas(toolNames) {
				schema = append(schema, providers.ToolSchema{Name: ts.Name, Description: ts.Description, Parameters: ts.Parameters})
			}
		}

		resp := r.llm.Complete(runCtx, opts.Model, assembled.Messages, schema, modelCfg.MaxOutputTok)
		if !resp.OK {
			return models.WorkerResult{Status: "failed", Error: resp.Error, RetryableError: resp.RetryableError, AttemptsUsed: resp.AttemptsUsed, AttemptsConfigured: resp.AttemptsConfigured}
		}

		if len(resp.ToolCalls) == 0 {
			if resp.Text != "" {
				return models.WorkerResult{Status: "done", Summary: resp.Text, SessionSummary: summary}
			}
			// No tools, no text: treat as another turn of the loop.
			continue
		}

		if toolCallsUsed >= budgets.MaxToolCalls {
			return models.WorkerResult{Status: "failed", Error: ErrToolCallBudgetExhausted}
		}

		for _, call := range resp.ToolCalls {
			recent = append(recent, models.RecentEvent{Role: models.RoleAssistant, Content: fmt.Sprintf("tool_call:%s", call.Name), Timestamp: time.Now()})
			if !containsName(toolNames, call.Name) {
				recent = append(recent, models.RecentEvent{Role: models.RoleTool, Content: fmt.Sprintf(`{"ok":false,"error":"unknown tool %q","source":%q}`, call.Name, call.Name), Timestamp: time.Now()})
				opts.emitToolEvent(models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: models.ToolEventDenied, Error: "unknown tool"})
				continue
			}
			opts.emitToolEvent(models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: models.ToolEventStarted, Input: call.Arguments, StartedAt: time.Now()})
			result := r.tools.Invoke(runCtx, call.Name, call.Arguments)
			stage := models.ToolEventSucceeded
			if !result.OK {
				stage = models.ToolEventFailed
			}
			opts.emitToolEvent(models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: stage, Output: resultToJSON(result), Error: result.Error, FinishedAt: time.Now()})
			recent = append(recent, models.RecentEvent{Role: models.RoleTool, Content: resultToJSON(result), Timestamp: time.Now()})
			toolCallsUsed++
			if toolCallsUsed > budgets.MaxToolCalls {
				return models.WorkerResult{Status: "failed", Error: ErrToolCallBudgetExhausted}
			}
		}
	}

	return models.WorkerResult{Status: "failed", Error: ErrStepBudgetExhausted}
}

func (r *Runner) assemble(state *tokencontext.State, summary string, recent []models.RecentEvent, maxContext, reservedOutput int) tokencontext.Result {
	return tokencontext.Assemble(tokencontext.Input{
		State:                state,
		SessionSummary:       summary,
		RecentEvents:         recent,
		MaxContextTokens:     maxContext,
		ReservedOutputTokens: reservedOutput,
	})
}

func (r *Runner) filterTools(allowed []string, allowOrchestration bool) []string {
	names := r.tools.Names(allowed)
	if allowOrchestration {
		return names
	}
	out := names[:0:0]
	for _, name := range names {
		if category, ok := r.tools.Category(name); ok && category == orchestrationCategory {
			continue
		}
		out = append(out, name)
	}
	return out
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

func resultToJSON(res toolregistry.Result) string {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf(`{"ok":false,"error":%q}`, err.Error())
	}
	return string(b)
}
