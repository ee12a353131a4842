package subagent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/zubot/internal/config"
	"github.com/haasonsaas/zubot/internal/llmclient"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/internal/toolregistry"
	"github.com/haasonsaas/zubot/pkg/models"
)

type scriptedProvider struct {
	name      string
	responses []providers.CompletionResponse
	calls     int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req providers.CompletionRequest) (providers.CompletionResponse, error) {
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models["test-model"] = config.ModelConfig{Provider: "fake", MaxContextTok: 100000, MaxOutputTok: 1000}
	return cfg
}

func TestRunnerRespondsWithoutToolCalls(t *testing.T) {
	cfg := testConfig()
	provider := &scriptedProvider{name: "fake", responses: []providers.CompletionResponse{
		{Text: "Current local time: 10:00 AM"},
	}}
	client := llmclient.NewClient(cfg, map[string]providers.Provider{"fake": provider})
	registry := toolregistry.NewRegistry("")

	runner := NewRunner(cfg, client, registry)
	result := runner.Run(context.Background(), models.TaskEnvelope{TaskID: "t1", RequestedBy: "user", Instructions: "what time is it?"}, RunOptions{
		Model:   "test-model",
		Budgets: DefaultSubAgentBudgets(),
	})

	if result.Status != "done" {
		t.Fatalf("status = %s, want done: %+v", result.Status, result)
	}
	if result.Summary != "Current local time: 10:00 AM" {
		t.Fatalf("summary = %q", result.Summary)
	}
}

func TestRunnerInvokesToolThenResponds(t *testing.T) {
	cfg := testConfig()
	provider := &scriptedProvider{name: "fake", responses: []providers.CompletionResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "get_current_time", Arguments: json.RawMessage(`{}`)}}},
		{Text: "Current local time: 10:00 AM"},
	}}
	client := llmclient.NewClient(cfg, map[string]providers.Provider{"fake": provider})
	registry := toolregistry.NewRegistry("")
	if err := registry.Register(toolregistry.Spec{
		Name:     "get_current_time",
		Category: "time",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"human_local": "10:00 AM"}, nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	runner := NewRunner(cfg, client, registry)
	result := runner.Run(context.Background(), models.TaskEnvelope{TaskID: "t1", RequestedBy: "user", Instructions: "what time is it?"}, RunOptions{
		Model:      "test-model",
		Budgets:    DefaultSubAgentBudgets(),
		ToolAccess: []string{"get_current_time"},
	})

	if result.Status != "done" {
		t.Fatalf("status = %s, want done: %+v", result.Status, result)
	}
	if provider.calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", provider.calls)
	}
}

func TestRunnerUnknownToolSynthesizesError(t *testing.T) {
	cfg := testConfig()
	provider := &scriptedProvider{name: "fake", responses: []providers.CompletionResponse{
		{ToolCalls: []models.ToolCall{{ID: "c1", Name: "does_not_exist", Arguments: json.RawMessage(`{}`)}}},
		{Text: "handled"},
	}}
	client := llmclient.NewClient(cfg, map[string]providers.Provider{"fake": provider})
	registry := toolregistry.NewRegistry("")

	runner := NewRunner(cfg, client, registry)
	result := runner.Run(context.Background(), models.TaskEnvelope{TaskID: "t1", RequestedBy: "user", Instructions: "do something"}, RunOptions{
		Model:   "test-model",
		Budgets: DefaultSubAgentBudgets(),
	})

	if result.Status != "done" {
		t.Fatalf("status = %s, want done (loop should continue past synthetic tool error): %+v", result.Status, result)
	}
}

func TestRunnerStepBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	responses := make([]providers.CompletionResponse, 0, 10)
	for i := 0; i < 10; i++ {
		responses = append(responses, providers.CompletionResponse{
			ToolCalls: []models.ToolCall{{ID: "c", Name: "noop", Arguments: json.RawMessage(`{}`)}},
		})
	}
	provider := &scriptedProvider{name: "fake", responses: responses}
	client := llmclient.NewClient(cfg, map[string]providers.Provider{"fake": provider})
	registry := toolregistry.NewRegistry("")
	if err := registry.Register(toolregistry.Spec{
		Name: "noop",
		Handler: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			return nil, nil
		},
	}); err != nil {
		t.Fatalf("register tool: %v", err)
	}

	runner := NewRunner(cfg, client, registry)
	result := runner.Run(context.Background(), models.TaskEnvelope{TaskID: "t1", RequestedBy: "user", Instructions: "loop forever"}, RunOptions{
		Model:      "test-model",
		Budgets:    Budgets{MaxSteps: 2, MaxToolCalls: 10, TimeoutSec: 20},
		ToolAccess: []string{"noop"},
	})

	if result.Status != "failed" || result.Error != ErrStepBudgetExhausted {
		t.Fatalf("expected step_budget_exhausted, got %+v", result)
	}
}
