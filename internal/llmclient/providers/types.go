package providers

import (
	"context"

	"github.com/haasonsaas/zubot/pkg/models"
)

// ToolSchema is one tool's JSON-schema description, as produced by the tool
// registry, ready to hand to a provider's native tool-calling API.
type ToolSchema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  []byte `json:"parameters,omitempty"`
}

// CompletionRequest is one non-streaming completion call.
type CompletionRequest struct {
	Model           string
	Messages        []models.Message
	Tools           []ToolSchema
	MaxOutputTokens int
}

// Usage reports token accounting as returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is a provider's raw completion result, before the
// client wraps
// it in the attempts/retry envelope.
type CompletionResponse struct {
	Text         string
	ToolCalls    []models.ToolCall
	FinishReason string
	Usage        Usage
}

// Provider is the minimal surface every LLM backend must implement. It makes
// exactly one call per invocation; retry/backoff is owned by internal/llmclient.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}
