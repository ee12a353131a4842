// Package llmclient implements the provider-agnostic LLM client: model-ref
// resolution, classified transient-error retry with a
// configurable backoff schedule, and the structured response envelope every
// caller (sub-agent runner, chat session runtime) depends on.
package llmclient

import (
	"context"
	"time"

	"github.com/haasonsaas/zubot/internal/backoff"
	"github.com/haasonsaas/zubot/internal/config"
	"github.com/haasonsaas/zubot/internal/observability"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/pkg/models"
)

// defaultRetryBackoffScheduleSec is three fixed waits, not an exponential
// curve.
var defaultRetryBackoffScheduleSec = []float64{1.0, 3.0, 5.0}

// Response is the client's structured envelope.
type Response struct {
	OK                      bool
	Provider                string
	Model                   string
	Text                    string
	ToolCalls               []models.ToolCall
	FinishReason            string
	Usage                   providers.Usage
	Error                   string
	AttemptsUsed            int
	AttemptsConfigured      int
	RetryableError          bool
	RetryBackoffScheduleSec []float64
}

// Client resolves model refs against config and dispatches to the matching
// provider, applying the shared retry/backoff contract.
type Client struct {
	cfg                *config.Config
	providers          map[string]providers.Provider
	backoffScheduleSec []float64
	// ConfiguredAttempts is the floor on attempt count; effective attempts is
	// max(len(schedule)+1, ConfiguredAttempts).
	ConfiguredAttempts int
	metrics            *observability.Metrics
}

// NewClient builds a Client over the given provider set, keyed by the
// provider name used in config.ModelConfig.Provider (e.g. "anthropic").
func NewClient(cfg *config.Config, providerSet map[string]providers.Provider) *Client {
	return &Client{
		cfg:                cfg,
		providers:          providerSet,
		backoffScheduleSec: defaultRetryBackoffScheduleSec,
		ConfiguredAttempts: 1,
	}
}

// WithMetrics attaches per-call latency/outcome/token instrumentation.
func (c *Client) WithMetrics(m *observability.Metrics) *Client {
	c.metrics = m
	return c
}

// WithBackoffSchedule overrides the default (1s, 3s, 5s) schedule.
func (c *Client) WithBackoffSchedule(scheduleSec []float64) *Client {
	c.backoffScheduleSec = scheduleSec
	return c
}

// Complete resolves modelRef, dispatches to the provider, and retries
// classified-transient failures per the configured backoff schedule.
func (c *Client) Complete(ctx context.Context, modelRef string, messages []models.Message, tools []providers.ToolSchema, maxOutputTokens int) Response {
	modelID, modelCfg, err := c.cfg.ResolveModel(modelRef)
	if err != nil {
		return Response{OK: false, Error: err.Error(), AttemptsConfigured: c.ConfiguredAttempts}
	}
	provider, ok := c.providers[modelCfg.Provider]
	if !ok {
		return Response{OK: false, Error: "unknown provider: " + modelCfg.Provider, Model: modelID, AttemptsConfigured: c.ConfiguredAttempts}
	}

	attempts := len(c.backoffScheduleSec) + 1
	if c.ConfiguredAttempts > attempts {
		attempts = c.ConfiguredAttempts
	}

	outputCap := maxOutputTokens
	if outputCap <= 0 {
		outputCap = modelCfg.MaxOutputTok
	}

	var lastErr error
	used := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		used = attempt
		callStart := time.Now()
		result, err := provider.Complete(ctx, providers.CompletionRequest{
			Model:           modelID,
			Messages:        messages,
			Tools:           tools,
			MaxOutputTokens: outputCap,
		})
		c.metrics.RecordLLMRequest(provider.Name(), modelID, err == nil, time.Since(callStart), result.Usage.PromptTokens, result.Usage.CompletionTokens)
		if err == nil {
			return Response{
				OK:                      true,
				Provider:                provider.Name(),
				Model:                   modelID,
				Text:                    result.Text,
				ToolCalls:               result.ToolCalls,
				FinishReason:            result.FinishReason,
				Usage:                   result.Usage,
				AttemptsUsed:            attempt,
				AttemptsConfigured:      attempts,
				RetryBackoffScheduleSec: c.backoffScheduleSec,
			}
		}
		lastErr = err

		if !isRetryable(err) || attempt == attempts {
			break
		}
		if err := c.sleepBackoff(ctx, attempt); err != nil {
			lastErr = err
			break
		}
	}

	return Response{
		OK:                      false,
		Provider:                provider.Name(),
		Model:                   modelID,
		Error:                   lastErr.Error(),
		AttemptsUsed:            used,
		AttemptsConfigured:      attempts,
		RetryableError:          isRetryable(lastErr),
		RetryBackoffScheduleSec: c.backoffScheduleSec,
	}
}

func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	idx := attempt - 1
	if idx >= len(c.backoffScheduleSec) {
		idx = len(c.backoffScheduleSec) - 1
	}
	wait := time.Duration(c.backoffScheduleSec[idx] * float64(time.Second))
	return backoff.SleepWithContext(ctx, wait)
}
