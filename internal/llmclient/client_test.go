package llmclient

import (
	"context"
	"testing"

	"github.com/haasonsaas/zubot/internal/config"
	"github.com/haasonsaas/zubot/internal/llmclient/providers"
	"github.com/haasonsaas/zubot/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name       string
	failTimes  int
	calls      int
	failErr    error
	okResponse providers.CompletionResponse
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req providers.CompletionRequest) (providers.CompletionResponse, error) {
	f.calls++
	if f.calls <= f.failTimes {
		return providers.CompletionResponse{}, f.failErr
	}
	return f.okResponse, nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Models["fast"] = config.ModelConfig{Provider: "fake", MaxOutputTok: 512}
	cfg.ModelAliases["default"] = "fast"
	return cfg
}

func TestCompleteSucceedsOnFirstAttempt(t *testing.T) {
	fp := &fakeProvider{name: "fake", okResponse: providers.CompletionResponse{Text: "hi"}}
	client := NewClient(testConfig(), map[string]providers.Provider{"fake": fp})

	resp := client.Complete(context.Background(), "default", []models.Message{{Role: models.RoleUser, Content: "hello"}}, nil, 0)
	require.True(t, resp.OK)
	require.Equal(t, "hi", resp.Text)
	require.Equal(t, 1, resp.AttemptsUsed)
}

func TestCompleteRetriesTransientErrorThenSucceeds(t *testing.T) {
	fp := &fakeProvider{
		name:       "fake",
		failTimes:  2,
		failErr:    providers.NewProviderError("fake", "fast", context.DeadlineExceeded),
		okResponse: providers.CompletionResponse{Text: "recovered"},
	}
	client := NewClient(testConfig(), map[string]providers.Provider{"fake": fp}).WithBackoffSchedule([]float64{0, 0, 0})

	resp := client.Complete(context.Background(), "default", nil, nil, 0)
	require.True(t, resp.OK)
	require.Equal(t, "recovered", resp.Text)
	require.Equal(t, 3, resp.AttemptsUsed)
}

func TestCompleteFailsImmediatelyOnNonRetryableError(t *testing.T) {
	fp := &fakeProvider{
		name:      "fake",
		failTimes: 99,
		failErr:   providers.NewProviderError("fake", "fast", context.Canceled),
	}
	client := NewClient(testConfig(), map[string]providers.Provider{"fake": fp})

	resp := client.Complete(context.Background(), "default", nil, nil, 0)
	require.False(t, resp.OK)
	require.Equal(t, 1, fp.calls)
}

func TestCompleteUnknownModelAliasFailsFast(t *testing.T) {
	client := NewClient(testConfig(), map[string]providers.Provider{})
	resp := client.Complete(context.Background(), "missing", nil, nil, 0)
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}
