package providers

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyErrorRecognizesTimeoutAndRateLimit(t *testing.T) {
	require.Equal(t, FailoverTimeout, ClassifyError(errors.New("context deadline exceeded")))
	require.Equal(t, FailoverRateLimit, ClassifyError(errors.New("429 too many requests")))
	require.Equal(t, FailoverAuth, ClassifyError(errors.New("401 unauthorized")))
}

func TestWithStatusReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("boom")).WithStatus(http.StatusTooManyRequests)
	require.Equal(t, FailoverRateLimit, err.Reason)
	require.True(t, err.Reason.IsRetryable())
}

func TestProviderErrorUnwrapAndIsRetryable(t *testing.T) {
	cause := errors.New("503 service unavailable")
	err := NewProviderError("openai", "gpt", cause)
	require.True(t, errors.Is(err.Unwrap(), cause))
	require.True(t, IsRetryable(err))
	require.True(t, ShouldFailover(NewProviderError("openai", "gpt", errors.New("invalid api key"))))
}
