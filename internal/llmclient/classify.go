package llmclient

import (
	"errors"
	"net"
	"strings"

	"github.com/haasonsaas/zubot/internal/llmclient/providers"
)

// retryableHTTPStatuses is the transient set worth retrying.
var retryableHTTPStatuses = map[int]bool{
	408: true, 425: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// isRetryable decides whether err warrants another attempt from the HTTP
// status, the reason providers.ClassifyError assigned, network error types,
// and a few transient-failure message patterns.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var providerErr *providers.ProviderError
	if errors.As(err, &providerErr) {
		if providerErr.Status != 0 && retryableHTTPStatuses[providerErr.Status] {
			return true
		}
		if providerErr.Reason.IsRetryable() {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection reset", "broken pipe", "econnreset", "timeout", "temporary failure"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
