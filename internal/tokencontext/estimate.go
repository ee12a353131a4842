// Package tokencontext implements the token estimator and context assembler:
// heuristic token counts and the message-assembly algorithm that turns a
// ContextState, rolling session summary, and recent event ring into an
// ordered list of models.Message within a token budget.
package tokencontext

import (
	"encoding/json"
	"math"
)

// charsPerToken drives the heuristic: ceil(len(text)/3.6) tokens.
const charsPerToken = 3.6

// perMessageFrameOverheadTokens is the small fixed overhead attributed to
// per-message role/field framing in the provider wire format.
const perMessageFrameOverheadTokens = 4

// EstimateTokens returns the heuristic token count for a plain string.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / charsPerToken))
}

// EstimateStructuredTokens serializes a structured payload to its compact
// JSON form before counting.
func EstimateStructuredTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}

// EstimateMessageTokens counts one assembled message including its per-message
// framing overhead.
func EstimateMessageTokens(role, content string) int {
	return EstimateTokens(role) + EstimateTokens(content) + perMessageFrameOverheadTokens
}
