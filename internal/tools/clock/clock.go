// Package clock provides the get_current_time kernel tool. The registry
// injects the process's resolved location when the caller omits one.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/zubot/internal/datetime"
	"github.com/haasonsaas/zubot/pkg/models"
)

// Tool reports the current time in a requested (or resolved) timezone.
type Tool struct {
	defaultTimezone string
	format          datetime.ResolvedTimeFormat
	// now is swappable for tests.
	now func() time.Time
}

// New builds the tool. defaultTimezone may be an IANA zone name or empty
// (resolved from the host).
func New(defaultTimezone string, preference datetime.TimeFormatPreference) *Tool {
	return &Tool{
		defaultTimezone: datetime.ResolveUserTimezone(defaultTimezone),
		format:          datetime.ResolveUserTimeFormat(preference),
		now:             time.Now,
	}
}

func (t *Tool) Name() string { return "get_current_time" }

func (t *Tool) Description() string {
	return "Get the current date and time, optionally for a specific IANA timezone."
}

func (t *Tool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "IANA timezone name (e.g. America/New_York). Defaults to the configured location.",
			},
		},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute resolves the zone and renders the current time.
func (t *Tool) Execute(_ context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Location string `json:"location"`
	}
	_ = json.Unmarshal(params, &input)

	zone := input.Location
	if zone == "" {
		zone = t.defaultTimezone
	}
	if _, err := time.LoadLocation(zone); err != nil {
		zone = t.defaultTimezone
	}

	now := t.now()
	result := map[string]any{
		"ok":          true,
		"timezone":    zone,
		"human_local": datetime.FormatUserTimeWithTimezone(now, zone, t.format),
		"iso_utc":     now.UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &models.ToolResult{Content: string(payload)}, nil
}
