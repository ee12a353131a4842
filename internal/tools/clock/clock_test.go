package clock

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/zubot/internal/datetime"
)

func executeAt(t *testing.T, tool *Tool, params string) map[string]any {
	t.Helper()
	result, err := tool.Execute(context.Background(), json.RawMessage(params))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", result.Content)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestExecuteUsesDefaultTimezone(t *testing.T) {
	tool := New("UTC", datetime.TimeFormat24)
	tool.now = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	out := executeAt(t, tool, `{}`)
	if out["timezone"] != "UTC" {
		t.Fatalf("expected UTC, got %v", out["timezone"])
	}
	human, _ := out["human_local"].(string)
	if human == "" {
		t.Fatal("expected a human-readable time")
	}
}

func TestExecuteHonorsLocationOverride(t *testing.T) {
	tool := New("UTC", datetime.TimeFormat24)
	tool.now = func() time.Time { return time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC) }

	out := executeAt(t, tool, `{"location":"America/New_York"}`)
	if out["timezone"] != "America/New_York" {
		t.Fatalf("expected override, got %v", out["timezone"])
	}
}

func TestExecuteFallsBackOnBadZone(t *testing.T) {
	tool := New("UTC", datetime.TimeFormat24)
	out := executeAt(t, tool, `{"location":"Not/AZone"}`)
	if out["timezone"] != "UTC" {
		t.Fatalf("expected fallback to default, got %v", out["timezone"])
	}
}
