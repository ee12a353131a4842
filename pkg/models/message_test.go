package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "the time is 10:00 AM",
		ToolCalls: []ToolCall{
			{ID: "call_1", Name: "get_current_time", Arguments: json.RawMessage(`{}`)},
		},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, msg.Role, decoded.Role)
	require.Equal(t, msg.Content, decoded.Content)
	require.Len(t, decoded.ToolCalls, 1)
	require.Equal(t, "get_current_time", decoded.ToolCalls[0].Name)
}

func TestToolResultIsError(t *testing.T) {
	res := ToolResult{ToolCallID: "call_1", Content: "boom", IsError: true}
	require.True(t, res.IsError)
	require.Equal(t, "call_1", res.ToolCallID)
}

func TestContextItemPriorityOrdering(t *testing.T) {
	items := []ContextItem{
		{SourceID: "base:soul", Priority: PriorityBase},
		{SourceID: "supplemental:weather", Priority: PrioritySupplemental},
		{SourceID: "fact:name", Priority: PriorityFact},
	}
	require.Equal(t, PriorityBase, items[0].Priority)
	require.Equal(t, PrioritySupplemental, items[1].Priority)
	require.Equal(t, PriorityFact, items[2].Priority)
}
