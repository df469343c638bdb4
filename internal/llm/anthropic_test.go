package llm

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestToAnthropicMessages(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "task prompt"},
		{Role: "user", Content: "make it red"},
		{Role: "assistant", ToolCalls: []ToolCall{{Function: FunctionCall{Name: "setSquareColor", Arguments: map[string]any{"color": "red"}}}}},
		{Role: "tool", ToolCallID: "toolu_setSquareColor_0", Content: "ok"},
		{Role: "system", Content: "[REAL-TIME UPDATE] red"},
	}

	out, system := toAnthropicMessages(msgs)
	if system != "task prompt" {
		t.Errorf("system = %q, want %q", system, "task prompt")
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages, want 4", len(out))
	}

	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []struct {
		Role    string           `json:"role"`
		Content []map[string]any `json:"content"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	wantRoles := []string{"user", "assistant", "user", "user"}
	for i, want := range wantRoles {
		if decoded[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, decoded[i].Role, want)
		}
	}
	use := decoded[1].Content[0]
	if use["type"] != "tool_use" || use["id"] != "toolu_setSquareColor_0" || use["name"] != "setSquareColor" {
		t.Errorf("tool_use block = %v", use)
	}
	result := decoded[2].Content[0]
	if result["type"] != "tool_result" || result["tool_use_id"] != "toolu_setSquareColor_0" {
		t.Errorf("tool_result block = %v", result)
	}
	if decoded[3].Content[0]["text"] != "[REAL-TIME UPDATE] red" {
		t.Errorf("trailing reminder = %v", decoded[3].Content[0])
	}
}

func TestToAnthropicTools(t *testing.T) {
	tools := toAnthropicTools([]map[string]any{
		squareToolDef,
		{"type": "function"}, // malformed, skipped
	})
	if len(tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(tools))
	}
	tool := tools[0].OfTool
	if tool == nil || tool.Name != "setSquareColor" {
		t.Fatalf("tool = %+v", tools[0])
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "color" {
		t.Errorf("required = %v", tool.InputSchema.Required)
	}
}

func TestFromAnthropicMessage(t *testing.T) {
	raw := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5-20250929",
		"content": [
			{"type": "text", "text": "Changing it now."},
			{"type": "tool_use", "id": "toolu_1", "name": "setSquareColor", "input": {"color": "red"}},
			{"type": "tool_use", "id": "toolu_2", "name": "get_weather", "input": {"location": "Austin"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 120, "output_tokens": 30}
	}`
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	resp := fromAnthropicMessage(&msg)
	if resp.Message.Content != "Changing it now." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 120 || resp.OutputTokens != 30 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	if len(resp.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %d, want 2", len(resp.Message.ToolCalls))
	}
	first := resp.Message.ToolCalls[0]
	if first.ID != "toolu_1" || first.Function.Arguments["color"] != "red" {
		t.Errorf("first call = %+v", first)
	}
}

func TestRequiredFields(t *testing.T) {
	tests := []struct {
		in   any
		want int
	}{
		{nil, 0},
		{[]string{"a", "b"}, 2},
		{[]any{"a", 3, "c"}, 2},
		{"a", 0},
	}
	for _, tt := range tests {
		if got := requiredFields(tt.in); len(got) != tt.want {
			t.Errorf("requiredFields(%v) = %v, want %d entries", tt.in, got, tt.want)
		}
	}
}
