package api

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/statebridge/internal/conversation"
)

func TestRequestOperation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"explicit", Request{Operation: "availableTools"}, opAvailableTools},
		{"graphql name", Request{OperationName: "availableAgents"}, opAvailableAgents},
		{"copilot alias", Request{OperationName: "generateCopilotResponse"}, opGenerateResponse},
		{"explicit wins", Request{Operation: "generateResponse", OperationName: "availableAgents"}, opGenerateResponse},
		{"query fallback", Request{Query: "mutation { generateCopilotResponse(data: $data) { threadId } }"}, opGenerateResponse},
		{"unknown", Request{Operation: "loadAgentState"}, "loadAgentState"},
		{"empty", Request{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.operation(); got != tt.want {
				t.Errorf("operation() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeObject(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantKey string
		wantNil bool
		wantErr bool
	}{
		{"object", `{"color": "red"}`, "color", false, false},
		{"string encoded", `"{\"color\": \"red\"}"`, "color", false, false},
		{"empty", ``, "", true, false},
		{"null", `null`, "", true, false},
		{"empty string", `""`, "", true, false},
		{"array", `[1, 2]`, "", false, true},
		{"string not json", `"red"`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeObject(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("decodeObject(%s) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeObject(%s) error = %v", tt.raw, err)
			}
			if tt.wantNil != (got == nil) {
				t.Fatalf("decodeObject(%s) = %v", tt.raw, got)
			}
			if tt.wantKey != "" {
				if _, ok := got[tt.wantKey]; !ok {
					t.Errorf("decodeObject(%s) = %v, missing %q", tt.raw, got, tt.wantKey)
				}
			}
		})
	}
}

func TestTurnRequest_Messages(t *testing.T) {
	body := `{
		"threadId": "thread_1",
		"messages": [
			{"id": "m1", "textMessage": {"role": "user", "content": "make it green"}},
			{"id": "call_1", "actionExecutionMessage": {"name": "setSquareColor", "arguments": "{\"color\":\"green\"}"}},
			{"id": "m3", "resultMessage": {"actionExecutionId": "call_1", "result": "done"}},
			{"role": "assistant", "content": "", "toolCalls": [{"id": "call_2", "name": "get_weather", "arguments": {"location": "Austin"}}]},
			{"role": "tool", "content": "sunny", "toolCallId": "call_2"}
		],
		"context": [{"description": "square color", "value": "green"}],
		"tools": [{"name": "setSquareColor", "parameterSchema": {"type": "object"}}],
		"language": "de"
	}`
	req, err := decodeRequest(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	tr, err := req.turnRequest()
	if err != nil {
		t.Fatalf("turnRequest() error = %v", err)
	}

	if len(tr.Messages) != 5 {
		t.Fatalf("messages = %d, want 5", len(tr.Messages))
	}
	if m := tr.Messages[1]; m.Role != conversation.RoleAssistant || len(m.ToolCalls) != 1 || m.ToolCalls[0].Arguments["color"] != "green" {
		t.Errorf("action execution = %+v", m)
	}
	if m := tr.Messages[2]; m.Role != conversation.RoleTool || m.ToolCallID != "call_1" || m.Content != "done" {
		t.Errorf("result message = %+v", m)
	}
	if err := conversation.ValidateHistory(tr.Messages); err != nil {
		t.Errorf("decoded history invalid: %v", err)
	}
	if len(tr.FrontendTools) != 1 || tr.FrontendTools[0].Source != conversation.SourceFrontend {
		t.Errorf("tools = %+v", tr.FrontendTools)
	}
	if tr.Language != "de" || len(tr.Context) != 1 {
		t.Errorf("turn request = %+v", tr)
	}
}

func TestTurnRequest_DecodeErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"bad role", `{"messages": [{"role": "bot"}]}`, "messages[0].role"},
		{"tool calls on user", `{"messages": [{"role": "user", "toolCalls": [{"id": "c", "name": "x"}]}]}`, "messages[0].toolCalls"},
		{"tool call without id", `{"messages": [{"role": "assistant", "toolCalls": [{"name": "x"}]}]}`, "messages[0].toolCalls[0].id"},
		{"result without call id", `{"messages": [{"resultMessage": {"result": "ok"}}]}`, "messages[0].resultMessage.actionExecutionId"},
		{"duplicate frontend tool", `{"tools": [{"name": "a"}, {"name": "a"}]}`, "tools[1].name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := decodeRequest(strings.NewReader(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			_, err = req.turnRequest()
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("error = %v, want *DecodeError", err)
			}
			if de.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", de.Field, tt.wantField)
			}
		})
	}
}
