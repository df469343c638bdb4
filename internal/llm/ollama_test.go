package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantCount int
		wantName  string
	}{
		{name: "empty", content: "", wantCount: 0},
		{name: "whitespace", content: "  \n\t ", wantCount: 0},
		{name: "plain text", content: "The square is red.", wantCount: 0},
		{
			name:      "single object",
			content:   `{"name": "setSquareColor", "arguments": {"color": "red"}}`,
			wantCount: 1,
			wantName:  "setSquareColor",
		},
		{
			name:      "array",
			content:   `[{"name": "setSquareColor", "arguments": {"color": "red"}}, {"name": "get_weather", "arguments": {}}]`,
			wantCount: 2,
			wantName:  "setSquareColor",
		},
		{
			name:      "tagged",
			content:   `<tool_call>{"name": "get_weather", "arguments": {"location": "Austin"}}</tool_call>`,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{
			name:      "tagged with preamble and no closing tag",
			content:   `Sure. <tool_call>{"name": "get_weather", "arguments": {"location": "Austin"}}`,
			wantCount: 1,
			wantName:  "get_weather",
		},
		{name: "object without name", content: `{"color": "red"}`, wantCount: 0},
		{name: "malformed", content: `{"name": "x", "arguments": {`, wantCount: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTextToolCalls(tt.content)
			if len(got) != tt.wantCount {
				t.Fatalf("parseTextToolCalls() returned %d calls, want %d", len(got), tt.wantCount)
			}
			if tt.wantCount > 0 && got[0].Function.Name != tt.wantName {
				t.Errorf("first call = %q, want %q", got[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestOllamaWireResponse(t *testing.T) {
	raw := `{
		"model": "qwen3:4b",
		"created_at": "2026-02-11T15:00:00.123456789Z",
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{"function": {"name": "setSquareColor", "arguments": {"color": "blue"}}}]
		},
		"done": true,
		"total_duration": 1234567890,
		"prompt_eval_count": 42,
		"eval_count": 15
	}`

	var wire ollamaWireResponse
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	resp := wire.toChatResponse()

	if resp.CreatedAt.Year() != 2026 || resp.CreatedAt.Month() != time.February {
		t.Errorf("CreatedAt = %v", resp.CreatedAt)
	}
	if resp.InputTokens != 42 || resp.OutputTokens != 15 {
		t.Errorf("tokens = %d/%d, want 42/15", resp.InputTokens, resp.OutputTokens)
	}
	if resp.TotalDuration != 1234567890*time.Nanosecond {
		t.Errorf("TotalDuration = %v", resp.TotalDuration)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Arguments["color"] != "blue" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
}

func TestOllamaClient_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Stream {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		for _, frag := range []string{"The ", "square ", "is red."} {
			fmt.Fprintf(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":%q},"done":false}`+"\n", frag)
		}
		fmt.Fprintln(w, `{"model":"qwen3:4b","message":{"role":"assistant","content":""},"done":true,"eval_count":7}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, quietLogger())

	var tokens []string
	var done int
	resp, err := c.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "what color?"}}, nil,
		func(ev StreamEvent) {
			switch ev.Kind {
			case KindToken:
				tokens = append(tokens, ev.Token)
			case KindDone:
				done++
			}
		})
	if err != nil {
		t.Fatalf("ChatStream() error = %v", err)
	}
	if len(tokens) != 3 {
		t.Errorf("got %d tokens, want 3", len(tokens))
	}
	if done != 1 {
		t.Errorf("got %d done events, want 1", done)
	}
	if resp.Message.Content != "The square is red." {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.OutputTokens != 7 {
		t.Errorf("OutputTokens = %d, want 7", resp.OutputTokens)
	}
}

func TestOllamaClient_TextToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"model":"m","message":{"role":"assistant","content":"{\"name\":\"setSquareColor\",\"arguments\":{\"color\":\"red\"}}"},"done":true}`)
	}))
	defer srv.Close()

	resp, err := NewOllamaClient(srv.URL, quietLogger()).Chat(context.Background(), "m", nil, nil)
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.Content != "" {
		t.Errorf("text tool call not promoted: %+v", resp.Message)
	}
}

func TestOllamaClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, quietLogger()).Chat(context.Background(), "missing", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("Chat() error = %v, want 404", err)
	}
}

func TestClientsImplementInterface(t *testing.T) {
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*MultiClient)(nil)
}
