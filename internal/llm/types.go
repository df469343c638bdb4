package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message is a chat message in the provider-neutral format every client
// accepts.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool responses
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // provider-assigned; needed to correlate results
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text fragment from the model.
	KindToken StreamEventKind = iota

	// KindToolCall fires when the provider has fully decoded a tool call.
	KindToolCall

	// KindDone signals the stream is complete.
	KindDone
)

// StreamEvent is a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// ToolCall is set for KindToolCall events.
	ToolCall *ToolCall

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamCallback receives streaming events in order. It is called on the
// goroutine running ChatStream.
type StreamCallback func(event StreamEvent)
