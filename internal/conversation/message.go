// Package conversation defines the message model shared by every layer
// of the bridge: chat messages, tool calls, front-end context items, tool
// declarations, and the per-thread conversation state.
package conversation

import (
	"maps"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single entry in a thread's history.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
	IsError    bool       `json:"is_error,omitempty"`     // tool result carries a failure
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// IsToolResult reports whether m is the result of a tool execution.
func (m Message) IsToolResult() bool {
	return m.Role == RoleTool && m.ToolCallID != ""
}

// CloneToolCall returns a deep copy of a tool call.
func CloneToolCall(in ToolCall) ToolCall {
	out := in
	if in.Arguments != nil {
		out.Arguments = make(map[string]any, len(in.Arguments))
		maps.Copy(out.Arguments, in.Arguments)
	}
	return out
}

// CloneMessage returns a deep copy of a message.
func CloneMessage(in Message) Message {
	out := in
	if len(in.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(in.ToolCalls))
		for i := range in.ToolCalls {
			out.ToolCalls[i] = CloneToolCall(in.ToolCalls[i])
		}
	}
	return out
}

// CloneMessages returns deep copies of all messages.
func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i := range in {
		out[i] = CloneMessage(in[i])
	}
	return out
}

// ContextItem is one readable piece of front-end state, such as
// "The current color of the square" = "red".
type ContextItem struct {
	Description string `json:"description"`
	Value       string `json:"value"`
}

// ToolSource says who executes a tool.
type ToolSource string

const (
	// SourceBackend tools run inside this process.
	SourceBackend ToolSource = "backend"
	// SourceFrontend tools are declared per request and run by the caller.
	SourceFrontend ToolSource = "frontend"
)

// ToolSpec describes a tool the model may call. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Source      ToolSource     `json:"source"`
}
