package tools

import "context"

type contextKey string

const (
	threadIDKey   contextKey = "thread_id"
	runIDKey      contextKey = "run_id"
	toolCallIDKey contextKey = "tool_call_id"
)

// WithTurn records which thread, run and tool call a backend tool is
// executing for. Empty values are not stored.
func WithTurn(ctx context.Context, threadID, runID, toolCallID string) context.Context {
	if threadID != "" {
		ctx = context.WithValue(ctx, threadIDKey, threadID)
	}
	if runID != "" {
		ctx = context.WithValue(ctx, runIDKey, runID)
	}
	if toolCallID != "" {
		ctx = context.WithValue(ctx, toolCallIDKey, toolCallID)
	}
	return ctx
}

// ThreadIDFromContext returns the thread ID, or "" if not set.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// RunIDFromContext returns the run ID, or "" if not set.
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// ToolCallIDFromContext returns the tool call ID, or "" if not set.
func ToolCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(toolCallIDKey).(string)
	return id
}
