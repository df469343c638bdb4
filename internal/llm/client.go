// Package llm provides the model clients the turn executor calls. Each
// provider converts the provider-neutral Message and tool definitions to
// its own wire format at the boundary.
package llm

import "context"

// Client is the interface that all model providers implement. Tools are
// passed in the OpenAI function-calling format.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// text fragments are delivered to it as they arrive.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// toolFunction unpacks one OpenAI-format tool definition.
func toolFunction(tool map[string]any) (name, description string, params map[string]any, ok bool) {
	fn, ok := tool["function"].(map[string]any)
	if !ok {
		return "", "", nil, false
	}
	name, _ = fn["name"].(string)
	description, _ = fn["description"].(string)
	params, _ = fn["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return name, description, params, name != ""
}
