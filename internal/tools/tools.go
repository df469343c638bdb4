package tools

import (
	"context"
	"sync"

	"github.com/nugget/statebridge/internal/conversation"
)

// Handler runs a backend tool and returns the text reported back to the
// model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a backend tool that runs inside this process.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Origin names where the tool came from ("builtin", "mcp:<server>")
	// for diagnostics.
	Origin string `json:"-"`
}

// Spec returns the model-facing declaration of t.
func (t *Tool) Spec() conversation.ToolSpec {
	return conversation.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Source:      conversation.SourceBackend,
	}
}

// Registry holds the static backend tools. It is filled at startup and
// only read afterwards, but guards itself so MCP servers may register
// late.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. A second tool with the same name is rejected with
// a *DuplicateToolNameError.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tools[t.Name]; ok {
		return &DuplicateToolNameError{
			ToolName: t.Name,
			Sources:  [2]string{originOf(prev), originOf(t)},
		}
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []*Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Specs returns the declarations of all registered tools.
func (r *Registry) Specs() []conversation.ToolSpec {
	tools := r.Tools()
	specs := make([]conversation.ToolSpec, len(tools))
	for i, t := range tools {
		specs[i] = t.Spec()
	}
	return specs
}

func originOf(t *Tool) string {
	if t.Origin == "" {
		return string(conversation.SourceBackend)
	}
	return t.Origin
}
