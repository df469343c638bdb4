package tools

import (
	"context"
	"fmt"

	"github.com/nugget/statebridge/internal/conversation"
)

// Catalog is the merged, per-turn view of every tool the model may call:
// the static backend tools followed by the tools the front-end declared
// in the request.
type Catalog struct {
	specs    []conversation.ToolSpec
	backend  map[string]*Tool
	frontend map[string]conversation.ToolSpec
}

// Merge builds the catalog for one turn. Any name shared by two tools,
// whatever their sources, fails with a *DuplicateToolNameError before a
// model is ever called. Front-end tools with an unusable parameter schema
// are rejected the same way.
func Merge(backend []*Tool, frontend []conversation.ToolSpec) (*Catalog, error) {
	c := &Catalog{
		backend:  make(map[string]*Tool, len(backend)),
		frontend: make(map[string]conversation.ToolSpec, len(frontend)),
	}
	seen := make(map[string]string, len(backend)+len(frontend))

	for _, t := range backend {
		if prev, ok := seen[t.Name]; ok {
			return nil, &DuplicateToolNameError{ToolName: t.Name, Sources: [2]string{prev, originOf(t)}}
		}
		seen[t.Name] = originOf(t)
		c.backend[t.Name] = t
		c.specs = append(c.specs, t.Spec())
	}

	for _, spec := range frontend {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: front-end tool with empty name", ErrConfiguration)
		}
		if prev, ok := seen[spec.Name]; ok {
			return nil, &DuplicateToolNameError{ToolName: spec.Name, Sources: [2]string{prev, string(conversation.SourceFrontend)}}
		}
		if err := checkSchema(spec.Parameters); err != nil {
			return nil, fmt.Errorf("%w: tool %q: %v", ErrConfiguration, spec.Name, err)
		}
		seen[spec.Name] = string(conversation.SourceFrontend)
		spec.Source = conversation.SourceFrontend
		c.frontend[spec.Name] = spec
		c.specs = append(c.specs, spec)
	}

	return c, nil
}

// Specs returns the catalog in order: backend tools first, then front-end.
func (c *Catalog) Specs() []conversation.ToolSpec {
	if c == nil {
		return nil
	}
	out := make([]conversation.ToolSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

// Lookup finds a tool declaration by name.
func (c *Catalog) Lookup(name string) (conversation.ToolSpec, bool) {
	if c == nil {
		return conversation.ToolSpec{}, false
	}
	if t, ok := c.backend[name]; ok {
		return t.Spec(), true
	}
	spec, ok := c.frontend[name]
	return spec, ok
}

// Definitions returns the catalog in the OpenAI function-calling format
// that llm.Client implementations accept.
func (c *Catalog) Definitions() []map[string]any {
	if c == nil || len(c.specs) == 0 {
		return nil
	}
	result := make([]map[string]any, 0, len(c.specs))
	for _, spec := range c.specs {
		params := spec.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        spec.Name,
				"description": spec.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a backend tool call. Unknown names return
// *ErrToolUnavailable, front-end tools return ErrFrontendTool, and every
// failure of the tool itself (invalid arguments, handler error, panic)
// is returned as *ExecutionError.
func (c *Catalog) Execute(ctx context.Context, call conversation.ToolCall) (result string, err error) {
	if c == nil {
		return "", &ErrToolUnavailable{ToolName: call.Name}
	}
	if _, ok := c.frontend[call.Name]; ok {
		return "", ErrFrontendTool
	}
	tool, ok := c.backend[call.Name]
	if !ok || tool.Handler == nil {
		return "", &ErrToolUnavailable{ToolName: call.Name}
	}

	if err := validateArguments(tool.Parameters, call.Arguments); err != nil {
		return "", &ExecutionError{ToolName: call.Name, Err: err}
	}

	defer func() {
		if r := recover(); r != nil {
			result = ""
			err = &ExecutionError{ToolName: call.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err := tool.Handler(ctx, call.Arguments)
	if err != nil {
		return "", &ExecutionError{ToolName: call.Name, Err: err}
	}
	return out, nil
}

// SelectFirst applies the single-tool-per-turn rule: it keeps the first
// call and returns the names of the dropped ones.
func SelectFirst(calls []conversation.ToolCall) (conversation.ToolCall, []string, bool) {
	if len(calls) == 0 {
		return conversation.ToolCall{}, nil, false
	}
	var dropped []string
	for _, c := range calls[1:] {
		dropped = append(dropped, c.Name)
	}
	return calls[0], dropped, true
}
