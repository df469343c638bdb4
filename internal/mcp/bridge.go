package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/statebridge/internal/tools"
)

// Registrar accepts bridged tools. *tools.Registry satisfies it.
type Registrar interface {
	Register(t *tools.Tool) error
}

var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Bridge lists the tools offered by src and registers them as backend
// tools named mcp_<server>_<tool>. When include is non-empty only the
// named MCP tools are bridged; otherwise every tool not in exclude is.
// It returns the number of tools registered.
func Bridge(ctx context.Context, src toolSource, serverName string, registry Registrar, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	listed, err := src.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", serverName, err)
	}

	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range listed.Tools {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		t := bridgeTool(src, serverName, td, logger)
		if err := registry.Register(t); err != nil {
			return count, fmt.Errorf("register %s from %s: %w", td.Name, serverName, err)
		}
		count++

		logger.Debug("bridged mcp tool",
			"mcp_name", td.Name,
			"tool", t.Name,
			"mcp_server", serverName,
		)
	}
	return count, nil
}

// ToolName namespaces an MCP tool name under its server. Both parts are
// lowercased and reduced to [a-z0-9_].
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func bridgeTool(src toolSource, serverName string, td mcp.Tool, logger *slog.Logger) *tools.Tool {
	mcpName := td.Name
	return &tools.Tool{
		Name:        ToolName(serverName, td.Name),
		Description: td.Description,
		Parameters:  inputSchema(td),
		Origin:      "mcp:" + serverName,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			res, err := src.CallTool(ctx, mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      mcpName,
					Arguments: args,
				},
			})
			if err != nil {
				return "", fmt.Errorf("call %s on %s: %w", mcpName, serverName, err)
			}
			text := resultText(res)
			if res.IsError {
				if text == "" {
					text = "tool reported an error"
				}
				logger.Debug("mcp tool reported error",
					"mcp_server", serverName,
					"mcp_name", mcpName,
					"thread_id", tools.ThreadIDFromContext(ctx),
					"tool_call_id", tools.ToolCallIDFromContext(ctx),
				)
				return "", errors.New(text)
			}
			return text, nil
		},
	}
}

// inputSchema converts the declared schema to the registry's map form.
// A raw schema wins when the server sent one.
func inputSchema(td mcp.Tool) map[string]any {
	if len(td.RawInputSchema) > 0 {
		var m map[string]any
		if err := json.Unmarshal(td.RawInputSchema, &m); err == nil {
			return m
		}
	}

	typ := td.InputSchema.Type
	if typ == "" {
		typ = "object"
	}
	props := td.InputSchema.Properties
	if props == nil {
		props = map[string]any{}
	}
	params := map[string]any{
		"type":       typ,
		"properties": props,
	}
	if len(td.InputSchema.Required) > 0 {
		required := make([]any, len(td.InputSchema.Required))
		for i, r := range td.InputSchema.Required {
			required[i] = r
		}
		params["required"] = required
	}
	if td.InputSchema.Defs != nil {
		params["$defs"] = td.InputSchema.Defs
	}
	return params
}

// resultText joins the text blocks of a tool result. Non-text content is
// summarized by type.
func resultText(res *mcp.CallToolResult) string {
	if res == nil {
		return ""
	}
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s]", v.MIMEType))
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
