package mcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/tools"
)

type fakeSource struct {
	tools   []mcp.Tool
	listErr error

	result  *mcp.CallToolResult
	callErr error
	calls   []mcp.CallToolParams
}

func (f *fakeSource) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSource) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f.calls = append(f.calls, req.Params)
	if f.callErr != nil {
		return nil, f.callErr
	}
	return f.result, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func weatherTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "get-forecast",
			Description: "Forecast for a city",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"city": map[string]any{"type": "string"}},
				Required:   []string{"city"},
			},
		},
		{
			Name:        "get_alerts",
			Description: "Active weather alerts",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
	}
}

func TestToolName(t *testing.T) {
	tests := []struct {
		server, tool, want string
	}{
		{"weather", "get_alerts", "mcp_weather_get_alerts"},
		{"home-assistant", "get-entities", "mcp_home_assistant_get_entities"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}
	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.tool, func(t *testing.T) {
			if got := ToolName(tt.server, tt.tool); got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.tool, got, tt.want)
			}
		})
	}
}

func TestBridge_Filters(t *testing.T) {
	tests := []struct {
		name             string
		include, exclude []string
		want             []string
	}{
		{"all", nil, nil, []string{"mcp_weather_get_forecast", "mcp_weather_get_alerts"}},
		{"include", []string{"get_alerts"}, nil, []string{"mcp_weather_get_alerts"}},
		{"exclude", nil, []string{"get_alerts"}, []string{"mcp_weather_get_forecast"}},
		{"include wins", []string{"get_alerts"}, []string{"get_alerts"}, []string{"mcp_weather_get_alerts"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := tools.NewRegistry()
			n, err := Bridge(context.Background(), &fakeSource{tools: weatherTools()}, "weather", reg, tt.include, tt.exclude, quietLogger())
			if err != nil {
				t.Fatalf("Bridge() error = %v", err)
			}
			if n != len(tt.want) {
				t.Errorf("Bridge() = %d, want %d", n, len(tt.want))
			}
			got := reg.Tools()
			for i, name := range tt.want {
				if i >= len(got) || got[i].Name != name {
					t.Errorf("tool %d = %v, want %s", i, got, name)
				}
			}
		})
	}
}

func TestBridge_Schema(t *testing.T) {
	reg := tools.NewRegistry()
	if _, err := Bridge(context.Background(), &fakeSource{tools: weatherTools()}, "weather", reg, nil, nil, quietLogger()); err != nil {
		t.Fatal(err)
	}
	tool := reg.Get("mcp_weather_get_forecast")
	if tool == nil {
		t.Fatal("forecast tool not registered")
	}
	if tool.Origin != "mcp:weather" {
		t.Errorf("Origin = %q", tool.Origin)
	}
	req, _ := tool.Parameters["required"].([]any)
	if len(req) != 1 || req[0] != "city" {
		t.Errorf("required = %v", tool.Parameters["required"])
	}
	if _, ok := reg.Get("mcp_weather_get_alerts").Parameters["properties"].(map[string]any); !ok {
		t.Error("empty schema should still carry properties")
	}
}

func TestBridge_RawSchema(t *testing.T) {
	src := &fakeSource{tools: []mcp.Tool{{
		Name:           "raw",
		RawInputSchema: []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`),
	}}}
	reg := tools.NewRegistry()
	if _, err := Bridge(context.Background(), src, "s", reg, nil, nil, quietLogger()); err != nil {
		t.Fatal(err)
	}
	props, _ := reg.Get("mcp_s_raw").Parameters["properties"].(map[string]any)
	if _, ok := props["n"]; !ok {
		t.Errorf("raw schema not used: %v", reg.Get("mcp_s_raw").Parameters)
	}
}

func TestBridge_ListError(t *testing.T) {
	boom := errors.New("broken pipe")
	_, err := Bridge(context.Background(), &fakeSource{listErr: boom}, "weather", tools.NewRegistry(), nil, nil, quietLogger())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}

func TestBridge_DuplicateName(t *testing.T) {
	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Tool{Name: "mcp_weather_get_alerts"}); err != nil {
		t.Fatal(err)
	}
	_, err := Bridge(context.Background(), &fakeSource{tools: weatherTools()}, "weather", reg, nil, nil, quietLogger())
	if !errors.Is(err, tools.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
}

func TestBridgedTool_Execute(t *testing.T) {
	call := conversation.ToolCall{ID: "call_1", Name: "mcp_weather_get_forecast", Arguments: map[string]any{"city": "Austin"}}

	tests := []struct {
		name     string
		src      *fakeSource
		want     string
		wantExec bool
	}{
		{
			name: "text result",
			src: &fakeSource{result: &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent("Sunny"), mcp.NewTextContent("High 31C")},
			}},
			want: "Sunny\nHigh 31C",
		},
		{
			name: "error result",
			src: &fakeSource{result: &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{mcp.NewTextContent("unknown city")},
			}},
			wantExec: true,
		},
		{
			name:     "transport failure",
			src:      &fakeSource{callErr: errors.New("connection reset")},
			wantExec: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.src.tools = weatherTools()
			reg := tools.NewRegistry()
			if _, err := Bridge(context.Background(), tt.src, "weather", reg, nil, nil, quietLogger()); err != nil {
				t.Fatal(err)
			}
			catalog, err := tools.Merge(reg.Tools(), nil)
			if err != nil {
				t.Fatal(err)
			}

			got, err := catalog.Execute(context.Background(), call)
			var execErr *tools.ExecutionError
			if tt.wantExec {
				if !errors.As(err, &execErr) {
					t.Fatalf("error = %v, want *ExecutionError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Execute() = %q, want %q", got, tt.want)
			}
			if len(tt.src.calls) != 1 || tt.src.calls[0].Name != "get-forecast" {
				t.Errorf("calls = %+v, want original MCP name", tt.src.calls)
			}
		})
	}
}

func TestBridgedTool_InvalidArgumentsNotSent(t *testing.T) {
	src := &fakeSource{tools: weatherTools()}
	reg := tools.NewRegistry()
	if _, err := Bridge(context.Background(), src, "weather", reg, nil, nil, quietLogger()); err != nil {
		t.Fatal(err)
	}
	catalog, _ := tools.Merge(reg.Tools(), nil)

	_, err := catalog.Execute(context.Background(), conversation.ToolCall{Name: "mcp_weather_get_forecast", Arguments: map[string]any{}})
	var execErr *tools.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("error = %v, want *ExecutionError", err)
	}
	if len(src.calls) != 0 {
		t.Error("server called with arguments that fail the schema")
	}
}
