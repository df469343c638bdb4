package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/statebridge/internal/httpkit"
)

const anthropicMaxTokens = 4096

// AnthropicClient talks to the Anthropic Messages API through the
// official SDK.
type AnthropicClient struct {
	client    anthropic.Client
	pingModel string
	logger    *slog.Logger
}

// AnthropicConfig configures an AnthropicClient.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string // empty for api.anthropic.com

	// PingModel is the model used by Ping; Anthropic has no health
	// endpoint so a one-token request stands in for one.
	PingModel string
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.PingModel == "" {
		cfg.PingModel = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		pingModel: cfg.PingModel,
		logger:    logger.With("provider", "anthropic"),
	}
}

func (c *AnthropicClient) params(model string, messages []Message, tools []map[string]any) anthropic.MessageNewParams {
	msgs, system := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: anthropicMaxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if converted := toAnthropicTools(tools); len(converted) > 0 {
		params.Tools = converted
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: anthropic.Bool(true)},
		}
	}
	return params
}

// Chat sends a non-streaming request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	msg, err := c.client.Messages.New(ctx, c.params(model, messages, tools))
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}
	return fromAnthropicMessage(msg), nil
}

// ChatStream streams a response, forwarding text deltas to callback.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)
	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	msg := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream: %w", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				callback(StreamEvent{Kind: KindToken, Token: text.Text})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic stream: %w", err)
	}

	resp := fromAnthropicMessage(&msg)
	for i := range resp.Message.ToolCalls {
		callback(StreamEvent{Kind: KindToolCall, ToolCall: &resp.Message.ToolCalls[i]})
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"stop_reason", string(msg.StopReason),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// Ping sends a one-token request to verify the key.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.pingModel),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// toAnthropicMessages converts messages to the Anthropic shape. Leading
// system messages become the system prompt; a system message after the
// conversation has started (the real-time state reminder) is sent as a
// user text block because the API only takes one system prompt.
func toAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string) {
	var system []string
	var out []anthropic.MessageParam

	for _, m := range messages {
		switch m.Role {
		case "system":
			if len(out) == 0 {
				system = append(system, m.Content)
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				id := tc.ID
				if id == "" {
					id = fmt.Sprintf("toolu_%s_%d", tc.Function.Name, i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}

	return out, strings.Join(system, "\n\n")
}

func toAnthropicTools(tools []map[string]any) []anthropic.ToolUnionParam {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		schema := anthropic.ToolInputSchemaParam{Properties: params["properties"]}
		schema.Required = requiredFields(params["required"])
		param := anthropic.ToolParam{
			Name:        name,
			Description: anthropic.String(desc),
			InputSchema: schema,
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out
}

func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, s := range r {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func fromAnthropicMessage(msg *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		Model:        string(msg.Model),
		Done:         true,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Message:      Message{Role: "assistant"},
	}
	var text strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					args = map[string]any{"_raw": string(b.Input)}
				}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: FunctionCall{Name: b.Name, Arguments: args},
			})
		}
	}
	resp.Message.Content = text.String()
	return resp
}
