package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nugget/statebridge/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API, or any
// compatible endpoint, through the official SDK.
type OpenAIClient struct {
	client      openai.Client
	temperature float64
	logger      *slog.Logger
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string  // empty for api.openai.com
	Temperature float64 // zero leaves the provider default
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// Streaming responses can be long-lived; rely on ctx for timeouts.
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
		// Retries are a caller decision; a failed turn is reported, not repeated.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client:      openai.NewClient(opts...),
		temperature: cfg.Temperature,
		logger:      logger.With("provider", "openai"),
	}
}

func (c *OpenAIClient) params(model string, messages []Message, tools []map[string]any) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if c.temperature > 0 {
		params.Temperature = openai.Float(c.temperature)
	}
	if converted := toOpenAITools(tools); len(converted) > 0 {
		params.Tools = converted
		// One tool per turn; ask the model not to fan out.
		params.ParallelToolCalls = openai.Bool(false)
	}
	return params
}

// Chat sends a non-streaming chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	completion, err := c.client.Chat.Completions.New(ctx, c.params(model, messages, tools))
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	resp := &ChatResponse{
		Model:        completion.Model,
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Message:      Message{Role: "assistant"},
	}
	if len(completion.Choices) > 0 {
		msg := completion.Choices[0].Message
		resp.Message.Content = msg.Content
		resp.Message.ToolCalls = fromOpenAIToolCalls(msg.ToolCalls)
	}
	return resp, nil
}

// ChatStream streams a chat completion, forwarding text fragments and
// finished tool calls to callback.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	if callback == nil {
		return c.Chat(ctx, model, messages, tools)
	}

	params := c.params(model, messages, tools)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(params.Messages),
		"tools", len(params.Tools),
	)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &ToolCall{
				ID:       tool.ID,
				Function: FunctionCall{Name: tool.Name, Arguments: decodeArguments(tool.Arguments)},
			}})
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			callback(StreamEvent{Kind: KindToken, Token: chunk.Choices[0].Delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}

	resp := &ChatResponse{
		Model:        acc.Model,
		Done:         true,
		InputTokens:  int(acc.Usage.PromptTokens),
		OutputTokens: int(acc.Usage.CompletionTokens),
		Message:      Message{Role: "assistant"},
	}
	if len(acc.Choices) > 0 {
		resp.Message.Content = acc.Choices[0].Message.Content
		resp.Message.ToolCalls = fromOpenAIToolCalls(acc.Choices[0].Message.ToolCalls)
	}
	callback(StreamEvent{Kind: KindDone, Response: resp})

	c.logger.Debug("stream complete",
		"model", resp.Model,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)
	return resp, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			out = append(out, openai.UserMessage(m.Content))
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)}
			}
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Function.Arguments)
				if tc.Function.Arguments == nil {
					args = []byte("{}")
				}
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Function.Name,
							Arguments: string(args),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func toOpenAITools(tools []map[string]any) []openai.ChatCompletionToolUnionParam {
	var out []openai.ChatCompletionToolUnionParam
	for _, tool := range tools {
		name, desc, params, ok := toolFunction(tool)
		if !ok {
			continue
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        name,
			Description: openai.String(desc),
			Parameters:  openai.FunctionParameters(params),
		}))
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []ToolCall {
	var out []ToolCall
	for _, tc := range calls {
		if tc.Function.Name == "" {
			continue
		}
		out = append(out, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: decodeArguments(tc.Function.Arguments)},
		})
	}
	return out
}

// decodeArguments parses a JSON argument string. Unparseable input is
// kept under "_raw" so the tool layer can report it.
func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}
	}
	return args
}
