package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/statebridge/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Large models with tools can take a long time before the first byte.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 5 * time.Minute
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger.With("provider", "ollama"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

type ollamaRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

// ollamaWireResponse is one /api/chat response object; in streaming mode
// each NDJSON line is one of these.
type ollamaWireResponse struct {
	Model           string        `json:"model"`
	CreatedAt       string        `json:"created_at"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	TotalDuration   int64         `json:"total_duration,omitempty"`
	LoadDuration    int64         `json:"load_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	EvalDuration    int64         `json:"eval_duration,omitempty"`
}

func (w *ollamaWireResponse) toChatResponse() *ChatResponse {
	resp := &ChatResponse{
		Model: w.Model,
		Message: Message{
			Role:    w.Message.Role,
			Content: w.Message.Content,
		},
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		resp.CreatedAt = t
	}
	for _, tc := range w.Message.ToolCalls {
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
			Function: FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
		})
	}
	return resp
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(messages))
	for _, m := range messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Function.Name
			otc.Function.Arguments = tc.Function.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

// Chat sends a non-streaming chat request.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream sends a chat request, streaming text fragments to callback
// when it is non-nil.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	stream := callback != nil

	payload, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Stream:   stream,
		Tools:    tools,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(payload))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var final *ChatResponse
	if stream {
		final, err = c.readStream(resp.Body, callback)
	} else {
		var wire ollamaWireResponse
		if err = json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			err = fmt.Errorf("decode response: %w", err)
		}
		final = wire.toChatResponse()
	}
	if err != nil {
		return nil, err
	}

	// Small models often emit tool calls as JSON text instead of using
	// the native field.
	if len(final.Message.ToolCalls) == 0 && final.Message.Content != "" {
		if parsed := parseTextToolCalls(final.Message.Content); len(parsed) > 0 {
			final.Message.ToolCalls = parsed
			final.Message.Content = ""
		}
	}

	if callback != nil {
		for i := range final.Message.ToolCalls {
			callback(StreamEvent{Kind: KindToolCall, ToolCall: &final.Message.ToolCalls[i]})
		}
		callback(StreamEvent{Kind: KindDone, Response: final})
	}

	c.logger.Debug("response received",
		"model", final.Model,
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"tool_calls", len(final.Message.ToolCalls),
	)
	return final, nil
}

func (c *OllamaClient) readStream(body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	var (
		content   strings.Builder
		toolCalls []ToolCall
		final     *ChatResponse
	)
	dec := json.NewDecoder(body)
	for {
		var chunk ollamaWireResponse
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		part := chunk.toChatResponse()
		if part.Message.Content != "" {
			content.WriteString(part.Message.Content)
			callback(StreamEvent{Kind: KindToken, Token: part.Message.Content})
		}
		toolCalls = append(toolCalls, part.Message.ToolCalls...)
		if chunk.Done {
			final = part
			break
		}
	}
	if final == nil {
		return nil, fmt.Errorf("stream ended without a final chunk")
	}
	final.Message.Role = "assistant"
	final.Message.Content = content.String()
	final.Message.ToolCalls = toolCalls
	return final, nil
}

// parseTextToolCalls extracts tool calls that a model wrote into its text
// reply. Accepted shapes: a JSON object {"name": ..., "arguments": {...}},
// a JSON array of those, or either wrapped in <tool_call> tags.
func parseTextToolCalls(content string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	convert := func(calls []textCall) []ToolCall {
		var out []ToolCall
		for _, c := range calls {
			if c.Name == "" {
				continue
			}
			out = append(out, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
		}
		return out
	}

	var many []textCall
	if err := json.Unmarshal([]byte(content), &many); err == nil {
		return convert(many)
	}
	var one textCall
	if err := json.Unmarshal([]byte(content), &one); err == nil {
		return convert([]textCall{one})
	}
	return nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}
