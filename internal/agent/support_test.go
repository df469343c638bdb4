package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/statebridge/internal/checkpoint"
	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/events"
	"github.com/nugget/statebridge/internal/llm"
	"github.com/nugget/statebridge/internal/threadlock"
	"github.com/nugget/statebridge/internal/tools"
)

// llmCall records one model invocation.
type llmCall struct {
	Messages []llm.Message
	Tools    []map[string]any
}

// mockLLM replays scripted responses in order. Once the script runs out
// it answers "ok".
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	errs      []error    // per call; nil entries succeed
	fragments [][]string // per call; streamed before the response returns
	calls     []llmCall

	// gate, when set, holds every call until it is closed or the
	// context ends.
	gate    chan struct{}
	entered chan struct{}
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	return m.ChatStream(ctx, model, msgs, tools, nil)
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, tools []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	m.mu.Lock()
	i := len(m.calls)
	m.calls = append(m.calls, llmCall{Messages: msgs, Tools: tools})
	var resp *llm.ChatResponse
	if i < len(m.responses) {
		resp = m.responses[i]
	} else {
		resp = textResponse("ok")
	}
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	var frags []string
	if i < len(m.fragments) {
		frags = m.fragments[i]
	}
	gate, entered := m.gate, m.entered
	m.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if cb != nil {
		for _, f := range frags {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: f})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockLLM) call(i int) llmCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[i]
}

func textResponse(content string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", Content: content},
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", ToolCalls: calls},
	}
}

func llmToolCall(id, name string, args map[string]any) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

var colorSchema = map[string]any{
	"type":       "object",
	"properties": map[string]any{"color": map[string]any{"type": "string"}},
	"required":   []any{"color"},
}

// colorTool is a backend tool that records what it was asked to do.
type colorTool struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *colorTool) handler(_ context.Context, args map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	color, _ := args["color"].(string)
	c.calls = append(c.calls, color)
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("color set to %s", color), nil
}

func (c *colorTool) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type harness struct {
	llm    *mockLLM
	color  *colorTool
	store  *checkpoint.MemoryStore
	bus    *events.Bus
	runner *Runner
}

func newHarness(t *testing.T, m *mockLLM) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	color := &colorTool{}
	reg := tools.NewRegistry()
	if err := reg.Register(&tools.Tool{
		Name:        "setColor",
		Description: "Set the square color on the server",
		Parameters:  colorSchema,
		Handler:     color.handler,
	}); err != nil {
		t.Fatal(err)
	}

	bus := events.New()
	store := checkpoint.NewMemoryStore()
	exec := NewExecutor(m, reg, Config{Model: "test-model"}, bus, logger)
	return &harness{
		llm:    m,
		color:  color,
		store:  store,
		bus:    bus,
		runner: NewRunner(exec, store, threadlock.New(), bus, logger),
	}
}

func (h *harness) committed(t *testing.T, threadID string) *conversation.State {
	t.Helper()
	st, err := h.store.Load(context.Background(), threadID)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func userMessage(content string) conversation.Message {
	return conversation.Message{Role: conversation.RoleUser, Content: content}
}

var errModelDown = errors.New("connection refused")
