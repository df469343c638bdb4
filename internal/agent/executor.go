// Package agent runs conversation turns. The Executor takes one turn
// through the phase machine (build prompt, call the model, run at most
// one tool); the Runner wraps it with the per-thread lock and the
// checkpoint load and commit.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/events"
	"github.com/nugget/statebridge/internal/llm"
	"github.com/nugget/statebridge/internal/prompts"
	"github.com/nugget/statebridge/internal/tools"
)

const defaultToolTimeout = 30 * time.Second

// Sink receives streamed text fragments in the order the model produces
// them. It runs on the turn's goroutine.
type Sink func(fragment string)

// Config holds executor settings.
type Config struct {
	Model       string
	Task        string        // system prompt task override
	ToolTimeout time.Duration // per backend tool call; zero means 30s

	// ConfirmToolResults turns on the confirmation call for every turn,
	// whatever the request asks for.
	ConfirmToolResults bool
}

// TurnOptions are the per-request knobs.
type TurnOptions struct {
	RunID              string
	FrontendTools      []conversation.ToolSpec
	ConfirmToolResults bool // run a second model call after a backend tool
}

// Outcome is what a successful turn produced.
type Outcome struct {
	// State is the working copy with this turn's messages appended. The
	// caller decides whether to commit it.
	State *conversation.State

	// Appended holds only the messages this turn added, in order.
	Appended []conversation.Message

	PendingToolCall *conversation.ToolCall
	Warnings        []string
	Path            []Phase
}

// Executor runs single turns. It is safe for concurrent use; callers
// serialize turns per thread.
type Executor struct {
	client   llm.Client
	registry *tools.Registry
	cfg      Config
	bus      *events.Bus
	logger   *slog.Logger
}

// NewExecutor creates an Executor. A nil registry means no backend tools.
func NewExecutor(client llm.Client, registry *tools.Registry, cfg Config, bus *events.Bus, logger *slog.Logger) *Executor {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		client:   client,
		registry: registry,
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
	}
}

// Model returns the model name turns are sent to.
func (e *Executor) Model() string { return e.cfg.Model }

// BackendTools returns the static backend tool specs.
func (e *Executor) BackendTools() []conversation.ToolSpec {
	return e.registry.Specs()
}

// Catalog merges the backend tools with a request's front-end tools.
// A name collision is a configuration error.
func (e *Executor) Catalog(frontend []conversation.ToolSpec) (*tools.Catalog, error) {
	return tools.Merge(e.registry.Tools(), frontend)
}

// Execute runs one turn against a clone of state. state is never
// modified. On error the returned Outcome is nil and the caller must not
// commit anything.
func (e *Executor) Execute(ctx context.Context, state *conversation.State, opts TurnOptions, sink Sink) (*Outcome, error) {
	t := newTracker()
	out, err := e.execute(ctx, t, state, opts, sink)
	if err != nil {
		t.fail()
		e.logger.Warn("turn failed",
			"thread_id", state.ThreadID,
			"run_id", opts.RunID,
			"path", t.path,
			"error", err,
		)
		return nil, err
	}
	out.Path = t.path
	return out, nil
}

func (e *Executor) execute(ctx context.Context, t *tracker, state *conversation.State, opts TurnOptions, sink Sink) (*Outcome, error) {
	log := e.logger.With("thread_id", state.ThreadID, "run_id", opts.RunID)

	catalog, err := e.Catalog(opts.FrontendTools)
	if err != nil {
		return nil, err
	}

	working := state.Clone()
	out := &Outcome{State: working}

	if err := t.advance(PhaseInvoking); err != nil {
		return nil, err
	}

	// A tool result at the end of history means this call must answer
	// the user, never call another tool.
	justRan, loopGuard := prompts.LatestToolResult(working.Messages)

	resp, err := e.invoke(ctx, working, catalog, opts, sink, "turn")
	if err != nil {
		return nil, err
	}

	calls := toolCallsFrom(resp.Message.ToolCalls)
	if loopGuard && len(calls) > 0 {
		out.Warnings = append(out.Warnings, fmt.Sprintf("dropped %d tool call(s) after %s result", len(calls), justRan))
		calls = nil
	}
	call, dropped, hasCall := tools.SelectFirst(calls)
	for _, name := range dropped {
		out.Warnings = append(out.Warnings, fmt.Sprintf("dropped extra tool call %s; one tool per turn", name))
	}

	for _, w := range out.Warnings {
		log.Warn("tool call policy", "warning", w)
	}

	assistant := conversation.Message{
		ID:        conversation.NewMessageID(),
		Role:      conversation.RoleAssistant,
		Content:   resp.Message.Content,
		CreatedAt: time.Now().UTC(),
	}

	if !hasCall {
		if err := t.advance(PhaseResponding); err != nil {
			return nil, err
		}
		e.appendMessage(out, assistant)
		return out, t.advance(PhaseDone)
	}

	if err := t.advance(PhaseToolRequested); err != nil {
		return nil, err
	}
	assistant.ToolCalls = []conversation.ToolCall{call}
	e.appendMessage(out, assistant)

	if spec, ok := catalog.Lookup(call.Name); ok && spec.Source == conversation.SourceFrontend {
		pending := conversation.CloneToolCall(call)
		out.PendingToolCall = &pending
		log.Info("front-end tool requested", "tool", call.Name, "tool_call_id", call.ID)
		return out, t.advance(PhaseDone)
	}

	if err := t.advance(PhaseToolRunning); err != nil {
		return nil, err
	}
	toolMsg := e.runTool(ctx, catalog, call, working.ThreadID, opts.RunID)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("turn cancelled during %s: %w", call.Name, err)
	}
	if err := t.advance(PhaseToolCompleted); err != nil {
		return nil, err
	}
	e.appendMessage(out, toolMsg)

	if !opts.ConfirmToolResults && !e.cfg.ConfirmToolResults {
		return out, t.advance(PhaseDone)
	}

	if err := t.advance(PhaseResponding); err != nil {
		return nil, err
	}
	confirm, err := e.invoke(ctx, working, nil, opts, sink, "confirmation")
	if err != nil {
		return nil, err
	}
	if n := len(confirm.Message.ToolCalls); n > 0 {
		w := fmt.Sprintf("dropped %d tool call(s) after %s result", n, call.Name)
		out.Warnings = append(out.Warnings, w)
		log.Warn("tool call policy", "warning", w)
	}
	e.appendMessage(out, conversation.Message{
		ID:        conversation.NewMessageID(),
		Role:      conversation.RoleAssistant,
		Content:   confirm.Message.Content,
		CreatedAt: time.Now().UTC(),
	})
	return out, t.advance(PhaseDone)
}

func (e *Executor) appendMessage(out *Outcome, m conversation.Message) {
	out.State.Messages = append(out.State.Messages, m)
	out.Appended = append(out.Appended, conversation.CloneMessage(m))
}

// invoke builds the message list and makes one model call. A nil
// catalog sends no tools.
func (e *Executor) invoke(ctx context.Context, state *conversation.State, catalog *tools.Catalog, opts TurnOptions, sink Sink, purpose string) (*llm.ChatResponse, error) {
	var specs []conversation.ToolSpec
	var defs []map[string]any
	if catalog != nil {
		specs = catalog.Specs()
		defs = catalog.Definitions()
	}

	msgs := BuildMessages(state, specs, prompts.Options{Task: e.cfg.Task})

	e.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"thread_id": state.ThreadID,
		"run_id":    opts.RunID,
		"model":     e.cfg.Model,
		"purpose":   purpose,
	})
	e.logger.Debug("calling model",
		"thread_id", state.ThreadID,
		"model", e.cfg.Model,
		"purpose", purpose,
		"messages", len(msgs),
		"tools", len(defs),
	)

	var callback llm.StreamCallback
	if sink != nil {
		callback = func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindToken && ev.Token != "" {
				sink(ev.Token)
			}
		}
	}

	resp, err := e.client.ChatStream(ctx, e.cfg.Model, msgs, defs, callback)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return nil, &ModelInvocationError{Model: e.cfg.Model, Err: err}
	}

	e.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"thread_id":  state.ThreadID,
		"run_id":     opts.RunID,
		"model":      resp.Model,
		"purpose":    purpose,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(resp.Message.ToolCalls),
	})
	return resp, nil
}

// runTool executes a backend tool. Every failure becomes an
// error-flagged tool message; the turn carries on.
func (e *Executor) runTool(ctx context.Context, catalog *tools.Catalog, call conversation.ToolCall, threadID, runID string) conversation.Message {
	e.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"thread_id": threadID,
		"run_id":    runID,
		"tool":      call.Name,
		"source":    string(conversation.SourceBackend),
	})

	toolCtx, cancel := context.WithTimeout(tools.WithTurn(ctx, threadID, runID, call.ID), e.cfg.ToolTimeout)
	defer cancel()

	start := time.Now()
	result, err := catalog.Execute(toolCtx, call)
	elapsed := time.Since(start)

	msg := conversation.Message{
		ID:         conversation.NewMessageID(),
		Role:       conversation.RoleTool,
		ToolCallID: call.ID,
		Content:    result,
		CreatedAt:  time.Now().UTC(),
	}
	if err != nil {
		msg.IsError = true
		msg.Content = "Error: " + toolErrorText(err)
		e.logger.Warn("tool failed",
			"thread_id", threadID,
			"tool", call.Name,
			"elapsed", elapsed,
			"error", err,
		)
	} else {
		e.logger.Info("tool executed",
			"thread_id", threadID,
			"tool", call.Name,
			"elapsed", elapsed,
			"result_len", len(result),
		)
	}

	e.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"thread_id":   threadID,
		"run_id":      runID,
		"tool":        call.Name,
		"ok":          err == nil,
		"duration_ms": elapsed.Milliseconds(),
	})
	return msg
}

func toolErrorText(err error) string {
	var execErr *tools.ExecutionError
	if errors.As(err, &execErr) {
		if errors.Is(execErr.Err, context.DeadlineExceeded) {
			return fmt.Sprintf("tool %s timed out", execErr.ToolName)
		}
		return execErr.Err.Error()
	}
	return err.Error()
}

// toolCallsFrom converts model tool calls, assigning IDs to calls the
// provider left unnamed.
func toolCallsFrom(in []llm.ToolCall) []conversation.ToolCall {
	out := make([]conversation.ToolCall, 0, len(in))
	for _, tc := range in {
		id := tc.ID
		if id == "" {
			id = conversation.NewToolCallID()
		}
		args := tc.Function.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, conversation.ToolCall{ID: id, Name: tc.Function.Name, Arguments: args})
	}
	return out
}
