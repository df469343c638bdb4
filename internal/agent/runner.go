package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/statebridge/internal/checkpoint"
	"github.com/nugget/statebridge/internal/conversation"
	"github.com/nugget/statebridge/internal/events"
	"github.com/nugget/statebridge/internal/threadlock"
)

// TurnRequest is one decoded generate-response call.
type TurnRequest struct {
	ThreadID string // generated when empty
	RunID    string // generated when empty

	// Messages is the client's view of the conversation; only messages
	// the thread has not seen are appended.
	Messages []conversation.Message

	// Context replaces the thread's context snapshot.
	Context []conversation.ContextItem

	FrontendTools      []conversation.ToolSpec
	Language           string
	ConfirmToolResults bool
}

// Runner owns the turn lifecycle for every thread: lock, load, merge the
// request, execute, commit, unlock.
type Runner struct {
	exec   *Executor
	store  checkpoint.Store
	locks  *threadlock.Locker
	bus    *events.Bus
	logger *slog.Logger
}

// NewRunner wires an executor to a checkpoint store.
func NewRunner(exec *Executor, store checkpoint.Store, locks *threadlock.Locker, bus *events.Bus, logger *slog.Logger) *Runner {
	if locks == nil {
		locks = threadlock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{exec: exec, store: store, locks: locks, bus: bus, logger: logger}
}

// Executor returns the wrapped executor.
func (r *Runner) Executor() *Executor { return r.exec }

// Run executes one turn. The returned result is never nil; on failure it
// carries status FAILED and the error is also returned. Configuration
// errors are reported before the thread lock is taken and before any
// model call. Nothing is committed unless the turn reaches Done.
func (r *Runner) Run(ctx context.Context, req *TurnRequest, sink Sink) (*conversation.TurnResult, error) {
	if req.ThreadID == "" {
		req.ThreadID = conversation.NewThreadID()
	}
	if req.RunID == "" {
		req.RunID = conversation.NewRunID()
	}
	result := &conversation.TurnResult{
		ThreadID: req.ThreadID,
		RunID:    req.RunID,
		Status:   conversation.StatusFailed,
	}
	start := time.Now()

	fail := func(err error) (*conversation.TurnResult, error) {
		result.Error = err.Error()
		r.bus.Emit(events.SourceAgent, events.KindRequestFailed, map[string]any{
			"thread_id":  req.ThreadID,
			"run_id":     req.RunID,
			"error":      err.Error(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		})
		return result, err
	}

	if err := r.Check(ctx, req); err != nil {
		return fail(err)
	}

	release, err := r.locks.Acquire(ctx, req.ThreadID)
	if err != nil {
		return fail(err)
	}
	defer release()

	r.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"thread_id": req.ThreadID,
		"run_id":    req.RunID,
		"messages":  len(req.Messages),
		"tools":     len(req.FrontendTools),
	})

	stored, err := r.store.Load(ctx, req.ThreadID)
	if err != nil {
		return fail(fmt.Errorf("load checkpoint: %w", err))
	}

	working := stored.Clone()
	fresh := conversation.Reconcile(working.Messages, req.Messages, time.Now().UTC())
	working.Messages = append(working.Messages, fresh...)
	if err := conversation.ValidateHistory(working.Messages); err != nil {
		return fail(err)
	}
	working.ContextItems = append([]conversation.ContextItem(nil), req.Context...)
	if req.Language != "" {
		working.Language = req.Language
	}

	r.logger.Info("turn started",
		"thread_id", req.ThreadID,
		"run_id", req.RunID,
		"history", len(stored.Messages),
		"new_messages", len(fresh),
		"context_items", len(working.ContextItems),
		"frontend_tools", len(req.FrontendTools),
	)

	out, err := r.exec.Execute(ctx, working, TurnOptions{
		RunID:              req.RunID,
		FrontendTools:      req.FrontendTools,
		ConfirmToolResults: req.ConfirmToolResults,
	}, sink)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("turn cancelled: %w", err))
	}

	if err := r.store.Commit(ctx, out.State); err != nil {
		return fail(fmt.Errorf("commit checkpoint: %w", err))
	}

	result.Status = conversation.StatusSuccess
	result.Messages = out.Appended
	result.PendingToolCall = out.PendingToolCall
	result.Warnings = out.Warnings

	var pending string
	if out.PendingToolCall != nil {
		pending = out.PendingToolCall.Name
	}
	elapsed := time.Since(start)
	r.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"thread_id":    req.ThreadID,
		"run_id":       req.RunID,
		"status":       string(result.Status),
		"appended":     len(out.Appended),
		"pending_tool": pending,
		"warnings":     len(out.Warnings),
		"elapsed_ms":   elapsed.Milliseconds(),
	})
	r.logger.Info("turn complete",
		"thread_id", req.ThreadID,
		"run_id", req.RunID,
		"path", out.Path,
		"appended", len(out.Appended),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return result, nil
}

// Check reports caller mistakes in req without taking the thread lock:
// a bad merged tool catalog, or messages that would break the committed
// history's tool-call links. Run repeats the history check under the
// lock, since another turn may commit in between.
func (r *Runner) Check(ctx context.Context, req *TurnRequest) error {
	if _, err := r.exec.Catalog(req.FrontendTools); err != nil {
		return err
	}
	var stored []conversation.Message
	if req.ThreadID != "" {
		st, err := r.store.Load(ctx, req.ThreadID)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		stored = st.Messages
	}
	fresh := conversation.Reconcile(stored, req.Messages, time.Now().UTC())
	return conversation.ValidateHistory(append(append([]conversation.Message(nil), stored...), fresh...))
}

// ActiveTurns reports how many threads have a turn running or waiting.
func (r *Runner) ActiveTurns() int {
	return r.locks.Active()
}

// Inspect returns a copy of the committed state for threadID, read while
// holding the thread lock so it never observes a turn half-applied.
func (r *Runner) Inspect(ctx context.Context, threadID string) (*conversation.State, error) {
	release, err := r.locks.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.store.Load(ctx, threadID)
}

// Threads lists stored thread summaries.
func (r *Runner) Threads(ctx context.Context, limit int) ([]checkpoint.Summary, error) {
	return r.store.List(ctx, limit)
}
