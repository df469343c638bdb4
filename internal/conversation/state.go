package conversation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidHistory is returned when a message sequence breaks the
// tool-result linkage rule.
var ErrInvalidHistory = errors.New("invalid conversation history")

// State is everything persisted for one thread. Messages only grow;
// ContextItems are replaced wholesale on every turn.
type State struct {
	ThreadID     string        `json:"thread_id"`
	Messages     []Message     `json:"messages"`
	ContextItems []ContextItem `json:"context_items,omitempty"`
	Language     string        `json:"language,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewState returns the empty initial state for a thread.
func NewState(threadID string) *State {
	now := time.Now().UTC()
	return &State{
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy. The turn executor only ever works on a clone.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = CloneMessages(s.Messages)
	if s.ContextItems != nil {
		out.ContextItems = slices.Clone(s.ContextItems)
	}
	return &out
}

// TurnStatus is the outcome code reported to the caller.
type TurnStatus string

const (
	StatusSuccess TurnStatus = "SUCCESS"
	StatusFailed  TurnStatus = "FAILED"
)

// TurnResult is what one turn hands back to the protocol adapter.
type TurnResult struct {
	ThreadID string     `json:"thread_id"`
	RunID    string     `json:"run_id"`
	Status   TurnStatus `json:"status"`

	// Messages holds only what this turn appended.
	Messages []Message `json:"messages"`

	// PendingToolCall is a front-end tool call the caller must run before
	// sending the follow-up turn with its result.
	PendingToolCall *ToolCall `json:"pending_tool_call,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// ValidateHistory checks that every tool message answers a tool call made
// by an earlier assistant message.
func ValidateHistory(messages []Message) error {
	calls := make(map[string]struct{})
	for i, m := range messages {
		if !m.Role.Valid() {
			return fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidHistory, i, m.Role)
		}
		switch m.Role {
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				if tc.ID != "" {
					calls[tc.ID] = struct{}{}
				}
			}
		case RoleTool:
			if m.ToolCallID == "" {
				return fmt.Errorf("%w: tool message %d has no tool call id", ErrInvalidHistory, i)
			}
			if _, ok := calls[m.ToolCallID]; !ok {
				return fmt.Errorf("%w: tool message %d answers unknown call %q", ErrInvalidHistory, i, m.ToolCallID)
			}
		}
	}
	return nil
}

// Reconcile returns the incoming messages that are not already part of
// stored, in order, with IDs and timestamps filled in.
//
// Clients either resend the whole conversation or send only what is new.
// The request is a replay when it begins with every stored message, one
// for one; then only the tail past the stored history is considered.
// Otherwise every message is new except those the thread provably has:
// a known message ID, an assistant message whose tool calls are all
// stored, or a tool result for a call that was already answered.
func Reconcile(stored, incoming []Message, now time.Time) []Message {
	rest := incoming
	if isReplay(stored, incoming) {
		rest = incoming[len(stored):]
	}

	known := make(map[string]struct{}, len(stored))
	calls := make(map[string]struct{})
	answered := make(map[string]struct{})
	remember := func(m Message) {
		if m.ID != "" {
			known[m.ID] = struct{}{}
		}
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = struct{}{}
		}
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = struct{}{}
		}
	}
	for _, m := range stored {
		remember(m)
	}

	var fresh []Message
	for _, m := range rest {
		if _, ok := known[m.ID]; ok && m.ID != "" {
			continue
		}
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 && allCallsKnown(m.ToolCalls, calls) {
			continue
		}
		if _, ok := answered[m.ToolCallID]; ok && m.Role == RoleTool {
			continue
		}
		m = CloneMessage(m)
		if m.ID == "" {
			m.ID = NewMessageID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		remember(m)
		fresh = append(fresh, m)
	}
	return fresh
}

// isReplay reports whether incoming starts with the whole stored history.
func isReplay(stored, incoming []Message) bool {
	if len(stored) == 0 || len(incoming) < len(stored) {
		return false
	}
	for i := range stored {
		if !sameMessage(stored[i], incoming[i]) {
			return false
		}
	}
	return true
}

// sameMessage matches a resent message against its stored counterpart.
// Tool calls and results are matched by call ID, since clients key them
// by call rather than by message.
func sameMessage(stored, m Message) bool {
	if m.ID != "" && m.ID == stored.ID {
		return true
	}
	if m.Role != stored.Role {
		return false
	}
	switch {
	case len(m.ToolCalls) > 0:
		if len(m.ToolCalls) != len(stored.ToolCalls) {
			return false
		}
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID != stored.ToolCalls[i].ID {
				return false
			}
		}
		return true
	case m.Role == RoleTool:
		return m.ToolCallID != "" && m.ToolCallID == stored.ToolCallID
	}
	return m.ID == "" && m.Content == stored.Content
}

func allCallsKnown(tcs []ToolCall, calls map[string]struct{}) bool {
	for _, tc := range tcs {
		if _, ok := calls[tc.ID]; !ok || tc.ID == "" {
			return false
		}
	}
	return true
}

// NewThreadID returns a fresh thread identifier.
func NewThreadID() string { return prefixedID("thread") }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return prefixedID("run") }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return prefixedID("msg") }

// NewToolCallID returns an identifier for a tool call the provider left
// unnamed.
func NewToolCallID() string { return prefixedID("call") }

func prefixedID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + strings.ReplaceAll(id.String(), "-", "")
}
