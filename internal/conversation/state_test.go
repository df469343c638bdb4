package conversation

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCloneIsolation(t *testing.T) {
	orig := &State{
		ThreadID: "thread_1",
		Messages: []Message{
			{ID: "m1", Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "c1", Name: "setSquareColor", Arguments: map[string]any{"color": "red"}},
			}},
		},
		ContextItems: []ContextItem{{Description: "The current color of the square", Value: "blue"}},
	}

	c := orig.Clone()
	c.Messages[0].ToolCalls[0].Arguments["color"] = "green"
	c.Messages = append(c.Messages, Message{ID: "m2", Role: RoleUser})
	c.ContextItems[0].Value = "yellow"

	if got := orig.Messages[0].ToolCalls[0].Arguments["color"]; got != "red" {
		t.Errorf("original arguments mutated: %v", got)
	}
	if len(orig.Messages) != 1 {
		t.Errorf("original messages len = %d, want 1", len(orig.Messages))
	}
	if orig.ContextItems[0].Value != "blue" {
		t.Errorf("original context mutated: %q", orig.ContextItems[0].Value)
	}
}

func TestCloneNil(t *testing.T) {
	var s *State
	if s.Clone() != nil {
		t.Error("Clone of nil state should be nil")
	}
}

func TestValidateHistory(t *testing.T) {
	call := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "setSquareColor"}}}

	tests := []struct {
		name    string
		msgs    []Message
		wantErr bool
	}{
		{name: "empty", msgs: nil},
		{name: "plain chat", msgs: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}},
		{name: "tool after call", msgs: []Message{call, {Role: RoleTool, ToolCallID: "c1", Content: "ok"}}},
		{name: "tool without id", msgs: []Message{call, {Role: RoleTool, Content: "ok"}}, wantErr: true},
		{name: "tool before call", msgs: []Message{{Role: RoleTool, ToolCallID: "c1"}, call}, wantErr: true},
		{name: "unknown call", msgs: []Message{call, {Role: RoleTool, ToolCallID: "c9"}}, wantErr: true},
		{name: "bad role", msgs: []Message{{Role: "robot"}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHistory(tt.msgs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateHistory() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidHistory) {
				t.Errorf("error %v does not wrap ErrInvalidHistory", err)
			}
		})
	}
}

func TestReconcile(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stored := []Message{
		{ID: "msg_a", Role: RoleUser, Content: "make it red"},
		{ID: "msg_b", Role: RoleAssistant, Content: "Done."},
	}

	tests := []struct {
		name     string
		incoming []Message
		want     []string // contents of fresh messages
	}{
		{
			name:     "new thread",
			incoming: []Message{{Role: RoleUser, Content: "hi"}},
			want:     []string{"hi"},
		},
		{
			name: "replay by id",
			incoming: []Message{
				{ID: "msg_a", Role: RoleUser, Content: "make it red"},
				{ID: "msg_b", Role: RoleAssistant, Content: "Done."},
				{ID: "msg_c", Role: RoleUser, Content: "now blue"},
			},
			want: []string{"now blue"},
		},
		{
			name: "replay by position",
			incoming: []Message{
				{Role: RoleUser, Content: "make it red"},
				{Role: RoleAssistant, Content: "Done."},
				{Role: RoleUser, Content: "now blue"},
			},
			want: []string{"now blue"},
		},
		{
			name:     "only latest message",
			incoming: []Message{{Role: RoleUser, Content: "now blue"}},
			want:     []string{"now blue"},
		},
		{
			name:     "nothing new",
			incoming: []Message{{ID: "msg_b", Role: RoleAssistant, Content: "Done."}},
			want:     nil,
		},
		{
			name:     "delta repeats the first question",
			incoming: []Message{{Role: RoleUser, Content: "make it red"}},
			want:     []string{"make it red"},
		},
		{
			name: "partial prefix is not a replay",
			incoming: []Message{
				{Role: RoleUser, Content: "make it red"},
				{Role: RoleUser, Content: "make it red"},
			},
			want: []string{"make it red", "make it red"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(stored, tt.incoming, now)
			if len(got) != len(tt.want) {
				t.Fatalf("Reconcile() returned %d messages, want %d", len(got), len(tt.want))
			}
			for i, m := range got {
				if m.Content != tt.want[i] {
					t.Errorf("message %d content = %q, want %q", i, m.Content, tt.want[i])
				}
				if m.ID == "" {
					t.Errorf("message %d has no id", i)
				}
				if !m.CreatedAt.Equal(now) {
					t.Errorf("message %d CreatedAt = %v, want %v", i, m.CreatedAt, now)
				}
			}
		})
	}
}

func TestIDPrefixes(t *testing.T) {
	tests := []struct {
		fn     func() string
		prefix string
	}{
		{NewThreadID, "thread_"},
		{NewRunID, "run_"},
		{NewMessageID, "msg_"},
		{NewToolCallID, "call_"},
	}
	for _, tt := range tests {
		a, b := tt.fn(), tt.fn()
		if !strings.HasPrefix(a, tt.prefix) {
			t.Errorf("id %q missing prefix %q", a, tt.prefix)
		}
		if strings.Contains(a, "-") {
			t.Errorf("id %q contains dashes", a)
		}
		if a == b {
			t.Errorf("ids not unique: %q", a)
		}
	}
}

func TestReconcile_ToolCallsKeyedByCallID(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	call := ToolCall{ID: "call_fe", Name: "setSquareColor", Arguments: map[string]any{"color": "blue"}}
	stored := []Message{
		{ID: "m1", Role: RoleUser, Content: "make it blue"},
		{ID: "msg_x", Role: RoleAssistant, ToolCalls: []ToolCall{call}},
	}

	tests := []struct {
		name     string
		incoming []Message
		wantIDs  []string
	}{
		{
			name: "full history with the call resent under its call id",
			incoming: []Message{
				{ID: "m1", Role: RoleUser, Content: "make it blue"},
				{ID: "call_fe", Role: RoleAssistant, ToolCalls: []ToolCall{call}},
				{ID: "r1", Role: RoleTool, ToolCallID: "call_fe", Content: "done"},
			},
			wantIDs: []string{"r1"},
		},
		{
			name: "delta with the call resent",
			incoming: []Message{
				{ID: "call_fe", Role: RoleAssistant, ToolCalls: []ToolCall{call}},
				{ID: "r1", Role: RoleTool, ToolCallID: "call_fe", Content: "done"},
			},
			wantIDs: []string{"r1"},
		},
		{
			name:     "result only",
			incoming: []Message{{ID: "r1", Role: RoleTool, ToolCallID: "call_fe", Content: "done"}},
			wantIDs:  []string{"r1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(stored, tt.incoming, now)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("Reconcile() = %+v, want ids %v", got, tt.wantIDs)
			}
			for i, m := range got {
				if m.ID != tt.wantIDs[i] {
					t.Errorf("message %d id = %q, want %q", i, m.ID, tt.wantIDs[i])
				}
			}
			if err := ValidateHistory(append(CloneMessages(stored), got...)); err != nil {
				t.Errorf("merged history invalid: %v", err)
			}
		})
	}

	answered := append(CloneMessages(stored), Message{ID: "msg_r", Role: RoleTool, ToolCallID: "call_fe", Content: "done"})
	if got := Reconcile(answered, []Message{{ID: "r1", Role: RoleTool, ToolCallID: "call_fe", Content: "done"}}, now); len(got) != 0 {
		t.Errorf("already answered call produced %+v", got)
	}
}
