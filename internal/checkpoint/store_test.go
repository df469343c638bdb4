package checkpoint

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/statebridge/internal/conversation"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "checkpoints.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSQLiteStore(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	return s
}

// stores runs each test against both implementations.
func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": newSQLiteStore(t),
	}
}

func sampleState(threadID string) *conversation.State {
	st := conversation.NewState(threadID)
	st.Messages = []conversation.Message{
		{ID: "msg_1", Role: conversation.RoleUser, Content: "make it red"},
		{
			ID:        "msg_2",
			Role:      conversation.RoleAssistant,
			ToolCalls: []conversation.ToolCall{{ID: "call_1", Name: "setSquareColor", Arguments: map[string]any{"color": "red"}}},
		},
		{ID: "msg_3", Role: conversation.RoleTool, ToolCallID: "call_1", Content: "ok"},
	}
	st.ContextItems = []conversation.ContextItem{{Description: "square color", Value: "red"}}
	st.Language = "Spanish"
	return st
}

func TestStore_LoadMissingReturnsFreshState(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			st, err := s.Load(context.Background(), "thread_new")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if st.ThreadID != "thread_new" || len(st.Messages) != 0 || len(st.ContextItems) != 0 {
				t.Errorf("Load() = %+v, want empty state for thread_new", st)
			}
		})
	}
}

func TestStore_CommitThenLoad(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := sampleState("thread_a")
			if err := s.Commit(ctx, want); err != nil {
				t.Fatalf("Commit() error = %v", err)
			}

			got, err := s.Load(ctx, "thread_a")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got.Messages) != 3 {
				t.Fatalf("got %d messages, want 3", len(got.Messages))
			}
			if got.Messages[1].ToolCalls[0].Arguments["color"] != "red" {
				t.Errorf("tool call arguments lost: %+v", got.Messages[1].ToolCalls)
			}
			if got.Messages[2].ToolCallID != "call_1" {
				t.Errorf("tool call link lost: %+v", got.Messages[2])
			}
			if len(got.ContextItems) != 1 || got.ContextItems[0].Value != "red" {
				t.Errorf("context items = %+v", got.ContextItems)
			}
			if got.Language != "Spanish" {
				t.Errorf("Language = %q", got.Language)
			}
		})
	}
}

func TestStore_CommitReplacesWholesale(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := sampleState("thread_a")
			if err := s.Commit(ctx, st); err != nil {
				t.Fatal(err)
			}

			st.ContextItems = []conversation.ContextItem{{Description: "square color", Value: "blue"}}
			st.Messages = append(st.Messages, conversation.Message{ID: "msg_4", Role: conversation.RoleAssistant, Content: "Done."})
			if err := s.Commit(ctx, st); err != nil {
				t.Fatal(err)
			}

			got, err := s.Load(ctx, "thread_a")
			if err != nil {
				t.Fatal(err)
			}
			if len(got.Messages) != 4 || got.ContextItems[0].Value != "blue" {
				t.Errorf("second commit not visible: %d messages, context %+v", len(got.Messages), got.ContextItems)
			}
		})
	}
}

func TestStore_LoadedStateIsIsolated(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.Commit(ctx, sampleState("thread_a")); err != nil {
				t.Fatal(err)
			}

			first, _ := s.Load(ctx, "thread_a")
			first.Messages[0].Content = "mutated"
			first.Messages = append(first.Messages, conversation.Message{ID: "msg_x"})

			second, _ := s.Load(ctx, "thread_a")
			if second.Messages[0].Content != "make it red" || len(second.Messages) != 3 {
				t.Errorf("uncommitted mutation leaked into store: %+v", second.Messages)
			}
		})
	}
}

func TestStore_CommitRequiresThreadID(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Commit(context.Background(), &conversation.State{}); err == nil {
				t.Error("Commit() without thread id should fail")
			}
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"thread_a", "thread_b", "thread_c"} {
				if err := s.Commit(ctx, sampleState(id)); err != nil {
					t.Fatal(err)
				}
				time.Sleep(2 * time.Millisecond)
			}

			all, err := s.List(ctx, 0)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("List() returned %d, want 3", len(all))
			}
			if all[0].ThreadID != "thread_c" {
				t.Errorf("List()[0] = %q, want most recent thread_c", all[0].ThreadID)
			}
			if all[0].MessageCount != 3 {
				t.Errorf("MessageCount = %d, want 3", all[0].MessageCount)
			}

			limited, err := s.List(ctx, 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(limited) != 2 {
				t.Errorf("List(2) returned %d", len(limited))
			}
		})
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSQLiteStore(db, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(context.Background(), sampleState("thread_a")); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	s, err = NewSQLiteStore(db, logger)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(context.Background(), "thread_a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 3 {
		t.Errorf("reopened store has %d messages, want 3", len(got.Messages))
	}
}
