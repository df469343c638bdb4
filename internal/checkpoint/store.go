// Package checkpoint persists conversation state per thread. A commit
// replaces the whole thread record; a turn that fails never reaches
// Commit, so committed state only moves forward by complete turns.
package checkpoint

import (
	"context"
	"time"

	"github.com/nugget/statebridge/internal/conversation"
)

// Store loads and commits thread state.
type Store interface {
	// Load returns the committed state for threadID, or a fresh empty
	// state when the thread has never been committed.
	Load(ctx context.Context, threadID string) (*conversation.State, error)

	// Commit atomically replaces the stored state for state.ThreadID.
	Commit(ctx context.Context, state *conversation.State) error

	// List returns summaries of stored threads, most recently updated
	// first.
	List(ctx context.Context, limit int) ([]Summary, error)
}

// Summary describes a stored thread without its history.
type Summary struct {
	ThreadID     string    `json:"threadId"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

const defaultListLimit = 20

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
