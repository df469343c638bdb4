package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/nugget/statebridge/internal/conversation"
)

var errMissingThreadID = errors.New("commit: state has no thread id")

// SQLiteStore keeps one gzip-compressed JSON record per thread. The
// caller opens the database with whichever SQLite driver it links.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates the schema if needed and returns the store.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS thread_checkpoints (
			thread_id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			message_count INTEGER NOT NULL,
			state_gz BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_thread_checkpoints_updated
			ON thread_checkpoints(updated_at DESC);
	`)
	return err
}

// Load returns the committed state for threadID or a fresh one.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*conversation.State, error) {
	var stateGz []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state_gz FROM thread_checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&stateGz)
	if errors.Is(err, sql.ErrNoRows) {
		return conversation.NewState(threadID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, err)
	}

	state, err := decodeState(stateGz)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", threadID, err)
	}
	return state, nil
}

// Commit replaces the thread record in a single transaction.
func (s *SQLiteStore) Commit(ctx context.Context, state *conversation.State) error {
	if state == nil || state.ThreadID == "" {
		return errMissingThreadID
	}

	next := state.Clone()
	next.UpdatedAt = time.Now().UTC()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}

	compressed, err := encodeState(next)
	if err != nil {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_checkpoints (thread_id, created_at, updated_at, message_count, state_gz)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			updated_at = excluded.updated_at,
			message_count = excluded.message_count,
			state_gz = excluded.state_gz
	`, next.ThreadID,
		next.CreatedAt.Format(time.RFC3339Nano),
		next.UpdatedAt.Format(time.RFC3339Nano),
		len(next.Messages),
		compressed,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", state.ThreadID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", state.ThreadID, err)
	}

	s.logger.Debug("checkpoint committed",
		"thread_id", next.ThreadID,
		"messages", len(next.Messages),
		"bytes", len(compressed),
	)
	return nil
}

// List returns thread summaries, most recently updated first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, created_at, updated_at, message_count
		FROM thread_checkpoints
		ORDER BY updated_at DESC
		LIMIT ?
	`, listLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var createdStr, updatedStr string
		if err := rows.Scan(&sum.ThreadID, &createdStr, &updatedStr, &sum.MessageCount); err != nil {
			return nil, err
		}
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		sum.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func encodeState(state *conversation.State) ([]byte, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(stateJSON); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeState(stateGz []byte) (*conversation.State, error) {
	gr, err := gzip.NewReader(bytes.NewReader(stateGz))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gr.Close()

	stateJSON, err := io.ReadAll(gr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var state conversation.State
	if err := json.Unmarshal(stateJSON, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}
