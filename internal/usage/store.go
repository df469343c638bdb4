// Package usage keeps an append-only ledger of model calls and their
// token counts, fed from the event bus. It shares the checkpoint
// database and answers the aggregate queries behind /v1/usage.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Record is one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	ThreadID     string
	RunID        string
	Model        string
	Purpose      string // "turn" or "confirmation"
	InputTokens  int
	OutputTokens int
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Store is the SQLite ledger. The caller opens the database; the
// schema is created on first use.
type Store struct {
	db *sql.DB
}

// NewStore migrates the schema and returns the store.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS model_usage (
			id            TEXT PRIMARY KEY,
			timestamp     TEXT NOT NULL,
			thread_id     TEXT NOT NULL,
			run_id        TEXT NOT NULL,
			model         TEXT NOT NULL,
			purpose       TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_model_usage_timestamp ON model_usage(timestamp);
		CREATE INDEX IF NOT EXISTS idx_model_usage_thread ON model_usage(thread_id);
	`)
	return err
}

// Record appends rec. A missing ID gets a UUIDv7 and a zero timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO model_usage
			(id, timestamp, thread_id, run_id, model, purpose, input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.ThreadID,
		rec.RunID,
		rec.Model,
		rec.Purpose,
		rec.InputTokens,
		rec.OutputTokens,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model totals within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByThread returns per-thread totals within [start, end).
func (s *Store) SummaryByThread(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "thread_id", start, end)
}

// column is always one of our own constants, never request input.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM model_usage
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)

	rows, err := s.db.QueryContext(ctx, query,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
