package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/statebridge/internal/events"
)

// Ledger is where the recorder writes. *Store satisfies it.
type Ledger interface {
	Record(ctx context.Context, rec Record) error
}

// RecordEvents writes every llm_response event on bus to ledger until ctx
// ends. A failed write is logged and skipped.
func RecordEvents(ctx context.Context, bus *events.Bus, ledger Ledger, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := bus.Subscribe(128)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindLLMResponse {
				continue
			}
			rec := recordFromEvent(e)
			if err := ledger.Record(ctx, rec); err != nil {
				logger.Warn("usage record failed", "thread_id", rec.ThreadID, "error", err)
			}
		}
	}
}

func recordFromEvent(e events.Event) Record {
	return Record{
		Timestamp:    e.Timestamp,
		ThreadID:     str(e.Data["thread_id"]),
		RunID:        str(e.Data["run_id"]),
		Model:        str(e.Data["model"]),
		Purpose:      str(e.Data["purpose"]),
		InputTokens:  num(e.Data["tokens_in"]),
		OutputTokens: num(e.Data["tokens_out"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
