package mqtt

import (
	"time"

	"github.com/nugget/statebridge/internal/events"
)

// TurnStatus is the JSON published for every finished turn.
type TurnStatus struct {
	ThreadID    string    `json:"threadId"`
	RunID       string    `json:"runId"`
	Status      string    `json:"status"`
	Appended    int       `json:"appended,omitempty"`
	PendingTool string    `json:"pendingTool,omitempty"`
	Error       string    `json:"error,omitempty"`
	ElapsedMS   int64     `json:"elapsedMs"`
	Timestamp   time.Time `json:"ts"`
}

func statusFromEvent(ev events.Event) TurnStatus {
	s := TurnStatus{
		ThreadID:    stringValue(ev.Data["thread_id"]),
		RunID:       stringValue(ev.Data["run_id"]),
		Status:      stringValue(ev.Data["status"]),
		Appended:    intValue(ev.Data["appended"]),
		PendingTool: stringValue(ev.Data["pending_tool"]),
		Error:       stringValue(ev.Data["error"]),
		ElapsedMS:   int64(intValue(ev.Data["elapsed_ms"])),
		Timestamp:   ev.Timestamp,
	}
	if ev.Kind == events.KindRequestFailed {
		s.Status = "FAILED"
	}
	return s
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
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
