// Package events is the in-process broadcast bus for turn lifecycle
// events. The executor and API publish; the WebSocket feed and the MQTT
// publisher subscribe. Publishing on a nil *Bus does nothing, so
// components can be built without one.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent  = "agent"
	SourceAPI    = "api"
	SourceHealth = "health"
)

// Kinds. Data keys are listed with each.
const (
	// KindRequestStart: thread_id, run_id, messages, tools.
	KindRequestStart = "request_start"

	// KindLLMCall: thread_id, run_id, model, purpose.
	KindLLMCall = "llm_call"

	// KindLLMResponse: thread_id, run_id, model, purpose, tokens_in,
	// tokens_out, tool_calls.
	KindLLMResponse = "llm_response"

	// KindToolCall: thread_id, run_id, tool, source.
	KindToolCall = "tool_call"

	// KindToolDone: thread_id, run_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindRequestComplete: thread_id, run_id, status, appended,
	// pending_tool, warnings, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindRequestFailed: thread_id, run_id, error, elapsed_ms.
	KindRequestFailed = "request_failed"

	// KindServiceReady: service, failures.
	KindServiceReady = "service_ready"

	// KindServiceDown: service, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. A full
// subscriber misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is Publish with the timestamp filled in.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with the given buffer size. Call
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
