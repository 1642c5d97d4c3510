// Package events carries run-lifecycle notifications from the
// orchestrator and the inbound transports to observers: the WebSocket
// stream in internal/api and the MQTT exporter. A nil *Bus accepts
// Publish and Emit as no-ops so publishers never need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceOrchestrator = "orchestrator"
	SourceRouter       = "router"
	SourceAPI          = "api"
	SourceConnwatch    = "connwatch"
)

// Kinds. Each comment lists the Data keys.
const (
	// KindRunSubmitted: variant, thread_id, run_id, agent_id.
	KindRunSubmitted = "run_submitted"
	// KindRunStatus: thread_id, run_id, status, iteration.
	KindRunStatus = "run_status"
	// KindToolApproval: thread_id, run_id, tool_call_id, tool, approved.
	KindToolApproval = "tool_approval"
	// KindToolCallSkipped: thread_id, run_id, tool_call_id, type.
	KindToolCallSkipped = "tool_call_skipped"
	// KindRunCompleted: thread_id, run_id, elapsed_ms.
	KindRunCompleted = "run_completed"
	// KindRunFailed: thread_id, run_id, status, last_error.
	KindRunFailed = "run_failed"
	// KindRunTimeout: thread_id, run_id, iterations, elapsed_ms.
	KindRunTimeout = "run_timeout"

	// KindMessageReceived: conversation_id, sender, provider, message_len.
	KindMessageReceived = "message_received"
	// KindReplySent: conversation_id, provider, ai_generated, reply_len.
	KindReplySent = "reply_sent"
	// KindRateLimited: sender.
	KindRateLimited = "rate_limited"

	// KindServiceReady and KindServiceDown: service, error.
	KindServiceReady = "service_ready"
	KindServiceDown  = "service_down"
)

// Event is one published notification.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses the event; publishers never block.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room for it.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// Pair every call with Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
