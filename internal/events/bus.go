package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventBatchStarted   EventType = "batch_started"
	EventBatchProgress  EventType = "batch_progress"
	EventRunCompleted   EventType = "run_completed"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchFailed    EventType = "batch_failed"
)

// Event is a single simulation lifecycle event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	BatchID   string    `json:"batch_id,omitempty"`

	// Batch fields.
	Users         int     `json:"users,omitempty"`
	Reps          int     `json:"reps,omitempty"`
	ThetaA        float64 `json:"theta_a,omitempty"`
	ThetaB        float64 `json:"theta_b,omitempty"`
	Progress      float64 `json:"progress,omitempty"`
	CompletedRuns int     `json:"completed_runs,omitempty"`
	WorkflowID    string  `json:"workflow_id,omitempty"`
	ErrorMsg      string  `json:"error_msg,omitempty"`

	// Run fields (populated for run_completed).
	Universe       int     `json:"universe,omitempty"`
	Regret         float64 `json:"regret,omitempty"`
	FinalBIsBetter float64 `json:"final_b_is_better,omitempty"`
	DurationMs     float64 `json:"duration_ms,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C       chan Event
	done    chan struct{}
	batchID string // empty = every batch
}

// Bus is an in-memory pub/sub event bus for batch events.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	return b.SubscribeBatch(bufSize, "")
}

// SubscribeBatch is like Subscribe but only delivers events of one batch.
func (b *Bus) SubscribeBatch(bufSize int, batchID string) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:       make(chan Event, bufSize),
		done:    make(chan struct{}),
		batchID: batchID,
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an event to all matching subscribers (non-blocking).
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		if s.batchID != "" && s.batchID != e.BatchID {
			continue
		}
		select {
		case s.C <- e:
		default:
			// Drop event if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
