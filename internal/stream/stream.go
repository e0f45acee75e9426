package stream

import (
	"context"
	"sync"
	"time"
)

// Event types emitted over the lifecycle stream.
const (
	EventSessionLaunched  = "session.launched"
	EventSessionReset     = "session.reset"
	EventSessionCompleted = "session.completed"
	EventSessionCancelled = "session.cancelled"
	EventSnapshotCaptured = "snapshot.captured"
	EventSessionExpiring  = "session.expiring"
)

// LifecycleEvent describes one lifecycle transition for live dashboards.
type LifecycleEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id,omitempty"`
	TemplateID string    `json:"template_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs lifecycle events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan LifecycleEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan LifecycleEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan LifecycleEvent {
	ch := make(chan LifecycleEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt LifecycleEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
