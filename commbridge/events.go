package commbridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// BRIDGE EVENTS
// =============================================================================

// EventType identifies one kind of bridge event.
type EventType string

const (
	// EventCommandEnqueued fires when a producer submits a command.
	EventCommandEnqueued EventType = "command_enqueued"
	// EventCommandDrained fires when the consumer takes a command.
	EventCommandDrained EventType = "command_drained"
	// EventCommandCompleted fires when a successful result is published.
	EventCommandCompleted EventType = "command_completed"
	// EventCommandFailed fires when a failed result is published.
	EventCommandFailed EventType = "command_failed"
	// EventEntityRecorded fires when the registry records a new entity.
	EventEntityRecorded EventType = "entity_recorded"
	// EventEntityTouched fires when the registry touches an entity.
	EventEntityTouched EventType = "entity_touched"
	// EventSessionReset fires when the session is atomically cleared.
	EventSessionReset EventType = "session_reset"
	// EventHostStatusChanged fires when the host monitor changes status.
	EventHostStatusChanged EventType = "host_status_changed"
	// EventProtocolViolation fires when the bridge halts on a violation.
	EventProtocolViolation EventType = "protocol_violation"
)

// Event is one observable bridge occurrence, suitable for streaming to
// monitoring UIs over the events endpoint.
type Event struct {
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	CommandID   string         `json:"command_id,omitempty"`
	CommandType string         `json:"command_type,omitempty"`
	EntityID    string         `json:"entity_id,omitempty"`
	EntityType  string         `json:"entity_type,omitempty"`
	Detail      map[string]any `json:"detail,omitempty"`
}

// NewCommandEvent creates an event about one command.
func NewCommandEvent(eventType EventType, cmd *Command) Event {
	ev := Event{Type: eventType, Timestamp: time.Now().UTC()}
	if cmd != nil {
		ev.CommandID = cmd.ID
		ev.CommandType = cmd.Type
	}
	return ev
}

// NewEntityEvent creates an event about one registry entity.
func NewEntityEvent(eventType EventType, entityID, entityType, commandID string) Event {
	return Event{
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		CommandID:  commandID,
		EntityID:   entityID,
		EntityType: entityType,
	}
}

// =============================================================================
// EVENT FEED
// =============================================================================

// DefaultFeedBuffer is the per-subscriber channel capacity.
const DefaultFeedBuffer = 64

// Feed fans bridge events out to subscribers.
//
// Publish is non-blocking: a subscriber that falls behind loses events
// rather than stalling the bridge. Dropped events are counted and visible in
// stats.
type Feed struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	bufSize int
	closed  bool
	logger  Logger

	publishedTotal atomic.Uint64
	droppedTotal   atomic.Uint64
}

// NewFeed creates a feed. A non-positive bufSize selects the default.
func NewFeed(bufSize int, logger Logger) *Feed {
	if bufSize <= 0 {
		bufSize = DefaultFeedBuffer
	}
	return &Feed{
		subs:    make(map[chan Event]struct{}),
		bufSize: bufSize,
		logger:  logger,
	}
}

// Subscribe returns a channel of events. The subscription ends, and the
// channel closes, when ctx is cancelled or the feed is closed.
func (f *Feed) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, f.bufSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.unsubscribe(ch)
	}()

	return ch
}

// Publish delivers an event to every subscriber without blocking. Events to
// full subscriber channels are dropped.
func (f *Feed) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}

	f.publishedTotal.Add(1)
	for ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.droppedTotal.Add(1)
		}
	}
}

// Close terminates the feed and closes all subscriber channels.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = make(map[chan Event]struct{})

	if f.logger != nil {
		f.logger.Debug("event_feed_closed", "dropped_total", f.droppedTotal.Load())
	}
}

// SubscriberCount returns the number of active subscribers.
func (f *Feed) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

// GetStats returns feed statistics for monitoring.
func (f *Feed) GetStats() map[string]any {
	f.mu.RLock()
	subscribers := len(f.subs)
	f.mu.RUnlock()
	return map[string]any{
		"subscribers":     subscribers,
		"published_total": f.publishedTotal.Load(),
		"dropped_total":   f.droppedTotal.Load(),
	}
}

func (f *Feed) unsubscribe(ch chan Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}
