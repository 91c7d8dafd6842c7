package httpengine

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// EventType is the SSE event name.
type EventType string

const (
	EventMessage      EventType = "message"
	EventNotification EventType = "notification"
	EventError        EventType = "error"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one server-sent event. Events without a SessionID reach every subscriber.
type Event struct {
	ID        uint64
	Type      EventType
	Data      json.RawMessage
	SessionID string
	Timestamp time.Time
}

// EventID returns the wire form of the event ID.
func (e Event) EventID() string { return strconv.FormatUint(e.ID, 10) }

// BroadcastStats are the broadcaster counters.
type BroadcastStats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped_subscribers"`
	History     int   `json:"history"`
}

// Subscription receives events until it is closed or dropped for falling behind.
type Subscription struct {
	sessionID string
	events    chan Event
	done      chan struct{}
	once      sync.Once
	b         *Broadcaster
}

// Events delivers matching events in publish order.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close unsubscribes. It is idempotent.
func (s *Subscription) Close() {
	s.b.remove(s)
}

func (s *Subscription) wants(ev Event) bool {
	return s.sessionID == "" || ev.SessionID == "" || ev.SessionID == s.sessionID
}

// Broadcaster fans events out to SSE subscribers and keeps a bounded history for replay.
// Publishing never blocks: a subscriber whose buffer is full is dropped.
type Broadcaster struct {
	buffer  int
	history int
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	nextID uint64
	ring   []Event
	subs   map[*Subscription]struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster returns a broadcaster that keeps the last history events.
func NewBroadcaster(cfg SSEConfig, logger *slog.Logger, now func() time.Time) *Broadcaster {
	return &Broadcaster{
		buffer:  cfg.SubscriberBuffer,
		history: cfg.HistorySize,
		logger:  logger,
		now:     now,
		subs:    make(map[*Subscription]struct{}),
	}
}

// Publish assigns the next event ID and delivers the event.
func (b *Broadcaster) Publish(sessionID string, typ EventType, data json.RawMessage) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev := Event{
		ID:        b.nextID,
		Type:      typ,
		Data:      data,
		SessionID: sessionID,
		Timestamp: b.now(),
	}
	if b.history > 0 {
		b.ring = append(b.ring, ev)
		if over := len(b.ring) - b.history; over > 0 {
			b.ring = append(b.ring[:0:0], b.ring[over:]...)
		}
	}
	b.published.Add(1)

	for sub := range b.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", slog.String("sessionID", sub.sessionID))
			b.drop(sub)
			b.dropped.Add(1)
		}
	}
	return ev
}

// Subscribe registers a subscriber for sessionID, or for every session when it is empty. When
// lastEventID names an event, the retained events after it are returned for replay; they are
// not delivered on the subscription channel.
func (b *Broadcaster) Subscribe(sessionID, lastEventID string) (*Subscription, []Event) {
	sub := &Subscription{
		sessionID: sessionID,
		events:    make(chan Event, b.buffer),
		done:      make(chan struct{}),
		b:         b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []Event
	if after, err := strconv.ParseUint(lastEventID, 10, 64); err == nil {
		for _, ev := range b.ring {
			if ev.ID > after && sub.wants(ev) {
				replay = append(replay, ev)
			}
		}
	}
	b.subs[sub] = struct{}{}
	return sub, replay
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		b.drop(sub)
	}
}

// Stats returns the counters.
func (b *Broadcaster) Stats() BroadcastStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BroadcastStats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		History:     len(b.ring),
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drop(sub)
}

// drop must be called with b.mu held.
func (b *Broadcaster) drop(sub *Subscription) {
	delete(b.subs, sub)
	sub.once.Do(func() { close(sub.done) })
}
