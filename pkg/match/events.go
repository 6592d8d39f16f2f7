package match

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velvetlabs/spindate/pkg/metrics"
)

// EventKind identifies a domain event.
type EventKind string

const (
	EventSpun             EventKind = "spun"
	EventMatchCreated     EventKind = "match_created"
	EventVoteRecorded     EventKind = "vote_recorded"
	EventMatchCompleted   EventKind = "match_completed"
	EventUserStateChanged EventKind = "user_state_changed"
	EventEvicted          EventKind = "evicted"
)

// Event is a fact about a state change, published after the transaction that
// produced it commits. Consumers must tolerate at-least-once delivery and
// duplicates.
type Event struct {
	Kind                EventKind   `json:"kind"`
	UserIDs             []uuid.UUID `json:"user_ids"`
	MatchID             *uuid.UUID  `json:"match_id,omitempty"`
	State               State       `json:"state,omitempty"`
	Outcome             Outcome     `json:"outcome,omitempty"`
	Value               VoteValue   `json:"value,omitempty"`
	Reason              string      `json:"reason,omitempty"`
	VoteWindowExpiresAt *time.Time  `json:"vote_window_expires_at,omitempty"`
	At                  time.Time   `json:"at"`
}

// Concerns reports whether the event mentions the given user.
func (e Event) Concerns(id uuid.UUID) bool {
	for _, u := range e.UserIDs {
		if u == id {
			return true
		}
	}
	return false
}

// Publisher fans domain events out to transport consumers.
type Publisher interface {
	Publish(events ...Event)
}

// Subscription is a single consumer's buffered event feed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	userID uuid.UUID // uuid.Nil subscribes to everything
	bus    *Bus
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is an in-process event publisher. Delivery is per-subscriber buffered;
// a full buffer drops the event rather than blocking the committing command.
type Bus struct {
	log *slog.Logger

	mu   sync.RWMutex
	subs map[*Subscription]struct{}
	size int
}

// NewBus creates a bus whose subscriptions buffer up to size events.
func NewBus(log *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{
		log:  log,
		subs: make(map[*Subscription]struct{}),
		size: size,
	}
}

// Subscribe returns a feed of events mentioning userID. Pass uuid.Nil to
// receive every event.
func (b *Bus) Subscribe(userID uuid.UUID) *Subscription {
	ch := make(chan Event, b.size)
	sub := &Subscription{C: ch, ch: ch, userID: userID, bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers events to all interested subscribers.
func (b *Bus) Publish(events ...Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ev := range events {
		metrics.EventsPublishedTotal.WithLabelValues(string(ev.Kind)).Inc()
		for sub := range b.subs {
			if sub.userID != uuid.Nil && !ev.Concerns(sub.userID) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				metrics.EventsDroppedTotal.Inc()
				b.log.Warn("event bus: dropping event for slow subscriber", "kind", ev.Kind)
			}
		}
	}
}
