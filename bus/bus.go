// Package bus is the in-process pub/sub fabric for domain events. Topics
// form a small two-level namespace (entity:action); subscriptions match an
// exact topic or a trailing-wildcard prefix such as "workeffort:*".
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pyrite/server/logger"
	"github.com/pyrite/server/workeffort"
)

// Topic names one kind of domain event.
type Topic string

const (
	TopicWorkEffortCreated   Topic = "workeffort:created"
	TopicWorkEffortUpdated   Topic = "workeffort:updated"
	TopicWorkEffortStarted   Topic = "workeffort:started"
	TopicWorkEffortPaused    Topic = "workeffort:paused"
	TopicWorkEffortCompleted Topic = "workeffort:completed"

	// TopicWorkEffortDeleted exists for wire compatibility but is never
	// emitted: snapshot diffing does not detect disappearance. See
	// detect.Diff before assuming otherwise.
	TopicWorkEffortDeleted Topic = "workeffort:deleted"

	TopicTicketCreated   Topic = "ticket:created"
	TopicTicketUpdated   Topic = "ticket:updated"
	TopicTicketCompleted Topic = "ticket:completed"
	TopicTicketBlocked   Topic = "ticket:blocked"
)

// Event is a closed union of domain changes: exactly one of WorkEffort or
// Ticket is set depending on the topic. Status fields are populated for
// transition topics.
type Event struct {
	Topic      Topic                  `json:"topic"`
	Repo       string                 `json:"repo"`
	Time       time.Time              `json:"time"`
	WorkEffort *workeffort.WorkEffort `json:"work_effort,omitempty"`
	Ticket     *workeffort.Ticket     `json:"ticket,omitempty"`
	PrevStatus string                 `json:"prev_status,omitempty"`
	NewStatus  string                 `json:"new_status,omitempty"`
}

// EntityID returns the id of whichever entity the event carries.
func (e Event) EntityID() string {
	switch {
	case e.WorkEffort != nil:
		return e.WorkEffort.ID
	case e.Ticket != nil:
		return e.Ticket.ID
	default:
		return ""
	}
}

// Handler receives matching events synchronously on the emitting goroutine.
type Handler func(Event)

// Middleware inspects or transforms an event before delivery. Returning
// ok=false vetoes the event: it is recorded in history as undelivered and
// never reaches any handler.
type Middleware func(Event) (Event, bool)

// Record is one history entry. Vetoed events appear with Delivered=false.
type Record struct {
	Event     Event
	Delivered bool
}

type subscription struct {
	pattern string
	handler Handler
}

// Bus fans events out to pattern subscribers through an ordered middleware
// chain, retaining every emitted event in an append-only history.
type Bus struct {
	mu         sync.RWMutex
	subs       []subscription
	middleware []Middleware
	history    []Record
}

func New() *Bus {
	return &Bus{}
}

// On registers a handler for an exact topic ("ticket:created") or a
// trailing-wildcard pattern ("workeffort:*", "*"). Handlers run in
// registration order.
func (b *Bus) On(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: handler})
}

// Use appends a middleware to the chain. Middleware run in registration
// order before any handler sees the event.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// Emit threads the event through the middleware chain and then invokes every
// matching handler synchronously in registration order. A panicking handler
// is logged and does not prevent later handlers from running.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	middleware := b.middleware
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	delivered := true
	for _, mw := range middleware {
		var ok bool
		if ev, ok = mw(ev); !ok {
			delivered = false
			break
		}
	}

	b.mu.Lock()
	b.history = append(b.history, Record{Event: ev, Delivered: delivered})
	b.mu.Unlock()

	if !delivered {
		slog.Debug("event vetoed by middleware", "topic", ev.Topic, "entity", ev.EntityID())
		return
	}

	for _, sub := range subs {
		if !MatchTopic(sub.pattern, ev.Topic) {
			continue
		}
		b.invoke(sub.handler, ev)
	}
}

func (b *Bus) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "event handler panicked", "topic", ev.Topic)
		}
	}()
	h(ev)
}

// History returns a copy of every event emitted so far, including vetoed
// ones.
func (b *Bus) History() []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, len(b.history))
	copy(out, b.history)
	return out
}

// MatchTopic reports whether pattern matches topic. Supported forms are an
// exact topic and a single trailing "*" wildcard.
func MatchTopic(pattern string, topic Topic) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(string(topic), prefix)
	}
	return pattern == string(topic)
}
