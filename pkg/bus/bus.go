// Package bus is an in-process publish/subscribe hub.
//
// Events are queued per session and each session's queue is drained
// serially, so an event published from inside a handler for the same
// session is delivered after the current event has reached every
// subscriber. Queues of different sessions drain independently: a slow
// handler for one session never holds back another session's events,
// and handlers for different sessions may run concurrently. Session-less
// events share one queue. Handlers of one topic run in registration
// order. A handler that returns an error or panics is reported to the
// DiagnosticSink and delivery continues with the next subscriber.
package bus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Topic names a stream of events.
type Topic string

const (
	TopicConnection   Topic = "connection"
	TopicStateUpdated Topic = "state-updated"
	TopicHistory      Topic = "history"
	TopicError        Topic = "error"
	TopicDiagnostic   Topic = "diagnostic"
	TopicRequest      Topic = "request"
	TopicPerformance  Topic = "performance"

	// TopicAll subscribes to every topic.
	TopicAll Topic = "*"
)

// Event is one published message.
type Event struct {
	Topic     Topic
	SessionID string
	Payload   any
	Time      time.Time
}

// Handler receives events. A returned error is reported, not propagated.
type Handler func(Event) error

// Subscription is a registered handler. Session-scoped subscriptions only
// receive events for their session and are removed when that session is
// torn down.
type Subscription struct {
	id        string
	seq       uint64
	topic     Topic
	sessionID string
	handler   Handler
	active    atomic.Bool
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() Topic { return s.topic }

// SessionID returns the scoped session id, or "" for global subscriptions.
func (s *Subscription) SessionID() string { return s.sessionID }

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

func (s *Subscription) matches(ev Event) bool {
	return s.sessionID == "" || s.sessionID == ev.SessionID
}

// HandlerPanicError wraps a value recovered from a panicking handler.
type HandlerPanicError struct {
	Value any
	Stack []byte
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("bus: handler panic: %v", e.Value)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used by the default sink and the bus itself.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l.With("component", "bus")
		}
	}
}

// WithSink sets the diagnostic sink for handler failures.
func WithSink(s DiagnosticSink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sink = s
		}
	}
}

// Bus dispatches events to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Topic][]*Subscription
	nextSeq uint64
	closed  bool

	qmu   sync.Mutex
	lanes map[string]*lane

	sink   DiagnosticSink
	logger *slog.Logger
	now    func() time.Time
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[Topic][]*Subscription),
		lanes:  make(map[string]*lane),
		logger: slog.Default().With("component", "bus"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sink == nil {
		b.sink = NewLogSink(b.logger)
	}
	return b
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic Topic, h Handler) *Subscription {
	return b.subscribe(topic, "", h)
}

// SubscribeSession registers h for topic, restricted to events of
// sessionID.
func (b *Bus) SubscribeSession(topic Topic, sessionID string, h Handler) *Subscription {
	return b.subscribe(topic, sessionID, h)
}

func (b *Bus) subscribe(topic Topic, sessionID string, h Handler) *Subscription {
	sub := &Subscription{
		id:        uuid.NewString(),
		topic:     topic,
		sessionID: sessionID,
		handler:   h,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return sub
	}
	b.nextSeq++
	sub.seq = b.nextSeq
	sub.active.Store(true)
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Unsubscribe removes sub. It reports whether sub was active. An event
// already being delivered does not reach a subscription removed before
// its turn.
func (b *Bus) Unsubscribe(sub *Subscription) bool {
	if sub == nil || !sub.active.Swap(false) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
	return true
}

// UnsubscribeSession removes every subscription scoped to sessionID and
// returns how many were removed.
func (b *Bus) UnsubscribeSession(sessionID string) int {
	if sessionID == "" {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for topic, list := range b.subs {
		kept := list[:0]
		for _, sub := range list {
			if sub.sessionID == sessionID {
				sub.active.Store(false)
				n++
				continue
			}
			kept = append(kept, sub)
		}
		for i := len(kept); i < len(list); i++ {
			list[i] = nil
		}
		if len(kept) == 0 {
			delete(b.subs, topic)
		} else {
			b.subs[topic] = kept
		}
	}
	return n
}

func (b *Bus) remove(sub *Subscription) {
	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, sub.topic)
			} else {
				b.subs[sub.topic] = next
			}
			return
		}
	}
}

// Count returns the number of active subscriptions for topic.
func (b *Bus) Count(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// queued is one entry of a session queue: an event, or a request to
// drop the session's subscriptions once everything before it is delivered.
type queued struct {
	ev          Event
	unsubscribe bool
}

// lane is the delivery queue of one session id.
type lane struct {
	queue    []queued
	draining bool
}

// Publish delivers a global event to every matching subscriber.
func (b *Bus) Publish(topic Topic, payload any) {
	b.Enqueue(Event{Topic: topic, Payload: payload})
	b.Drain("")
}

// PublishSession delivers an event tagged with sessionID.
func (b *Bus) PublishSession(topic Topic, sessionID string, payload any) {
	b.Enqueue(Event{Topic: topic, SessionID: sessionID, Payload: payload})
	b.Drain(sessionID)
}

// Enqueue appends events to their session queues without running
// handlers. Callers that hold their own lock enqueue under it and call
// Drain after releasing it, which keeps delivery in the order the events
// were produced.
func (b *Bus) Enqueue(events ...Event) {
	if b.isClosed() {
		return
	}

	now := b.now()
	b.qmu.Lock()
	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = now
		}
		l := b.laneLocked(ev.SessionID)
		l.queue = append(l.queue, queued{ev: ev})
	}
	b.qmu.Unlock()
}

// EnqueueUnsubscribe queues the removal of every subscription scoped to
// sessionID behind the events already queued for it, so those
// subscriptions still see them.
func (b *Bus) EnqueueUnsubscribe(sessionID string) {
	if sessionID == "" || b.isClosed() {
		return
	}
	b.qmu.Lock()
	l := b.laneLocked(sessionID)
	l.queue = append(l.queue, queued{ev: Event{SessionID: sessionID}, unsubscribe: true})
	b.qmu.Unlock()
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Bus) laneLocked(sessionID string) *lane {
	l := b.lanes[sessionID]
	if l == nil {
		l = &lane{}
		b.lanes[sessionID] = l
	}
	return l
}

// Drain delivers the queued entries of the given session ids, or of every
// queue when none are given. A queue that another goroutine or an outer
// frame is already draining is skipped; that drainer delivers it.
func (b *Bus) Drain(sessionIDs ...string) {
	if len(sessionIDs) == 0 {
		b.qmu.Lock()
		for id := range b.lanes {
			sessionIDs = append(sessionIDs, id)
		}
		b.qmu.Unlock()
		sort.Strings(sessionIDs)
	}
	for _, id := range sessionIDs {
		b.drainLane(id)
	}
}

func (b *Bus) drainLane(id string) {
	b.qmu.Lock()
	l := b.lanes[id]
	if l == nil || l.draining {
		b.qmu.Unlock()
		return
	}
	l.draining = true
	b.qmu.Unlock()

	finished := false
	defer func() {
		if !finished {
			b.qmu.Lock()
			l.draining = false
			b.qmu.Unlock()
		}
	}()

	for {
		b.qmu.Lock()
		if len(l.queue) == 0 {
			l.draining = false
			if b.lanes[id] == l {
				delete(b.lanes, id)
			}
			b.qmu.Unlock()
			finished = true
			return
		}
		item := l.queue[0]
		l.queue[0] = queued{}
		l.queue = l.queue[1:]
		b.qmu.Unlock()

		if item.unsubscribe {
			b.UnsubscribeSession(id)
			continue
		}
		b.deliver(item.ev)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[ev.Topic])+len(b.subs[TopicAll]))
	targets = append(targets, b.subs[ev.Topic]...)
	if ev.Topic != TopicAll {
		targets = append(targets, b.subs[TopicAll]...)
	}
	b.mu.RUnlock()

	sort.SliceStable(targets, func(i, j int) bool { return targets[i].seq < targets[j].seq })

	for _, sub := range targets {
		if !sub.Active() || !sub.matches(ev) {
			continue
		}
		if err := b.invoke(sub, ev); err != nil {
			b.report(sub, ev, err)
		}
	}
}

// report hands a failure to the sink. A panicking sink is logged and
// does not interrupt delivery.
func (b *Bus) report(sub *Subscription, ev Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("diagnostic sink panic",
				"topic", string(ev.Topic),
				"session_id", ev.SessionID,
				"panic", fmt.Sprint(r),
				"error", err,
			)
		}
	}()
	b.sink.HandlerFailed(sub, ev, err)
}

func (b *Bus) invoke(sub *Subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerPanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return sub.handler(ev)
}

// Close removes every subscription and discards queued events. Later
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.active.Store(false)
		}
	}
	b.subs = make(map[Topic][]*Subscription)
	b.closed = true
	b.mu.Unlock()

	b.qmu.Lock()
	for _, l := range b.lanes {
		l.queue = nil
	}
	b.lanes = make(map[string]*lane)
	b.qmu.Unlock()
}
