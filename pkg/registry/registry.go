// Package registry tracks dev-tools sessions and drives their connection
// lifecycle.
//
// Every inbound envelope, timer callback and API call runs as one step
// under the registry lock. Events produced by a step are queued on the bus
// before the lock is released and delivered after it, so handlers observe
// events in step order and may call back into the registry.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/binaryjack/formular-dev-tools/internal/clock"
	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l.With("component", "registry")
		}
	}
}

// WithClock sets the clock used for timestamps and timers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithDefaults sets the Config used when Connect is given none and for
// sessions opened by the remote side.
func WithDefaults(cfg Config) Option {
	return func(r *Registry) {
		r.defaults = cfg
	}
}

// Registry owns every session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	// Produced by the current step, flushed by release.
	pending []bus.Event
	unsub   []string

	bus      *bus.Bus
	ownsBus  bool
	clock    clock.Clock
	defaults Config
	logger   *slog.Logger
}

// New creates a registry publishing on b. A nil bus creates a private one
// that Shutdown closes.
func New(b *bus.Bus, opts ...Option) (*Registry, error) {
	r := &Registry{
		sessions: make(map[string]*session),
		bus:      b,
		clock:    clock.System,
		defaults: DefaultConfig(),
		logger:   slog.Default().With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.defaults.Validate(); err != nil {
		return nil, err
	}
	if r.bus == nil {
		r.bus = bus.New(bus.WithLogger(r.logger))
		r.ownsBus = true
	}
	return r, nil
}

// Bus returns the bus events are published on.
func (r *Registry) Bus() *bus.Bus { return r.bus }

// Defaults returns the default session config.
func (r *Registry) Defaults() Config { return r.defaults }

// lock starts a step.
func (r *Registry) lock() { r.mu.Lock() }

// release ends a step: queue its events, unlock, deliver.
func (r *Registry) release() {
	events := r.pending
	unsub := r.unsub
	r.pending = nil
	r.unsub = nil
	if len(events) > 0 {
		r.bus.Enqueue(events...)
	}
	for _, id := range unsub {
		r.bus.EnqueueUnsubscribe(id)
	}
	lanes := stepLanes(events, unsub)
	r.mu.Unlock()

	if len(lanes) > 0 {
		r.bus.Drain(lanes...)
	}
}

// stepLanes lists the session queues a step touched, in first-use order.
func stepLanes(events []bus.Event, unsub []string) []string {
	var lanes []string
	seen := make(map[string]bool, len(events)+len(unsub))
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			lanes = append(lanes, id)
		}
	}
	for _, ev := range events {
		add(ev.SessionID)
	}
	for _, id := range unsub {
		add(id)
	}
	return lanes
}

func (r *Registry) emit(topic bus.Topic, sessionID string, payload any) {
	r.pending = append(r.pending, bus.Event{Topic: topic, SessionID: sessionID, Payload: payload})
}

// transition moves s to `to` and records a connection event. Disallowed
// transitions are logged and ignored.
func (r *Registry) transition(s *session, to State, reason string, err error) bool {
	from := s.state
	if from == to {
		return true
	}
	if !canTransition(from, to) {
		r.logger.Warn("invalid state transition",
			"session_id", s.id, "from", from.String(), "to", to.String(), "reason", reason)
		return false
	}
	s.state = to
	if err != nil {
		s.lastErr = err
	}
	r.logger.Debug("session state changed",
		"session_id", s.id, "from", from.String(), "to", to.String(), "reason", reason)
	r.emit(bus.TopicConnection, s.id, ConnectionEvent{
		SessionID: s.id,
		Name:      s.name,
		From:      from,
		To:        to,
		Reason:    reason,
		Err:       err,
	})
	return true
}

// fail moves s to Error and reports err on the error topic.
func (r *Registry) fail(s *session, reason string, err error) {
	r.teardown(s, StateError, reason, err)
	r.emit(bus.TopicError, s.id, ErrorEvent{SessionID: s.id, Code: fderrors.CodeOf(err), Err: err})
}

// teardown ends the current connection attempt of s.
func (r *Registry) teardown(s *session, to State, reason string, err error) {
	s.stopTimers()
	s.generation++
	s.peer = nil
	r.transition(s, to, reason, err)
	if to == StateDisconnected {
		r.unsub = append(r.unsub, s.id)
	}
}

// remove drops s from the registry.
func (r *Registry) remove(s *session, reason string) {
	delete(r.sessions, s.id)
	r.unsub = append(r.unsub, s.id)
	r.emit(bus.TopicConnection, s.id, ConnectionEvent{
		SessionID: s.id,
		Name:      s.name,
		From:      s.state,
		To:        StateDisconnected,
		Reason:    reason,
		Removed:   true,
	})
}

func (r *Registry) diagnostic(sessionID string, kind protocol.Kind, err error) {
	r.logger.Debug("envelope dropped", "session_id", sessionID, "kind", kind.String(), "error", err)
	r.emit(bus.TopicDiagnostic, sessionID, DiagnosticEvent{
		SessionID: sessionID,
		Code:      fderrors.CodeOf(err),
		Kind:      kind,
		Err:       err,
	})
}

// send stamps and sends an envelope to the session's peer.
func (r *Registry) send(s *session, kind protocol.Kind, payload any) (protocol.Envelope, error) {
	return r.sendTo(s, s.peer, kind, payload)
}

func (r *Registry) sendTo(s *session, peer Peer, kind protocol.Kind, payload any) (protocol.Envelope, error) {
	if peer == nil {
		return protocol.Envelope{}, ErrNoPeer
	}
	env, err := protocol.NewEnvelope(kind, s.id, s.stamp(r.clock.Now()), payload)
	if err != nil {
		return protocol.Envelope{}, err
	}
	if err := peer.Send(env); err != nil {
		return env, err
	}
	return env, nil
}

func (r *Registry) config(cfg *Config) (Config, error) {
	if cfg == nil {
		return r.defaults, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return *cfg, nil
}

// Connect opens a session over peer: the session moves to Connecting, a
// HANDSHAKE is sent and the handshake timeout is armed. A nil cfg uses the
// registry defaults.
//
// Connecting a session that is already Connecting or Connected returns
// *DuplicateConnectionError and leaves it untouched. A Disconnected or
// Error session is reused, keeping its history when
// RetainHistoryOnReconnect is set.
func (r *Registry) Connect(id, name string, peer Peer, cfg *Config) error {
	if id == "" {
		return sessionErr(id, "connect", ErrInvalidSessionID)
	}
	if peer == nil {
		return sessionErr(id, "connect", ErrNoPeer)
	}
	c, err := r.config(cfg)
	if err != nil {
		return sessionErr(id, "connect", err)
	}

	r.lock()
	defer r.release()
	if r.closed {
		return sessionErr(id, "connect", ErrRegistryClosed)
	}

	s, ok := r.sessions[id]
	switch {
	case ok && s.state.Active():
		dup := &DuplicateConnectionError{SessionID: id, State: s.state}
		r.emit(bus.TopicError, id, ErrorEvent{SessionID: id, Code: dup.Code(), Err: dup})
		return dup
	case ok:
		s.prepareReconnect(c)
	default:
		s = newSession(id, name, c, r.clock.Now())
		r.sessions[id] = s
	}
	if name != "" {
		s.name = name
	}

	s.generation++
	s.peer = peer
	r.transition(s, StateConnecting, "connect", nil)

	if _, err := r.send(s, protocol.KindHandshake, protocol.HandshakePayload{Name: s.name}); err != nil {
		cerr := &ConnectionError{SessionID: id, Reason: ReasonSendFailed, Err: err}
		r.fail(s, "handshake send failed", cerr)
		return cerr
	}

	if c.HandshakeTimeout > 0 {
		gen := s.generation
		s.handshakeTimer = r.clock.AfterFunc(c.HandshakeTimeout, func() {
			r.handshakeExpired(id, gen)
		})
	}
	r.logger.Info("session connecting", "session_id", id, "name", s.name)
	return nil
}

func (r *Registry) handshakeExpired(id string, gen uint64) {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok || s.generation != gen || s.state != StateConnecting {
		return
	}
	s.handshakeTimer = nil
	r.logger.Warn("handshake timed out", "session_id", id, "timeout", s.cfg.HandshakeTimeout)
	r.fail(s, "handshake timeout", &ConnectionError{SessionID: id, Reason: ReasonHandshakeTimeout})
}

// Disconnect closes a session. A DISCONNECT is sent to the peer when the
// session is live. The session's timers are cancelled and its scoped
// subscriptions removed before Disconnect returns. Unless history is
// retained the session is removed.
func (r *Registry) Disconnect(id string) error {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok {
		return sessionErr(id, "disconnect", ErrSessionNotFound)
	}
	if s.state.Active() {
		if _, err := r.send(s, protocol.KindDisconnect, protocol.DisconnectPayload{Reason: "disconnect"}); err != nil {
			r.logger.Debug("disconnect not delivered", "session_id", id, "error", err)
		}
	}
	r.teardown(s, StateDisconnected, "disconnect", nil)
	if !s.cfg.RetainHistoryOnReconnect {
		r.remove(s, "disconnect")
	}
	r.logger.Info("session disconnected", "session_id", id)
	return nil
}

// Reset moves an Error session back to Disconnected.
func (r *Registry) Reset(id string) error {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok {
		return sessionErr(id, "reset", ErrSessionNotFound)
	}
	if s.state != StateError {
		return sessionErr(id, "reset", ErrInvalidState)
	}
	r.teardown(s, StateDisconnected, "reset", nil)
	if !s.cfg.RetainHistoryOnReconnect {
		r.remove(s, "reset")
	}
	return nil
}

// Forget disconnects a session if needed and removes it with its history.
func (r *Registry) Forget(id string) error {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok {
		return sessionErr(id, "forget", ErrSessionNotFound)
	}
	if s.state.Active() {
		_, _ = r.send(s, protocol.KindDisconnect, protocol.DisconnectPayload{Reason: "forget"})
	}
	r.teardown(s, StateDisconnected, "forget", nil)
	r.remove(s, "forget")
	return nil
}

// Shutdown disconnects and removes every session. Later calls fail with
// ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, s := range r.sortedSessions() {
		if s.state.Active() {
			_, _ = r.send(s, protocol.KindDisconnect, protocol.DisconnectPayload{Reason: "shutdown"})
		}
		r.teardown(s, StateDisconnected, "shutdown", nil)
		r.remove(s, "shutdown")
	}
	r.logger.Info("registry shut down")
	r.release()

	if r.ownsBus {
		r.bus.Close()
	}
}

// PeerClosed disconnects every live session bound to peer. Transports
// call it when the underlying connection ends.
func (r *Registry) PeerClosed(peer Peer, cause error) {
	r.lock()
	defer r.release()

	for _, s := range r.sortedSessions() {
		if s.peer != peer || !s.state.Active() {
			continue
		}
		r.teardown(s, StateDisconnected, "channel closed", cause)
		if !s.cfg.RetainHistoryOnReconnect {
			r.remove(s, "channel closed")
		}
	}
}

// OriginRejected reports a message dropped by a transport for its origin.
// No session is involved; only an error event is published.
func (r *Registry) OriginRejected(origin, expected string) {
	r.lock()
	defer r.release()

	err := &ConnectionError{
		Reason: ReasonOriginMismatch,
		Err:    fmt.Errorf("origin %q does not match %q", origin, expected),
	}
	r.emit(bus.TopicError, "", ErrorEvent{Code: err.Code(), Err: err})
}

// Session returns a view of one session.
func (r *Registry) Session(id string) (SessionInfo, error) {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok {
		return SessionInfo{}, sessionErr(id, "session", ErrSessionNotFound)
	}
	return s.info(), nil
}

// Sessions returns every session ordered by id.
func (r *Registry) Sessions() []SessionInfo {
	r.lock()
	defer r.release()

	list := r.sortedSessions()
	out := make([]SessionInfo, len(list))
	for i, s := range list {
		out[i] = s.info()
	}
	return out
}

// State returns the connection state of a session.
func (r *Registry) State(id string) (State, error) {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok {
		return StateDisconnected, sessionErr(id, "state", ErrSessionNotFound)
	}
	return s.state, nil
}

// SubscribeSession registers h for topic, scoped to one session. The
// subscription is removed when the session disconnects.
func (r *Registry) SubscribeSession(topic bus.Topic, id string, h bus.Handler) (*bus.Subscription, error) {
	r.lock()
	defer r.release()

	if _, ok := r.sessions[id]; !ok {
		return nil, sessionErr(id, "subscribe", ErrSessionNotFound)
	}
	return r.bus.SubscribeSession(topic, id, h), nil
}

// sortedSessions returns sessions ordered by id. Caller holds the lock.
func (r *Registry) sortedSessions() []*session {
	out := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// lookup returns a session in one of the given states.
func (r *Registry) lookup(id, op string, states ...State) (*session, error) {
	if r.closed {
		return nil, sessionErr(id, op, ErrRegistryClosed)
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, sessionErr(id, op, ErrSessionNotFound)
	}
	if len(states) == 0 {
		return s, nil
	}
	for _, st := range states {
		if s.state == st {
			return s, nil
		}
	}
	return nil, sessionErr(id, op, ErrNotConnected)
}
