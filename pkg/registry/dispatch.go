package registry

import (
	"errors"
	"fmt"

	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// route describes how one envelope kind is handled.
type route struct {
	// accept lists the session states in which the kind is accepted from
	// the session's bound peer. A nil list means the handler resolves the
	// session itself.
	accept []State

	// ordered kinds are dropped when older than the last inbound
	// timestamp. Updates are ordered by the synchronizer instead.
	ordered bool

	handle func(r *Registry, s *session, env protocol.Envelope, peer Peer) error
}

// routes maps every envelope kind to its handler.
var routes = map[protocol.Kind]route{
	protocol.KindHandshake: {
		handle: (*Registry).handleHandshake,
	},
	protocol.KindHandshakeAck: {
		accept:  []State{StateConnecting},
		ordered: true,
		handle:  (*Registry).handleAck,
	},
	protocol.KindDisconnect: {
		accept:  []State{StateConnecting, StateConnected},
		ordered: true,
		handle:  (*Registry).handleDisconnect,
	},
	protocol.KindStateUpdate: {
		accept: []State{StateConnected},
		handle: (*Registry).handleStateUpdate,
	},
	protocol.KindFieldChange: {
		accept: []State{StateConnected},
		handle: (*Registry).handleFieldChange,
	},
	protocol.KindValidateRequest: {
		accept:  []State{StateConnected},
		ordered: true,
		handle:  (*Registry).handleRequest,
	},
	protocol.KindSubmitRequest: {
		accept:  []State{StateConnected},
		ordered: true,
		handle:  (*Registry).handleRequest,
	},
	protocol.KindError: {
		accept:  []State{StateConnecting, StateConnected},
		ordered: true,
		handle:  (*Registry).handleError,
	},
	protocol.KindPerformanceSample: {
		accept:  []State{StateConnected},
		ordered: true,
		handle:  (*Registry).handlePerformance,
	},
}

// Handle routes one decoded envelope received from peer. Envelopes that
// cannot be applied are dropped with a diagnostic event and the returned
// error describes why; the channel stays usable either way.
func (r *Registry) Handle(env protocol.Envelope, peer Peer) error {
	r.lock()
	defer r.release()

	if r.closed {
		return ErrRegistryClosed
	}
	rt, ok := routes[env.Kind]
	if !ok {
		err := &ProtocolError{SessionID: env.SessionID, Kind: env.Kind, Reason: ReasonMalformed,
			Err: fmt.Errorf("unknown kind %q", string(env.Kind))}
		r.diagnostic(env.SessionID, env.Kind, err)
		return err
	}
	if rt.accept == nil {
		return rt.handle(r, r.sessions[env.SessionID], env, peer)
	}

	s, err := r.admit(env, peer, rt)
	if err != nil {
		r.diagnostic(env.SessionID, env.Kind, err)
		return err
	}
	return rt.handle(r, s, env, peer)
}

// admit checks that env may be applied to its session.
func (r *Registry) admit(env protocol.Envelope, peer Peer, rt route) (*session, error) {
	drop := func(reason ProtocolReason, err error) (*session, error) {
		return nil, &ProtocolError{SessionID: env.SessionID, Kind: env.Kind, Reason: reason, Err: err}
	}

	s, ok := r.sessions[env.SessionID]
	if !ok {
		return drop(ReasonUnknownSession, nil)
	}
	if s.peer == nil || s.peer != peer {
		if s.state.Active() {
			return drop(ReasonForeignChannel, nil)
		}
		return drop(ReasonNotConnected, fmt.Errorf("session is %s", s.state))
	}
	accepted := false
	for _, st := range rt.accept {
		if s.state == st {
			accepted = true
			break
		}
	}
	if !accepted {
		return drop(ReasonUnexpected, fmt.Errorf("session is %s", s.state))
	}
	if rt.ordered && !s.observe(env.Timestamp) {
		return drop(ReasonOutOfOrder, fmt.Errorf("timestamp %v before %v", env.Timestamp, s.lastInbound))
	}
	return s, nil
}

func (r *Registry) handleHandshake(s *session, env protocol.Envelope, peer Peer) error {
	var p protocol.HandshakePayload
	if err := env.DecodePayload(&p); err != nil {
		perr := &ProtocolError{SessionID: env.SessionID, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(env.SessionID, env.Kind, perr)
		return perr
	}
	if peer == nil {
		perr := &ProtocolError{SessionID: env.SessionID, Kind: env.Kind, Reason: ReasonNotConnected, Err: ErrNoPeer}
		r.diagnostic(env.SessionID, env.Kind, perr)
		return perr
	}

	switch {
	case s == nil:
		s = newSession(env.SessionID, p.Name, r.defaults, r.clock.Now())
		r.sessions[s.id] = s
		s.generation++
		s.peer = peer
		r.transition(s, StateConnecting, "remote handshake", nil)

	case s.state == StateConnected || (s.state == StateConnecting && s.peer != peer):
		// The live connection is kept; only the newcomer is told.
		dup := &ConnectionError{
			SessionID: s.id,
			Reason:    ReasonDuplicateConnection,
			Err:       &DuplicateConnectionError{SessionID: s.id, State: s.state},
		}
		if _, err := r.sendTo(s, peer, protocol.KindError, protocol.ErrorPayload{
			ErrorKind: protocol.ErrorKindDuplicateConnection,
			Message:   dup.Error(),
		}); err != nil {
			r.logger.Debug("duplicate rejection not delivered", "session_id", s.id, "error", err)
		}
		r.emit(bus.TopicError, s.id, ErrorEvent{SessionID: s.id, Code: dup.Code(), Err: dup})
		return dup

	case s.state == StateConnecting:
		// Both sides opened at once; the remote handshake completes ours.
		s.stopTimers()

	default:
		s.prepareReconnect(s.cfg)
		s.generation++
		s.peer = peer
		r.transition(s, StateConnecting, "remote handshake", nil)
	}

	if p.Name != "" {
		s.name = p.Name
	}
	s.sync.ResetClock()
	s.hasInbound = false
	s.observe(env.Timestamp)

	if _, err := r.send(s, protocol.KindHandshakeAck, nil); err != nil {
		cerr := &ConnectionError{SessionID: s.id, Reason: ReasonSendFailed, Err: err}
		r.fail(s, "ack send failed", cerr)
		return cerr
	}
	r.transition(s, StateConnected, "remote handshake", nil)
	r.logger.Info("session connected", "session_id", s.id, "name", s.name, "initiator", "remote")
	return nil
}

func (r *Registry) handleAck(s *session, env protocol.Envelope, _ Peer) error {
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	r.transition(s, StateConnected, "handshake acknowledged", nil)
	r.logger.Info("session connected", "session_id", s.id, "name", s.name, "initiator", "local")
	return nil
}

func (r *Registry) handleDisconnect(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.DisconnectPayload
	_ = env.DecodePayload(&p)
	reason := "remote disconnect"
	if p.Reason != "" {
		reason += ": " + p.Reason
	}
	r.teardown(s, StateDisconnected, reason, nil)
	if !s.cfg.RetainHistoryOnReconnect {
		r.remove(s, reason)
	}
	return nil
}

func (r *Registry) handleStateUpdate(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.StateUpdatePayload
	if err := env.DecodePayload(&p); err != nil {
		perr := &ProtocolError{SessionID: s.id, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(s.id, env.Kind, perr)
		return perr
	}
	return r.apply(s, env.Kind, p, env.Timestamp)
}

func (r *Registry) handleFieldChange(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.FieldChangePayload
	err := env.DecodePayload(&p)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		perr := &ProtocolError{SessionID: s.id, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(s.id, env.Kind, perr)
		return perr
	}
	return r.apply(s, env.Kind, p.AsDelta(), env.Timestamp)
}

// apply merges an update, records it and publishes the result. Rejected
// updates change nothing and are reported as diagnostics.
func (r *Registry) apply(s *session, kind protocol.Kind, p protocol.StateUpdatePayload, ts float64) error {
	snap, err := s.sync.Apply(p, ts)
	if err != nil {
		err = sessionErr(s.id, "apply", err)
		r.diagnostic(s.id, kind, err)
		return err
	}
	if ts > s.lastInbound || !s.hasInbound {
		s.lastInbound = ts
		s.hasInbound = true
	}
	r.record(s, kind, snap, false)
	return nil
}

// record appends snap to the session's history and publishes it.
func (r *Registry) record(s *session, kind protocol.Kind, snap state.Snapshot, restored bool) {
	entry, evicted := s.history.Append(kind, snap)
	r.emit(bus.TopicStateUpdated, s.id, StateUpdatedEvent{
		SessionID: s.id,
		Kind:      kind,
		Timestamp: snap.Timestamp(),
		Index:     entry.Index,
		Snapshot:  snap,
		Restored:  restored,
	})
	if evicted != nil {
		r.emit(bus.TopicHistory, s.id, HistoryEvent{
			SessionID: s.id,
			Op:        HistoryEvicted,
			Index:     evicted.Index,
			Cursor:    s.history.Cursor(),
			Len:       s.history.Len(),
		})
	}
	r.emit(bus.TopicHistory, s.id, HistoryEvent{
		SessionID: s.id,
		Op:        HistoryAppended,
		Index:     entry.Index,
		Cursor:    s.history.Cursor(),
		Len:       s.history.Len(),
	})
}

func (r *Registry) handleRequest(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.RequestPayload
	if err := env.DecodePayload(&p); err != nil {
		perr := &ProtocolError{SessionID: s.id, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(s.id, env.Kind, perr)
		return perr
	}
	r.emit(bus.TopicRequest, s.id, RequestEvent{
		SessionID: s.id,
		Kind:      env.Kind,
		Fields:    p.Fields,
		Timestamp: env.Timestamp,
	})
	return nil
}

func (r *Registry) handleError(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.ErrorPayload
	if err := env.DecodePayload(&p); err != nil {
		perr := &ProtocolError{SessionID: s.id, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(s.id, env.Kind, perr)
		return perr
	}
	remote := &RemoteError{SessionID: s.id, Payload: p}
	r.logger.Warn("remote error", "session_id", s.id, "error_kind", p.ErrorKind, "message", p.Message)
	r.emit(bus.TopicError, s.id, ErrorEvent{SessionID: s.id, Code: remote.Code(), Err: remote, Remote: &p})

	if s.state == StateConnecting {
		r.teardown(s, StateError, "handshake rejected",
			&ConnectionError{SessionID: s.id, Reason: ReasonRemoteRejected, Err: remote})
	}
	return nil
}

func (r *Registry) handlePerformance(s *session, env protocol.Envelope, _ Peer) error {
	var p protocol.PerformanceSample
	err := env.DecodePayload(&p)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		perr := &ProtocolError{SessionID: s.id, Kind: env.Kind, Reason: ReasonInvalidPayload, Err: err}
		r.diagnostic(s.id, env.Kind, perr)
		return perr
	}
	r.emit(bus.TopicPerformance, s.id, PerformanceEvent{SessionID: s.id, Sample: p, Timestamp: env.Timestamp})
	return nil
}

// HandleInvalid reports an envelope the codec rejected. A connected
// session whose peer sends an unsupported version moves to Error.
func (r *Registry) HandleInvalid(f *protocol.ValidationFailure, peer Peer) {
	if f == nil {
		return
	}
	r.lock()
	defer r.release()

	reason := ReasonMalformed
	if errors.Is(f, protocol.ErrUnsupportedVersion) {
		reason = ReasonUnsupportedVersion
	}
	perr := &ProtocolError{SessionID: f.SessionID, Kind: f.Kind, Reason: reason, Err: f}
	r.diagnostic(f.SessionID, f.Kind, perr)

	if reason != ReasonUnsupportedVersion {
		return
	}
	s, ok := r.sessions[f.SessionID]
	if !ok || s.state != StateConnected || s.peer != peer {
		return
	}
	r.logger.Warn("unsupported protocol version", "session_id", s.id, "error", f)
	r.fail(s, "unsupported version", perr)
}
