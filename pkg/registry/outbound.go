package registry

import (
	"fmt"
	"math"

	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
	"github.com/binaryjack/formular-dev-tools/pkg/transport"
)

// updateStamp returns an outbound timestamp that is also newer than the
// last update applied locally, so the local copy accepts it.
func (r *Registry) updateStamp(s *session) float64 {
	ts := s.stamp(r.clock.Now())
	if last, ok := s.sync.LastApplied(); ok && ts <= last {
		ts = math.Nextafter(last, math.Inf(1))
		s.outClock = ts
	}
	return ts
}

func (r *Registry) sendAt(s *session, kind protocol.Kind, ts float64, payload any) error {
	env, err := protocol.NewEnvelope(kind, s.id, ts, payload)
	if err != nil {
		return err
	}
	return s.peer.Send(env)
}

// SendUpdate applies p to the local copy of a connected session, records
// it and sends it to the peer as STATE_UPDATE.
func (r *Registry) SendUpdate(id string, p protocol.StateUpdatePayload) (state.Snapshot, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "send update", StateConnected)
	if err != nil {
		return state.Snapshot{}, err
	}
	return r.sendUpdate(s, protocol.KindStateUpdate, p, p)
}

// SendFieldChange applies a single field change locally and sends it as
// FIELD_CHANGE.
func (r *Registry) SendFieldChange(id, field string, value any) (state.Snapshot, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "send field change", StateConnected)
	if err != nil {
		return state.Snapshot{}, err
	}
	fc := protocol.FieldChangePayload{Field: field, Value: value}
	if err := fc.Validate(); err != nil {
		return state.Snapshot{}, sessionErr(id, "send field change", fmt.Errorf("%w: %v", state.ErrInvalidUpdate, err))
	}
	return r.sendUpdate(s, protocol.KindFieldChange, fc.AsDelta(), fc)
}

func (r *Registry) sendUpdate(s *session, kind protocol.Kind, p protocol.StateUpdatePayload, wire any) (state.Snapshot, error) {
	ts := r.updateStamp(s)
	snap, err := s.sync.Apply(p, ts)
	if err != nil {
		return state.Snapshot{}, sessionErr(s.id, "send update", err)
	}
	r.record(s, kind, snap, false)
	if err := r.sendAt(s, kind, ts, wire); err != nil {
		return snap, sessionErr(s.id, "send update", &ConnectionError{SessionID: s.id, Reason: ReasonSendFailed, Err: err})
	}
	return snap, nil
}

// SendRequest asks the peer to validate or submit. kind must be
// KindValidateRequest or KindSubmitRequest; no fields means the whole
// form.
func (r *Registry) SendRequest(id string, kind protocol.Kind, fields ...string) error {
	if kind != protocol.KindValidateRequest && kind != protocol.KindSubmitRequest {
		return sessionErr(id, "send request", fmt.Errorf("%w: %s is not a request kind", ErrInvalidState, kind))
	}
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "send request", StateConnected)
	if err != nil {
		return err
	}
	if _, err := r.send(s, kind, protocol.RequestPayload{Fields: fields}); err != nil {
		return sessionErr(id, "send request", err)
	}
	return nil
}

// SendError sends an ERROR envelope to the peer of a live session.
func (r *Registry) SendError(id, errorKind, message string, context map[string]any) error {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "send error", StateConnecting, StateConnected)
	if err != nil {
		return err
	}
	_, err = r.send(s, protocol.KindError, protocol.ErrorPayload{
		ErrorKind: errorKind,
		Message:   message,
		Context:   context,
	})
	return sessionErr(id, "send error", err)
}

// SendSample sends a performance sample, throttled to one per
// SampleInterval. A sample offered too soon replaces any sample still
// waiting and goes out when the interval ends.
func (r *Registry) SendSample(id string, sample protocol.PerformanceSample) error {
	if err := sample.Validate(); err != nil {
		return sessionErr(id, "send sample", err)
	}
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "send sample", StateConnected)
	if err != nil {
		return err
	}
	if s.throttle == nil {
		gen := s.generation
		s.throttle = transport.NewThrottle[protocol.PerformanceSample](s.cfg.SampleInterval, r.clock, func() {
			r.flushSample(id, gen)
		})
	}
	v, now := s.throttle.Offer(sample)
	if !now {
		return nil
	}
	if _, err := r.send(s, protocol.KindPerformanceSample, v); err != nil {
		return sessionErr(id, "send sample", err)
	}
	return nil
}

func (r *Registry) flushSample(id string, gen uint64) {
	r.lock()
	defer r.release()

	s, ok := r.sessions[id]
	if !ok || s.generation != gen || s.state != StateConnected || s.throttle == nil {
		return
	}
	v, ok := s.throttle.TakePending()
	if !ok {
		return
	}
	if _, err := r.send(s, protocol.KindPerformanceSample, v); err != nil {
		r.logger.Debug("sample not delivered", "session_id", id, "error", err)
	}
}

// DroppedSamples returns how many outbound samples of a session were
// superseded before they could be sent.
func (r *Registry) DroppedSamples(id string) (uint64, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "dropped samples")
	if err != nil {
		return 0, err
	}
	if s.throttle == nil {
		return 0, nil
	}
	return s.throttle.Dropped(), nil
}
