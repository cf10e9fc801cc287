package state

import (
	"errors"
	"fmt"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
)

// ErrInvalidUpdate is returned for payloads with an unknown mode or an
// empty field name.
var ErrInvalidUpdate = errors.New("state: invalid update")

// StaleUpdateError is returned when an update's timestamp is not newer
// than the last applied update.
type StaleUpdateError struct {
	Timestamp   float64
	LastApplied float64
}

func (e *StaleUpdateError) Error() string {
	return fmt.Sprintf("state: stale update at %v (last applied %v)", e.Timestamp, e.LastApplied)
}

// Code returns the diagnostic code.
func (e *StaleUpdateError) Code() string { return fderrors.CodeStaleUpdate }

// Synchronizer keeps the canonical snapshot of one session.
//
// A Synchronizer is not safe for concurrent use; the registry serializes
// access.
type Synchronizer struct {
	current     Snapshot
	lastApplied float64
	applied     bool
}

// NewSynchronizer returns a synchronizer holding an empty snapshot.
func NewSynchronizer() *Synchronizer {
	return &Synchronizer{current: NewSnapshot(nil, protocol.Validation{}, protocol.Submission{}, 0)}
}

// Current returns the canonical snapshot.
func (s *Synchronizer) Current() Snapshot {
	return s.current
}

// LastApplied returns the timestamp of the last applied update. ok is false
// until the first update of the current epoch is applied.
func (s *Synchronizer) LastApplied() (ts float64, ok bool) {
	return s.lastApplied, s.applied
}

// Apply merges p into the canonical snapshot and returns the new snapshot.
//
// Full updates replace every component. Delta updates replace only the
// fields they list (whole values, no nested merge) and keep validation and
// submission unless present. An update at or before the last applied
// timestamp returns *StaleUpdateError and changes nothing.
func (s *Synchronizer) Apply(p protocol.StateUpdatePayload, timestamp float64) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if s.applied && timestamp <= s.lastApplied {
		return Snapshot{}, &StaleUpdateError{Timestamp: timestamp, LastApplied: s.lastApplied}
	}

	next := merge(s.current, p, timestamp)
	s.current = next
	s.lastApplied = timestamp
	s.applied = true
	return next, nil
}

// Restore installs snap as the canonical snapshot without touching the
// update clock.
func (s *Synchronizer) Restore(snap Snapshot) {
	s.current = snap
}

// ResetClock starts a new ordering epoch. The snapshot is kept; the next
// update is accepted regardless of its timestamp.
func (s *Synchronizer) ResetClock() {
	s.lastApplied = 0
	s.applied = false
}

func merge(prev Snapshot, p protocol.StateUpdatePayload, timestamp float64) Snapshot {
	if p.Mode == protocol.ModeFull {
		var v protocol.Validation
		if p.Validation != nil {
			v = *p.Validation
		}
		var sub protocol.Submission
		if p.Submission != nil {
			sub = *p.Submission
		}
		return NewSnapshot(p.Fields, v, sub, timestamp)
	}

	fields := make(map[string]any, len(prev.fields)+len(p.Fields))
	for k, v := range prev.fields {
		fields[k] = v
	}
	for k, v := range p.Fields {
		fields[k] = v
	}
	v := prev.validation
	if p.Validation != nil {
		v = *p.Validation
	}
	sub := prev.submission
	if p.Submission != nil {
		sub = *p.Submission
	}
	return NewSnapshot(fields, v, sub, timestamp)
}
