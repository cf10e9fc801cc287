package registry

import (
	"github.com/binaryjack/formular-dev-tools/pkg/bus"
	"github.com/binaryjack/formular-dev-tools/pkg/history"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// Replay never changes live state. Seeking and stepping only move the
// history cursor; Restore is the one way to make a recorded snapshot live.

// Snapshot returns the canonical snapshot of a session.
func (r *Registry) Snapshot(id string) (state.Snapshot, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "snapshot")
	if err != nil {
		return state.Snapshot{}, err
	}
	return s.sync.Current(), nil
}

// History returns the retained entries of a session, oldest first.
func (r *Registry) History(id string) ([]history.Entry, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "history")
	if err != nil {
		return nil, err
	}
	return s.history.Entries(), nil
}

// Cursor returns the replay entry under the cursor.
func (r *Registry) Cursor(id string) (history.Entry, bool, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "cursor")
	if err != nil {
		return history.Entry{}, false, err
	}
	e, ok := s.history.Current()
	return e, ok, nil
}

// Seek moves the replay cursor of a session to pos, where 0 is the oldest
// retained entry. An out-of-range pos returns *history.ReplayRangeError
// and leaves the cursor where it was.
func (r *Registry) Seek(id string, pos int) (history.Entry, error) {
	return r.move(id, "seek", func(b *history.Buffer) (history.Entry, error) { return b.Seek(pos) })
}

// StepForward moves the replay cursor one entry towards the newest.
func (r *Registry) StepForward(id string) (history.Entry, error) {
	return r.move(id, "step forward", (*history.Buffer).StepForward)
}

// StepBackward moves the replay cursor one entry towards the oldest.
func (r *Registry) StepBackward(id string) (history.Entry, error) {
	return r.move(id, "step backward", (*history.Buffer).StepBackward)
}

func (r *Registry) move(id, op string, fn func(*history.Buffer) (history.Entry, error)) (history.Entry, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, op)
	if err != nil {
		return history.Entry{}, err
	}
	e, err := fn(s.history)
	if err != nil {
		return history.Entry{}, sessionErr(id, op, err)
	}
	r.emit(bus.TopicHistory, id, HistoryEvent{
		SessionID: id,
		Op:        HistorySeek,
		Index:     e.Index,
		Cursor:    s.history.Cursor(),
		Len:       s.history.Len(),
	})
	return e, nil
}

// Diff compares the snapshots at two history positions.
func (r *Registry) Diff(id string, from, to int) (history.Diff, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "diff")
	if err != nil {
		return history.Diff{}, err
	}
	d, err := s.history.Diff(from, to)
	if err != nil {
		return history.Diff{}, sessionErr(id, "diff", err)
	}
	return d, nil
}

// ClearHistory drops every retained entry of a session. The canonical
// snapshot is kept.
func (r *Registry) ClearHistory(id string) error {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "clear history")
	if err != nil {
		return err
	}
	s.history.Clear()
	r.emit(bus.TopicHistory, id, HistoryEvent{SessionID: id, Op: HistoryCleared, Cursor: -1})
	return nil
}

// Restore makes the snapshot at pos the canonical state of a session. The
// restore is recorded as a new history entry of kind history.KindRestore
// and published with Restored set. A connected peer is sent the restored
// state as a full STATE_UPDATE.
func (r *Registry) Restore(id string, pos int) (history.Entry, error) {
	r.lock()
	defer r.release()

	s, err := r.lookup(id, "restore")
	if err != nil {
		return history.Entry{}, err
	}
	src, err := s.history.At(pos)
	if err != nil {
		return history.Entry{}, sessionErr(id, "restore", err)
	}

	// The restored snapshot takes the current ordering position so later
	// updates keep being compared against the newest applied timestamp.
	ts := src.Snapshot.Timestamp()
	if last, ok := s.sync.LastApplied(); ok {
		ts = last
	}
	old := src.Snapshot
	snap := state.NewSnapshot(old.Fields(), old.Validation(), old.Submission(), ts)
	s.sync.Restore(snap)
	r.record(s, history.KindRestore, snap, true)
	entry, _ := s.history.Latest()

	if s.state == StateConnected {
		v, sub := snap.Validation(), snap.Submission()
		payload := protocol.StateUpdatePayload{
			Mode:       protocol.ModeFull,
			Fields:     snap.Fields(),
			Validation: &v,
			Submission: &sub,
		}
		if err := r.sendAt(s, protocol.KindStateUpdate, r.updateStamp(s), payload); err != nil {
			r.logger.Debug("restored state not delivered", "session_id", id, "error", err)
		}
	}
	r.logger.Info("snapshot restored", "session_id", id, "from_index", src.Index, "index", entry.Index)
	return entry, nil
}
