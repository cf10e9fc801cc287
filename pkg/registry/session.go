package registry

import (
	"math"
	"time"

	"github.com/binaryjack/formular-dev-tools/internal/clock"
	"github.com/binaryjack/formular-dev-tools/pkg/history"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
	"github.com/binaryjack/formular-dev-tools/pkg/transport"
)

// Peer is the outbound side of a transport channel. Peers are compared by
// identity, so implementations must be comparable (pointer types).
type Peer interface {
	Send(env protocol.Envelope) error
}

// session is owned by the registry and only touched under its lock.
type session struct {
	id        string
	name      string
	state     State
	cfg       Config
	createdAt time.Time

	peer    Peer
	sync    *state.Synchronizer
	history *history.Buffer

	// Inbound ordering for kinds that do not go through the synchronizer.
	lastInbound float64
	hasInbound  bool

	// Last timestamp stamped on an outbound envelope.
	outClock float64

	handshakeTimer clock.Timer
	throttle       *transport.Throttle[protocol.PerformanceSample]

	// generation invalidates timer callbacks armed for an earlier
	// connection attempt.
	generation uint64
	lastErr    error
}

func newSession(id, name string, cfg Config, now time.Time) *session {
	return &session{
		id:        id,
		name:      name,
		state:     StateDisconnected,
		cfg:       cfg,
		createdAt: now,
		sync:      state.NewSynchronizer(),
		history:   history.NewBuffer(cfg.MaxHistorySize),
	}
}

// prepareReconnect readies a Disconnected or Error session for a new
// connection.
func (s *session) prepareReconnect(cfg Config) {
	s.cfg = cfg
	if !cfg.RetainHistoryOnReconnect {
		s.history.Clear()
		s.sync = state.NewSynchronizer()
	}
	s.history.Resize(cfg.MaxHistorySize)
	s.sync.ResetClock()
	s.hasInbound = false
	s.lastInbound = 0
	s.lastErr = nil
}

// observe records an inbound timestamp. It reports false when ts is older
// than a previously observed one.
func (s *session) observe(ts float64) bool {
	if s.hasInbound && ts < s.lastInbound {
		return false
	}
	s.lastInbound = ts
	s.hasInbound = true
	return true
}

// stamp returns a strictly increasing outbound timestamp in milliseconds.
func (s *session) stamp(now time.Time) float64 {
	ts := float64(now.UnixNano()) / float64(time.Millisecond)
	if ts <= s.outClock {
		ts = math.Nextafter(s.outClock, math.Inf(1))
	}
	s.outClock = ts
	return ts
}

// stopTimers cancels the handshake timer and the sample throttle.
func (s *session) stopTimers() {
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	if s.throttle != nil {
		s.throttle.Stop()
		s.throttle = nil
	}
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:         s.id,
		Name:       s.name,
		State:      s.state,
		CreatedAt:  s.createdAt,
		HistoryLen: s.history.Len(),
		HistoryCap: s.history.Cap(),
		Cursor:     s.history.Cursor(),
		Fields:     s.sync.Current().Len(),
	}
	if ts, ok := s.sync.LastApplied(); ok {
		info.LastApplied = ts
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}
	return info
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"createdAt"`
	HistoryLen  int       `json:"historyLen"`
	HistoryCap  int       `json:"historyCap"`
	Cursor      int       `json:"cursor"`
	Fields      int       `json:"fields"`
	LastApplied float64   `json:"lastApplied,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}
