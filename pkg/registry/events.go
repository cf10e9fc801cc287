package registry

import (
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// Event payloads published on the bus. Each topic carries exactly one
// payload type.

// ConnectionEvent is published on bus.TopicConnection for every state
// change. From is StateDisconnected for a newly created session.
type ConnectionEvent struct {
	SessionID string
	Name      string
	From      State
	To        State
	Reason    string
	Err       error
	// Removed is set when the session was dropped from the registry.
	Removed bool
}

// StateUpdatedEvent is published on bus.TopicStateUpdated after an update
// or restore has been applied and recorded.
type StateUpdatedEvent struct {
	SessionID string
	Kind      protocol.Kind
	Timestamp float64
	Index     uint64
	Snapshot  state.Snapshot
	Restored  bool
}

// HistoryOp names a history change.
type HistoryOp string

const (
	HistoryAppended HistoryOp = "appended"
	HistoryEvicted  HistoryOp = "evicted"
	HistorySeek     HistoryOp = "seek"
	HistoryCleared  HistoryOp = "cleared"
)

// HistoryEvent is published on bus.TopicHistory. Index is the entry
// appended, evicted or sought.
type HistoryEvent struct {
	SessionID string
	Op        HistoryOp
	Index     uint64
	Cursor    int
	Len       int
}

// ErrorEvent is published on bus.TopicError for connection failures and
// ERROR envelopes received from the peer.
type ErrorEvent struct {
	SessionID string
	Code      string
	Err       error
	Remote    *protocol.ErrorPayload
}

// DiagnosticEvent is published on bus.TopicDiagnostic for dropped
// envelopes and discarded updates.
type DiagnosticEvent struct {
	SessionID string
	Code      string
	Kind      protocol.Kind
	Err       error
}

// RequestEvent is published on bus.TopicRequest for VALIDATE_REQUEST and
// SUBMIT_REQUEST envelopes.
type RequestEvent struct {
	SessionID string
	Kind      protocol.Kind
	Fields    []string
	Timestamp float64
}

// PerformanceEvent is published on bus.TopicPerformance for inbound
// samples.
type PerformanceEvent struct {
	SessionID string
	Sample    protocol.PerformanceSample
	Timestamp float64
}
