package registry

import (
	"errors"
	"fmt"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// Sentinel errors.
var (
	// ErrSessionNotFound is returned when a session id does not exist.
	ErrSessionNotFound = errors.New("registry: session not found")

	// ErrRegistryClosed is returned after Shutdown.
	ErrRegistryClosed = errors.New("registry: closed")

	// ErrInvalidSessionID is returned for an empty session id.
	ErrInvalidSessionID = errors.New("registry: invalid session id")

	// ErrNoPeer is returned when Connect is called without a peer.
	ErrNoPeer = errors.New("registry: no peer")

	// ErrNotConnected is returned when sending on a session that is not
	// connected.
	ErrNotConnected = errors.New("registry: session not connected")

	// ErrInvalidState is returned for an operation the session's state
	// does not allow.
	ErrInvalidState = errors.New("registry: invalid state")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("registry: invalid config")
)

// SessionError wraps an error with session context.
type SessionError struct {
	SessionID string
	Op        string // Operation that failed
	Err       error  // Underlying error
}

// Error returns the error message with session context.
func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("registry: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// Code maps sentinel causes to diagnostic codes. Typed causes report
// their own code through the wrapped chain.
func (e *SessionError) Code() string {
	switch {
	case errors.Is(e.Err, ErrSessionNotFound):
		return fderrors.CodeSessionNotFound
	case errors.Is(e.Err, ErrNotConnected):
		return fderrors.CodeNotConnected
	case errors.Is(e.Err, ErrInvalidConfig):
		return fderrors.CodeConfigInvalid
	case errors.Is(e.Err, state.ErrInvalidUpdate):
		return fderrors.CodeInvalidUpdate
	}
	return ""
}

func sessionErr(id, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{SessionID: id, Op: op, Err: err}
}

// DuplicateConnectionError is returned when connecting a session that is
// already connected or connecting.
type DuplicateConnectionError struct {
	SessionID string
	State     State
}

func (e *DuplicateConnectionError) Error() string {
	return fmt.Sprintf("registry: session %s already %s", e.SessionID, e.State)
}

// Code returns the diagnostic code.
func (e *DuplicateConnectionError) Code() string { return fderrors.CodeDuplicateConnection }

// ConnectionReason classifies connection failures.
type ConnectionReason string

const (
	ReasonHandshakeTimeout    ConnectionReason = "handshake-timeout"
	ReasonDuplicateConnection ConnectionReason = "duplicate-connection"
	ReasonOriginMismatch      ConnectionReason = "origin-mismatch"
	ReasonRemoteRejected      ConnectionReason = "remote-rejected"
	ReasonSendFailed          ConnectionReason = "send-failed"
)

// ConnectionError reports a failed or rejected connection.
type ConnectionError struct {
	SessionID string
	Reason    ConnectionReason
	Err       error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("registry: connection %s", e.Reason)
	if e.SessionID != "" {
		msg = fmt.Sprintf("registry: session %s: connection %s", e.SessionID, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error { return e.Err }

// Code returns the diagnostic code.
func (e *ConnectionError) Code() string {
	switch e.Reason {
	case ReasonHandshakeTimeout:
		return fderrors.CodeHandshakeTimeout
	case ReasonDuplicateConnection:
		return fderrors.CodeDuplicateConnection
	case ReasonOriginMismatch:
		return fderrors.CodeOriginMismatch
	case ReasonRemoteRejected:
		return fderrors.CodeRemoteError
	default:
		return fderrors.CodeChannelClosed
	}
}

// ProtocolReason classifies dropped envelopes.
type ProtocolReason string

const (
	ReasonMalformed          ProtocolReason = "malformed"
	ReasonUnsupportedVersion ProtocolReason = "unsupported-version"
	ReasonUnknownSession     ProtocolReason = "unknown-session"
	ReasonNotConnected       ProtocolReason = "not-connected"
	ReasonOutOfOrder         ProtocolReason = "out-of-order"
	ReasonInvalidPayload     ProtocolReason = "invalid-payload"
	ReasonForeignChannel     ProtocolReason = "foreign-channel"
	ReasonUnexpected         ProtocolReason = "unexpected"
)

// ProtocolError reports an inbound envelope that was dropped. The channel
// stays open.
type ProtocolError struct {
	SessionID string
	Kind      protocol.Kind
	Reason    ProtocolReason
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("registry: %s envelope dropped: %s", e.Kind, e.Reason)
	if e.SessionID != "" {
		msg = fmt.Sprintf("registry: session %s: %s envelope dropped: %s", e.SessionID, e.Kind, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error { return e.Err }

// Code returns the diagnostic code.
func (e *ProtocolError) Code() string {
	switch e.Reason {
	case ReasonMalformed:
		return fderrors.CodeMalformedEnvelope
	case ReasonUnsupportedVersion:
		return fderrors.CodeUnsupportedVersion
	case ReasonUnknownSession:
		return fderrors.CodeUnknownSession
	case ReasonOutOfOrder:
		return fderrors.CodeOutOfOrder
	case ReasonInvalidPayload:
		return fderrors.CodeInvalidPayload
	default:
		return fderrors.CodeNotConnected
	}
}

// RemoteError carries an ERROR envelope received from the peer.
type RemoteError struct {
	SessionID string
	Payload   protocol.ErrorPayload
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("registry: session %s: remote %s: %s", e.SessionID, e.Payload.ErrorKind, e.Payload.Message)
}

// Code returns the diagnostic code.
func (e *RemoteError) Code() string { return fderrors.CodeRemoteError }
