package protocol

import (
	"errors"
	"strings"
)

// Field names an envelope field for validation reporting.
type Field string

const (
	FieldEnvelope  Field = "envelope"
	FieldKind      Field = "kind"
	FieldSessionID Field = "sessionId"
	FieldTimestamp Field = "timestamp"
	FieldVersion   Field = "version"
	FieldPayload   Field = "payload"
)

// ErrUnsupportedVersion matches (via errors.Is) any ValidationFailure that
// rejected the envelope's version.
var ErrUnsupportedVersion = errors.New("protocol: unsupported version")

// Issue is one failed check.
type Issue struct {
	Field  Field
	Reason string
}

// ValidationFailure is returned by Encode and Decode when an envelope does
// not satisfy the wire contract. SessionID is set whenever the raw message
// carried a readable session id, so callers can route diagnostics.
type ValidationFailure struct {
	SessionID string
	Kind      Kind
	Issues    []Issue
}

func (f *ValidationFailure) add(field Field, reason string) {
	f.Issues = append(f.Issues, Issue{Field: field, Reason: reason})
}

// Error lists every failed field.
func (f *ValidationFailure) Error() string {
	var b strings.Builder
	b.WriteString("protocol: invalid envelope")
	if f.SessionID != "" {
		b.WriteString(" for session ")
		b.WriteString(f.SessionID)
	}
	for i, is := range f.Issues {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(string(is.Field))
		b.WriteString(" ")
		b.WriteString(is.Reason)
	}
	return b.String()
}

// HasField reports whether the failure includes an issue for field.
func (f *ValidationFailure) HasField(field Field) bool {
	for _, is := range f.Issues {
		if is.Field == field {
			return true
		}
	}
	return false
}

// Fields returns the failed field names in report order.
func (f *ValidationFailure) Fields() []Field {
	out := make([]Field, 0, len(f.Issues))
	for _, is := range f.Issues {
		out = append(out, is.Field)
	}
	return out
}

// Is lets errors.Is(err, ErrUnsupportedVersion) match version rejections.
func (f *ValidationFailure) Is(target error) bool {
	return target == ErrUnsupportedVersion && f.HasField(FieldVersion)
}

// Error kinds carried in ERROR payloads.
const (
	ErrorKindDuplicateConnection = "duplicate-connection"
	ErrorKindHandshakeTimeout    = "handshake-timeout"
	ErrorKindProtocol            = "protocol"
	ErrorKindInternal            = "internal"
)
