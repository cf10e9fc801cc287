package protocol

// Kind identifies the type of an envelope. The set is closed: decoding an
// envelope whose kind is not listed here fails validation.
type Kind string

const (
	KindHandshake         Kind = "HANDSHAKE"
	KindHandshakeAck      Kind = "HANDSHAKE_ACK"
	KindDisconnect        Kind = "DISCONNECT"
	KindStateUpdate       Kind = "STATE_UPDATE"
	KindValidateRequest   Kind = "VALIDATE_REQUEST"
	KindSubmitRequest     Kind = "SUBMIT_REQUEST"
	KindFieldChange       Kind = "FIELD_CHANGE"
	KindError             Kind = "ERROR"
	KindPerformanceSample Kind = "PERFORMANCE_SAMPLE"
)

var kinds = []Kind{
	KindHandshake,
	KindHandshakeAck,
	KindDisconnect,
	KindStateUpdate,
	KindValidateRequest,
	KindSubmitRequest,
	KindFieldChange,
	KindError,
	KindPerformanceSample,
}

// Kinds returns every defined kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHandshake, KindHandshakeAck, KindDisconnect, KindStateUpdate,
		KindValidateRequest, KindSubmitRequest, KindFieldChange, KindError,
		KindPerformanceSample:
		return true
	default:
		return false
	}
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k == "" {
		return "Unknown"
	}
	return string(k)
}

// IsUpdate reports whether envelopes of this kind mutate canonical state.
func (k Kind) IsUpdate() bool {
	return k == KindStateUpdate || k == KindFieldChange
}
