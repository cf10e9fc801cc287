package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the unit of transmission between host and inspector.
//
// Envelopes are values: Decode and NewEnvelope hand out envelopes whose
// Payload bytes are not shared with any other envelope, and nothing in this
// module mutates an envelope after construction.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"sessionId"`
	Timestamp float64         `json:"timestamp"`
	Version   string          `json:"version"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope at CurrentVersion. A nil payload produces
// an envelope without a payload field.
func NewEnvelope(kind Kind, sessionID string, timestamp float64, payload any) (Envelope, error) {
	env := Envelope{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: timestamp,
		Version:   CurrentVersion.String(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("protocol: marshal %s payload: %w", kind, err)
		}
		if string(raw) != "null" {
			env.Payload = raw
		}
	}
	if f := validate(env); f != nil {
		return Envelope{}, f
	}
	return env, nil
}

// DecodePayload unmarshals the payload into v. An envelope without a
// payload leaves v untouched.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// String returns a short description for logging.
func (e Envelope) String() string {
	return fmt.Sprintf("%s(session=%s ts=%v v=%s)", e.Kind, e.SessionID, e.Timestamp, e.Version)
}
