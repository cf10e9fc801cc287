package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// Encode validates env and serializes it to JSON.
func Encode(env Envelope) ([]byte, error) {
	if f := validate(env); f != nil {
		return nil, f
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Kind, err)
	}
	return data, nil
}

// Decode parses and validates one envelope. Every failed check is reported
// in the returned *ValidationFailure; Decode never panics on any input.
//
// Envelopes of an older minor version come back with the payload
// defaults of the current version filled in while Version keeps the
// sender's value, so Decode(Encode(env)) reproduces env exactly only for
// envelopes already at CurrentVersion's minor.
func Decode(data []byte) (Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		f := &ValidationFailure{}
		f.add(FieldEnvelope, "is not a JSON object")
		return Envelope{}, f
	}

	f := &ValidationFailure{}
	var env Envelope

	// Session id first so every later failure can be routed.
	if v, ok := raw["sessionId"]; !ok {
		f.add(FieldSessionID, "is missing")
	} else if err := json.Unmarshal(v, &env.SessionID); err != nil {
		f.add(FieldSessionID, "must be a string")
	} else if env.SessionID == "" {
		f.add(FieldSessionID, "must not be empty")
	} else {
		f.SessionID = env.SessionID
	}

	if v, ok := raw["kind"]; !ok {
		f.add(FieldKind, "is missing")
	} else if err := json.Unmarshal(v, &env.Kind); err != nil {
		f.add(FieldKind, "must be a string")
	} else if !env.Kind.Valid() {
		f.add(FieldKind, fmt.Sprintf("unknown kind %q", string(env.Kind)))
	} else {
		f.Kind = env.Kind
	}

	if v, ok := raw["timestamp"]; !ok {
		f.add(FieldTimestamp, "is missing")
	} else if err := json.Unmarshal(v, &env.Timestamp); err != nil {
		f.add(FieldTimestamp, "must be a finite number")
	} else if math.IsNaN(env.Timestamp) || math.IsInf(env.Timestamp, 0) {
		f.add(FieldTimestamp, "must be a finite number")
	}

	var version ProtocolVersion
	if v, ok := raw["version"]; !ok {
		f.add(FieldVersion, "is missing")
	} else if err := json.Unmarshal(v, &env.Version); err != nil {
		f.add(FieldVersion, "must be a string")
	} else if parsed, err := ParseVersion(env.Version); err != nil {
		f.add(FieldVersion, fmt.Sprintf("malformed version %q", env.Version))
	} else if !parsed.Compatible(CurrentVersion) {
		f.add(FieldVersion, fmt.Sprintf("unsupported major version %d", parsed.Major))
	} else {
		version = parsed
	}

	if v, ok := raw["payload"]; ok && string(v) != "null" {
		env.Payload = append(json.RawMessage(nil), v...)
	}

	if len(f.Issues) > 0 {
		return Envelope{}, f
	}

	if version.Older(CurrentVersion) {
		upgraded, err := fillDefaults(env, version)
		if err != nil {
			f.add(FieldPayload, err.Error())
			return Envelope{}, f
		}
		env = upgraded
	}
	return env, nil
}

// fillDefaults adds the payload fields that older minor versions omitted.
func fillDefaults(env Envelope, v ProtocolVersion) (Envelope, error) {
	if env.Kind != KindStateUpdate || v.Minor >= 1 || len(env.Payload) == 0 {
		return env, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &obj); err != nil || obj == nil {
		return env, fmt.Errorf("must be an object for %s", env.Kind)
	}
	if _, ok := obj["mode"]; ok {
		return env, nil
	}
	obj["mode"] = json.RawMessage(`"` + string(ModeFull) + `"`)
	raw, err := json.Marshal(obj)
	if err != nil {
		return env, err
	}
	env.Payload = raw
	return env, nil
}

// validate checks an in-memory envelope against the same rules Decode uses.
func validate(env Envelope) *ValidationFailure {
	f := &ValidationFailure{SessionID: env.SessionID}
	if !env.Kind.Valid() {
		f.add(FieldKind, fmt.Sprintf("unknown kind %q", string(env.Kind)))
	} else {
		f.Kind = env.Kind
	}
	if env.SessionID == "" {
		f.add(FieldSessionID, "must not be empty")
	}
	if math.IsNaN(env.Timestamp) || math.IsInf(env.Timestamp, 0) {
		f.add(FieldTimestamp, "must be a finite number")
	}
	if v, err := ParseVersion(env.Version); err != nil {
		f.add(FieldVersion, fmt.Sprintf("malformed version %q", env.Version))
	} else if !v.Compatible(CurrentVersion) {
		f.add(FieldVersion, fmt.Sprintf("unsupported major version %d", v.Major))
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		f.add(FieldPayload, "is not valid JSON")
	}
	if len(f.Issues) == 0 {
		return nil
	}
	return f
}
