// Package protocol implements the wire envelope shared by the form host
// and the inspector.
//
// Every message exchanged over a transport channel is a single JSON object
// called an envelope. The envelope carries routing metadata and an opaque,
// kind-specific payload; the codec validates the metadata and never looks
// inside the payload.
//
// # Wire Format
//
//	{
//	  "kind":      "STATE_UPDATE",
//	  "sessionId": "login-form",
//	  "timestamp": 110,
//	  "version":   "1.2.0",
//	  "payload":   { ... }
//	}
//
// # Kinds
//
//   - HANDSHAKE / HANDSHAKE_ACK: connection setup
//   - DISCONNECT: orderly teardown
//   - STATE_UPDATE: full or delta form state
//   - FIELD_CHANGE: single field update
//   - VALIDATE_REQUEST / SUBMIT_REQUEST: inspector asks the host to act
//   - ERROR: remote failure report
//   - PERFORMANCE_SAMPLE: timing instrumentation
//
// # Versioning
//
// The version field is a semantic version. Envelopes from the current major
// version are accepted; older minor versions have missing fields filled with
// defaults. Any other major version is rejected.
//
// # Handshake
//
//	Inspector                         Host
//	  │                                │
//	  │──── HANDSHAKE ───────────────>│
//	  │     (sessionId, name)          │
//	  │                                │
//	  │<──── HANDSHAKE_ACK ───────────│
//	  │                                │
//
// Decode never panics; all failures are returned as *ValidationFailure
// values naming the offending fields.
package protocol
