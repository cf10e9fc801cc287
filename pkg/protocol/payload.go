package protocol

import (
	"errors"
	"fmt"
)

// UpdateMode selects how a STATE_UPDATE is applied.
type UpdateMode string

const (
	// ModeFull replaces the canonical snapshot.
	ModeFull UpdateMode = "full"
	// ModeDelta merges the listed fields into the canonical snapshot.
	ModeDelta UpdateMode = "delta"
)

// Valid reports whether m is a known mode.
func (m UpdateMode) Valid() bool {
	return m == ModeFull || m == ModeDelta
}

// Validation is the form's validation state.
type Validation struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors"`
}

// Submission is the form's submission state.
type Submission struct {
	IsSubmitting bool `json:"isSubmitting"`
	LastResult   any  `json:"lastResult"`
}

// StateUpdatePayload is the payload of STATE_UPDATE.
//
// In delta mode a nil Validation or Submission keeps the prior value.
type StateUpdatePayload struct {
	Mode       UpdateMode     `json:"mode"`
	Fields     map[string]any `json:"fields,omitempty"`
	Validation *Validation    `json:"validation,omitempty"`
	Submission *Submission    `json:"submission,omitempty"`
}

// Validate checks the payload shape.
func (p StateUpdatePayload) Validate() error {
	if !p.Mode.Valid() {
		return fmt.Errorf("protocol: unknown update mode %q", p.Mode)
	}
	for name := range p.Fields {
		if name == "" {
			return errors.New("protocol: empty field name")
		}
	}
	return nil
}

// FieldChangePayload is the payload of FIELD_CHANGE.
type FieldChangePayload struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Validate checks the payload shape.
func (p FieldChangePayload) Validate() error {
	if p.Field == "" {
		return errors.New("protocol: field change without field name")
	}
	return nil
}

// AsDelta converts a single field change into a delta update.
func (p FieldChangePayload) AsDelta() StateUpdatePayload {
	return StateUpdatePayload{
		Mode:   ModeDelta,
		Fields: map[string]any{p.Field: p.Value},
	}
}

// HandshakePayload is the payload of HANDSHAKE.
type HandshakePayload struct {
	Name string `json:"name"`
}

// DisconnectPayload is the payload of DISCONNECT.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the payload of ERROR.
type ErrorPayload struct {
	ErrorKind string         `json:"errorKind"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// Operation names the instrumented operation of a performance sample.
type Operation string

const (
	OperationRender   Operation = "render"
	OperationValidate Operation = "validate"
	OperationSubmit   Operation = "submit"
)

// PerformanceSample is the payload of PERFORMANCE_SAMPLE.
type PerformanceSample struct {
	Operation  Operation `json:"operation"`
	DurationMs float64   `json:"durationMs"`
}

// Validate checks the sample.
func (s PerformanceSample) Validate() error {
	switch s.Operation {
	case OperationRender, OperationValidate, OperationSubmit:
	default:
		return fmt.Errorf("protocol: unknown operation %q", s.Operation)
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("protocol: negative duration %v", s.DurationMs)
	}
	return nil
}

// RequestPayload is the payload of VALIDATE_REQUEST and SUBMIT_REQUEST.
// An empty Fields list means the whole form.
type RequestPayload struct {
	Fields []string `json:"fields,omitempty"`
}
