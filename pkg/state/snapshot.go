// Package state holds canonical form snapshots and applies ordered updates
// to them.
package state

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
)

// Snapshot is an immutable view of the full form state at one instant.
// All accessors return copies; the zero Snapshot is an empty form.
type Snapshot struct {
	fields     map[string]any
	validation protocol.Validation
	submission protocol.Submission
	timestamp  float64
}

// NewSnapshot deep-copies its arguments into a new snapshot.
func NewSnapshot(fields map[string]any, validation protocol.Validation, submission protocol.Submission, timestamp float64) Snapshot {
	return Snapshot{
		fields:     copyFields(fields),
		validation: copyValidation(validation),
		submission: protocol.Submission{
			IsSubmitting: submission.IsSubmitting,
			LastResult:   deepCopy(submission.LastResult),
		},
		timestamp: timestamp,
	}
}

// Fields returns a copy of the field values.
func (s Snapshot) Fields() map[string]any {
	return copyFields(s.fields)
}

// Field returns one field value.
func (s Snapshot) Field(name string) (any, bool) {
	v, ok := s.fields[name]
	if !ok {
		return nil, false
	}
	return deepCopy(v), true
}

// FieldNames returns the field names in sorted order.
func (s Snapshot) FieldNames() []string {
	names := make([]string, 0, len(s.fields))
	for k := range s.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of fields.
func (s Snapshot) Len() int { return len(s.fields) }

// Validation returns a copy of the validation state.
func (s Snapshot) Validation() protocol.Validation {
	return copyValidation(s.validation)
}

// Submission returns a copy of the submission state.
func (s Snapshot) Submission() protocol.Submission {
	return protocol.Submission{
		IsSubmitting: s.submission.IsSubmitting,
		LastResult:   deepCopy(s.submission.LastResult),
	}
}

// Timestamp is the envelope timestamp of the update that produced s.
func (s Snapshot) Timestamp() float64 { return s.timestamp }

// Equal reports whether s and o hold the same state. Timestamps are ignored.
func (s Snapshot) Equal(o Snapshot) bool {
	return fieldsEqual(s.fields, o.fields) &&
		ValidationEqual(s.validation, o.validation) &&
		SubmissionEqual(s.submission, o.submission)
}

// ValidationEqual compares validation states, treating a nil error list
// as empty.
func ValidationEqual(a, b protocol.Validation) bool {
	if a.IsValid != b.IsValid || len(a.Errors) != len(b.Errors) {
		return false
	}
	for i := range a.Errors {
		if a.Errors[i] != b.Errors[i] {
			return false
		}
	}
	return true
}

// SubmissionEqual compares submission states.
func SubmissionEqual(a, b protocol.Submission) bool {
	return a.IsSubmitting == b.IsSubmitting && reflect.DeepEqual(a.LastResult, b.LastResult)
}

func fieldsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

type snapshotJSON struct {
	Timestamp  float64             `json:"timestamp"`
	Fields     map[string]any      `json:"fields"`
	Validation protocol.Validation `json:"validation"`
	Submission protocol.Submission `json:"submission"`
}

// MarshalJSON encodes the snapshot for export and the HTTP API.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	fields := s.fields
	if fields == nil {
		fields = map[string]any{}
	}
	v := s.validation
	if v.Errors == nil {
		v.Errors = []string{}
	}
	return json.Marshal(snapshotJSON{
		Timestamp:  s.timestamp,
		Fields:     fields,
		Validation: v,
		Submission: s.submission,
	})
}

// UnmarshalJSON decodes a snapshot written by MarshalJSON.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = NewSnapshot(raw.Fields, raw.Validation, raw.Submission, raw.Timestamp)
	return nil
}

func copyValidation(v protocol.Validation) protocol.Validation {
	out := protocol.Validation{IsValid: v.IsValid}
	if v.Errors != nil {
		out.Errors = append([]string{}, v.Errors...)
	}
	return out
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopy(v)
	}
	return out
}

// deepCopy copies the container types produced by encoding/json.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyFields(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
