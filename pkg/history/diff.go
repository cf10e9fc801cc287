package history

import (
	"reflect"
	"sort"

	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// ChangeKind classifies a field difference.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// FieldChange describes one field that differs between two snapshots.
type FieldChange struct {
	Field  string     `json:"field"`
	Kind   ChangeKind `json:"kind"`
	Before any        `json:"before"`
	After  any        `json:"after"`
}

// ValidationChange holds both sides of a changed validation state.
type ValidationChange struct {
	Before protocol.Validation `json:"before"`
	After  protocol.Validation `json:"after"`
}

// SubmissionChange holds both sides of a changed submission state.
type SubmissionChange struct {
	Before protocol.Submission `json:"before"`
	After  protocol.Submission `json:"after"`
}

// Diff is the difference between two snapshots. Fields are sorted by name.
type Diff struct {
	From       uint64            `json:"from"`
	To         uint64            `json:"to"`
	Fields     []FieldChange     `json:"fields"`
	Validation *ValidationChange `json:"validation,omitempty"`
	Submission *SubmissionChange `json:"submission,omitempty"`
}

// Empty reports whether the snapshots were equal.
func (d Diff) Empty() bool {
	return len(d.Fields) == 0 && d.Validation == nil && d.Submission == nil
}

// Compare computes the difference from a to b. Neither snapshot is
// modified.
func Compare(a, b state.Snapshot) Diff {
	before, after := a.Fields(), b.Fields()
	d := Diff{Fields: []FieldChange{}}

	for name, av := range before {
		bv, ok := after[name]
		switch {
		case !ok:
			d.Fields = append(d.Fields, FieldChange{Field: name, Kind: Removed, Before: av})
		case !reflect.DeepEqual(av, bv):
			d.Fields = append(d.Fields, FieldChange{Field: name, Kind: Changed, Before: av, After: bv})
		}
	}
	for name, bv := range after {
		if _, ok := before[name]; !ok {
			d.Fields = append(d.Fields, FieldChange{Field: name, Kind: Added, After: bv})
		}
	}
	sort.Slice(d.Fields, func(i, j int) bool { return d.Fields[i].Field < d.Fields[j].Field })

	if va, vb := a.Validation(), b.Validation(); !state.ValidationEqual(va, vb) {
		d.Validation = &ValidationChange{Before: va, After: vb}
	}
	if sa, sb := a.Submission(), b.Submission(); !state.SubmissionEqual(sa, sb) {
		d.Submission = &SubmissionChange{Before: sa, After: sb}
	}
	return d
}
