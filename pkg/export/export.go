// Package export writes session histories to durable storage and reads
// them back for offline diffing.
//
// A Document is the JSON form of one session's retained history. Stores
// decide where documents live: DiskStore keeps them under a directory,
// S3Store in a bucket. Both address documents by a key of the form
// "<session>/<uuid>.json".
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/history"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/registry"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// FormatVersion is the document layout written by Encode.
const FormatVersion = 1

// ErrNotFound is returned when a store has no document under a key.
var ErrNotFound = errors.New("export: document not found")

// ErrInvalidKey is returned for keys that would escape the store.
var ErrInvalidKey = errors.New("export: invalid key")

// Record is one history entry of a document.
type Record struct {
	Index      uint64         `json:"index"`
	Kind       protocol.Kind  `json:"kind"`
	Timestamp  float64        `json:"timestamp"`
	RecordedAt time.Time      `json:"recordedAt"`
	Snapshot   state.Snapshot `json:"snapshot"`
}

// Document is an exported session history, oldest record first.
type Document struct {
	Format          int       `json:"format"`
	ProtocolVersion string    `json:"protocolVersion"`
	SessionID       string    `json:"sessionId"`
	Name            string    `json:"name,omitempty"`
	ExportedAt      time.Time `json:"exportedAt"`
	Records         []Record  `json:"records"`
}

// NewRecord converts one history entry.
func NewRecord(e history.Entry) Record {
	return Record{
		Index:      e.Index,
		Kind:       e.Kind,
		Timestamp:  e.Timestamp,
		RecordedAt: e.RecordedAt,
		Snapshot:   e.Snapshot,
	}
}

// Records converts history entries to records.
func Records(entries []history.Entry) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = NewRecord(e)
	}
	return out
}

// NewDocument builds a document from a session view and its history.
func NewDocument(info registry.SessionInfo, entries []history.Entry, now time.Time) Document {
	return Document{
		Format:          FormatVersion,
		ProtocolVersion: protocol.CurrentVersion.String(),
		SessionID:       info.ID,
		Name:            info.Name,
		ExportedAt:      now.UTC(),
		Records:         Records(entries),
	}
}

// Diff compares the records at positions from and to.
func (d Document) Diff(from, to int) (history.Diff, error) {
	for _, pos := range []int{from, to} {
		if pos < 0 || pos >= len(d.Records) {
			return history.Diff{}, &history.ReplayRangeError{Position: pos, Len: len(d.Records)}
		}
	}
	a, b := d.Records[from], d.Records[to]
	diff := history.Compare(a.Snapshot, b.Snapshot)
	diff.From, diff.To = a.Index, b.Index
	return diff, nil
}

// Encode writes doc as indented JSON.
func Encode(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fderrors.New(fderrors.CodeExportFailed).WithSession(doc.SessionID).Wrap(err)
	}
	return nil
}

// Decode reads a document written by Encode.
func Decode(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fderrors.New(fderrors.CodeImportFailed).Wrap(err)
	}
	if doc.Format != FormatVersion {
		return Document{}, fderrors.New(fderrors.CodeImportFailed).
			WithSession(doc.SessionID).
			Wrap(fmt.Errorf("unsupported document format %d", doc.Format))
	}
	if doc.SessionID == "" {
		return Document{}, fderrors.New(fderrors.CodeImportFailed).Wrap(errors.New("document has no session id"))
	}
	return doc, nil
}

// Source provides the sessions to export. *registry.Registry implements it.
type Source interface {
	Session(id string) (registry.SessionInfo, error)
	History(id string) ([]history.Entry, error)
}

// Export writes the history of one session to store and returns the key.
func Export(ctx context.Context, src Source, sessionID string, store Store) (string, error) {
	info, err := src.Session(sessionID)
	if err != nil {
		return "", err
	}
	entries, err := src.History(sessionID)
	if err != nil {
		return "", err
	}
	doc := NewDocument(info, entries, time.Now())
	key, err := store.Put(ctx, doc)
	if err != nil {
		return "", fderrors.New(fderrors.CodeExportFailed).WithSession(sessionID).Wrap(err)
	}
	return key, nil
}

// Load reads one document from store.
func Load(ctx context.Context, store Store, key string) (Document, error) {
	rc, err := store.Open(ctx, key)
	if err != nil {
		return Document{}, err
	}
	defer rc.Close()
	return Decode(rc)
}
