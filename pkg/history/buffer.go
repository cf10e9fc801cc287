// Package history records a bounded sequence of snapshots per session and
// provides read-only replay over it.
package history

import (
	"fmt"
	"sync"
	"time"

	fderrors "github.com/binaryjack/formular-dev-tools/internal/errors"
	"github.com/binaryjack/formular-dev-tools/pkg/protocol"
	"github.com/binaryjack/formular-dev-tools/pkg/state"
)

// KindRestore marks entries produced by an explicit restore of an older
// snapshot. It is never sent on the wire.
const KindRestore protocol.Kind = "RESTORE"

// DefaultCapacity is used when a buffer is created with capacity < 1.
const DefaultCapacity = 100

// Entry is one recorded snapshot.
type Entry struct {
	// Index is the ordinal of the entry since the buffer was created. It
	// keeps increasing across evictions.
	Index      uint64
	Kind       protocol.Kind
	Timestamp  float64
	Snapshot   state.Snapshot
	RecordedAt time.Time
}

// ReplayRangeError is returned when a position lies outside the buffer.
type ReplayRangeError struct {
	Position int
	Len      int
}

func (e *ReplayRangeError) Error() string {
	if e.Len == 0 {
		return fmt.Sprintf("history: position %d out of range (history empty)", e.Position)
	}
	return fmt.Sprintf("history: position %d out of range [0, %d)", e.Position, e.Len)
}

// Code returns the diagnostic code.
func (e *ReplayRangeError) Code() string { return fderrors.CodeReplayRange }

// Buffer is a thread-safe ring buffer of entries with a replay cursor.
//
// Positions are relative: 0 is the oldest retained entry and Len()-1 the
// newest. When the buffer is full, Append evicts the oldest entry and the
// cursor shifts so it keeps pointing at the same entry, clamping at 0 if
// that entry was the one evicted. While the cursor sits on the newest
// entry it follows new appends.
type Buffer struct {
	mu        sync.RWMutex
	entries   []Entry
	head      int // next write position
	count     int
	capacity  int
	nextIndex uint64
	cursor    int // -1 when empty
	following bool
	now       func() time.Time
}

// NewBuffer creates a buffer holding at most capacity entries.
func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:   make([]Entry, capacity),
		capacity:  capacity,
		cursor:    -1,
		following: true,
		now:       time.Now,
	}
}

// Append records snap and returns the new entry. evicted is non-nil when
// the oldest entry was dropped to make room.
func (b *Buffer) Append(kind protocol.Kind, snap state.Snapshot) (entry Entry, evicted *Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry = Entry{
		Index:      b.nextIndex,
		Kind:       kind,
		Timestamp:  snap.Timestamp(),
		Snapshot:   snap,
		RecordedAt: b.now(),
	}
	b.nextIndex++

	if b.count == b.capacity {
		old := b.entries[b.head]
		evicted = &old
		if !b.following && b.cursor > 0 {
			b.cursor--
		}
	}

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.capacity
	if b.count < b.capacity {
		b.count++
	}

	if b.following {
		b.cursor = b.count - 1
	}
	return entry, evicted
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the capacity.
func (b *Buffer) Cap() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.capacity
}

// Cursor returns the replay position, or -1 when the buffer is empty.
func (b *Buffer) Cursor() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cursor
}

// Current returns the entry under the cursor.
func (b *Buffer) Current() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cursor < 0 {
		return Entry{}, false
	}
	return b.at(b.cursor), true
}

// Latest returns the newest entry.
func (b *Buffer) Latest() (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return Entry{}, false
	}
	return b.at(b.count - 1), true
}

// At returns the entry at position pos without moving the cursor.
func (b *Buffer) At(pos int) (Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if pos < 0 || pos >= b.count {
		return Entry{}, &ReplayRangeError{Position: pos, Len: b.count}
	}
	return b.at(pos), nil
}

// Entries returns all retained entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Entry, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.at(i)
	}
	return out
}

// Seek moves the cursor to pos. On error the cursor is unchanged.
func (b *Buffer) Seek(pos int) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if pos < 0 || pos >= b.count {
		return Entry{}, &ReplayRangeError{Position: pos, Len: b.count}
	}
	b.cursor = pos
	b.following = pos == b.count-1
	return b.at(pos), nil
}

// StepForward moves the cursor one entry towards the newest.
func (b *Buffer) StepForward() (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.step(1)
}

// StepBackward moves the cursor one entry towards the oldest.
func (b *Buffer) StepBackward() (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.step(-1)
}

func (b *Buffer) step(delta int) (Entry, error) {
	pos := b.cursor + delta
	if b.count == 0 || pos < 0 || pos >= b.count {
		return Entry{}, &ReplayRangeError{Position: pos, Len: b.count}
	}
	b.cursor = pos
	b.following = pos == b.count-1
	return b.at(pos), nil
}

// Diff compares the snapshots at positions from and to.
func (b *Buffer) Diff(from, to int) (Diff, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, pos := range []int{from, to} {
		if pos < 0 || pos >= b.count {
			return Diff{}, &ReplayRangeError{Position: pos, Len: b.count}
		}
	}
	a, c := b.at(from), b.at(to)
	d := Compare(a.Snapshot, c.Snapshot)
	d.From, d.To = a.Index, c.Index
	return d, nil
}

// Resize changes the capacity, keeping the newest entries.
func (b *Buffer) Resize(capacity int) {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if capacity == b.capacity {
		return
	}

	keep := b.count
	if keep > capacity {
		keep = capacity
	}
	drop := b.count - keep
	entries := make([]Entry, capacity)
	for i := 0; i < keep; i++ {
		entries[i] = b.at(drop + i)
	}

	b.entries = entries
	b.capacity = capacity
	b.count = keep
	b.head = keep % capacity
	switch {
	case keep == 0:
		b.cursor = -1
	case b.following:
		b.cursor = keep - 1
	default:
		b.cursor -= drop
		if b.cursor < 0 {
			b.cursor = 0
		}
	}
}

// Clear drops every entry. Entry indexes keep increasing afterwards.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make([]Entry, b.capacity)
	b.head = 0
	b.count = 0
	b.cursor = -1
	b.following = true
}

// at returns the entry at relative position pos. Caller holds the lock.
func (b *Buffer) at(pos int) Entry {
	idx := (b.head - b.count + pos + b.capacity) % b.capacity
	return b.entries[idx]
}
