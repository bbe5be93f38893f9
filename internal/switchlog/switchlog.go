// Package switchlog keeps the bounded history of target switches.
package switchlog

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
)

// DefaultCapacity is used when no capacity is configured.
const DefaultCapacity = 50

// Entry records one switch. Entries are immutable once appended.
type Entry struct {
	Time       time.Time `json:"time"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Reason     string    `json:"reason"`
	Generation uint64    `json:"generation"`
	Forced     bool      `json:"forced,omitempty"`
}

type view struct {
	version uint64
	entries []Entry
}

// Log is a fixed-capacity ring; appending to a full log evicts the oldest
// entry. Appends are serialized, reads use the last published view.
type Log struct {
	mu   sync.Mutex
	data *deque.Deque[Entry]
	cap  int

	published atomic.Pointer[view]
}

// New creates a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Log{
		data: deque.New[Entry](capacity, capacity),
		cap:  capacity,
	}
	l.published.Store(&view{})
	return l
}

// Append adds e, evicting the oldest entry when full.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.data.Len() >= l.cap {
		l.data.PopFront()
	}
	l.data.PushBack(e)
	l.publish()
}

// Restore replaces the contents with entries (oldest first), keeping only
// the newest cap of them.
func (l *Log) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data.Clear()
	if len(entries) > l.cap {
		entries = entries[len(entries)-l.cap:]
	}
	for _, e := range entries {
		l.data.PushBack(e)
	}
	l.publish()
}

// publish must be called with mu held.
func (l *Log) publish() {
	entries := make([]Entry, l.data.Len())
	for i := range entries {
		entries[i] = l.data.At(i)
	}
	prev := l.published.Load()
	l.published.Store(&view{version: prev.version + 1, entries: entries})
}

// Snapshot returns entries oldest first. The slice is shared and must not
// be modified.
func (l *Log) Snapshot() []Entry {
	return l.published.Load().entries
}

// Newest returns entries newest first, at most limit of them (all when
// limit <= 0).
func (l *Log) Newest(limit int) []Entry {
	entries := l.Snapshot()
	n := len(entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = entries[len(entries)-1-i]
	}
	return out
}

// Last returns the most recent entry.
func (l *Log) Last() (Entry, bool) {
	entries := l.Snapshot()
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[len(entries)-1], true
}

func (l *Log) Len() int {
	return len(l.Snapshot())
}

func (l *Log) Cap() int {
	return l.cap
}

// Version increases on every change.
func (l *Log) Version() uint64 {
	return l.published.Load().version
}
