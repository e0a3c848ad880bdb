package views

import (
	"sync"

	"github.com/aretw0/binlens/pkg/domain"
)

// DefaultLogCapacity bounds the log buffer when no capacity is given.
const DefaultLogCapacity = 2000

// LogSnapshot is an immutable copy of the log buffer.
type LogSnapshot struct {
	Entries []domain.LogEntry `json:"entries"`
	// Total counts every entry ever appended, evicted ones included.
	Total int `json:"total"`
}

// Evicted is the number of entries dropped to honour the capacity.
func (s LogSnapshot) Evicted() int {
	return s.Total - len(s.Entries)
}

// LogAppend describes one appended entry.
type LogAppend struct {
	Entry domain.LogEntry `json:"entry"`
	// Total counts every entry ever appended, this one included.
	Total int `json:"total"`
}

// LogBuffer is an append-only ring of log entries ordered by sequence.
// When full, the oldest entry is evicted; remaining entries keep their sequence.
type LogBuffer struct {
	mu    sync.RWMutex
	ring  []domain.LogEntry
	start int
	size  int
	total int

	subs    Listeners[LogSnapshot]
	appends Listeners[LogAppend]
}

// NewLogBuffer creates a buffer holding at most capacity entries.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogBuffer{ring: make([]domain.LogEntry, capacity)}
}

// Cap returns the configured capacity.
func (b *LogBuffer) Cap() int {
	return len(b.ring)
}

// Append adds an entry, evicting the oldest one if the buffer is full.
func (b *LogBuffer) Append(e domain.LogEntry) {
	b.mu.Lock()
	if b.size < len(b.ring) {
		b.ring[(b.start+b.size)%len(b.ring)] = e
		b.size++
	} else {
		b.ring[b.start] = e
		b.start = (b.start + 1) % len(b.ring)
	}
	b.total++
	added := LogAppend{Entry: e, Total: b.total}
	b.mu.Unlock()

	if !b.appends.Empty() {
		b.appends.Notify(added)
	}
	if !b.subs.Empty() {
		b.subs.Notify(b.Current())
	}
}

// Current returns a snapshot safe to retain and iterate.
func (b *LogBuffer) Current() LogSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.LogEntry, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.ring[(b.start+i)%len(b.ring)]
	}
	return LogSnapshot{Entries: out, Total: b.total}
}

// Len returns the number of retained entries.
func (b *LogBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// OnChange registers fn to receive a snapshot after every append.
// Each call copies the whole ring; followers interested in new lines only
// should use OnAppend. The returned function unsubscribes.
func (b *LogBuffer) OnChange(fn func(LogSnapshot)) func() {
	return b.subs.Add(fn)
}

// OnAppend registers fn to receive each appended entry without copying the ring.
// The returned function unsubscribes.
func (b *LogBuffer) OnAppend(fn func(LogAppend)) func() {
	return b.appends.Add(fn)
}
