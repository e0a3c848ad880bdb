package views

import (
	"slices"
	"sync"

	"github.com/aretw0/binlens/pkg/domain"
)

// Trace is the append-only list of CLI invocations the engine performed.
type Trace struct {
	mu      sync.RWMutex
	records []domain.Invocation

	subs Listeners[[]domain.Invocation]
}

// NewTrace creates an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// Append records an invocation.
func (t *Trace) Append(inv domain.Invocation) {
	inv.ResolvedArgs = slices.Clone(inv.ResolvedArgs)
	t.mu.Lock()
	t.records = append(t.records, inv)
	t.mu.Unlock()

	if !t.subs.Empty() {
		t.subs.Notify(t.Current())
	}
}

// Current returns a deep copy of the recorded invocations.
func (t *Trace) Current() []domain.Invocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]domain.Invocation, len(t.records))
	for i, r := range t.records {
		r.ResolvedArgs = slices.Clone(r.ResolvedArgs)
		out[i] = r
	}
	return out
}

// Len returns the number of recorded invocations.
func (t *Trace) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// OnChange registers fn to receive a snapshot after every append.
func (t *Trace) OnChange(fn func([]domain.Invocation)) func() {
	return t.subs.Add(fn)
}
