package views

import (
	"maps"
	"slices"
	"sync"
)

// TallySnapshot maps vulnerability category to finding count.
type TallySnapshot map[string]int

// Total sums every category.
func (s TallySnapshot) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Categories returns the detected categories sorted by name.
func (s TallySnapshot) Categories() []string {
	return slices.Sorted(maps.Keys(s))
}

// Undetected returns the catalogue entries with no finding, in catalogue order.
func (s TallySnapshot) Undetected(catalogue []string) []string {
	var out []string
	for _, c := range catalogue {
		if s[c] == 0 {
			out = append(out, c)
		}
	}
	return out
}

// TallyReport is the tally view as served to clients: the counts plus the
// catalogue split into detected and undetected categories.
type TallyReport struct {
	Counts     TallySnapshot `json:"counts"`
	Total      int           `json:"total"`
	Detected   []string      `json:"detected"`
	Undetected []string      `json:"undetected"`
}

// Report builds the report of s against catalogue. Detected lists every
// category with a finding, including ones the catalogue does not name.
func (s TallySnapshot) Report(catalogue []string) TallyReport {
	r := TallyReport{
		Counts:     s,
		Total:      s.Total(),
		Detected:   s.Categories(),
		Undetected: s.Undetected(catalogue),
	}
	if r.Counts == nil {
		r.Counts = TallySnapshot{}
	}
	if r.Detected == nil {
		r.Detected = []string{}
	}
	if r.Undetected == nil {
		r.Undetected = []string{}
	}
	return r
}

// Tally counts findings per category. Counts only ever grow.
type Tally struct {
	mu     sync.RWMutex
	counts map[string]int

	subs Listeners[TallySnapshot]
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

// Add records one finding of category.
func (t *Tally) Add(category string) {
	t.mu.Lock()
	t.counts[category]++
	t.mu.Unlock()

	if !t.subs.Empty() {
		t.subs.Notify(t.Current())
	}
}

// Current returns a copy of the counts.
func (t *Tally) Current() TallySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(TallySnapshot(t.counts))
}

// OnChange registers fn to receive a snapshot after every increment.
func (t *Tally) OnChange(fn func(TallySnapshot)) func() {
	return t.subs.Add(fn)
}
