package ingest

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/aretw0/binlens/internal/logging"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/views"
)

// Stats counts what the pipeline has done so far.
type Stats struct {
	Applied    int `json:"applied"`
	Duplicates int `json:"duplicates"`
	Gaps       int `json:"gaps"`
	Malformed  int `json:"malformed"`
	Discarded  int `json:"discarded"`
	Buffered   int `json:"buffered"`
}

// pending is a buffered event.
type pending struct {
	ev domain.Event
}

// Pipeline turns the raw engine event stream into ordered view updates.
//
// Ingest is safe for concurrent use and never blocks. Application is
// serialized: the views are written by exactly one goroutine at a time.
type Pipeline struct {
	views *views.Set

	logger       *slog.Logger
	hooks        Hooks
	onStatus     func(domain.StatusChange)
	onTerminated func(domain.Termination)
	maxBuffer    int
	grace        time.Duration
	now          func() time.Time

	// mailbox
	inMu   sync.Mutex
	inbox  []domain.Event
	signal chan struct{}

	// apply state, guarded by applyMu
	applyMu    sync.Mutex
	next       uint64
	buffer     map[uint64]pending
	gapSince   time.Time
	terminated bool
	stats      Stats

	done chan struct{}
}

// New creates a pipeline that folds events into vs.
func New(vs *views.Set, opts ...Option) *Pipeline {
	p := &Pipeline{
		views:     vs,
		logger:    logging.NewNop(),
		maxBuffer: DefaultMaxBuffer,
		grace:     DefaultGracePeriod,
		now:       time.Now,
		signal:    make(chan struct{}, 1),
		next:      1,
		buffer:    make(map[uint64]pending),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Views returns the views this pipeline writes to.
func (p *Pipeline) Views() *views.Set {
	return p.views
}

// Ingest enqueues an event. It never blocks the producer.
func (p *Pipeline) Ingest(ev domain.Event) {
	p.inMu.Lock()
	p.inbox = append(p.inbox, ev)
	p.inMu.Unlock()

	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Run applies queued events until ctx is cancelled.
// Events arriving after the terminal event keep being drained and discarded.
func (p *Pipeline) Run(ctx context.Context) error {
	timer := time.NewTimer(p.grace)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Flush()
			return ctx.Err()
		case <-p.signal:
		case <-timer.C:
		}

		wait := p.Flush()
		if wait > 0 {
			timer.Reset(wait)
		}
	}
}

// Flush applies everything deliverable right now, including buffered events
// whose grace period has expired. It returns how long until the next
// grace deadline, or 0 if nothing is waiting on a gap.
func (p *Pipeline) Flush() time.Duration {
	p.inMu.Lock()
	batch := p.inbox
	p.inbox = nil
	p.inMu.Unlock()

	p.applyMu.Lock()
	defer p.applyMu.Unlock()

	for _, ev := range batch {
		p.accept(ev)
	}

	if len(p.buffer) == 0 {
		return 0
	}
	elapsed := p.now().Sub(p.gapSince)
	if elapsed >= p.grace {
		p.skipGaps()
		return 0
	}
	return p.grace - elapsed
}

// GracePeriod returns how long a missing sequence is awaited.
func (p *Pipeline) GracePeriod() time.Duration {
	return p.grace
}

// Done is closed once the terminal event has been applied.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Stats {
	p.applyMu.Lock()
	defer p.applyMu.Unlock()
	s := p.stats
	s.Buffered = len(p.buffer)
	return s
}

// accept runs under applyMu.
func (p *Pipeline) accept(ev domain.Event) {
	if p.terminated {
		p.discard(ev)
		return
	}

	// A malformed event leaves its slot open: a valid redelivery may still
	// fill it, otherwise the grace period skips it like any other gap.
	if err := ev.Validate(); err != nil {
		p.stats.Malformed++
		p.logger.Warn("malformed engine event skipped", "sequence", ev.Sequence, "kind", ev.Kind, "err", err)
		if p.hooks.OnMalformed != nil {
			p.hooks.OnMalformed(ev, err)
		}
		return
	}

	if ev.Sequence < p.next {
		p.duplicate(ev)
		return
	}
	if _, ok := p.buffer[ev.Sequence]; ok {
		p.duplicate(ev)
		return
	}

	if len(p.buffer) == 0 {
		p.gapSince = p.now()
	}
	p.buffer[ev.Sequence] = pending{ev: ev}
	before := p.next
	p.drain()

	if p.next != before && len(p.buffer) > 0 {
		// A new gap begins where the previous one ended.
		p.gapSince = p.now()
	}
	if len(p.buffer) > p.maxBuffer {
		p.logger.Warn("reorder buffer overflow", "buffered", len(p.buffer), "limit", p.maxBuffer)
		p.skipGaps()
	}
}

func (p *Pipeline) duplicate(ev domain.Event) {
	p.stats.Duplicates++
	p.logger.Debug("duplicate engine event ignored", "sequence", ev.Sequence, "kind", ev.Kind)
	if p.hooks.OnDuplicate != nil {
		p.hooks.OnDuplicate(ev)
	}
}

func (p *Pipeline) discard(ev domain.Event) {
	p.stats.Discarded++
	p.logger.Warn("engine event after termination discarded", "sequence", ev.Sequence, "kind", ev.Kind)
	if p.hooks.OnDiscarded != nil {
		p.hooks.OnDiscarded(ev)
	}
}

// drain applies the contiguous prefix starting at next.
func (p *Pipeline) drain() {
	for !p.terminated {
		item, ok := p.buffer[p.next]
		if !ok {
			return
		}
		delete(p.buffer, p.next)
		p.next++
		p.apply(item.ev)
	}
	p.discardBuffered()
}

// skipGaps gives up on the missing sequences and applies what is buffered in order.
func (p *Pipeline) skipGaps() {
	for len(p.buffer) > 0 && !p.terminated {
		seqs := slices.Sorted(maps.Keys(p.buffer))
		first := seqs[0]
		if first > p.next {
			gap := domain.SequenceGap{From: p.next, To: first - 1}
			p.stats.Gaps++
			p.logger.Warn(gap.String(), "from", gap.From, "to", gap.To)
			if p.hooks.OnGap != nil {
				p.hooks.OnGap(gap)
			}
			p.next = first
		}
		p.drain()
	}
	p.discardBuffered()
}

func (p *Pipeline) discardBuffered() {
	if !p.terminated || len(p.buffer) == 0 {
		return
	}
	for _, seq := range slices.Sorted(maps.Keys(p.buffer)) {
		item := p.buffer[seq]
		delete(p.buffer, seq)
		p.discard(item.ev)
	}
}

func (p *Pipeline) apply(ev domain.Event) {
	switch ev.Kind {
	case domain.EventLogLine:
		entry := *ev.Log
		entry.Sequence = ev.Sequence
		if entry.Timestamp.IsZero() {
			entry.Timestamp = ev.Timestamp
		}
		p.views.Logs.Append(entry)
	case domain.EventFindingReported:
		p.views.Tally.Add(ev.Finding.Category)
	case domain.EventInvocationRecorded:
		inv := *ev.Invocation
		inv.Sequence = ev.Sequence
		p.views.Trace.Append(inv)
	case domain.EventStatusChanged:
		if p.onStatus != nil {
			p.onStatus(*ev.Status)
		}
	case domain.EventRunTerminated:
		p.terminated = true
		if p.onTerminated != nil {
			p.onTerminated(*ev.Termination)
		}
		close(p.done)
	}

	p.stats.Applied++
	if p.hooks.OnApplied != nil {
		p.hooks.OnApplied(ev)
	}
}
