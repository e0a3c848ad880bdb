package views_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(seq uint64) domain.LogEntry {
	return domain.LogEntry{
		Sequence:  seq,
		Timestamp: time.Unix(int64(seq), 0),
		Text:      fmt.Sprintf("line %d", seq),
		Level:     domain.LevelInfo,
	}
}

func TestLogBuffer_Eviction(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		appended int
	}{
		{"Under Capacity", 5, 3},
		{"Exactly Full", 5, 5},
		{"One Over", 5, 6},
		{"Many Over", 3, 10},
		{"Empty", 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := views.NewLogBuffer(tt.capacity)
			for i := 1; i <= tt.appended; i++ {
				b.Append(entry(uint64(i)))
			}

			snap := b.Current()
			wantLen := min(tt.appended, tt.capacity)
			require.Len(t, snap.Entries, wantLen)
			assert.Equal(t, tt.appended, snap.Total)
			assert.Equal(t, tt.appended-wantLen, snap.Evicted())

			// The retained entries are the most recent ones, in order, with their
			// original sequence numbers.
			for i, e := range snap.Entries {
				assert.Equal(t, uint64(tt.appended-wantLen+i+1), e.Sequence)
			}
		})
	}
}

func TestLogBuffer_DefaultCapacity(t *testing.T) {
	b := views.NewLogBuffer(0)
	assert.Equal(t, views.DefaultLogCapacity, b.Cap())
}

func TestLogBuffer_SnapshotIsImmutable(t *testing.T) {
	b := views.NewLogBuffer(2)
	b.Append(entry(1))
	snap := b.Current()
	snap.Entries[0].Text = "tampered"

	b.Append(entry(2))
	b.Append(entry(3))

	assert.Equal(t, "tampered", snap.Entries[0].Text)
	assert.Equal(t, "line 2", b.Current().Entries[0].Text)
}

func TestLogBuffer_OnChange(t *testing.T) {
	b := views.NewLogBuffer(10)

	var got []int
	unsubscribe := b.OnChange(func(s views.LogSnapshot) {
		got = append(got, s.Total)
	})

	b.Append(entry(1))
	b.Append(entry(2))
	unsubscribe()
	unsubscribe()
	b.Append(entry(3))

	assert.Equal(t, []int{1, 2}, got)
}

func TestLogBuffer_OnAppend(t *testing.T) {
	b := views.NewLogBuffer(2)

	var got []views.LogAppend
	unsubscribe := b.OnAppend(func(a views.LogAppend) {
		got = append(got, a)
	})

	b.Append(entry(1))
	b.Append(entry(2))
	b.Append(entry(3))
	unsubscribe()
	b.Append(entry(4))

	require.Len(t, got, 3)
	assert.Equal(t, "line 3", got[2].Entry.Text)
	assert.Equal(t, uint64(3), got[2].Entry.Sequence)
	assert.Equal(t, 3, got[2].Total)
}

func TestLogBuffer_OnAppendDoesNotCopyRing(t *testing.T) {
	b := views.NewLogBuffer(views.DefaultLogCapacity)
	for i := uint64(1); i <= views.DefaultLogCapacity; i++ {
		b.Append(entry(i))
	}

	calls := 0
	b.OnAppend(func(views.LogAppend) { calls++ })

	e := entry(1)
	allocs := testing.AllocsPerRun(100, func() {
		b.Append(e)
	})
	assert.LessOrEqual(t, allocs, float64(2))
	assert.Equal(t, 101, calls)
}

func TestTally(t *testing.T) {
	tally := views.NewTally()

	var last views.TallySnapshot
	tally.OnChange(func(s views.TallySnapshot) { last = s })

	tally.Add("buffer_overflow")
	tally.Add("buffer_overflow")
	tally.Add("format_string")

	snap := tally.Current()
	assert.Equal(t, 2, snap["buffer_overflow"])
	assert.Equal(t, 1, snap["format_string"])
	assert.Equal(t, 3, snap.Total())
	assert.Equal(t, []string{"buffer_overflow", "format_string"}, snap.Categories())
	assert.Equal(t, snap, last)

	catalogue := []string{"format_string", "use_after_free", "buffer_overflow", "integer_overflow"}
	assert.Equal(t, []string{"use_after_free", "integer_overflow"}, snap.Undetected(catalogue))

	snap["buffer_overflow"] = 99
	assert.Equal(t, 2, tally.Current()["buffer_overflow"], "snapshot must not alias internal state")
}

func TestSet_TallyReport(t *testing.T) {
	catalogue := []string{"use_after_free", "buffer_overflow", "format_string"}
	set := views.NewSet(10, catalogue...)
	catalogue[0] = "mutated"

	empty := set.TallyReport()
	assert.Equal(t, views.TallySnapshot{}, empty.Counts)
	assert.Empty(t, empty.Detected)
	assert.NotNil(t, empty.Detected)
	assert.Equal(t, []string{"use_after_free", "buffer_overflow", "format_string"}, empty.Undetected)

	set.Tally.Add("buffer_overflow")
	set.Tally.Add("null_deref")

	r := set.TallyReport()
	assert.Equal(t, 2, r.Total)
	assert.Equal(t, []string{"buffer_overflow", "null_deref"}, r.Detected)
	assert.Equal(t, []string{"use_after_free", "format_string"}, r.Undetected)

	data, err := json.Marshal(views.NewSet(10).TallyReport())
	require.NoError(t, err)
	assert.JSONEq(t, `{"counts":{},"total":0,"detected":[],"undetected":[]}`, string(data))
}

func TestTally_Monotonic(t *testing.T) {
	tally := views.NewTally()
	prev := 0
	for i := 0; i < 50; i++ {
		tally.Add(fmt.Sprintf("cat-%d", i%4))
		total := tally.Current().Total()
		assert.Greater(t, total, prev)
		prev = total
	}
}

func TestTrace(t *testing.T) {
	trace := views.NewTrace()

	args := []string{"--entry", "main"}
	trace.Append(domain.Invocation{Pattern: "--entry {entrypoint}", ResolvedArgs: args, Sequence: 4})
	args[1] = "mutated"

	got := trace.Current()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"--entry", "main"}, got[0].ResolvedArgs)

	got[0].ResolvedArgs[0] = "x"
	assert.Equal(t, "--entry", trace.Current()[0].ResolvedArgs[0])
	assert.Equal(t, 1, trace.Len())
}

func TestViews_ConcurrentReaders(t *testing.T) {
	set := views.NewSet(100)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			set.Logs.Append(entry(uint64(i)))
			set.Tally.Add("overflow")
			set.Trace.Append(domain.Invocation{Pattern: "p", Sequence: uint64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = set.Logs.Current()
			_ = set.Tally.Current()
			_ = set.Trace.Current()
		}
	}()
	wg.Wait()

	rec := set.Record(domain.Session{ID: "s1", State: domain.StateCompleted})
	assert.Equal(t, 500, rec.LogLines)
	assert.Equal(t, 500, rec.Invocations)
	assert.Equal(t, 500, rec.Tally["overflow"])
}
