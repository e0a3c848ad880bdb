package tui

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/muesli/termenv"
)

var stateColors = map[domain.SessionState]string{
	domain.StateIdle:      "#94a3b8",
	domain.StateRunning:   "#38bdf8",
	domain.StatePaused:    "#facc15",
	domain.StateCompleted: "#4ade80",
	domain.StateFailed:    "#f87171",
	domain.StateCancelled: "#fb923c",
}

var levelColors = map[domain.LogLevel]string{
	domain.LevelDebug: "#64748b",
	domain.LevelWarn:  "#facc15",
	domain.LevelError: "#f87171",
}

// Console prints live session updates as lines of text.
//
// Listeners run while events are applied, so they only queue lines; a single
// goroutine writes them. Lines are dropped when the writer falls behind.
type Console struct {
	w   io.Writer
	out *termenv.Output

	lines   chan string
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewConsole creates a console writing to w. Colors follow the terminal
// profile of w; pass termenv.Ascii to disable them.
func NewConsole(w io.Writer, opts ...termenv.OutputOption) *Console {
	c := &Console{
		w:     w,
		out:   termenv.NewOutput(w, opts...),
		lines: make(chan string, 1024),
		done:  make(chan struct{}),
	}
	go c.loop()
	return c
}

func (c *Console) loop() {
	defer close(c.done)
	for line := range c.lines {
		fmt.Fprintln(c.w, line)
	}
}

func (c *Console) emit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.lines <- line:
	default:
		c.dropped++
	}
}

// Dropped returns how many lines were discarded.
func (c *Console) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Close flushes queued lines and stops the writer.
func (c *Console) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.lines)
	}
	c.mu.Unlock()
	<-c.done
}

// Println queues a plain line.
func (c *Console) Println(format string, args ...any) {
	c.emit(fmt.Sprintf(format, args...))
}

// StatePill renders state as a colored label.
func (c *Console) StatePill(state domain.SessionState) string {
	return c.out.String(" " + strings.ToUpper(string(state)) + " ").
		Background(c.out.Color(stateColors[state])).
		Foreground(c.out.Color("#0f172a")).
		Bold().
		String()
}

// FormatLog renders one log entry.
func (c *Console) FormatLog(e domain.LogEntry) string {
	level := fmt.Sprintf("%-5s", strings.ToUpper(string(e.Level)))
	if color, ok := levelColors[e.Level]; ok {
		level = c.out.String(level).Foreground(c.out.Color(color)).String()
	}
	return fmt.Sprintf("%6d %s %s", e.Sequence, level, e.Text)
}

// Attach prints the updates of sess until the returned function is called.
func (c *Console) Attach(sess *session.Session) func() {
	vs := sess.Views()

	var (
		mu        sync.Mutex
		lastState = sess.State()
		lastTotal = vs.Logs.Current().Total
		lastTally = vs.Tally.Current()
	)

	cancels := []func(){
		sess.Subscribe(func(snap domain.Session) {
			mu.Lock()
			changed := snap.State != lastState
			lastState = snap.State
			mu.Unlock()
			if !changed {
				return
			}
			line := ">>> " + c.StatePill(snap.State)
			if snap.ExitReason != "" {
				line += " " + snap.ExitReason
			}
			c.emit(line)
		}),
		vs.Logs.OnAppend(func(added views.LogAppend) {
			mu.Lock()
			fresh := added.Total > lastTotal
			if fresh {
				lastTotal = added.Total
			}
			mu.Unlock()
			if fresh {
				c.emit(c.FormatLog(added.Entry))
			}
		}),
		vs.Tally.OnChange(func(snap views.TallySnapshot) {
			mu.Lock()
			prev := lastTally
			lastTally = snap
			mu.Unlock()
			for _, cat := range snap.Categories() {
				if snap[cat] > prev[cat] {
					c.emit(c.out.String(fmt.Sprintf("  ! finding %s (%d)", cat, snap[cat])).Bold().String())
				}
			}
		}),
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}
