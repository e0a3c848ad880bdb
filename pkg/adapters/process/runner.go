package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/binlens/internal/logging"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
)

// ErrProcessExited is returned by control calls once the engine process is gone.
var ErrProcessExited = errors.New("engine process already exited")

// Control commands written to the engine's stdin, one JSON object per line.
const (
	CommandPause     = "pause"
	CommandResume    = "resume"
	CommandTerminate = "terminate"
)

// Command is one line of the control protocol.
type Command struct {
	Command string `json:"command"`
}

// maxLine bounds a single NDJSON event line.
const maxLine = 1 << 20

// stderrTail is how much engine stderr is kept for failure reasons.
const stderrTail = 4096

// Launcher implements ports.Launcher by running the engine as a child process.
// The engine writes events to stdout as NDJSON and reads Commands from stdin.
type Launcher struct {
	cfg    EngineConfig
	schema config.Schema
	logger *slog.Logger
}

// LauncherOption configures the launcher.
type LauncherOption func(*Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger *slog.Logger) LauncherOption {
	return func(l *Launcher) {
		l.logger = logger
	}
}

// WithSchema sets the placeholder grammar used to expand CLI argument patterns.
func WithSchema(s config.Schema) LauncherOption {
	return func(l *Launcher) {
		l.schema = s
	}
}

// WithBaseDir sets the working directory for the engine process.
func WithBaseDir(dir string) LauncherOption {
	return func(l *Launcher) {
		l.cfg.Dir = dir
	}
}

// NewLauncher creates a process launcher.
func NewLauncher(cfg EngineConfig, opts ...LauncherOption) (*Launcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Launcher{
		cfg:    cfg,
		schema: config.DefaultSchema(),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

var _ ports.Launcher = (*Launcher)(nil)

// Launch starts the engine process. It returns once the process is running.
func (l *Launcher) Launch(ctx context.Context, cfg domain.AnalysisConfig) (ports.EngineHandle, error) {
	flags, err := BuildArgs(cfg, l.schema)
	if err != nil {
		return nil, err
	}
	argv := append(append([]string{}, l.cfg.Args...), flags...)

	cmd := exec.CommandContext(ctx, l.cfg.Command, argv...)
	cmd.Dir = l.cfg.Dir
	cmd.Env = cmd.Environ()
	for k, v := range l.cfg.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Context cancellation interrupts first; the kill follows after the grace.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = l.cfg.TerminateGrace()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	tail := &tailBuffer{max: stderrTail}
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.cfg.Command, err)
	}
	l.logger.Info("engine started", "command", l.cfg.Command, "pid", cmd.Process.Pid, "args", len(argv))

	h := &handle{
		cmd:    cmd,
		stdin:  stdin,
		stderr: tail,
		grace:  l.cfg.TerminateGrace(),
		logger: l.logger.With("pid", cmd.Process.Pid),
		events: make(chan domain.Event, 256),
		exited: make(chan struct{}),
	}
	go h.read(stdout)
	return h, nil
}

// handle is one running engine process.
type handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer
	grace  time.Duration
	logger *slog.Logger

	mu          sync.Mutex
	terminating bool
	gone        bool

	events chan domain.Event
	exited chan struct{}
}

func (h *handle) Events() <-chan domain.Event { return h.events }

func (h *handle) Pause(ctx context.Context) error  { return h.send(CommandPause) }
func (h *handle) Resume(ctx context.Context) error { return h.send(CommandResume) }

// Terminate asks the engine to stop and kills it if it has not exited within the grace.
func (h *handle) Terminate(ctx context.Context) error {
	if err := h.send(CommandTerminate); err != nil {
		return err
	}
	h.mu.Lock()
	first := !h.terminating
	h.terminating = true
	h.mu.Unlock()

	if first {
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.exited:
			case <-timer.C:
				h.logger.Warn("engine ignored terminate, killing", "grace", h.grace)
				_ = h.cmd.Process.Kill()
			}
		}()
	}
	return nil
}

func (h *handle) send(command string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gone {
		return ErrProcessExited
	}
	b, err := json.Marshal(Command{Command: command})
	if err != nil {
		return err
	}
	if _, err := h.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("%s: %w", command, errors.Join(ErrProcessExited, err))
	}
	return nil
}

// read decodes stdout until EOF, then reaps the process. A run that ends
// without run_terminated gets a synthetic one so the session always closes.
func (h *handle) read(stdout io.Reader) {
	defer close(h.events)

	var (
		last       uint64
		terminated bool
	)
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev domain.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			h.logger.Warn("engine wrote a non-event line", "line", truncate(line, 120), "err", err)
			continue
		}
		last = max(last, ev.Sequence)
		if ev.Kind == domain.EventRunTerminated {
			terminated = true
		}
		h.events <- ev
	}
	if err := sc.Err(); err != nil {
		h.logger.Error("engine stdout read failed", "err", err)
	}

	waitErr := h.cmd.Wait()
	h.mu.Lock()
	h.gone = true
	terminating := h.terminating
	h.mu.Unlock()
	close(h.exited)
	_ = h.stdin.Close()

	if terminated {
		h.logger.Info("engine exited", "err", waitErr)
		return
	}

	var synthetic domain.Event
	switch {
	case terminating:
		synthetic = domain.RunTerminated(last+1, domain.OutcomeCancelled, "")
	default:
		synthetic = domain.RunTerminated(last+1, domain.OutcomeFailed, exitReason(waitErr, h.stderr.String()))
	}
	h.logger.Warn("engine exited without run_terminated", "err", waitErr, "outcome", synthetic.Termination.Outcome)
	h.events <- synthetic
}

func exitReason(err error, stderr string) string {
	reason := "engine exited without reporting an outcome"
	if err != nil {
		reason = fmt.Sprintf("engine exited: %v", err)
	}
	if s := strings.TrimSpace(stderr); s != "" {
		reason += ": " + lastLine(s)
	}
	return reason
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
