package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aretw0/binlens/internal/presentation/tui"
	"github.com/aretw0/binlens/pkg/adapters/process"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/observability"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/google/uuid"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// ErrRunFailed is returned when the analysis ends in the Failed state.
var ErrRunFailed = errors.New("analysis failed")

// RunOptions contains all the configuration for the Run command.
type RunOptions struct {
	ConfigPath       string
	EngineConfigPath string
	// EngineCommand, when set, replaces the engine config file: the first
	// element is the binary, the rest its leading arguments.
	EngineCommand []string
	// Launcher, when set, replaces both engine settings.
	Launcher ports.Launcher

	Debug       bool
	JSON        bool
	Quiet       bool
	NoColor     bool
	Archive     bool
	Tail        int
	LogCapacity int
	Version     string
	// Categories is the catalogue the summary checks findings against.
	Categories []string

	// StopTimeout bounds how long a cancelled run may take to acknowledge.
	StopTimeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
}

func (o *RunOptions) defaults() {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 30 * time.Second
	}
	if o.Tail == 0 {
		o.Tail = 20
	}
}

// interactive reports whether keyboard controls can be offered.
func (o *RunOptions) interactive() bool {
	f, ok := o.Stdin.(*os.File)
	return ok && !o.JSON && !o.Quiet && term.IsTerminal(int(f.Fd()))
}

// Run executes one analysis session in the foreground.
func Run(ctx context.Context, opts RunOptions) error {
	opts.defaults()
	logger := createLogger(opts.Debug)

	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		if !opts.JSON {
			fmt.Fprintf(opts.Stdout, "Config %s is invalid:\n", opts.ConfigPath)
			printFieldErrors(opts.Stdout, err)
		}
		return err
	}

	launcher := opts.Launcher
	if launcher == nil {
		engineCfg, err := engineConfig(opts)
		if err != nil {
			return err
		}
		l, err := process.NewLauncher(engineCfg, process.WithLogger(logger))
		if err != nil {
			return err
		}
		launcher = l
	}

	id := uuid.NewString()
	ctrlOpts := []session.Option{
		session.WithLogger(logger),
		session.WithIDGenerator(func() string { return id }),
		session.WithSessionOptions(
			session.WithLogCapacity(opts.LogCapacity),
			session.WithCatalogue(opts.Categories),
			session.WithTransitionHook(observability.AuditTransitions(logger, id)),
		),
	}
	if opts.Archive {
		backends, err := OpenBackends(ctx, StorageFromEnv(), logger)
		if err != nil {
			return err
		}
		defer backends.Close()
		ctrlOpts = append(ctrlOpts, session.WithArchive(backends.Archive))
	}
	ctrl := session.NewController(launcher, ctrlOpts...)

	sess, err := ctrl.Create(cfg)
	if err != nil {
		return err
	}

	var termOpts []termenv.OutputOption
	if opts.NoColor {
		termOpts = append(termOpts, termenv.WithProfile(termenv.Ascii))
	}
	console := tui.NewConsole(opts.Stdout, termOpts...)
	show := !opts.JSON && !opts.Quiet
	if show {
		tui.PrintBanner(opts.Stdout, opts.Version)
		printSystemMessage(opts.Stdout, "Session '%s' created.", id)
		detach := console.Attach(sess)
		defer detach()
	}

	if err := ctrl.Start(ctx, id); err != nil {
		console.Close()
		return err
	}

	if opts.interactive() {
		console.Println("Controls: [p]ause, [r]esume, [c]ancel, then Enter.")
		go readControls(ctx, opts.Stdin, ctrl, id, console)
	}

	select {
	case <-sess.Done():
	case <-ctx.Done():
		logger.Info("Stop requested", "session_id", id)
		if err := ctrl.Cancel(context.Background(), id); err != nil && !errors.Is(err, domain.ErrIllegalTransition) {
			logger.Warn("Cancel failed", "err", err)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), opts.StopTimeout)
	defer cancel()
	if _, err := sess.Wait(stopCtx); err != nil {
		console.Close()
		return fmt.Errorf("engine did not stop: %w", err)
	}

	summary := tui.SummaryOf(sess)
	rec := sess.Views().Record(summary.Session)
	if err := ctrl.Close(stopCtx, id); err != nil {
		logger.Warn("Close failed", "session_id", id, "err", err)
	}
	console.Close()

	switch {
	case opts.JSON:
		if err := json.NewEncoder(opts.Stdout).Encode(rec); err != nil {
			return err
		}
	case !opts.Quiet:
		render := tui.NewRenderer(0)
		if opts.NoColor {
			render = func(md string) (string, error) { return md, nil }
		}
		out, err := render(summary.Markdown(opts.Tail))
		if err != nil {
			return err
		}
		fmt.Fprint(opts.Stdout, out)
	}

	if summary.Session.State == domain.StateFailed {
		return fmt.Errorf("%w: %s", ErrRunFailed, summary.Session.ExitReason)
	}
	return nil
}

func engineConfig(opts RunOptions) (process.EngineConfig, error) {
	if len(opts.EngineCommand) > 0 {
		cfg := process.EngineConfig{Command: opts.EngineCommand[0], Args: opts.EngineCommand[1:]}
		return cfg, cfg.Validate()
	}
	path := opts.EngineConfigPath
	if path == "" {
		path = Env(EnvEngineConfig, "")
	}
	if path == "" {
		return process.EngineConfig{}, fmt.Errorf("%w: pass --engine or set %s", process.ErrNoCommand, EnvEngineConfig)
	}
	return process.LoadEngineConfig(path)
}

// readControls maps keyboard lines to session requests.
func readControls(ctx context.Context, in io.Reader, ctrl *session.Controller, id string, console *tui.Console) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(sc.Text())) {
		case "p", "pause":
			err = ctrl.Pause(ctx, id)
		case "r", "resume":
			err = ctrl.Resume(ctx, id)
		case "c", "cancel", "q", "quit":
			err = ctrl.Cancel(ctx, id)
		case "":
			continue
		default:
			console.Println("Unknown control %q", sc.Text())
			continue
		}
		if err != nil {
			console.Println("!!! %v", err)
		}
	}
}
