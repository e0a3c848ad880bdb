package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	httpAdapter "github.com/aretw0/binlens/pkg/adapters/http"
	"github.com/aretw0/binlens/pkg/adapters/mcp"
	"github.com/aretw0/binlens/pkg/adapters/process"
	"github.com/aretw0/binlens/pkg/observability"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// ServerOptions configures the long-running modes (HTTP and MCP).
type ServerOptions struct {
	Addr             string
	EngineConfigPath string
	Launcher         ports.Launcher
	Storage          StorageOptions
	Debug            bool
	Metrics          bool
	LogCapacity      int
	Categories       []string
	LockWait         time.Duration
	Version          string
	Stdout           io.Writer
}

// Stack is a controller wired to its storage and metrics.
type Stack struct {
	Controller *session.Controller
	Backends   *Backends
	Registry   *prometheus.Registry
	Logger     *slog.Logger
}

// Close shuts down every session, then the storage connections.
func (s *Stack) Close(ctx context.Context) error {
	err := s.Controller.Shutdown(ctx)
	s.Backends.Close()
	return err
}

// NewStack builds the controller shared by the server modes.
func NewStack(ctx context.Context, opts ServerOptions) (*Stack, error) {
	logger := createLogger(opts.Debug)

	launcher := opts.Launcher
	if launcher == nil {
		path := opts.EngineConfigPath
		if path == "" {
			path = Env(EnvEngineConfig, "")
		}
		if path == "" {
			return nil, fmt.Errorf("%w: pass --engine-config or set %s", process.ErrNoCommand, EnvEngineConfig)
		}
		engineCfg, err := process.LoadEngineConfig(path)
		if err != nil {
			return nil, err
		}
		l, err := process.NewLauncher(engineCfg, process.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		launcher = l
	}

	backends, err := OpenBackends(ctx, opts.Storage, logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	ctrlOpts := []session.Option{
		session.WithLogger(logger),
		session.WithArchive(backends.Archive),
		session.WithSessionOptions(
			session.WithLogCapacity(opts.LogCapacity),
			session.WithCatalogue(opts.Categories),
		),
	}
	ctrlOpts = append(ctrlOpts, metrics.ControllerOptions()...)
	if backends.Locker != nil {
		wait := opts.LockWait
		if wait <= 0 {
			wait = 500 * time.Millisecond
		}
		ctrlOpts = append(ctrlOpts, session.WithLocker(backends.Locker, wait, time.Hour))
	}

	return &Stack{
		Controller: session.NewController(launcher, ctrlOpts...),
		Backends:   backends,
		Registry:   reg,
		Logger:     logger,
	}, nil
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, opts ServerOptions) error {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	stack, err := NewStack(ctx, opts)
	if err != nil {
		return err
	}

	handlerOpts := []httpAdapter.Option{
		httpAdapter.WithConfigStore(stack.Backends.Configs),
		httpAdapter.WithArchive(stack.Backends.Archive),
		httpAdapter.WithVersion(opts.Version),
		httpAdapter.WithLogger(stack.Logger),
	}
	if opts.Metrics {
		handlerOpts = append(handlerOpts, httpAdapter.WithMetrics(observability.Handler(stack.Registry)))
	}

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: httpAdapter.NewHandler(stack.Controller, handlerOpts...),
	}

	// Channel to listen for errors coming from the listener.
	serverErrors := make(chan error, 1)
	go func() {
		printSystemMessage(opts.Stdout, "BinLens server listening on %s", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		_ = stack.Close(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	printSystemMessage(opts.Stdout, "Shutting down...")
	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Event streams end once their sessions are closed, so sessions go first.
	stackErr := stack.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		_ = srv.Close()
		return fmt.Errorf("graceful shutdown did not complete: %w", err)
	}
	printSystemMessage(opts.Stdout, "BinLens server stopped gracefully")
	return stackErr
}

// ServeMCP runs the MCP server on stdio, or on SSE when transport is "sse".
func ServeMCP(ctx context.Context, opts ServerOptions, transport, baseURL string) error {
	stack, err := NewStack(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = stack.Close(shutdownCtx)
	}()

	srv := mcp.NewServer(stack.Controller, opts.Version,
		mcp.WithConfigStore(stack.Backends.Configs),
		mcp.WithLogger(stack.Logger),
	)

	switch transport {
	case "stdio":
		stack.Logger.Info("Starting BinLens MCP Server (Stdio)...")
		return srv.ServeStdio()
	case "sse":
		stack.Logger.Info("Starting BinLens MCP Server (SSE)", "addr", opts.Addr)
		return srv.ServeSSE(ctx, opts.Addr, baseURL)
	default:
		return fmt.Errorf("unknown transport: %s. Supported: stdio, sse", transport)
	}
}
