package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/binlens/internal/logging"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ResourceScheme prefixes every resource URI served by the adapter.
const ResourceScheme = "binlens://"

// SessionResponse is the structured result of the session tools.
type SessionResponse struct {
	Session domain.Session `json:"session" jsonschema_description:"Snapshot of the session after the request"`
	Allowed []string       `json:"allowed" jsonschema_description:"Requests the session accepts in its current state"`
}

// ValidateResponse is the structured result of validate_config.
type ValidateResponse struct {
	Valid  bool                 `json:"valid"`
	Config map[string]any       `json:"config,omitempty" jsonschema_description:"The committed config, when valid"`
	Fields []*domain.FieldError `json:"fields,omitempty" jsonschema_description:"Every field problem found"`
}

// ConfigArgs carries a config document or the name of a stored config.
type ConfigArgs struct {
	Config string `json:"config"`
	Name   string `json:"name"`
}

// SessionArgs selects a session.
type SessionArgs struct {
	SessionID string `json:"session_id"`
}

// ViewArgs selects a view of a session.
type ViewArgs struct {
	SessionID string `json:"session_id"`
	View      string `json:"view"`
	Tail      int    `json:"tail"`
}

// Server exposes a session controller as an MCP server.
type Server struct {
	ctrl       *session.Controller
	configs    ports.ConfigStore
	configOpts []config.Option
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// Option configures the server.
type Option func(*Server)

// WithConfigStore lets create_session load stored configs by name.
func WithConfigStore(store ports.ConfigStore) Option {
	return func(s *Server) {
		s.configs = store
	}
}

// WithConfigOptions sets the schema and defaults used to commit configs.
func WithConfigOptions(opts ...config.Option) Option {
	return func(s *Server) {
		s.configOpts = append(s.configOpts, opts...)
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer creates a new MCP Server instance.
func NewServer(ctrl *session.Controller, version string, opts ...Option) *Server {
	s := &Server{
		ctrl:      ctrl,
		logger:    logging.NewNop(),
		mcpServer: server.NewMCPServer("binlens-mcp", strings.TrimSpace(version)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves MCP over SSE on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Info("shutting down MCP server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("validate_config",
		mcp.WithDescription("Validate an analysis config document (YAML or JSON) and report every field problem."),
		mcp.WithString("config", mcp.Required(), mcp.Description("The config document")),
		mcp.WithOutputSchema[ValidateResponse](),
	), mcp.NewStructuredToolHandler(s.handleValidate))

	s.mcpServer.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create an idle analysis session from a config document or a stored config name."),
		mcp.WithString("config", mcp.Description("The config document (YAML or JSON)")),
		mcp.WithString("name", mcp.Description("Name of a stored config, used when config is empty")),
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleCreate))

	control := []struct {
		name, desc string
		fn         func(context.Context, string) error
	}{
		{"start_session", "Launch the engine for an idle session.", s.ctrl.Start},
		{"pause_session", "Ask the engine to pause a running session.", s.ctrl.Pause},
		{"resume_session", "Ask the engine to resume a paused session.", s.ctrl.Resume},
		{"cancel_session", "Ask the engine to stop a running or paused session.", s.ctrl.Cancel},
	}
	for _, c := range control {
		s.mcpServer.AddTool(mcp.NewTool(c.name,
			mcp.WithDescription(c.desc),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
			mcp.WithOutputSchema[SessionResponse](),
		), mcp.NewStructuredToolHandler(s.controlHandler(c.fn)))
	}

	s.mcpServer.AddTool(mcp.NewTool("get_session",
		mcp.WithDescription("Get the current state of a session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithOutputSchema[SessionResponse](),
	), mcp.NewStructuredToolHandler(s.handleGetSession))

	s.mcpServer.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List the open sessions in creation order."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jsonBytes, _ := json.Marshal(s.ctrl.List())
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("get_view",
		mcp.WithDescription("Read a view of a session: logs, tally (counts with detected and undetected categories) or trace."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("view", mcp.Required(), mcp.Enum(views.NameLogs, views.NameTally, views.NameTrace)),
		mcp.WithNumber("tail", mcp.Description("For logs: return only the newest N entries")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args ViewArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		v, err := s.view(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		jsonBytes, _ := json.Marshal(v)
		return mcp.NewToolResultText(string(jsonBytes)), nil
	})
}

func (s *Server) handleValidate(ctx context.Context, request mcp.CallToolRequest, args ConfigArgs) (ValidateResponse, error) {
	cfg, err := config.Parse([]byte(args.Config), ".yaml", s.configOpts...)
	if err != nil {
		if !config.IsValidation(err) {
			return ValidateResponse{}, err
		}
		return ValidateResponse{Fields: domain.FieldErrors(err)}, nil
	}
	return ValidateResponse{Valid: true, Config: config.ToMap(cfg)}, nil
}

func (s *Server) handleCreate(ctx context.Context, request mcp.CallToolRequest, args ConfigArgs) (SessionResponse, error) {
	var (
		cfg domain.AnalysisConfig
		err error
	)
	switch {
	case args.Config != "":
		cfg, err = config.Parse([]byte(args.Config), ".yaml", s.configOpts...)
	case args.Name != "" && s.configs != nil:
		cfg, err = s.configs.Load(ctx, args.Name)
		if err == nil {
			cfg, err = config.Validate(cfg, s.configOpts...)
		}
	default:
		return SessionResponse{}, errors.New("either config or name is required")
	}
	if err != nil {
		return SessionResponse{}, err
	}

	sess, err := s.ctrl.Create(cfg)
	if err != nil {
		return SessionResponse{}, err
	}
	s.logger.Info("MCP: session created", "session_id", sess.ID())
	return respond(sess.Snapshot()), nil
}

func (s *Server) controlHandler(fn func(context.Context, string) error) func(context.Context, mcp.CallToolRequest, SessionArgs) (SessionResponse, error) {
	return func(ctx context.Context, request mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
		if err := fn(ctx, args.SessionID); err != nil {
			s.logger.Warn("MCP: request rejected", "session_id", args.SessionID, "err", err)
			return SessionResponse{}, err
		}
		return s.handleGetSession(ctx, request, args)
	}
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest, args SessionArgs) (SessionResponse, error) {
	sess, err := s.ctrl.Get(args.SessionID)
	if err != nil {
		return SessionResponse{}, err
	}
	return respond(sess.Snapshot()), nil
}

func respond(snap domain.Session) SessionResponse {
	resp := SessionResponse{Session: snap, Allowed: []string{}}
	for _, trig := range session.Allowed(snap.State) {
		if trig.Requestable() {
			resp.Allowed = append(resp.Allowed, string(trig))
		}
	}
	return resp
}

// view returns the current value of a view.
func (s *Server) view(args ViewArgs) (any, error) {
	sess, err := s.ctrl.Get(args.SessionID)
	if err != nil {
		return nil, err
	}
	vs := sess.Views()
	switch args.View {
	case views.NameSession:
		return sess.Snapshot(), nil
	case views.NameLogs:
		snap := vs.Logs.Current()
		if args.Tail > 0 && args.Tail < len(snap.Entries) {
			snap.Entries = snap.Entries[len(snap.Entries)-args.Tail:]
		}
		return snap, nil
	case views.NameTally:
		return vs.TallyReport(), nil
	case views.NameTrace:
		return vs.Trace.Current(), nil
	default:
		return nil, fmt.Errorf("unknown view %q", args.View)
	}
}

func (s *Server) registerResources() {
	// EXPOSE: binlens://sessions
	s.mcpServer.AddResource(mcp.NewResource(ResourceScheme+"sessions", "Open Sessions",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jsonBytes, _ := json.Marshal(s.ctrl.List())
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     string(jsonBytes),
			},
		}, nil
	})

	// EXPOSE: binlens://sessions/{id}/{view}
	s.mcpServer.AddResourceTemplate(mcp.NewResourceTemplate(ResourceScheme+"sessions/{id}/{view}", "Session View",
		mcp.WithTemplateDescription("A view of a session: session, logs, tally or trace"),
		mcp.WithTemplateMIMEType("application/json"),
	), s.readView)
}

func (s *Server) readView(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	id, view, ok := parseViewURI(request.Params.URI)
	if !ok {
		return nil, fmt.Errorf("malformed view uri %q", request.Params.URI)
	}
	v, err := s.view(ViewArgs{SessionID: id, View: view})
	if err != nil {
		return nil, err
	}
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(jsonBytes),
		},
	}, nil
}

func parseViewURI(uri string) (id, view string, ok bool) {
	rest, found := strings.CutPrefix(uri, ResourceScheme+"sessions/")
	if !found {
		return "", "", false
	}
	id, view, ok = strings.Cut(rest, "/")
	if !ok || id == "" || view == "" || strings.Contains(view, "/") {
		return "", "", false
	}
	return id, view, true
}
