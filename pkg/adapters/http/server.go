package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/aretw0/binlens/api"
	"github.com/aretw0/binlens/internal/logging"
	"github.com/aretw0/binlens/pkg/config"
	"github.com/aretw0/binlens/pkg/domain"
	"github.com/aretw0/binlens/pkg/ports"
	"github.com/aretw0/binlens/pkg/session"
	"github.com/aretw0/binlens/pkg/views"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
)

// maxConfigBody bounds config documents sent by clients.
const maxConfigBody = 1 << 20

// Server exposes a session controller over HTTP.
type Server struct {
	Controller *session.Controller
	Configs    ports.ConfigStore
	Archive    ports.Archive
	Streams    *StreamManager

	metrics    http.Handler
	version    string
	configOpts []config.Option
	spec       *openapi3.T
	logger     *slog.Logger

	mu      sync.Mutex
	watched map[string][]func()
}

// Option configures the server.
type Option func(*Server)

// WithConfigStore enables the /configs endpoints.
func WithConfigStore(store ports.ConfigStore) Option {
	return func(s *Server) {
		s.Configs = store
	}
}

// WithArchive enables the /archive endpoints.
func WithArchive(archive ports.Archive) Option {
	return func(s *Server) {
		s.Archive = archive
	}
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithConfigOptions sets the schema and defaults used to commit request bodies
// and stored configs.
func WithConfigOptions(opts ...config.Option) Option {
	return func(s *Server) {
		s.configOpts = append(s.configOpts, opts...)
	}
}

// WithVersion sets the version reported by /info.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewHandler creates the HTTP handler for a controller.
func NewHandler(ctrl *session.Controller, opts ...Option) http.Handler {
	s := &Server{
		Controller: ctrl,
		Streams:    NewStreamManager(),
		version:    "dev",
		logger:     logging.NewNop(),
		watched:    make(map[string][]func()),
	}
	for _, opt := range opts {
		opt(s)
	}
	spec, err := api.Load()
	if err != nil {
		s.logger.Error("request bodies will not be checked against the openapi document", "err", err)
	}
	s.spec = spec
	return enableCORS(s.Routes())
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", s.GetOpenAPI)
	r.Get("/swagger", s.GetSwagger)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/configs", func(r chi.Router) {
		r.With(s.validateBody(http.MethodPost, "/configs/validate")).Post("/validate", s.ValidateConfig)
		if s.Configs == nil {
			return
		}
		r.Get("/", s.ListConfigs)
		r.Get("/{name}", s.GetConfig)
		r.With(s.validateBody(http.MethodPut, "/configs/{name}")).Put("/{name}", s.PutConfig)
		r.Delete("/{name}", s.DeleteConfig)
	})

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.ListSessions)
		r.With(s.validateBody(http.MethodPost, "/sessions")).Post("/", s.CreateSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetSession)
			r.Delete("/", s.CloseSession)
			r.Post("/start", s.control(s.Controller.Start))
			r.Post("/pause", s.control(s.Controller.Pause))
			r.Post("/resume", s.control(s.Controller.Resume))
			r.Post("/cancel", s.control(s.Controller.Cancel))
			r.Get("/views/{view}", s.GetView)
			r.Get("/events", s.SubscribeEvents)
		})
	})

	if s.Archive != nil {
		r.Get("/archive", s.ListArchive)
		r.Get("/archive/{id}", s.GetArchived)
	}
	return r
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string         `json:"error"`
	Fields []FieldProblem `json:"fields,omitempty"`
	Active string         `json:"active_session,omitempty"`
}

// FieldProblem is one config field violation.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ce *domain.ConflictError
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrConfigNotFound):
		return http.StatusNotFound
	case errors.As(err, &ce), errors.Is(err, domain.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotCommitted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrEngineLaunch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	for _, f := range domain.FieldErrors(err) {
		resp.Fields = append(resp.Fields, FieldProblem{Field: f.Field, Reason: f.Reason, Value: f.Value})
	}
	var ce *domain.ConflictError
	if errors.As(err, &ce) {
		resp.Active = ce.ActiveID
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "err", err)
	} else {
		s.logger.Warn("request rejected", "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

// GetHealth handles GET /health.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetInfo handles GET /info.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"app":     "binlens-http",
		"version": strings.TrimSpace(s.version),
	})
}

// decodeConfig commits the request body. The body uses the same field names
// as config files.
func decodeConfig(r *http.Request, opts ...config.Option) (domain.AnalysisConfig, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBody))
	if err != nil {
		return domain.AnalysisConfig{}, err
	}
	return config.Parse(body, ".json", opts...)
}

// ValidateConfig handles POST /configs/validate.
func (s *Server) ValidateConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r, s.configOpts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// ListConfigs handles GET /configs.
func (s *Server) ListConfigs(w http.ResponseWriter, r *http.Request) {
	names, err := s.Configs.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// GetConfig handles GET /configs/{name}.
func (s *Server) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Configs.Load(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config.ToMap(cfg))
}

// PutConfig handles PUT /configs/{name}. Only committable configs are stored.
func (s *Server) PutConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := decodeConfig(r, s.configOpts...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.Configs.Save(r.Context(), chi.URLParam(r, "name"), cfg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteConfig handles DELETE /configs/{name}.
func (s *Server) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.Configs.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /sessions.
func (s *Server) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Controller.List())
}

// CreateSession handles POST /sessions. The body is a config document;
// ?config=name uses a stored config instead.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var (
		cfg domain.AnalysisConfig
		err error
	)
	if name := r.URL.Query().Get("config"); name != "" && s.Configs != nil {
		cfg, err = s.Configs.Load(r.Context(), name)
		if err == nil {
			cfg, err = config.Validate(cfg, s.configOpts...)
		}
	} else {
		cfg, err = decodeConfig(r, s.configOpts...)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	sess, err := s.Controller.Create(cfg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location", "/sessions/"+sess.ID())
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// GetSession handles GET /sessions/{id}.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Controller.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// CloseSession handles DELETE /sessions/{id}.
func (s *Server) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Controller.Close(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.unwatch(id)
	w.WriteHeader(http.StatusNoContent)
}

// control adapts a controller request to a handler. Accepted requests reply
// 202 with the snapshot: pause, resume and cancel complete asynchronously.
func (s *Server) control(fn func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := fn(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		sess, err := s.Controller.Get(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, sess.Snapshot())
	}
}

// LogsView is the body of GET /sessions/{id}/views/logs.
type LogsView struct {
	Entries  []domain.LogEntry `json:"entries"`
	Total    int               `json:"total"`
	Evicted  int               `json:"evicted"`
	Capacity int               `json:"capacity"`
}

// GetView handles GET /sessions/{id}/views/{view}.
// The logs view accepts ?tail=N to return only the newest N entries.
func (s *Server) GetView(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Controller.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	vs := sess.Views()

	switch chi.URLParam(r, "view") {
	case views.NameSession:
		writeJSON(w, http.StatusOK, sess.Snapshot())
	case views.NameLogs:
		snap := vs.Logs.Current()
		entries := snap.Entries
		if tail, err := strconv.Atoi(r.URL.Query().Get("tail")); err == nil && tail >= 0 && tail < len(entries) {
			entries = entries[len(entries)-tail:]
		}
		writeJSON(w, http.StatusOK, LogsView{
			Entries:  entries,
			Total:    snap.Total,
			Evicted:  snap.Evicted(),
			Capacity: vs.Logs.Cap(),
		})
	case views.NameTally:
		writeJSON(w, http.StatusOK, vs.TallyReport())
	case views.NameTrace:
		writeJSON(w, http.StatusOK, vs.Trace.Current())
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown view %q", chi.URLParam(r, "view"))})
	}
}

// ListArchive handles GET /archive.
func (s *Server) ListArchive(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Archive.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

// GetArchived handles GET /archive/{id}.
func (s *Server) GetArchived(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Archive.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
