// ABOUTME: HTTP API for defining, running, and observing pipelines behind a chi router.
// ABOUTME: Streams progress events over SSE and WebSocket and serves run reports and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389-research/stepwise/events"
	"github.com/2389-research/stepwise/executor"
	"github.com/2389-research/stepwise/pipeline"
	"github.com/2389-research/stepwise/report"
	"github.com/2389-research/stepwise/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// maxBodyBytes bounds pipeline definition uploads.
const maxBodyBytes = 1 << 20

// Store is the slice of the record store the API needs.
type Store interface {
	Create(ctx context.Context, p *pipeline.Pipeline) error
	Redefine(ctx context.Context, id string, def pipeline.Definition) (*pipeline.Pipeline, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*pipeline.Pipeline, error)
	GetPipelineWithSteps(ctx context.Context, id string) (*pipeline.Pipeline, error)
}

// Runner schedules pipeline runs.
type Runner interface {
	Start(ctx context.Context, pipelineID string) (executor.RunTicket, error)
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe(pipelineID string) *events.Subscription
}

// Config wires a Server to its collaborators.
type Config struct {
	Addr    string // listen address (default: "127.0.0.1:7780")
	Store   Store
	Runner  Runner
	Events  Subscriber
	Metrics http.Handler // optional; mounted at /metrics when set
	Logger  *slog.Logger
}

// Server is the stepwise HTTP API.
type Server struct {
	store    Store
	runner   Runner
	events   Subscriber
	metrics  http.Handler
	router   chi.Router
	addr     string
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	heartbeat time.Duration
}

// New builds a Server. Store, Runner, and Events are required.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Events == nil {
		return nil, errors.New("server: store, runner, and events are required")
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7780"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:     cfg.Store,
		runner:    cfg.Runner,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		addr:      cfg.Addr,
		logger:    logger.With(slog.String("component", "server")),
		now:       time.Now,
		heartbeat: 15 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.router = s.buildRouter()
	return s, nil
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
// Request contexts derive from ctx so open event streams end on shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)

		r.Route("/{pipelineID}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Put("/", s.handleRedefine)
			r.Delete("/", s.handleDelete)
			r.Post("/run", s.handleRun)
			r.Get("/report", s.handleReport)
		})
	})

	r.Get("/events", s.handleEventStream)
	r.Get("/ws", s.handleWebSocket)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*pipeline.Pipeline{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p := def.NewPipeline(s.now().UTC())
	if err := s.store.Create(r.Context(), p); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("pipeline created", slog.String("pipeline_id", p.ID), slog.Int("steps", len(p.Steps)))
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipelineWithSteps(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleRedefine(w http.ResponseWriter, r *http.Request) {
	def, err := decodeDefinition(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.store.Redefine(r.Context(), chi.URLParam(r, "pipelineID"), def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Delete(r.Context(), chi.URLParam(r, "pipelineID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.runner.Start(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "started",
		"pipeline_id": ticket.PipelineID,
		"run_id":      ticket.RunID,
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPipelineWithSteps(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.HTML(w, p); err != nil {
		s.logger.Error("render report", slog.String("pipeline_id", p.ID), slog.String("error", err.Error()))
	}
}

// handleEventStream streams broker events as server-sent events, with
// heartbeat comments to keep proxies from closing idle connections.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.events.Subscribe(r.URL.Query().Get("pipeline"))
	defer sub.Close()
	ctx := r.Context()

	_, _ = fmt.Fprint(w, ":ok\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case evt, open := <-sub.C:
			if !open {
				return
			}
			_, _ = fmt.Fprint(w, events.ToSSE(evt).Format())
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ":heartbeat\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleWebSocket streams the same events as JSON text frames. Client
// messages are read only to notice disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.events.Subscribe(r.URL.Query().Get("pipeline"))
	defer sub.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.heartbeat)
	defer ping.Stop()
	const writeWait = 10 * time.Second

	for {
		select {
		case evt, open := <-sub.C:
			if !open {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, evt.JSON()); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func decodeDefinition(w http.ResponseWriter, r *http.Request) (pipeline.Definition, error) {
	var def pipeline.Definition
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&def); err != nil {
		return pipeline.Definition{}, fmt.Errorf("%w: %v", pipeline.ErrInvalidDefinition, err)
	}
	if err := def.Validate(); err != nil {
		return pipeline.Definition{}, err
	}
	return def, nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, executor.ErrPipelineNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrRunning), errors.Is(err, executor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrInvalidDefinition):
		return http.StatusBadRequest
	case errors.Is(err, executor.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("error", msg))
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
