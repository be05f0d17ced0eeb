// Package web serves the hook endpoints, the read/operate API, event
// streams and metrics over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/asheshgoplani/agent-monitor/internal/config"
	"github.com/asheshgoplani/agent-monitor/internal/events"
	"github.com/asheshgoplani/agent-monitor/internal/hooks"
	"github.com/asheshgoplani/agent-monitor/internal/logging"
	"github.com/asheshgoplani/agent-monitor/internal/notify"
	"github.com/asheshgoplani/agent-monitor/internal/priority"
	"github.com/asheshgoplani/agent-monitor/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Operator performs actions on a live agent.
type Operator interface {
	SendText(ctx context.Context, agentID, text string, enter bool) error
	Focus(ctx context.Context, agentID string) error
	RemoveAgent(agentID string) error
}

// HookReceiver processes lifecycle hooks.
type HookReceiver interface {
	Process(ctx context.Context, ev hooks.Event) hooks.Response
	Stats() hooks.Stats
}

// Ranker serves the cross-project priority list.
type Ranker interface {
	Scores(ctx context.Context) ([]priority.Score, error)
	Stale() bool
	ComputedAt() time.Time
}

// Config wires the server. Store and Bus are required; a nil Hooks,
// Priority or Push disables that surface.
type Config struct {
	ListenAddr  string
	Token       string
	CORSOrigins []string
	Version     string

	Store    *store.Store
	Operator Operator
	Hooks    HookReceiver
	Priority Ranker
	Push     *notify.PushSender
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
}

// Server wraps the HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = config.DefaultListen
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	s := &Server{cfg: cfg}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(withRecover)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/hook", func(r chi.Router) {
		r.Get("/status", s.handleHookStatus)
		r.Post("/{event}", s.handleHook)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/events", s.handleEvents)
		r.Get("/ws/events", s.handleEventsWS)

		r.Route("/api", func(r chi.Router) {
			r.Get("/agents", s.handleListAgents)
			r.Route("/agents/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAgent)
				r.Delete("/", s.handleDeleteAgent)
				r.Get("/tasks", s.handleAgentTasks)
				r.Post("/send", s.handleSend)
				r.Post("/focus", s.handleFocus)
			})
			r.Route("/tasks/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Get("/turns", s.handleTaskTurns)
				r.Get("/transitions", s.handleTaskTransitions)
			})
			r.Get("/priorities", s.handlePriorities)

			r.Route("/push", func(r chi.Router) {
				r.Get("/config", s.handlePushConfig)
				r.Post("/subscribe", s.handlePushSubscribe)
				r.Post("/unsubscribe", s.handlePushUnsubscribe)
				r.Post("/presence", s.handlePushPresence)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	if len(s.cfg.CORSOrigins) == 0 {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(r)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. Returns nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("http_listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, closing long-lived streams first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.cfg.Version,
		"agents":  len(s.cfg.Store.ListAgents()),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
