// Package server is the local HTTP surface: JSON queries, controls, and
// live WebSocket and SSE feeds for the dashboard.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ziadkadry99/devtrail/internal/app"
	"github.com/ziadkadry99/devtrail/internal/apperr"
	"github.com/ziadkadry99/devtrail/internal/bus"
	"github.com/ziadkadry99/devtrail/internal/event"
	"github.com/ziadkadry99/devtrail/internal/logging"
	"github.com/ziadkadry99/devtrail/internal/query"
)

// Config holds server configuration.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	RateLimit      int      // concurrent requests before 429; 0 disables
	AllowAll       bool     // allow all CORS origins (dev mode)
	AllowedOrigins []string // extra CORS origins besides localhost
	Heartbeat      time.Duration
	IdleTimeout    time.Duration // close live sessions after this much client silence
}

// DefaultConfig returns the stock server settings.
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:43917",
		RequestTimeout: 15 * time.Second,
		RateLimit:      64,
		Heartbeat:      30 * time.Second,
		IdleTimeout:    90 * time.Second,
	}
}

// Controller is the write side the server needs. *app.App implements it.
type Controller interface {
	SubmitPrompt(ctx context.Context, p app.ManualPrompt) (event.RawEvent, error)
	SetTerminal(ctx context.Context, on bool) error
	Stats() app.Stats
}

var _ Controller = (*app.App)(nil)

// Server is the devtrail HTTP server.
type Server struct {
	cfg        Config
	query      *query.Service
	bus        *bus.Bus
	ctl        Controller
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a server over the query service and bus.
func New(cfg Config, q *query.Service, b *bus.Bus, ctl Controller, logger *slog.Logger) *Server {
	d := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = d.Addr
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = d.RequestTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = d.Heartbeat
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{cfg: cfg, query: q, bus: b, ctl: ctl, logger: logger}
	s.router = s.buildRouter()
	return s
}

// buildRouter creates and configures the chi router with all routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	corsOpts := cors.Options{
		AllowedOrigins:   append([]string{"http://localhost:*", "http://127.0.0.1:*"}, s.cfg.AllowedOrigins...),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAll {
		corsOpts.AllowedOrigins = []string{"*"}
		corsOpts.AllowCredentials = false
	}
	r.Use(cors.Handler(corsOpts))

	// Live feeds are long-lived and sit outside the request deadline.
	r.Get("/ws", s.handleWS)
	r.Get("/stream", s.handleStream)

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(throttle(s.cfg.RateLimit))
		}
		r.Use(deadline(s.cfg.RequestTimeout))

		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Get("/activity", s.handleActivity)
		r.Get("/prompts", s.handlePrompts)
		r.Get("/prompts/search", s.handleSearchPrompts)
		r.Post("/prompts/manual", s.handleManualPrompt)
		r.Get("/prompts/{id}", s.handlePrompt)
		r.Get("/prompts/{id}/context-changes", s.handleContextChanges)
		r.Get("/conversations", s.handleConversations)
		r.Get("/entries", s.handleEntries)
		r.Get("/terminal/history", s.handleTerminalHistory)
		r.Post("/terminal/enable", s.handleTerminalToggle(true))
		r.Post("/terminal/disable", s.handleTerminalToggle(false))
		r.Get("/workspaces", s.handleWorkspaces)

		r.Route("/analytics", func(r chi.Router) {
			r.Get("/context", s.handleContextSummary)
			r.Get("/context/file-relationships", s.handleFileRelationships)
			r.Get("/file-usage", s.handleFileUsage)
			r.Get("/productivity", s.handleProductivity)
		})

		r.Get("/dags", s.handleDAGs)
		r.Get("/motifs", s.handleMotifs)
		r.Get("/dead-letters", s.handleDeadLetters)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, envelope{Error: "not_found: no route " + r.URL.Path})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, envelope{Error: "validation: method not allowed"})
	})

	return r
}

// throttle admits at most limit requests at once and answers the rest
// with a rate_limited envelope.
func throttle(limit int) func(http.Handler) http.Handler {
	slots := make(chan struct{}, limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case slots <- struct{}{}:
			default:
				fail(w, apperr.New(apperr.KindRateLimited, "", "too many concurrent requests"))
				return
			}
			defer func() { <-slots }()
			next.ServeHTTP(w, r)
		})
	}
}

// deadline bounds each request by timeout. A handler that runs past it
// without writing gets a timeout envelope.
func deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))
			if ww.Status() == 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fail(ww, apperr.New(apperr.KindTimeout, "", "request exceeded "+timeout.String()))
			}
		})
	}
}

// requestLogger logs one line per request through slog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelDebug
		if ww.Status() >= 500 {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// checkOrigin admits same-machine pages and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.AllowAll {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	for _, o := range s.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Router returns the chi router.
func (s *Server) Router() chi.Router { return s.router }

// Run listens until ctx is done, then shuts down gracefully. Live sessions
// see ctx cancelled through their request contexts.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.Serve(ln) }()
	s.logger.Info("devtrail server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
