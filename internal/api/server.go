// Package api serves gamecord's local HTTP API: service status and toggles,
// the Twitch link, the current presences, recent log lines, a websocket
// stream of state events, the authorization callback pages, and Prometheus
// metrics.
//
// The API is meant for the local machine; requests from other hosts are
// refused.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/olahol/melody"
	"tools.zach/dev/gamecord/internal/auth"
	"tools.zach/dev/gamecord/internal/metrics"
	"tools.zach/dev/gamecord/internal/state"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Options configures [New].
type Options struct {
	State *state.State
	// Browser serves the authorization pages. Nil leaves them unmounted.
	Browser *auth.Browser
	Metrics metrics.Recorder
	// LogPath is the file /api/logs reads.
	LogPath string
	Logger  *slog.Logger
}

// Server is the local API.
type Server struct {
	opts   Options
	router chi.Router
	ws     *melody.Melody
	logger *slog.Logger
}

// New builds the router. Nothing listens until [Server.Serve].
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:   opts,
		ws:     melody.New(),
		logger: opts.Logger.With("component", "api"),
	}
	s.ws.HandleConnect(s.handleWSConnect)
	s.router = s.routes()
	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loopbackOnly(s.logger))

	r.Get("/api/ws", s.handleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NoCache)
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/api/services", s.handleServices)
		r.Put("/api/services/{kind}/enabled", s.handleSetEnabled)
		r.Post("/api/services/{kind}/authorize", s.handleAuthorize)
		r.Get("/api/twitch", s.handleTwitch)
		r.Put("/api/twitch/enabled", s.handleSetTwitchEnabled)
		r.Post("/api/twitch/authorize", s.handleTwitchAuthorize)
		r.Get("/api/presence", s.handlePresence)
		r.Get("/api/logs", s.handleLogs)
		r.Post("/api/exit", s.handleExit)

		if h := s.opts.Metrics.Handler(); h != nil {
			r.Method(http.MethodGet, "/metrics", h)
		}
		if s.opts.Browser != nil {
			s.opts.Browser.Routes(r)
		}
	})
	return r
}

// ///////////////////////////////////////////////
// Lifecycle
// ///////////////////////////////////////////////

// ListenAndServe listens on addr and serves until ctx is cancelled or the
// state exits.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled or the state exits, then shuts
// down gracefully. Authorization surfaces become ready once ln accepts
// connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := s.opts.State.Subscribe()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.broadcast(events)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	s.logger.Info("api listening", "addr", ln.Addr().String())
	if s.opts.Browser != nil {
		s.opts.Browser.MarkReady()
	}

	var err error
	select {
	case <-ctx.Done():
	case <-s.opts.State.Done():
	case err = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if s.opts.Browser != nil {
		s.opts.Browser.Shutdown()
	}
	if closeErr := s.ws.Close(); closeErr != nil && !errors.Is(closeErr, melody.ErrClosed) {
		s.logger.Debug("closing websocket sessions", "error", closeErr)
	}
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		s.logger.Warn("api shutdown", "error", shutErr)
	}
	unsubscribe()
	wg.Wait()

	if err == nil {
		err = <-serveErr
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// broadcast forwards state events to every websocket session until the
// subscription closes.
func (s *Server) broadcast(events <-chan state.Event) {
	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("marshalling state event", "error", err)
			continue
		}
		if err := s.ws.Broadcast(data); err != nil && !errors.Is(err, melody.ErrClosed) {
			s.logger.Warn("broadcasting state event", "error", err)
		}
	}
}

// ///////////////////////////////////////////////
// Middleware
// ///////////////////////////////////////////////

// loopbackOnly refuses requests that do not come from the local machine.
func loopbackOnly(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
				log.Debug("request from non-local address", "remote", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
