package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/sync/errgroup"

	"github.com/saintparish4/simplecall/pkg/netutil"
)

// Server accepts control connections over TCP (and optionally WebSocket),
// pairs them by room and runs their calls.
type Server struct {
	registry *Registry
	sessions *SessionTracker
	handler  *Handler
	upgrader *websocket.Upgrader
	router   chi.Router

	cfg    Config
	logger zerolog.Logger

	// Lifecycle
	mu       sync.Mutex
	runCtx   context.Context
	addr     net.Addr
	httpAddr net.Addr
	ready    chan struct{}
	conns    sync.WaitGroup
}

// Config holds server configuration options.
type Config struct {
	Addr     string // control channel TCP listen address
	HTTPAddr string // health/stats/WebSocket listen address; empty disables

	Call            CallConfig
	TokenTimeout    time.Duration
	SettingsTimeout time.Duration

	WaitTimeout     time.Duration // how long a connection may wait for its partner
	CleanupInterval time.Duration
	ShutdownTimeout time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8383",
		HTTPAddr:        ":8384",
		Call:            DefaultCallConfig(),
		TokenTimeout:    DefaultTokenTimeout,
		SettingsTimeout: DefaultSettingsTimeout,
		WaitTimeout:     5 * time.Minute,
		CleanupInterval: 1 * time.Minute,
		ShutdownTimeout: 5 * time.Second,
		Logger:          zerolog.Nop(),
	}
}

// NewServer creates a new server with the given configuration.
func NewServer(cfg Config) *Server {
	registry := NewRegistry()
	sessions := NewSessionTracker()

	handler := NewHandler(registry, sessions, cfg.Logger.With().Str("component", "signaling").Logger())
	handler.Call = cfg.Call
	handler.TokenTimeout = cfg.TokenTimeout
	handler.SettingsTimeout = cfg.SettingsTimeout

	s := &Server{
		registry: registry,
		sessions: sessions,
		handler:  handler,
		upgrader: NewUpgrader(),
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "server").Logger(),
		ready:    make(chan struct{}),
	}
	s.router = s.newRouter()
	return s
}

// Run listens and serves until ctx is cancelled, then closes waiting
// connections, ends running calls and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := netutil.Listen(ctx, s.cfg.Addr)
	if err != nil {
		return err
	}

	var httpLn net.Listener
	if s.cfg.HTTPAddr != "" {
		httpLn, err = netutil.Listen(ctx, s.cfg.HTTPAddr)
		if err != nil {
			ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.runCtx = gctx
	s.addr = ln.Addr()
	if httpLn != nil {
		s.httpAddr = httpLn.Addr()
	}
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info().Stringer("addr", ln.Addr()).Msg("control listener started")

	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		s.cleanupLoop(gctx)
		return nil
	})

	if httpLn != nil {
		httpServer := &http.Server{
			Handler:           s.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Info().Stringer("addr", httpLn.Addr()).Msg("http listener started")

		g.Go(func() error {
			if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()

	closed := s.registry.CloseAll()
	s.conns.Wait()
	s.logger.Info().Int("waiting_closed", closed).Msg("server stopped")

	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// acceptLoop accepts control connections, one goroutine each.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var backoff time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			// Transient failures such as EMFILE: back off and keep serving.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Error().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.logger.Debug().Stringer("remote", conn.RemoteAddr()).Msg("connection accepted")
		s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn Conn) {
	s.conns.Add(1)
	go func() {
		defer s.conns.Done()
		s.handler.HandleConn(ctx, conn)
	}()
}

// cleanupLoop periodically closes connections that waited too long for a partner.
func (s *Server) cleanupLoop(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 || s.cfg.WaitTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.registry.CleanupStale(s.cfg.WaitTimeout); removed > 0 {
				s.logger.Info().Int("removed", removed).Msg("cleanup: closed stale waiting connections")
			}
		}
	}
}

// --- HTTP ---

func (s *Server) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(hlog.NewHandler(s.logger))
		r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
			hlog.FromRequest(r).Debug().
				Str("method", r.Method).
				Stringer("url", r.URL).
				Int("status", status).
				Int("size", size).
				Dur("duration", duration).
				Msg("http request")
		}))

		r.Get("/health", s.handleHealth)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/sessions", s.handleSessions)
	})

	// The upgrade needs the raw ResponseWriter, so no wrapping middleware here.
	r.Get("/ws", s.handleWebSocket)

	r.NotFound(s.handleNotFound)
	return r
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats returns registry and session statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rooms":     s.registry.Stats(),
		"sessions":  s.sessions.Stats(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleSessions lists running calls.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.sessions.List(),
	})
}

// handleWebSocket upgrades to a WebSocket control channel and treats it like
// a TCP control connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.serveConn(s.baseContext(), NewWSConn(ws))
}

// handleNotFound handles unknown routes.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]interface{}{
		"error": "not found",
		"path":  r.URL.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

// Ready is closed once the listeners are bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound control address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// HTTPAddr returns the bound HTTP address, or nil if disabled or before Ready.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpAddr
}

// Handler returns the router for the HTTP endpoints.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the room registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Sessions returns the session tracker.
func (s *Server) Sessions() *SessionTracker {
	return s.sessions
}
