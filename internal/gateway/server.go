// Package gateway accepts WebSocket connections on one route per language
// server and hands each accepted connection to a bridged session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"

	"github.com/codefionn/lspbridge/internal/backend"
	"github.com/codefionn/lspbridge/internal/bridge"
	"github.com/codefionn/lspbridge/internal/config"
	"github.com/codefionn/lspbridge/internal/logger"
	"github.com/codefionn/lspbridge/internal/metrics"
	"github.com/codefionn/lspbridge/internal/pprof"
)

// Time allowed for the client to answer a rejecting close frame.
const closeWait = time.Second

// Options configure a Server.
type Options struct {
	// Metrics receives session events. A collector that also has a
	// Handler() method is served on /metrics.
	Metrics metrics.Collector
	Logger  *logger.Logger
	// Registry defaults to a fresh one.
	Registry *bridge.Registry
	// Pprof mounts the runtime profile handlers under /debug/pprof/.
	Pprof bool
}

type metricsHandler interface {
	Handler() http.Handler
}

// Server routes WebSocket upgrades to language server sessions.
type Server struct {
	router     *httprouter.Router
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	registry *bridge.Registry
	resolver *backend.Resolver
	metrics  metrics.Collector
	base     *logger.Logger
	log      *logger.Logger

	mu       sync.RWMutex
	cfg      *config.Config
	stopping bool

	// ctx is the parent of every session; cancelling it ends them all.
	ctx      context.Context
	cancel   context.CancelCauseFunc
	sessions sync.WaitGroup
}

// New creates a server for cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Registry == nil {
		opts.Registry = bridge.NewRegistry()
	}

	ctx, cancel := context.WithCancelCause(context.Background())

	s := &Server{
		router:   httprouter.New(),
		registry: opts.Registry,
		resolver: backend.NewResolver(cfg),
		metrics:  opts.Metrics,
		base:     opts.Logger,
		log:      opts.Logger.WithPrefix("gateway"),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Any origin; the listener is loopback only.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.upgrader.Error = s.upgradeError

	s.setupRoutes(opts.Metrics)
	if opts.Pprof {
		pprof.Routes(s.router)
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes(collector metrics.Collector) {
	// "/gopls/" must not be redirected into a handshake.
	s.router.RedirectTrailingSlash = false
	s.router.RedirectFixedPath = false
	s.router.NotFound = http.HandlerFunc(s.handleNotFound)

	s.router.GET("/", s.handleIndex)
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/sessions", s.handleSessions)

	if mh, ok := collector.(metricsHandler); ok {
		h := mh.Handler()
		s.router.GET("/metrics", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
			h.ServeHTTP(w, r)
		})
	}

	for _, kind := range backend.Kinds {
		s.router.GET(kind.Route(), s.handleBackend(kind))
	}
}

// Handler exposes the router, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the live session table.
func (s *Server) Registry() *bridge.Registry {
	return s.registry
}

// Config returns the configuration currently in effect.
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig swaps the configuration used for new connections. Live
// sessions keep running with the settings they started with.
func (s *Server) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.resolver.SetConfig(cfg)
}

// SetDisabled replaces the set of administratively disabled kinds.
func (s *Server) SetDisabled(kinds []string) {
	s.mu.Lock()
	cfg := *s.cfg
	cfg.DisabledBackends = slices.Clone(kinds)
	s.cfg = &cfg
	s.mu.Unlock()
	s.resolver.SetConfig(&cfg)
}

// Start listens on the configured loopback address and serves in the
// background.
func (s *Server) Start() error {
	cfg := s.Config()

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}
	if cfg.MaxConnections > 0 {
		// Hijacked WebSocket connections keep their slot until the session ends.
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
	}

	go func() {
		s.log.Info("Listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop refuses new connections, ends every live session and waits for their
// processes to be reaped or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("Stopping, %d live session(s)", s.registry.Len())

	// Hijacked connections outlive Shutdown; handlers still in flight see
	// this flag before they reserve a session slot.
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	s.cancel(bridge.ErrShutdown)
	if err := s.registry.CloseAll(ctx, bridge.ErrShutdown); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("sessions still running: %w", ctx.Err()))
	}

	return errors.Join(errs...)
}

// handleBackend upgrades the connection and bridges it to a fresh process
// of kind. Rejections after the handshake are reported as close frames.
func (s *Server) handleBackend(kind backend.Kind) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// The upgrader already answered with an HTTP error.
			return
		}

		cfg := s.Config()
		if cfg.IsDisabled(kind.String()) {
			s.log.Info("Rejecting %s from %s: disabled", kind, r.RemoteAddr)
			s.metrics.ConnectionRejected(kind.Route(), "disabled")
			s.reject(conn, websocket.ClosePolicyViolation, fmt.Sprintf("%s language server is disabled", kind))
			return
		}

		if !s.reserve() {
			s.log.Info("Rejecting %s from %s: shutting down", kind, r.RemoteAddr)
			s.metrics.ConnectionRejected(kind.Route(), "shutdown")
			s.reject(conn, websocket.CloseGoingAway, bridge.ErrShutdown.Error())
			return
		}

		proc, err := s.resolver.Launch(kind)
		if err != nil {
			s.sessions.Done()
			s.log.Error("Failed to launch %s for %s: %v", kind, r.RemoteAddr, err)
			s.metrics.LaunchFailed(kind.String(), failureLabel(err))
			s.reject(conn, websocket.CloseInternalServerErr, fmt.Sprintf("%s unavailable: %v", kind, err))
			return
		}

		session := bridge.New(conn, proc, bridge.Options{
			MaxMessageBytes: cfg.MaxMessageBytes,
			TerminateGrace:  cfg.TerminateGrace(),
			Logger:          s.base,
			Metrics:         s.metrics,
			Registry:        s.registry,
		})

		go func() {
			defer s.sessions.Done()
			_ = session.Run(s.ctx)
		}()
	}
}

// reserve counts a session about to launch, unless Stop has begun.
func (s *Server) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.sessions.Add(1)
	return true
}

// reject closes a freshly upgraded connection with an explanation.
func (s *Server) reject(conn *websocket.Conn, code int, reason string) {
	defer conn.Close()

	msg := websocket.FormatCloseMessage(code, bridge.CloseReason(reason))
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); err != nil {
		s.log.Debug("Failed to send close frame: %v", err)
		return
	}

	// Wait for the client's close reply so the frame is not lost to a reset.
	_ = conn.SetReadDeadline(time.Now().Add(closeWait))
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// handleNotFound destroys upgrade requests to unknown routes without an
// HTTP response. Plain requests get a 404.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	s.log.Debug("Dropping upgrade to unknown route %s from %s", r.URL.Path, r.RemoteAddr)
	s.metrics.ConnectionRejected("unknown", "unknown_route")

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.NotFound(w, r)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	conn.Close()
}

func (s *Server) upgradeError(w http.ResponseWriter, r *http.Request, status int, reason error) {
	s.log.Debug("Upgrade of %s from %s failed: %v", r.URL.Path, r.RemoteAddr, reason)
	http.Error(w, http.StatusText(status), status)
}

// handleIndex answers plain HTTP probes of the root path
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprintln(w, "LSP bridge running")
}

type healthResponse struct {
	Status   string   `json:"status"`
	Sessions int      `json:"sessions"`
	Enabled  []string `json:"enabled"`
	Disabled []string `json:"disabled"`
}

// handleHealth returns health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := s.Config()
	resp := healthResponse{
		Status:   "ok",
		Sessions: s.registry.Len(),
		Enabled:  []string{},
		Disabled: []string{},
	}
	for _, kind := range backend.Kinds {
		if cfg.IsDisabled(kind.String()) {
			resp.Disabled = append(resp.Disabled, kind.String())
		} else {
			resp.Enabled = append(resp.Enabled, kind.String())
		}
	}
	writeJSON(w, resp)
}

// handleSessions lists live sessions
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.registry.List())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to encode response: %v", err)
	}
}

// failureLabel is the metric label for a launch error.
func failureLabel(err error) string {
	var launchErr *backend.LaunchError
	switch {
	case errors.Is(err, backend.ErrConfigurationMissing):
		return "configuration_missing"
	case errors.Is(err, backend.ErrArtifactNotFound):
		return "artifact_not_found"
	case errors.Is(err, backend.ErrUnknownKind):
		return "unknown_kind"
	case errors.As(err, &launchErr) && launchErr.Step == "spawn":
		return "spawn"
	default:
		return "error"
	}
}
