package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/acme/autocert"
)

type serverOptions struct {
	host          string
	port          int
	homepage      string
	configFile    string
	metricsListen string
	heartbeat     time.Duration
	sessionIdle   time.Duration
	acmeHosts     []string
	acmeEmail     string
	acmeCache     string
}

type relayServer struct {
	logger    *slog.Logger
	opts      *serverOptions
	metrics   *relayMetrics
	heartbeat time.Duration
	resources *resourceTracker

	ctx    context.Context
	cancel context.CancelFunc

	sessionsMu sync.Mutex
	sessions   map[string]*session

	upgrader    websocket.Upgrader
	acmeManager *autocert.Manager
	publicSrv   *http.Server
	metricsSrv  *http.Server
}

func newRelayServer(logger *slog.Logger, opts *serverOptions) (*relayServer, error) {
	if opts.port <= 0 || opts.port > 65535 {
		return nil, fmt.Errorf("invalid port %d", opts.port)
	}
	if opts.heartbeat <= 0 {
		opts.heartbeat = 30 * time.Second
	}

	s := &relayServer{
		logger:    logger.With("role", "server"),
		opts:      opts,
		metrics:   newRelayMetrics(),
		heartbeat: opts.heartbeat,
		resources: newResourceTracker(),
		sessions:  make(map[string]*session),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: false,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	if len(opts.acmeHosts) > 0 {
		if opts.acmeCache != "" {
			if err := os.MkdirAll(opts.acmeCache, 0o750); err != nil {
				return nil, fmt.Errorf("create acme cache: %w", err)
			}
		}
		s.acmeManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.acmeHosts...),
			Email:      opts.acmeEmail,
		}
		if opts.acmeCache != "" {
			s.acmeManager.Cache = autocert.DirCache(opts.acmeCache)
		}
	}

	return s, nil
}

// lookupSession returns the session for name, creating it lazily.
// Sessions survive disconnects of either side.
func (s *relayServer) lookupSession(name string) *session {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		sess = newSession(s, name)
		s.sessions[name] = sess
		s.metrics.sessionsActive.Inc()
		s.logger.Info("session created", "session", name)
	}
	return sess
}

func (s *relayServer) run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.resources != nil {
		s.resources.start(s.ctx)
	}
	if s.opts.sessionIdle > 0 {
		go s.reapIdleSessions(s.ctx)
	}

	errCh := make(chan error, 1)
	sendErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)

	addr := net.JoinHostPort(s.opts.host, fmt.Sprintf("%d", s.opts.port))
	s.publicSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if s.acmeManager != nil {
			s.publicSrv.TLSConfig = s.acmeManager.TLSConfig()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				sendErr(fmt.Errorf("listen: %w", err))
				return
			}
			s.logger.Info("listening (tls)", "addr", addr, "hosts", strings.Join(s.opts.acmeHosts, ","))
			tlsListener := tls.NewListener(ln, s.publicSrv.TLSConfig)
			if err := s.publicSrv.Serve(tlsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("serve: %w", err))
			}
			return
		}
		s.logger.Info("listening", "addr", addr)
		if err := s.publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sendErr(fmt.Errorf("serve: %w", err))
		}
	}()

	if s.opts.metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
		metricsMux.HandleFunc("/status.json", s.handleStatusJSON)
		s.metricsSrv = &http.Server{
			Addr:              s.opts.metricsListen,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info("metrics listening", "addr", s.opts.metricsListen)
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sendErr(fmt.Errorf("metrics serve: %w", err))
			}
		}()
	}

	var err error
	select {
	case err = <-errCh:
	case <-s.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.publicSrv != nil {
		if errShutdown := s.publicSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("shutdown", "error", errShutdown)
		}
	}
	if s.metricsSrv != nil {
		if errShutdown := s.metricsSrv.Shutdown(shutdownCtx); errShutdown != nil {
			s.logger.Warn("metrics shutdown", "error", errShutdown)
		}
	}
	return err
}

// handleRoot is the whole public surface: WebSocket upgrades on any
// path, /health, the /api long-poll endpoints, and a homepage redirect
// for everything else.
func (s *relayServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleTunnel(w, r)
		return
	}

	switch {
	case r.URL.Path == "/health":
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	case strings.HasPrefix(r.URL.Path, "/api/stream/"):
		s.handleStream(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/send/"):
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		s.handleSend(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/"):
		http.NotFound(w, r)
	default:
		if s.opts.homepage != "" {
			http.Redirect(w, r, s.opts.homepage, http.StatusFound)
			return
		}
		http.NotFound(w, r)
	}
}

func (s *relayServer) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sock := newWSSocket(s, conn, r.RemoteAddr)
	go sock.run()
}

func (s *relayServer) reapIdleSessions(ctx context.Context) {
	interval := s.opts.sessionIdle / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.opts.sessionIdle)
			s.sessionsMu.Lock()
			for name, sess := range s.sessions {
				if sess.idleSince(cutoff) {
					delete(s.sessions, name)
					s.metrics.sessionsActive.Dec()
					s.logger.Info("idle session reaped", "session", name)
				}
			}
			s.sessionsMu.Unlock()
		}
	}
}
