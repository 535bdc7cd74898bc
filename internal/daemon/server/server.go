// Package server provides the HTTP surface of the routing hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	relayerrors "github.com/grovetools/devrelay/errors"
	"github.com/grovetools/devrelay/internal/daemon/engine"
	"github.com/grovetools/devrelay/pkg/transport/ws"
	"github.com/grovetools/devrelay/version"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// RunningConfig holds the active configuration of the hub.
// This is exposed via the /api/config endpoint so clients can verify what config is active.
type RunningConfig struct {
	Socket       string        `json:"socket"`
	Listen       string        `json:"listen,omitempty"`
	ReportsDir   string        `json:"reports_dir"`
	Journal      string        `json:"journal,omitempty"`
	PingInterval time.Duration `json:"ping_interval"`
	StartedAt    time.Time     `json:"started_at"`
	Version      string        `json:"version"`
	Protocol     int           `json:"protocol"`
}

// Server manages the hub's HTTP server over a unix socket and,
// optionally, a TCP address.
type Server struct {
	logger        *logrus.Entry
	server        *http.Server
	engine        *engine.Engine
	runningConfig *RunningConfig
	upgrader      *websocket.Upgrader
}

// New creates a new Server instance.
func New(eng *engine.Engine, cfg *RunningConfig, logger *logrus.Entry) *Server {
	if cfg.Version == "" {
		cfg.Version = version.GetInfo().Version
	}
	cfg.Protocol = version.Protocol
	s := &Server{
		logger:        logger,
		engine:        eng,
		runningConfig: cfg,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.server = &http.Server{
		Handler: h2c.NewHandler(s.Handler(), &http2.Server{}),
	}
	return s
}

// Handler returns the hub's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/ws/bridge", s.handleBridge)
	mux.HandleFunc("/ws/viewer", s.handleViewer)

	mux.HandleFunc("GET /api/sessions", s.handleGetSessions)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/stats", s.handleGetStats)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("GET /api/reports", s.handleListReports)
	mux.HandleFunc("POST /api/reports", s.handleShareReport)
	mux.HandleFunc("GET /api/reports/{id}", s.handleGetReport)
	return mux
}

// ListenAndServe serves on socketPath and, when tcpAddr is set, on that
// address too. It blocks until the server stops or a listener fails.
func (s *Server) ListenAndServe(socketPath, tcpAddr string) error {
	// Cleanup stale socket
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	// Set restrictive permissions on socket
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	listeners := []net.Listener{listener}
	if tcpAddr != "" {
		tcp, err := net.Listen("tcp", tcpAddr)
		if err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to listen on %s: %w", tcpAddr, err)
		}
		listeners = append(listeners, tcp)
	}

	var g errgroup.Group
	for _, l := range listeners {
		s.logger.WithField("addr", l.Addr().String()).Info("Hub listening")
		g.Go(func() error {
			if err := s.server.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) (*ws.Conn, string, bool) {
	key := r.URL.Query().Get("session")
	if key == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return nil, "", false
	}
	conn, err := ws.Accept(w, r, s.upgrader, ws.Options{
		Executor:     s.engine.Executor(),
		PingInterval: s.runningConfig.PingInterval,
		Logger:       s.logger.WithField("session", key),
	})
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return nil, "", false
	}
	return conn, key, true
}

// handleBridge attaches a bridge websocket to its session.
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	conn, key, ok := s.accept(w, r)
	if !ok {
		return
	}
	s.logger.WithField("session", key).Debug("Bridge connected")
	s.engine.ServeBridge(key, conn, conn.Start)
}

// handleViewer connects an inspector websocket to its session.
func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	conn, key, ok := s.accept(w, r)
	if !ok {
		return
	}
	s.logger.WithField("session", key).Debug("Inspector connected")
	s.engine.ServeViewer(key, conn, conn.Start)
}

// handleGetSessions returns every known session as JSON.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.Sessions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleStream provides Server-Sent Events (SSE) of routing events.
// Retained events are replayed first so a client has context right away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	st := s.engine.Store()
	ch := st.Subscribe()
	defer st.Unsubscribe(ch)

	fmt.Fprintf(w, ": connected\n\n")
	for _, e := range st.Recent() {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
	}
	flusher.Flush()

	s.logger.Debug("SSE client connected")
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.WithError(err).Error("Failed to marshal event")
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// handleGetStats returns the routing-event counters.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Store().Stats())
}

// handleGetConfig returns the running configuration as JSON.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runningConfig)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports := s.engine.Reports()
	if reports == nil {
		http.Error(w, "reports are disabled", http.StatusNotFound)
		return
	}
	list, err := reports.List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleShareReport stores the cached state of ?session=K&instance=I.
func (s *Server) handleShareReport(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session")
	instance := r.URL.Query().Get("instance")
	if key == "" || instance == "" {
		http.Error(w, "session and instance are required", http.StatusBadRequest)
		return
	}
	id, err := s.engine.ShareReport(r.Context(), key, instance)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	reports := s.engine.Reports()
	if reports == nil {
		http.Error(w, "reports are disabled", http.StatusNotFound)
		return
	}
	report, err := reports.Load(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps relay error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch relayerrors.GetCode(err) {
	case relayerrors.ErrCodeReportNotFound:
		status = http.StatusNotFound
	case relayerrors.ErrCodeNoInstrumentedApp:
		status = http.StatusConflict
	case relayerrors.ErrCodeInvalidInput:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "code": relayerrors.GetCode(err)})
}
