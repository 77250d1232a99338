// Package api provides the read-only status HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/atlas-desktop/weekly-trader/internal/connection"
	"github.com/atlas-desktop/weekly-trader/internal/lifecycle"
	"github.com/atlas-desktop/weekly-trader/internal/safety"
	"github.com/atlas-desktop/weekly-trader/internal/scheduler"
	"github.com/atlas-desktop/weekly-trader/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// StatusSource exposes the controller snapshot.
type StatusSource interface {
	Snapshot() lifecycle.Snapshot
}

// ConnectionSource exposes the gateway connection.
type ConnectionSource interface {
	State() connection.State
	Stats() connection.Stats
	GatewayName() string
}

// SafetySource exposes the last safety report.
type SafetySource interface {
	LastReport() *safety.Report
}

// JobSource exposes the periodic job schedule.
type JobSource interface {
	Jobs() []scheduler.JobStatus
}

// Deps are the observed components. Any may be nil.
type Deps struct {
	Controller StatusSource
	Connection ConnectionSource
	Safety     SafetySource
	Scheduler  JobSource
	Metrics    prometheus.Gatherer
	Hub        *Hub
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	deps       Deps
	started    time.Time
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	lifecycle.Snapshot
	Connection *ConnectionStatus     `json:"connection,omitempty"`
	Jobs       []scheduler.JobStatus `json:"jobs,omitempty"`
	Uptime     string                `json:"uptime"`
}

// ConnectionStatus combines connection state and lifetime counters.
type ConnectionStatus struct {
	Gateway string           `json:"gateway"`
	State   connection.State `json:"state"`
	Stats   connection.Stats `json:"stats"`
}

// NewServer creates a new API server
func NewServer(logger *zap.Logger, config *types.ServerConfig, deps Deps) *Server {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/ws"
	}
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		router:  mux.NewRouter(),
		deps:    deps,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	server.setupRoutes()
	return server
}

// Router exposes the router, mainly for httptest.
func (s *Server) Router() *mux.Router {
	return s.router
}

const apiPrefix = "/api/v1"

func (s *Server) setupRoutes() {
	// Registered on the root router so a wrong method gets 405, not 404.
	s.router.HandleFunc(apiPrefix+"/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(apiPrefix+"/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc(apiPrefix+"/safety", s.handleSafety).Methods(http.MethodGet)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Metrics, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.deps.Hub != nil {
		s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	}
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting status server", zap.String("addr", addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	body := map[string]interface{}{
		"time": time.Now().Unix(),
	}
	if s.deps.Controller != nil {
		snap := s.deps.Controller.Snapshot()
		body["state"] = snap.State
		if snap.Halted != "" {
			status, code = "halted", http.StatusServiceUnavailable
			body["error"] = snap.Halted
		}
	}
	if s.deps.Connection != nil {
		st := s.deps.Connection.State()
		body["connection"] = st.Status
		if status == "healthy" && st.Status != connection.StatusConnected {
			status = "degraded"
		}
	}
	body["status"] = status
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Controller == nil {
		writeError(w, http.StatusServiceUnavailable, "controller not running")
		return
	}
	resp := StatusResponse{
		Snapshot: s.deps.Controller.Snapshot(),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	}
	if c := s.deps.Connection; c != nil {
		resp.Connection = &ConnectionStatus{
			Gateway: c.GatewayName(),
			State:   c.State(),
			Stats:   c.Stats(),
		}
	}
	if j := s.deps.Scheduler; j != nil {
		resp.Jobs = j.Jobs()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	if s.deps.Safety == nil {
		writeError(w, http.StatusServiceUnavailable, "safety supervisor not running")
		return
	}
	report := s.deps.Safety.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no safety check has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.deps.Hub, conn)
	if !s.deps.Hub.Register(client) {
		conn.Close()
		return
	}
	go client.WritePump()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
