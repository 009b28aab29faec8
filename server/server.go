// Package server exposes the bridge to dashboards: a WebSocket channel for
// status, advisories and operator commands, plus health and metrics
// endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/davi-pcsc-bridge/buildinfo"
	"github.com/dotside-studios/davi-pcsc-bridge/lifecycle"
	"github.com/dotside-studios/davi-pcsc-bridge/metrics"
	"github.com/dotside-studios/davi-pcsc-bridge/protocol"
)

// Controller is the part of the bridge the server drives.
type Controller interface {
	ManualReinitialize() error
	ForceReinitialize() error
	Inspect(ctx context.Context) (lifecycle.Snapshot, error)
}

// Config holds the server configuration
type Config struct {
	Port       int
	APISecret  string // Optional secret required as ?secret= on /ws
	MDNS       bool   // Advertise the service over mDNS
	Controller Controller
	Logger     *log.Logger

	// TLS material. With CertFile and KeyFile set the server speaks wss://;
	// CACertFile, when set, is offered for download at PathCACert.
	CertFile   string
	KeyFile    string
	CACertFile string
}

// Server manages the HTTP and WebSocket server. It implements
// lifecycle.Notifier so it can be registered with the bridge publisher.
type Server struct {
	Logger *log.Logger

	config     Config
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	observers  *ObserverSet
	registry   *HandlerRegistry

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server

	// Latest status and tip, replayed to observers that connect later.
	// Held across each broadcast so a new observer's snapshot and the
	// broadcasts it receives stay in order.
	lastMu     sync.Mutex
	lastStatus *protocol.StatusUpdatePayload
	lastTip    *protocol.ServiceRestartTipPayload
}

// New creates a new server instance
func New(config Config) *Server {
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	s := &Server{
		Logger: logger,
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		observers: NewObserverSet(logger),
		registry:  NewHandlerRegistry(),
	}

	if config.Controller != nil {
		if err := NewCommandHandler(config.Controller).Register(s.registry); err != nil {
			logger.Printf("Failed to register command handlers: %v", err)
		}
	}
	return s
}

// Registry returns the inbound message router.
func (s *Server) Registry() *HandlerRegistry {
	return s.registry
}

// ObserverCount returns the number of connected observers.
func (s *Server) ObserverCount() int {
	return s.observers.Count()
}

// StatusUpdate broadcasts and caches the reader snapshot.
func (s *Server) StatusUpdate(status protocol.StatusUpdatePayload) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	s.lastStatus = &status
	s.observers.Broadcast(protocol.WSTypeStatusUpdate, status)
}

// SystemMessage broadcasts an advisory. A success advisory ends any
// outstanding restart tip.
func (s *Server) SystemMessage(msg protocol.SystemMessagePayload) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	if msg.Type == protocol.SeveritySuccess {
		s.lastTip = nil
	}
	s.observers.Broadcast(protocol.WSTypeSystemMessage, msg)
}

// ServiceRestartTip broadcasts and caches remediation guidance.
func (s *Server) ServiceRestartTip(tip protocol.ServiceRestartTipPayload) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	s.lastTip = &tip
	s.observers.Broadcast(protocol.WSTypeServiceRestartTip, tip)
}

// enableCORS is a middleware that adds CORS headers to responses
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(PathHealth, enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleHealthCheck(w, r)
	}))

	mux.HandleFunc(PathWebSocket, s.handleWebSocket)
	mux.Handle(PathMetrics, metrics.Handler())

	if s.config.CACertFile != "" {
		mux.HandleFunc(PathCACert, s.handleCACert)
	}

	mux.HandleFunc("/", enableCORS(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Server", buildinfo.UserAgent())
		w.Write([]byte(buildinfo.DisplayName + " running"))
	}))

	return mux
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.Logger.Printf("Starting server on %s (%s)", ln.Addr(), s.Scheme())
		var err error
		if s.tlsEnabled() {
			err = s.httpServer.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.httpServer.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger.Printf("HTTP server error: %v", err)
		}
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			s.Logger.Printf("Warning: Failed to start mDNS service: %v", err)
			s.Logger.Printf("Auto-discovery will not be available, but server will continue normally")
		}
	}
	return nil
}

func (s *Server) tlsEnabled() bool {
	return s.config.CertFile != "" && s.config.KeyFile != ""
}

// Scheme returns the WebSocket URL scheme observers must use.
func (s *Server) Scheme() string {
	if s.tlsEnabled() {
		return "wss"
	}
	return "ws"
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) {
	s.stopMDNS()
	s.observers.CloseAll()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Logger.Printf("Server shutdown error: %v", err)
		}
		s.httpServer = nil
	}
}

// handleWebSocket upgrades the connection and serves one observer until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		s.Logger.Printf("WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	obs := newObserver(conn, r.RemoteAddr, s.Logger)
	s.attach(obs)
	s.Logger.Printf("Observer %s connected from %s", obs.ID, obs.Remote)

	defer func() {
		s.observers.Unregister(obs)
		obs.Close()
		s.Logger.Printf("Observer %s disconnected", obs.ID)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req protocol.WebSocketRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.Logger.Printf("Failed to parse WebSocket message: %v", err)
			obs.SendError("", protocol.ErrCodeParseError, "Invalid message format")
			continue
		}

		if err := s.registry.Dispatch(r.Context(), obs, req); err != nil {
			s.Logger.Printf("Handler error for message type '%s': %v", req.Type, err)
		}
	}
}

// attach registers the observer and queues the latest status and restart
// tip ahead of any later broadcast.
func (s *Server) attach(obs *Observer) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()

	s.observers.Register(obs)

	status := s.lastStatus
	if status == nil {
		status = &protocol.StatusUpdatePayload{}
	}
	if err := obs.SendMessage(protocol.WSTypeStatusUpdate, *status); err != nil {
		s.Logger.Printf("Failed to send initial status to %s: %v", obs.ID, err)
		return
	}
	if s.lastTip != nil {
		if err := obs.SendMessage(protocol.WSTypeServiceRestartTip, *s.lastTip); err != nil {
			s.Logger.Printf("Failed to send restart tip to %s: %v", obs.ID, err)
		}
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := protocol.HealthPayload{
		Status:  "ok",
		Version: buildinfo.FullVersion(),
	}

	if s.config.Controller == nil {
		health.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	snap, err := s.config.Controller.Inspect(ctx)
	if err != nil {
		health.Status = "unavailable"
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(health)
		return
	}

	health.Driver = snap.Driver
	health.RecoveryState = snap.Recovery.String()
	health.RecoveryAttempts = snap.Attempts
	health.MaxAttempts = snap.MaxAttempts
	health.Reader = snap.State.Payload()
	if snap.Recovery == lifecycle.StateExhausted {
		health.Status = "degraded"
	}
	json.NewEncoder(w).Encode(health)
}

// handleCACert serves the local CA so other devices can trust the bridge.
func (s *Server) handleCACert(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.config.CACertFile)
	if err != nil {
		s.Logger.Printf("Failed to read CA certificate: %v", err)
		http.Error(w, "CA certificate not available", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="`+buildinfo.Name+`-ca.pem"`)
	w.Write(data)
}
