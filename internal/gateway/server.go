// Package gateway serves the client session channel: a WebSocket endpoint
// that accepts chat envelopes, dispatches them through the orchestrator,
// and streams ordered events back. The same listener carries /healthz and
// /metrics.
//
// Each connection gets a reader and a writer goroutine. The writer drains
// a bounded queue with drop-non-essential-first backpressure; events for a
// user with no live connection buffer in a per-user outbox that is flushed
// to the next connection presenting the same userId.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ensemble-ai/ensemble/internal/observability"
	"github.com/ensemble-ai/ensemble/internal/orchestrator"
	"github.com/ensemble-ai/ensemble/internal/sessions"
	"github.com/ensemble-ai/ensemble/pkg/models"
)

const (
	// DefaultSendQueueSize bounds the per-connection writer queue.
	DefaultSendQueueSize = 64

	// DefaultOutboxSize bounds the per-user buffer of events awaiting a
	// reconnect.
	DefaultOutboxSize = 256

	// defaultHistoryWindow caps the prior turns handed to an
	// orchestration.
	defaultHistoryWindow = 20

	readHeaderTimeout = 5 * time.Second
	shutdownGrace     = 5 * time.Second
)

// Config assembles a Server. Orchestrator and Sessions are required.
type Config struct {
	// Listen is the bind address, e.g. ":8080".
	Listen string

	Orchestrator *orchestrator.Orchestrator
	Sessions     *sessions.Store

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// SendQueueSize overrides DefaultSendQueueSize when positive.
	SendQueueSize int

	// OutboxSize overrides DefaultOutboxSize when positive.
	OutboxSize int

	// HistoryWindow overrides defaultHistoryWindow when positive.
	HistoryWindow int
}

// Server is the client gateway.
type Server struct {
	listen        string
	orch          *orchestrator.Orchestrator
	store         *sessions.Store
	hub           *hub
	metrics       *observability.Metrics
	logger        *slog.Logger
	upgrader      websocket.Upgrader
	queueSize     int
	historyWindow int
	started       time.Time

	// baseCtx parents every orchestration so in-flight turns survive
	// their client's disconnect but stop on server shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New creates a Server.
func New(config Config) (*Server, error) {
	if config.Orchestrator == nil {
		return nil, errors.New("gateway: orchestrator is required")
	}
	if config.Sessions == nil {
		return nil, errors.New("gateway: session store is required")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewMetrics()
	}
	if config.Logger == nil {
		config.Logger = slog.Default().With("component", "gateway")
	}
	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultSendQueueSize
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = DefaultOutboxSize
	}
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = defaultHistoryWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		listen:  config.Listen,
		orch:    config.Orchestrator,
		store:   config.Sessions,
		hub:     newHub(config.OutboxSize, config.Metrics, config.Logger),
		metrics: config.Metrics,
		logger:  config.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		queueSize:     config.SendQueueSize,
		historyWindow: config.HistoryWindow,
		started:       time.Now(),
		baseCtx:       ctx,
		cancel:        cancel,
	}, nil
}

// Handler returns the HTTP surface: /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully and stops
// in-flight orchestrations.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("gateway: listen %s: %w", s.listen, err)
	}

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()
	s.logger.Info("gateway listening", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		s.cancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
		return nil
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: serve: %w", err)
	}
}

// Close stops in-flight orchestrations. Run does this itself; Close
// covers embedders that only used Handler.
func (s *Server) Close() {
	s.cancel()
}

// Prune drops hub state for users with no connection and no live
// sessions. The serve command schedules it alongside the session sweep.
func (s *Server) Prune() int {
	return s.hub.prune(func(userID string) bool {
		return len(s.store.SessionsForUser(userID)) > 0
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := clientUserID(r)
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newConn(sock, s.queueSize, s.metrics, s.logger)
	go conn.writeLoop()

	reconnection := s.hub.attach(userID, conn, func(known bool) models.Event {
		return models.Event{Type: models.EventConnected, Payload: models.ConnectedPayload{
			UserID:         userID,
			IsReconnection: known,
			Agents:         s.inheritedAgents(userID),
		}}
	})
	s.metrics.ClientConnected()
	s.logger.Info("client connected", "userId", userID, "reconnection", reconnection)

	s.readLoop(userID, conn)

	s.hub.detach(userID, conn)
	conn.close()
	s.metrics.ClientDisconnected()
	s.logger.Info("client disconnected", "userId", userID)
}

func (s *Server) readLoop(userID string, conn *wsConn) {
	sock := conn.sock
	sock.SetReadLimit(maxEnvelopeBytes)
	_ = sock.SetReadDeadline(time.Now().Add(pongWait))
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := sock.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.dispatch(userID, data)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":              "ok",
		"uptime":              time.Since(s.started).Seconds(),
		"activeConversations": s.store.Count(),
		"connectedClients":    s.hub.connected(),
	})
}

// clientUserID resolves the opaque user identity: query parameter first,
// then header, else a generated UUID.
func clientUserID(r *http.Request) string {
	if id := strings.TrimSpace(r.URL.Query().Get("userId")); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return uuid.NewString()
}
