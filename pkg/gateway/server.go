// Package gateway exposes the two transports: a duplex WebSocket endpoint
// that streams run frames per chat, and a stateless REST endpoint that
// returns one aggregated answer. Both are thin over the dispatcher.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stepwire/stepwire/internal/observability"
	"github.com/stepwire/stepwire/internal/tracing"
	"github.com/stepwire/stepwire/pkg/dispatcher"
	"github.com/stepwire/stepwire/pkg/history"
)

// DefaultChatID is used by the REST path when the request names no chat
const DefaultChatID = "default_chat_id"

const shutdownTimeout = 5 * time.Second

// Config holds server configuration
type Config struct {
	Host       string
	Port       int
	Dispatcher *dispatcher.Dispatcher
	History    *history.Log
	Logger     zerolog.Logger
}

// Server is the transport front of the module
type Server struct {
	host          string
	port          int
	dispatcher    *dispatcher.Dispatcher
	history       *history.Log
	logger        zerolog.Logger
	upgrader      websocket.Upgrader
	inboundSchema *gojsonschema.Schema
	server        *http.Server

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*websocket.Conn]context.CancelFunc
}

// NewServer creates a server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.History == nil {
		return nil, fmt.Errorf("history log is required")
	}

	schema, err := compileInboundSchema()
	if err != nil {
		return nil, err
	}
	observability.EnsureRegistered()

	return &Server{
		host:          cfg.Host,
		port:          cfg.Port,
		dispatcher:    cfg.Dispatcher,
		history:       cfg.History,
		logger:        cfg.Logger,
		inboundSchema: schema,
		conns:         make(map[*websocket.Conn]context.CancelFunc),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}, nil
}

// Handler builds the HTTP routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", s.handleChat)
	mux.HandleFunc("/agent/run", s.handleAgentRun)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start begins serving without blocking
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: s.Handler(),
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	// Give the server a moment to start
	time.Sleep(50 * time.Millisecond)

	return nil
}

// Stop drains in-flight requests and shuts the server down
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	// Cancel every in-flight run and close the connections
	s.connsMu.Lock()
	for conn, cancel := range s.conns {
		cancel()
		_ = conn.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// chatIDFromPath extracts the chat binding from /chat/{chat_id}
func chatIDFromPath(path string) string {
	chatID := strings.TrimPrefix(path, "/chat/")
	if chatID == "" || strings.Contains(chatID, "/") {
		return ""
	}
	return chatID
}

// handleChat runs the duplex protocol for one connection. The chat id is
// bound once from the path and fixed for the connection's lifetime.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	chatID := chatIDFromPath(r.URL.Path)
	if chatID == "" {
		// Unidentifiable chat binding is fatal to the connection
		s.logger.Warn().Str("path", r.URL.Path).Msg("Connection without chat binding rejected")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing chat_id"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return
	}

	// The connection outlives the HTTP handler, so its context does not
	// derive from the request's.
	connCtx, cancel := context.WithCancel(tracing.WithChatID(tracing.NewRequestContext(context.Background()), chatID))

	s.connsMu.Lock()
	s.conns[conn] = cancel
	s.connsMu.Unlock()

	s.logger.Info().Str("chatID", chatID).Str("ip", r.RemoteAddr).Msg("Client connected")

	go s.serveConn(connCtx, cancel, conn, chatID)
}

// serveConn is the per-connection read loop. Requests are handled in
// order; a run in progress blocks the next read, which keeps one
// connection's traffic strictly sequential.
func (s *Server) serveConn(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, chatID string) {
	defer func() {
		cancel()
		_ = conn.Close()
		s.connsMu.Lock()
		delete(s.conns, conn)
		s.connsMu.Unlock()
		s.logger.Info().Str("chatID", chatID).Msg("Client disconnected")
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("chatID", chatID).Msg("WebSocket error")
			}
			return
		}

		msg, errText := s.parseInbound(payload)
		if errText != "" {
			if err := conn.WriteJSON(map[string]string{"error": errText}); err != nil {
				return
			}
			continue
		}

		switch msg.Type {
		case requestGetHistory:
			if err := s.sendHistory(ctx, conn, chatID); err != nil {
				return
			}
		case requestUserMessage:
			if err := s.runAndForward(ctx, conn, chatID, msg); err != nil {
				return
			}
		}
	}
}

// sendHistory replies with the chat's full history
func (s *Server) sendHistory(ctx context.Context, conn *websocket.Conn, chatID string) error {
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	records, err := s.history.List(ctx, chatID)
	if err != nil {
		s.logger.Error().Err(err).Str("chatID", chatID).Msg("Failed to list history")
		return conn.WriteJSON(map[string]string{"error": "Failed to load history"})
	}
	return conn.WriteJSON(dispatcher.NewChatHistory(chatID, records))
}

// runAndForward starts a run and forwards every frame verbatim. A write
// failure means the client is gone: the run is cancelled at the next step
// boundary and the remaining frames are discarded.
func (s *Server) runAndForward(ctx context.Context, conn *websocket.Conn, chatID string, msg *inboundMessage) error {
	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := s.dispatcher.Run(runCtx, chatID, msg.Message, dispatcher.RunOptions{
		UserMessageID: msg.MessageID,
	})
	if err != nil {
		return conn.WriteJSON(map[string]string{"error": err.Error()})
	}

	var writeErr error
	for frame := range ch {
		if writeErr != nil {
			continue // drain after the client went away
		}
		if err := conn.WriteJSON(frame); err != nil {
			writeErr = err
			cancel()
		}
	}
	return writeErr
}

// agentRunRequest is the stateless REST request body
type agentRunRequest struct {
	ChatID string `json:"chat_id"`
	Task   string `json:"task"`
}

// handleAgentRun serves POST /agent/run: one stateless run, aggregated
// final answer in the response body.
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	var req agentRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, errInvalidJSON)
		return
	}
	if req.Task == "" {
		writeJSONError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.ChatID == "" {
		req.ChatID = DefaultChatID
	}

	ctx := tracing.WithChatID(tracing.NewRequestContext(r.Context()), req.ChatID)

	result, err := s.dispatcher.RunCollect(ctx, req.ChatID, req.Task)
	if err != nil {
		s.logger.Error().Err(err).Str("chatID", req.ChatID).Msg("Stateless run failed")
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Answer)
}

func writeJSONError(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": text})
}
