package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/room4-2/livevoice/config"
	"github.com/room4-2/livevoice/logging"
	"github.com/room4-2/livevoice/messages"
	"github.com/room4-2/livevoice/metrics"
	"github.com/room4-2/livevoice/session"
)

const maxKeysBody = 64 * 1024

type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
	logger         zerolog.Logger
}

// NewServerWebsocket wires the streaming endpoint, the credentials endpoint,
// health and metrics. gatherer may be nil to disable /metrics.
func NewServerWebsocket(cfg *config.Config, sessionManager *session.Manager, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		logger:         logging.Component(logger, "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024, // 64KB for audio chunks
			WriteBufferSize: 64 * 1024, // 64KB for audio chunks
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/set_keys", s.handleSetKeys)
	mux.HandleFunc("/health", s.handleHealth)
	if gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(gatherer))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP handler, used by tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	s.logger.Info().
		Int("port", s.config.Port).
		Str("endpoint", fmt.Sprintf("ws://localhost:%d/ws", s.config.Port)).
		Msg("WebSocket server starting")
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server")
	s.sessionManager.Shutdown()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if !s.sessionManager.KeysAvailable() {
		s.reject(conn, session.MsgKeyNotConfigured)
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to create session")
		s.reject(conn, err.Error())
		return
	}

	s.logger.Info().Str("conn", logging.ShortID(clientSession.ID)).Msg("New session created")

	// Start session (handles messages in goroutines)
	clientSession.Start()

	// Wait for session to close
	<-clientSession.CloseChan

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	s.logger.Info().Str("conn", logging.ShortID(clientSession.ID)).Msg("Session closed")
}

// reject sends an error event and closes the connection
func (s *Server) reject(conn *websocket.Conn, message string) {
	if payload, err := messages.NewErrorEvent(message).Encode(); err == nil {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	conn.Close()
}

func (s *Server) handleSetKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, messages.KeysResponse{Error: "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxKeysBody))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, messages.KeysResponse{Error: "Failed to set keys"})
		return
	}

	var req messages.KeysRequest
	if err := sonic.Unmarshal(body, &req); err != nil {
		s.logger.Warn().Err(err).Msg("Invalid keys request")
		writeJSON(w, http.StatusInternalServerError, messages.KeysResponse{Error: "Failed to set keys"})
		return
	}

	if err := s.sessionManager.SetKeys(r.Context(), req.SessionID, req.Gemini); err != nil {
		s.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("Keys rejected")
		writeJSON(w, http.StatusInternalServerError, messages.KeysResponse{Error: "Failed to set keys"})
		return
	}

	s.logger.Info().Str("session_id", req.SessionID).Msg("API keys set")
	writeJSON(w, http.StatusOK, messages.KeysResponse{Status: "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessionManager.GetActiveSessionCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}
