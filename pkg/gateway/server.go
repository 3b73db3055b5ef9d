// Package gateway exposes the agent over HTTP: a POST /run endpoint
// for conversational requests and a websocket stream carrying progress
// and mode-change events.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/alehm/duet/internal/observability"
	"github.com/alehm/duet/internal/tracing"
	"github.com/alehm/duet/pkg/agent"
	"github.com/alehm/duet/pkg/commandqueue"
	"github.com/alehm/duet/pkg/mesh"
)

// Dispatcher runs one agent request. The sink receives progress events
// for the duration of the run.
type Dispatcher func(ctx context.Context, sink agent.ProgressSink, message string, history []agent.ConversationMessage) (string, error)

// Server is the HTTP gateway.
type Server struct {
	host         string
	port         int
	sharedSecret string
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      *ClientRegistry
	authHandler  *AuthHandler
	broadcaster  *EventBroadcaster
	queue        *commandqueue.Queue
	dispatcher   Dispatcher
	sessions     *sessionStore
	logger       zerolog.Logger
	inFlightReqs sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	Host         string
	Port         int
	SharedSecret string
	Queue        *commandqueue.Queue
	Dispatcher   Dispatcher
	Logger       zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("shared secret is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	clients := NewClientRegistry()

	s := &Server{
		host:         cfg.Host,
		port:         cfg.Port,
		sharedSecret: cfg.SharedSecret,
		clients:      clients,
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		queue:        cfg.Queue,
		dispatcher:   cfg.Dispatcher,
		sessions:     newSessionStore(),
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	// Queue lifecycle events are mirrored onto the websocket stream
	// so clients can see their position.
	cfg.Queue.On("enqueued", func(event commandqueue.Event) {
		s.broadcaster.BroadcastTyped(EventMessage{
			Event:   "queue.enqueued",
			Session: event.Lane,
			Data:    event.Data,
		})
	})
	cfg.Queue.On("completed", func(event commandqueue.Event) {
		s.broadcaster.BroadcastTyped(EventMessage{
			Event:   "queue.completed",
			Session: event.Lane,
			Data:    event.Data,
		})
	})

	return s, nil
}

// Start starts the gateway server.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.host, s.port),
		Handler: mux,
	}

	s.logger.Info().Str("host", s.host).Int("port", s.port).Msg("Starting gateway server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Shutting down gateway server")

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// handleRun serves POST /run: one conversational request, serialized
// through the session's queue lane.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.checkBearer(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "")
		return
	}

	s.inFlightReqs.Add(1)
	defer s.inFlightReqs.Done()

	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required", "")
		return
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		id, err := gonanoid.New()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to create session", "")
			return
		}
		sessionKey = id
	}

	ctx := tracing.NewRequestContext(r.Context())
	ctx = tracing.WithSessionKey(ctx, sessionKey)

	sink := &progressSink{broadcaster: s.broadcaster, sessionKey: sessionKey}
	history := s.sessions.History(sessionKey)

	value, err := s.queue.EnqueueWithContext(ctx, sessionKey, func(runCtx context.Context) (interface{}, error) {
		return s.dispatcher(runCtx, sink, req.Message, history)
	}, nil)
	if err != nil {
		status, kind := classifyError(err)
		s.writeError(w, status, err.Error(), kind)
		return
	}

	result, _ := value.(string)
	s.sessions.Append(sessionKey, req.Message, result)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(RunResponse{
		Result:     result,
		SessionKey: sessionKey,
	})
}

func (s *Server) checkBearer(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.sharedSecret)) == 1
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, kind string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Kind: kind})
}

// classifyError maps run failures onto HTTP statuses and a stable kind
// string clients can branch on.
func classifyError(err error) (int, string) {
	var stale *mesh.StaleCredentialError
	if errors.As(err, &stale) {
		return http.StatusBadGateway, "stale_credential"
	}
	var transport *mesh.TransportError
	if errors.As(err, &transport) {
		return http.StatusBadGateway, "transport"
	}
	var parse *mesh.ParseError
	if errors.As(err, &parse) {
		return http.StatusBadGateway, "parse"
	}
	var cfgErr *agent.ConfigurationError
	if errors.As(err, &cfgErr) {
		return http.StatusInternalServerError, "configuration"
	}
	return http.StatusInternalServerError, "internal"
}

// handleWebSocket serves the event stream. Clients authenticate with a
// challenge-response handshake before receiving any events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		conn.Close()
		return
	}

	challenge, err := s.authHandler.GenerateChallenge()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate auth challenge")
		conn.Close()
		return
	}

	client := &Client{
		ID:           clientID,
		Conn:         conn,
		Challenge:    challenge,
		ConnectedAt:  time.Now(),
		LastActivity: time.Now(),
		IPAddress:    r.RemoteAddr,
	}
	s.clients.Add(client)

	defer func() {
		s.clients.Remove(clientID)
		conn.Close()
	}()

	if err := conn.WriteJSON(AuthChallenge{Event: "auth.challenge", Challenge: challenge}); err != nil {
		s.logger.Warn().Err(err).Str("client_id", clientID).Msg("Failed to send challenge")
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.clients.UpdateActivity(clientID)

		var msg AuthResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method != "auth.response" {
			continue
		}

		result := s.authHandler.HandleAuthResponse(client, msg.Signature)
		if err := conn.WriteJSON(result); err != nil {
			return
		}
		if !result.Success && client.AuthAttempts >= 3 {
			return
		}
	}
}
