package gateway

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventMessage is a server-initiated event delivered to websocket
// clients.
type EventMessage struct {
	Type      string      `json:"type,omitempty"`
	Event     string      `json:"event"`
	Seq       int64       `json:"seq,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
	Session   string      `json:"session_key,omitempty"`
}

// AuthChallenge is the first message sent to a connecting client.
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
}

// AuthResponse is the client's answer to a challenge.
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
}

// AuthResult reports the outcome of an authentication attempt.
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// RunRequest is the body of POST /run.
type RunRequest struct {
	Message    string `json:"message"`
	SessionKey string `json:"session_key,omitempty"`
}

// RunResponse is the body of a successful POST /run.
type RunResponse struct {
	Result     string `json:"result"`
	SessionKey string `json:"session_key"`
}

// ErrorResponse is the body of a failed POST /run.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Client is one connected websocket client. Authenticated flips to
// true once the challenge-response handshake succeeds.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
}
