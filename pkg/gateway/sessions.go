package gateway

import (
	"sync"

	"github.com/alehm/duet/pkg/agent"
)

// historyLimit bounds how many prior turns a session carries into the
// next run.
const historyLimit = 40

// sessionStore keeps bounded in-memory conversation history per
// session key.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string][]agent.ConversationMessage
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string][]agent.ConversationMessage)}
}

// History returns a copy of the stored history for a session.
func (s *sessionStore) History(sessionKey string) []agent.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.sessions[sessionKey]
	history := make([]agent.ConversationMessage, len(stored))
	copy(history, stored)
	return history
}

// Append records a completed exchange, trimming to the history limit.
func (s *sessionStore) Append(sessionKey, userMessage, assistantReply string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := append(s.sessions[sessionKey],
		agent.ConversationMessage{Role: agent.RoleUser, Content: userMessage},
		agent.ConversationMessage{Role: agent.RoleAssistant, Content: assistantReply},
	)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	s.sessions[sessionKey] = history
}

// Reset drops the stored history for a session.
func (s *sessionStore) Reset(sessionKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey)
}
