package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alehm/duet/pkg/agent"
	"github.com/alehm/duet/pkg/commandqueue"
	"github.com/alehm/duet/pkg/mesh"
)

const testSecret = "test-shared-secret"

func newTestServer(t *testing.T, dispatcher Dispatcher) *Server {
	t.Helper()

	queue := commandqueue.New()
	t.Cleanup(func() { queue.Close() })

	if dispatcher == nil {
		dispatcher = func(_ context.Context, _ agent.ProgressSink, message string, _ []agent.ConversationMessage) (string, error) {
			return "echo: " + message, nil
		}
	}

	s, err := NewServer(Config{
		Host:         "127.0.0.1",
		Port:         8745,
		SharedSecret: testSecret,
		Queue:        queue,
		Dispatcher:   dispatcher,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return s
}

func postRun(t *testing.T, s *Server, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(http.MethodPost, "/run", &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.handleRun(rr, req)
	return rr
}

func TestNewServer_Validation(t *testing.T) {
	queue := commandqueue.New()
	defer queue.Close()
	dispatcher := func(context.Context, agent.ProgressSink, string, []agent.ConversationMessage) (string, error) {
		return "", nil
	}

	_, err := NewServer(Config{Port: 0, SharedSecret: "s", Queue: queue, Dispatcher: dispatcher})
	assert.ErrorContains(t, err, "invalid port")

	_, err = NewServer(Config{Port: 8745, Queue: queue, Dispatcher: dispatcher})
	assert.ErrorContains(t, err, "shared secret")

	_, err = NewServer(Config{Port: 8745, SharedSecret: "s", Dispatcher: dispatcher})
	assert.ErrorContains(t, err, "command queue")

	_, err = NewServer(Config{Port: 8745, SharedSecret: "s", Queue: queue})
	assert.ErrorContains(t, err, "dispatcher")
}

func TestHandleRun_Success(t *testing.T) {
	s := newTestServer(t, nil)

	rr := postRun(t, s, testSecret, RunRequest{Message: "hello", SessionKey: "session-1"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "echo: hello", resp.Result)
	assert.Equal(t, "session-1", resp.SessionKey)
}

func TestHandleRun_GeneratesSessionKey(t *testing.T) {
	s := newTestServer(t, nil)

	rr := postRun(t, s, testSecret, RunRequest{Message: "hello"})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.SessionKey)
}

func TestHandleRun_RejectsBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	rr := postRun(t, s, "", RunRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postRun(t, s, "wrong-token", RunRequest{Message: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = postRun(t, s, testSecret, RunRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postRun(t, s, testSecret, "{not json")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/run", nil)
	rec := httptest.NewRecorder()
	s.handleRun(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleRun_HistoryFlowsAcrossRuns(t *testing.T) {
	var captured []agent.ConversationMessage
	s := newTestServer(t, func(_ context.Context, _ agent.ProgressSink, message string, history []agent.ConversationMessage) (string, error) {
		captured = history
		return "reply to " + message, nil
	})

	rr := postRun(t, s, testSecret, RunRequest{Message: "first", SessionKey: "s1"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, captured)

	rr = postRun(t, s, testSecret, RunRequest{Message: "second", SessionKey: "s1"})
	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, captured, 2)
	assert.Equal(t, agent.RoleUser, captured[0].Role)
	assert.Equal(t, "first", captured[0].Content)
	assert.Equal(t, agent.RoleAssistant, captured[1].Role)
	assert.Equal(t, "reply to first", captured[1].Content)

	// Sessions do not leak into each other.
	rr = postRun(t, s, testSecret, RunRequest{Message: "third", SessionKey: "s2"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, captured)
}

func TestHandleRun_ErrorClassification(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"stale credential", &mesh.StaleCredentialError{ConnectionID: "conn-1"}, http.StatusBadGateway, "stale_credential"},
		{"transport", &mesh.TransportError{StatusCode: 502}, http.StatusBadGateway, "transport"},
		{"parse", &mesh.ParseError{Detail: "bad frame"}, http.StatusBadGateway, "parse"},
		{"configuration", &agent.ConfigurationError{Reason: "no provider"}, http.StatusInternalServerError, "configuration"},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		s := newTestServer(t, func(context.Context, agent.ProgressSink, string, []agent.ConversationMessage) (string, error) {
			return "", tc.err
		})

		rr := postRun(t, s, testSecret, RunRequest{Message: "go", SessionKey: "s1"})
		assert.Equal(t, tc.wantStatus, rr.Code, tc.name)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp), tc.name)
		assert.Equal(t, tc.wantKind, resp.Kind, tc.name)
	}
}

func signChallenge(secret, challenge string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

func TestAuthHandler_ChallengeResponse(t *testing.T) {
	auth := NewAuthHandler(testSecret)

	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, challenge, 64)

	client := &Client{ID: "c1", Challenge: challenge}
	result := auth.HandleAuthResponse(client, signChallenge(testSecret, challenge))
	assert.True(t, result.Success)
	assert.Equal(t, "auth.success", result.Event)
	assert.True(t, client.Authenticated)
	assert.Empty(t, client.Challenge, "a challenge is single use")
}

func TestAuthHandler_RejectsBadSignature(t *testing.T) {
	auth := NewAuthHandler(testSecret)

	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	client := &Client{ID: "c1", Challenge: challenge}
	result := auth.HandleAuthResponse(client, signChallenge("wrong-secret", challenge))
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid signature", result.Message)
	assert.False(t, client.Authenticated)

	result = auth.HandleAuthResponse(client, "garbage")
	assert.Equal(t, "Invalid signature", result.Message)

	result = auth.HandleAuthResponse(client, "garbage")
	assert.Equal(t, "Too many failed attempts", result.Message)
}

func TestAuthHandler_RequiresChallenge(t *testing.T) {
	auth := NewAuthHandler(testSecret)
	result := auth.HandleAuthResponse(&Client{ID: "c1"}, "sig")
	assert.False(t, result.Success)
	assert.Equal(t, "No challenge found", result.Message)
}

func TestSessionStore_TrimsToHistoryLimit(t *testing.T) {
	store := newSessionStore()

	for i := 0; i < 25; i++ {
		store.Append("s1", "user "+string(rune('a'+i)), "reply")
	}

	history := store.History("s1")
	require.Len(t, history, historyLimit)
	assert.Equal(t, "user "+string(rune('a'+5)), history[0].Content)
	assert.Equal(t, agent.RoleAssistant, history[len(history)-1].Role)
}

func TestSessionStore_HistoryIsACopy(t *testing.T) {
	store := newSessionStore()
	store.Append("s1", "hello", "hi")

	history := store.History("s1")
	history[0].Content = "mutated"

	assert.Equal(t, "hello", store.History("s1")[0].Content)
}

func TestSessionStore_Reset(t *testing.T) {
	store := newSessionStore()
	store.Append("s1", "hello", "hi")
	store.Reset("s1")
	assert.Empty(t, store.History("s1"))
}

func TestClientRegistry(t *testing.T) {
	registry := NewClientRegistry()

	registry.Add(&Client{ID: "c1", Authenticated: true})
	registry.Add(&Client{ID: "c2"})

	assert.Equal(t, 2, registry.Count())

	client, ok := registry.Get("c1")
	require.True(t, ok)
	assert.True(t, client.Authenticated)

	assert.Len(t, registry.GetAll(), 2)
	authed := registry.GetAuthenticatedClients()
	require.Len(t, authed, 1)
	assert.Equal(t, "c1", authed[0].ID)

	registry.Remove("c1")
	assert.Equal(t, 1, registry.Count())
	_, ok = registry.Get("c1")
	assert.False(t, ok)
}
