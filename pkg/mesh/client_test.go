package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func staticToken(token string) TokenProvider {
	return func() (string, error) { return token, nil }
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL,
		Token:   staticToken("test-token"),
	})
	require.NoError(t, err)

	return client, server
}

func rpcResult(result interface{}) map[string]interface{} {
	return map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      "1",
		"result":  result,
	}
}

func TestClient_CallTool_SingleJSONResponse(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/connections/conn-1/rpc", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/call", req.Method)

		params, ok := req.Params.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "search_issues", params["name"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"structuredContent": map[string]interface{}{"issues": []interface{}{"A-1"}},
		}))
	}))

	result, err := client.CallTool(context.Background(), "conn-1", "search_issues", map[string]interface{}{"query": "open"})
	require.NoError(t, err)

	assert.Equal(t, ResultStructured, result.Kind)
	structured, ok := result.Structured.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, structured, "issues")
}

func TestClient_CallTool_StreamResponseLastFrameWins(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		progress1, _ := json.Marshal(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "working (1/3)"}},
		}))
		progress2, _ := json.Marshal(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "working (2/3)"}},
		}))
		final, _ := json.Marshal(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": "done"}},
		}))

		fmt.Fprintf(w, "event: message\ndata: %s\n\n", progress1)
		fmt.Fprintf(w, "data: %s\n\n", progress2)
		fmt.Fprintf(w, "data: %s\n\n", final)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	result, err := client.CallTool(context.Background(), "conn-1", "slow_tool", nil)
	require.NoError(t, err)

	assert.Equal(t, ResultText, result.Kind)
	assert.Equal(t, "done", result.Text)
}

func TestClient_CallTool_StreamWithoutDataFramesIsParseError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: ping\n\n")
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "slow_tool", nil)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "conn-1", parseErr.ConnectionID)
}

func TestClient_CallTool_UnauthorizedIsStaleCredential(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "any_tool", nil)

	var stale *StaleCredentialError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "conn-1", stale.ConnectionID)
}

func TestClient_CallTool_ServerErrorIsTransportError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream unavailable")
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "any_tool", nil)

	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, http.StatusBadGateway, transport.StatusCode)
	assert.Contains(t, transport.Body, "upstream unavailable")
}

func TestClient_CallTool_ImageContentBecomesDataURL(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "image", "data": "aGVsbG8=", "mimeType": "image/jpeg"},
				{"type": "text", "text": "screenshot attached"},
			},
		}))
	}))

	result, err := client.CallTool(context.Background(), "conn-1", "screenshot", nil)
	require.NoError(t, err)

	assert.Equal(t, ResultImage, result.Kind)
	assert.Equal(t, "data:image/jpeg;base64,aGVsbG8=", result.DataURL)
}

func TestClient_CallTool_JSONTextSurfacesStructured(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": `{"count": 3, "items": ["a", "b", "c"]}`},
			},
		}))
	}))

	result, err := client.CallTool(context.Background(), "conn-1", "list_items", nil)
	require.NoError(t, err)

	assert.Equal(t, ResultStructured, result.Kind)
	structured, ok := result.Structured.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), structured["count"])
}

func TestClient_CallTool_ErrorMarkerIsRemoteToolError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": "Error: issue PROJ-99 not found"},
			},
		}))
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "get_issue", nil)

	var remoteErr *RemoteToolError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "get_issue", remoteErr.Tool)
	assert.Contains(t, remoteErr.Message, "PROJ-99")
}

func TestClient_CallTool_IsErrorFlagIsRemoteToolError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"isError": true,
			"content": []map[string]interface{}{
				{"type": "text", "text": "rate limit exceeded"},
			},
		}))
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "get_issue", nil)

	var remoteErr *RemoteToolError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "rate limit")
}

func TestClient_CallTool_RPCErrorEnvelope(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      "1",
			"error":   map[string]interface{}{"code": -32602, "message": "unknown tool"},
		})
	}))

	_, err := client.CallTool(context.Background(), "conn-1", "nope", nil)

	var remoteErr *RemoteToolError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "unknown tool")
}

func TestClient_ListConnections(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/connections", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"connections": []map[string]interface{}{
				{
					"id":    "conn-1",
					"title": "Issue Tracker",
					"tools": []map[string]interface{}{
						{"name": "search_issues", "description": "Search issues"},
						{"name": "create_issue", "description": "Create an issue"},
					},
				},
			},
		})
	}))

	connections, err := client.ListConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, connections, 1)

	conn := connections[0]
	assert.Equal(t, "conn-1", conn.ID)
	assert.Equal(t, 2, conn.ToolCount)
	for _, tool := range conn.Tools {
		assert.Equal(t, SourceRemote, tool.Source)
		assert.Equal(t, "conn-1", tool.ConnectionID)
	}
}

func TestClient_ListConnections_Unauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.ListConnections(context.Background())

	var stale *StaleCredentialError
	assert.ErrorAs(t, err, &stale)
}

func TestClient_ListTools(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tools/list", req.Method)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResult(map[string]interface{}{
			"tools": []map[string]interface{}{
				{
					"name":        "search_issues",
					"description": "Search issues",
					"inputSchema": map[string]interface{}{
						"type":     "object",
						"required": []string{"query"},
					},
				},
			},
		}))
	}))

	tools, err := client.ListTools(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Len(t, tools, 1)

	assert.Equal(t, "search_issues", tools[0].Name)
	assert.Equal(t, SourceRemote, tools[0].Source)
	assert.NotNil(t, tools[0].InputSchema)
}

func TestClient_CallTool_TokenProviderFailure(t *testing.T) {
	client, err := NewClient(ClientConfig{
		BaseURL: "http://localhost:1",
		Token:   func() (string, error) { return "", errors.New("vault sealed") },
	})
	require.NoError(t, err)

	_, err = client.CallTool(context.Background(), "conn-1", "any", nil)
	assert.ErrorContains(t, err, "vault sealed")
}
