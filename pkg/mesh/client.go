package mesh

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/alehm/duet/internal/observability"
)

// errorMarkerPrefix is the prefix the mesh puts on text payloads that
// describe a tool failure instead of a result.
const errorMarkerPrefix = "Error:"

// TokenProvider resolves the bearer token for the current session.
// Tokens are short-lived and supplied per session; the client never
// caches or persists them.
type TokenProvider func() (string, error)

// ClientConfig holds RPC client configuration.
type ClientConfig struct {
	// BaseURL is the mesh root, e.g. https://mesh.example.com/v1.
	BaseURL string
	// Token resolves the session bearer token at call time.
	Token TokenProvider
	// HTTPClient overrides the default client (used by tests).
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client issues tool-execution requests to the mesh. Each remote tool
// group ("connection") has a single request/response endpoint; one POST
// is issued per call.
type Client struct {
	baseURL string
	token   TokenProvider
	http    *http.Client
	logger  zerolog.Logger
}

// JSON-RPC envelope types for the mesh endpoint.
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// contentItem is one entry of a tool result's content list.
type contentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// callResult is the wire shape of a tools/call result.
type callResult struct {
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	Content           []contentItem   `json:"content,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// NewClient creates a mesh RPC client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mesh base URL is required")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token provider is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		logger:  cfg.Logger,
	}, nil
}

// CallTool invokes one remote tool on the given connection and
// normalizes the response into a ToolResult. The response body may be a
// single JSON document or a multi-frame event stream; for streams only
// the last data frame is authoritative.
func (c *Client) CallTool(ctx context.Context, connectionID, toolName string, args map[string]interface{}) (ToolResult, error) {
	if args == nil {
		args = map[string]interface{}{}
	}

	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/call",
		Params: map[string]interface{}{
			"name":      toolName,
			"arguments": args,
		},
		ID: uuid.New().String(),
	}

	start := time.Now()
	resp, err := c.post(ctx, c.connectionURL(connectionID), connectionID, req)
	if err != nil {
		return ToolResult{}, err
	}

	if resp.Error != nil {
		return ToolResult{}, &RemoteToolError{
			ConnectionID: connectionID,
			Tool:         toolName,
			Message:      fmt.Sprintf("mesh error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	result, err := decodeCallResult(connectionID, toolName, resp.Result)
	if err != nil {
		return ToolResult{}, err
	}

	c.logger.Debug().
		Str("connection_id", connectionID).
		Str("tool", toolName).
		Str("result_kind", string(result.Kind)).
		Dur("duration", time.Since(start)).
		Msg("Mesh tool call completed")

	return result, nil
}

// ListConnections fetches the connection groups visible to the current
// credential. The listing carries tool names and descriptions but not
// full schemas.
func (c *Client) ListConnections(ctx context.Context) ([]Connection, error) {
	token, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("resolve mesh token: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/connections", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mesh request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		observability.RecordStaleCredential()
		return nil, &StaleCredentialError{}
	}
	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(httpResp.Body)
		return nil, &TransportError{StatusCode: httpResp.StatusCode, Body: truncateBody(body)}
	}

	var listing struct {
		Connections []Connection `json:"connections"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&listing); err != nil {
		return nil, &ParseError{Detail: err.Error()}
	}

	for i := range listing.Connections {
		conn := &listing.Connections[i]
		if conn.ToolCount == 0 {
			conn.ToolCount = len(conn.Tools)
		}
		for j := range conn.Tools {
			conn.Tools[j].Source = SourceRemote
			conn.Tools[j].ConnectionID = conn.ID
		}
	}

	return listing.Connections, nil
}

// ListTools fetches the full tool schemas for one connection.
func (c *Client) ListTools(ctx context.Context, connectionID string) ([]ToolDescriptor, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "tools/list",
		ID:      uuid.New().String(),
	}

	resp, err := c.post(ctx, c.connectionURL(connectionID), connectionID, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &RemoteToolError{
			ConnectionID: connectionID,
			Tool:         "tools/list",
			Message:      fmt.Sprintf("mesh error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	var listing struct {
		Tools []struct {
			Name        string                 `json:"name"`
			Description string                 `json:"description"`
			InputSchema map[string]interface{} `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &listing); err != nil {
		return nil, &ParseError{ConnectionID: connectionID, Detail: err.Error()}
	}

	descriptors := make([]ToolDescriptor, 0, len(listing.Tools))
	for _, t := range listing.Tools {
		descriptors = append(descriptors, ToolDescriptor{
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			Source:       SourceRemote,
			ConnectionID: connectionID,
		})
	}

	return descriptors, nil
}

func (c *Client) connectionURL(connectionID string) string {
	return fmt.Sprintf("%s/connections/%s/rpc", c.baseURL, connectionID)
}

// post issues one JSON-RPC request and decodes the response envelope,
// branching on the two supported encodings.
func (c *Client) post(ctx context.Context, url, connectionID string, req rpcRequest) (*rpcResponse, error) {
	token, err := c.token()
	if err != nil {
		return nil, fmt.Errorf("resolve mesh token: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("mesh request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusUnauthorized {
		observability.RecordStaleCredential()
		return nil, &StaleCredentialError{ConnectionID: connectionID}
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, &TransportError{
			ConnectionID: connectionID,
			StatusCode:   httpResp.StatusCode,
			Body:         truncateBody(respBody),
		}
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return decodeStreamResponse(connectionID, httpResp.Body)
	}
	return decodeSingleResponse(connectionID, httpResp.Body)
}

func decodeSingleResponse(connectionID string, body io.Reader) (*rpcResponse, error) {
	var resp rpcResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, &ParseError{ConnectionID: connectionID, Detail: err.Error()}
	}
	return &resp, nil
}

// decodeStreamResponse reads an event-stream body and returns the
// payload of the last data frame. Intermediate frames carry progress
// snapshots and are superseded by the final one.
func decodeStreamResponse(connectionID string, body io.Reader) (*rpcResponse, error) {
	var last string

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		last = data
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{ConnectionID: connectionID, Detail: fmt.Sprintf("read stream: %v", err)}
	}
	if last == "" {
		return nil, &ParseError{ConnectionID: connectionID, Detail: "event stream contained no data frames"}
	}

	var resp rpcResponse
	if err := json.Unmarshal([]byte(last), &resp); err != nil {
		return nil, &ParseError{ConnectionID: connectionID, Detail: err.Error()}
	}
	return &resp, nil
}

// decodeCallResult normalizes a tools/call result into the closed
// ToolResult variants. Precedence: structured field verbatim, then the
// first image content item as a data URL, then the first text item.
func decodeCallResult(connectionID, toolName string, raw json.RawMessage) (ToolResult, error) {
	if len(raw) == 0 {
		return ToolResult{Kind: ResultText}, nil
	}

	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, &ParseError{ConnectionID: connectionID, Detail: err.Error()}
	}

	if len(result.StructuredContent) > 0 && string(result.StructuredContent) != "null" {
		var structured interface{}
		if err := json.Unmarshal(result.StructuredContent, &structured); err != nil {
			return ToolResult{}, &ParseError{ConnectionID: connectionID, Detail: err.Error()}
		}
		return ToolResult{Kind: ResultStructured, Structured: structured}, nil
	}

	for _, item := range result.Content {
		if item.Type == "image" && item.Data != "" {
			mimeType := item.MimeType
			if mimeType == "" {
				mimeType = "image/png"
			}
			return ToolResult{
				Kind:    ResultImage,
				DataURL: fmt.Sprintf("data:%s;base64,%s", mimeType, item.Data),
			}, nil
		}
	}

	for _, item := range result.Content {
		if item.Type != "text" {
			continue
		}
		text := item.Text
		if result.IsError || strings.HasPrefix(strings.TrimSpace(text), errorMarkerPrefix) {
			return ToolResult{}, &RemoteToolError{
				ConnectionID: connectionID,
				Tool:         toolName,
				Message:      strings.TrimSpace(text),
			}
		}
		// Tool output is frequently JSON serialized into a text item;
		// surface it structured when it parses.
		if gjson.Valid(text) {
			parsed := gjson.Parse(text)
			if parsed.IsObject() || parsed.IsArray() {
				var structured interface{}
				if err := json.Unmarshal([]byte(text), &structured); err == nil {
					return ToolResult{Kind: ResultStructured, Structured: structured}, nil
				}
			}
		}
		return ToolResult{Kind: ResultText, Text: text}, nil
	}

	if result.IsError {
		return ToolResult{}, &RemoteToolError{
			ConnectionID: connectionID,
			Tool:         toolName,
			Message:      "tool reported an error without detail",
		}
	}

	return ToolResult{Kind: ResultText}, nil
}

func truncateBody(body []byte) string {
	const limit = 512
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
