package mesh

import "fmt"

// StaleCredentialError signals that the mesh rejected the bearer token
// (HTTP 401). The caller's session-scoped token needs out-of-band
// renewal; retrying with the same token is pointless.
type StaleCredentialError struct {
	ConnectionID string
}

func (e *StaleCredentialError) Error() string {
	return fmt.Sprintf("mesh credential rejected for connection %s", e.ConnectionID)
}

// RemoteToolError is a tool call that the mesh executed but that failed
// on the far side, or that returned an error-marker payload. It is
// recoverable: the agent turns it into a corrective conversation turn.
type RemoteToolError struct {
	ConnectionID string
	Tool         string
	Message      string
}

func (e *RemoteToolError) Error() string {
	return fmt.Sprintf("remote tool %s failed: %s", e.Tool, e.Message)
}

// ParseError is a malformed RPC response body. It is not recovered at
// the client layer.
type ParseError struct {
	ConnectionID string
	Detail       string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed mesh response from connection %s: %s", e.ConnectionID, e.Detail)
}

// TransportError covers HTTP-level failures other than 401.
type TransportError struct {
	ConnectionID string
	StatusCode   int
	Body         string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mesh request failed with HTTP %d: %s", e.StatusCode, e.Body)
}
