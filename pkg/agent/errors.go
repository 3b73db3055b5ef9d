package agent

import "fmt"

// ConfigurationError means the agent has no usable auth or binding. It
// is fatal and aborts a run before any model call.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent misconfigured: %s", e.Reason)
}

// ValidationError is a tool call with missing or empty required
// arguments. It is recoverable: the executor turns it into a corrective
// conversation turn.
type ValidationError struct {
	Tool    string
	Missing []string
	Detail  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("tool %s called without required arguments: %v", e.Tool, e.Missing)
	}
	return fmt.Sprintf("tool %s arguments invalid: %s", e.Tool, e.Detail)
}
