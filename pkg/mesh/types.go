package mesh

// ToolSource identifies where a tool is executed.
type ToolSource string

const (
	// SourceLocal marks tools implemented by the host application.
	SourceLocal ToolSource = "local"
	// SourceRemote marks tools hosted on the mesh.
	SourceRemote ToolSource = "remote"
)

// ToolDescriptor describes a single callable tool. Descriptors are
// immutable once fetched.
type ToolDescriptor struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	InputSchema  map[string]interface{} `json:"input_schema,omitempty"`
	Source       ToolSource             `json:"source"`
	ConnectionID string                 `json:"connection_id,omitempty"`
}

// Connection is a named group of tools exposed by the mesh, typically
// one external integration.
type Connection struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	ToolCount int              `json:"tool_count"`
	Tools     []ToolDescriptor `json:"tools"`
}

// ResultKind tags the variant carried by a ToolResult.
type ResultKind string

const (
	// ResultStructured carries a decoded JSON payload.
	ResultStructured ResultKind = "structured"
	// ResultImage carries a single data URL extracted from an image
	// content item.
	ResultImage ResultKind = "image"
	// ResultText carries a plain text payload.
	ResultText ResultKind = "text"
)

// ToolResult is the normalized outcome of one tool invocation. Exactly
// one of the payload fields is meaningful, selected by Kind.
type ToolResult struct {
	Kind       ResultKind  `json:"kind"`
	Structured interface{} `json:"structured,omitempty"`
	DataURL    string      `json:"data_url,omitempty"`
	Text       string      `json:"text,omitempty"`
}
