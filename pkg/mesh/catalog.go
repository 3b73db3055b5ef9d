package mesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alehm/duet/internal/observability"
)

// DefaultConnectionTTL is how long a cached connection listing stays
// fresh before the next access triggers a refetch.
const DefaultConnectionTTL = 5 * time.Minute

// ConnectionService is the slice of the RPC client the catalog needs.
type ConnectionService interface {
	ListConnections(ctx context.Context) ([]Connection, error)
	ListTools(ctx context.Context, connectionID string) ([]ToolDescriptor, error)
}

// CatalogConfig holds tool catalog configuration.
type CatalogConfig struct {
	Service ConnectionService
	// LocalTools are statically registered by the host application.
	LocalTools []ToolDescriptor
	// TTL overrides DefaultConnectionTTL.
	TTL time.Duration
	// Now overrides the wall clock (used by tests).
	Now    func() time.Time
	Logger zerolog.Logger
}

// Catalog discovers and caches remote connections and per-connection
// tool schemas, merged with the static local tool list. The connection
// listing is cached with a TTL and refetched lazily on the next access
// after expiry; schemas are cached for the process lifetime, since they
// are assumed stable within an operational session.
type Catalog struct {
	service ConnectionService
	local   []ToolDescriptor
	ttl     time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu          sync.Mutex
	connections []Connection
	fetchedAt   time.Time
	schemas     map[string][]ToolDescriptor
}

// NewCatalog creates a tool catalog.
func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("connection service is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	local := make([]ToolDescriptor, len(cfg.LocalTools))
	copy(local, cfg.LocalTools)
	for i := range local {
		local[i].Source = SourceLocal
	}

	return &Catalog{
		service: cfg.Service,
		local:   local,
		ttl:     ttl,
		now:     now,
		logger:  cfg.Logger,
		schemas: make(map[string][]ToolDescriptor),
	}, nil
}

// LocalTools returns the statically registered local tools.
func (c *Catalog) LocalTools() []ToolDescriptor {
	out := make([]ToolDescriptor, len(c.local))
	copy(out, c.local)
	return out
}

// ListConnections returns the cached connection listing, refetching it
// when the TTL window has elapsed. A stale entry never blocks the
// caller beyond the single refetch it triggers.
func (c *Catalog) ListConnections(ctx context.Context) ([]Connection, error) {
	c.mu.Lock()
	cached := c.connections
	fresh := cached != nil && c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.Unlock()

	observability.RecordCacheAccess("connections", fresh)
	if fresh {
		return copyConnections(cached), nil
	}

	connections, err := c.service.ListConnections(ctx)
	if err != nil {
		if cached != nil {
			c.logger.Warn().Err(err).Msg("Connection refetch failed, serving stale listing")
			return copyConnections(cached), nil
		}
		return nil, fmt.Errorf("list mesh connections: %w", err)
	}

	c.mu.Lock()
	c.connections = connections
	c.fetchedAt = c.now()
	c.mu.Unlock()

	c.logger.Debug().Int("connections", len(connections)).Msg("Refreshed mesh connection listing")
	return copyConnections(connections), nil
}

// ConnectionDetails returns one connection with its full tool schemas.
func (c *Catalog) ConnectionDetails(ctx context.Context, connectionID string) (Connection, error) {
	connections, err := c.ListConnections(ctx)
	if err != nil {
		return Connection{}, err
	}

	var found *Connection
	for i := range connections {
		if connections[i].ID == connectionID {
			found = &connections[i]
			break
		}
	}
	if found == nil {
		return Connection{}, fmt.Errorf("unknown mesh connection: %s", connectionID)
	}

	tools, err := c.connectionSchemas(ctx, connectionID)
	if err != nil {
		return Connection{}, err
	}

	detail := *found
	detail.Tools = tools
	detail.ToolCount = len(tools)
	return detail, nil
}

// connectionSchemas returns the process-lifetime cached schema list for
// one connection, fetching it on first access.
func (c *Catalog) connectionSchemas(ctx context.Context, connectionID string) ([]ToolDescriptor, error) {
	c.mu.Lock()
	tools, ok := c.schemas[connectionID]
	c.mu.Unlock()
	observability.RecordCacheAccess("schemas", ok)
	if ok {
		out := make([]ToolDescriptor, len(tools))
		copy(out, tools)
		return out, nil
	}

	fetched, err := c.service.ListTools(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("fetch tool schemas for %s: %w", connectionID, err)
	}

	c.mu.Lock()
	c.schemas[connectionID] = fetched
	c.mu.Unlock()

	out := make([]ToolDescriptor, len(fetched))
	copy(out, fetched)
	return out, nil
}

// ResolveLocal looks up a local tool by name.
func (c *Catalog) ResolveLocal(name string) (ToolDescriptor, bool) {
	for _, tool := range c.local {
		if tool.Name == name {
			return tool, true
		}
	}
	return ToolDescriptor{}, false
}

// ResolveRemote resolves a remote tool to its full descriptor. When
// connectionID is empty, cached connections are scanned for the first
// one containing a matching tool name. An unresolved name is reported
// as not found; it is never substituted by a fuzzy match.
func (c *Catalog) ResolveRemote(ctx context.Context, name, connectionID string) (ToolDescriptor, bool, error) {
	if connectionID == "" {
		connections, err := c.ListConnections(ctx)
		if err != nil {
			return ToolDescriptor{}, false, err
		}
		for _, conn := range connections {
			for _, tool := range conn.Tools {
				if tool.Name == name {
					connectionID = conn.ID
					break
				}
			}
			if connectionID != "" {
				break
			}
		}
		if connectionID == "" {
			return ToolDescriptor{}, false, nil
		}
	}

	tools, err := c.connectionSchemas(ctx, connectionID)
	if err != nil {
		return ToolDescriptor{}, false, err
	}
	for _, tool := range tools {
		if tool.Name == name {
			return tool, true, nil
		}
	}
	return ToolDescriptor{}, false, nil
}

// Suggest produces a fuzzy candidate list for an unresolved tool name.
// Matching is case- and underscore-insensitive, in both substring
// directions. The suggestions are diagnostic only.
func (c *Catalog) Suggest(name string) []string {
	needle := normalizeToolName(name)
	if needle == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var suggestions []string
	add := func(candidate string) {
		haystack := normalizeToolName(candidate)
		if haystack == needle || strings.Contains(haystack, needle) || strings.Contains(needle, haystack) {
			if _, dup := seen[candidate]; !dup {
				seen[candidate] = struct{}{}
				suggestions = append(suggestions, candidate)
			}
		}
	}

	for _, tool := range c.local {
		add(tool.Name)
	}

	c.mu.Lock()
	cached := c.connections
	c.mu.Unlock()
	for _, conn := range cached {
		for _, tool := range conn.Tools {
			add(tool.Name)
		}
	}

	sort.Strings(suggestions)
	return suggestions
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
}

func copyConnections(connections []Connection) []Connection {
	out := make([]Connection, len(connections))
	copy(out, connections)
	return out
}
