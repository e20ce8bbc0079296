// Package registry maintains the view of peer services and their tools.
//
// Peers are discovered through Consul: each service's first healthy
// instance contributes a hostname tag from which the HTTP, WebSocket and
// MCP endpoints are derived. Tool catalogs are refreshed from every
// MCP-enabled peer with a JSON-RPC tools/list call and merged by tool name.
//
// Discovery failures never poison the last known good state: the previous
// service set and per-server tool lists are retained until a refresh
// succeeds, except that tools of servers that vanished from Consul are
// dropped.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/lily-assistant/lily-core/pkg/httpclient"
)

const (
	// RefreshInterval is the cadence of the periodic discovery cycle.
	RefreshInterval = 30 * time.Second

	// RetryDelay is how long to wait after a failed cycle.
	RetryDelay = 5 * time.Second
)

// ServiceInfo describes one discovered peer.
type ServiceInfo struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	HTTPURL      string `json:"http_url"`
	WebSocketURL string `json:"websocket_url,omitempty"`
	MCPURL       string `json:"mcp_url,omitempty"`
	MCP          bool   `json:"mcp"`
}

// Registry owns the peer set, the merged tool catalog and the ids this
// process has registered with Consul.
type Registry struct {
	consul   *consulapi.Client
	http     *httpclient.Client
	selfName string

	mu             sync.RWMutex
	services       map[string]ServiceInfo
	toolsPerServer map[string][]mcp.Tool
	serverOrder    []string
	catalog        map[string]mcp.Tool
	registeredIDs  []string
}

// New creates a Registry talking to the Consul agent at addr (host:port).
// selfName is this process's own service name, which discovery skips.
func New(addr, selfName string) (*Registry, error) {
	client, err := consulapi.NewClient(&consulapi.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &Registry{
		consul:         client,
		http:           httpclient.New(httpclient.WithMaxRetries(2), httpclient.WithBaseDelay(time.Second)),
		selfName:       selfName,
		services:       make(map[string]ServiceInfo),
		toolsPerServer: make(map[string][]mcp.Tool),
		catalog:        make(map[string]mcp.Tool),
	}, nil
}

// Discover queries Consul for the current service set and derives peer
// endpoints from the first healthy instance of each service.
func (r *Registry) Discover(ctx context.Context) error {
	names, _, err := r.consul.Catalog().Services((&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to list consul services: %w", err)
	}

	discovered := make(map[string]ServiceInfo)
	for name := range names {
		if name == r.selfName || name == "consul" {
			continue
		}

		entries, _, err := r.consul.Health().Service(name, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
		if err != nil {
			slog.Warn("Failed to fetch healthy instances", "service", name, "error", err)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		info, ok := serviceFromEntry(name, entries[0])
		if !ok {
			slog.Debug("Skipping service without hostname tag", "service", name)
			continue
		}
		discovered[name] = info
	}

	r.mu.Lock()
	r.services = discovered
	// Drop retained tools of servers that are no longer discovered.
	current := make(map[string]bool, len(discovered))
	for _, info := range discovered {
		if info.MCP {
			current[info.MCPURL] = true
		}
	}
	for url := range r.toolsPerServer {
		if !current[url] {
			delete(r.toolsPerServer, url)
		}
	}
	kept := r.serverOrder[:0]
	for _, url := range r.serverOrder {
		if current[url] {
			kept = append(kept, url)
		}
	}
	r.serverOrder = kept
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	slog.Info("Service discovery completed", "services", len(discovered))
	return nil
}

// serviceFromEntry derives a ServiceInfo from a healthy Consul instance.
// The hostname tag carries the public name the URLs are built from.
func serviceFromEntry(name string, entry *consulapi.ServiceEntry) (ServiceInfo, bool) {
	var host string
	var isMCP bool
	for _, tag := range entry.Service.Tags {
		if strings.HasPrefix(tag, "hostname=") {
			host = strings.TrimPrefix(tag, "hostname=")
		}
		if tag == "mcp" {
			isMCP = true
		}
	}
	if host == "" {
		return ServiceInfo{}, false
	}

	info := ServiceInfo{
		ID:           entry.Service.ID,
		Name:         name,
		HTTPURL:      fmt.Sprintf("https://%s/api", host),
		WebSocketURL: fmt.Sprintf("wss://%s/ws", host),
		MCP:          isMCP,
	}
	if isMCP {
		info.MCPURL = fmt.Sprintf("https://%s/mcp", host)
	}
	return info, true
}

// RefreshTools pulls tools/list from every MCP-enabled peer and merges the
// results into the catalog. A failing server keeps its previously known
// tools as long as it stays discovered.
func (r *Registry) RefreshTools(ctx context.Context) {
	for _, info := range r.MCPServers() {
		tools, err := r.listTools(ctx, info.MCPURL)
		if err != nil {
			slog.Warn("Tool discovery failed, retaining last known tools",
				"service", info.Name, "url", info.MCPURL, "error", err)
			continue
		}

		r.mu.Lock()
		r.toolsPerServer[info.MCPURL] = tools
		r.touchServerLocked(info.MCPURL)
		r.rebuildCatalogLocked()
		r.mu.Unlock()

		slog.Info("Discovered tools", "service", info.Name, "tools", len(tools))
	}
}

// listTools issues the JSON-RPC tools/list request against one MCP server.
func (r *Registry) listTools(ctx context.Context, url string) ([]mcp.Tool, error) {
	body, err := r.http.PostJSON(ctx, url, map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/list",
		"id":      1,
	})
	if err != nil {
		return nil, err
	}

	result, ok := body["result"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("missing result in tools/list response")
	}
	rawTools, ok := result["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response")
	}

	var tools []mcp.Tool
	for _, raw := range rawTools {
		// Round-trip through JSON to get a typed tool declaration.
		data, err := json.Marshal(raw)
		if err != nil {
			continue
		}
		var tool mcp.Tool
		if err := json.Unmarshal(data, &tool); err != nil || tool.Name == "" {
			continue
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// touchServerLocked moves url to the end of the refresh order, so its
// tools win name collisions until another server refreshes after it.
func (r *Registry) touchServerLocked(url string) {
	for i, existing := range r.serverOrder {
		if existing == url {
			r.serverOrder = append(r.serverOrder[:i], r.serverOrder[i+1:]...)
			break
		}
	}
	r.serverOrder = append(r.serverOrder, url)
}

// rebuildCatalogLocked merges per-server lists into the name-keyed catalog
// in refresh order. The most recently refreshed server wins on collisions.
func (r *Registry) rebuildCatalogLocked() {
	catalog := make(map[string]mcp.Tool)
	for _, url := range r.serverOrder {
		for _, tool := range r.toolsPerServer[url] {
			catalog[tool.Name] = tool
		}
	}
	r.catalog = catalog
}

// Run drives periodic discovery until the context is cancelled. A failed
// cycle backs off briefly instead of waiting a full interval.
func (r *Registry) Run(ctx context.Context) error {
	for {
		delay := RefreshInterval
		if err := r.Discover(ctx); err != nil {
			slog.Error("Discovery cycle failed", "error", err)
			delay = RetryDelay
		} else {
			r.RefreshTools(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// Tools returns the merged catalog sorted by tool name.
func (r *Registry) Tools() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]mcp.Tool, 0, len(r.catalog))
	for _, t := range r.catalog {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// ToolCount returns the catalog size.
func (r *Registry) ToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.catalog)
}

// ToolsPerServer returns a snapshot of each server's tool list keyed by
// MCP URL.
func (r *Registry) ToolsPerServer() map[string][]mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]mcp.Tool, len(r.toolsPerServer))
	for url, tools := range r.toolsPerServer {
		out[url] = append([]mcp.Tool(nil), tools...)
	}
	return out
}

// Services returns a snapshot of all discovered peers.
func (r *Registry) Services() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, info := range r.services {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ServiceWebSocketURL returns the discovered WebSocket endpoint of a named
// peer, for connectors that prefer discovery over static configuration.
func (r *Registry) ServiceWebSocketURL(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.services[name]
	if !ok || info.WebSocketURL == "" {
		return "", false
	}
	return info.WebSocketURL, true
}

// MCPServers returns the discovered peers that expose an MCP endpoint.
func (r *Registry) MCPServers() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ServiceInfo
	for _, info := range r.services {
		if info.MCP && info.MCPURL != "" {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MCPServerURLs returns the MCP endpoints in stable order, for the tool
// executor's per-server attempts.
func (r *Registry) MCPServerURLs() []string {
	servers := r.MCPServers()
	urls := make([]string, 0, len(servers))
	for _, s := range servers {
		urls = append(urls, s.MCPURL)
	}
	return urls
}
