// Package mcp connects the MCP servers a session configures and exposes
// their tool lists. Transport support is gated against the negotiated
// capabilities: stdio always, HTTP and SSE only when advertised.
package mcp

import (
	"context"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/logging"
)

// Tool is one tool advertised by a connected MCP server.
type Tool struct {
	Server      string
	Name        string
	Description string
}

// ConnectResult reports the per-server outcome of a Connect call. A failed
// server does not fail the whole call; the caller decides whether that is
// fatal.
type ConnectResult struct {
	Name      string
	Err       error
	ToolCount int
}

// Manager validates and owns MCP server connections per session.
type Manager interface {
	Connect(ctx context.Context, sessionID string, configs []capability.McpServerConfig) []ConnectResult
	Disconnect(sessionID string)
	Tools(sessionID string) []Tool
	Shutdown()
}

type connection struct {
	name   string
	client *mcpclient.Client
	tools  []Tool
}

// ClientManager is the mark3labs/mcp-go backed Manager.
type ClientManager struct {
	registry *capability.Registry
	logger   *logging.Logger

	mu       sync.Mutex
	sessions map[string][]*connection
}

// NewClientManager returns a ClientManager validating transports against
// registry.
func NewClientManager(registry *capability.Registry, log *logging.Logger) *ClientManager {
	return &ClientManager{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "mcp")),
		sessions: make(map[string][]*connection),
	}
}

// Connect validates each config, dials the server, performs the MCP
// initialize handshake, and fetches the tool list. Results come back in
// config order.
func (m *ClientManager) Connect(ctx context.Context, sessionID string, configs []capability.McpServerConfig) []ConnectResult {
	results := make([]ConnectResult, 0, len(configs))
	for _, cfg := range configs {
		res := ConnectResult{Name: cfg.Name}

		if err := capability.ValidateMcpServerConfig(cfg, m.registry); err != nil {
			res.Err = err
			results = append(results, res)
			continue
		}

		conn, err := m.dial(ctx, cfg)
		if err != nil {
			m.logger.Warn("mcp server connection failed",
				zap.String("session_id", sessionID), zap.String("server", cfg.Name), zap.Error(err))
			res.Err = err
			results = append(results, res)
			continue
		}

		m.mu.Lock()
		m.sessions[sessionID] = append(m.sessions[sessionID], conn)
		m.mu.Unlock()

		res.ToolCount = len(conn.tools)
		results = append(results, res)
		m.logger.Info("mcp server connected",
			zap.String("session_id", sessionID), zap.String("server", cfg.Name),
			zap.Int("tools", res.ToolCount))
	}
	return results
}

func (m *ClientManager) dial(ctx context.Context, cfg capability.McpServerConfig) (*connection, error) {
	var (
		cli        *mcpclient.Client
		err        error
		needsStart bool
	)

	switch cfg.Transport {
	case capability.McpTransportStdio:
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cli, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case capability.McpTransportHTTP:
		cli, err = mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		needsStart = true
	case capability.McpTransportSSE:
		cli, err = mcpclient.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		needsStart = true
	default:
		return nil, fmt.Errorf("unknown mcp transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s client: %w", cfg.Transport, err)
	}

	if needsStart {
		if err := cli.Start(ctx); err != nil {
			return nil, fmt.Errorf("start %s client: %w", cfg.Transport, err)
		}
	}

	initReq := mcptypes.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcptypes.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcptypes.Implementation{
		Name:    "claude-acp-proxy",
		Version: "1.0.0",
	}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize %q: %w", cfg.Name, err)
	}

	conn := &connection{name: cfg.Name, client: cli}
	toolsRes, err := cli.ListTools(ctx, mcptypes.ListToolsRequest{})
	if err != nil {
		// The server is usable without a tool list; keep the connection.
		m.logger.Warn("mcp tool listing failed", zap.String("server", cfg.Name), zap.Error(err))
		return conn, nil
	}
	for _, t := range toolsRes.Tools {
		conn.tools = append(conn.tools, Tool{
			Server:      cfg.Name,
			Name:        t.Name,
			Description: t.Description,
		})
	}
	return conn, nil
}

// Disconnect closes every connection owned by sessionID.
func (m *ClientManager) Disconnect(sessionID string) {
	m.mu.Lock()
	conns := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.client.Close(); err != nil {
			m.logger.Debug("mcp client close failed",
				zap.String("server", c.name), zap.Error(err))
		}
	}
}

// Tools returns the tools of every server connected for sessionID.
func (m *ClientManager) Tools(sessionID string) []Tool {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Tool
	for _, c := range m.sessions[sessionID] {
		out = append(out, c.tools...)
	}
	return out
}

// Shutdown disconnects every session.
func (m *ClientManager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string][]*connection)
	m.mu.Unlock()

	for _, conns := range sessions {
		for _, c := range conns {
			_ = c.client.Close()
		}
	}
}
