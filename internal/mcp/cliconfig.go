package mcp

import (
	"encoding/json"

	"github.com/kandev/claude-acp-proxy/internal/capability"
)

// cliStdioServer is the claude CLI's --mcp-config shape for a stdio server.
type cliStdioServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// cliRemoteServer is the claude CLI's --mcp-config shape for an http/sse
// server.
type cliRemoteServer struct {
	Type    string            `json:"type"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

type cliConfig struct {
	McpServers map[string]any `json:"mcpServers"`
}

// BuildCLIConfig renders the session's MCP server configs as the JSON the
// claude CLI accepts via --mcp-config. Returns "" when there is nothing to
// configure so callers can skip the flag entirely.
func BuildCLIConfig(configs []capability.McpServerConfig) (string, error) {
	if len(configs) == 0 {
		return "", nil
	}

	cfg := cliConfig{McpServers: make(map[string]any, len(configs))}
	for _, c := range configs {
		switch c.Transport {
		case capability.McpTransportStdio:
			cfg.McpServers[c.Name] = cliStdioServer{
				Command: c.Command,
				Args:    c.Args,
				Env:     c.Env,
			}
		case capability.McpTransportHTTP:
			cfg.McpServers[c.Name] = cliRemoteServer{
				Type:    "http",
				URL:     c.URL,
				Headers: c.Headers,
			}
		case capability.McpTransportSSE:
			cfg.McpServers[c.Name] = cliRemoteServer{
				Type:    "sse",
				URL:     c.URL,
				Headers: c.Headers,
			}
		}
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
