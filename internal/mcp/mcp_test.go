package mcp

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/logging"
)

func capturedRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	reg.Capture(capability.ClientCapabilities{})
	return reg
}

func TestConnectRejectsInvalidConfigs(t *testing.T) {
	m := NewClientManager(capturedRegistry(t), logging.Default())

	results := m.Connect(context.Background(), "sess_test", []capability.McpServerConfig{
		{Transport: capability.McpTransportStdio, Name: "bad", Command: ""},
		// SSE is advertised off; capability gating must reject it before any dial.
		{Transport: capability.McpTransportSSE, Name: "events", URL: "https://example.com/sse"},
	})

	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(results[0].Err))
	require.Error(t, results[1].Err)
	assert.Equal(t, apperr.CodeMethodNotFound, apperr.RPCCode(results[1].Err))
	assert.Empty(t, m.Tools("sess_test"))
}

func TestDisconnectUnknownSessionIsNoop(t *testing.T) {
	m := NewClientManager(capturedRegistry(t), logging.Default())
	m.Disconnect("sess_never_connected")
	m.Shutdown()
}

func TestBuildCLIConfig(t *testing.T) {
	out, err := BuildCLIConfig([]capability.McpServerConfig{
		{
			Transport: capability.McpTransportStdio,
			Name:      "files",
			Command:   "mcp-files",
			Args:      []string{"--root", "/tmp"},
			Env:       map[string]string{"DEBUG": "1"},
		},
		{
			Transport: capability.McpTransportHTTP,
			Name:      "search",
			URL:       "https://mcp.example.com/",
			Headers:   map[string]string{"Authorization": "Bearer x"},
		},
	})
	require.NoError(t, err)

	var parsed struct {
		McpServers map[string]json.RawMessage `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	require.Len(t, parsed.McpServers, 2)

	var stdio cliStdioServer
	require.NoError(t, json.Unmarshal(parsed.McpServers["files"], &stdio))
	assert.Equal(t, "mcp-files", stdio.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, stdio.Args)

	var remote cliRemoteServer
	require.NoError(t, json.Unmarshal(parsed.McpServers["search"], &remote))
	assert.Equal(t, "http", remote.Type)
	assert.Equal(t, "https://mcp.example.com/", remote.URL)
}

func TestBuildCLIConfigEmpty(t *testing.T) {
	out, err := BuildCLIConfig(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestLoadServersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	content := `servers:
  - name: files
    command: mcp-files
    args: ["--root", "/tmp"]
    env:
      DEBUG: "1"
  - name: search
    transport: http
    url: https://mcp.example.com/
    headers:
      Authorization: Bearer x
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	configs, err := LoadServersFile(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	assert.Equal(t, capability.McpTransportStdio, configs[0].Transport, "transport defaults to stdio")
	assert.Equal(t, "mcp-files", configs[0].Command)
	assert.Equal(t, "1", configs[0].Env["DEBUG"])

	assert.Equal(t, capability.McpTransportHTTP, configs[1].Transport)
	assert.Equal(t, "https://mcp.example.com/", configs[1].URL)
}

func TestLoadServersFileUnknownTransport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  - name: x\n    transport: websocket\n"), 0o644))

	_, err := LoadServersFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
}
