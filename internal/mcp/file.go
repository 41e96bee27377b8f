package mcp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kandev/claude-acp-proxy/internal/capability"
)

// serverEntry is one server in a YAML config file.
type serverEntry struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	Cwd       string            `yaml:"cwd"`
	URL       string            `yaml:"url"`
	Headers   map[string]string `yaml:"headers"`
}

type serversFile struct {
	Servers []serverEntry `yaml:"servers"`
}

// LoadServersFile parses a YAML file of MCP server definitions. The
// entries are syntactically converted only; capability and URL validation
// happens when the configs are attached to a session.
func LoadServersFile(path string) ([]capability.McpServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mcp servers file: %w", err)
	}

	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse mcp servers file: %w", err)
	}

	out := make([]capability.McpServerConfig, 0, len(f.Servers))
	for i, e := range f.Servers {
		transport := capability.McpTransport(e.Transport)
		switch transport {
		case capability.McpTransportStdio, capability.McpTransportHTTP, capability.McpTransportSSE:
		case "":
			transport = capability.McpTransportStdio
		default:
			return nil, fmt.Errorf("server %d (%q): unknown transport %q", i, e.Name, e.Transport)
		}
		out = append(out, capability.McpServerConfig{
			Transport: transport,
			Name:      e.Name,
			Command:   e.Command,
			Args:      e.Args,
			Env:       e.Env,
			Cwd:       e.Cwd,
			URL:       e.URL,
			Headers:   e.Headers,
		})
	}
	return out, nil
}
