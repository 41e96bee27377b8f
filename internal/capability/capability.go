// Package capability holds the negotiated capability snapshot for a
// connection and the validators that gate features against it.
package capability

import (
	"sync"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
)

// PromptCapabilities describes which prompt content block types the agent
// accepts.
type PromptCapabilities struct {
	Image           bool
	Audio           bool
	EmbeddedContext bool
}

// McpCapabilities describes which MCP transports the agent accepts.
type McpCapabilities struct {
	HTTP bool
	SSE  bool
}

// AgentCapabilities is the fixed set of capabilities this agent advertises
// at initialize.
type AgentCapabilities struct {
	LoadSession bool
	Prompt      PromptCapabilities
	Mcp         McpCapabilities
	AuthMethods []string
}

// DefaultAgentCapabilities returns the agent's fixed capability set.
func DefaultAgentCapabilities() AgentCapabilities {
	return AgentCapabilities{
		LoadSession: true,
		Prompt: PromptCapabilities{
			Image:           true,
			Audio:           true,
			EmbeddedContext: true,
		},
		Mcp: McpCapabilities{
			HTTP: true,
			SSE:  false,
		},
		AuthMethods: []string{},
	}
}

// ClientFsCapabilities describes the client's filesystem tool support.
type ClientFsCapabilities struct {
	ReadTextFile  bool
	WriteTextFile bool
}

// ClientCapabilities is the snapshot of what the connecting client
// declared at initialize.
type ClientCapabilities struct {
	Fs       ClientFsCapabilities
	Terminal bool
}

// Registry holds the capability snapshot for a single connection, captured
// once at initialize and read-only thereafter.
//
// Capture is called exactly once during initialize; every read takes the
// read side of the mutex, which only contends with that single write.
type Registry struct {
	mu       sync.RWMutex
	captured bool
	agent    AgentCapabilities
	client   ClientCapabilities
}

// NewRegistry returns an empty, uncaptured Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Capture stores the negotiated capabilities. It must be called exactly
// once, during initialize.
func (r *Registry) Capture(client ClientCapabilities) AgentCapabilities {
	agent := DefaultAgentCapabilities()
	r.mu.Lock()
	r.client = client
	r.agent = agent
	r.captured = true
	r.mu.Unlock()
	return agent
}

// Captured reports whether initialize has already run.
func (r *Registry) Captured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.captured
}

// Agent returns the captured agent capabilities.
func (r *Registry) Agent() AgentCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agent
}

// Client returns the captured client capabilities.
func (r *Registry) Client() ClientCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

// RequireFsRead returns a CapabilityError unless the client declared
// fs.read_text_file support.
func (r *Registry) RequireFsRead() error {
	if r.Client().Fs.ReadTextFile {
		return nil
	}
	return apperr.CapabilityError("fs.read_text_file", false)
}

// RequireFsWrite returns a CapabilityError unless the client declared
// fs.write_text_file support.
func (r *Registry) RequireFsWrite() error {
	if r.Client().Fs.WriteTextFile {
		return nil
	}
	return apperr.CapabilityError("fs.write_text_file", false)
}

// RequireTerminal returns a CapabilityError unless the client declared
// terminal support.
func (r *Registry) RequireTerminal() error {
	if r.Client().Terminal {
		return nil
	}
	return apperr.CapabilityError("terminal", false)
}

// RequireLoadSession returns a CapabilityError unless the agent advertises
// load_session (always true for this agent, but checked uniformly with
// every other gate).
func (r *Registry) RequireLoadSession() error {
	if r.Agent().LoadSession {
		return nil
	}
	return apperr.CapabilityError("loadSession", false)
}

// RequireImage returns a CapabilityError unless image prompt content is
// supported.
func (r *Registry) RequireImage() error {
	if r.Agent().Prompt.Image {
		return nil
	}
	return apperr.CapabilityError("prompt.image", false)
}

// RequireAudio returns a CapabilityError unless audio prompt content is
// supported.
func (r *Registry) RequireAudio() error {
	if r.Agent().Prompt.Audio {
		return nil
	}
	return apperr.CapabilityError("prompt.audio", false)
}

// RequireEmbeddedContext returns a CapabilityError unless embedded
// resource/resource-link prompt content is supported.
func (r *Registry) RequireEmbeddedContext() error {
	if r.Agent().Prompt.EmbeddedContext {
		return nil
	}
	return apperr.CapabilityError("prompt.embedded_context", false)
}

// RequireMcpHTTP returns a CapabilityError unless HTTP MCP transports are
// enabled.
func (r *Registry) RequireMcpHTTP() error {
	if r.Agent().Mcp.HTTP {
		return nil
	}
	return apperr.CapabilityError("mcp.http", false)
}

// RequireMcpSSE returns a CapabilityError unless SSE MCP transports are
// enabled.
func (r *Registry) RequireMcpSSE() error {
	if r.Agent().Mcp.SSE {
		return nil
	}
	return apperr.CapabilityError("mcp.sse", false)
}
