package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_CaptureAndDefaults(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.Captured())

	client := ClientCapabilities{Fs: ClientFsCapabilities{ReadTextFile: true}}
	agent := r.Capture(client)

	assert.True(t, r.Captured())
	assert.True(t, agent.LoadSession)
	assert.True(t, agent.Prompt.Image)
	assert.True(t, agent.Prompt.Audio)
	assert.True(t, agent.Mcp.HTTP)
	assert.False(t, agent.Mcp.SSE)
}

func TestRegistry_RequireFsRead(t *testing.T) {
	r := NewRegistry()
	r.Capture(ClientCapabilities{Fs: ClientFsCapabilities{ReadTextFile: false}})
	assert.Error(t, r.RequireFsRead())

	r2 := NewRegistry()
	r2.Capture(ClientCapabilities{Fs: ClientFsCapabilities{ReadTextFile: true}})
	assert.NoError(t, r2.RequireFsRead())
}

func TestRegistry_RequireMcpSSE_DefaultOff(t *testing.T) {
	r := NewRegistry()
	r.Capture(ClientCapabilities{})
	assert.Error(t, r.RequireMcpSSE())
	assert.NoError(t, r.RequireMcpHTTP())
}
