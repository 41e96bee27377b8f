package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.OutputPath)
	assert.Equal(t, "claude", cfg.ClaudeCLI.BinaryPath)
	assert.Equal(t, 5000, cfg.ClaudeCLI.GracefulShutdownGrace)
	assert.Equal(t, 500, cfg.Session.MaxContextMessages)
	assert.Equal(t, "ask", cfg.Permission.DefaultPolicy)
	assert.Equal(t, 60, cfg.Permission.AskTimeoutSeconds)
	assert.Equal(t, 100, cfg.Cancellation.TargetLatencyMS)
	assert.False(t, cfg.Mcp.HTTPEnabled)
	assert.False(t, cfg.Mcp.SSEEnabled)
	assert.Equal(t, 1, cfg.EditorBuffer.TTLSeconds)
}

func TestLoadWithPath_EnvOverride(t *testing.T) {
	t.Setenv("CLAUDE_ACP_LOGGING_LEVEL", "debug")
	dir := t.TempDir()
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate_RejectsBadPolicy(t *testing.T) {
	cfg := &Config{
		Logging:      LoggingConfig{Level: "info", Format: "console"},
		ClaudeCLI:    ClaudeCLIConfig{BinaryPath: "claude", GracefulShutdownGrace: 1000},
		Session:      SessionConfig{MaxContextMessages: 10},
		Permission:   PermissionConfig{DefaultPolicy: "nonsense", AskTimeoutSeconds: 5},
		Cancellation: CancellationConfig{TargetLatencyMS: 100},
		EditorBuffer: EditorBufferConfig{TTLSeconds: 1},
	}
	err := validate(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "permission.defaultPolicy")
}

func TestDetectDefaultLogFormat_Kubernetes(t *testing.T) {
	old := os.Getenv("KUBERNETES_SERVICE_HOST")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	defer t.Setenv("KUBERNETES_SERVICE_HOST", old)
	assert.Equal(t, "json", detectDefaultLogFormat())
}
