package agentcore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/cancel"
	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/config"
	"github.com/kandev/claude-acp-proxy/internal/editorbuf"
	"github.com/kandev/claude-acp-proxy/internal/history"
	"github.com/kandev/claude-acp-proxy/internal/idgen"
	"github.com/kandev/claude-acp-proxy/internal/logging"
	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/permission"
	"github.com/kandev/claude-acp-proxy/internal/session"
	"github.com/kandev/claude-acp-proxy/internal/toolcalls"
	"github.com/kandev/claude-acp-proxy/internal/translate"
)

type fixture struct {
	core    *Core
	bus     *notify.Bus
	updates <-chan acp.SessionNotification
	store   *session.Store
	cancels *cancel.Manager
	buffers *editorbuf.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.Default()
	bus := notify.NewBus()
	ch, unsubscribe := bus.Subscribe()
	t.Cleanup(unsubscribe)

	tracker := toolcalls.NewTracker(bus)
	store := session.NewStore()
	store.SetPersistence(session.NewMemoryPersistence())
	cancels := cancel.NewManager()
	buffers := editorbuf.NewCache(time.Second)

	core := New(context.Background(), Deps{
		Config: &config.Config{
			ClaudeCLI: config.ClaudeCLIConfig{BinaryPath: "claude", GracefulShutdownGrace: 500},
		},
		Logger:     log,
		Caps:       capability.NewRegistry(),
		Sessions:   store,
		Cancels:    cancels,
		Processes:  claudeproc.NewManager(log),
		Tracker:    tracker,
		Translator: translate.NewTranslator(tracker, bus),
		Bus:        bus,
		Perms:      permission.NewEngine(nil, 0, log),
		Replayer:   history.NewReplayer(bus),
		Buffers:    buffers,
	})
	return &fixture{core: core, bus: bus, updates: ch, store: store, cancels: cancels, buffers: buffers}
}

func initialize(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.core.Initialize(context.Background(), acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
	})
	require.NoError(t, err)
}

func TestInitializeAdvertisesFixedCapabilities(t *testing.T) {
	f := newFixture(t)

	resp, err := f.core.Initialize(context.Background(), acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs:       acp.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	})
	require.NoError(t, err)

	assert.True(t, resp.AgentCapabilities.LoadSession)
	assert.True(t, resp.AgentCapabilities.PromptCapabilities.Image)
	assert.True(t, resp.AgentCapabilities.PromptCapabilities.Audio)
	assert.True(t, resp.AgentCapabilities.PromptCapabilities.EmbeddedContext)
	assert.True(t, resp.AgentCapabilities.McpCapabilities.Http)
	assert.False(t, resp.AgentCapabilities.McpCapabilities.Sse)
	assert.Empty(t, resp.AuthMethods)
	require.NotNil(t, resp.AgentInfo)
	assert.Equal(t, AgentName, resp.AgentInfo.Name)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)

	_, err := f.core.Authenticate(context.Background(), acp.AuthenticateRequest{})
	assert.NoError(t, err)

	_, err = f.core.Authenticate(context.Background(), acp.AuthenticateRequest{MethodId: "oauth"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestNewSessionValidatesCwd(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	_, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: "./rel"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestNewSessionMintsParsableID(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: t.TempDir()})
	require.NoError(t, err)

	_, err = idgen.ParseSessionID(string(resp.SessionId))
	require.NoError(t, err)

	_, err = f.store.Get(string(resp.SessionId))
	assert.NoError(t, err)
}

func TestNewSessionRejectsSseServer(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	_, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{
		Cwd: t.TempDir(),
		McpServers: []acp.McpServer{
			{Sse: &acp.McpServerSse{Name: "events", Url: "https://example.com/sse"}},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeMethodNotFound, apperr.RPCCode(err), "SSE is capability-gated off")
}

func TestLoadSessionUnknownID(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	_, err := f.core.LoadSession(context.Background(), acp.LoadSessionRequest{
		SessionId: acp.SessionId(idgen.NewSessionID()),
		Cwd:       t.TempDir(),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestLoadSessionReplaysHistoryBeforeReturning(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	cwd := t.TempDir()
	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: cwd})
	require.NoError(t, err)
	id := string(resp.SessionId)

	sess, err := f.store.Get(id)
	require.NoError(t, err)
	sess.AppendMessage(session.Message{Role: session.RoleUser, Content: "Q1", Timestamp: time.Now()})
	sess.AppendMessage(session.Message{Role: session.RoleAssistant, Content: "A1", Timestamp: time.Now()})
	require.NoError(t, f.store.Persist(sess))

	// Simulate a restart: the in-memory record disappears, persistence stays.
	f.store.Delete(id)

	_, err = f.core.LoadSession(context.Background(), acp.LoadSessionRequest{
		SessionId: acp.SessionId(id),
		Cwd:       cwd,
	})
	require.NoError(t, err)

	first := <-f.updates
	require.NotNil(t, first.Update.UserMessageChunk)
	assert.Equal(t, "Q1", first.Update.UserMessageChunk.Content.Text.Text)
	second := <-f.updates
	require.NotNil(t, second.Update.AgentMessageChunk)
	assert.Equal(t, "A1", second.Update.AgentMessageChunk.Content.Text.Text)
}

func TestPromptRejectsMalformedSessionID(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	_, err := f.core.Prompt(context.Background(), acp.PromptRequest{SessionId: "sess_short"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestPromptUnknownSession(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	_, err := f.core.Prompt(context.Background(), acp.PromptRequest{
		SessionId: acp.SessionId(idgen.NewSessionID()),
		Prompt:    []acp.ContentBlock{acp.TextBlock("hi")},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestPromptEmptyPrompt(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: t.TempDir()})
	require.NoError(t, err)

	_, err = f.core.Prompt(context.Background(), acp.PromptRequest{SessionId: resp.SessionId})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))
}

func TestPromptPreCancelledReturnsImmediately(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: t.TempDir()})
	require.NoError(t, err)
	id := string(resp.SessionId)

	f.cancels.Cancel(id)

	promptResp, err := f.core.Prompt(context.Background(), acp.PromptRequest{
		SessionId: resp.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, acp.StopReasonCancelled, promptResp.StopReason)

	assert.False(t, f.cancels.IsCancelled(id), "pre-turn cancel is consumed so the next turn runs")
	select {
	case n := <-f.updates:
		t.Fatalf("no updates expected for a pre-cancelled turn, got %+v", n)
	default:
	}
}

func TestPromptBadImageContent(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: t.TempDir()})
	require.NoError(t, err)

	// Valid base64, but the decoded bytes are not a PNG header.
	_, err = f.core.Prompt(context.Background(), acp.PromptRequest{
		SessionId: resp.SessionId,
		Prompt:    []acp.ContentBlock{acp.ImageBlock("bm90IGEgcG5n", "image/png")},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))

	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 0, appErr.Data["promptIndex"])
}

func TestCancelUnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	assert.NoError(t, f.core.Cancel(context.Background(), acp.CancelNotification{SessionId: "garbage"}))
	assert.NoError(t, f.core.Cancel(context.Background(), acp.CancelNotification{
		SessionId: acp.SessionId(idgen.NewSessionID()),
	}))
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	initialize(t, f)

	resp, err := f.core.NewSession(context.Background(), acp.NewSessionRequest{Cwd: t.TempDir()})
	require.NoError(t, err)

	require.NoError(t, f.core.Cancel(context.Background(), acp.CancelNotification{SessionId: resp.SessionId}))
	require.NoError(t, f.core.Cancel(context.Background(), acp.CancelNotification{SessionId: resp.SessionId}))
	assert.True(t, f.cancels.IsCancelled(string(resp.SessionId)))
}

func TestExtNotificationUpdatesEditorBuffers(t *testing.T) {
	f := newFixture(t)

	params, err := json.Marshal(UpdateBuffersParams{
		Buffers: []editorbuf.Buffer{{Path: "/w/a.go", Content: "unsaved", Modified: true}},
	})
	require.NoError(t, err)

	require.NoError(t, f.core.ExtNotification(context.Background(), "editor/update_buffers", params))

	buf, ok := f.buffers.Get("/w/a.go")
	require.True(t, ok)
	assert.Equal(t, "unsaved", buf.Content)

	// Unknown extension notifications are dropped without error.
	assert.NoError(t, f.core.ExtNotification(context.Background(), "_unknown/thing", nil))
}

func TestSetSessionModeUnsupported(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.SetSessionMode(context.Background(), acp.SetSessionModeRequest{ModeId: "plan"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidParams, apperr.RPCCode(err))

	_, err = f.core.SetSessionModel(context.Background(), acp.UnstableSetSessionModelRequest{ModelId: "opus"})
	require.Error(t, err)
}

func TestValidateResourceURI(t *testing.T) {
	assert.NoError(t, validateResourceURI("file:///tmp/notes.txt"))
	assert.NoError(t, validateResourceURI("https://example.com/doc"))
	assert.Error(t, validateResourceURI(""))
	assert.Error(t, validateResourceURI("http://169.254.169.254/latest/meta-data"))
}
