// Package agentcore implements the ACP agent surface and orchestrates the
// session subsystems: capability registry, session store, cancellation,
// process manager, translator, tool-call tracker, MCP manager, history
// replay, and the editor buffer cache. It owns no I/O of its own; the
// JSON-RPC server dispatches into it and the notification bus carries its
// updates out.
package agentcore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/cancel"
	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/config"
	"github.com/kandev/claude-acp-proxy/internal/editorbuf"
	"github.com/kandev/claude-acp-proxy/internal/history"
	"github.com/kandev/claude-acp-proxy/internal/idgen"
	"github.com/kandev/claude-acp-proxy/internal/logging"
	"github.com/kandev/claude-acp-proxy/internal/mcp"
	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/permission"
	"github.com/kandev/claude-acp-proxy/internal/session"
	"github.com/kandev/claude-acp-proxy/internal/toolcalls"
	"github.com/kandev/claude-acp-proxy/internal/translate"
)

// AgentName and AgentVersion identify this proxy in the initialize
// handshake.
const (
	AgentName    = "claude-acp-proxy"
	AgentVersion = "1.0.0"
)

const cliInitTimeout = 30 * time.Second

// Deps bundles the injected subsystems. All process-wide registries are
// constructed once in main and handed in; the core never reaches for
// globals.
type Deps struct {
	Config     *config.Config
	Logger     *logging.Logger
	Caps       *capability.Registry
	Sessions   *session.Store
	Cancels    *cancel.Manager
	Processes  *claudeproc.Manager
	Tracker    *toolcalls.Tracker
	Translator *translate.Translator
	Bus        *notify.Bus
	Perms      *permission.Engine
	Mcp        mcp.Manager
	Replayer   *history.Replayer
	Buffers    *editorbuf.Cache

	// DefaultMcpServers are attached to every session in addition to the
	// servers the client configures, e.g. from a --mcp-servers file.
	DefaultMcpServers []capability.McpServerConfig
}

// Core implements the ACP agent surface.
type Core struct {
	cfg        *config.Config
	logger     *logging.Logger
	caps       *capability.Registry
	sessions   *session.Store
	cancels    *cancel.Manager
	procs      *claudeproc.Manager
	tracker    *toolcalls.Tracker
	translator *translate.Translator
	bus        *notify.Bus
	perms      *permission.Engine
	mcp        mcp.Manager
	replayer   *history.Replayer
	buffers    *editorbuf.Cache
	defaultMcp []capability.McpServerConfig
	tracer     trace.Tracer

	// baseCtx scopes child processes and background work to the server's
	// lifetime rather than any single request.
	baseCtx context.Context

	mu        sync.Mutex
	turns     map[string]chan *claudeproc.CLIMessage
	turnLocks map[string]*sync.Mutex
}

// New wires a Core from its dependencies. baseCtx bounds the lifetime of
// everything the core spawns.
func New(baseCtx context.Context, deps Deps) *Core {
	return &Core{
		cfg:        deps.Config,
		logger:     deps.Logger.WithFields(zap.String("component", "agentcore")),
		caps:       deps.Caps,
		sessions:   deps.Sessions,
		cancels:    deps.Cancels,
		procs:      deps.Processes,
		tracker:    deps.Tracker,
		translator: deps.Translator,
		bus:        deps.Bus,
		perms:      deps.Perms,
		mcp:        deps.Mcp,
		replayer:   deps.Replayer,
		buffers:    deps.Buffers,
		defaultMcp: deps.DefaultMcpServers,
		tracer:     otel.Tracer("claude-acp-proxy/agentcore"),
		baseCtx:    baseCtx,
		turns:      make(map[string]chan *claudeproc.CLIMessage),
		turnLocks:  make(map[string]*sync.Mutex),
	}
}

// Initialize captures the client's capabilities and returns the agent's
// fixed capability set. The registry is read-only after this.
func (c *Core) Initialize(ctx context.Context, req acp.InitializeRequest) (acp.InitializeResponse, error) {
	_, span := c.tracer.Start(ctx, "acp.initialize")
	defer span.End()

	clientCaps := capability.ClientCapabilities{
		Fs: capability.ClientFsCapabilities{
			ReadTextFile:  req.ClientCapabilities.Fs.ReadTextFile,
			WriteTextFile: req.ClientCapabilities.Fs.WriteTextFile,
		},
		Terminal: req.ClientCapabilities.Terminal,
	}
	agentCaps := c.caps.Capture(clientCaps)

	c.logger.Info("initialized",
		zap.Bool("fs_read", clientCaps.Fs.ReadTextFile),
		zap.Bool("fs_write", clientCaps.Fs.WriteTextFile),
		zap.Bool("terminal", clientCaps.Terminal))

	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: agentCaps.LoadSession,
			PromptCapabilities: acp.PromptCapabilities{
				Image:           agentCaps.Prompt.Image,
				Audio:           agentCaps.Prompt.Audio,
				EmbeddedContext: agentCaps.Prompt.EmbeddedContext,
			},
			McpCapabilities: acp.McpCapabilities{
				Http: agentCaps.Mcp.HTTP,
				Sse:  agentCaps.Mcp.SSE,
			},
		},
		AuthMethods: []acp.AuthMethod{},
		AgentInfo: &acp.Implementation{
			Name:    AgentName,
			Version: AgentVersion,
		},
	}, nil
}

// Authenticate is a no-op success: the agent advertises zero auth methods
// and trusts the local CLI. Naming any method is an invalid-params error.
func (c *Core) Authenticate(_ context.Context, req acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	if req.MethodId != "" {
		return acp.AuthenticateResponse{}, apperr.InvalidParams("unknown authentication method", map[string]any{
			"methodId": string(req.MethodId),
			"expected": "",
		})
	}
	return acp.AuthenticateResponse{}, nil
}

// NewSession validates the working directory and MCP configuration, then
// registers a fresh session. The claude process is not spawned here; the
// first prompt does that.
func (c *Core) NewSession(ctx context.Context, req acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "acp.session_new", trace.WithAttributes(attribute.String("cwd", req.Cwd)))
	defer span.End()

	if err := capability.ValidateCwd(req.Cwd); err != nil {
		return acp.NewSessionResponse{}, err
	}
	cfgs := append(append([]capability.McpServerConfig(nil), c.defaultMcp...), convertMcpServers(req.McpServers)...)
	for _, cfg := range cfgs {
		if err := capability.ValidateMcpServerConfig(cfg, c.caps); err != nil {
			return acp.NewSessionResponse{}, err
		}
	}

	id := idgen.NewSessionID()
	sess := c.sessions.Create(id, req.Cwd, c.caps.Client(), cfgs)
	c.connectMcpServers(ctx, id, cfgs)
	if err := c.sessions.Persist(sess); err != nil {
		c.logger.Warn("session persist failed", zap.String("session_id", id), zap.Error(err))
	}

	c.logger.Info("session created", zap.String("session_id", id), zap.Int("mcp_servers", len(cfgs)))
	return acp.NewSessionResponse{SessionId: acp.SessionId(id)}, nil
}

// LoadSession restores a session and replays its full transcript as
// session/update notifications before returning, so the response reaches
// the client only after the history.
func (c *Core) LoadSession(ctx context.Context, req acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	ctx, span := c.tracer.Start(ctx, "acp.session_load",
		trace.WithAttributes(attribute.String("session_id", string(req.SessionId))))
	defer span.End()

	if err := c.caps.RequireLoadSession(); err != nil {
		return acp.LoadSessionResponse{}, err
	}
	id := string(req.SessionId)
	if err := capability.ValidateSessionID(id); err != nil {
		return acp.LoadSessionResponse{}, err
	}
	if err := capability.ValidateCwd(req.Cwd); err != nil {
		return acp.LoadSessionResponse{}, err
	}
	cfgs := convertMcpServers(req.McpServers)
	for _, cfg := range cfgs {
		if err := capability.ValidateMcpServerConfig(cfg, c.caps); err != nil {
			return acp.LoadSessionResponse{}, err
		}
	}

	sess, err := c.sessions.Get(id)
	if err != nil {
		restored, ok, perr := c.sessions.LoadPersisted(id, req.Cwd, c.caps.Client(), cfgs)
		if perr != nil {
			return acp.LoadSessionResponse{}, apperr.InternalError("session load failed", perr)
		}
		if !ok {
			return acp.LoadSessionResponse{}, apperr.SessionNotFound(id)
		}
		sess = restored
	}

	c.connectMcpServers(ctx, id, cfgs)

	replayed := c.replayer.Replay(sess)
	c.logger.Info("session loaded",
		zap.String("session_id", id), zap.Int("replayed_messages", replayed))
	return acp.LoadSessionResponse{}, nil
}

// Cancel handles the session/cancel notification: set the flag, broadcast,
// finalise in-flight tool calls, and nudge the CLI to stop. Unknown or
// malformed session ids are logged and dropped; a notification never
// errors back to the peer.
func (c *Core) Cancel(_ context.Context, n acp.CancelNotification) error {
	sessionID := string(n.SessionId)
	if err := capability.ValidateSessionID(sessionID); err != nil {
		c.logger.Warn("cancel for malformed session id", zap.String("session_id", sessionID))
		return nil
	}
	if _, err := c.sessions.Get(sessionID); err != nil {
		c.logger.Debug("cancel for unknown session", zap.String("session_id", sessionID))
		return nil
	}

	c.cancels.Cancel(sessionID)
	c.tracker.CancelAllForSession(sessionID)

	if p, ok := c.procs.Get(sessionID); ok {
		if err := c.interrupt(p); err != nil {
			c.logger.Debug("interrupt request failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	c.logger.Info("session cancelled", zap.String("session_id", sessionID))
	return nil
}

func (c *Core) interrupt(p *claudeproc.Process) error {
	return p.Client.SendControlRequest(&claudeproc.SDKControlRequest{
		Type:      claudeproc.MessageTypeControlRequest,
		RequestID: idgen.NewRequestID(),
		Request:   claudeproc.SDKControlRequestBody{Subtype: claudeproc.SubtypeInterrupt},
	})
}

// SetSessionMode is part of the experimental agent surface; this proxy has
// no mode switch to offer.
func (c *Core) SetSessionMode(_ context.Context, req acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	return acp.SetSessionModeResponse{}, apperr.InvalidParams("session modes are not supported", map[string]any{
		"modeId": string(req.ModeId),
	})
}

// SetSessionModel is part of the experimental agent surface; model
// selection is owned by the CLI's own configuration.
func (c *Core) SetSessionModel(_ context.Context, req acp.UnstableSetSessionModelRequest) (acp.UnstableSetSessionModelResponse, error) {
	return acp.UnstableSetSessionModelResponse{}, apperr.InvalidParams("model selection is not supported", map[string]any{
		"modelId": string(req.ModelId),
	})
}

// UpdateBuffersParams mirrors the editor/update_buffers wire shape.
type UpdateBuffersParams struct {
	Buffers []editorbuf.Buffer `json:"buffers"`
}

// ExtNotification handles recognised extension notifications; anything
// else is logged and dropped, per the notification discipline.
func (c *Core) ExtNotification(_ context.Context, method string, params json.RawMessage) error {
	switch method {
	case "editor/update_buffers":
		var p UpdateBuffersParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("malformed editor/update_buffers payload", zap.Error(err))
			return nil
		}
		c.buffers.Update(p.Buffers)
		c.logger.Debug("editor buffers updated", zap.Int("count", len(p.Buffers)))
	default:
		c.logger.Debug("unrecognised extension notification", zap.String("method", method))
	}
	return nil
}

// ExtMethod answers unrecognised extension requests with a null result.
func (c *Core) ExtMethod(_ context.Context, method string, _ json.RawMessage) (any, error) {
	c.logger.Debug("unrecognised extension method", zap.String("method", method))
	return nil, nil
}

// Shutdown tears down everything the core owns: child processes, MCP
// connections, and the notification bus.
func (c *Core) Shutdown() {
	c.procs.TerminateAll()
	if c.mcp != nil {
		c.mcp.Shutdown()
	}
	c.bus.Shutdown()
}

func (c *Core) connectMcpServers(ctx context.Context, sessionID string, cfgs []capability.McpServerConfig) {
	if c.mcp == nil || len(cfgs) == 0 {
		return
	}
	for _, res := range c.mcp.Connect(ctx, sessionID, cfgs) {
		if res.Err != nil {
			// Per-server failures are reported, not fatal to the session.
			c.logger.Warn("mcp server unavailable",
				zap.String("session_id", sessionID), zap.String("server", res.Name), zap.Error(res.Err))
		}
	}
}

func convertMcpServers(servers []acp.McpServer) []capability.McpServerConfig {
	out := make([]capability.McpServerConfig, 0, len(servers))
	for _, s := range servers {
		switch {
		case s.Stdio != nil:
			env := make(map[string]string, len(s.Stdio.Env))
			for _, kv := range s.Stdio.Env {
				if kv.Name != "" {
					env[kv.Name] = kv.Value
				}
			}
			out = append(out, capability.McpServerConfig{
				Transport: capability.McpTransportStdio,
				Name:      s.Stdio.Name,
				Command:   s.Stdio.Command,
				Args:      append([]string(nil), s.Stdio.Args...),
				Env:       env,
			})
		case s.Http != nil:
			out = append(out, capability.McpServerConfig{
				Transport: capability.McpTransportHTTP,
				Name:      s.Http.Name,
				URL:       s.Http.Url,
				Headers:   headerMap(s.Http.Headers),
			})
		case s.Sse != nil:
			out = append(out, capability.McpServerConfig{
				Transport: capability.McpTransportSSE,
				Name:      s.Sse.Name,
				URL:       s.Sse.Url,
				Headers:   headerMap(s.Sse.Headers),
			})
		}
	}
	return out
}

func headerMap(headers []acp.HttpHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		if h.Name != "" {
			out[h.Name] = h.Value
		}
	}
	return out
}
