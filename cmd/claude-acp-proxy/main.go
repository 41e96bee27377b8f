// claude-acp-proxy exposes the Agent-Client-Protocol over stdio and
// drives one claude CLI child process per session. Stdout is the protocol
// channel; every log line goes to stderr.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/agentcore"
	"github.com/kandev/claude-acp-proxy/internal/cancel"
	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/config"
	"github.com/kandev/claude-acp-proxy/internal/editorbuf"
	"github.com/kandev/claude-acp-proxy/internal/history"
	"github.com/kandev/claude-acp-proxy/internal/jsonrpcserver"
	"github.com/kandev/claude-acp-proxy/internal/logging"
	"github.com/kandev/claude-acp-proxy/internal/mcp"
	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/permission"
	"github.com/kandev/claude-acp-proxy/internal/session"
	"github.com/kandev/claude-acp-proxy/internal/toolcalls"
	"github.com/kandev/claude-acp-proxy/internal/translate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "claude-acp-proxy: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "directory containing config.yaml")
	mcpServersFile := flag.String("mcp-servers", "", "YAML file of MCP servers attached to every session")
	sessionLog := flag.String("session-log", "", "JSONL file for session persistence (enables session/load across restarts)")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := notify.NewBus()
	tracker := toolcalls.NewTracker(bus)
	registry := capability.NewRegistry()
	store := session.NewStore()
	if *sessionLog != "" {
		store.SetPersistence(session.NewJSONLPersistence(*sessionLog))
	}
	cancels := cancel.NewManager()
	procs := claudeproc.NewManager(log)
	translator := translate.NewTranslator(tracker, bus)
	mcpManager := mcp.NewClientManager(registry, log)
	replayer := history.NewReplayer(bus)
	buffers := editorbuf.NewCache(cfg.EditorBuffer.TTLDuration())

	var defaultServers []capability.McpServerConfig
	if *mcpServersFile != "" {
		defaultServers, err = mcp.LoadServersFile(*mcpServersFile)
		if err != nil {
			return fmt.Errorf("load mcp servers: %w", err)
		}
		log.Info("loaded default mcp servers", zap.Int("count", len(defaultServers)))
	}

	// The server is constructed after the permission engine but the
	// handler closure only dereferences it once a prompt is in flight.
	var server *jsonrpcserver.Server
	perms := permission.NewEngine(func(ctx context.Context, req *permission.Request) (*permission.Response, error) {
		return requestPermission(ctx, server, req)
	}, cfg.Permission.AskTimeoutDuration(), log)

	core := agentcore.New(ctx, agentcore.Deps{
		Config:            cfg,
		Logger:            log,
		Caps:              registry,
		Sessions:          store,
		Cancels:           cancels,
		Processes:         procs,
		Tracker:           tracker,
		Translator:        translator,
		Bus:               bus,
		Perms:             perms,
		Mcp:               mcpManager,
		Replayer:          replayer,
		Buffers:           buffers,
		DefaultMcpServers: defaultServers,
	})
	defer core.Shutdown()

	server = jsonrpcserver.NewServer(os.Stdin, os.Stdout, core, bus, log)

	log.Info("claude-acp-proxy listening on stdio",
		zap.String("claude_binary", cfg.ClaudeCLI.BinaryPath))

	if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// requestPermission forwards a tool permission question to the client as a
// session/request_permission request and maps the picked option back.
func requestPermission(ctx context.Context, server *jsonrpcserver.Server, req *permission.Request) (*permission.Response, error) {
	options := req.Options
	if len(options) == 0 {
		options = permission.DefaultOptions()
	}

	var rawInput map[string]any
	if len(req.RawInput) > 0 {
		_ = json.Unmarshal(req.RawInput, &rawInput)
	}

	title := req.Title
	kind := toolcalls.Classify(req.ToolName)
	raw, err := server.Call(ctx, "session/request_permission", acp.RequestPermissionRequest{
		SessionId: acp.SessionId(req.SessionID),
		Options:   options,
		ToolCall: acp.RequestPermissionToolCall{
			ToolCallId: req.ToolCallID,
			Title:      &title,
			Kind:       &kind,
			RawInput:   rawInput,
		},
	})
	if err != nil {
		return nil, err
	}

	var resp acp.RequestPermissionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse permission response: %w", err)
	}
	if resp.Outcome.Cancelled != nil || resp.Outcome.Selected == nil {
		return &permission.Response{Cancelled: true}, nil
	}
	return &permission.Response{OptionID: string(resp.Outcome.Selected.OptionId)}, nil
}
