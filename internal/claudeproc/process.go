// Package claudeproc owns the lifecycle of the claude CLI child process
// backing each ACP session: spawning it lazily, driving it over the
// stream-json dialect, and shutting it down gracefully.
package claudeproc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/logging"
)

// Options configures how a Process is spawned.
type Options struct {
	BinaryPath            string
	ExtraArgs             []string
	Cwd                   string
	McpConfigJSON         string
	GracefulShutdownGrace time.Duration
}

// stderrRingSize bounds how many recent stderr lines a Process retains
// for diagnostics.
const stderrRingSize = 20

// Process is a handle to one running claude CLI child process, serving a
// single session. Writes against the process are serialised by the
// embedded StreamClient's write mutex and reads by its single read-loop
// goroutine; Process additionally owns the OS process handle, shutdown
// sequencing, and a bounded ring of recent stderr lines surfaced when a
// turn fails.
type Process struct {
	SessionID string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	Client *StreamClient

	logger *logging.Logger

	stderrMu   sync.Mutex
	stderrRing []string

	mu      sync.Mutex
	stopped bool
	grace   time.Duration
}

// Spawn starts a new claude CLI child process in stream-json mode and
// begins its read loop. The caller must call Client.Initialize
// afterwards to complete the handshake.
func Spawn(ctx context.Context, sessionID string, opts Options, log *logging.Logger) (*Process, error) {
	args := buildArgs(opts)

	cmd := exec.CommandContext(ctx, opts.BinaryPath, args...)
	cmd.Dir = opts.Cwd
	setProcGroup(cmd)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start claude CLI: %w", err)
	}

	procLogger := log.WithFields(zap.String("session_id", sessionID), zap.Int("pid", cmd.Process.Pid))
	client := NewStreamClient(stdinPipe, stdoutPipe, procLogger)
	ready := client.Start(ctx)
	<-ready

	p := &Process{
		SessionID: sessionID,
		cmd:       cmd,
		stdin:     stdinPipe,
		Client:    client,
		logger:    procLogger,
		grace:     opts.GracefulShutdownGrace,
	}
	go p.captureStderr(stderrPipe)
	return p, nil
}

// buildArgs builds the claude CLI invocation: stream-json input and
// output, permission prompts disabled (the proxy mediates them itself),
// plus an --mcp-config flag when MCP servers are configured.
func buildArgs(opts Options) []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
	}
	if opts.McpConfigJSON != "" {
		args = append(args, "--mcp-config", opts.McpConfigJSON)
	}
	args = append(args, opts.ExtraArgs...)
	return args
}

func (p *Process) captureStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("claude cli stderr", zap.String("line", line))

		p.stderrMu.Lock()
		p.stderrRing = append(p.stderrRing, line)
		if len(p.stderrRing) > stderrRingSize {
			p.stderrRing = p.stderrRing[len(p.stderrRing)-stderrRingSize:]
		}
		p.stderrMu.Unlock()
	}
}

// RecentStderr returns the child's most recent stderr lines, oldest
// first. Used to enrich transport errors when a turn fails.
func (p *Process) RecentStderr() []string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	out := make([]string, len(p.stderrRing))
	copy(out, p.stderrRing)
	return out
}

// Pid returns the child process's OS pid.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Close shuts the process down gracefully: close stdin so the CLI sees
// EOF and exits on its own, then SIGTERM after the grace period, then
// SIGKILL if it still hasn't exited.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	p.Client.Stop()
	_ = p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	grace := p.grace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	select {
	case err := <-exited:
		return err
	case <-time.After(grace):
	}

	if pid := p.Pid(); pid != 0 {
		if err := signalTerm(pid); err != nil {
			p.logger.Debug("sigterm failed, will force-kill", zap.Error(err))
		}
	}

	select {
	case err := <-exited:
		return err
	case <-time.After(grace):
	}

	if pid := p.Pid(); pid != 0 {
		if err := killProcessGroup(pid); err != nil {
			p.logger.Warn("force-kill failed", zap.Error(err))
		}
	}
	return <-exited
}

// Manager owns the map of active Processes, one per session, lazily
// spawned on first use.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Process
	logger    *logging.Logger
}

// NewManager returns an empty Manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		processes: make(map[string]*Process),
		logger:    log,
	}
}

// GetOrSpawn returns the existing Process for sessionID, spawning and
// initializing a new one if none exists yet. The InitializeResponseData is
// non-nil only when a fresh process was spawned; it carries the CLI's
// slash-command list for the caller to advertise.
func (m *Manager) GetOrSpawn(ctx context.Context, sessionID string, opts Options, initTimeout time.Duration) (*Process, *InitializeResponseData, error) {
	m.mu.RLock()
	p, ok := m.processes[sessionID]
	m.mu.RUnlock()
	if ok {
		return p, nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.processes[sessionID]; ok {
		return p, nil, nil
	}

	p, err := Spawn(ctx, sessionID, opts, m.logger)
	if err != nil {
		return nil, nil, err
	}
	initData, err := p.Client.Initialize(ctx, initTimeout)
	if err != nil {
		_ = p.Close()
		return nil, nil, fmt.Errorf("failed to initialize claude CLI: %w", err)
	}
	m.processes[sessionID] = p
	return p, initData, nil
}

// Get returns the Process for sessionID, if one exists.
func (m *Manager) Get(sessionID string) (*Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[sessionID]
	return p, ok
}

// Terminate closes and forgets the Process for sessionID, if any.
func (m *Manager) Terminate(sessionID string) error {
	m.mu.Lock()
	p, ok := m.processes[sessionID]
	delete(m.processes, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// TerminateAll closes every active process, for server shutdown.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for id, p := range m.processes {
		procs = append(procs, p)
		delete(m.processes, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			_ = p.Close()
		}(p)
	}
	wg.Wait()
}
