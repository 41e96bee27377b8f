// Package permission implements the permission engine: deciding whether a
// tool invocation may proceed, asking the user when policy doesn't already
// say, and remembering "always" decisions for the life of the process.
package permission

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/logging"
)

// Decision is the outcome of a permission check.
type Decision int

const (
	Deny Decision = iota
	Allow
	Cancelled
)

// DefaultAskTimeout is used when the engine is constructed without an
// explicit timeout (config.PermissionConfig.AskTimeoutDuration() normally
// supplies 60s).
const DefaultAskTimeout = 60 * time.Second

// Request describes one pending permission question.
type Request struct {
	SessionID  string
	ToolCallID acp.ToolCallId
	ToolName   string
	Title      string
	RawInput   json.RawMessage
	Options    []acp.PermissionOption
}

// Response is what a UserPromptHandler returns: the OptionId the user
// picked, or Cancelled if the request was dismissed without a choice.
type Response struct {
	OptionID  string
	Cancelled bool
}

// UserPromptHandler surfaces a Request to the client and blocks for its
// answer. Implementations are expected to drive this via AgentCore's
// session/request_permission round trip.
type UserPromptHandler func(ctx context.Context, req *Request) (*Response, error)

// DefaultOptions mirrors the three-choice menu the teacher always offers:
// allow once, allow always, reject once.
func DefaultOptions() []acp.PermissionOption {
	return []acp.PermissionOption{
		{OptionId: "allow", Name: "Allow", Kind: acp.PermissionOptionKindAllowOnce},
		{OptionId: "allow_always", Name: "Allow Always", Kind: acp.PermissionOptionKindAllowAlways},
		{OptionId: "deny", Name: "Deny", Kind: acp.PermissionOptionKindRejectOnce},
	}
}

// Engine decides Allow/Deny/Ask per (session, tool, args), consulting and
// updating a process-lifetime policy table of "always" decisions keyed by
// tool name only (not by session), per spec.md §4.11.
type Engine struct {
	mu       sync.Mutex
	policies map[string]Decision

	handler UserPromptHandler
	timeout time.Duration
	logger  *logging.Logger
}

// NewEngine returns an Engine that asks via handler (if non-nil) and
// auto-allows when handler is nil, matching the teacher's "no handler ->
// auto-allow" fallback.
func NewEngine(handler UserPromptHandler, timeout time.Duration, log *logging.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultAskTimeout
	}
	return &Engine{
		policies: make(map[string]Decision),
		handler:  handler,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "permission")),
	}
}

// Decide resolves a permission question for one tool invocation. The
// returned message is only meaningful when decision is Deny or Cancelled.
func (e *Engine) Decide(ctx context.Context, req *Request) (decision Decision, message string) {
	if d, ok := e.storedDecision(req.ToolName); ok {
		return d, ""
	}

	if e.handler == nil {
		e.logger.Debug("auto-allowing tool, no handler registered", zap.String("tool", req.ToolName))
		return Allow, ""
	}

	if len(req.Options) == 0 {
		req.Options = DefaultOptions()
	}

	askCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.handler(askCtx, req)
	if err != nil {
		switch {
		case askCtx.Err() == context.DeadlineExceeded:
			e.logger.Warn("permission request timed out",
				zap.String("session_id", req.SessionID), zap.String("tool", req.ToolName))
			return Cancelled, "permission timed out"
		case askCtx.Err() == context.Canceled:
			// The turn was cancelled while the question was pending.
			return Cancelled, "permission request cancelled"
		}
		e.logger.Error("permission handler error", zap.Error(err))
		return Deny, "permission handler error"
	}

	return e.applyResponse(req.ToolName, resp)
}

func (e *Engine) storedDecision(toolName string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.policies[toolName]
	return d, ok
}

func (e *Engine) applyResponse(toolName string, resp *Response) (Decision, string) {
	if resp.Cancelled {
		return Cancelled, "permission request cancelled"
	}

	switch resp.OptionID {
	case "allow_always":
		e.store(toolName, Allow)
		return Allow, ""
	case "deny_always":
		e.store(toolName, Deny)
		return Deny, ""
	case "allow":
		return Allow, ""
	case "deny":
		return Deny, "permission denied"
	default:
		e.logger.Warn("unrecognised permission option id, denying", zap.String("option_id", resp.OptionID))
		return Deny, "permission denied"
	}
}

func (e *Engine) store(toolName string, d Decision) {
	e.mu.Lock()
	e.policies[toolName] = d
	e.mu.Unlock()
}

// Reset clears every stored "always" decision. Only the tests call it;
// shutdown does not.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.policies = make(map[string]Decision)
	e.mu.Unlock()
}
