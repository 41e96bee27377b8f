package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/capability"
	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/mcp"
	"github.com/kandev/claude-acp-proxy/internal/permission"
	"github.com/kandev/claude-acp-proxy/internal/session"
	"github.com/kandev/claude-acp-proxy/internal/translate"
)

// turnBufferSize bounds how many unconsumed stream-json lines a turn may
// queue. Once a turn is abandoned (cancelled) excess lines are dropped;
// IsCancelled remains the source of truth so nothing is lost that matters.
const turnBufferSize = 256

// Prompt runs one prompt turn: validate, append the user message, write it
// to the session's claude process, and pump stream-json lines through the
// translator until the turn ends or is cancelled. Every session/update the
// turn produces is published before the response returns.
func (c *Core) Prompt(ctx context.Context, req acp.PromptRequest) (acp.PromptResponse, error) {
	sessionID := string(req.SessionId)
	ctx, span := c.tracer.Start(ctx, "acp.prompt",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	if err := capability.ValidateSessionID(sessionID); err != nil {
		return acp.PromptResponse{}, err
	}
	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return acp.PromptResponse{}, err
	}

	// One turn in flight per session; concurrent prompts queue here.
	lock := c.turnLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if c.cancels.IsCancelled(sessionID) {
		// A cancel raced ahead of this turn. Consume it so the session
		// stays usable, and send no content updates at all.
		c.cancels.Reset(sessionID)
		return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
	}

	if len(req.Prompt) == 0 {
		return acp.PromptResponse{}, apperr.InvalidParams("prompt must not be empty", map[string]any{
			"field":  "prompt",
			"reason": "empty",
		})
	}
	for i, block := range req.Prompt {
		if err := c.validatePromptBlock(i, block); err != nil {
			return acp.PromptResponse{}, err
		}
	}

	sess.AppendMessage(session.Message{
		Role:      session.RoleUser,
		Content:   translate.HistoryText(req.Prompt),
		Timestamp: time.Now(),
	})

	proc, err := c.ensureProcess(sess)
	if err != nil {
		return acp.PromptResponse{}, apperr.TransportError("failed to start claude process", err)
	}

	msgCh := c.registerTurn(sessionID)
	defer c.clearTurn(sessionID, msgCh)
	cancelCh, unsubscribe := c.cancels.Subscribe()
	defer unsubscribe()

	if c.cancels.IsCancelled(sessionID) {
		return c.finishCancelled(sess, "", nil)
	}

	payload, err := translate.AcpUserToStreamJSON(req.Prompt)
	if err != nil {
		return acp.PromptResponse{}, apperr.InternalError("failed to encode prompt", err)
	}
	if err := proc.Client.SendUserMessage(payload); err != nil {
		stderr := proc.RecentStderr()
		_ = c.procs.Terminate(sessionID)
		return acp.PromptResponse{}, apperr.TransportError("failed to write to claude process", err).
			WithData(stderrData(stderr))
	}

	var assistant strings.Builder
	var meta *session.MessageMeta
	for {
		select {
		case <-ctx.Done():
			return c.finishCancelled(sess, assistant.String(), meta)

		case cancelled := <-cancelCh:
			if cancelled != sessionID {
				continue
			}
			return c.finishCancelled(sess, assistant.String(), meta)

		case <-proc.Client.ReadLoopDone():
			// The child died mid-turn. Surface the failure on this prompt;
			// the next prompt spawns a fresh child against the preserved
			// session context.
			c.tracker.CancelAllForSession(sessionID)
			stderr := proc.RecentStderr()
			_ = c.procs.Terminate(sessionID)
			return acp.PromptResponse{}, apperr.TransportError("claude process exited mid-turn",
				errors.New("unexpected EOF on stdout")).WithData(stderrData(stderr))

		case msg := <-msgCh:
			if m := usageMeta(msg); m != nil {
				meta = m
			}
			ev := c.translator.ProcessLine(sessionID, msg)
			switch ev.Kind {
			case translate.EventNotified:
				assistant.WriteString(ev.AssistantTextDelta)
			case translate.EventEndOfTurn:
				c.appendAssistant(sess, assistant.String(), meta)
				return acp.PromptResponse{StopReason: acpStopReason(ev.StopReason)}, nil
			}
			if c.cancels.IsCancelled(sessionID) {
				return c.finishCancelled(sess, assistant.String(), meta)
			}
		}
	}
}

// finishCancelled ends a cancelled turn: finalise any tool calls still
// open, keep whatever assistant text already streamed, and consume the
// cancellation flag so the next turn starts clean. The tracker's final
// updates are published before this returns, which keeps them ahead of the
// response on the wire.
func (c *Core) finishCancelled(sess *session.Session, text string, meta *session.MessageMeta) (acp.PromptResponse, error) {
	sessionID := sess.ID()
	c.tracker.CancelAllForSession(sessionID)
	c.appendAssistant(sess, text, meta)
	c.cancels.Reset(sessionID)
	return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
}

func (c *Core) appendAssistant(sess *session.Session, text string, meta *session.MessageMeta) {
	if text == "" {
		return
	}
	sess.AppendMessage(session.Message{
		Role:      session.RoleAssistant,
		Content:   text,
		Timestamp: time.Now(),
		Meta:      meta,
	})
	if err := c.sessions.Persist(sess); err != nil {
		c.logger.Warn("session persist failed", zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

// stderrData packages the child's recent stderr lines for an error's
// data object; empty input yields nil so WithData is a no-op.
func stderrData(lines []string) map[string]any {
	if len(lines) == 0 {
		return nil
	}
	return map[string]any{"recentStderr": lines}
}

func usageMeta(msg *claudeproc.CLIMessage) *session.MessageMeta {
	if msg.Type != claudeproc.MessageTypeResult {
		return nil
	}
	if msg.CostUSD == 0 && msg.DurationMS == 0 && msg.TotalInputTokens == 0 && msg.TotalOutputTokens == 0 {
		return nil
	}
	return &session.MessageMeta{
		CostUSD:      msg.CostUSD,
		InputTokens:  msg.TotalInputTokens,
		OutputTokens: msg.TotalOutputTokens,
		DurationMS:   msg.DurationMS,
	}
}

func acpStopReason(r translate.StopReason) acp.StopReason {
	switch r {
	case translate.StopCancelled:
		return acp.StopReasonCancelled
	case translate.StopRefusal:
		return acp.StopReasonRefusal
	case translate.StopMaxTokens:
		return acp.StopReasonMaxTokens
	case translate.StopMaxTurnRequests:
		return acp.StopReasonMaxTurnRequests
	default:
		return acp.StopReasonEndTurn
	}
}

// validatePromptBlock gates one content block against the negotiated
// capabilities and validates its content. Text is always allowed.
func (c *Core) validatePromptBlock(i int, b acp.ContentBlock) error {
	err := func() error {
		switch {
		case b.Text != nil:
			return nil
		case b.Image != nil:
			if err := c.caps.RequireImage(); err != nil {
				return err
			}
			return capability.ValidateMediaContent(b.Image.MimeType, b.Image.Data)
		case b.Audio != nil:
			if err := c.caps.RequireAudio(); err != nil {
				return err
			}
			return capability.ValidateMediaContent(b.Audio.MimeType, b.Audio.Data)
		case b.ResourceLink != nil:
			if err := c.caps.RequireEmbeddedContext(); err != nil {
				return err
			}
			return validateResourceURI(b.ResourceLink.Uri)
		case b.Resource != nil:
			if err := c.caps.RequireEmbeddedContext(); err != nil {
				return err
			}
			return validateEmbeddedResource(b.Resource.Resource)
		default:
			return apperr.ValidationError("contentBlock.type", "unknown", nil)
		}
	}()
	if err == nil {
		return nil
	}
	wrapped := apperr.Wrap(err, fmt.Sprintf("prompt[%d]", i))
	if wrapped.Data == nil {
		wrapped.Data = map[string]any{}
	}
	wrapped.Data["promptIndex"] = i
	return wrapped
}

// validateResourceURI accepts file: and zed-style relative URIs as-is and
// runs http(s) URIs through the SSRF gate.
func validateResourceURI(uri string) error {
	if uri == "" {
		return apperr.ValidationError("resourceLink.uri", "empty", nil)
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return capability.ValidateURL(uri)
	}
	return nil
}

func validateEmbeddedResource(r acp.EmbeddedResourceResource) error {
	switch {
	case r.TextResourceContents != nil:
		return nil
	case r.BlobResourceContents != nil:
		return capability.ValidateBase64(r.BlobResourceContents.Blob)
	default:
		return apperr.ValidationError("resource", "missing_contents", map[string]any{
			"expected": "text or blob resource contents",
		})
	}
}

// ensureProcess returns the session's claude process, spawning and wiring
// it on first use.
func (c *Core) ensureProcess(sess *session.Session) (*claudeproc.Process, error) {
	sessionID := sess.ID()
	if p, ok := c.procs.Get(sessionID); ok {
		return p, nil
	}

	mcpJSON, err := mcp.BuildCLIConfig(sess.McpServers())
	if err != nil {
		return nil, err
	}
	opts := claudeproc.Options{
		BinaryPath:            c.cfg.ClaudeCLI.BinaryPath,
		ExtraArgs:             c.cfg.ClaudeCLI.ExtraArgs,
		Cwd:                   sess.Cwd(),
		McpConfigJSON:         mcpJSON,
		GracefulShutdownGrace: c.cfg.ClaudeCLI.GracefulShutdownGraceDuration(),
	}

	p, initData, err := c.procs.GetOrSpawn(c.baseCtx, sessionID, opts, cliInitTimeout)
	if err != nil {
		return nil, err
	}
	p.Client.SetMessageHandler(func(m *claudeproc.CLIMessage) {
		c.routeCLIMessage(sessionID, m)
	})
	p.Client.SetRequestHandler(func(requestID string, cr *claudeproc.ControlRequest) {
		c.handleControlRequest(sessionID, p, requestID, cr)
	})
	if initData != nil && len(initData.Commands) > 0 {
		c.advertiseCommands(sess, initData.Commands)
	}
	return p, nil
}

func (c *Core) turnLock(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.turnLocks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		c.turnLocks[sessionID] = m
	}
	return m
}

func (c *Core) registerTurn(sessionID string) chan *claudeproc.CLIMessage {
	ch := make(chan *claudeproc.CLIMessage, turnBufferSize)
	c.mu.Lock()
	c.turns[sessionID] = ch
	c.mu.Unlock()
	return ch
}

func (c *Core) clearTurn(sessionID string, ch chan *claudeproc.CLIMessage) {
	c.mu.Lock()
	if c.turns[sessionID] == ch {
		delete(c.turns, sessionID)
	}
	c.mu.Unlock()
}

// routeCLIMessage is the process read loop's message handler: ambient
// messages (slash-command advertisements) are handled here, everything
// else is delivered to the active turn, if any.
func (c *Core) routeCLIMessage(sessionID string, msg *claudeproc.CLIMessage) {
	if msg.Type == claudeproc.MessageTypeSystem && len(msg.SlashCommands) > 0 {
		if sess, err := c.sessions.Get(sessionID); err == nil {
			c.advertiseCommands(sess, msg.SlashCommands)
		}
	}

	c.mu.Lock()
	ch := c.turns[sessionID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
		// Only an abandoned (cancelled) turn lets the buffer fill up.
		c.logger.Debug("dropping stream-json line, turn buffer full",
			zap.String("session_id", sessionID), zap.String("type", msg.Type))
	}
}

// advertiseCommands records the CLI's slash-command list on the session
// and pushes an available_commands_update when the list changed.
func (c *Core) advertiseCommands(sess *session.Session, cmds []claudeproc.Command) {
	current := sess.AvailableCommands()
	next := make([]session.SlashCommand, 0, len(cmds))
	for _, cmd := range cmds {
		next = append(next, session.SlashCommand{
			Name:         cmd.Name,
			Description:  cmd.Description,
			ArgumentHint: cmd.ArgumentHint,
		})
	}
	if slashCommandsEqual(current, next) {
		return
	}
	sess.SetAvailableCommands(next)

	available := make([]acp.AvailableCommand, 0, len(next))
	for _, cmd := range next {
		available = append(available, acp.AvailableCommand{
			Name:        cmd.Name,
			Description: cmd.Description,
		})
	}
	c.bus.Publish(acp.SessionNotification{
		SessionId: acp.SessionId(sess.ID()),
		Update: acp.SessionUpdate{
			AvailableCommandsUpdate: &acp.SessionAvailableCommandsUpdate{
				AvailableCommands: available,
			},
		},
	})
}

func slashCommandsEqual(a, b []session.SlashCommand) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// handleControlRequest answers the CLI's control_request lines. Tool
// permission checks go through the permission engine off the read loop;
// everything else gets an immediate answer.
func (c *Core) handleControlRequest(sessionID string, p *claudeproc.Process, requestID string, cr *claudeproc.ControlRequest) {
	switch cr.Subtype {
	case claudeproc.SubtypeCanUseTool:
		go c.answerPermission(sessionID, p, requestID, cr)
	case claudeproc.SubtypeHookCallback:
		c.respondControl(p, requestID, &claudeproc.ControlResponse{Subtype: "success"})
	default:
		c.logger.Debug("unsupported control request",
			zap.String("session_id", sessionID), zap.String("subtype", cr.Subtype))
		c.respondControl(p, requestID, &claudeproc.ControlResponse{
			Subtype: "error",
			Error:   fmt.Sprintf("unsupported control request %q", cr.Subtype),
		})
	}
}

func (c *Core) answerPermission(sessionID string, p *claudeproc.Process, requestID string, cr *claudeproc.ControlRequest) {
	ctx, cancelAsk := context.WithCancel(c.baseCtx)
	defer cancelAsk()

	// A session/cancel mid-question resolves the ask as cancelled.
	go func() {
		ch, unsubscribe := c.cancels.Subscribe()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-ch:
				if id == sessionID {
					cancelAsk()
					return
				}
			}
		}
	}()

	decision, message := c.perms.Decide(ctx, &permission.Request{
		SessionID:  sessionID,
		ToolCallID: acp.ToolCallId(cr.ToolUseID),
		ToolName:   cr.ToolName,
		Title:      cr.ToolName,
		RawInput:   cr.Input,
	})

	result := claudeproc.PermissionResult{Behavior: claudeproc.BehaviorAllow}
	if decision != permission.Allow {
		result = claudeproc.PermissionResult{Behavior: claudeproc.BehaviorDeny, Message: message}
		if decision == permission.Cancelled && cr.ToolUseID != "" {
			c.tracker.Fail(sessionID, acp.ToolCallId(cr.ToolUseID), nil, []acp.ToolCallContent{{
				Content: &acp.ToolCallContentContent{Content: acp.TextBlock(message)},
			}})
		}
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("failed to marshal permission result", zap.Error(err))
		return
	}
	c.respondControl(p, requestID, &claudeproc.ControlResponse{Subtype: "success", Result: raw})
}

func (c *Core) respondControl(p *claudeproc.Process, requestID string, resp *claudeproc.ControlResponse) {
	err := p.Client.SendControlResponse(&claudeproc.ControlResponseMessage{
		Type:      claudeproc.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	})
	if err != nil {
		c.logger.Warn("failed to send control response",
			zap.String("request_id", requestID), zap.Error(err))
	}
}
