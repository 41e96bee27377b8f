// Package translate converts between ACP content and the stream-json
// dialect spoken by the claude CLI: a pair of pure functions for the
// outbound direction, and one streaming state machine for the inbound
// direction.
package translate

import (
	"encoding/json"
	"fmt"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/toolcalls"
)

type streamItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AcpUserToStreamJSON builds the stdin payload for one user turn: a JSON
// array of stream-json content items. The CLI is text-only, so every
// block collapses to a text item; non-text blocks become descriptive
// placeholders carrying MIME type and size so the model can still reason
// about what was attached.
func AcpUserToStreamJSON(blocks []acp.ContentBlock) (json.RawMessage, error) {
	items := make([]streamItem, 0, len(blocks))
	for _, b := range blocks {
		items = append(items, streamItem{Type: "text", Text: blockToText(b)})
	}
	return json.Marshal(items)
}

// HistoryText renders a prompt's content blocks as the flattened string
// stored in Session.Context, mirroring what AcpUserToStreamJSON sent.
func HistoryText(blocks []acp.ContentBlock) string {
	out := ""
	for _, b := range blocks {
		out += blockToText(b)
	}
	return out
}

func blockToText(b acp.ContentBlock) string {
	switch {
	case b.Text != nil:
		return b.Text.Text
	case b.Image != nil:
		return fmt.Sprintf("[Image: %s, %d bytes]", b.Image.MimeType, len(b.Image.Data))
	case b.Audio != nil:
		return fmt.Sprintf("[Audio: %s, %d bytes]", b.Audio.MimeType, len(b.Audio.Data))
	case b.ResourceLink != nil:
		mime := ""
		if b.ResourceLink.MimeType != nil {
			mime = *b.ResourceLink.MimeType
		}
		return fmt.Sprintf("[Resource link: %s (%s)]", b.ResourceLink.Uri, mime)
	case b.Resource != nil:
		return resourceToText(b.Resource.Resource)
	default:
		return ""
	}
}

func resourceToText(r acp.EmbeddedResourceResource) string {
	switch {
	case r.TextResourceContents != nil:
		return r.TextResourceContents.Text
	case r.BlobResourceContents != nil:
		mime := "application/octet-stream"
		if r.BlobResourceContents.MimeType != nil {
			mime = *r.BlobResourceContents.MimeType
		}
		return fmt.Sprintf("[Embedded resource: %s, %d bytes]", mime, len(r.BlobResourceContents.Blob))
	default:
		return "[Embedded resource]"
	}
}

// StopReason mirrors acp's stop-reason enum, named here so AgentCore never
// needs to import the stream-json package for this one string constant.
type StopReason string

const (
	StopEndTurn         StopReason = "end_turn"
	StopCancelled       StopReason = "cancelled"
	StopRefusal         StopReason = "refusal"
	StopMaxTokens       StopReason = "max_tokens"
	StopMaxTurnRequests StopReason = "max_turn_requests"
)

// EventKind discriminates what ProcessLine produced.
type EventKind int

const (
	// EventIgnore means the line added no assistant text and did not end
	// the turn (e.g. an unrecognised type, a system message, or an
	// assistant line whose thinking/tool_use updates were already
	// published).
	EventIgnore EventKind = iota
	// EventNotified means zero or more SessionUpdates were already
	// published to the bus; AssistantTextDelta (if non-empty) should be
	// appended to the turn's running transcript.
	EventNotified
	// EventEndOfTurn signals the prompt loop must stop reading lines.
	EventEndOfTurn
)

// TurnEvent is the result of feeding one stream-json line through the
// state machine.
type TurnEvent struct {
	Kind               EventKind
	AssistantTextDelta string
	StopReason         StopReason
}

// Translator is the stateful half of the protocol translator: the
// inbound direction accumulates per-tool-call bookkeeping (via
// ToolCallTracker) and publishes SessionUpdates as they are produced,
// rather than buffering them into a returned slice — the same inline
// publish-as-you-go style the teacher's stream-json adapter uses.
type Translator struct {
	tracker *toolcalls.Tracker
	bus     *notify.Bus
}

// NewTranslator returns a Translator publishing tool-call lifecycle
// updates through tracker and message chunks through bus.
func NewTranslator(tracker *toolcalls.Tracker, bus *notify.Bus) *Translator {
	return &Translator{tracker: tracker, bus: bus}
}

// ProcessLine feeds one parsed stream-json CLIMessage through the
// inbound state machine for sessionID.
func (t *Translator) ProcessLine(sessionID string, msg *claudeproc.CLIMessage) TurnEvent {
	switch msg.Type {
	case claudeproc.MessageTypeAssistant:
		return t.handleAssistant(sessionID, msg)
	case claudeproc.MessageTypeUser:
		return t.handleUser(sessionID, msg)
	case claudeproc.MessageTypeSystem:
		return TurnEvent{Kind: EventIgnore}
	case claudeproc.MessageTypeResult:
		return TurnEvent{Kind: EventEndOfTurn, StopReason: resultStopReason(msg)}
	default:
		return TurnEvent{Kind: EventIgnore}
	}
}

func resultStopReason(msg *claudeproc.CLIMessage) StopReason {
	switch msg.Subtype {
	case "error_max_turns":
		return StopMaxTurnRequests
	}
	if msg.IsError {
		return StopRefusal
	}
	return StopEndTurn
}

func (t *Translator) handleAssistant(sessionID string, msg *claudeproc.CLIMessage) TurnEvent {
	if msg.Message == nil {
		return TurnEvent{Kind: EventIgnore}
	}
	blocks, err := msg.Message.GetContentBlocks()
	if err != nil {
		return TurnEvent{Kind: EventIgnore}
	}

	var text string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text += b.Text
			t.publish(sessionID, acp.SessionUpdate{
				AgentMessageChunk: &acp.SessionUpdateAgentMessageChunk{
					Content: acp.TextBlock(b.Text),
				},
			})
		case "thinking":
			t.publish(sessionID, acp.SessionUpdate{
				AgentThoughtChunk: &acp.SessionUpdateAgentThoughtChunk{
					Content: acp.TextBlock(b.Thinking),
				},
			})
		case "tool_use":
			if update, ok := planFromToolUse(b); ok {
				t.publish(sessionID, update)
				continue
			}
			report := t.tracker.Create(sessionID, b.ID, b.Name, b.Input, toolcalls.LocationsFromInput(b.Input))
			// The CLI starts executing as soon as it announces the use.
			t.tracker.Update(sessionID, report.ToolCallID, func(r *toolcalls.Report) {
				r.Status = acp.ToolCallStatusInProgress
			})
		}
	}
	if text == "" {
		return TurnEvent{Kind: EventIgnore}
	}
	return TurnEvent{Kind: EventNotified, AssistantTextDelta: text}
}

// todoItem is one entry of the CLI's TodoWrite tool input.
type todoItem struct {
	Content     string `json:"content"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type todoInput struct {
	Todos []todoItem `json:"todos"`
	Items []todoItem `json:"items"`
}

// planFromToolUse maps the CLI's TodoWrite tool to a plan update rather
// than a tool-call report: the todo list is the turn's decomposition, and
// clients render plans natively.
func planFromToolUse(b claudeproc.ContentBlock) (acp.SessionUpdate, bool) {
	if b.Name != claudeproc.ToolTodoWrite || len(b.Input) == 0 {
		return acp.SessionUpdate{}, false
	}
	var input todoInput
	if err := json.Unmarshal(b.Input, &input); err != nil {
		return acp.SessionUpdate{}, false
	}
	items := input.Todos
	if len(items) == 0 {
		items = input.Items
	}
	if len(items) == 0 {
		return acp.SessionUpdate{}, false
	}

	entries := make([]acp.PlanEntry, 0, len(items))
	for _, item := range items {
		content := item.Content
		if content == "" {
			content = item.Description
		}
		entries = append(entries, acp.PlanEntry{
			Content:  content,
			Priority: acp.PlanEntryPriorityMedium,
			Status:   planStatus(item.Status),
		})
	}
	return acp.SessionUpdate{Plan: &acp.SessionUpdatePlan{Entries: entries}}, true
}

func planStatus(s string) acp.PlanEntryStatus {
	switch s {
	case "in_progress":
		return acp.PlanEntryStatusInProgress
	case "completed":
		return acp.PlanEntryStatusCompleted
	default:
		return acp.PlanEntryStatusPending
	}
}

func (t *Translator) handleUser(sessionID string, msg *claudeproc.CLIMessage) TurnEvent {
	if msg.Message == nil {
		return TurnEvent{Kind: EventIgnore}
	}
	blocks, err := msg.Message.GetContentBlocks()
	if err != nil {
		return TurnEvent{Kind: EventIgnore}
	}

	handled := false
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		handled = true
		content := toolResultContent(b)
		if b.IsError {
			t.tracker.Fail(sessionID, acp.ToolCallId(b.ToolUseID), b.Content, content)
		} else {
			t.tracker.Complete(sessionID, acp.ToolCallId(b.ToolUseID), b.Content, content)
		}
	}
	if !handled {
		return TurnEvent{Kind: EventIgnore}
	}
	return TurnEvent{Kind: EventNotified}
}

func toolResultContent(b claudeproc.ContentBlock) []acp.ToolCallContent {
	var text string
	if err := json.Unmarshal(b.Content, &text); err != nil {
		text = string(b.Content)
	}
	return []acp.ToolCallContent{{
		Content: &acp.ToolCallContentContent{Content: acp.TextBlock(text)},
	}}
}

func (t *Translator) publish(sessionID string, update acp.SessionUpdate) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(acp.SessionNotification{
		SessionId: acp.SessionId(sessionID),
		Update:    update,
	})
}
