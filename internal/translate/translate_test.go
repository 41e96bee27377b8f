package translate_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/claudeproc"
	"github.com/kandev/claude-acp-proxy/internal/notify"
	"github.com/kandev/claude-acp-proxy/internal/toolcalls"
	"github.com/kandev/claude-acp-proxy/internal/translate"
)

func drain(t *testing.T, ch <-chan acp.SessionNotification) acp.SessionNotification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return acp.SessionNotification{}
	}
}

func TestAcpUserToStreamJSON_TextBlock(t *testing.T) {
	blocks := []acp.ContentBlock{acp.TextBlock("hello there")}
	raw, err := translate.AcpUserToStreamJSON(blocks)
	require.NoError(t, err)

	var items []map[string]string
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "text", items[0]["type"])
	assert.Equal(t, "hello there", items[0]["text"])
}

func TestAcpUserToStreamJSON_NonTextBlocksBecomePlaceholders(t *testing.T) {
	blocks := []acp.ContentBlock{
		acp.ImageBlock("ZGF0YQ==", "image/png"),
		acp.ResourceLinkBlock("notes.txt", "file:///tmp/notes.txt"),
	}
	raw, err := translate.AcpUserToStreamJSON(blocks)
	require.NoError(t, err)

	var items []map[string]string
	require.NoError(t, json.Unmarshal(raw, &items))
	require.Len(t, items, 2)
	assert.Contains(t, items[0]["text"], "image/png")
	assert.Contains(t, items[1]["text"], "notes.txt")
}

func TestHistoryText_ConcatenatesBlocks(t *testing.T) {
	blocks := []acp.ContentBlock{acp.TextBlock("a"), acp.TextBlock("b")}
	assert.Equal(t, "ab", translate.HistoryText(blocks))
}

func newTestTranslator() (*translate.Translator, *toolcalls.Tracker, <-chan acp.SessionNotification, func()) {
	bus := notify.NewBus()
	ch, unsub := bus.Subscribe()
	tracker := toolcalls.NewTracker(bus)
	return translate.NewTranslator(tracker, bus), tracker, ch, unsub
}

func TestProcessLine_AssistantTextChunk(t *testing.T) {
	tr, _, ch, unsub := newTestTranslator()
	defer unsub()

	content, err := json.Marshal([]claudeproc.ContentBlock{{Type: "text", Text: "hi there"}})
	require.NoError(t, err)
	msg := &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeAssistant,
		Message: &claudeproc.AssistantMessage{Role: "assistant", Content: content},
	}

	ev := tr.ProcessLine("sess-1", msg)
	assert.Equal(t, translate.EventNotified, ev.Kind)
	assert.Equal(t, "hi there", ev.AssistantTextDelta)

	n := drain(t, ch)
	require.NotNil(t, n.Update.AgentMessageChunk)
	assert.Equal(t, "hi there", n.Update.AgentMessageChunk.Content.Text.Text)
}

func TestProcessLine_ToolUseCreatesTrackedCall(t *testing.T) {
	tr, tracker, ch, unsub := newTestTranslator()
	defer unsub()

	content, err := json.Marshal([]claudeproc.ContentBlock{
		{Type: "tool_use", ID: "toolu_1", Name: "Bash", Input: json.RawMessage(`{"command":"ls"}`)},
	})
	require.NoError(t, err)
	msg := &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeAssistant,
		Message: &claudeproc.AssistantMessage{Role: "assistant", Content: content},
	}

	ev := tr.ProcessLine("sess-1", msg)
	assert.Equal(t, translate.EventIgnore, ev.Kind)
	assert.Equal(t, 1, tracker.ActiveCount("sess-1"))
	drain(t, ch) // the StartToolCall notification from Create
}

func TestProcessLine_ToolResultCompletesTrackedCall(t *testing.T) {
	tr, tracker, ch, unsub := newTestTranslator()
	defer unsub()

	report := tracker.Create("sess-1", "toolu_r1", "Read", nil, nil)
	drain(t, ch)
	assert.Equal(t, "toolu_r1", report.ExternalID)

	// The CLI's tool_result references its own tool_use id, not ours.
	resultText, _ := json.Marshal("file contents")
	content, err := json.Marshal([]claudeproc.ContentBlock{
		{Type: "tool_result", ToolUseID: "toolu_r1", Content: resultText},
	})
	require.NoError(t, err)
	msg := &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeUser,
		Message: &claudeproc.AssistantMessage{Role: "user", Content: content},
	}

	ev := tr.ProcessLine("sess-1", msg)
	assert.Equal(t, translate.EventNotified, ev.Kind)
	assert.Equal(t, 0, tracker.ActiveCount("sess-1"))
	drain(t, ch) // the completing tool_call_update
}

func TestProcessLine_ResultMessageEndsTurn(t *testing.T) {
	tr, _, _, unsub := newTestTranslator()
	defer unsub()

	ev := tr.ProcessLine("sess-1", &claudeproc.CLIMessage{Type: claudeproc.MessageTypeResult})
	assert.Equal(t, translate.EventEndOfTurn, ev.Kind)
	assert.Equal(t, translate.StopEndTurn, ev.StopReason)

	evErr := tr.ProcessLine("sess-1", &claudeproc.CLIMessage{Type: claudeproc.MessageTypeResult, IsError: true})
	assert.Equal(t, translate.StopRefusal, evErr.StopReason)
}

func TestProcessLine_ToolUseExtractsLocations(t *testing.T) {
	tr, _, ch, unsub := newTestTranslator()
	defer unsub()

	content, err := json.Marshal([]claudeproc.ContentBlock{
		{Type: "tool_use", ID: "toolu_2", Name: "Read", Input: json.RawMessage(`{"file_path":"/tmp/work/a.txt"}`)},
	})
	require.NoError(t, err)
	msg := &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeAssistant,
		Message: &claudeproc.AssistantMessage{Role: "assistant", Content: content},
	}

	tr.ProcessLine("sess-1", msg)
	n := drain(t, ch)
	require.NotNil(t, n.Update.ToolCall)
	require.Len(t, n.Update.ToolCall.Locations, 1)
	assert.Equal(t, "/tmp/work/a.txt", n.Update.ToolCall.Locations[0].Path)
}

func TestProcessLine_TodoWriteBecomesPlan(t *testing.T) {
	tr, tracker, ch, unsub := newTestTranslator()
	defer unsub()

	input := json.RawMessage(`{"todos":[
		{"content":"scan files","status":"completed"},
		{"content":"apply fix","status":"in_progress"},
		{"content":"run checks","status":"pending"}
	]}`)
	content, err := json.Marshal([]claudeproc.ContentBlock{
		{Type: "tool_use", ID: "toolu_3", Name: claudeproc.ToolTodoWrite, Input: input},
	})
	require.NoError(t, err)
	msg := &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeAssistant,
		Message: &claudeproc.AssistantMessage{Role: "assistant", Content: content},
	}

	tr.ProcessLine("sess-1", msg)

	n := drain(t, ch)
	require.NotNil(t, n.Update.Plan, "TodoWrite should emit a plan, not a tool call")
	require.Len(t, n.Update.Plan.Entries, 3)
	assert.Equal(t, "scan files", n.Update.Plan.Entries[0].Content)
	assert.Equal(t, acp.PlanEntryStatusCompleted, n.Update.Plan.Entries[0].Status)
	assert.Equal(t, acp.PlanEntryStatusInProgress, n.Update.Plan.Entries[1].Status)
	assert.Equal(t, acp.PlanEntryStatusPending, n.Update.Plan.Entries[2].Status)
	assert.Equal(t, 0, tracker.ActiveCount("sess-1"), "no tool-call report for TodoWrite")
}

func TestProcessLine_ResultMaxTurns(t *testing.T) {
	tr, _, _, unsub := newTestTranslator()
	defer unsub()

	ev := tr.ProcessLine("sess-1", &claudeproc.CLIMessage{
		Type:    claudeproc.MessageTypeResult,
		Subtype: "error_max_turns",
		IsError: true,
	})
	assert.Equal(t, translate.EventEndOfTurn, ev.Kind)
	assert.Equal(t, translate.StopMaxTurnRequests, ev.StopReason)
}

func TestProcessLine_SystemMessageIsIgnored(t *testing.T) {
	tr, _, _, unsub := newTestTranslator()
	defer unsub()

	ev := tr.ProcessLine("sess-1", &claudeproc.CLIMessage{Type: claudeproc.MessageTypeSystem})
	assert.Equal(t, translate.EventIgnore, ev.Kind)
}

func TestProcessLine_UnknownTypeIsIgnored(t *testing.T) {
	tr, _, _, unsub := newTestTranslator()
	defer unsub()

	ev := tr.ProcessLine("sess-1", &claudeproc.CLIMessage{Type: "something_new"})
	assert.Equal(t, translate.EventIgnore, ev.Kind)
}
