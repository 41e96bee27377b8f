// Package toolcalls is the authoritative store of ToolCallReports for every
// session: it assigns ids, classifies tool kind from name, detects partial
// updates against the last-sent snapshot, and emits the tool_call /
// tool_call_update notifications the ACP spec requires.
package toolcalls

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/kandev/claude-acp-proxy/internal/idgen"
	"github.com/kandev/claude-acp-proxy/internal/notify"
)

// snapshot is the lightweight record of a report's last-sent state, used
// purely for partial-update diffing. It is never serialized.
type snapshot struct {
	status           acp.ToolCallStatus
	title            string
	kind             acp.ToolKind
	contentLen       int
	locationsLen     int
	rawInputPresent  bool
	rawOutputPresent bool
}

// Report is the authoritative record of one tool invocation within a
// session, per spec.md §3.4. ExternalID is the id the CLI used in its
// tool_use block; tool_result lines reference it, so the tracker resolves
// either id to the same report.
type Report struct {
	SessionID  string
	ToolCallID acp.ToolCallId
	ExternalID string
	Title      string
	Kind       acp.ToolKind
	Status     acp.ToolCallStatus
	Content    []acp.ToolCallContent
	Locations  []acp.ToolCallLocation
	RawInput   json.RawMessage
	RawOutput  json.RawMessage

	prev *snapshot
}

func (r *Report) snapshotNow() *snapshot {
	return &snapshot{
		status:           r.Status,
		title:            r.Title,
		kind:             r.Kind,
		contentLen:       len(r.Content),
		locationsLen:     len(r.Locations),
		rawInputPresent:  len(r.RawInput) > 0,
		rawOutputPresent: len(r.RawOutput) > 0,
	}
}

// classifyRule pairs a set of name substrings with the ToolKind they imply.
// Matched in order; the first hit wins.
type classifyRule struct {
	kind       acp.ToolKind
	substrings []string
}

var classifyRules = []classifyRule{
	{acp.ToolKindEdit, []string{"write", "edit", "modify"}},
	{acp.ToolKindDelete, []string{"delete", "rm", "remove"}},
	{acp.ToolKindMove, []string{"move", "mv", "rename"}},
	{acp.ToolKindRead, []string{"read", "cat", "head", "tail"}},
	{acp.ToolKindSearch, []string{"grep", "find", "search", "glob"}},
	{acp.ToolKindExecute, []string{"bash", "shell", "execute", "run"}},
	{acp.ToolKindFetch, []string{"curl", "wget", "fetch", "download"}},
	{acp.ToolKindThink, []string{"think", "reason", "plan", "analyze_approach", "generate_strategy"}},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Classify maps a tool name to a ToolKind using the substring table from
// spec.md §4.5. Edit-family names are checked before Read-family names so
// that e.g. "NotebookEdit" doesn't first match "read" via coincidence, and
// delete/move are checked before search so "remove" doesn't fall through
// to a later catch-all.
func Classify(name string) acp.ToolKind {
	norm := nonAlnum.ReplaceAllString(strings.ToLower(name), "_")
	for _, rule := range classifyRules {
		for _, s := range rule.substrings {
			if strings.Contains(norm, s) {
				return rule.kind
			}
		}
	}
	return acp.ToolKindOther
}

// Tracker owns the active ToolCallReports for every session.
type Tracker struct {
	mu      sync.Mutex
	active  map[string]*Report        // keyed by sessionID + "/" + toolCallID
	aliases map[string]acp.ToolCallId // sessionID + "/" + externalID -> toolCallID
	bus     *notify.Bus
}

// NewTracker returns a Tracker publishing notifications on bus.
func NewTracker(bus *notify.Bus) *Tracker {
	return &Tracker{
		active:  make(map[string]*Report),
		aliases: make(map[string]acp.ToolCallId),
		bus:     bus,
	}
}

func activeKey(sessionID string, toolCallID acp.ToolCallId) string {
	return sessionID + "/" + string(toolCallID)
}

// Create mints a ToolCallId, classifies the tool kind, and emits the
// initial tool_call notification with every field populated. Create never
// emits an Update. externalID, when non-empty, registers the CLI's own
// tool_use id as an alias so later tool_result lines find the report.
func (t *Tracker) Create(sessionID, externalID, name string, rawInput json.RawMessage, locations []acp.ToolCallLocation) *Report {
	report := &Report{
		SessionID:  sessionID,
		ToolCallID: acp.ToolCallId(idgen.NewToolCallID()),
		ExternalID: externalID,
		Title:      name,
		Kind:       Classify(name),
		Status:     acp.ToolCallStatusPending,
		Locations:  locations,
		RawInput:   rawInput,
	}
	report.prev = report.snapshotNow()

	t.mu.Lock()
	t.active[activeKey(sessionID, report.ToolCallID)] = report
	if externalID != "" {
		t.aliases[sessionID+"/"+externalID] = report.ToolCallID
	}
	t.mu.Unlock()

	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(report.Kind),
		acp.WithStartStatus(report.Status),
	}
	if len(rawInput) > 0 {
		opts = append(opts, acp.WithStartRawInput(rawInput))
	}
	if len(locations) > 0 {
		opts = append(opts, acp.WithStartLocations(locations))
	}
	t.publish(sessionID, acp.StartToolCall(report.ToolCallID, report.Title, opts...))
	return report
}

// Mutator mutates a Report in place; applied under the tracker's lock.
type Mutator func(r *Report)

// resolveLocked maps either a canonical ToolCallId or a CLI external id to
// the active report. Callers hold t.mu.
func (t *Tracker) resolveLocked(sessionID string, toolCallID acp.ToolCallId) (*Report, bool) {
	if r, ok := t.active[activeKey(sessionID, toolCallID)]; ok {
		return r, true
	}
	if canonical, ok := t.aliases[sessionID+"/"+string(toolCallID)]; ok {
		r, ok := t.active[activeKey(sessionID, canonical)]
		return r, ok
	}
	return nil, false
}

// Update applies mutator to the report and emits a partial
// tool_call_update: a field is present in the outbound JSON iff it changed
// against the previous snapshot. Create stores that snapshot, so the first
// Update is already partial.
func (t *Tracker) Update(sessionID string, toolCallID acp.ToolCallId, mutate Mutator) {
	t.mu.Lock()
	report, ok := t.resolveLocked(sessionID, toolCallID)
	if !ok {
		t.mu.Unlock()
		return
	}
	prev := report.prev
	mutate(report)
	next := report.snapshotNow()
	report.prev = next
	t.mu.Unlock()

	t.publish(sessionID, buildUpdate(report.ToolCallID, report, prev, next, false))
}

// complete is shared by Complete/Fail/Cancel: set the terminal status,
// emit a final update carrying full content/locations context regardless
// of what changed, then remove the report from the active set.
func (t *Tracker) complete(sessionID string, toolCallID acp.ToolCallId, status acp.ToolCallStatus, rawOutput json.RawMessage, finalContent []acp.ToolCallContent) {
	t.mu.Lock()
	report, ok := t.resolveLocked(sessionID, toolCallID)
	if !ok {
		t.mu.Unlock()
		return
	}
	prev := report.prev
	report.Status = status
	if rawOutput != nil {
		report.RawOutput = rawOutput
	}
	if finalContent != nil {
		report.Content = finalContent
	}
	delete(t.active, activeKey(sessionID, report.ToolCallID))
	if report.ExternalID != "" {
		delete(t.aliases, sessionID+"/"+report.ExternalID)
	}
	t.mu.Unlock()

	t.publish(sessionID, buildUpdate(report.ToolCallID, report, prev, report.snapshotNow(), true))
}

// Complete marks a tool call Completed, with the final output content.
func (t *Tracker) Complete(sessionID string, toolCallID acp.ToolCallId, rawOutput json.RawMessage, content []acp.ToolCallContent) {
	t.complete(sessionID, toolCallID, acp.ToolCallStatusCompleted, rawOutput, content)
}

// Fail marks a tool call Failed, with the error content.
func (t *Tracker) Fail(sessionID string, toolCallID acp.ToolCallId, rawOutput json.RawMessage, content []acp.ToolCallContent) {
	t.complete(sessionID, toolCallID, acp.ToolCallStatusFailed, rawOutput, content)
}

// Cancel marks a tool call Cancelled with no output payload.
func (t *Tracker) Cancel(sessionID string, toolCallID acp.ToolCallId) {
	t.complete(sessionID, toolCallID, acp.ToolCallStatusCancelled, nil, nil)
}

// CancelAllForSession cancels every report still active for sessionID, in
// no particular order; used when session/cancel arrives mid-turn.
func (t *Tracker) CancelAllForSession(sessionID string) {
	t.mu.Lock()
	var ids []acp.ToolCallId
	prefix := sessionID + "/"
	for key, r := range t.active {
		if strings.HasPrefix(key, prefix) {
			ids = append(ids, r.ToolCallID)
		}
	}
	t.mu.Unlock()

	for _, id := range ids {
		t.Cancel(sessionID, id)
	}
}

// ActiveCount returns the number of tool calls still active for a session,
// primarily for tests.
func (t *Tracker) ActiveCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	prefix := sessionID + "/"
	for key := range t.active {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(sessionID string, update acp.SessionUpdate) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(acp.SessionNotification{
		SessionId: acp.SessionId(sessionID),
		Update:    update,
	})
}

// buildUpdate constructs the tool_call_update notification. When prev is
// nil (first update after Create, which never actually happens through
// Update/complete today since Create already sent the full tool_call, but
// kept for robustness) or full is true (terminal transition), every field
// is included; otherwise only fields that changed per snapshot comparison
// are included. content/locations are compared by length only, per
// spec.md §4.5's documented O(1) optimisation.
func buildUpdate(toolCallID acp.ToolCallId, r *Report, prev, next *snapshot, full bool) acp.SessionUpdate {
	var opts []acp.ToolCallUpdateOpt

	includeAll := full || prev == nil
	if includeAll || prev.status != next.status {
		opts = append(opts, acp.WithUpdateStatus(r.Status))
	}
	if includeAll || prev.title != next.title {
		opts = append(opts, acp.WithUpdateTitle(r.Title))
	}
	if includeAll || prev.kind != next.kind {
		opts = append(opts, acp.WithUpdateKind(r.Kind))
	}
	if includeAll || prev.contentLen != next.contentLen {
		opts = append(opts, acp.WithUpdateContent(r.Content))
	}
	if includeAll || prev.locationsLen != next.locationsLen {
		opts = append(opts, acp.WithUpdateLocations(r.Locations))
	}
	if includeAll || prev.rawInputPresent != next.rawInputPresent {
		if len(r.RawInput) > 0 {
			opts = append(opts, acp.WithUpdateRawInput(r.RawInput))
		}
	}
	if includeAll || prev.rawOutputPresent != next.rawOutputPresent {
		if len(r.RawOutput) > 0 {
			opts = append(opts, acp.WithUpdateRawOutput(r.RawOutput))
		}
	}

	return acp.UpdateToolCall(toolCallID, opts...)
}
