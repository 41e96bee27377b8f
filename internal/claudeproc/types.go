package claudeproc

import "encoding/json"

// Message type discriminators for the stream-json wire dialect spoken by
// the claude CLI over stdin/stdout.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeHookCallback      = "hook_callback"
	SubtypeInitialize        = "initialize"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
)

// Permission behaviors returned in a PermissionResult.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Tool name constants as reported by the CLI's tool_use content blocks.
const (
	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolNotebookEdit = "NotebookEdit"
	ToolRead         = "Read"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolTask         = "Task"
	ToolWebFetch     = "WebFetch"
	ToolWebSearch    = "WebSearch"
	ToolTodoWrite    = "TodoWrite"
)

// CLIMessage is the envelope shape for every line read from the CLI's
// stdout. Not every field is populated for every Type.
type CLIMessage struct {
	Type              string                  `json:"type"`
	RequestID         string                  `json:"request_id,omitempty"`
	Request           *ControlRequest         `json:"request,omitempty"`
	Response          *IncomingControlResponse `json:"response,omitempty"`
	SessionID         string                  `json:"session_id,omitempty"`
	SessionStatus     string                  `json:"session_status,omitempty"`
	SlashCommands     []Command               `json:"slash_commands,omitempty"`
	ParentToolUseID   string                  `json:"parent_tool_use_id,omitempty"`
	Message           *AssistantMessage       `json:"message,omitempty"`
	Result            json.RawMessage         `json:"result,omitempty"`
	Subtype           string                  `json:"subtype,omitempty"`
	CostUSD           float64                 `json:"cost_usd,omitempty"`
	DurationMS        int64                   `json:"duration_ms,omitempty"`
	DurationAPIMS     int64                   `json:"duration_api_ms,omitempty"`
	IsError           bool                    `json:"is_error,omitempty"`
	Errors            []string                `json:"errors,omitempty"`
	NumTurns          int                     `json:"num_turns,omitempty"`
	TotalInputTokens  int64                   `json:"total_input_tokens,omitempty"`
	TotalOutputTokens int64                   `json:"total_output_tokens,omitempty"`
	ModelUsage        map[string]ModelUsageStats `json:"model_usage,omitempty"`
	RawContent        []byte                  `json:"-"`
}

// AssistantMessage is the nested "message" object on an assistant-type
// CLIMessage.
type AssistantMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Model      string          `json:"model,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// GetContentBlocks flexibly parses Content as either a plain string (a
// single implicit text block) or an array of ContentBlock objects.
func (a *AssistantMessage) GetContentBlocks() ([]ContentBlock, error) {
	if len(a.Content) == 0 {
		return nil, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(a.Content, &blocks); err == nil {
		return blocks, nil
	}
	var s string
	if err := json.Unmarshal(a.Content, &s); err != nil {
		return nil, err
	}
	return []ContentBlock{{Type: "text", Text: s}}, nil
}

// GetContentString concatenates every text block's Text field.
func (a *AssistantMessage) GetContentString() string {
	blocks, err := a.GetContentBlocks()
	if err != nil {
		return ""
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// ContentBlock is one element of an assistant message's content array, or
// of a tool_result's content.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage reports token accounting for a single assistant message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// ModelUsageStats carries the context-window size reported for a model
// used during the turn.
type ModelUsageStats struct {
	ContextWindow *int64 `json:"context_window,omitempty"`
}

// ResultData is the parsed shape of a "result"-type message's Result
// field when it is a structured object rather than a bare string.
type ResultData struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
}

// GetResultData parses Result as a ResultData object.
func (m *CLIMessage) GetResultData() (*ResultData, error) {
	if len(m.Result) == 0 {
		return nil, nil
	}
	var rd ResultData
	if err := json.Unmarshal(m.Result, &rd); err == nil && rd.Text != "" {
		return &rd, nil
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return nil, err
	}
	return &ResultData{Text: s}, nil
}

// GetResultString returns the result's text, tolerating either shape.
func (m *CLIMessage) GetResultString() string {
	rd, err := m.GetResultData()
	if err != nil || rd == nil {
		return ""
	}
	return rd.Text
}

// ControlRequest is a control_request sent by the CLI to us, e.g. a
// permission check or a hook callback.
type ControlRequest struct {
	Subtype                string            `json:"subtype"`
	ToolName                string            `json:"tool_name,omitempty"`
	Input                   json.RawMessage   `json:"input,omitempty"`
	ToolUseID               string            `json:"tool_use_id,omitempty"`
	CallbackID              string            `json:"callback_id,omitempty"`
	HookName                string            `json:"hook_name,omitempty"`
	HookInput               json.RawMessage   `json:"hook_input,omitempty"`
	PermissionSuggestions   []PermissionUpdate `json:"permission_suggestions,omitempty"`
}

// PermissionUpdate is a suggested persistent permission rule attached to
// a can_use_tool control request.
type PermissionUpdate struct {
	Tool    string `json:"tool"`
	Pattern string `json:"pattern,omitempty"`
	Allow   bool   `json:"allow"`
}

// ControlResponseMessage is the outer envelope we write back for a
// control_request.
type ControlResponseMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the inner payload of a ControlResponseMessage.
type ControlResponse struct {
	Subtype string          `json:"subtype,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// IncomingControlResponse is the response object nested inside a
// control_response-type CLIMessage, answering a request we sent.
type IncomingControlResponse struct {
	Subtype   string                 `json:"subtype"`
	RequestID string                 `json:"request_id"`
	Response  *InitializeResponseData `json:"response,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// InitializeResponseData is returned in answer to our initialize control
// request.
type InitializeResponseData struct {
	Commands []Command `json:"commands,omitempty"`
	Agents   []string  `json:"agents,omitempty"`
}

// Command describes one slash command the CLI makes available.
type Command struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argument_hint,omitempty"`
}

// PermissionResult is the decision we send back for a can_use_tool
// control request.
type PermissionResult struct {
	Behavior           string             `json:"behavior"`
	UpdatedInput       json.RawMessage    `json:"updated_input,omitempty"`
	UpdatedPermissions []PermissionUpdate `json:"updated_permissions,omitempty"`
	Message            string             `json:"message,omitempty"`
	Interrupt          *bool              `json:"interrupt,omitempty"`
}

// SDKControlRequest is the outer envelope for a control_request we send
// to the CLI (initialize, interrupt, set_permission_mode).
type SDKControlRequest struct {
	Type      string                `json:"type"`
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the inner payload of an SDKControlRequest.
type SDKControlRequestBody struct {
	Subtype string   `json:"subtype"`
	Hooks   []string `json:"hooks,omitempty"`
	Mode    string   `json:"mode,omitempty"`
}

// UserMessage is the outer envelope for a user-role prompt line we write
// to the CLI's stdin.
type UserMessage struct {
	Type    string          `json:"type"`
	Message UserMessageBody `json:"message"`
}

// UserMessageBody is the inner payload of a UserMessage. Content is a raw
// JSON array of stream-json content items (normally just {"type":"text",
// "text":"…"} entries) rather than a bare string, per spec.md §4.4's
// wire shape; ProtocolTranslator is responsible for building it.
type UserMessageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}
