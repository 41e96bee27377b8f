// Package session holds the conversational state for each active ACP
// session and the store that creates, loads, and destroys it.
package session

import (
	"sync"
	"time"

	"github.com/kandev/claude-acp-proxy/internal/apperr"
	"github.com/kandev/claude-acp-proxy/internal/capability"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageMeta carries optional usage accounting for an Assistant message.
type MessageMeta struct {
	CostUSD      float64 `json:"costUsd,omitempty"`
	InputTokens  int64   `json:"inputTokens,omitempty"`
	OutputTokens int64   `json:"outputTokens,omitempty"`
	DurationMS   int64   `json:"durationMs,omitempty"`
}

// Message is one turn of the conversation transcript.
type Message struct {
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
	Meta      *MessageMeta `json:"meta,omitempty"`
}

// SlashCommand is a command the underlying agent advertised as available.
type SlashCommand struct {
	Name         string
	Description  string
	ArgumentHint string
}

// Session is the unit of conversational state owned by the proxy.
type Session struct {
	mu sync.RWMutex

	id                 string
	cwd                string
	clientCapabilities capability.ClientCapabilities
	mcpServers         []capability.McpServerConfig
	context            []Message
	availableCommands  []SlashCommand
	createdAt          time.Time
	lastActivity       time.Time
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Cwd returns the session's working directory root.
func (s *Session) Cwd() string { return s.cwd }

// ClientCapabilities returns the capability snapshot taken when this
// session's connection initialized.
func (s *Session) ClientCapabilities() capability.ClientCapabilities {
	return s.clientCapabilities
}

// McpServers returns the configured MCP servers for this session.
func (s *Session) McpServers() []capability.McpServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capability.McpServerConfig, len(s.mcpServers))
	copy(out, s.mcpServers)
	return out
}

// Context returns a snapshot of the conversation transcript.
func (s *Session) Context() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.context))
	copy(out, s.context)
	return out
}

// AppendMessage appends a Message to the transcript and bumps
// last_activity. Context is append-only within a turn; callers never
// reorder or remove entries.
func (s *Session) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = append(s.context, msg)
	s.lastActivity = time.Now()
}

// SetAvailableCommands replaces the advertised slash-command list.
func (s *Session) SetAvailableCommands(cmds []SlashCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.availableCommands = cmds
}

// AvailableCommands returns the last advertised slash-command list.
func (s *Session) AvailableCommands() []SlashCommand {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SlashCommand, len(s.availableCommands))
	copy(out, s.availableCommands)
	return out
}

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActivity returns the timestamp of the most recent mutation.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Store holds every active Session, keyed by SessionId, behind a single
// RWMutex. One ClaudeProcess is associated with each id while the session
// is active, but the Store itself does not own process lifecycle.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	persistence Persistence
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Create registers a brand-new Session under id. id must already be
// unique; Create does not mint or validate it.
func (st *Store) Create(id, cwd string, clientCaps capability.ClientCapabilities, mcpServers []capability.McpServerConfig) *Session {
	now := time.Now()
	s := &Session{
		id:                 id,
		cwd:                cwd,
		clientCapabilities: clientCaps,
		mcpServers:         append([]capability.McpServerConfig(nil), mcpServers...),
		createdAt:          now,
		lastActivity:       now,
	}
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()
	return s
}

// Get looks up a Session by id, returning a SessionNotFound apperr if
// absent.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, apperr.SessionNotFound(id)
	}
	return s, nil
}

// Delete removes a Session from the store. It does not terminate the
// owning process; callers must do that first.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of active sessions, primarily for tests and
// diagnostics.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
