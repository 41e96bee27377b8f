package session

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/kandev/claude-acp-proxy/internal/capability"
)

// Record is the persisted snapshot of one Session. It carries only the
// state that survives a proxy restart; client capabilities and MCP server
// configs are renegotiated by the session/load request itself.
type Record struct {
	ID           string    `json:"id"`
	Cwd          string    `json:"cwd"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Persistence is the pluggable storage behind session/load. The Store
// itself mandates no implementation; MemoryPersistence satisfies every
// test and JSONLPersistence gives a durable log on disk.
type Persistence interface {
	Save(rec Record) error
	Load(id string) (*Record, bool, error)
}

// Snapshot captures the session's persistable state.
func (s *Session) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make([]Message, len(s.context))
	copy(msgs, s.context)
	return Record{
		ID:           s.id,
		Cwd:          s.cwd,
		Messages:     msgs,
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// SetPersistence attaches a Persistence backend. Nil detaches.
func (st *Store) SetPersistence(p Persistence) {
	st.mu.Lock()
	st.persistence = p
	st.mu.Unlock()
}

// Persist saves a snapshot of the session if a backend is attached.
func (st *Store) Persist(s *Session) error {
	st.mu.RLock()
	p := st.persistence
	st.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Save(s.Snapshot())
}

// LoadPersisted restores a session from the persistence backend into the
// in-memory store. The cwd, client capabilities, and MCP servers come from
// the session/load request, not the stored record; the record supplies the
// transcript. Returns false if no backend is attached or the id is absent.
func (st *Store) LoadPersisted(id, cwd string, clientCaps capability.ClientCapabilities, mcpServers []capability.McpServerConfig) (*Session, bool, error) {
	st.mu.RLock()
	p := st.persistence
	st.mu.RUnlock()
	if p == nil {
		return nil, false, nil
	}

	rec, ok, err := p.Load(id)
	if err != nil || !ok {
		return nil, false, err
	}

	s := &Session{
		id:                 rec.ID,
		cwd:                cwd,
		clientCapabilities: clientCaps,
		mcpServers:         append([]capability.McpServerConfig(nil), mcpServers...),
		context:            append([]Message(nil), rec.Messages...),
		createdAt:          rec.CreatedAt,
		lastActivity:       time.Now(),
	}
	st.mu.Lock()
	st.sessions[id] = s
	st.mu.Unlock()
	return s, true, nil
}

// MemoryPersistence keeps records in a map. Last save wins.
type MemoryPersistence struct {
	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryPersistence returns an empty MemoryPersistence.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{records: make(map[string]Record)}
}

func (m *MemoryPersistence) Save(rec Record) error {
	m.mu.Lock()
	m.records[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersistence) Load(id string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

// JSONLPersistence appends one JSON line per saved record to a log file;
// on load, the last line for an id wins. Suited to a single proxy process;
// it takes no cross-process locks.
type JSONLPersistence struct {
	mu   sync.Mutex
	path string
}

// NewJSONLPersistence returns a persistence backed by the given file. The
// file is created on first save.
func NewJSONLPersistence(path string) *JSONLPersistence {
	return &JSONLPersistence{path: path}
}

func (j *JSONLPersistence) Save(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func (j *JSONLPersistence) Load(id string) (*Record, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var found *Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.ID == id {
			r := rec
			found = &r
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	if found == nil {
		return nil, false, nil
	}
	return found, true, nil
}
