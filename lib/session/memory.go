package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/redact"
)

const (
	memoryFileName        = "agent_memory.json"
	defaultMemoryMaxBytes = 16 * 1024
)

// MemoryKeyPattern constrains agent memory keys.
var MemoryKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// MemoryEntry is one stored key with its classification.
type MemoryEntry struct {
	Value     json.RawMessage `json:"value"`
	Bytes     int             `json:"bytes"`
	Sensitive bool            `json:"sensitive"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// AgentMemory is a process-wide key/value scratch space. Non-sensitive
// entries are persisted best-effort; sensitive ones live in memory only.
type AgentMemory struct {
	logger   *slog.Logger
	path     string
	maxBytes int

	mu      sync.Mutex
	entries map[string]*MemoryEntry
}

// NewAgentMemory creates the store. dir may be empty to disable persistence;
// an existing persisted file is loaded best-effort.
func NewAgentMemory(dir string, maxValueBytes int, logger *slog.Logger) *AgentMemory {
	if logger == nil {
		logger = slog.Default()
	}
	if maxValueBytes <= 0 {
		maxValueBytes = defaultMemoryMaxBytes
	}
	m := &AgentMemory{
		logger:   logger,
		maxBytes: maxValueBytes,
		entries:  map[string]*MemoryEntry{},
	}
	if dir != "" {
		m.path = filepath.Join(dir, memoryFileName)
		m.load()
	}
	return m
}

func (m *AgentMemory) load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var persisted map[string]*MemoryEntry
	if err := json.Unmarshal(data, &persisted); err != nil {
		m.logger.Warn("ignoring corrupt agent memory file", "path", m.path)
		return
	}
	m.mu.Lock()
	for key, entry := range persisted {
		if MemoryKeyPattern.MatchString(key) && !entry.Sensitive {
			m.entries[key] = entry
		}
	}
	m.mu.Unlock()
}

// Set stores a JSON-serializable value. Keys classified sensitive are
// rejected unless allowSensitive is set, and are never persisted either way.
func (m *AgentMemory) Set(key string, value any, allowSensitive bool) (*MemoryEntry, error) {
	if !MemoryKeyPattern.MatchString(key) {
		return nil, kinderr.New(kinderr.KindValidation,
			fmt.Sprintf("memory key %q must match [A-Za-z0-9_.-]{1,128}", key),
			"use a short dotted identifier like cart.lastOrderId")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.KindValidation,
			"memory value is not JSON-serializable", "")
	}
	if len(raw) > m.maxBytes {
		return nil, kinderr.New(kinderr.KindValidation,
			fmt.Sprintf("memory value is %d bytes, cap is %d", len(raw), m.maxBytes),
			"store large payloads as artifacts and keep the artifact id here")
	}
	sensitive := redact.SensitiveKey(key)
	if sensitive && !allowSensitive {
		return nil, kinderr.New(kinderr.KindPolicy,
			fmt.Sprintf("memory key %q is classified sensitive", key),
			"pass allowSensitive:true to store it in memory only (never on disk)")
	}

	now := time.Now().UnixMilli()
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &MemoryEntry{CreatedAt: now}
		m.entries[key] = entry
	}
	entry.Value = raw
	entry.Bytes = len(raw)
	entry.Sensitive = sensitive
	entry.UpdatedAt = now
	snapshot := *entry
	m.mu.Unlock()

	m.persist()
	return &snapshot, nil
}

// Get returns a copy of one entry.
func (m *AgentMemory) Get(key string) (*MemoryEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	out := *entry
	return &out, true
}

// Delete removes a key. Removing an absent key is not an error.
func (m *AgentMemory) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	m.persist()
}

// Keys lists stored keys sorted.
func (m *AgentMemory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ClearScratch drops only the in-memory-only (sensitive) entries; persisted
// non-sensitive state survives a reset.
func (m *AgentMemory) ClearScratch() {
	m.mu.Lock()
	for key, entry := range m.entries {
		if entry.Sensitive {
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()
}

// Clear drops every entry, including the persisted file's contents.
func (m *AgentMemory) Clear() {
	m.mu.Lock()
	m.entries = map[string]*MemoryEntry{}
	m.mu.Unlock()
	m.persist()
}

// persist writes non-sensitive entries atomically. Failures are logged and
// swallowed; memory must keep working without a disk.
func (m *AgentMemory) persist() {
	if m.path == "" {
		return
	}
	m.mu.Lock()
	durable := make(map[string]*MemoryEntry, len(m.entries))
	for key, entry := range m.entries {
		if !entry.Sensitive {
			durable[key] = entry
		}
	}
	data, err := json.MarshalIndent(durable, "", "  ")
	m.mu.Unlock()
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		m.logger.Debug("agent memory dir unavailable", "err", err)
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Debug("agent memory write failed", "err", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.logger.Debug("agent memory rename failed", "err", err)
	}
}
