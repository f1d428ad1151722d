package binding

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SessionMap persists (chat key -> session id) so repeated messages
// from the same chat reuse the same agent session. On disk it is a
// list of [chatKey, sessionId] tuples.
type SessionMap struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
}

// NewSessionMap loads (or initializes) the map at path.
func NewSessionMap(path string) (*SessionMap, error) {
	m := &SessionMap{path: path, entries: make(map[string]string)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session map: %w", err)
	}
	var tuples [][2]string
	if err := json.Unmarshal(data, &tuples); err != nil {
		return nil, fmt.Errorf("parse session map: %w", err)
	}
	for _, t := range tuples {
		m.entries[t[0]] = t[1]
	}
	return m, nil
}

// Get looks up the session for a chat key.
func (m *SessionMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sid, ok := m.entries[key]
	return sid, ok
}

// Put records a mapping and persists.
func (m *SessionMap) Put(key, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = sessionID
	return m.saveLocked()
}

// Delete removes a mapping, persisting only on actual removal.
func (m *SessionMap) Delete(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false, nil
	}
	delete(m.entries, key)
	return true, m.saveLocked()
}

// Len returns the number of mappings.
func (m *SessionMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *SessionMap) saveLocked() error {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tuples := make([][2]string, 0, len(keys))
	for _, k := range keys {
		tuples = append(tuples, [2]string{k, m.entries[k]})
	}
	data, err := marshalPretty(tuples)
	if err != nil {
		return fmt.Errorf("marshal session map: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create session map dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session map: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("replace session map: %w", err)
	}
	return nil
}
