package metastore

import "sync"

type entry struct {
	Payload []byte
	Version int64
}

// Mem is an in-memory Store, used in single-broker deployments and tests
// where a real Raft quorum would be overkill.
type Mem struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMem returns an empty Mem store.
func NewMem() *Mem {
	return &Mem{entries: make(map[string]entry)}
}

func (m *Mem) Read(path string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return e.Payload, e.Version, nil
}

func (m *Mem) ConditionalCreate(path string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[path]; ok {
		return 0, ErrExists
	}
	m.entries[path] = entry{Payload: payload, Version: 1}
	return 1, nil
}

func (m *Mem) ConditionalUpdate(path string, payload []byte, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return 0, ErrNotFound
	}
	if e.Version != expectedVersion {
		return 0, ErrVersionMismatch
	}
	e.Payload = payload
	e.Version++
	m.entries[path] = e
	return e.Version, nil
}
