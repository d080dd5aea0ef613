package capabilities

import (
	"fmt"
	"sync"
	"time"
)

// MemFileStore is an in-memory FileStore used by tests and by the CLI
// when no on-disk workspace is configured. It is not the kernel's
// "real" file store — filemgr.GitFileStore (backed by go-git) is —
// but it satisfies the same capability contract so components never
// need to special-case it.
type MemFileStore struct {
	mu      sync.RWMutex
	files   map[string][]byte
	modTime map[string]time.Time
	watches map[string][]func(event, path string)
}

// NewMemFileStore creates an empty in-memory file store.
func NewMemFileStore() *MemFileStore {
	return &MemFileStore{
		files:   make(map[string][]byte),
		modTime: make(map[string]time.Time),
		watches: make(map[string][]func(event, path string)),
	}
}

func (m *MemFileStore) Read(path string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemFileStore) Write(path string, content []byte) error {
	m.mu.Lock()
	_, existed := m.files[path]
	data := make([]byte, len(content))
	copy(data, content)
	m.files[path] = data
	m.modTime[path] = time.Now()
	handlers := append([]func(string, string){}, m.watches[path]...)
	m.mu.Unlock()

	event := "modified"
	if !existed {
		event = "created"
	}
	for _, h := range handlers {
		h(event, path)
	}
	return nil
}

func (m *MemFileStore) Stat(path string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[path]
	if !ok {
		return FileInfo{Exists: false}, nil
	}
	return FileInfo{Size: int64(len(data)), ModTime: m.modTime[path], Exists: true}, nil
}

func (m *MemFileStore) Delete(path string) error {
	m.mu.Lock()
	_, ok := m.files[path]
	delete(m.files, path)
	delete(m.modTime, path)
	handlers := append([]func(string, string){}, m.watches[path]...)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("file not found: %s", path)
	}
	for _, h := range handlers {
		h("deleted", path)
	}
	return nil
}

func (m *MemFileStore) Watch(path string, handler func(event string, path string)) (func(), error) {
	m.mu.Lock()
	m.watches[path] = append(m.watches[path], handler)
	idx := len(m.watches[path]) - 1
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		hs := m.watches[path]
		if idx < len(hs) {
			hs[idx] = nil
		}
	}
	return cancel, nil
}
