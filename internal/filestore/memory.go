package filestore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Memory is an in-process Store used by tests and embedded setups. It honors
// the same version-token contract as the real stores and can inject
// conflicts to exercise retry paths.
type Memory struct {
	mu      sync.Mutex
	files   map[string]memoryFile
	counter int

	// FailPuts makes the next N PutFile calls return ErrConflict regardless
	// of token, simulating a concurrent writer.
	FailPuts int

	// Puts counts successful PutFile calls.
	Puts int
}

type memoryFile struct {
	content []byte
	token   string
}

func NewMemory() *Memory {
	return &Memory{files: make(map[string]memoryFile)}
}

func (m *Memory) GetFile(ctx context.Context, path string) (File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return File{Exists: false}, nil
	}
	content := make([]byte, len(f.content))
	copy(content, f.content)
	return File{Exists: true, Token: f.token, Content: content}, nil
}

func (m *Memory) PutFile(ctx context.Context, path string, content []byte, message, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPuts > 0 {
		m.FailPuts--
		return "", fmt.Errorf("put %s: %w", path, ErrConflict)
	}

	existing, ok := m.files[path]
	if ok && token != existing.token {
		return "", fmt.Errorf("put %s: %w", path, ErrConflict)
	}
	if !ok && token != "" {
		return "", fmt.Errorf("put %s: %w", path, ErrConflict)
	}

	m.counter++
	stored := make([]byte, len(content))
	copy(stored, content)
	newToken := "v" + strconv.Itoa(m.counter)
	m.files[path] = memoryFile{content: stored, token: newToken}
	m.Puts++
	return newToken, nil
}

func (m *Memory) DeleteFile(ctx context.Context, path string, message, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.files[path]
	if !ok {
		return ErrNotFound
	}
	if token != existing.token {
		return fmt.Errorf("delete %s: %w", path, ErrConflict)
	}
	delete(m.files, path)
	return nil
}

// Corrupt overwrites a stored file with arbitrary bytes, bypassing the token
// check. Tests use it to simulate unparseable documents.
func (m *Memory) Corrupt(path string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	m.files[path] = memoryFile{content: content, token: "v" + strconv.Itoa(m.counter)}
}
