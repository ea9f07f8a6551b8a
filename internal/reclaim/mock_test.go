package reclaim

import (
	"errors"
	"sync"
)

// mockFileSystem records writes and returns injected errors
type mockFileSystem struct {
	mu          sync.Mutex
	files       map[string][]byte
	writeErrors map[string]error
}

func newMockFileSystem() *mockFileSystem {
	return &mockFileSystem{
		files:       make(map[string][]byte),
		writeErrors: make(map[string]error),
	}
}

func (m *mockFileSystem) WriteFile(filename string, data []byte, perm uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.writeErrors[filename]; ok {
		return err
	}
	m.files[filename] = data
	return nil
}

func (m *mockFileSystem) content(filename string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.files[filename])
}

// mockProcessSource returns a fixed process list
type mockProcessSource struct {
	procs []Process
	err   error
}

func (m *mockProcessSource) Processes() ([]Process, error) {
	return m.procs, m.err
}

// mockPager records paged PIDs and fails the ones configured
type mockPager struct {
	mu     sync.Mutex
	paged  []int
	errors map[int]error
}

func newMockPager() *mockPager {
	return &mockPager{errors: make(map[int]error)}
}

func (m *mockPager) PageOut(pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errors[pid]; ok {
		return err
	}
	m.paged = append(m.paged, pid)
	return nil
}

var errAccessDenied = errors.New("access denied")
