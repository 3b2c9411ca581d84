package mocks

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"appbuilder/pkg/sandbox"
)

// MockSandbox is an in-memory sandbox.Provider. Every handle shares the same behavior
// switches but has its own file system.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockSandbox struct {
	// CommandFunc produces the result of RunCommand. The default succeeds with empty output.
	CommandFunc func(handle, command string) (sandbox.CommandResult, error)

	// CreateErr, when set, fails Create.
	CreateErr error

	// ConnectErr, when set, fails Connect and every operation on existing sessions.
	ConnectErr error

	// HostSuffix is appended to "<port>-<handle>" by Host.
	HostSuffix string

	created  []string
	connects int
	commands []string
	files    map[string]map[string]string // handle -> path -> content
	killed   map[string]bool
	mu       sync.Mutex
}

// NewMockSandbox creates a mock provider with default behavior.
func NewMockSandbox() *MockSandbox {
	return &MockSandbox{
		CommandFunc: func(_, _ string) (sandbox.CommandResult, error) {
			return sandbox.CommandResult{}, nil
		},
		HostSuffix: ".sandbox.test",
		files:      make(map[string]map[string]string),
		killed:     make(map[string]bool),
	}
}

// Name implements sandbox.Provider.
func (m *MockSandbox) Name() string { return "mock" }

// Create implements sandbox.Provider.
func (m *MockSandbox) Create(_ context.Context, _ string, opts sandbox.CreateOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return "", m.CreateErr
	}
	handle := "sbx-" + strconv.Itoa(len(m.created)+1)
	if opts.Name != "" {
		handle = "sbx-" + opts.Name
	}
	m.created = append(m.created, handle)
	m.files[handle] = make(map[string]string)
	delete(m.killed, handle)
	return handle, nil
}

// Connect implements sandbox.Provider.
func (m *MockSandbox) Connect(_ context.Context, handle string) (sandbox.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects++
	if err := m.checkLocked(handle); err != nil {
		return nil, err
	}
	return &mockSession{box: m, handle: handle}, nil
}

// Kill implements sandbox.Provider.
func (m *MockSandbox) Kill(_ context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed[handle] = true
	return nil
}

func (m *MockSandbox) checkLocked(handle string) error {
	if m.ConnectErr != nil {
		return &sandbox.ConnectError{Handle: handle, Err: m.ConnectErr}
	}
	if _, ok := m.files[handle]; !ok || m.killed[handle] {
		return &sandbox.ConnectError{Handle: handle, Err: fmt.Errorf("no such sandbox")}
	}
	return nil
}

// SetConnectErr switches connection failures on or off.
func (m *MockSandbox) SetConnectErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectErr = err
}

// Created returns the handles created so far.
func (m *MockSandbox) Created() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.created...)
}

// Connects returns how many times Connect was called.
func (m *MockSandbox) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Commands returns every command run so far, in order.
func (m *MockSandbox) Commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// File returns the content of path in handle's file system.
func (m *MockSandbox) File(handle, path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[handle][path]
	return content, ok
}

// PutFile seeds a file.
func (m *MockSandbox) PutFile(handle, path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[handle] == nil {
		m.files[handle] = make(map[string]string)
	}
	m.files[handle][path] = content
}

type mockSession struct {
	box    *MockSandbox
	handle string
}

func (s *mockSession) Handle() string { return s.handle }

func (s *mockSession) RunCommand(ctx context.Context, command string, onOutput sandbox.OutputFunc) (sandbox.CommandResult, error) {
	s.box.mu.Lock()
	if err := s.box.checkLocked(s.handle); err != nil {
		s.box.mu.Unlock()
		return sandbox.CommandResult{}, err
	}
	s.box.commands = append(s.box.commands, command)
	fn := s.box.CommandFunc
	s.box.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return sandbox.CommandResult{}, err
	}
	start := time.Now()
	result, err := fn(s.handle, command)
	result.Duration = time.Since(start)
	if onOutput != nil {
		if result.Stdout != "" {
			onOutput(sandbox.Stdout, result.Stdout)
		}
		if result.Stderr != "" {
			onOutput(sandbox.Stderr, result.Stderr)
		}
	}
	return result, err
}

func (s *mockSession) WriteFile(_ context.Context, path, content string) error {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.checkLocked(s.handle); err != nil {
		return err
	}
	s.box.files[s.handle][path] = content
	return nil
}

func (s *mockSession) ReadFile(_ context.Context, path string) (string, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.checkLocked(s.handle); err != nil {
		return "", err
	}
	content, ok := s.box.files[s.handle][path]
	if !ok {
		return "", fmt.Errorf("%s: %w", path, sandbox.ErrFileNotFound)
	}
	return content, nil
}

func (s *mockSession) Host(_ context.Context, port int) (string, error) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if err := s.box.checkLocked(s.handle); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s%s", port, s.handle, s.box.HostSuffix), nil
}
