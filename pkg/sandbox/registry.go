package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"appbuilder/pkg/logx"
)

// Info describes a sandbox tracked by the Manager.
type Info struct {
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Handle    string    `json:"handle"`
	RunID     string    `json:"run_id"`
	Template  string    `json:"template"`
	// Finished is set once the run has saved its result. The sandbox stays up to serve the preview.
	Finished bool `json:"finished"`
}

// Manager wraps a Provider and enforces that a sandbox is only used by the run that created it.
type Manager struct {
	provider  Provider
	logger    *logx.Logger
	sandboxes map[string]*Info // handle -> info
	shutdown  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	mu        sync.RWMutex
}

// NewManager creates a manager over provider.
func NewManager(provider Provider) *Manager {
	return &Manager{
		provider:  provider,
		logger:    logx.NewLogger("sandbox"),
		sandboxes: make(map[string]*Info),
	}
}

// Provider returns the underlying provider.
func (m *Manager) Provider() Provider {
	return m.provider
}

// Create provisions a sandbox owned by runID. The run ID names the sandbox,
// so a retried creation for the same run replaces rather than duplicates it.
func (m *Manager) Create(ctx context.Context, runID, template string) (string, error) {
	handle, err := m.provider.Create(ctx, template, CreateOptions{Name: runID})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.sandboxes[handle] = &Info{Handle: handle, RunID: runID, Template: template, CreatedAt: now, LastUsed: now}
	m.logger.Info("📦 Sandbox registered: %s (run: %s, template: %s)", handle, runID, template)
	return handle, nil
}

// Connect looks up handle on behalf of runID. Handles unknown to this process
// (after a restart) are adopted by the first run that reconnects to them.
func (m *Manager) Connect(ctx context.Context, runID, handle string) (Session, error) {
	m.mu.Lock()
	info, ok := m.sandboxes[handle]
	if ok && info.RunID != runID {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s belongs to run %s", ErrNotOwner, handle, info.RunID)
	}
	m.mu.Unlock()

	session, err := m.provider.Connect(ctx, handle)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !ok {
		now := time.Now()
		info = &Info{Handle: handle, RunID: runID, CreatedAt: now}
		m.sandboxes[handle] = info
		m.logger.Info("📦 Sandbox adopted: %s (run: %s)", handle, runID)
	}
	info.LastUsed = time.Now()
	return session, nil
}

// Finish marks the sandboxes of runID as serving a finished run. The idle clock restarts
// so the preview URL stays reachable for a full idle timeout.
func (m *Manager) Finish(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, info := range m.sandboxes {
		if info.RunID == runID {
			info.Finished = true
			info.LastUsed = now
		}
	}
}

// Release forgets every sandbox of runID. When kill is set the sandboxes are destroyed too.
func (m *Manager) Release(ctx context.Context, runID string, kill bool) error {
	m.mu.Lock()
	var handles []string
	for handle, info := range m.sandboxes {
		if info.RunID == runID {
			handles = append(handles, handle)
			delete(m.sandboxes, handle)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, handle := range handles {
		m.logger.Info("📦 Sandbox released: %s (run: %s)", handle, runID)
		if kill {
			if err := m.provider.Kill(ctx, handle); err != nil {
				m.logger.Warn("Failed to kill sandbox %s: %v", handle, err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Active returns the tracked sandboxes ordered by creation.
func (m *Manager) Active() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Info, 0, len(m.sandboxes))
	for _, info := range m.sandboxes {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Stale returns the tracked sandboxes unused for at least idle.
func (m *Manager) Stale(idle time.Duration) []Info {
	cutoff := time.Now().Add(-idle)
	var stale []Info
	for _, info := range m.Active() {
		if !info.LastUsed.After(cutoff) {
			stale = append(stale, info)
		}
	}
	return stale
}

// StartCleanupRoutine kills sandboxes idle for longer than idle, checking every interval,
// until ctx is done or Shutdown is called. Non-positive durations disable the sweep.
func (m *Manager) StartCleanupRoutine(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 || idle <= 0 {
		m.logger.Info("📦 Sandbox cleanup disabled")
		return
	}

	m.mu.Lock()
	if m.done != nil {
		m.mu.Unlock()
		return
	}
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	shutdown, done := m.shutdown, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("📦 Sandbox cleanup routine stopping due to context cancellation")
				return
			case <-shutdown:
				m.logger.Info("📦 Sandbox cleanup routine stopping due to shutdown signal")
				return
			case <-ticker.C:
				m.cleanupStale(ctx, idle)
			}
		}
	}()
}

// cleanupStale kills the sandboxes of runs that have gone idle.
func (m *Manager) cleanupStale(ctx context.Context, idle time.Duration) {
	stale := m.Stale(idle)
	if len(stale) == 0 {
		return
	}

	m.logger.Info("📦 Found %d stale sandboxes, cleaning up", len(stale))
	seen := make(map[string]bool)
	for _, info := range stale {
		if seen[info.RunID] {
			continue
		}
		seen[info.RunID] = true
		m.logger.Info("📦 Cleaning up stale sandbox %s (run: %s, idle for %v)", info.Handle, info.RunID, time.Since(info.LastUsed).Round(time.Second))
		_ = m.Release(ctx, info.RunID, true)
	}
}

// Shutdown stops the cleanup routine and waits for it. Safe to call when it never started.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	shutdown, done := m.shutdown, m.done
	m.mu.Unlock()
	if done == nil {
		return
	}
	m.stopOnce.Do(func() { close(shutdown) })
	<-done
}

// StopFinished kills the sandboxes of finished runs. Sandboxes of runs still in flight
// are left running so the run can reconnect after a restart.
func (m *Manager) StopFinished(ctx context.Context) error {
	runs := make(map[string]bool)
	for _, info := range m.Active() {
		if info.Finished {
			runs[info.RunID] = true
		}
	}
	if len(runs) == 0 {
		return nil
	}

	m.logger.Info("📦 Stopping sandboxes of %d finished runs", len(runs))
	var errs []error
	for runID := range runs {
		if err := m.Release(ctx, runID, true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
