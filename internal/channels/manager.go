package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wkin-t/dingtalk-ai-bot/internal/bus"
)

// Manager owns the registered adapters and their lifecycle.
type Manager struct {
	mu       sync.RWMutex
	adapters map[bus.Platform]PlatformAdapter
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{adapters: make(map[bus.Platform]PlatformAdapter)}
}

// Register adds an adapter, replacing any previous one for its platform.
func (m *Manager) Register(a PlatformAdapter) {
	m.mu.Lock()
	m.adapters[a.Platform()] = a
	m.mu.Unlock()
}

// Get returns the adapter for platform.
func (m *Manager) Get(p bus.Platform) (PlatformAdapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[p]
	return a, ok
}

// Platforms lists the registered platforms.
func (m *Manager) Platforms() []bus.Platform {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bus.Platform, 0, len(m.adapters))
	for p := range m.adapters {
		out = append(out, p)
	}
	return out
}

// StartAll starts every adapter. An adapter that fails to start is logged
// and skipped; the error is returned only when none started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.adapters) == 0 {
		return errors.New("no platform adapters registered")
	}

	var errs []error
	for p, a := range m.adapters {
		slog.Info("starting platform adapter", "platform", p)
		if err := a.Start(ctx); err != nil {
			slog.Error("failed to start platform adapter", "platform", p, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	if len(errs) == len(m.adapters) {
		return errors.Join(errs...)
	}
	return nil
}

// StopAll stops every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for p, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping platform adapter", "platform", p, "error", err)
		}
	}
	slog.Info("all platform adapters stopped")
}
