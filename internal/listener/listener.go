package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/logging"
)

// Listener represents a network listener that can accept connections
type Listener interface {
	// ID returns the unique identifier for this listener
	ID() string

	// Protocol returns the protocol type (http, https)
	Protocol() string

	// Start binds the address and begins serving in the background.
	// Serve failures after a successful bind are reported on errs.
	Start(ctx context.Context, errs chan<- error) error

	// Stop gracefully stops the listener
	Stop(ctx context.Context) error

	// Addr returns the bound address once started, the configured one before
	Addr() string
}

// Manager starts and stops a fixed set of listeners together.
type Manager struct {
	mu        sync.Mutex
	listeners []Listener
	ids       map[string]struct{}
	errs      chan error
}

// NewManager creates a new listener manager
func NewManager() *Manager {
	return &Manager{
		ids:  make(map[string]struct{}),
		errs: make(chan error, 4),
	}
}

// Add registers a listener. IDs must be unique.
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.ids[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.ids[l.ID()] = struct{}{}
	m.listeners = append(m.listeners, l)
	return nil
}

// StartAll starts listeners in registration order. If one fails to bind,
// those already started are stopped and the bind error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, l := range m.listeners {
		if err := l.Start(ctx, m.errs); err != nil {
			for _, started := range m.listeners[:i] {
				_ = started.Stop(ctx)
			}
			return fmt.Errorf("listener %s: %w", l.ID(), err)
		}
		logging.Info("Listener started",
			zap.String("id", l.ID()),
			zap.String("protocol", l.Protocol()),
			zap.String("address", l.Addr()),
		)
	}
	return nil
}

// Errors delivers serve failures from any started listener.
func (m *Manager) Errors() <-chan error {
	return m.errs
}

// StopAll gracefully stops all listeners concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		wg   sync.WaitGroup
		emu  sync.Mutex
		errs []error
	)
	for _, l := range m.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			logging.Info("Stopping listener", zap.String("id", l.ID()), zap.String("protocol", l.Protocol()))
			if err := l.Stop(ctx); err != nil {
				emu.Lock()
				errs = append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
				emu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// Count returns the number of registered listeners
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}
