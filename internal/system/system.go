// Package system manages the lifecycle of the gateway's background
// components so they start and stop deterministically.
package system

import (
	"context"
	"fmt"
)

// Service represents a lifecycle-managed component. Start must return once
// the component is running; Stop must release its resources within ctx.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager starts registered services in order and stops them in reverse.
type Manager struct {
	services []Service
	started  int
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Register appends a service. Registration order is start order.
func (m *Manager) Register(s Service) {
	m.services = append(m.services, s)
}

// StartAll starts every registered service. On failure, already-started
// services are stopped before returning.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, s := range m.services {
		if err := s.Start(ctx); err != nil {
			_ = m.StopAll(ctx)
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
		m.started++
	}
	return nil
}

// StopAll stops started services in reverse order. All services are stopped
// even if some report errors; the first error is returned.
func (m *Manager) StopAll(ctx context.Context) error {
	var firstErr error
	for i := m.started - 1; i >= 0; i-- {
		if err := m.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop %s: %w", m.services[i].Name(), err)
		}
	}
	m.started = 0
	return firstErr
}
