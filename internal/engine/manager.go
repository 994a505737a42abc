package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager holds the pools of the engines taking part in a run.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

func NewManager() *Manager {
	return &Manager{
		pools: make(map[string]*Pool),
	}
}

func (m *Manager) Register(p *Pool) error {
	if p == nil {
		return fmt.Errorf("pool is nil")
	}
	id := p.ID()
	if id == "" {
		return fmt.Errorf("engine id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[id]; exists {
		return fmt.Errorf("engine %q already registered", id)
	}
	m.pools[id] = p
	return nil
}

func (m *Manager) Get(id string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return nil, fmt.Errorf("engine %q not registered", id)
	}
	return p, nil
}

func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, id)
}

// List returns the registered engine ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for id := range m.pools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown drains all pools concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, p := range pools {
		g.Go(func() error {
			return p.Shutdown(ctx)
		})
	}
	return g.Wait()
}
