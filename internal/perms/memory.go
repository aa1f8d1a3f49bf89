package perms

import (
	"context"
	"sync"
)

// InMemory keeps grants in a map. Intended for tests.
type InMemory struct {
	mu   sync.Mutex
	rows map[[3]int64]Permission
}

func NewInMemory() *InMemory {
	return &InMemory{rows: make(map[[3]int64]Permission)}
}

func (m *InMemory) Get(ctx context.Context, scope1, scope2, id int64) (*Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[[3]int64{scope1, scope2, id}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *InMemory) Set(ctx context.Context, p Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[[3]int64{p.Scope1, p.Scope2, p.ID}] = p
	return nil
}

func (m *InMemory) Delete(ctx context.Context, scope1, scope2, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [3]int64{scope1, scope2, id}
	if _, ok := m.rows[key]; !ok {
		return ErrNotFound
	}
	delete(m.rows, key)
	return nil
}

func (m *InMemory) List(ctx context.Context, scope1 int64) ([]Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Permission
	for key, p := range m.rows {
		if key[0] == scope1 {
			out = append(out, p)
		}
	}
	return out, nil
}
