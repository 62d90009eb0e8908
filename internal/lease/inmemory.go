package lease

import (
	"context"
	"sync"
	"time"
)

type heldLease struct {
	owner     string
	token     uint64
	expiresAt time.Time
}

// InMemoryManager is the single-process lease manager.
type InMemoryManager struct {
	now func() time.Time

	mu   sync.Mutex
	seq  uint64
	held map[string]heldLease
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{
		now:  func() time.Time { return time.Now().UTC() },
		held: make(map[string]heldLease),
	}
}

func (m *InMemoryManager) Acquire(_ context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner, 0, false)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.held[resource]; ok && now.Before(current.expiresAt) {
		return Lease{}, false, nil
	}

	m.seq++
	granted := Lease{Token: m.seq, ExpiresAt: now.Add(ttl)}
	m.held[resource] = heldLease{owner: owner, token: granted.Token, expiresAt: granted.ExpiresAt}
	return granted, true, nil
}

func (m *InMemoryManager) Renew(_ context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error) {
	resource, owner, err := normalize(resource, owner, token, true)
	if err != nil {
		return Lease{}, false, err
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.held[resource]
	switch {
	case !ok:
		return Lease{}, false, nil
	case !now.Before(current.expiresAt):
		delete(m.held, resource)
		return Lease{}, false, nil
	case current.owner != owner || current.token != token:
		return Lease{}, false, nil
	}

	current.expiresAt = now.Add(ttl)
	m.held[resource] = current
	return Lease{Token: token, ExpiresAt: current.expiresAt}, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, resource, owner string, token uint64) error {
	resource, owner, err := normalize(resource, owner, token, true)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.held[resource]; ok && current.owner == owner && current.token == token {
		delete(m.held, resource)
	}
	return nil
}
