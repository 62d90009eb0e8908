package idempotency

import (
	"context"
	"sync"
	"time"
)

type recorded struct {
	entry     Entry
	expiresAt time.Time
}

type claim struct {
	owner     string
	expiresAt time.Time
}

type InMemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	entries map[string]recorded
	claims  map[string]claim
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:     func() time.Time { return time.Now().UTC() },
		entries: make(map[string]recorded),
		claims:  make(map[string]claim),
	}
}

func (s *InMemoryStore) Get(_ context.Context, scope, key string) (Entry, bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return Entry{}, false, err
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.entries[compound]
	if !ok {
		return Entry{}, false, nil
	}
	if !now.Before(item.expiresAt) {
		delete(s.entries, compound)
		return Entry{}, false, nil
	}
	entry := item.entry
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, true, nil
}

func (s *InMemoryStore) Claim(_ context.Context, scope, key, owner string, ttl time.Duration) (bool, error) {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return false, err
	}
	if owner, err = requireOwner(owner); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[compound]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	s.claims[compound] = claim{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *InMemoryStore) Save(_ context.Context, scope, key string, entry Entry, ttl time.Duration) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = defaultEntryTTL
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Body = append([]byte(nil), entry.Body...)
	s.entries[compound] = recorded{entry: entry, expiresAt: now.Add(ttl)}
	s.pruneLocked(now)
	return nil
}

func (s *InMemoryStore) Release(_ context.Context, scope, key, owner string) error {
	compound, err := compoundKey(scope, key)
	if err != nil {
		return err
	}
	if owner, err = requireOwner(owner); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[compound]; ok && existing.owner == owner {
		delete(s.claims, compound)
	}
	return nil
}

func (s *InMemoryStore) pruneLocked(now time.Time) {
	for key, item := range s.entries {
		if !now.Before(item.expiresAt) {
			delete(s.entries, key)
		}
	}
	for key, item := range s.claims {
		if !now.Before(item.expiresAt) {
			delete(s.claims, key)
		}
	}
}
