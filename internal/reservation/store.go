package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrNotFound           = errors.New("reservation not found")
	ErrTerminal           = errors.New("reservation is in a terminal status")
	ErrRequesterBusy      = errors.New("requester already has an active reservation")
	ErrInvalidTransition  = errors.New("invalid reservation status transition")
	ErrCounterRegression  = errors.New("reservation counters must not decrease")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	errImmutableFieldEdit = errors.New("reservation identity fields are immutable")

	// ErrCommitting means a purchase is in flight and the reservation takes no commands
	// until its outcome is known.
	ErrCommitting = errors.New("reservation is committing")
)

// Store is the authoritative table of reservations. All writes go through Mutate,
// which is atomic for a single record.
type Store interface {
	Create(ctx context.Context, input CreateInput) (Reservation, error)
	Get(ctx context.Context, id string) (Reservation, error)
	Mutate(ctx context.Context, id string, fn func(*Reservation) error) (Reservation, error)
	ListByStatus(ctx context.Context, statuses ...Status) ([]Reservation, error)
	FindActiveByRequester(ctx context.Context, requester string) (Reservation, bool, error)
}

type entry struct {
	mu  sync.Mutex
	seq int64
	rec Reservation
}

func (e *entry) snapshot() Reservation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// InMemoryStore keeps one lock per record. The requester index has its own lock so
// that creation can enforce one non-terminal reservation per requester without
// touching other records.
type InMemoryStore struct {
	seq     atomic.Int64
	records sync.Map // id -> *entry
	now     func() time.Time

	requesterMu sync.Mutex
	byRequester map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:         func() time.Time { return time.Now().UTC() },
		byRequester: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, input CreateInput) (Reservation, error) {
	now := s.now()
	if err := input.validate(now); err != nil {
		return Reservation{}, err
	}
	requester := NormalizeRequester(input.Requester)

	s.requesterMu.Lock()
	defer s.requesterMu.Unlock()

	if existingID, ok := s.byRequester[requester]; ok {
		if existing, found := s.load(existingID); found && !existing.snapshot().Status.Terminal() {
			return Reservation{}, fmt.Errorf("%w: %s", ErrRequesterBusy, existingID)
		}
		delete(s.byRequester, requester)
	}

	created := Reservation{
		ID:           newID(),
		Target:       input.Target,
		Requester:    requester,
		Status:       StatusPending,
		RatePerCycle: input.RatePerCycle,
		ExpiresAt:    input.ExpiresAt.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.records.Store(created.ID, &entry{seq: s.seq.Add(1), rec: created})
	s.byRequester[requester] = created.ID
	return created, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Reservation, error) {
	e, ok := s.load(id)
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return e.snapshot(), nil
}

// Mutate runs fn against a copy of the record under the record's lock and stores the
// result only if it respects the state machine and counter invariants. Returning an
// error from fn leaves the record untouched.
func (s *InMemoryStore) Mutate(_ context.Context, id string, fn func(*Reservation) error) (Reservation, error) {
	e, ok := s.load(id)
	if !ok {
		return Reservation{}, ErrNotFound
	}

	e.mu.Lock()
	current := e.rec
	if current.Status.Terminal() {
		e.mu.Unlock()
		return current, ErrTerminal
	}
	next := current
	if err := fn(&next); err != nil {
		e.mu.Unlock()
		return current, err
	}
	if err := checkMutation(current, next); err != nil {
		e.mu.Unlock()
		return current, err
	}
	now := s.now()
	next.UpdatedAt = now
	if next.Status.Terminal() && next.CompletedAt.IsZero() {
		next.CompletedAt = now
	}
	e.rec = next
	e.mu.Unlock()

	if next.Status.Terminal() {
		s.dropRequesterIndex(next.Requester, next.ID)
	}
	return next, nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]Reservation, error) {
	want := make(map[Status]struct{}, len(statuses))
	for _, status := range statuses {
		want[status] = struct{}{}
	}

	type ordered struct {
		seq int64
		rec Reservation
	}
	items := make([]ordered, 0)
	s.records.Range(func(_, value any) bool {
		e := value.(*entry)
		rec := e.snapshot()
		if len(want) > 0 {
			if _, ok := want[rec.Status]; !ok {
				return true
			}
		}
		items = append(items, ordered{seq: e.seq, rec: rec})
		return true
	})

	sort.Slice(items, func(i, j int) bool {
		return items[i].seq < items[j].seq
	})
	out := make([]Reservation, 0, len(items))
	for _, item := range items {
		out = append(out, item.rec)
	}
	return out, nil
}

func (s *InMemoryStore) FindActiveByRequester(_ context.Context, requester string) (Reservation, bool, error) {
	requester = NormalizeRequester(requester)
	if requester == "" {
		return Reservation{}, false, nil
	}

	s.requesterMu.Lock()
	id, ok := s.byRequester[requester]
	s.requesterMu.Unlock()
	if !ok {
		return Reservation{}, false, nil
	}

	e, found := s.load(id)
	if !found {
		return Reservation{}, false, nil
	}
	rec := e.snapshot()
	if rec.Status.Terminal() {
		return Reservation{}, false, nil
	}
	return rec, true, nil
}

// Reap removes terminal records completed before now-retention and returns how many
// were evicted.
func (s *InMemoryStore) Reap(_ context.Context, retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)
	evicted := 0
	s.records.Range(func(key, value any) bool {
		rec := value.(*entry).snapshot()
		if rec.Status.Terminal() && !rec.CompletedAt.IsZero() && rec.CompletedAt.Before(cutoff) {
			s.records.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

func (s *InMemoryStore) load(id string) (*entry, bool) {
	value, ok := s.records.Load(strings.TrimSpace(id))
	if !ok {
		return nil, false
	}
	return value.(*entry), true
}

func (s *InMemoryStore) dropRequesterIndex(requester, id string) {
	s.requesterMu.Lock()
	defer s.requesterMu.Unlock()
	if s.byRequester[requester] == id {
		delete(s.byRequester, requester)
	}
}

func checkMutation(prev, next Reservation) error {
	if next.ID != prev.ID || next.Requester != prev.Requester || next.Target != prev.Target || !next.CreatedAt.Equal(prev.CreatedAt) {
		return errImmutableFieldEdit
	}
	if next.Status == StatusPending && prev.Status != StatusPending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}
	if next.CycleCount < prev.CycleCount || next.AccruedCost < prev.AccruedCost || next.RatePerCycle != prev.RatePerCycle {
		return ErrCounterRegression
	}
	if next.CycleCount != prev.CycleCount && next.Status != StatusActive {
		return fmt.Errorf("%w: counters advance only while active", ErrInvalidTransition)
	}
	if next.AccruedCost != next.CycleCount*next.RatePerCycle {
		return fmt.Errorf("%w: accrued cost out of step with cycle count", ErrCounterRegression)
	}
	return nil
}

// SubmitCommand records cmd as the pending command of reservation id. A later command
// overwrites an earlier one that the engine has not consumed yet. A committing
// reservation refuses commands with ErrCommitting.
func SubmitCommand(ctx context.Context, store Store, id string, cmd Command) (Reservation, error) {
	if cmd != CommandCommit && cmd != CommandRelease {
		return Reservation{}, fmt.Errorf("invalid command %q", cmd)
	}
	return store.Mutate(ctx, id, func(r *Reservation) error {
		if r.Status == StatusCommitting {
			return ErrCommitting
		}
		r.PendingCommand = cmd
		return nil
	})
}
