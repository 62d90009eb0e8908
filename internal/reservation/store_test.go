package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInput(requester string) CreateInput {
	return CreateInput{
		Target:       Descriptor{GroupID: "evt-florist-0301", Subcategory: "GA Early Bird", Quantity: 2},
		Requester:    requester,
		RatePerCycle: 10,
	}
}

func TestInMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	created, err := store.Create(context.Background(), newTestInput("+15550001111"))
	require.NoError(t, err)
	assert.Regexp(t, `^rsv_[0-9a-f]{12}$`, created.ID)
	assert.Equal(t, StatusPending, created.Status)
	assert.Zero(t, created.CycleCount)
	assert.False(t, created.CreatedAt.IsZero())

	found, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, found)

	_, err = store.Get(context.Background(), "rsv_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreCreateValidatesDescriptor(t *testing.T) {
	t.Parallel()

	store := NewInMemoryStore()
	cases := map[string]CreateInput{
		"missing group":  {Target: Descriptor{Quantity: 1}, Requester: "a"},
		"zero quantity":  {Target: Descriptor{GroupID: "g", Quantity: 0}, Requester: "a"},
		"too many seats": {Target: Descriptor{GroupID: "g", Quantity: 21}, Requester: "a"},
		"no requester":   {Target: Descriptor{GroupID: "g", Quantity: 1}},
		"negative rate":  {Target: Descriptor{GroupID: "g", Quantity: 1}, Requester: "a", RatePerCycle: -1},
		"expiry in past": {Target: Descriptor{GroupID: "g", Quantity: 1}, Requester: "a", ExpiresAt: time.Now().Add(-time.Minute)},
	}
	for name, input := range cases {
		_, err := store.Create(context.Background(), input)
		assert.Error(t, err, name)
	}

	_, err := store.Create(context.Background(), CreateInput{Target: Descriptor{GroupID: "g", Quantity: 25}, Requester: "a"})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestInMemoryStoreOneActiveReservationPerRequester(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	first, err := store.Create(ctx, newTestInput("fan@example.com"))
	require.NoError(t, err)

	_, err = store.Create(ctx, newTestInput("fan@example.com"))
	require.ErrorIs(t, err, ErrRequesterBusy)

	found, ok, err := store.FindActiveByRequester(ctx, "fan@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first.ID, found.ID)

	_, err = store.Mutate(ctx, first.ID, func(r *Reservation) error {
		r.Status = StatusReleased
		return nil
	})
	require.NoError(t, err)

	_, ok, err = store.FindActiveByRequester(ctx, "fan@example.com")
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := store.Create(ctx, newTestInput("fan@example.com"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestInMemoryStoreMutateEnforcesStateMachine(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("requester-1"))
	require.NoError(t, err)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.Status = StatusCommitted
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	active, err := store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.RecordCycle(time.Now().UTC())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.Status = StatusPending
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.CycleCount = 0
		r.AccruedCost = 0
		return nil
	})
	require.ErrorIs(t, err, ErrCounterRegression)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.Status = StatusFailed
		r.Reason = "target removed"
		return nil
	})
	require.NoError(t, err)

	calls := 0
	terminal, err := store.Mutate(ctx, created.ID, func(r *Reservation) error {
		calls++
		r.PendingCommand = CommandRelease
		return nil
	})
	require.ErrorIs(t, err, ErrTerminal)
	assert.Zero(t, calls)
	assert.Equal(t, StatusFailed, terminal.Status)
	assert.False(t, terminal.CompletedAt.IsZero())
}

func TestInMemoryStoreMutateRejectsCountersOutsideActive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("requester-2"))
	require.NoError(t, err)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.CycleCount = 1
		r.AccruedCost = r.RatePerCycle
		return nil
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.Status = StatusActive
		r.CycleCount = 1
		r.AccruedCost = 999
		return nil
	})
	require.ErrorIs(t, err, ErrCounterRegression)
}

func TestInMemoryStoreMutateErrorLeavesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("requester-3"))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.PendingCommand = CommandCommit
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandNone, found.PendingCommand)
}

func TestInMemoryStorePendingCommandLastWriteWins(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("requester-4"))
	require.NoError(t, err)

	for _, command := range []Command{CommandCommit, CommandRelease} {
		_, err := SubmitCommand(ctx, store, created.ID, command)
		require.NoError(t, err)
	}

	found, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandRelease, found.PendingCommand)

	_, err = SubmitCommand(ctx, store, created.ID, Command("purchase"))
	assert.Error(t, err)
	_, err = SubmitCommand(ctx, store, "rsv_missing", CommandRelease)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreCommittingRefusesCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("buyer@example.com"))
	require.NoError(t, err)
	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.RecordCycle(time.Now().UTC())
		return nil
	})
	require.NoError(t, err)
	_, err = store.Mutate(ctx, created.ID, func(r *Reservation) error {
		r.Status = StatusCommitting
		return nil
	})
	require.NoError(t, err)

	for _, command := range []Command{CommandRelease, CommandCommit} {
		_, err := SubmitCommand(ctx, store, created.ID, command)
		assert.ErrorIs(t, err, ErrCommitting, command)
	}
	rec, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, CommandNone, rec.PendingCommand)
}

func TestInMemoryStoreRequesterIgnoresCaseAndSpace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	created, err := store.Create(ctx, newTestInput("  Alice@Example.COM "))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", created.Requester)

	found, ok, err := store.FindActiveByRequester(ctx, "alice@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, found.ID)

	_, ok, err = store.FindActiveByRequester(ctx, "ALICE@example.com\n")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Create(ctx, newTestInput("alice@EXAMPLE.com"))
	assert.ErrorIs(t, err, ErrRequesterBusy)
}

func TestInMemoryStoreListByStatusOrderedByCreation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	ids := make([]string, 0, 4)
	for _, requester := range []string{"r-a", "r-b", "r-c", "r-d"} {
		created, err := store.Create(ctx, newTestInput(requester))
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}
	_, err := store.Mutate(ctx, ids[1], func(r *Reservation) error {
		r.Status = StatusReleased
		return nil
	})
	require.NoError(t, err)

	pending, err := store.ListByStatus(ctx, StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{ids[0], ids[2], ids[3]}, []string{pending[0].ID, pending[1].ID, pending[2].ID})

	all, err := store.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestInMemoryStoreConcurrentMutationsAreSerializedPerRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	first, err := store.Create(ctx, newTestInput("r-1"))
	require.NoError(t, err)
	second, err := store.Create(ctx, newTestInput("r-2"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{first.ID, second.ID} {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := store.Mutate(ctx, id, func(r *Reservation) error {
					r.RecordCycle(time.Now().UTC())
					return nil
				})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()

	for _, id := range []string{first.ID, second.ID} {
		found, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.EqualValues(t, 50, found.CycleCount)
		assert.EqualValues(t, 500, found.AccruedCost)
	}
}

func TestInMemoryStoreReapEvictsOldTerminalRecords(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewInMemoryStore()
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	done, err := store.Create(ctx, newTestInput("r-done"))
	require.NoError(t, err)
	live, err := store.Create(ctx, newTestInput("r-live"))
	require.NoError(t, err)
	_, err = store.Mutate(ctx, done.ID, func(r *Reservation) error {
		r.Status = StatusReleased
		return nil
	})
	require.NoError(t, err)

	assert.Zero(t, store.Reap(ctx, time.Hour))

	store.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, store.Reap(ctx, time.Hour))

	_, err = store.Get(ctx, done.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	assert.True(t, CanTransition(StatusPending, StatusActive))
	assert.True(t, CanTransition(StatusActive, StatusActive))
	assert.True(t, CanTransition(StatusCommitting, StatusActive))
	assert.False(t, CanTransition(StatusActive, StatusPending))
	assert.False(t, CanTransition(StatusReleased, StatusReleased))
	assert.False(t, CanTransition(StatusPending, StatusCommitted))
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	command, err := ParseCommand(" Release ")
	require.NoError(t, err)
	assert.Equal(t, CommandRelease, command)

	_, err = ParseCommand("hold")
	assert.Error(t, err)
}
