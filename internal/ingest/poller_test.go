package ingest

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/holdkeeper/internal/messaging"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

type storeCommands struct {
	*reservation.InMemoryStore
}

func (s storeCommands) SubmitCommand(ctx context.Context, id string, cmd reservation.Command) (bool, error) {
	_, err := reservation.SubmitCommand(ctx, s.InMemoryStore, id, cmd)
	return err == nil, err
}

// scriptedChannel returns its batches in order regardless of the marker, like a source
// that redelivers.
type scriptedChannel struct {
	mu      sync.Mutex
	batches [][]messaging.Message
	latest  int64
	pollErr error
	sent    []string
	markers []int64
}

func (c *scriptedChannel) PollSince(_ context.Context, marker int64) ([]messaging.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers = append(c.markers, marker)
	if c.pollErr != nil {
		return nil, c.pollErr
	}
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *scriptedChannel) Send(_ context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, recipient+": "+text)
	return nil
}

func (c *scriptedChannel) LatestID(context.Context) (int64, error) {
	return c.latest, nil
}

const requester = "+15550001111"

func newStoreWithReservation(t *testing.T) (*reservation.InMemoryStore, reservation.Reservation) {
	t.Helper()
	store := reservation.NewInMemoryStore()
	created, err := store.Create(context.Background(), reservation.CreateInput{
		Target:       reservation.Descriptor{GroupID: "evt-1", Quantity: 2},
		Requester:    requester,
		RatePerCycle: 10,
	})
	require.NoError(t, err)
	return store, created
}

func newTestPoller(channel messaging.Channel, store *reservation.InMemoryStore, cfg Config) *Poller {
	cfg.ReplayHistory = true
	return NewPoller(channel, storeCommands{store}, nil, cfg, log.New(io.Discard, "", 0))
}

func TestDuplicateMessageIsHandledOnce(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	msg := messaging.Message{ID: 42, Sender: requester, Text: "release", Timestamp: time.Now()}
	channel := &scriptedChannel{batches: [][]messaging.Message{{msg, msg}, {msg}}}
	poller := newTestPoller(channel, store, Config{})

	first := poller.Tick(context.Background())
	assert.Equal(t, 1, first.Outcomes[OutcomeRouted])
	assert.Equal(t, 1, first.Outcomes[OutcomeDuplicate])
	assert.Equal(t, int64(42), poller.Marker())

	second := poller.Tick(context.Background())
	assert.Equal(t, map[string]int{OutcomeDuplicate: 1}, second.Outcomes)

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandRelease, rec.PendingCommand)
	assert.Len(t, channel.sent, 1)
	assert.Equal(t, []int64{0, 42}, channel.markers)
}

func TestMessagesAreHandledInIDOrder(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channel := &scriptedChannel{batches: [][]messaging.Message{{
		{ID: 7, Sender: requester, Text: "release", Timestamp: base.Add(time.Minute)},
		{ID: 5, Sender: requester, Text: "buy", Timestamp: base},
	}}}
	poller := newTestPoller(channel, store, Config{})

	stats := poller.Tick(context.Background())
	assert.Equal(t, 2, stats.Outcomes[OutcomeRouted])
	assert.Equal(t, int64(7), poller.Marker())

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandRelease, rec.PendingCommand)
}

func TestOutboundEchoIsSuppressed(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{})

	require.NoError(t, poller.Outbox().Send(context.Background(), requester, "Reply RELEASE to let it go."))
	channel.Deliver(requester, "Reply RELEASE to let it go.", time.Now())
	stats := poller.Tick(context.Background())
	assert.Equal(t, map[string]int{OutcomeEcho: 1}, stats.Outcomes)

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandNone, rec.PendingCommand)

	channel.Deliver(requester, "Reply RELEASE to let it go.", time.Now())
	stats = poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Outcomes[OutcomeRouted])
}

func TestEchoExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	store, _ := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{EchoTTL: time.Minute})
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poller.now = func() time.Time { return clock }

	require.NoError(t, poller.Outbox().Send(context.Background(), requester, "cancel"))
	clock = clock.Add(2 * time.Minute)
	channel.Deliver(requester, "cancel", clock)

	stats := poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Outcomes[OutcomeRouted])
}

func TestCooldownPerSender(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{Cooldown: 10 * time.Second})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	channel.Deliver(requester, "buy", base)
	assert.Equal(t, 1, poller.Tick(context.Background()).Outcomes[OutcomeRouted])

	channel.Deliver(requester, "release", base.Add(5*time.Second))
	assert.Equal(t, 1, poller.Tick(context.Background()).Outcomes[OutcomeCooldown])
	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandCommit, rec.PendingCommand)

	channel.Deliver(requester, "release", base.Add(11*time.Second))
	assert.Equal(t, 1, poller.Tick(context.Background()).Outcomes[OutcomeRouted])
	rec, err = store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandRelease, rec.PendingCommand)
}

func TestCooldownStartsOnlyOnRoutedCommands(t *testing.T) {
	t.Parallel()

	store, _ := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{Cooldown: 10 * time.Second})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	channel.Deliver(requester, "status?", base)
	channel.Deliver(requester, "hi there", base.Add(time.Second))
	channel.Deliver("+15559990000", "release", base.Add(time.Second))
	channel.Deliver(requester, "release", base.Add(2*time.Second))

	stats := poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Outcomes[OutcomeReplied])
	assert.Equal(t, 1, stats.Outcomes[OutcomeIgnored])
	assert.Equal(t, 1, stats.Outcomes[OutcomeRoutingMiss])
	assert.Equal(t, 1, stats.Outcomes[OutcomeRouted])

	sent := channel.Sent()
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0].Text, "is pending after 0 renewals")
	assert.Contains(t, sent[1].Text, "Releasing hold")
}

func TestNonHumanAndBlankMessagesAreDropped(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{NonHumanSenders: []string{"NoReply@Provider.com"}})

	channel.Deliver("72975", "Your code is 123456. Reply STOP to cancel", time.Now())
	channel.Deliver("noreply@provider.com", "release", time.Now())
	channel.Deliver(requester, "   ", time.Now())
	channel.Deliver("", "release", time.Now())

	stats := poller.Tick(context.Background())
	assert.Equal(t, map[string]int{OutcomeNonHuman: 3, OutcomeBlank: 1}, stats.Outcomes)
	assert.Equal(t, int64(4), poller.Marker())

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandNone, rec.PendingCommand)
}

func TestMarkerStartsAtLatestWithoutReplay(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	channel := messaging.NewMemoryChannel()
	channel.Deliver(requester, "buy", time.Now())
	channel.Deliver(requester, "buy", time.Now())
	poller := NewPoller(channel, storeCommands{store}, nil, Config{}, log.New(io.Discard, "", 0))

	stats := poller.Tick(context.Background())
	assert.Zero(t, stats.Polled)
	assert.Equal(t, int64(2), poller.Marker())

	channel.Deliver(requester, "release", time.Now())
	stats = poller.Tick(context.Background())
	assert.Equal(t, 1, stats.Outcomes[OutcomeRouted])

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandRelease, rec.PendingCommand)
}

func TestPollFailureStaysInsideTick(t *testing.T) {
	t.Parallel()

	store, _ := newStoreWithReservation(t)
	channel := &scriptedChannel{pollErr: errors.New("database is locked")}
	poller := newTestPoller(channel, store, Config{})

	stats := poller.Tick(context.Background())
	assert.Zero(t, stats.Polled)
	assert.Zero(t, poller.Marker())
}

func TestCommandForTerminalReservationIsRoutingMiss(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	_, err := store.Mutate(context.Background(), created.ID, func(r *reservation.Reservation) error {
		r.Status = reservation.StatusReleased
		return nil
	})
	require.NoError(t, err)

	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{})
	channel.Deliver(requester, "buy", time.Now())
	assert.Equal(t, 1, poller.Tick(context.Background()).Outcomes[OutcomeRoutingMiss])
}

func TestCommandWhileCommittingIsRefused(t *testing.T) {
	t.Parallel()

	store, created := newStoreWithReservation(t)
	ctx := context.Background()
	_, err := store.Mutate(ctx, created.ID, func(r *reservation.Reservation) error {
		r.RecordCycle(time.Now().UTC())
		return nil
	})
	require.NoError(t, err)
	_, err = store.Mutate(ctx, created.ID, func(r *reservation.Reservation) error {
		r.Status = reservation.StatusCommitting
		return nil
	})
	require.NoError(t, err)

	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{})
	channel.Deliver(requester, "release", time.Now())
	assert.Equal(t, map[string]int{OutcomeCommitting: 1}, poller.Tick(ctx).Outcomes)

	sent := channel.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "is being purchased")
	assert.NotContains(t, sent[0].Text, "Releasing hold")

	rec, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandNone, rec.PendingCommand)
}

func TestRequesterMatchIgnoresCase(t *testing.T) {
	t.Parallel()

	store := reservation.NewInMemoryStore()
	created, err := store.Create(context.Background(), reservation.CreateInput{
		Target:    reservation.Descriptor{GroupID: "evt-1", Quantity: 1},
		Requester: "Fan@Example.com",
	})
	require.NoError(t, err)

	channel := messaging.NewMemoryChannel()
	poller := newTestPoller(channel, store, Config{})
	channel.Deliver("fan@EXAMPLE.com", "release", time.Now())
	assert.Equal(t, 1, poller.Tick(context.Background()).Outcomes[OutcomeRouted])

	rec, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.CommandRelease, rec.PendingCommand)
}

func TestStatusText(t *testing.T) {
	t.Parallel()

	text := StatusText(reservation.Reservation{
		ID:           "rsv_abc",
		Status:       reservation.StatusActive,
		CycleCount:   3,
		AccruedCost:  30,
		HoldDeadline: time.Date(2026, 3, 1, 12, 4, 55, 0, time.UTC),
	})
	assert.Equal(t, "Hold rsv_abc is active after 3 renewals (cost 30). Current hold lapses at 12:04:55 UTC.", text)
}
