// Package engine runs one cycling task per reservation and exposes the control
// surface used by the API and the command ingestion layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/holdkeeper/internal/journal"
	"github.com/VenkatGGG/holdkeeper/internal/lease"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/internal/session"
)

var ErrAlreadyRunning = errors.New("engine is already running")

// Sessions is the slice of the session manager the cycling loop drives.
type Sessions interface {
	Open(ctx context.Context, reservationID string, target reservation.Descriptor) (*session.Session, error)
	AcquireOrRenew(ctx context.Context, s *session.Session) error
	Recover(ctx context.Context, s *session.Session, reservationID string, target reservation.Descriptor) (*session.Session, error)
	Close(ctx context.Context, s *session.Session)
	CaptureFailure(ctx context.Context, s *session.Session) string
}

// Reaper is implemented by stores that can evict old terminal records.
type Reaper interface {
	Reap(ctx context.Context, retention time.Duration) int
}

type Config struct {
	// RetryThreshold is the transient-error streak that triggers session recovery.
	RetryThreshold int
	RetryDelay     time.Duration
	// LeaseTTL must outlast one full cycle including the renewal wait.
	LeaseTTL time.Duration
	Owner    string
	// TerminalRetention enables the reaper when positive.
	TerminalRetention time.Duration
	ReaperInterval    time.Duration
}

type Engine struct {
	store     reservation.Store
	sessions  Sessions
	leases    lease.Manager
	committer Committer
	journal   journal.Sink
	cfg       Config
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	baseCtx  context.Context
	stopping bool
	running  map[string]struct{}
	tasks    sync.WaitGroup
}

func New(store reservation.Store, sessions Sessions, leases lease.Manager, committer Committer, sink journal.Sink, cfg Config, logger *log.Logger) *Engine {
	if cfg.RetryThreshold <= 0 {
		cfg.RetryThreshold = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.Owner) == "" {
		cfg.Owner = "engine-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if leases == nil {
		leases = lease.NewInMemoryManager()
	}
	if committer == nil {
		committer = NewSignalCommitter(0)
	}
	if sink == nil {
		sink = journal.Discard{}
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Engine{
		store:     store,
		sessions:  sessions,
		leases:    leases,
		committer: committer,
		journal:   sink,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		running:   make(map[string]struct{}),
	}
}

// Run starts a task for every non-terminal reservation, including ones created later,
// and blocks until ctx is canceled and every task has exited.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.baseCtx != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.baseCtx = ctx
	e.mu.Unlock()

	existing, err := e.store.ListByStatus(ctx, reservation.NonTerminal...)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, rec := range existing {
		e.launch(rec.ID)
	}
	e.logger.Printf("engine started: owner=%s resumed=%d retry_threshold=%d", e.cfg.Owner, len(existing), e.cfg.RetryThreshold)

	var reap <-chan time.Time
	reaper, canReap := e.store.(Reaper)
	if canReap && e.cfg.TerminalRetention > 0 {
		ticker := time.NewTicker(e.cfg.ReaperInterval)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stopping = true
			e.mu.Unlock()
			e.tasks.Wait()
			e.logger.Printf("engine stopped")
			return nil
		case <-reap:
			if evicted := reaper.Reap(ctx, e.cfg.TerminalRetention); evicted > 0 {
				e.logger.Printf("terminal reservations reaped: count=%d retention=%s", evicted, e.cfg.TerminalRetention)
			}
		}
	}
}

// Running reports how many cycling tasks are live.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Engine) CreateReservation(ctx context.Context, input reservation.CreateInput) (reservation.Reservation, error) {
	created, err := e.store.Create(ctx, input)
	if err != nil {
		return reservation.Reservation{}, err
	}
	e.record(ctx, journal.EventCreated, created, "")
	e.launch(created.ID)
	return created, nil
}

func (e *Engine) GetReservation(ctx context.Context, id string) (reservation.Reservation, error) {
	return e.store.Get(ctx, strings.TrimSpace(id))
}

// ListActive returns every non-terminal reservation in creation order.
func (e *Engine) ListActive(ctx context.Context) ([]reservation.Reservation, error) {
	return e.store.ListByStatus(ctx, reservation.NonTerminal...)
}

func (e *Engine) List(ctx context.Context, statuses ...reservation.Status) ([]reservation.Reservation, error) {
	return e.store.ListByStatus(ctx, statuses...)
}

func (e *Engine) FindActiveByRequester(ctx context.Context, requester string) (reservation.Reservation, bool, error) {
	return e.store.FindActiveByRequester(ctx, requester)
}

// SubmitCommand sets the pending command of a reservation. It reports false with
// reservation.ErrNotFound or reservation.ErrTerminal when there is nothing to command,
// and reservation.ErrCommitting while a purchase is in flight.
func (e *Engine) SubmitCommand(ctx context.Context, id string, cmd reservation.Command) (bool, error) {
	updated, err := reservation.SubmitCommand(ctx, e.store, strings.TrimSpace(id), cmd)
	if err != nil {
		return false, err
	}
	e.record(ctx, journal.EventCommand, updated, string(cmd))
	return true, nil
}

// ResolveCommit hands the outcome of a purchase to a reservation waiting in
// committing. It reports false when nothing is waiting or the committer does not take
// external outcomes.
func (e *Engine) ResolveCommit(id string, ok bool, reason string) bool {
	resolver, can := e.committer.(CommitResolver)
	if !can {
		return false
	}
	return resolver.Resolve(strings.TrimSpace(id), ok, reason)
}

func (e *Engine) launch(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.baseCtx == nil || e.stopping {
		return
	}
	if _, exists := e.running[id]; exists {
		return
	}
	e.running[id] = struct{}{}
	e.tasks.Add(1)
	ctx := e.baseCtx

	go func() {
		defer e.tasks.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
		}()
		e.cycle(ctx, id)
	}()
}

func (e *Engine) record(ctx context.Context, kind journal.EventType, rec reservation.Reservation, detail string) {
	if err := e.journal.Record(context.WithoutCancel(ctx), journal.NewEvent(kind, rec, detail)); err != nil {
		e.logger.Printf("journal write failed: reservation_id=%s event=%s err=%v", rec.ID, kind, err)
	}
}
