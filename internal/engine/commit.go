package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/internal/session"
)

var (
	// ErrCommitRejected is an explicit purchase failure; renewal resumes.
	ErrCommitRejected = errors.New("purchase rejected")
	ErrCommitTimeout  = errors.New("purchase outcome not reported in time")
)

// Committer completes the purchase of a held reservation. Returning nil commits the
// reservation; any other error sends it back to active.
type Committer interface {
	Commit(ctx context.Context, rec reservation.Reservation, s *session.Session) error
}

// CommitResolver is implemented by committers that wait for an outcome reported from
// outside the engine.
type CommitResolver interface {
	Resolve(reservationID string, ok bool, reason string) bool
}

type commitOutcome struct {
	ok     bool
	reason string
}

// SignalCommitter parks a committing reservation until someone reports the outcome of
// the purchase through Resolve, typically an operator finishing checkout in the held
// browser tab.
type SignalCommitter struct {
	timeout time.Duration

	mu      sync.Mutex
	waiting map[string]chan commitOutcome
}

func NewSignalCommitter(timeout time.Duration) *SignalCommitter {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &SignalCommitter{timeout: timeout, waiting: make(map[string]chan commitOutcome)}
}

func (c *SignalCommitter) Commit(ctx context.Context, rec reservation.Reservation, _ *session.Session) error {
	outcome := make(chan commitOutcome, 1)
	c.mu.Lock()
	c.waiting[rec.ID] = outcome
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.waiting[rec.ID] == outcome {
			delete(c.waiting, rec.ID)
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrCommitTimeout, c.timeout)
	case result := <-outcome:
		if result.ok {
			return nil
		}
		reason := strings.TrimSpace(result.reason)
		if reason == "" {
			return ErrCommitRejected
		}
		return fmt.Errorf("%w: %s", ErrCommitRejected, reason)
	}
}

func (c *SignalCommitter) Resolve(reservationID string, ok bool, reason string) bool {
	c.mu.Lock()
	outcome, found := c.waiting[reservationID]
	if found {
		delete(c.waiting, reservationID)
	}
	c.mu.Unlock()
	if !found {
		return false
	}
	outcome <- commitOutcome{ok: ok, reason: reason}
	return true
}

// Waiting reports whether a reservation is parked for an outcome.
func (c *SignalCommitter) Waiting(reservationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, found := c.waiting[reservationID]
	return found
}
