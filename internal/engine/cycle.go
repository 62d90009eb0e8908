package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/journal"
	"github.com/VenkatGGG/holdkeeper/internal/lease"
	"github.com/VenkatGGG/holdkeeper/internal/metrics"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/internal/session"
)

const (
	reasonReleased = "released by requester"
	reasonExpired  = "expired"
)

var errNothingToCommit = errors.New("no commit pending")

var errExpiredBeforeCommit = errors.New("expired before commit")

// task is the state one cycling goroutine keeps between boundaries.
type task struct {
	id          string
	guard       *lease.Guard
	session     *session.Session
	recoverNext bool
}

func (e *Engine) cycle(ctx context.Context, id string) {
	t := &task{id: id}
	if !e.keepLease(ctx, t) {
		return
	}
	metrics.RunningReservations.Inc()

	defer func() {
		e.sessions.Close(ctx, t.session)
		if err := t.guard.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.Printf("reservation lease release failed: reservation_id=%s err=%v", id, err)
		}
		metrics.RunningReservations.Dec()
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if !e.keepLease(ctx, t) {
			return
		}
		rec, err := e.store.Get(ctx, id)
		if err != nil {
			e.logger.Printf("reservation task stopping: reservation_id=%s err=%v", id, err)
			return
		}
		if rec.Status.Terminal() {
			return
		}

		if stop, handled := e.boundary(ctx, t, rec); handled {
			if stop {
				return
			}
			continue
		}

		if t.recoverNext {
			if e.recover(ctx, t, rec) {
				return
			}
			continue
		}

		if t.session == nil {
			opened, err := e.sessions.Open(ctx, id, rec.Target)
			if err != nil {
				if e.handleError(ctx, t, rec, err) {
					return
				}
				continue
			}
			t.session = opened
		}

		started := time.Now()
		err = e.sessions.AcquireOrRenew(ctx, t.session)
		metrics.CycleDuration.Observe(time.Since(started).Seconds())
		if err != nil {
			if e.handleError(ctx, t, rec, err) {
				return
			}
			continue
		}
		if e.applySuccess(ctx, t, rec.Status, false) {
			return
		}
	}
}

// keepLease takes or renews the ownership lease of t. A lease that lapsed without
// another owner taking it is reclaimed. Lease backend errors are retried RetryThreshold
// times and then fail the reservation. It reports whether t still owns the reservation.
func (e *Engine) keepLease(ctx context.Context, t *task) bool {
	for attempt := 1; ; attempt++ {
		err := e.renewOrHold(ctx, t)
		switch {
		case err == nil:
			return true
		case errors.Is(err, lease.ErrHeld), ctx.Err() != nil:
			if t.guard == nil {
				e.logger.Printf("reservation task not started: reservation_id=%s err=%v", t.id, err)
			} else {
				e.logger.Printf("reservation task stopping: reservation_id=%s err=%v", t.id, err)
			}
			return false
		}
		e.logger.Printf("reservation lease unavailable: reservation_id=%s attempt=%d err=%v", t.id, attempt, err)
		if attempt >= e.cfg.RetryThreshold {
			e.fail(ctx, t, fmt.Sprintf("ownership lease unavailable: %v", err))
			return false
		}
		if !wait(ctx, e.cfg.RetryDelay) {
			return false
		}
	}
}

func (e *Engine) renewOrHold(ctx context.Context, t *task) error {
	if t.guard != nil {
		err := t.guard.Renew(ctx)
		if !errors.Is(err, lease.ErrLost) {
			return err
		}
	}
	guard, err := lease.Hold(ctx, e.leases, lease.ReservationResource(t.id), e.cfg.Owner, e.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if t.guard != nil {
		e.logger.Printf("reservation lease reclaimed: reservation_id=%s token=%d", t.id, guard.Token())
	}
	t.guard = guard
	return nil
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// boundary applies a pending release, the lifetime expiry or a pending commit, in that
// order. handled reports whether one of them ran; stop whether the task is done.
func (e *Engine) boundary(ctx context.Context, t *task, rec reservation.Reservation) (stop, handled bool) {
	switch {
	case rec.PendingCommand == reservation.CommandRelease:
		e.finish(ctx, t.id, reservation.StatusReleased, reasonReleased, journal.EventReleased)
		return true, true
	case rec.Expired(e.now()):
		e.finish(ctx, t.id, reservation.StatusReleased, reasonExpired, journal.EventReleased)
		return true, true
	case rec.PendingCommand == reservation.CommandCommit && rec.Status == reservation.StatusActive:
		return e.commit(ctx, t), true
	}
	return false, false
}

// applySuccess writes one successful acquire or renew. A release that arrived while the
// driver call was in flight wins, and the renewal is discarded in the same mutation. So
// does the lifetime running out during the call.
func (e *Engine) applySuccess(ctx context.Context, t *task, before reservation.Status, recovered bool) bool {
	released := ""
	deadline := t.session.HoldDeadline
	now := e.now()
	updated, err := e.store.Mutate(ctx, t.id, func(r *reservation.Reservation) error {
		switch {
		case r.PendingCommand == reservation.CommandRelease:
			released = reasonReleased
		case r.Expired(now):
			released = reasonExpired
		}
		if released != "" {
			r.Status = reservation.StatusReleased
			r.PendingCommand = reservation.CommandNone
			r.Reason = released
			return nil
		}
		r.RecordCycle(now)
		r.HoldDeadline = deadline
		return nil
	})
	if err != nil {
		e.logger.Printf("reservation cycle not recorded: reservation_id=%s err=%v", t.id, err)
		return true
	}
	if released != "" {
		e.transition(ctx, journal.EventReleased, updated, released)
		return true
	}

	metrics.CyclesTotal.Inc()
	if before != updated.Status {
		metrics.TransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
	}
	switch {
	case recovered:
		e.record(ctx, journal.EventRecovered, updated, "")
	case before == reservation.StatusPending:
		e.record(ctx, journal.EventAcquired, updated, "")
	default:
		e.record(ctx, journal.EventRenewed, updated, "")
	}
	e.logger.Printf("reservation cycle ok: reservation_id=%s cycles=%d cost=%d hold_deadline=%s", updated.ID, updated.CycleCount, updated.AccruedCost, updated.HoldDeadline.Format(time.RFC3339))
	return false
}

// handleError applies the retry policy to a failed open or attempt and reports whether
// the task must stop.
func (e *Engine) handleError(ctx context.Context, t *task, rec reservation.Reservation, err error) bool {
	kind := automation.Classify(err)
	if kind == automation.KindCanceled || ctx.Err() != nil {
		return true
	}
	metrics.CycleErrorsTotal.WithLabelValues(kind.String()).Inc()

	switch kind {
	case automation.KindFatal:
		e.fail(ctx, t, err.Error())
		return true
	case automation.KindAuthRequired:
		e.logger.Printf("reservation session needs recovery: reservation_id=%s err=%v", t.id, err)
		t.recoverNext = true
		return false
	}

	updated, mutateErr := e.store.Mutate(ctx, t.id, func(r *reservation.Reservation) error {
		r.ConsecutiveErrors++
		return nil
	})
	if mutateErr != nil {
		e.logger.Printf("reservation task stopping: reservation_id=%s err=%v", t.id, mutateErr)
		return true
	}
	e.record(ctx, journal.EventRetry, updated, err.Error())

	if updated.ConsecutiveErrors >= e.cfg.RetryThreshold {
		e.logger.Printf("reservation cycle failed: reservation_id=%s attempt=%d err=%v; recovering session", t.id, updated.ConsecutiveErrors, err)
		t.recoverNext = true
		return false
	}
	e.logger.Printf("reservation cycle failed: reservation_id=%s attempt=%d err=%v; retrying in %s", t.id, updated.ConsecutiveErrors, err, e.cfg.RetryDelay)

	return !wait(ctx, e.cfg.RetryDelay)
}

// recover swaps the session for a fresh one that holds the target again. The fresh
// hold counts as a cycle; a failed recovery fails the reservation.
func (e *Engine) recover(ctx context.Context, t *task, rec reservation.Reservation) bool {
	t.recoverNext = false
	stale := t.session
	t.session = nil

	fresh, err := e.sessions.Recover(ctx, stale, t.id, rec.Target)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		metrics.RecoveriesTotal.WithLabelValues("failed").Inc()
		e.fail(ctx, t, fmt.Sprintf("session recovery failed: %v", err))
		return true
	}
	metrics.RecoveriesTotal.WithLabelValues("ok").Inc()
	t.session = fresh
	e.logger.Printf("reservation session recovered: reservation_id=%s session_id=%s", t.id, fresh.Handle.ID)
	return e.applySuccess(ctx, t, rec.Status, true)
}

// commit moves an active reservation into committing and hands it to the committer.
// A reservation whose lifetime ran out is released instead. It reports whether the task
// is done.
func (e *Engine) commit(ctx context.Context, t *task) bool {
	now := e.now()
	committing, err := e.store.Mutate(ctx, t.id, func(r *reservation.Reservation) error {
		if r.PendingCommand != reservation.CommandCommit || r.Status != reservation.StatusActive {
			return errNothingToCommit
		}
		if r.Expired(now) {
			return errExpiredBeforeCommit
		}
		r.Status = reservation.StatusCommitting
		r.PendingCommand = reservation.CommandNone
		return nil
	})
	switch {
	case errors.Is(err, errNothingToCommit):
		return false
	case errors.Is(err, errExpiredBeforeCommit):
		e.finish(ctx, t.id, reservation.StatusReleased, reasonExpired, journal.EventReleased)
		return true
	case err != nil:
		e.logger.Printf("reservation commit not started: reservation_id=%s err=%v", t.id, err)
		return true
	}
	e.transition(ctx, journal.EventCommitting, committing, "")
	e.logger.Printf("reservation committing: reservation_id=%s cycles=%d cost=%d", t.id, committing.CycleCount, committing.AccruedCost)

	commitErr := e.commitHoldingLease(ctx, t, committing)
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(commitErr, lease.ErrHeld) {
		e.logger.Printf("reservation task stopping: reservation_id=%s err=%v", t.id, commitErr)
		return true
	}
	if commitErr == nil {
		e.finish(ctx, t.id, reservation.StatusCommitted, "", journal.EventCommitted)
		return true
	}

	reverted, err := e.store.Mutate(ctx, t.id, func(r *reservation.Reservation) error {
		r.Status = reservation.StatusActive
		return nil
	})
	if err != nil {
		e.logger.Printf("reservation commit rollback failed: reservation_id=%s err=%v", t.id, err)
		return true
	}
	e.transition(ctx, journal.EventCommitFailed, reverted, commitErr.Error())
	e.logger.Printf("reservation commit failed: reservation_id=%s err=%v; resuming renewal", t.id, commitErr)
	return false
}

// commitHoldingLease runs the committer while renewing the ownership lease every third
// of its TTL. Losing the lease to another owner cancels the commit and is returned.
func (e *Engine) commitHoldingLease(ctx context.Context, t *task, rec reservation.Reservation) error {
	commitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	every := e.cfg.LeaseTTL / 3
	if every <= 0 {
		every = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-commitCtx.Done():
				return
			case <-ticker.C:
			}
			err := e.renewOrHold(commitCtx, t)
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrHeld):
				cancel(err)
				return
			case commitCtx.Err() == nil:
				e.logger.Printf("reservation lease renewal failed while committing: reservation_id=%s err=%v", t.id, err)
			}
		}
	}()

	err := e.committer.Commit(commitCtx, rec, t.session)
	close(done)
	wg.Wait()
	if cause := context.Cause(commitCtx); ctx.Err() == nil && errors.Is(cause, lease.ErrHeld) {
		return cause
	}
	return err
}

func (e *Engine) fail(ctx context.Context, t *task, reason string) {
	detail := reason
	if shot := e.sessions.CaptureFailure(ctx, t.session); shot != "" {
		detail = reason + " screenshot=" + shot
	}
	failed, err := e.store.Mutate(ctx, t.id, func(r *reservation.Reservation) error {
		r.Status = reservation.StatusFailed
		r.Reason = reason
		return nil
	})
	if err != nil {
		e.logger.Printf("reservation failure not recorded: reservation_id=%s err=%v", t.id, err)
		return
	}
	e.transition(ctx, journal.EventFailed, failed, detail)
	e.logger.Printf("reservation failed: reservation_id=%s reason=%q", t.id, reason)
}

// finish moves a reservation into a terminal status and clears its pending command.
func (e *Engine) finish(ctx context.Context, id string, status reservation.Status, reason string, kind journal.EventType) {
	done, err := e.store.Mutate(ctx, id, func(r *reservation.Reservation) error {
		r.Status = status
		r.PendingCommand = reservation.CommandNone
		r.Reason = reason
		return nil
	})
	if err != nil {
		e.logger.Printf("reservation %s not recorded: reservation_id=%s err=%v", status, id, err)
		return
	}
	e.transition(ctx, kind, done, reason)
	e.logger.Printf("reservation %s: reservation_id=%s cycles=%d cost=%d", status, id, done.CycleCount, done.AccruedCost)
}

func (e *Engine) transition(ctx context.Context, kind journal.EventType, rec reservation.Reservation, detail string) {
	metrics.TransitionsTotal.WithLabelValues(string(rec.Status)).Inc()
	e.record(ctx, kind, rec, detail)
}
