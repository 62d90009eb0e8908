// Package journal records reservation lifecycle events. Records are append-only and
// never read back by the engine.
package journal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

type EventType string

const (
	EventCreated      EventType = "created"
	EventAcquired     EventType = "acquired"
	EventRenewed      EventType = "renewed"
	EventRetry        EventType = "retry"
	EventRecovered    EventType = "recovered"
	EventCommand      EventType = "command"
	EventCommitting   EventType = "committing"
	EventCommitted    EventType = "committed"
	EventCommitFailed EventType = "commit_failed"
	EventReleased     EventType = "released"
	EventFailed       EventType = "failed"
)

type Event struct {
	Type          EventType          `json:"type"`
	ReservationID string             `json:"reservation_id"`
	Requester     string             `json:"requester"`
	Status        reservation.Status `json:"status"`
	CycleCount    int64              `json:"cycle_count"`
	AccruedCost   int64              `json:"accrued_cost"`
	Detail        string             `json:"detail,omitempty"`
	At            time.Time          `json:"at"`
}

// NewEvent snapshots rec into an event of type t.
func NewEvent(t EventType, rec reservation.Reservation, detail string) Event {
	at := rec.UpdatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return Event{
		Type:          t,
		ReservationID: rec.ID,
		Requester:     rec.Requester,
		Status:        rec.Status,
		CycleCount:    rec.CycleCount,
		AccruedCost:   rec.AccruedCost,
		Detail:        detail,
		At:            at,
	}
}

type Sink interface {
	Record(ctx context.Context, event Event) error
}

type Discard struct{}

func (Discard) Record(context.Context, Event) error { return nil }

// LogSink writes one line per event.
type LogSink struct {
	logger *log.Logger
}

func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event Event) error {
	if event.Detail == "" {
		s.logger.Printf("reservation %s: reservation_id=%s status=%s cycles=%d cost=%d",
			event.Type, event.ReservationID, event.Status, event.CycleCount, event.AccruedCost)
		return nil
	}
	s.logger.Printf("reservation %s: reservation_id=%s status=%s cycles=%d cost=%d detail=%q",
		event.Type, event.ReservationID, event.Status, event.CycleCount, event.AccruedCost, event.Detail)
	return nil
}

// Multi records to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%T: %w", sink, err))
		}
	}
	return errors.Join(errs...)
}
