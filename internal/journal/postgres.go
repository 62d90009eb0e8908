package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink appends events to the reservation_events table.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	sink := &PostgresSink{pool: pool}
	if err := sink.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) Close() {
	s.pool.Close()
}

func (s *PostgresSink) Record(ctx context.Context, event Event) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reservation_events (
	reservation_id, event_type, requester, status, cycle_count, accrued_cost, detail, occurred_at
) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
`, event.ReservationID, string(event.Type), event.Requester, string(event.Status),
		event.CycleCount, event.AccruedCost, event.Detail, event.At)
	if err != nil {
		return fmt.Errorf("insert reservation event: %w", err)
	}
	return nil
}

// CountFor returns how many events are journaled for a reservation.
func (s *PostgresSink) CountFor(ctx context.Context, reservationID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM reservation_events WHERE reservation_id = $1`, reservationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count reservation events: %w", err)
	}
	return count, nil
}

func (s *PostgresSink) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS reservation_events (
	id BIGSERIAL PRIMARY KEY,
	reservation_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	requester TEXT NOT NULL,
	status TEXT NOT NULL,
	cycle_count BIGINT NOT NULL,
	accrued_cost BIGINT NOT NULL,
	detail TEXT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservation_events_reservation
ON reservation_events (reservation_id, occurred_at);
`)
	if err != nil {
		return fmt.Errorf("initialize reservation_events schema: %w", err)
	}
	return nil
}
