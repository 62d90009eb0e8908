package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const defaultTTL = 90 * time.Second

var (
	// ErrLost means another owner holds the lease or it expired before renewal.
	ErrLost = errors.New("lease lost")
	// ErrHeld means the resource is already leased to another owner.
	ErrHeld = errors.New("lease held by another owner")
)

type Lease struct {
	Token     uint64
	ExpiresAt time.Time
}

// Manager grants exclusive, expiring, fenced ownership of named resources.
type Manager interface {
	Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, resource, owner string, token uint64, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, resource, owner string, token uint64) error
}

// ReservationResource names the lease guarding the cycling task of a reservation.
func ReservationResource(reservationID string) string {
	return "reservation:" + strings.TrimSpace(reservationID)
}

// Guard tracks one held lease so its owner does not have to carry the token around.
type Guard struct {
	manager  Manager
	resource string
	owner    string
	ttl      time.Duration
	lease    Lease
}

// Hold acquires resource for owner or fails with ErrHeld.
func Hold(ctx context.Context, manager Manager, resource, owner string, ttl time.Duration) (*Guard, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	lease, ok, err := manager.Acquire(ctx, resource, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHeld, resource)
	}
	return &Guard{manager: manager, resource: resource, owner: owner, ttl: ttl, lease: lease}, nil
}

// Renew extends the lease or returns ErrLost.
func (g *Guard) Renew(ctx context.Context) error {
	lease, ok, err := g.manager.Renew(ctx, g.resource, g.owner, g.lease.Token, g.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLost, g.resource)
	}
	g.lease = lease
	return nil
}

func (g *Guard) Release(ctx context.Context) error {
	return g.manager.Release(ctx, g.resource, g.owner, g.lease.Token)
}

func (g *Guard) Token() uint64 {
	return g.lease.Token
}

func (g *Guard) ExpiresAt() time.Time {
	return g.lease.ExpiresAt
}

func normalize(resource, owner string, token uint64, needToken bool) (string, string, error) {
	resource = strings.TrimSpace(resource)
	owner = strings.TrimSpace(owner)
	switch {
	case resource == "":
		return "", "", errors.New("resource is required")
	case owner == "":
		return "", "", errors.New("owner is required")
	case needToken && token == 0:
		return "", "", errors.New("token is required")
	}
	return resource, owner, nil
}
