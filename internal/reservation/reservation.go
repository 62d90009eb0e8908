package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusActive     Status = "active"
	StatusCommitting Status = "committing"
	StatusCommitted  Status = "committed"
	StatusReleased   Status = "released"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCommitted, StatusReleased, StatusFailed:
		return true
	default:
		return false
	}
}

// NonTerminal lists the statuses a reservation can still leave.
var NonTerminal = []Status{StatusPending, StatusActive, StatusCommitting}

var transitions = map[Status][]Status{
	StatusPending:    {StatusActive, StatusReleased, StatusFailed},
	StatusActive:     {StatusActive, StatusCommitting, StatusReleased, StatusFailed},
	StatusCommitting: {StatusCommitted, StatusActive, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the reservation state machine.
// Staying in the same non-terminal status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseStatus(value string) (Status, error) {
	status := Status(strings.TrimSpace(strings.ToLower(value)))
	switch status {
	case StatusPending, StatusActive, StatusCommitting, StatusCommitted, StatusReleased, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid reservation status %q", value)
	}
}

type Command string

const (
	CommandNone    Command = ""
	CommandCommit  Command = "commit"
	CommandRelease Command = "release"
)

func ParseCommand(value string) (Command, error) {
	command := Command(strings.TrimSpace(strings.ToLower(value)))
	switch command {
	case CommandCommit, CommandRelease:
		return command, nil
	default:
		return CommandNone, fmt.Errorf("invalid command %q", value)
	}
}

const (
	MinQuantity       = 1
	MaxQuantity       = 20
	maxGroupIDLen     = 256
	maxSubcategoryLen = 64
	maxRequesterLen   = 128
)

// Descriptor identifies the external resource a reservation holds.
type Descriptor struct {
	GroupID     string `json:"group_id" yaml:"group_id"`
	Subcategory string `json:"subcategory" yaml:"subcategory"`
	Quantity    int    `json:"quantity" yaml:"quantity"`
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.GroupID) == "" {
		return errors.New("group_id is required")
	}
	if len(d.GroupID) > maxGroupIDLen {
		return fmt.Errorf("group_id exceeds %d characters", maxGroupIDLen)
	}
	if len(d.Subcategory) > maxSubcategoryLen {
		return fmt.Errorf("subcategory exceeds %d characters", maxSubcategoryLen)
	}
	if d.Quantity < MinQuantity || d.Quantity > MaxQuantity {
		return fmt.Errorf("%w: quantity must be between %d and %d", ErrInvalidQuantity, MinQuantity, MaxQuantity)
	}
	return nil
}

type Reservation struct {
	ID                string     `json:"id"`
	Target            Descriptor `json:"target"`
	Requester         string     `json:"requester"`
	Status            Status     `json:"status"`
	PendingCommand    Command    `json:"pending_command,omitempty"`
	CycleCount        int64      `json:"cycle_count"`
	RatePerCycle      int64      `json:"rate_per_cycle"`
	AccruedCost       int64      `json:"accrued_cost"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	Reason            string     `json:"reason,omitempty"`
	HoldDeadline      time.Time  `json:"hold_deadline,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastRenewedAt     time.Time  `json:"last_renewed_at,omitempty"`
	CompletedAt       time.Time  `json:"completed_at,omitempty"`
}

// RecordCycle applies one successful acquire-or-renew at the given instant.
func (r *Reservation) RecordCycle(at time.Time) {
	r.Status = StatusActive
	r.CycleCount++
	r.AccruedCost = r.CycleCount * r.RatePerCycle
	r.ConsecutiveErrors = 0
	r.LastRenewedAt = at
}

// Expired reports whether the optional lifetime of r has elapsed at now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// NormalizeRequester is the form requesters are stored and looked up in. Handles
// differ across channels only in surrounding space and letter case.
func NormalizeRequester(requester string) string {
	return strings.ToLower(strings.TrimSpace(requester))
}

type CreateInput struct {
	Target       Descriptor
	Requester    string
	RatePerCycle int64
	ExpiresAt    time.Time
}

func (in CreateInput) validate(now time.Time) error {
	if err := in.Target.Validate(); err != nil {
		return err
	}
	requester := NormalizeRequester(in.Requester)
	if requester == "" {
		return errors.New("requester is required")
	}
	if len(requester) > maxRequesterLen {
		return fmt.Errorf("requester exceeds %d characters", maxRequesterLen)
	}
	if in.RatePerCycle < 0 {
		return errors.New("rate_per_cycle must not be negative")
	}
	if !in.ExpiresAt.IsZero() && !in.ExpiresAt.After(now) {
		return errors.New("expires_at must be in the future")
	}
	return nil
}

func newID() string {
	return "rsv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
