package automation

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTransient marks a failure worth retrying in place (network hiccup, slow render).
	ErrTransient = errors.New("transient automation error")
	// ErrFatal marks a failure no retry can fix, such as a target that no longer exists.
	ErrFatal = errors.New("fatal automation error")
	// ErrAuthRequired means the provider session expired or never logged in.
	ErrAuthRequired = errors.New("authentication required")
	// ErrNavigation means the target page could not be reached or rendered.
	ErrNavigation = errors.New("navigation failed")
)

// Error carries the driver operation that failed, its kind and the cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.Error()
	}
	return e.Op + ": " + e.Kind.Error() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Transient(op string, err error) error {
	return &Error{Op: op, Kind: ErrTransient, Err: err}
}

func Fatal(op string, err error) error {
	return &Error{Op: op, Kind: ErrFatal, Err: err}
}

func AuthRequired(op string, err error) error {
	return &Error{Op: op, Kind: ErrAuthRequired, Err: err}
}

func Navigation(op string, err error) error {
	return &Error{Op: op, Kind: ErrNavigation, Err: err}
}

type Kind int

const (
	KindNone Kind = iota
	KindTransient
	KindAuthRequired
	KindFatal
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindAuthRequired:
		return "auth_required"
	case KindFatal:
		return "fatal"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps any error returned by a driver call onto the retry policy.
// Unrecognised errors are treated as transient so they are retried and, if they
// persist, escalate through session recovery.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, ErrFatal):
		return KindFatal
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrTransient), errors.Is(err, ErrNavigation), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, signal := range []string{"sold out", "event not found", "no longer available", "status 404"} {
		if strings.Contains(msg, signal) {
			return KindFatal
		}
	}
	return KindTransient
}
