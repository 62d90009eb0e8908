// Package automation defines the contract between the hold engine and whatever drives
// the provider's web UI.
package automation

import (
	"context"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

// Handle identifies one driver session. Drivers hand these out from OpenSession and
// accept them back on every other call.
type Handle struct {
	ID       string
	TargetID string
	OpenedAt time.Time
}

// Driver is the opaque capability that operates the provider's checkout flow.
// Implementations must allow concurrent calls on different handles.
type Driver interface {
	OpenSession(ctx context.Context, target reservation.Descriptor) (Handle, error)
	AddToTarget(ctx context.Context, h Handle, quantity int, subcategory string) error
	// StartHold begins the provider hold and returns when it lapses.
	StartHold(ctx context.Context, h Handle) (time.Time, error)
	// AwaitRenewalSignal blocks until the provider offers to extend the hold or the
	// timeout elapses. A timeout is reported as (false, nil).
	AwaitRenewalSignal(ctx context.Context, h Handle, timeout time.Duration) (bool, error)
	// Renew accepts the extension and returns the new lapse time.
	Renew(ctx context.Context, h Handle) (time.Time, error)
	Close(ctx context.Context, h Handle) error
	// Shutdown releases the shared driver instance.
	Shutdown(ctx context.Context) error
}

// LoginPage is implemented by drivers that can walk the provider's one-time-code login.
type LoginPage interface {
	NeedsLogin(ctx context.Context, h Handle) (bool, error)
	RequestCode(ctx context.Context, h Handle, identity string) error
	SubmitCode(ctx context.Context, h Handle, code string) error
}

// Screenshotter is implemented by drivers that can capture the current page as a
// base64 PNG.
type Screenshotter interface {
	CaptureScreenshot(ctx context.Context, h Handle) (string, error)
}

// HealthReporter is implemented by drivers whose shared connection can break. An
// unhealthy driver is replaced before the next session opens.
type HealthReporter interface {
	Healthy() bool
}
