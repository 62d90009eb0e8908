// Package automationtest provides a scripted automation.Driver for tests.
package automationtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

const (
	OpOpen   = "open"
	OpAdd    = "add"
	OpHold   = "hold"
	OpAwait  = "await"
	OpRenew  = "renew"
	OpClose  = "close"
	OpScreen = "screenshot"
)

// Driver is a concurrency-safe fake. Each operation pops the next scripted error for
// that op (nil means success); with nothing scripted it succeeds.
type Driver struct {
	// HoldFor is the hold length reported by StartHold and Renew.
	HoldFor time.Duration
	// OnCall runs after the op's scripted result is chosen and before it returns.
	OnCall func(op string, h automation.Handle)

	mu          sync.Mutex
	signalAfter time.Duration
	scripted    map[string][]error
	calls       map[string]int
	open        map[string]reservation.Descriptor
	nextID      int
	shutdown    int
}

func NewDriver() *Driver {
	return &Driver{
		HoldFor:  5 * time.Minute,
		scripted: make(map[string][]error),
		calls:    make(map[string]int),
		open:     make(map[string]reservation.Descriptor),
	}
}

// SetSignalAfter sets how long AwaitRenewalSignal waits before the renewal prompt
// appears. When it exceeds the timeout the wait reports no signal.
func (d *Driver) SetSignalAfter(wait time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signalAfter = wait
}

// Fail queues errors returned by successive calls of op.
func (d *Driver) Fail(op string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripted[op] = append(d.scripted[op], errs...)
}

func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

func (d *Driver) OpenHandles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.open)
}

func (d *Driver) ShutdownCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}

func (d *Driver) next(op string, h automation.Handle) error {
	d.mu.Lock()
	d.calls[op]++
	var err error
	if queue := d.scripted[op]; len(queue) > 0 {
		err = queue[0]
		d.scripted[op] = queue[1:]
	}
	hook := d.OnCall
	d.mu.Unlock()

	if hook != nil {
		hook(op, h)
	}
	return err
}

func (d *Driver) OpenSession(ctx context.Context, target reservation.Descriptor) (automation.Handle, error) {
	if err := ctx.Err(); err != nil {
		return automation.Handle{}, err
	}
	d.mu.Lock()
	d.nextID++
	h := automation.Handle{ID: fmt.Sprintf("fake-%d", d.nextID), TargetID: target.GroupID, OpenedAt: time.Now().UTC()}
	d.mu.Unlock()

	if err := d.next(OpOpen, h); err != nil {
		return automation.Handle{}, err
	}
	d.mu.Lock()
	d.open[h.ID] = target
	d.mu.Unlock()
	return h, nil
}

func (d *Driver) AddToTarget(ctx context.Context, h automation.Handle, _ int, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.next(OpAdd, h)
}

func (d *Driver) StartHold(ctx context.Context, h automation.Handle) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if err := d.next(OpHold, h); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(d.HoldFor), nil
}

func (d *Driver) AwaitRenewalSignal(ctx context.Context, h automation.Handle, timeout time.Duration) (bool, error) {
	if err := d.next(OpAwait, h); err != nil {
		return false, err
	}
	d.mu.Lock()
	wait, signaled := d.signalAfter, true
	d.mu.Unlock()
	if wait > timeout {
		wait, signaled = timeout, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
		return signaled, nil
	}
}

func (d *Driver) Renew(ctx context.Context, h automation.Handle) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if err := d.next(OpRenew, h); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC().Add(d.HoldFor), nil
}

func (d *Driver) Close(_ context.Context, h automation.Handle) error {
	err := d.next(OpClose, h)
	d.mu.Lock()
	delete(d.open, h.ID)
	d.mu.Unlock()
	return err
}

func (d *Driver) Shutdown(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdown++
	d.open = make(map[string]reservation.Descriptor)
	return nil
}

// CaptureScreenshot returns a one-pixel PNG.
func (d *Driver) CaptureScreenshot(_ context.Context, h automation.Handle) (string, error) {
	if err := d.next(OpScreen, h); err != nil {
		return "", err
	}
	return onePixelPNG, nil
}

const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
