package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/holdkeeper/internal/artifact"
	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/automation/automationtest"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

var target = reservation.Descriptor{GroupID: "evt-1", Subcategory: "GA", Quantity: 2}

func newTestManager(t *testing.T, driver automation.Driver, builds *atomic.Int32, artifacts artifact.Store) *Manager {
	t.Helper()
	factory := func(context.Context) (automation.Driver, error) {
		if builds != nil {
			builds.Add(1)
		}
		return driver, nil
	}
	return NewManager(factory, nil, artifacts, Config{
		RenewalTimeout:    200 * time.Millisecond,
		DriverCallTimeout: 100 * time.Millisecond,
		OpenRate:          1000,
		OpenBurst:         100,
	}, log.New(io.Discard, "", 0))
}

func TestConcurrentOpensShareOneDriver(t *testing.T) {
	t.Parallel()

	var builds atomic.Int32
	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, &builds, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.Open(context.Background(), "rsv_x", target)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), builds.Load())
	assert.Equal(t, 10, manager.OpenSessions())
	assert.Equal(t, 10, driver.OpenHandles())
}

func TestAcquireThenRenew(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	driver.SetSignalAfter(5 * time.Millisecond)
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	assert.False(t, s.Holding())

	require.NoError(t, manager.AcquireOrRenew(ctx, s))
	assert.True(t, s.Holding())
	assert.Equal(t, 1, driver.Calls(automationtest.OpAdd))
	assert.Equal(t, 1, driver.Calls(automationtest.OpHold))
	first := s.HoldDeadline
	assert.False(t, first.IsZero())

	require.NoError(t, manager.AcquireOrRenew(ctx, s))
	assert.Equal(t, 1, driver.Calls(automationtest.OpAdd))
	assert.Equal(t, 1, driver.Calls(automationtest.OpAwait))
	assert.Equal(t, 1, driver.Calls(automationtest.OpRenew))
	assert.False(t, s.HoldDeadline.Before(first))
}

func TestMissedRenewalWindowIsTransient(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	driver.SetSignalAfter(time.Hour)
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	require.NoError(t, manager.AcquireOrRenew(ctx, s))

	started := time.Now()
	err = manager.AcquireOrRenew(ctx, s)
	assert.ErrorIs(t, err, ErrRenewalWindowMissed)
	assert.Equal(t, automation.KindTransient, automation.Classify(err))
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 0, driver.Calls(automationtest.OpRenew))
}

func TestRecoverReopensAndReacquires(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	require.NoError(t, manager.AcquireOrRenew(ctx, s))

	fresh, err := manager.Recover(ctx, s, "rsv_1", target)
	require.NoError(t, err)
	assert.NotEqual(t, s.Handle.ID, fresh.Handle.ID)
	assert.True(t, fresh.Holding())
	assert.False(t, s.Holding())
	assert.Equal(t, 1, manager.OpenSessions())
	assert.Equal(t, 2, driver.Calls(automationtest.OpHold))
}

func TestRecoverFailureClosesFreshSession(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	driver.Fail(automationtest.OpAdd, automation.Fatal("add_to_target", errors.New("sold out")))

	_, err = manager.Recover(ctx, s, "rsv_1", target)
	assert.ErrorIs(t, err, automation.ErrFatal)
	assert.Equal(t, 0, manager.OpenSessions())
	assert.Equal(t, 0, driver.OpenHandles())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	driver.Fail(automationtest.OpClose, errors.New("tab already gone"))

	manager.Close(ctx, s)
	manager.Close(ctx, s)
	manager.Close(ctx, nil)
	assert.Equal(t, 1, driver.Calls(automationtest.OpClose))
	assert.Equal(t, 0, manager.OpenSessions())
}

func TestShutdownClosesSessionsAndRefusesNewOnes(t *testing.T) {
	t.Parallel()

	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := manager.Open(ctx, "rsv_1", target)
		require.NoError(t, err)
	}
	require.NoError(t, manager.Shutdown(ctx))
	assert.Equal(t, 3, driver.Calls(automationtest.OpClose))
	assert.Equal(t, 1, driver.ShutdownCalls())

	_, err := manager.Open(ctx, "rsv_2", target)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, manager.Shutdown(ctx))
	assert.Equal(t, 1, driver.ShutdownCalls())
}

type unhealthyDriver struct {
	*automationtest.Driver
	healthy atomic.Bool
}

func (d *unhealthyDriver) Healthy() bool { return d.healthy.Load() }

func TestUnhealthyDriverIsRebuilt(t *testing.T) {
	t.Parallel()

	first := &unhealthyDriver{Driver: automationtest.NewDriver()}
	first.healthy.Store(true)
	second := automationtest.NewDriver()

	var builds atomic.Int32
	factory := func(context.Context) (automation.Driver, error) {
		if builds.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}
	manager := NewManager(factory, nil, nil, Config{OpenRate: 1000, OpenBurst: 10}, log.New(io.Discard, "", 0))
	ctx := context.Background()

	_, err := manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	first.healthy.Store(false)

	_, err = manager.Open(ctx, "rsv_1", target)
	require.NoError(t, err)
	assert.Equal(t, int32(2), builds.Load())
	assert.Equal(t, 1, first.ShutdownCalls())
	assert.Equal(t, 1, second.Calls(automationtest.OpOpen))
}

func TestCaptureFailureSavesScreenshot(t *testing.T) {
	t.Parallel()

	store, err := artifact.NewLocalStore(t.TempDir(), "/artifacts")
	require.NoError(t, err)
	driver := automationtest.NewDriver()
	manager := newTestManager(t, driver, nil, store)
	ctx := context.Background()

	s, err := manager.Open(ctx, "rsv_shot", target)
	require.NoError(t, err)
	url := manager.CaptureFailure(ctx, s)
	assert.Contains(t, url, "/artifacts/screenshots/rsv_shot-")

	driver.Fail(automationtest.OpScreen, errors.New("target crashed"))
	assert.Empty(t, manager.CaptureFailure(ctx, s))
}
