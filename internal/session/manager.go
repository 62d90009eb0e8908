// Package session owns the shared automation driver and the provider session of every
// running reservation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/VenkatGGG/holdkeeper/internal/artifact"
	"github.com/VenkatGGG/holdkeeper/internal/auth"
	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/otp"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

var (
	ErrClosed = errors.New("session manager is shut down")
	// ErrRenewalWindowMissed means the renewal prompt never appeared within the renewal
	// timeout. It is reported as a transient automation error.
	ErrRenewalWindowMissed = errors.New("renewal signal not observed before timeout")
)

// DriverFactory builds the shared driver on first use.
type DriverFactory func(ctx context.Context) (automation.Driver, error)

type Config struct {
	// RenewalTimeout bounds the wait for the renewal prompt and must exceed the
	// provider's renewal window.
	RenewalTimeout    time.Duration
	DriverCallTimeout time.Duration
	// OpenRate and OpenBurst throttle new provider sessions across all reservations.
	OpenRate  float64
	OpenBurst int
	Auth      auth.Config
}

// Session is the provider session serving one reservation. It is owned by that
// reservation's cycling task and must not be shared.
type Session struct {
	ReservationID string
	Target        reservation.Descriptor
	Handle        automation.Handle
	OpenedAt      time.Time
	HoldDeadline  time.Time
	holding       bool
}

// Holding reports whether the session currently holds the target.
func (s *Session) Holding() bool {
	return s != nil && s.holding
}

type Manager struct {
	factory   DriverFactory
	codes     otp.Source
	artifacts artifact.Store
	cfg       Config
	logger    *log.Logger
	limiter   *rate.Limiter
	now       func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	driver   automation.Driver
	authn    *auth.Authenticator
	sessions map[string]*Session
	closed   bool
}

func NewManager(factory DriverFactory, codes otp.Source, artifacts artifact.Store, cfg Config, logger *log.Logger) *Manager {
	if cfg.RenewalTimeout <= 0 {
		cfg.RenewalTimeout = 5*time.Minute + 15*time.Second
	}
	if cfg.DriverCallTimeout <= 0 {
		cfg.DriverCallTimeout = 45 * time.Second
	}
	if cfg.DriverCallTimeout > cfg.RenewalTimeout {
		cfg.DriverCallTimeout = cfg.RenewalTimeout
	}
	if cfg.OpenRate <= 0 {
		cfg.OpenRate = 1
	}
	if cfg.OpenBurst <= 0 {
		cfg.OpenBurst = 2
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Manager{
		factory:   factory,
		codes:     codes,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		limiter:   rate.NewLimiter(rate.Limit(cfg.OpenRate), cfg.OpenBurst),
		now:       func() time.Time { return time.Now().UTC() },
		sessions:  make(map[string]*Session),
	}
}

// Open starts a provider session for a reservation and logs it in when the provider
// asks for it.
func (m *Manager) Open(ctx context.Context, reservationID string, target reservation.Descriptor) (*Session, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	driver, authn, err := m.driverFor(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DriverCallTimeout)
	handle, err := driver.OpenSession(callCtx, target)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("open provider session: %w", err)
	}

	if err := authn.EnsureAuthenticated(ctx, handle); err != nil {
		m.closeHandle(driver, handle)
		return nil, fmt.Errorf("authenticate provider session: %w", err)
	}

	session := &Session{
		ReservationID: reservationID,
		Target:        target,
		Handle:        handle,
		OpenedAt:      m.now(),
	}
	m.mu.Lock()
	m.sessions[handle.ID] = session
	m.mu.Unlock()

	m.logger.Printf("session opened: reservation_id=%s session_id=%s group=%s", reservationID, handle.ID, target.GroupID)
	return session, nil
}

// AcquireOrRenew puts the target on hold when the session holds nothing yet, otherwise
// waits for the provider's renewal prompt and accepts it.
func (m *Manager) AcquireOrRenew(ctx context.Context, s *Session) error {
	if s == nil {
		return automation.AuthRequired("acquire", errors.New("no session"))
	}
	driver, err := m.currentDriver()
	if err != nil {
		return err
	}

	if !s.holding {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.DriverCallTimeout)
		defer cancel()
		if err := driver.AddToTarget(callCtx, s.Handle, s.Target.Quantity, s.Target.Subcategory); err != nil {
			return err
		}
		deadline, err := driver.StartHold(callCtx, s.Handle)
		if err != nil {
			return err
		}
		s.holding = true
		s.HoldDeadline = deadline
		return nil
	}

	signaled, err := driver.AwaitRenewalSignal(ctx, s.Handle, m.cfg.RenewalTimeout)
	if err != nil {
		return err
	}
	if !signaled {
		return automation.Transient("await_renewal", ErrRenewalWindowMissed)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.DriverCallTimeout)
	defer cancel()
	deadline, err := driver.Renew(callCtx, s.Handle)
	if err != nil {
		return err
	}
	s.HoldDeadline = deadline
	return nil
}

// Recover replaces a broken session with a fresh one that already holds the target.
func (m *Manager) Recover(ctx context.Context, s *Session, reservationID string, target reservation.Descriptor) (*Session, error) {
	m.Close(ctx, s)

	fresh, err := m.Open(ctx, reservationID, target)
	if err != nil {
		return nil, err
	}
	if err := m.AcquireOrRenew(ctx, fresh); err != nil {
		m.Close(ctx, fresh)
		return nil, err
	}
	return fresh, nil
}

// Close ends the provider session. It is safe to call more than once and never fails.
func (m *Manager) Close(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	m.mu.Lock()
	_, tracked := m.sessions[s.Handle.ID]
	delete(m.sessions, s.Handle.ID)
	driver := m.driver
	m.mu.Unlock()

	s.holding = false
	if !tracked || driver == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DriverCallTimeout)
	defer cancel()
	if err := driver.Close(callCtx, s.Handle); err != nil {
		m.logger.Printf("session close failed: reservation_id=%s session_id=%s err=%v", s.ReservationID, s.Handle.ID, err)
	}
}

// CaptureFailure stores a screenshot of s and returns its URL, or "" when the driver
// cannot take one.
func (m *Manager) CaptureFailure(ctx context.Context, s *Session) string {
	if s == nil || m.artifacts == nil {
		return ""
	}
	driver, err := m.currentDriver()
	if err != nil {
		return ""
	}
	shooter, ok := driver.(automation.Screenshotter)
	if !ok {
		return ""
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DriverCallTimeout)
	defer cancel()
	payload, err := shooter.CaptureScreenshot(callCtx, s.Handle)
	if err != nil {
		m.logger.Printf("failure screenshot failed: reservation_id=%s err=%v", s.ReservationID, err)
		return ""
	}
	url, err := m.artifacts.SaveScreenshotBase64(callCtx, s.ReservationID, payload)
	if err != nil {
		m.logger.Printf("failure screenshot save failed: reservation_id=%s err=%v", s.ReservationID, err)
		return ""
	}
	return url
}

// OpenSessions returns how many provider sessions are currently open.
func (m *Manager) OpenSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and tears the shared driver down. The manager refuses
// new sessions afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	driver := m.driver
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		m.Close(ctx, s)
	}

	m.mu.Lock()
	m.driver = nil
	m.authn = nil
	m.mu.Unlock()

	if driver == nil {
		return nil
	}
	if err := driver.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown driver: %w", err)
	}
	m.logger.Printf("driver shut down: closed_sessions=%d", len(sessions))
	return nil
}

func (m *Manager) driverFor(ctx context.Context) (automation.Driver, *auth.Authenticator, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if m.driver != nil {
		driver, authn := m.driver, m.authn
		m.mu.Unlock()
		if reporter, ok := driver.(automation.HealthReporter); !ok || reporter.Healthy() {
			return driver, authn, nil
		}
		m.logger.Printf("driver unhealthy, rebuilding")
		m.resetDriver(ctx, driver)
	} else {
		m.mu.Unlock()
	}

	_, err, _ := m.group.Do("driver", func() (any, error) {
		m.mu.Lock()
		ready := m.driver != nil
		m.mu.Unlock()
		if ready {
			return nil, nil
		}

		driver, err := m.factory(ctx)
		if err != nil {
			return nil, fmt.Errorf("create driver: %w", err)
		}
		authn := auth.New(driver, m.codes, m.cfg.Auth, m.logger)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			_ = driver.Shutdown(context.WithoutCancel(ctx))
			return nil, ErrClosed
		}
		m.driver = driver
		m.authn = authn
		m.logger.Printf("driver started")
		return nil, nil
	})
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		return nil, nil, ErrClosed
	}
	return m.driver, m.authn, nil
}

func (m *Manager) currentDriver() (automation.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.driver == nil {
		return nil, automation.AuthRequired("driver", errors.New("driver not running"))
	}
	return m.driver, nil
}

// resetDriver drops the shared driver if it is still stale so the next open builds a
// new one. Sessions on the old driver are forgotten; their owners recover onto the new
// driver.
func (m *Manager) resetDriver(ctx context.Context, stale automation.Driver) {
	m.mu.Lock()
	if m.driver != stale {
		m.mu.Unlock()
		return
	}
	m.driver = nil
	m.authn = nil
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	if err := stale.Shutdown(context.WithoutCancel(ctx)); err != nil {
		m.logger.Printf("stale driver shutdown failed: err=%v", err)
	}
}

func (m *Manager) closeHandle(driver automation.Driver, handle automation.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DriverCallTimeout)
	defer cancel()
	if err := driver.Close(ctx, handle); err != nil {
		m.logger.Printf("session close failed: session_id=%s err=%v", handle.ID, err)
	}
}
