package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/otp"
)

type Config struct {
	// Identity is the e-mail or phone number the provider sends codes for.
	Identity    string
	CodeTimeout time.Duration
}

// Authenticator logs a driver session in with a one-time code when the provider asks
// for one.
type Authenticator struct {
	page   automation.LoginPage
	codes  otp.Source
	cfg    Config
	logger *log.Logger
}

// New returns nil when the driver has no login page, in which case EnsureAuthenticated
// on the nil receiver is a no-op.
func New(driver automation.Driver, codes otp.Source, cfg Config, logger *log.Logger) *Authenticator {
	page, ok := driver.(automation.LoginPage)
	if !ok {
		return nil
	}
	if cfg.CodeTimeout <= 0 {
		cfg.CodeTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Authenticator{page: page, codes: codes, cfg: cfg, logger: logger}
}

func (a *Authenticator) EnsureAuthenticated(ctx context.Context, h automation.Handle) error {
	if a == nil {
		return nil
	}

	needed, err := a.page.NeedsLogin(ctx, h)
	if err != nil {
		return fmt.Errorf("check login state: %w", err)
	}
	if !needed {
		return nil
	}
	if strings.TrimSpace(a.cfg.Identity) == "" {
		return automation.Fatal("login", errors.New("provider requires login but no identity is configured"))
	}
	if a.codes == nil {
		return automation.Fatal("login", errors.New("provider requires login but no code source is configured"))
	}

	marker, err := a.codes.Marker(ctx)
	if err != nil {
		return fmt.Errorf("read code marker: %w", err)
	}
	if err := a.page.RequestCode(ctx, h, a.cfg.Identity); err != nil {
		return fmt.Errorf("request login code: %w", err)
	}
	a.logger.Printf("login code requested: session_id=%s", h.ID)

	code, err := a.codes.AwaitCode(ctx, marker, a.cfg.CodeTimeout)
	if err != nil {
		return fmt.Errorf("await login code: %w", err)
	}
	if err := a.page.SubmitCode(ctx, h, code); err != nil {
		return fmt.Errorf("submit login code: %w", err)
	}

	still, err := a.page.NeedsLogin(ctx, h)
	if err != nil {
		return fmt.Errorf("verify login: %w", err)
	}
	if still {
		return automation.AuthRequired("login", errors.New("provider rejected the one-time code"))
	}
	a.logger.Printf("session authenticated: session_id=%s", h.ID)
	return nil
}
