package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

var ErrUnknownHandle = errors.New("unknown session handle")

// Selectors are the CSS selectors of the provider checkout page the driver operates.
type Selectors struct {
	LoginForm     string `yaml:"login_form" json:"login_form"`
	IdentityInput string `yaml:"identity_input" json:"identity_input"`
	CodeInput     string `yaml:"code_input" json:"code_input"`
	LoginSubmit   string `yaml:"login_submit" json:"login_submit"`
	TicketRow     string `yaml:"ticket_row" json:"ticket_row"`
	QuantityInput string `yaml:"quantity_input" json:"quantity_input"`
	AddButton     string `yaml:"add_button" json:"add_button"`
	CheckoutStart string `yaml:"checkout_start" json:"checkout_start"`
	HoldTimer     string `yaml:"hold_timer" json:"hold_timer"`
	ExtendButton  string `yaml:"extend_button" json:"extend_button"`
	Unavailable   string `yaml:"unavailable" json:"unavailable"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		LoginForm:     "form[data-testid='login-form']",
		IdentityInput: "input[name='email']",
		CodeInput:     "input[name='code']",
		LoginSubmit:   "form[data-testid='login-form'] button[type='submit']",
		TicketRow:     "[data-testid='ticket-type']",
		QuantityInput: "select, input[type='number']",
		AddButton:     "button[data-testid='add-to-cart']",
		CheckoutStart: "button[data-testid='checkout']",
		HoldTimer:     "[data-testid='cart-timer']",
		ExtendButton:  "button[data-testid='extend-time']",
		Unavailable:   "[data-testid='sold-out'], [data-testid='event-not-found']",
	}
}

type DriverConfig struct {
	BaseURL string
	// EventURLTemplate is the provider page for a group; "{group}" is replaced with the
	// escaped group id.
	EventURLTemplate string
	Selectors        Selectors
	RenderTimeout    time.Duration
	LoginSettle      time.Duration
}

// Driver operates the provider checkout through one shared DevTools connection, one
// tab per session.
type Driver struct {
	client *Client
	cfg    DriverConfig
	now    func() time.Time

	mu    sync.Mutex
	pages map[string]*Page
}

func NewDriver(ctx context.Context, cfg DriverConfig) (*Driver, error) {
	if strings.TrimSpace(cfg.EventURLTemplate) == "" {
		return nil, errors.New("event url template is required")
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = defaultSelectorTimeout
	}
	if cfg.LoginSettle <= 0 {
		cfg.LoginSettle = 2 * time.Second
	}
	cfg.Selectors = withDefaults(cfg.Selectors)

	client, err := Dial(ctx, cfg.BaseURL)
	if err != nil {
		return nil, automation.Transient("dial", err)
	}
	return &Driver{
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		pages:  make(map[string]*Page),
	}, nil
}

func (d *Driver) OpenSession(ctx context.Context, target reservation.Descriptor) (automation.Handle, error) {
	targetURL := strings.ReplaceAll(d.cfg.EventURLTemplate, "{group}", url.PathEscape(target.GroupID))
	page, err := d.client.NewPage(ctx, targetURL)
	if err != nil {
		return automation.Handle{}, automation.Navigation("open_session", err)
	}

	if err := page.WaitForSelector(ctx, "body", d.cfg.RenderTimeout); err != nil {
		_ = page.Close(context.Background())
		return automation.Handle{}, automation.Navigation("open_session", err)
	}
	unavailable, err := page.Visible(ctx, d.cfg.Selectors.Unavailable)
	if err == nil && unavailable {
		_ = page.Close(context.Background())
		return automation.Handle{}, automation.Fatal("open_session", fmt.Errorf("event %s is no longer available", target.GroupID))
	}
	if err := checkBlocked(ctx, page, "open_session"); err != nil {
		_ = page.Close(context.Background())
		return automation.Handle{}, err
	}

	handle := automation.Handle{
		ID:       "cdp_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		TargetID: page.TargetID(),
		OpenedAt: d.now(),
	}
	d.mu.Lock()
	d.pages[handle.ID] = page
	d.mu.Unlock()
	return handle, nil
}

func (d *Driver) AddToTarget(ctx context.Context, h automation.Handle, quantity int, subcategory string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	sel := d.cfg.Selectors

	if err := page.WaitForSelector(ctx, sel.TicketRow, d.cfg.RenderTimeout); err != nil {
		return automation.Navigation("add_to_target", err)
	}

	expression := fmt.Sprintf(`(() => {
	const wanted = %q.toLowerCase();
	const rows = Array.from(document.querySelectorAll(%q));
	const row = wanted === "" ? rows[0] : rows.find((node) => String(node.textContent || "").toLowerCase().includes(wanted));
	if (!row) return "row_not_found";
	const qty = row.querySelector(%q);
	if (qty) {
		qty.value = String(%d);
		qty.dispatchEvent(new Event("input", {bubbles: true}));
		qty.dispatchEvent(new Event("change", {bubbles: true}));
	}
	const add = row.querySelector(%q) || document.querySelector(%q);
	if (!add) return "add_not_found";
	if (add.disabled) return "add_disabled";
	add.click();
	return "ok";
	})()`, subcategory, sel.TicketRow, sel.QuantityInput, quantity, sel.AddButton, sel.AddButton)

	result, err := page.EvaluateString(ctx, expression)
	if err != nil {
		return automation.Transient("add_to_target", err)
	}
	switch result {
	case "ok":
		return nil
	case "row_not_found":
		if err := checkBlocked(ctx, page, "add_to_target"); err != nil {
			return err
		}
		return automation.Fatal("add_to_target", fmt.Errorf("ticket type %q not found", subcategory))
	case "add_disabled":
		return automation.Fatal("add_to_target", fmt.Errorf("ticket type %q is sold out", subcategory))
	default:
		return automation.Transient("add_to_target", errors.New(result))
	}
}

func (d *Driver) StartHold(ctx context.Context, h automation.Handle) (time.Time, error) {
	page, err := d.page(h)
	if err != nil {
		return time.Time{}, err
	}
	if strings.TrimSpace(d.cfg.Selectors.CheckoutStart) != "" {
		visible, err := page.Visible(ctx, d.cfg.Selectors.CheckoutStart)
		if err != nil {
			return time.Time{}, automation.Transient("start_hold", err)
		}
		if visible {
			if err := page.ClickSelector(ctx, d.cfg.Selectors.CheckoutStart); err != nil {
				return time.Time{}, automation.Transient("start_hold", err)
			}
		}
	}
	return d.readDeadline(ctx, page, "start_hold")
}

func (d *Driver) AwaitRenewalSignal(ctx context.Context, h automation.Handle, timeout time.Duration) (bool, error) {
	page, err := d.page(h)
	if err != nil {
		return false, err
	}
	err = page.WaitForSelector(ctx, d.cfg.Selectors.ExtendButton, timeout)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrWaitTimeout):
		return false, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, automation.Transient("await_renewal", err)
	}
}

func (d *Driver) Renew(ctx context.Context, h automation.Handle) (time.Time, error) {
	page, err := d.page(h)
	if err != nil {
		return time.Time{}, err
	}
	if err := page.ClickSelector(ctx, d.cfg.Selectors.ExtendButton); err != nil {
		return time.Time{}, automation.Transient("renew", err)
	}
	return d.readDeadline(ctx, page, "renew")
}

func (d *Driver) Close(ctx context.Context, h automation.Handle) error {
	d.mu.Lock()
	page, ok := d.pages[h.ID]
	delete(d.pages, h.ID)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return page.Close(ctx)
}

func (d *Driver) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	pages := make([]*Page, 0, len(d.pages))
	for id, page := range d.pages {
		pages = append(pages, page)
		delete(d.pages, id)
	}
	d.mu.Unlock()

	for _, page := range pages {
		_ = page.Close(ctx)
	}
	return d.client.Close()
}

func (d *Driver) Healthy() bool {
	return !d.client.Broken()
}

func (d *Driver) NeedsLogin(ctx context.Context, h automation.Handle) (bool, error) {
	page, err := d.page(h)
	if err != nil {
		return false, err
	}
	visible, err := page.Visible(ctx, d.cfg.Selectors.LoginForm)
	if err != nil {
		return false, automation.Transient("needs_login", err)
	}
	return visible, nil
}

func (d *Driver) RequestCode(ctx context.Context, h automation.Handle, identity string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	if err := page.TypeIntoSelector(ctx, d.cfg.Selectors.IdentityInput, identity); err != nil {
		return automation.AuthRequired("request_code", err)
	}
	if err := page.ClickSelector(ctx, d.cfg.Selectors.LoginSubmit); err != nil {
		return automation.AuthRequired("request_code", err)
	}
	if err := page.WaitForSelector(ctx, d.cfg.Selectors.CodeInput, d.cfg.RenderTimeout); err != nil {
		return automation.AuthRequired("request_code", err)
	}
	return nil
}

func (d *Driver) SubmitCode(ctx context.Context, h automation.Handle, code string) error {
	page, err := d.page(h)
	if err != nil {
		return err
	}
	if err := page.TypeIntoSelector(ctx, d.cfg.Selectors.CodeInput, code); err != nil {
		return automation.AuthRequired("submit_code", err)
	}
	if err := page.ClickSelector(ctx, d.cfg.Selectors.LoginSubmit); err != nil {
		return automation.AuthRequired("submit_code", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.cfg.LoginSettle):
	}
	return nil
}

func (d *Driver) CaptureScreenshot(ctx context.Context, h automation.Handle) (string, error) {
	page, err := d.page(h)
	if err != nil {
		return "", err
	}
	return page.CaptureScreenshot(ctx)
}

func (d *Driver) readDeadline(ctx context.Context, page *Page, op string) (time.Time, error) {
	if err := page.WaitForSelector(ctx, d.cfg.Selectors.HoldTimer, d.cfg.RenderTimeout); err != nil {
		return time.Time{}, automation.Transient(op, err)
	}
	text, err := page.TextOf(ctx, d.cfg.Selectors.HoldTimer)
	if err != nil {
		return time.Time{}, automation.Transient(op, err)
	}
	remaining, err := ParseCountdown(text)
	if err != nil {
		return time.Time{}, automation.Transient(op, err)
	}
	return d.now().Add(remaining), nil
}

func (d *Driver) page(h automation.Handle) (*Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	page, ok := d.pages[h.ID]
	if !ok {
		return nil, automation.AuthRequired("lookup", fmt.Errorf("%w: %s", ErrUnknownHandle, h.ID))
	}
	return page, nil
}

func withDefaults(sel Selectors) Selectors {
	def := DefaultSelectors()
	fill := func(value *string, fallback string) {
		if strings.TrimSpace(*value) == "" {
			*value = fallback
		}
	}
	fill(&sel.LoginForm, def.LoginForm)
	fill(&sel.IdentityInput, def.IdentityInput)
	fill(&sel.CodeInput, def.CodeInput)
	fill(&sel.LoginSubmit, def.LoginSubmit)
	fill(&sel.TicketRow, def.TicketRow)
	fill(&sel.QuantityInput, def.QuantityInput)
	fill(&sel.AddButton, def.AddButton)
	fill(&sel.HoldTimer, def.HoldTimer)
	fill(&sel.ExtendButton, def.ExtendButton)
	fill(&sel.Unavailable, def.Unavailable)
	return sel
}
