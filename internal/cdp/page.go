package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Page is one browser tab reached through a flattened session on a shared Client.
type Page struct {
	client    *Client
	targetID  string
	sessionID string
}

func (p *Page) TargetID() string {
	return p.targetID
}

func (p *Page) Close(ctx context.Context) error {
	return p.client.Call(ctx, "", "Target.closeTarget", map[string]any{"targetId": p.targetID}, nil)
}

func (p *Page) Call(ctx context.Context, method string, params any, out any) error {
	return p.client.Call(ctx, p.sessionID, method, params, out)
}

func (p *Page) Navigate(ctx context.Context, targetURL string) error {
	if err := p.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	var response struct {
		ErrorText string `json:"errorText"`
	}
	if err := p.Call(ctx, "Page.navigate", map[string]any{"url": targetURL}, &response); err != nil {
		return err
	}
	if response.ErrorText != "" {
		return fmt.Errorf("navigate %s: %s", targetURL, response.ErrorText)
	}
	return nil
}

func (p *Page) CaptureScreenshot(ctx context.Context) (string, error) {
	var response struct {
		Data string `json:"data"`
	}
	if err := p.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &response); err != nil {
		return "", err
	}
	return response.Data, nil
}

func (p *Page) EvaluateString(ctx context.Context, expression string) (string, error) {
	value, err := p.EvaluateAny(ctx, expression)
	if err != nil {
		return "", err
	}
	if value == nil {
		return "", nil
	}
	return fmt.Sprint(value), nil
}

func (p *Page) EvaluateAny(ctx context.Context, expression string) (any, error) {
	var response struct {
		Result struct {
			Value any `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails,omitempty"`
	}
	if err := p.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, &response); err != nil {
		return nil, err
	}
	if response.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluate: %s", response.ExceptionDetails.Text)
	}
	return response.Result.Value, nil
}

// Visible reports whether any element matching selector is rendered.
func (p *Page) Visible(ctx context.Context, selector string) (bool, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return false, nil
	}
	value, err := p.EvaluateAny(ctx, visibleExpression(selector))
	if err != nil {
		return false, err
	}
	found, _ := value.(bool)
	return found, nil
}

// WaitForSelector polls until selector is visible. It returns an error wrapping
// ErrWaitTimeout when timeout elapses first.
func (p *Page) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("selector is required")
	}
	if timeout <= 0 {
		timeout = defaultSelectorTimeout
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	expression := visibleExpression(selector)
	for {
		value, err := p.EvaluateAny(ctx, expression)
		if err != nil {
			return err
		}
		if found, ok := value.(bool); ok && found {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: selector %q", ErrWaitTimeout, selector)
		case <-time.After(pollInterval):
		}
	}
}

func (p *Page) ClickSelector(ctx context.Context, selector string) error {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("selector is required")
	}

	expression := fmt.Sprintf(`(() => {
	%s
	const el = Array.from(document.querySelectorAll(%q)).find(visible);
	if (!el) return "not_found";
	el.scrollIntoView({block:"center", inline:"center"});
	if (typeof el.focus === "function") el.focus();
	el.click();
	return "ok";
	})()`, visibleHelper, selector)

	result, err := p.EvaluateString(ctx, expression)
	if err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("click %s failed: %s", selector, result)
	}
	return nil
}

func (p *Page) TypeIntoSelector(ctx context.Context, selector, text string) error {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return errors.New("selector is required")
	}

	expression := fmt.Sprintf(`(() => {
	%s
	const el = Array.from(document.querySelectorAll(%q)).find(visible);
	if (!el) return "not_found";
	el.scrollIntoView({block:"center", inline:"center"});
	el.focus();
	if ("value" in el) {
		el.value = "";
		el.dispatchEvent(new Event("input", {bubbles: true}));
	}
	return "ok";
	})()`, visibleHelper, selector)

	result, err := p.EvaluateString(ctx, expression)
	if err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("type into %s failed: %s", selector, result)
	}
	if err := p.Call(ctx, "Input.insertText", map[string]any{"text": text}, nil); err != nil {
		return fmt.Errorf("type failed: insert text: %w", err)
	}
	return nil
}

// TextOf returns the trimmed text of the first visible element matching selector.
func (p *Page) TextOf(ctx context.Context, selector string) (string, error) {
	expression := fmt.Sprintf(`(() => {
	%s
	const el = Array.from(document.querySelectorAll(%q)).find(visible);
	if (!el) return "";
	return String(el.textContent || "").trim();
	})()`, visibleHelper, selector)
	return p.EvaluateString(ctx, expression)
}

const visibleHelper = `const visible = (node) => {
		const style = window.getComputedStyle(node);
		if (!style || style.display === "none" || style.visibility === "hidden") return false;
		const rect = node.getBoundingClientRect();
		return rect.width > 1 && rect.height > 1;
	};`

func visibleExpression(selector string) string {
	return fmt.Sprintf(`(() => {
	%s
	return Array.from(document.querySelectorAll(%q)).some(visible);
	})()`, visibleHelper, selector)
}
