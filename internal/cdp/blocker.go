package cdp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/VenkatGGG/holdkeeper/internal/automation"
)

// ErrBlocked means the provider put a human check or bot wall in front of the page.
// Retrying from the same browser will not get past it.
var ErrBlocked = errors.New("provider blocked automated access")

const (
	BlockerHumanVerification = "human_verification_required"
	BlockerBotWall           = "bot_blocked"
	BlockerQueue             = "waiting_room"
)

// pageSummaryExpression returns url, title and the start of the visible text, one per line.
const pageSummaryExpression = `(() => [
	location.href,
	document.title,
	document.body ? String(document.body.innerText || "").slice(0, 4000) : ""
].join("\n"))()`

func classifyBlocker(pageURL, title, bodyText string) (string, string) {
	haystack := strings.ToLower(strings.Join([]string{
		strings.TrimSpace(pageURL),
		strings.TrimSpace(title),
		strings.TrimSpace(bodyText),
	}, " "))
	if strings.TrimSpace(haystack) == "" {
		return "", ""
	}

	humanSignals := []string{
		"captcha",
		"hcaptcha",
		"recaptcha",
		"verify you are human",
		"prove you are human",
		"are you a robot",
		"complete the following challenge",
		"checking if the site connection is secure",
	}
	for _, signal := range humanSignals {
		if strings.Contains(haystack, signal) {
			return BlockerHumanVerification, "human verification challenge detected"
		}
	}

	if strings.Contains(haystack, "access denied") && strings.Contains(haystack, "bot") {
		return BlockerBotWall, "provider denied automated access"
	}

	if strings.Contains(haystack, "you are now in line") || strings.Contains(haystack, "waiting room") {
		return BlockerQueue, "provider placed the session in a waiting room"
	}

	return "", ""
}

// checkBlocked inspects the page and reports a fatal error when a blocker is showing.
// A page that cannot be read is not treated as blocked.
func checkBlocked(ctx context.Context, page *Page, op string) error {
	summary, err := page.EvaluateString(ctx, pageSummaryExpression)
	if err != nil {
		return nil
	}
	parts := strings.SplitN(summary, "\n", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	kind, detail := classifyBlocker(parts[0], parts[1], parts[2])
	if kind == "" {
		return nil
	}
	return automation.Fatal(op, fmt.Errorf("%w: %s (%s)", ErrBlocked, detail, kind))
}
