package journal

import (
	"context"
	"fmt"
	"strings"
)

// Sender delivers a text to a requester address.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
}

// Notifier tells the requester about the lifecycle changes they care about.
type Notifier struct {
	sender Sender
}

func NewNotifier(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

func (n *Notifier) Record(ctx context.Context, event Event) error {
	if n == nil || n.sender == nil || strings.TrimSpace(event.Requester) == "" {
		return nil
	}
	text := NotificationText(event)
	if text == "" {
		return nil
	}
	if err := n.sender.Send(ctx, event.Requester, text); err != nil {
		return fmt.Errorf("notify requester: %w", err)
	}
	return nil
}

// NotificationText renders the message sent for event, or "" when the event is not
// worth a message.
func NotificationText(event Event) string {
	switch event.Type {
	case EventAcquired:
		return fmt.Sprintf("Hold %s is active. Reply COMMIT to buy or RELEASE to let it go.", event.ReservationID)
	case EventCommitted:
		return fmt.Sprintf("Hold %s purchased after %d renewals (cost %d).", event.ReservationID, event.CycleCount, event.AccruedCost)
	case EventCommitFailed:
		return fmt.Sprintf("Purchase for %s did not complete (%s). Still holding.", event.ReservationID, orUnknown(event.Detail))
	case EventReleased:
		return fmt.Sprintf("Hold %s released after %d renewals (cost %d).", event.ReservationID, event.CycleCount, event.AccruedCost)
	case EventFailed:
		return fmt.Sprintf("Hold %s stopped: %s", event.ReservationID, orUnknown(event.Detail))
	default:
		return ""
	}
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown reason"
	}
	return value
}
