package otp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/VenkatGGG/holdkeeper/internal/messaging"
)

var ErrTimeout = errors.New("timed out waiting for one-time code")

// Source yields one-time login codes delivered out of band.
type Source interface {
	// Marker returns a position such that only codes arriving after it are accepted.
	Marker(ctx context.Context) (int64, error)
	AwaitCode(ctx context.Context, after int64, timeout time.Duration) (string, error)
}

var codePattern = regexp.MustCompile(`\b(\d{4,8})\b`)

// ExtractCode returns the first 4-8 digit run in text.
func ExtractCode(text string) (string, bool) {
	match := codePattern.FindStringSubmatch(text)
	if len(match) < 2 {
		return "", false
	}
	return match[1], true
}

type ChannelSourceConfig struct {
	// Senders lists the addresses codes come from. Empty accepts any sender.
	Senders      []string
	PollInterval time.Duration
}

// ChannelSource reads codes from the same messaging channel commands arrive on.
type ChannelSource struct {
	channel messaging.Channel
	senders map[string]struct{}
	poll    time.Duration
}

func NewChannelSource(channel messaging.Channel, cfg ChannelSourceConfig) *ChannelSource {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	senders := make(map[string]struct{}, len(cfg.Senders))
	for _, sender := range cfg.Senders {
		if trimmed := strings.TrimSpace(sender); trimmed != "" {
			senders[trimmed] = struct{}{}
		}
	}
	return &ChannelSource{channel: channel, senders: senders, poll: cfg.PollInterval}
}

func (s *ChannelSource) Marker(ctx context.Context) (int64, error) {
	return s.channel.LatestID(ctx)
}

func (s *ChannelSource) AwaitCode(ctx context.Context, after int64, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	marker := after
	for {
		msgs, err := s.channel.PollSince(waitCtx, marker)
		if err != nil && waitCtx.Err() == nil {
			return "", fmt.Errorf("poll for one-time code: %w", err)
		}
		for _, msg := range msgs {
			if msg.ID > marker {
				marker = msg.ID
			}
			if !s.acceptsSender(msg.Sender) {
				continue
			}
			if code, ok := ExtractCode(msg.Text); ok {
				return code, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", ErrTimeout
		case <-ticker.C:
		}
	}
}

func (s *ChannelSource) acceptsSender(sender string) bool {
	if len(s.senders) == 0 {
		return true
	}
	_, ok := s.senders[strings.TrimSpace(sender)]
	return ok
}
