package ingest

import (
	"context"
	"strings"
)

// Outbox sends through the poller's channel and remembers each message so its echo on
// the inbound side is not mistaken for a command.
type Outbox struct {
	poller *Poller
}

func (p *Poller) Outbox() *Outbox {
	return &Outbox{poller: p}
}

func (o *Outbox) Send(ctx context.Context, recipient, text string) error {
	p := o.poller
	key := echoKey{peer: normalizeSender(recipient), text: strings.TrimSpace(text)}
	p.mu.Lock()
	p.echoes[key] = p.now()
	p.mu.Unlock()
	return p.channel.Send(ctx, recipient, text)
}
