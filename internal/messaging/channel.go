package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type Message struct {
	ID        int64     `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Channel is the external chat transport. PollSince returns every message with an id
// greater than marker; callers must not rely on ordering or on each message being
// delivered only once.
type Channel interface {
	PollSince(ctx context.Context, marker int64) ([]Message, error)
	Send(ctx context.Context, recipient, text string) error
	LatestID(ctx context.Context) (int64, error)
}

type Outbound struct {
	Recipient string
	Text      string
	SentAt    time.Time
}

// MemoryChannel is an in-process Channel used by tests and local runs without a relay
// database.
type MemoryChannel struct {
	mu       sync.Mutex
	seq      int64
	inbound  []Message
	outbound []Outbound
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

// Deliver appends an inbound message with the next id and returns it.
func (c *MemoryChannel) Deliver(sender, text string, at time.Time) Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	msg := Message{ID: c.seq, Sender: sender, Text: text, Timestamp: at.UTC()}
	c.inbound = append(c.inbound, msg)
	return msg
}

// Redeliver re-queues an already delivered message, mimicking an at-least-once source.
func (c *MemoryChannel) Redeliver(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inbound = append(c.inbound, msg)
}

func (c *MemoryChannel) PollSince(ctx context.Context, marker int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0)
	for _, msg := range c.inbound {
		if msg.ID > marker {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *MemoryChannel) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(recipient) == "" {
		return errors.New("recipient is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, Outbound{Recipient: recipient, Text: text, SentAt: time.Now().UTC()})
	return nil
}

func (c *MemoryChannel) LatestID(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

func (c *MemoryChannel) Sent() []Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outbound(nil), c.outbound...)
}
