// Package ingest turns the inbound message stream into reservation commands. The
// source delivers at least once and in any order; the poller makes each message count
// at most once.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/VenkatGGG/holdkeeper/internal/interpret"
	"github.com/VenkatGGG/holdkeeper/internal/messaging"
	"github.com/VenkatGGG/holdkeeper/internal/metrics"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
)

const (
	OutcomeRouted          = "routed"
	OutcomeReplied         = "replied"
	OutcomeDuplicate       = "duplicate"
	OutcomeEcho            = "echo"
	OutcomeNonHuman        = "non_human"
	OutcomeBlank           = "blank"
	OutcomeCooldown        = "cooldown"
	OutcomeIgnored         = "ignored"
	OutcomeRoutingMiss     = "routing_miss"
	OutcomeCommitting      = "committing"
	OutcomeInterpretFailed = "interpret_failed"
)

// Commands is the reservation side the poller routes into.
type Commands interface {
	FindActiveByRequester(ctx context.Context, requester string) (reservation.Reservation, bool, error)
	SubmitCommand(ctx context.Context, id string, cmd reservation.Command) (bool, error)
}

type Config struct {
	PollInterval time.Duration
	// EchoTTL is how long an outbound message is remembered for echo suppression.
	EchoTTL  time.Duration
	Cooldown time.Duration
	// NonHumanSenders are dropped outright, compared case-insensitively.
	NonHumanSenders []string
	// ShortCodeMaxDigits drops all-digit senders up to this length (SMS short codes).
	ShortCodeMaxDigits int
	// ReplayHistory starts from marker 0 instead of the source's latest id.
	ReplayHistory bool
}

// TickStats counts what one tick did with the messages it polled.
type TickStats struct {
	Polled   int
	Outcomes map[string]int
}

type echoKey struct {
	peer string
	text string
}

type Poller struct {
	channel     messaging.Channel
	commands    Commands
	interpreter interpret.Interpreter
	cfg         Config
	logger      *log.Logger
	now         func() time.Time
	nonHuman    map[string]struct{}

	mu            sync.Mutex
	marker        int64
	markerReady   bool
	echoes        map[echoKey]time.Time
	lastAccepted  map[string]time.Time
	cooldownClock time.Time
}

func NewPoller(channel messaging.Channel, commands Commands, interpreter interpret.Interpreter, cfg Config, logger *log.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.EchoTTL <= 0 {
		cfg.EchoTTL = 2 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.ShortCodeMaxDigits <= 0 {
		cfg.ShortCodeMaxDigits = 6
	}
	if interpreter == nil {
		interpreter = &interpret.KeywordInterpreter{}
	}
	if logger == nil {
		logger = log.Default()
	}

	nonHuman := make(map[string]struct{}, len(cfg.NonHumanSenders))
	for _, sender := range cfg.NonHumanSenders {
		if normalized := normalizeSender(sender); normalized != "" {
			nonHuman[normalized] = struct{}{}
		}
	}

	return &Poller{
		channel:      channel,
		commands:     commands,
		interpreter:  interpreter,
		cfg:          cfg,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
		nonHuman:     nonHuman,
		echoes:       make(map[echoKey]time.Time),
		lastAccepted: make(map[string]time.Time),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.logger.Printf("ingest poller started: interval=%s cooldown=%s echo_ttl=%s interpreter=%s", p.cfg.PollInterval, p.cfg.Cooldown, p.cfg.EchoTTL, p.interpreter.Name())
	p.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Marker returns the highest message id consumed so far.
func (p *Poller) Marker() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marker
}

// Tick polls once and handles every new message. Nothing that goes wrong here escapes.
func (p *Poller) Tick(ctx context.Context) TickStats {
	stats := TickStats{Outcomes: make(map[string]int)}
	if !p.ensureMarker(ctx) {
		return stats
	}

	messages, err := p.channel.PollSince(ctx, p.Marker())
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Printf("ingest poll failed: marker=%d err=%v", p.Marker(), err)
		}
		return stats
	}
	sort.SliceStable(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	stats.Polled = len(messages)

	for _, msg := range messages {
		outcome := p.handle(ctx, msg)
		stats.Outcomes[outcome]++
		metrics.IngestMessagesTotal.WithLabelValues(outcome).Inc()
	}
	p.prune()
	return stats
}

func (p *Poller) handle(ctx context.Context, msg messaging.Message) string {
	address := strings.TrimSpace(msg.Sender)
	sender := normalizeSender(address)
	text := strings.TrimSpace(msg.Text)

	p.mu.Lock()
	if msg.ID <= p.marker {
		p.mu.Unlock()
		return OutcomeDuplicate
	}
	p.marker = msg.ID

	key := echoKey{peer: sender, text: text}
	if sentAt, ok := p.echoes[key]; ok && p.now().Sub(sentAt) <= p.cfg.EchoTTL {
		delete(p.echoes, key)
		p.mu.Unlock()
		return OutcomeEcho
	}
	p.mu.Unlock()

	if p.isNonHuman(sender) {
		return OutcomeNonHuman
	}
	if text == "" {
		return OutcomeBlank
	}

	at := msg.Timestamp.UTC()
	if msg.Timestamp.IsZero() {
		at = p.now()
	}
	p.mu.Lock()
	if at.After(p.cooldownClock) {
		p.cooldownClock = at
	}
	last, seen := p.lastAccepted[sender]
	p.mu.Unlock()
	if seen && at.Sub(last) < p.cfg.Cooldown {
		p.logger.Printf("ingest message dropped: id=%d sender=%s reason=cooldown since_last=%s", msg.ID, sender, at.Sub(last))
		return OutcomeCooldown
	}

	action, err := p.interpreter.Interpret(ctx, text)
	if err != nil {
		p.logger.Printf("ingest message dropped: id=%d sender=%s reason=interpret_failed err=%v", msg.ID, sender, err)
		return OutcomeInterpretFailed
	}

	switch action {
	case interpret.ActionStatus:
		p.replyStatus(ctx, address)
		return OutcomeReplied
	case interpret.ActionCommit, interpret.ActionRelease:
	default:
		return OutcomeIgnored
	}

	rec, found, err := p.commands.FindActiveByRequester(ctx, address)
	if err != nil || !found {
		p.logger.Printf("ingest message dropped: id=%d sender=%s reason=routing_miss action=%s err=%v", msg.ID, sender, action, err)
		return OutcomeRoutingMiss
	}
	cmd := reservation.CommandRelease
	if action == interpret.ActionCommit {
		cmd = reservation.CommandCommit
	}
	_, err = p.commands.SubmitCommand(ctx, rec.ID, cmd)
	switch {
	case errors.Is(err, reservation.ErrCommitting):
		p.logger.Printf("ingest message dropped: id=%d sender=%s reason=committing reservation_id=%s command=%s", msg.ID, sender, rec.ID, cmd)
		if err := p.Outbox().Send(ctx, address, fmt.Sprintf("Hold %s is being purchased; wait for the result.", rec.ID)); err != nil {
			p.logger.Printf("ingest acknowledgement failed: sender=%s err=%v", sender, err)
		}
		return OutcomeCommitting
	case err != nil:
		p.logger.Printf("ingest message dropped: id=%d sender=%s reason=routing_miss reservation_id=%s err=%v", msg.ID, sender, rec.ID, err)
		return OutcomeRoutingMiss
	}

	p.mu.Lock()
	p.lastAccepted[sender] = at
	p.mu.Unlock()
	p.logger.Printf("ingest command routed: id=%d sender=%s reservation_id=%s command=%s", msg.ID, sender, rec.ID, cmd)

	if err := p.Outbox().Send(ctx, address, acknowledgement(rec.ID, cmd)); err != nil {
		p.logger.Printf("ingest acknowledgement failed: sender=%s err=%v", sender, err)
	}
	return OutcomeRouted
}

func (p *Poller) replyStatus(ctx context.Context, address string) {
	text := "You have no active hold."
	rec, found, err := p.commands.FindActiveByRequester(ctx, address)
	if err == nil && found {
		text = StatusText(rec)
	}
	if err := p.Outbox().Send(ctx, address, text); err != nil {
		p.logger.Printf("ingest status reply failed: sender=%s err=%v", address, err)
	}
}

// StatusText summarises a reservation for its requester.
func StatusText(rec reservation.Reservation) string {
	text := fmt.Sprintf("Hold %s is %s after %d renewals (cost %d).", rec.ID, rec.Status, rec.CycleCount, rec.AccruedCost)
	if !rec.HoldDeadline.IsZero() {
		text += " Current hold lapses at " + rec.HoldDeadline.UTC().Format("15:04:05") + " UTC."
	}
	return text
}

func acknowledgement(id string, cmd reservation.Command) string {
	if cmd == reservation.CommandCommit {
		return fmt.Sprintf("Buying hold %s.", id)
	}
	return fmt.Sprintf("Releasing hold %s.", id)
}

func (p *Poller) ensureMarker(ctx context.Context) bool {
	p.mu.Lock()
	ready := p.markerReady
	p.mu.Unlock()
	if ready {
		return true
	}

	var start int64
	if !p.cfg.ReplayHistory {
		latest, err := p.channel.LatestID(ctx)
		if err != nil {
			p.logger.Printf("ingest marker init failed: err=%v", err)
			return false
		}
		start = latest
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.markerReady {
		p.marker = start
		p.markerReady = true
		p.logger.Printf("ingest marker initialised: marker=%d", start)
	}
	return true
}

func (p *Poller) isNonHuman(sender string) bool {
	if sender == "" {
		return true
	}
	if _, listed := p.nonHuman[sender]; listed {
		return true
	}
	digits := strings.TrimPrefix(sender, "+")
	if len(digits) > p.cfg.ShortCodeMaxDigits {
		return false
	}
	for _, r := range digits {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func (p *Poller) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for key, sentAt := range p.echoes {
		if now.Sub(sentAt) > p.cfg.EchoTTL {
			delete(p.echoes, key)
		}
	}
	for sender, last := range p.lastAccepted {
		if p.cooldownClock.Sub(last) >= p.cfg.Cooldown {
			delete(p.lastAccepted, sender)
		}
	}
}

func normalizeSender(sender string) string {
	return strings.ToLower(strings.TrimSpace(sender))
}
