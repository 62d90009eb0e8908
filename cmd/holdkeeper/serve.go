package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/VenkatGGG/holdkeeper/internal/api"
	"github.com/VenkatGGG/holdkeeper/internal/artifact"
	"github.com/VenkatGGG/holdkeeper/internal/auth"
	"github.com/VenkatGGG/holdkeeper/internal/automation"
	"github.com/VenkatGGG/holdkeeper/internal/cdp"
	"github.com/VenkatGGG/holdkeeper/internal/config"
	"github.com/VenkatGGG/holdkeeper/internal/engine"
	"github.com/VenkatGGG/holdkeeper/internal/idempotency"
	"github.com/VenkatGGG/holdkeeper/internal/ingest"
	"github.com/VenkatGGG/holdkeeper/internal/interpret"
	"github.com/VenkatGGG/holdkeeper/internal/journal"
	"github.com/VenkatGGG/holdkeeper/internal/lease"
	"github.com/VenkatGGG/holdkeeper/internal/messaging"
	"github.com/VenkatGGG/holdkeeper/internal/otp"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/internal/session"
)

const shutdownTimeout = 15 * time.Second

func serve(parent context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger("holdkeeper")
	logger.Printf("config loaded: http_addr=%s redis=%t postgres=%t messages_db=%q interpreter=%s", cfg.HTTPAddr, cfg.RedisAddr != "", cfg.PostgresDSN != "", cfg.MessagesDB, cfg.InterpreterMode)

	var leases lease.Manager = lease.NewInMemoryManager()
	var idem idempotency.Store = idempotency.NewInMemoryStore()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		leases = lease.NewRedisManager(client, "holdkeeper:lease")
		idem = idempotency.NewRedisStore(client, "holdkeeper:idempotency")
	}

	var channel messaging.Channel = messaging.NewMemoryChannel()
	if cfg.MessagesDB != "" {
		relay, err := messaging.OpenSQLiteChannel(cfg.MessagesDB)
		if err != nil {
			return err
		}
		defer relay.Close()
		channel = relay
	}

	artifacts, err := artifact.NewLocalStore(cfg.ArtifactDir, cfg.ArtifactBaseURL)
	if err != nil {
		return err
	}

	driverCfg := cdp.DriverConfig{
		BaseURL:          cfg.CDPBaseURL,
		EventURLTemplate: cfg.EventURLTemplate,
		Selectors:        cfg.Selectors,
		RenderTimeout:    cfg.RenderTimeout,
		LoginSettle:      cfg.LoginSettle,
	}
	factory := func(ctx context.Context) (automation.Driver, error) {
		driver, err := cdp.NewDriver(ctx, driverCfg)
		if err != nil {
			return nil, err
		}
		return driver, nil
	}
	sessions := session.NewManager(factory, otp.NewChannelSource(channel, otp.ChannelSourceConfig{Senders: cfg.CodeSenders}), artifacts, session.Config{
		RenewalTimeout:    cfg.RenewalTimeout(),
		DriverCallTimeout: cfg.DriverCallTimeout,
		OpenRate:          cfg.SessionOpenRate,
		OpenBurst:         cfg.SessionOpenBurst,
		Auth:              auth.Config{Identity: cfg.Identity, CodeTimeout: cfg.CodeTimeout},
	}, newLogger("session"))

	interpreter := interpret.New(interpret.Config{
		Mode:    cfg.InterpreterMode,
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.InterpreterTimeout,
	}, newLogger("interpret"))

	commands := &engineRef{}
	poller := ingest.NewPoller(channel, commands, interpreter, ingest.Config{
		PollInterval:    cfg.PollInterval,
		EchoTTL:         cfg.EchoTTL,
		Cooldown:        cfg.Cooldown,
		NonHumanSenders: cfg.NonHumanSenders,
		ReplayHistory:   cfg.ReplayHistory,
	}, newLogger("ingest"))

	sinks := journal.Multi{journal.NewLogSink(newLogger("journal")), journal.NewNotifier(poller.Outbox())}
	if cfg.PostgresDSN != "" {
		pg, err := journal.NewPostgresSink(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		sinks = append(sinks, pg)
	}

	eng := engine.New(reservation.NewInMemoryStore(), sessions, leases, engine.NewSignalCommitter(cfg.CommitTimeout), sinks, engine.Config{
		RetryThreshold:    cfg.RetryThreshold,
		RetryDelay:        cfg.RetryDelay,
		LeaseTTL:          cfg.LeaseTTL,
		TerminalRetention: cfg.TerminalRetention,
		ReaperInterval:    cfg.ReaperInterval,
	}, newLogger("engine"))
	commands.eng = eng

	server := api.NewServer(eng, idem, api.Config{
		APIKey:              cfg.APIKey,
		RateLimit:           cfg.APIRateLimit,
		RateBurst:           cfg.APIRateBurst,
		DefaultRatePerCycle: cfg.DefaultRatePerCycle,
		IdempotencyTTL:      cfg.IdempotencyTTL,
		IdempotencyLockTTL:  cfg.IdempotencyLockTTL,
		ArtifactDir:         artifacts.RootDir(),
		ArtifactBaseURL:     artifacts.BaseURL(),
	}, newLogger("api"))
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error {
		logger.Printf("api listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Printf("session shutdown failed: err=%v", err)
	}
	logger.Printf("holdkeeper stopped")
	return runErr
}

// engineRef lets the poller route into the engine built after it; the engine's journal
// notifies requesters through the poller's outbox.
type engineRef struct {
	eng *engine.Engine
}

func (r *engineRef) FindActiveByRequester(ctx context.Context, requester string) (reservation.Reservation, bool, error) {
	return r.eng.FindActiveByRequester(ctx, requester)
}

func (r *engineRef) SubmitCommand(ctx context.Context, id string, cmd reservation.Command) (bool, error) {
	return r.eng.SubmitCommand(ctx, id, cmd)
}
