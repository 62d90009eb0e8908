package api

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/VenkatGGG/holdkeeper/internal/idempotency"
	"github.com/VenkatGGG/holdkeeper/internal/reservation"
	"github.com/VenkatGGG/holdkeeper/pkg/httpx"
)

// Reservations is the control surface the HTTP API exposes.
type Reservations interface {
	CreateReservation(ctx context.Context, input reservation.CreateInput) (reservation.Reservation, error)
	GetReservation(ctx context.Context, id string) (reservation.Reservation, error)
	ListActive(ctx context.Context) ([]reservation.Reservation, error)
	List(ctx context.Context, statuses ...reservation.Status) ([]reservation.Reservation, error)
	SubmitCommand(ctx context.Context, id string, cmd reservation.Command) (bool, error)
	ResolveCommit(id string, ok bool, reason string) bool
}

type Config struct {
	// APIKey guards every mutating route when set.
	APIKey string
	// RateLimit is requests per second per client on mutating routes; zero disables it.
	RateLimit float64
	RateBurst int
	// DefaultRatePerCycle applies when a create request does not name a rate.
	DefaultRatePerCycle int64
	IdempotencyTTL      time.Duration
	IdempotencyLockTTL  time.Duration
	// ArtifactDir is served under the path of ArtifactBaseURL.
	ArtifactDir     string
	ArtifactBaseURL string
}

type Server struct {
	reservations    Reservations
	idempotency     idempotency.Store
	idempotencyTTL  time.Duration
	idempotencyLock time.Duration
	cfg             Config
	limiter         *clientLimiter
	logger          *log.Logger
	now             func() time.Time
}

func NewServer(reservations Reservations, idempotencyStore idempotency.Store, cfg Config, logger *log.Logger) *Server {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.IdempotencyLockTTL <= 0 {
		cfg.IdempotencyLockTTL = 30 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	var limiter *clientLimiter
	if cfg.RateLimit > 0 {
		limiter = newClientLimiter(cfg.RateLimit, cfg.RateBurst)
	}
	return &Server{
		reservations:    reservations,
		idempotency:     idempotencyStore,
		idempotencyTTL:  cfg.IdempotencyTTL,
		idempotencyLock: cfg.IdempotencyLockTTL,
		cfg:             cfg,
		limiter:         limiter,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/reservations", s.handleReservations)
	mux.HandleFunc("/v1/reservations/", s.handleReservationByID)

	if dir := strings.TrimSpace(s.cfg.ArtifactDir); dir != "" {
		prefix := artifactPathPrefix(s.cfg.ArtifactBaseURL)
		mux.Handle(prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(dir))))
	}

	return s.withMetrics(s.withAPISecurity(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func artifactPathPrefix(baseURL string) string {
	path := strings.TrimSpace(baseURL)
	if parsed, err := url.Parse(path); err == nil && parsed.Scheme != "" {
		path = parsed.Path
	}
	path = "/" + strings.Trim(path, "/")
	if path == "/" {
		path = "/artifacts"
	}
	return path + "/"
}
