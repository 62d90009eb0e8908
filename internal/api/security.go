package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/VenkatGGG/holdkeeper/pkg/httpx"
)

const maxTrackedClients = 1000

func (s *Server) withAPISecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requiresAuthAndRateLimit(r) {
			next.ServeHTTP(w, r)
			return
		}

		if strings.TrimSpace(s.cfg.APIKey) != "" && !requestHasAPIKey(r, s.cfg.APIKey) {
			httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid api key")
			return
		}

		if s.limiter != nil && !s.limiter.Allow(requestClientIdentity(r), s.now()) {
			httpx.WriteError(w, http.StatusTooManyRequests, "rate_limited", "request rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requiresAuthAndRateLimit covers every route that changes reservation state.
func requiresAuthAndRateLimit(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := strings.TrimSpace(r.URL.Path)
	return path == "/v1/reservations" || strings.HasPrefix(path, "/v1/reservations/")
}

func requestHasAPIKey(r *http.Request, expected string) bool {
	want := strings.TrimSpace(expected)
	if want == "" {
		return true
	}
	candidates := []string{strings.TrimSpace(r.Header.Get("X-API-Key"))}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		candidates = append(candidates, strings.TrimSpace(auth[7:]))
	}

	for _, candidate := range candidates {
		if candidate == want {
			return true
		}
	}
	return false
}

func requestClientIdentity(r *http.Request) string {
	forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if raw != "" {
		return raw
	}
	return "unknown"
}

// clientLimiter keeps one token bucket per client identity.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	// A bucket idle this long has refilled completely and can be dropped.
	idle := time.Duration(float64(burst)/perSecond*float64(time.Second)) + time.Minute
	return &clientLimiter{
		limit:   limit,
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*clientBucket),
	}
}

func (l *clientLimiter) Allow(client string, now time.Time) bool {
	key := strings.TrimSpace(client)
	if key == "" {
		key = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[key]
	if !ok {
		l.pruneLocked(now)
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

func (l *clientLimiter) pruneLocked(now time.Time) {
	if len(l.clients) < maxTrackedClients {
		return
	}
	for key, bucket := range l.clients {
		if now.Sub(bucket.lastSeen) > l.idle {
			delete(l.clients, key)
		}
	}
}
