package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRequestHasAPIKeySupportsBearerAuthorization(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
	req.Header.Set("Authorization", "Bearer topsecret")
	if !requestHasAPIKey(req, "topsecret") {
		t.Fatalf("expected bearer token to satisfy api key check")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
	req.Header.Set("X-API-Key", "wrong")
	if requestHasAPIKey(req, "topsecret") {
		t.Fatalf("did not expect a wrong key to pass")
	}
}

func TestRequestClientIdentityPrefersXForwardedForFirstIP(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.10, 10.0.0.5")
	req.RemoteAddr = "127.0.0.1:12345"

	got := requestClientIdentity(req)
	if got != "203.0.113.10" {
		t.Fatalf("expected first forwarded ip, got %q", got)
	}
}

func TestRequiresAuthAndRateLimitCoversMutatingRoutes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		method string
		path   string
		want   bool
	}{
		{http.MethodPost, "/v1/reservations", true},
		{http.MethodPost, "/v1/reservations/rsv_1/commands", true},
		{http.MethodPost, "/v1/reservations/rsv_1/commit-result", true},
		{http.MethodGet, "/v1/reservations", false},
		{http.MethodGet, "/v1/reservations/rsv_1", false},
		{http.MethodPost, "/healthz", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		if got := requiresAuthAndRateLimit(req); got != tc.want {
			t.Fatalf("%s %s: expected %v, got %v", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestClientLimiterRefillsOverTime(t *testing.T) {
	t.Parallel()

	limiter := newClientLimiter(1.0/60, 1)
	clientKey := "198.51.100.4"
	start := time.Date(2026, time.February, 12, 10, 0, 0, 0, time.UTC)

	if !limiter.Allow(clientKey, start.Add(10*time.Second)) {
		t.Fatalf("expected first request to be allowed")
	}
	if limiter.Allow(clientKey, start.Add(20*time.Second)) {
		t.Fatalf("expected second request inside the refill period to be denied")
	}
	if !limiter.Allow("203.0.113.7", start.Add(20*time.Second)) {
		t.Fatalf("expected another client to have its own bucket")
	}
	if !limiter.Allow(clientKey, start.Add(80*time.Second)) {
		t.Fatalf("expected request after refill to be allowed")
	}
}

func TestRouteLabelTemplatesIDs(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"/healthz":                             "/healthz",
		"/v1/reservations":                     "/v1/reservations",
		"/v1/reservations/rsv_abc":             "/v1/reservations/{id}",
		"/v1/reservations/rsv_abc/commands":    "/v1/reservations/{id}/commands",
		"/v1/reservations/rsv_abc/unknown":     "other",
		"/artifacts/screenshots/rsv_abc_1.png": "/artifacts/{name}",
		"/favicon.ico":                         "other",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Fatalf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
