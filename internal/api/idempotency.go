package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VenkatGGG/holdkeeper/internal/idempotency"
	"github.com/VenkatGGG/holdkeeper/pkg/httpx"
)

const (
	idempotencyHeader  = "Idempotency-Key"
	maxIdempotentBody  = 1 << 20
	idempotencyWaitFor = 4 * time.Second
)

// handleIdempotentRequest runs execute at most once per Idempotency-Key and replays the
// recorded response to retries. It reports false when the request carries no key.
func (s *Server) handleIdempotentRequest(w http.ResponseWriter, r *http.Request, scope string, execute http.HandlerFunc) bool {
	if s.idempotency == nil {
		return false
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return true
	}
	fingerprint := idempotency.Fingerprint(body)

	if cached, ok, err := s.idempotency.Get(r.Context(), scope, key); err == nil && ok {
		s.replayIdempotencyEntry(w, cached, fingerprint)
		return true
	} else if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	}

	owner := "idem-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	claimed, err := s.idempotency.Claim(r.Context(), scope, key, owner, s.idempotencyLock)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "idempotency_failed", err.Error())
		return true
	}
	if !claimed {
		if cached, ok, err := s.waitForIdempotentEntry(r.Context(), scope, key, idempotencyWaitFor); err == nil && ok {
			s.replayIdempotencyEntry(w, cached, fingerprint)
			return true
		}
		httpx.WriteError(w, http.StatusConflict, "request_in_progress", "another request with this idempotency key is still in progress")
		return true
	}
	defer func() {
		_ = s.idempotency.Release(context.Background(), scope, key, owner)
	}()

	r.Body = io.NopCloser(bytes.NewReader(body))
	rec := httptest.NewRecorder()
	execute(rec, r)

	result := rec.Result()
	defer result.Body.Close()
	respBody, _ := io.ReadAll(result.Body)

	entry := idempotency.Entry{
		StatusCode:  result.StatusCode,
		ContentType: result.Header.Get("Content-Type"),
		Fingerprint: fingerprint,
		Body:        bytes.Clone(respBody),
	}
	if result.StatusCode < 500 {
		if err := s.idempotency.Save(context.Background(), scope, key, entry, s.idempotencyTTL); err != nil {
			s.logger.Printf("idempotency save failed: scope=%s err=%v", scope, err)
		}
	}
	copyResponse(w, result.Header, result.StatusCode, respBody)
	return true
}

func (s *Server) replayIdempotencyEntry(w http.ResponseWriter, entry idempotency.Entry, fingerprint string) {
	if entry.Fingerprint != "" && entry.Fingerprint != fingerprint {
		httpx.WriteError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was already used for a different request")
		return
	}
	writeIdempotencyEntry(w, entry)
}

func (s *Server) waitForIdempotentEntry(ctx context.Context, scope, key string, timeout time.Duration) (idempotency.Entry, bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		entry, ok, err := s.idempotency.Get(waitCtx, scope, key)
		if err != nil {
			return idempotency.Entry{}, false, err
		}
		if ok {
			return entry, true, nil
		}

		select {
		case <-waitCtx.Done():
			return idempotency.Entry{}, false, waitCtx.Err()
		case <-ticker.C:
		}
	}
}

func writeIdempotencyEntry(w http.ResponseWriter, entry idempotency.Entry) {
	if contentType := strings.TrimSpace(entry.ContentType); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Idempotent-Replayed", "true")
	status := entry.StatusCode
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(entry.Body)
}

func copyResponse(w http.ResponseWriter, header http.Header, status int, body []byte) {
	for key, values := range header {
		w.Header().Del(key)
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if status <= 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
