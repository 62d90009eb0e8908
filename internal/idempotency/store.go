// Package idempotency replays the recorded response of a request retried with the same
// Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

const (
	defaultClaimTTL = 30 * time.Second
	defaultEntryTTL = 24 * time.Hour
)

// Entry is a recorded response. Fingerprint identifies the request body it answered so
// a key reused for a different request can be rejected.
type Entry struct {
	StatusCode  int    `json:"status_code"`
	ContentType string `json:"content_type"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Body        []byte `json:"body"`
}

type Store interface {
	Get(ctx context.Context, scope, key string) (Entry, bool, error)
	// Claim marks key as in flight for owner until ttl passes or Release is called.
	Claim(ctx context.Context, scope, key, owner string, ttl time.Duration) (bool, error)
	Save(ctx context.Context, scope, key string, entry Entry, ttl time.Duration) error
	Release(ctx context.Context, scope, key, owner string) error
}

// Fingerprint hashes a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func compoundKey(scope, key string) (string, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" {
		return "", errors.New("scope is required")
	}
	if key == "" {
		return "", errors.New("key is required")
	}
	sum := sha256.Sum256([]byte(scope + "|" + key))
	return scope + ":" + hex.EncodeToString(sum[:]), nil
}

func requireOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	return owner, nil
}
