package artifact

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store keeps failure screenshots of provider sessions and returns the URL they are
// served under.
type Store interface {
	SaveScreenshotBase64(ctx context.Context, reservationID, payload string) (string, error)
}

type LocalStore struct {
	rootDir string
	baseURL string
	now     func() time.Time
}

func NewLocalStore(rootDir, baseURL string) (*LocalStore, error) {
	root := strings.TrimSpace(rootDir)
	if root == "" {
		return nil, errors.New("artifact root dir is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "screenshots"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directories: %w", err)
	}

	return &LocalStore{
		rootDir: root,
		baseURL: NormalizeBaseURL(baseURL),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *LocalStore) RootDir() string {
	return s.rootDir
}

func (s *LocalStore) BaseURL() string {
	return s.baseURL
}

func (s *LocalStore) SaveScreenshotBase64(ctx context.Context, reservationID, payload string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(reservationID) == "" {
		return "", errors.New("reservation id is required")
	}

	decoded, err := decodeBase64(strings.TrimSpace(payload))
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%s.png", sanitizeName(reservationID), s.now().Format("20060102T150405.000000000"))
	relative := filepath.ToSlash(filepath.Join("screenshots", name))
	path := filepath.Join(s.rootDir, relative)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, decoded, 0o644); err != nil {
		return "", fmt.Errorf("write artifact tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("commit artifact: %w", err)
	}

	return s.baseURL + "/" + relative, nil
}

// RootDirOrDefault falls back to a directory under the system temp dir.
func RootDirOrDefault(value string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return filepath.Join(os.TempDir(), "holdkeeper-artifacts")
}

// NormalizeBaseURL returns a rooted URL prefix without a trailing slash.
func NormalizeBaseURL(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	trimmed = strings.TrimSuffix(trimmed, "/")
	if trimmed == "" {
		return "/artifacts"
	}
	return trimmed
}

func decodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, errors.New("payload is required")
	}
	if strings.HasPrefix(payload, "data:") {
		_, data, ok := strings.Cut(payload, ",")
		if !ok {
			return nil, errors.New("invalid data url payload")
		}
		payload = data
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode base64 payload: %w", err)
	}
	if len(decoded) == 0 {
		return nil, errors.New("decoded payload is empty")
	}
	return decoded, nil
}

func sanitizeName(id string) string {
	id = strings.TrimSpace(id)
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "..", "_")
	if id == "" {
		return "reservation"
	}
	return id
}
