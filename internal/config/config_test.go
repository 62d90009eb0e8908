package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VenkatGGG/holdkeeper/internal/cdp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "holdkeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsNeedOnlyAnEventTemplate(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.Validate())

	cfg.EventURLTemplate = "https://tickets.example.com/e/{group}"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute+15*time.Second, cfg.RenewalTimeout())
}

func TestLoadLayersFileUnderEnvironment(t *testing.T) {
	path := writeFile(t, `
http_addr: ":9090"
event_url_template: "https://tickets.example.com/e/{group}"
cooldown: 30s
non_human_senders: ["alerts@provider.com"]
selectors:
  hold_timer: "#timer"
`)
	t.Setenv("HOLDKEEPER_COOLDOWN", "45s")
	t.Setenv("HOLDKEEPER_NON_HUMAN_SENDERS", "a@x.com, b@x.com")
	t.Setenv("HOLDKEEPER_ARTIFACT_BASE_URL", "shots/")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 45*time.Second, cfg.Cooldown)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, cfg.NonHumanSenders)
	assert.Equal(t, "/shots", cfg.ArtifactBaseURL)
	assert.Equal(t, "#timer", cfg.Selectors.HoldTimer)
	assert.Equal(t, cdp.DefaultSelectors().ExtendButton, cfg.Selectors.ExtendButton)
	assert.Equal(t, 3, cfg.RetryThreshold)
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsFileNamedByEnvironment(t *testing.T) {
	path := writeFile(t, "retry_threshold: 5\n")
	t.Setenv(FileEnv, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryThreshold)
}

func TestLoadReportsBadFiles(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "cooldown: [not, a, duration]\n"))
	require.Error(t, err)
}

func TestInvalidEnvironmentValuesKeepFallback(t *testing.T) {
	t.Setenv("HOLDKEEPER_RETRY_DELAY", "soon")
	t.Setenv("HOLDKEEPER_REPLAY_HISTORY", "maybe")
	t.Setenv("HOLDKEEPER_SESSION_OPEN_RATE", "0.5")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.False(t, cfg.ReplayHistory)
	assert.Equal(t, 0.5, cfg.SessionOpenRate)
}

func TestValidateRejectsTimeoutsThatCannotCoverTheWindow(t *testing.T) {
	cfg := Defaults()
	cfg.EventURLTemplate = "https://tickets.example.com/e/{group}"

	cfg.RenewalMargin = 0
	require.ErrorContains(t, cfg.Validate(), "must exceed the renewal window")

	cfg.RenewalMargin = 20 * time.Second
	cfg.LeaseTTL = 5 * time.Minute
	require.ErrorContains(t, cfg.Validate(), "lease_ttl")

	cfg.LeaseTTL = 10 * time.Minute
	cfg.InterpreterMode = "telepathy"
	require.ErrorContains(t, cfg.Validate(), "interpreter_mode")
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.APIKey = "topsecret"
	cfg.OpenAIKey = "sk-live"
	cfg.PostgresDSN = "postgres://holdkeeper:hunter2@db:5432/holdkeeper?sslmode=disable"

	redacted := cfg.Redacted()
	assert.Equal(t, "***", redacted.APIKey)
	assert.Equal(t, "***", redacted.OpenAIKey)
	assert.Equal(t, "postgres://holdkeeper:***@db:5432/holdkeeper?sslmode=disable", redacted.PostgresDSN)
	assert.Equal(t, "topsecret", cfg.APIKey)
}
