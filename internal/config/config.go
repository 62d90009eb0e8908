package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VenkatGGG/holdkeeper/internal/artifact"
	"github.com/VenkatGGG/holdkeeper/internal/cdp"
)

// FileEnv names the optional YAML file layered under the environment.
const FileEnv = "HOLDKEEPER_CONFIG"

type Config struct {
	HTTPAddr     string        `yaml:"http_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	APIKey              string        `yaml:"api_key"`
	APIRateLimit        float64       `yaml:"api_rate_limit"`
	APIRateBurst        int           `yaml:"api_rate_burst"`
	DefaultRatePerCycle int64         `yaml:"default_rate_per_cycle"`
	IdempotencyTTL      time.Duration `yaml:"idempotency_ttl"`
	IdempotencyLockTTL  time.Duration `yaml:"idempotency_lock_ttl"`
	ArtifactDir         string        `yaml:"artifact_dir"`
	ArtifactBaseURL     string        `yaml:"artifact_base_url"`

	// RedisAddr enables the shared lease and idempotency stores; empty keeps them in memory.
	RedisAddr string `yaml:"redis_addr"`
	// PostgresDSN enables the lifecycle journal table; empty journals to the log only.
	PostgresDSN string `yaml:"postgres_dsn"`
	// MessagesDB is the SQLite relay database; empty uses an in-process channel.
	MessagesDB string `yaml:"messages_db"`

	CDPBaseURL       string        `yaml:"cdp_base_url"`
	EventURLTemplate string        `yaml:"event_url_template"`
	RenderTimeout    time.Duration `yaml:"render_timeout"`
	LoginSettle      time.Duration `yaml:"login_settle"`
	Selectors        cdp.Selectors `yaml:"selectors"`

	Identity    string        `yaml:"identity"`
	CodeTimeout time.Duration `yaml:"code_timeout"`
	CodeSenders []string      `yaml:"code_senders"`

	// RenewalWindow is how long the provider keeps a hold between renewals.
	RenewalWindow     time.Duration `yaml:"renewal_window"`
	RenewalMargin     time.Duration `yaml:"renewal_margin"`
	DriverCallTimeout time.Duration `yaml:"driver_call_timeout"`
	SessionOpenRate   float64       `yaml:"session_open_rate"`
	SessionOpenBurst  int           `yaml:"session_open_burst"`

	RetryThreshold    int           `yaml:"retry_threshold"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	LeaseTTL          time.Duration `yaml:"lease_ttl"`
	TerminalRetention time.Duration `yaml:"terminal_retention"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	CommitTimeout     time.Duration `yaml:"commit_timeout"`

	PollInterval    time.Duration `yaml:"poll_interval"`
	EchoTTL         time.Duration `yaml:"echo_ttl"`
	Cooldown        time.Duration `yaml:"cooldown"`
	NonHumanSenders []string      `yaml:"non_human_senders"`
	ReplayHistory   bool          `yaml:"replay_history"`

	InterpreterMode    string        `yaml:"interpreter_mode"`
	OpenAIKey          string        `yaml:"openai_api_key"`
	OpenAIBaseURL      string        `yaml:"openai_base_url"`
	OpenAIModel        string        `yaml:"openai_model"`
	InterpreterTimeout time.Duration `yaml:"interpreter_timeout"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:            ":8080",
		ReadTimeout:         15 * time.Second,
		WriteTimeout:        15 * time.Second,
		IdleTimeout:         60 * time.Second,
		APIRateLimit:        1,
		APIRateBurst:        10,
		DefaultRatePerCycle: 0,
		IdempotencyTTL:      24 * time.Hour,
		IdempotencyLockTTL:  30 * time.Second,
		ArtifactDir:         artifact.RootDirOrDefault(""),
		ArtifactBaseURL:     "/artifacts",
		CDPBaseURL:          "http://127.0.0.1:9222",
		RenderTimeout:       20 * time.Second,
		LoginSettle:         2 * time.Second,
		Selectors:           cdp.DefaultSelectors(),
		CodeTimeout:         90 * time.Second,
		RenewalWindow:       4*time.Minute + 55*time.Second,
		RenewalMargin:       20 * time.Second,
		DriverCallTimeout:   45 * time.Second,
		SessionOpenRate:     1,
		SessionOpenBurst:    2,
		RetryThreshold:      3,
		RetryDelay:          2 * time.Second,
		LeaseTTL:            10 * time.Minute,
		ReaperInterval:      time.Minute,
		CommitTimeout:       10 * time.Minute,
		PollInterval:        2 * time.Second,
		EchoTTL:             2 * time.Minute,
		Cooldown:            10 * time.Second,
		InterpreterMode:     "keyword",
		OpenAIModel:         "gpt-4o-mini",
		InterpreterTimeout:  8 * time.Second,
	}
}

// Load resolves defaults, then the YAML file at path (or $HOLDKEEPER_CONFIG), then the
// environment.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if strings.TrimSpace(path) == "" {
		path = os.Getenv(FileEnv)
	}
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.ArtifactBaseURL = artifact.NormalizeBaseURL(cfg.ArtifactBaseURL)
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = envOrDefault("HOLDKEEPER_HTTP_ADDR", c.HTTPAddr)
	c.ReadTimeout = durationOrDefault("HOLDKEEPER_READ_TIMEOUT", c.ReadTimeout)
	c.WriteTimeout = durationOrDefault("HOLDKEEPER_WRITE_TIMEOUT", c.WriteTimeout)
	c.IdleTimeout = durationOrDefault("HOLDKEEPER_IDLE_TIMEOUT", c.IdleTimeout)

	c.APIKey = envOrDefault("HOLDKEEPER_API_KEY", c.APIKey)
	c.APIRateLimit = floatOrDefault("HOLDKEEPER_API_RATE_LIMIT", c.APIRateLimit)
	c.APIRateBurst = intOrDefault("HOLDKEEPER_API_RATE_BURST", c.APIRateBurst)
	c.DefaultRatePerCycle = int64(intOrDefault("HOLDKEEPER_DEFAULT_RATE_PER_CYCLE", int(c.DefaultRatePerCycle)))
	c.IdempotencyTTL = durationOrDefault("HOLDKEEPER_IDEMPOTENCY_TTL", c.IdempotencyTTL)
	c.IdempotencyLockTTL = durationOrDefault("HOLDKEEPER_IDEMPOTENCY_LOCK_TTL", c.IdempotencyLockTTL)
	c.ArtifactDir = envOrDefault("HOLDKEEPER_ARTIFACTS_DIR", c.ArtifactDir)
	c.ArtifactBaseURL = envOrDefault("HOLDKEEPER_ARTIFACT_BASE_URL", c.ArtifactBaseURL)

	c.RedisAddr = envOrDefault("REDIS_ADDR", c.RedisAddr)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.MessagesDB = envOrDefault("HOLDKEEPER_MESSAGES_DB", c.MessagesDB)

	c.CDPBaseURL = envOrDefault("HOLDKEEPER_CDP_BASE_URL", c.CDPBaseURL)
	c.EventURLTemplate = envOrDefault("HOLDKEEPER_EVENT_URL_TEMPLATE", c.EventURLTemplate)
	c.RenderTimeout = durationOrDefault("HOLDKEEPER_RENDER_TIMEOUT", c.RenderTimeout)
	c.LoginSettle = durationOrDefault("HOLDKEEPER_LOGIN_SETTLE", c.LoginSettle)

	c.Identity = envOrDefault("HOLDKEEPER_IDENTITY", c.Identity)
	c.CodeTimeout = durationOrDefault("HOLDKEEPER_CODE_TIMEOUT", c.CodeTimeout)
	c.CodeSenders = listOrDefault("HOLDKEEPER_CODE_SENDERS", c.CodeSenders)

	c.RenewalWindow = durationOrDefault("HOLDKEEPER_RENEWAL_WINDOW", c.RenewalWindow)
	c.RenewalMargin = durationOrDefault("HOLDKEEPER_RENEWAL_MARGIN", c.RenewalMargin)
	c.DriverCallTimeout = durationOrDefault("HOLDKEEPER_DRIVER_CALL_TIMEOUT", c.DriverCallTimeout)
	c.SessionOpenRate = floatOrDefault("HOLDKEEPER_SESSION_OPEN_RATE", c.SessionOpenRate)
	c.SessionOpenBurst = intOrDefault("HOLDKEEPER_SESSION_OPEN_BURST", c.SessionOpenBurst)

	c.RetryThreshold = intOrDefault("HOLDKEEPER_RETRY_THRESHOLD", c.RetryThreshold)
	c.RetryDelay = durationOrDefault("HOLDKEEPER_RETRY_DELAY", c.RetryDelay)
	c.LeaseTTL = durationOrDefault("HOLDKEEPER_LEASE_TTL", c.LeaseTTL)
	c.TerminalRetention = durationOrDefault("HOLDKEEPER_TERMINAL_RETENTION", c.TerminalRetention)
	c.ReaperInterval = durationOrDefault("HOLDKEEPER_REAPER_INTERVAL", c.ReaperInterval)
	c.CommitTimeout = durationOrDefault("HOLDKEEPER_COMMIT_TIMEOUT", c.CommitTimeout)

	c.PollInterval = durationOrDefault("HOLDKEEPER_POLL_INTERVAL", c.PollInterval)
	c.EchoTTL = durationOrDefault("HOLDKEEPER_ECHO_TTL", c.EchoTTL)
	c.Cooldown = durationOrDefault("HOLDKEEPER_COOLDOWN", c.Cooldown)
	c.NonHumanSenders = listOrDefault("HOLDKEEPER_NON_HUMAN_SENDERS", c.NonHumanSenders)
	c.ReplayHistory = boolOrDefault("HOLDKEEPER_REPLAY_HISTORY", c.ReplayHistory)

	c.InterpreterMode = envOrDefault("HOLDKEEPER_INTERPRETER", c.InterpreterMode)
	c.OpenAIKey = envOrDefault("OPENAI_API_KEY", c.OpenAIKey)
	c.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAIModel = envOrDefault("HOLDKEEPER_OPENAI_MODEL", c.OpenAIModel)
	c.InterpreterTimeout = durationOrDefault("HOLDKEEPER_INTERPRETER_TIMEOUT", c.InterpreterTimeout)
}

// RenewalTimeout is how long a renewal waits for the provider's prompt.
func (c Config) RenewalTimeout() time.Duration {
	return c.RenewalWindow + c.RenewalMargin
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	if !strings.Contains(c.EventURLTemplate, "{group}") {
		errs = append(errs, errors.New("event_url_template must contain {group}"))
	}
	if c.RenewalWindow <= 0 {
		errs = append(errs, errors.New("renewal_window must be positive"))
	}
	if c.RenewalTimeout() <= c.RenewalWindow {
		errs = append(errs, fmt.Errorf("renewal timeout %s must exceed the renewal window %s", c.RenewalTimeout(), c.RenewalWindow))
	}
	if c.LeaseTTL <= c.RenewalTimeout() {
		errs = append(errs, fmt.Errorf("lease_ttl %s must exceed the renewal timeout %s", c.LeaseTTL, c.RenewalTimeout()))
	}
	if c.RetryThreshold < 1 {
		errs = append(errs, errors.New("retry_threshold must be at least 1"))
	}
	if c.Cooldown < 0 || c.EchoTTL < 0 {
		errs = append(errs, errors.New("cooldown and echo_ttl must not be negative"))
	}
	if c.DefaultRatePerCycle < 0 {
		errs = append(errs, errors.New("default_rate_per_cycle must not be negative"))
	}
	switch strings.ToLower(strings.TrimSpace(c.InterpreterMode)) {
	case "", "keyword", "openai", "llm":
	default:
		errs = append(errs, fmt.Errorf("unknown interpreter_mode %q", c.InterpreterMode))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	c.APIKey = redact(c.APIKey)
	c.OpenAIKey = redact(c.OpenAIKey)
	if c.PostgresDSN != "" {
		c.PostgresDSN = redactDSN(c.PostgresDSN)
	}
	return c
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	return "***"
}

func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		userinfo = userinfo[:colon] + ":***"
	}
	return dsn[:scheme+3] + userinfo + dsn[at:]
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func durationOrDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func intOrDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func floatOrDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func boolOrDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if value == "" {
		return fallback
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func listOrDefault(key string, fallback []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
