// ABOUTME: Service configuration loaded from STEPWISE_* environment variables.
// ABOUTME: Falls back to provider-specific variables for the model endpoint and refuses open binds.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/stepwise/executor"
	"github.com/2389-research/stepwise/store"
)

var (
	// ErrNonLoopbackBind is returned when STEPWISE_BIND would expose the API
	// without STEPWISE_ALLOW_REMOTE. The API has no authentication.
	ErrNonLoopbackBind = errors.New(
		"STEPWISE_BIND is a non-loopback address but STEPWISE_ALLOW_REMOTE is not true; the API is unauthenticated",
	)

	// ErrNoModelEndpoint is returned by RequireModel when no base URL is configured.
	ErrNoModelEndpoint = errors.New(
		"no model endpoint configured; set STEPWISE_MODEL_BASE_URL (or UNBOUND_API_URL / OPENAI_BASE_URL)",
	)
)

// Config holds everything the CLI and server need to wire the service.
type Config struct {
	DBPath       string        // STEPWISE_DB, default ~/.stepwise/stepwise.db
	Bind         string        // STEPWISE_BIND, default 127.0.0.1:7780
	AllowRemote  bool          // STEPWISE_ALLOW_REMOTE
	LogLevel     string        // STEPWISE_LOG_LEVEL, default info
	ModelBaseURL string        // STEPWISE_MODEL_BASE_URL, UNBOUND_API_URL, OPENAI_BASE_URL
	ModelAPIKey  string        // STEPWISE_MODEL_API_KEY, UNBOUND_API_KEY, OPENAI_API_KEY
	MaxAttempts  int           // STEPWISE_MAX_ATTEMPTS, default 3
	RetryDelay   time.Duration // STEPWISE_RETRY_DELAY, default 2s
	CallTimeout  time.Duration // STEPWISE_CALL_TIMEOUT, default 60s
	StepPause    time.Duration // STEPWISE_STEP_PAUSE, default 1s
	RunLease     time.Duration // STEPWISE_RUN_LEASE, default 2m
	ProgressDir  string        // STEPWISE_PROGRESS_DIR, optional NDJSON progress logs
}

// Load reads configuration from the environment with defaults.
func Load() (*Config, error) {
	dbPath := envOrDefault("STEPWISE_DB", "")
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "/tmp"
		}
		dbPath = filepath.Join(homeDir, ".stepwise", "stepwise.db")
	}

	cfg := &Config{
		DBPath:       dbPath,
		Bind:         envOrDefault("STEPWISE_BIND", "127.0.0.1:7780"),
		AllowRemote:  truthy(os.Getenv("STEPWISE_ALLOW_REMOTE")),
		LogLevel:     envOrDefault("STEPWISE_LOG_LEVEL", "info"),
		ModelBaseURL: firstEnv("STEPWISE_MODEL_BASE_URL", "UNBOUND_API_URL", "OPENAI_BASE_URL"),
		ModelAPIKey:  firstEnv("STEPWISE_MODEL_API_KEY", "UNBOUND_API_KEY", "OPENAI_API_KEY"),
		ProgressDir:  os.Getenv("STEPWISE_PROGRESS_DIR"),
	}

	var err error
	if cfg.MaxAttempts, err = envInt("STEPWISE_MAX_ATTEMPTS", executor.DefaultMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("STEPWISE_MAX_ATTEMPTS must be at least 1, got %d", cfg.MaxAttempts)
	}
	if cfg.RetryDelay, err = envDuration("STEPWISE_RETRY_DELAY", executor.DefaultRetryDelay); err != nil {
		return nil, err
	}
	if cfg.CallTimeout, err = envDuration("STEPWISE_CALL_TIMEOUT", executor.DefaultCallTimeout); err != nil {
		return nil, err
	}
	if cfg.StepPause, err = envDuration("STEPWISE_STEP_PAUSE", executor.DefaultStepPause); err != nil {
		return nil, err
	}
	if cfg.RunLease, err = envDuration("STEPWISE_RUN_LEASE", store.DefaultLeaseTTL); err != nil {
		return nil, err
	}
	if cfg.RunLease < time.Second {
		return nil, fmt.Errorf("STEPWISE_RUN_LEASE must be at least 1s, got %s", cfg.RunLease)
	}

	if err := cfg.CheckBind(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CheckBind refuses non-loopback addresses unless remote access is allowed.
// Only 127.0.0.0/8, ::1, and "localhost" count as loopback.
func (c *Config) CheckBind() error {
	if c.AllowRemote {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Bind)
	if err != nil || host == "" {
		return fmt.Errorf("%w: STEPWISE_BIND=%s", ErrNonLoopbackBind, c.Bind)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: STEPWISE_BIND=%s", ErrNonLoopbackBind, c.Bind)
}

// RequireModel reports whether a model endpoint is configured. Commands that
// only read or edit definitions do not need one.
func (c *Config) RequireModel() error {
	if strings.TrimSpace(c.ModelBaseURL) == "" {
		return ErrNoModelEndpoint
	}
	return nil
}

// RetryPolicy returns the attempt policy described by the config.
func (c *Config) RetryPolicy() executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts: c.MaxAttempts,
		Delay:       c.RetryDelay,
		CallTimeout: c.CallTimeout,
	}
}

// LeaseRenew is how often a run renews its lease: four times per lease, so
// a few slow writes do not let it go stale.
func (c *Config) LeaseRenew() time.Duration {
	return c.RunLease / 4
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

// envDuration accepts Go duration strings ("1500ms") or bare seconds ("2").
func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("%s: negative duration %q", key, v)
		}
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, v)
	}
	return d, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	}
	return false
}
