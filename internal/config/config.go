package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven configuration.
type Config struct {
	Store string // mysql (default) or memory
	MySQL struct {
		DSN string // e.g., user:pass@tcp(host:3306)/togglsync
	}
	HTTP struct {
		Addr       string // default: :8080
		AdminToken string // enables /admin routes when set
	}
	Toggl struct {
		BaseURL        string // default: https://api.track.toggl.com
		WebhookBaseURL string // default: https://api.track.toggl.com/webhooks/api/v1
		WebhookDomain  string // host our webhook callbacks are registered under
	}
	Google struct {
		ClientID     string
		ClientSecret string
		RedirectURL  string
		Timezone     string // default: UTC
	}
	Sync struct {
		QuietWindow      time.Duration
		ValidateInterval time.Duration
		ValidateBatch    int
		CatchUpInterval  time.Duration
		MaxRetries       int
		RetryBaseDelay   time.Duration
		RetryMaxDelay    time.Duration // 0 means uncapped
	}
	Scheduler struct {
		Workers int
	}
	Log struct {
		Level string // debug, info, warn, error
		File  string // rotate through lumberjack when set
	}
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first; variables already set win.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	var errs []error

	cfg.Store = strings.ToLower(getenv("STORE", "mysql"))
	if cfg.Store != "mysql" && cfg.Store != "memory" {
		errs = append(errs, fmt.Errorf("STORE must be mysql or memory, got %q", cfg.Store))
	}
	cfg.MySQL.DSN = os.Getenv("MYSQL_DSN")
	if cfg.Store == "mysql" && cfg.MySQL.DSN == "" {
		errs = append(errs, errors.New("MYSQL_DSN is required"))
	}

	cfg.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	cfg.HTTP.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.Toggl.BaseURL = getenv("TOGGL_BASE_URL", "https://api.track.toggl.com")
	cfg.Toggl.WebhookBaseURL = getenv("TOGGL_WEBHOOK_BASE_URL", "https://api.track.toggl.com/webhooks/api/v1")
	cfg.Toggl.WebhookDomain = os.Getenv("WEBHOOK_DOMAIN")

	cfg.Google.ClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.Google.ClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.Google.RedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	cfg.Google.Timezone = getenv("GOOGLE_CALENDAR_TIMEZONE", "UTC")
	if _, err := time.LoadLocation(cfg.Google.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("GOOGLE_CALENDAR_TIMEZONE: %w", err))
	}

	durations := []struct {
		name string
		def  time.Duration
		dst  *time.Duration
	}{
		{"SYNC_QUIET_WINDOW", 60 * time.Second, &cfg.Sync.QuietWindow},
		{"SYNC_VALIDATE_INTERVAL", 10 * time.Second, &cfg.Sync.ValidateInterval},
		{"SYNC_CATCHUP_INTERVAL", time.Minute, &cfg.Sync.CatchUpInterval},
		{"SYNC_RETRY_BASE_DELAY", 30 * time.Second, &cfg.Sync.RetryBaseDelay},
		{"SYNC_RETRY_MAX_DELAY", 0, &cfg.Sync.RetryMaxDelay},
	}
	for _, d := range durations {
		v, err := durationEnv(d.name, d.def)
		if err != nil {
			errs = append(errs, err)
		}
		*d.dst = v
	}

	ints := []struct {
		name string
		def  int
		min  int
		dst  *int
	}{
		{"SYNC_VALIDATE_BATCH", 20, 1, &cfg.Sync.ValidateBatch},
		{"SYNC_MAX_RETRIES", 5, 0, &cfg.Sync.MaxRetries},
		{"SCHEDULER_WORKERS", 4, 1, &cfg.Scheduler.Workers},
	}
	for _, n := range ints {
		v, err := intEnv(n.name, n.def, n.min)
		if err != nil {
			errs = append(errs, err)
		}
		*n.dst = v
	}

	cfg.Log.Level = strings.ToLower(getenv("LOG_LEVEL", "info"))
	cfg.Log.File = os.Getenv("LOG_FILE")

	return cfg, errors.Join(errs...)
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// durationEnv accepts a Go duration ("90s", "1m30s") or bare seconds ("90").
func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return def, fmt.Errorf("%s must not be negative", name)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def, fmt.Errorf("%s must be a duration or a number of seconds, got %q", name, v)
	}
	return d, nil
}

func intEnv(name string, def, min int) (int, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s must be an integer", name)
	}
	if n < min {
		return def, fmt.Errorf("%s must be at least %d", name, min)
	}
	return n, nil
}
