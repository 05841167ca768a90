// Package config loads environment variables and provides a typed Config used
// across the service. Components never read the environment themselves; main
// loads once at startup and passes the struct into constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPollInterval matches the platform-friendly 60s cadence; accuracy
	// of change detection is bounded by this value.
	DefaultPollInterval = 60 * time.Second
	DefaultStateFile    = "state.json"
	DefaultHTTPAddr     = ":8080"
)

type Config struct {
	// Twitch app credentials (client-credentials grant).
	TwitchClientID     string
	TwitchClientSecret string

	// Webhook sink for change notifications.
	WebhookURL string

	// Channels to watch, lowercased logins in configured order. The order is
	// also the notification order within a cycle.
	Channels []string

	PollInterval time.Duration
	StateFile    string
	HTTPAddr     string
}

// Load reads environment variables and applies defaults. Missing required
// variables are reported by Validate, not here, so tests can build partial
// configs.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")
	cfg.WebhookURL = os.Getenv("DISCORD_WEBHOOK_URL")
	cfg.Channels = splitChannels(os.Getenv("STREAMERS"))

	cfg.PollInterval = DefaultPollInterval
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL %q: %w", v, err)
		}
		cfg.PollInterval = d
	}

	cfg.StateFile = os.Getenv("STATE_FILE")
	if cfg.StateFile == "" {
		cfg.StateFile = DefaultStateFile
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
	}

	return cfg, nil
}

// Validate checks the fields the poll loop cannot run without. A non-nil
// return is fatal at startup (process exits non-zero before polling).
func (c *Config) Validate() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET")
	}
	if c.WebhookURL == "" {
		return fmt.Errorf("missing DISCORD_WEBHOOK_URL")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("provide STREAMERS (comma-separated Twitch logins)")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	return nil
}

// parseInterval accepts a Go duration ("90s", "2m") or a bare integer meaning
// seconds, the format older deployments used.
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func splitChannels(v string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(v, ",") {
		login := strings.ToLower(strings.TrimSpace(part))
		if login == "" || seen[login] {
			continue
		}
		seen[login] = true
		out = append(out, login)
	}
	return out
}
