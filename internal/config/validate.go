package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var visibilities = map[string]bool{"public": true, "home": true, "followers": true, "specified": true}

// Validate checks a defaulted config. All problems are reported at once.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if u, err := url.Parse(c.Misskey.InstanceURL); c.Misskey.InstanceURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("misskey.instance_url: must be an http(s) URL")
	}
	if strings.TrimSpace(c.Misskey.AccessToken) == "" {
		add("misskey.access_token: required")
	}
	if strings.TrimSpace(c.OpenAI.APIKey) == "" {
		add("openai.api_key: required")
	}
	if u, err := url.Parse(c.OpenAI.APIBase); err != nil || u.Host == "" {
		add("openai.api_base: must be a URL")
	}
	if t := c.OpenAI.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("openai.temperature: must be within [0, 2]")
	}
	if !visibilities[c.Bot.AutoPost.Visibility] {
		add("bot.auto_post.visibility: unknown visibility %q", c.Bot.AutoPost.Visibility)
	}

	for _, d := range []struct{ path, raw string }{
		{"misskey.timeout", c.Misskey.Timeout},
		{"openai.timeout", c.OpenAI.Timeout},
		{"bot.auto_post.interval", c.Bot.AutoPost.Interval},
		{"streaming.heartbeat_interval", c.Streaming.HeartbeatInterval},
		{"streaming.read_timeout", c.Streaming.ReadTimeout},
		{"streaming.handshake_timeout", c.Streaming.HandshakeTimeout},
		{"streaming.retry_delay", c.Streaming.RetryDelay},
		{"streaming.max_delay", c.Streaming.MaxDelay},
		{"streaming.monitor_interval", c.Streaming.MonitorInterval},
		{"streaming.stop_timeout", c.Streaming.StopTimeout},
		{"polling.interval", c.Polling.Interval},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"ops.read_timeout", c.Ops.ReadTimeout},
		{"ops.idle_timeout", c.Ops.IdleTimeout},
		{"health.interval", c.Health.Interval},
	} {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if Dur(c.Polling.Interval, time.Second) < 100*time.Millisecond {
		add("polling.interval: must be at least 100ms")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "sqlite", "sqlite3", "file":
	case "redis":
		if strings.TrimSpace(c.Storage.Redis.Addr) == "" {
			add("storage.redis.addr: required for redis driver")
		}
	default:
		add("storage.driver: unknown driver %q", c.Storage.Driver)
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", c.Logging.Level)
	}

	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("scheduler.timezone: %v", err)
		}
	}

	if c.Ops.Enabled && !c.Ops.AllowInsecure && strings.TrimSpace(c.Ops.Token) == "" && !isLoopback(c.Ops.Addr) {
		add("ops.addr: non-loopback address requires ops.token or ops.allow_insecure")
	}

	return errors.Join(errs...)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
