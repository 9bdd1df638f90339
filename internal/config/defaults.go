package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	DefaultModel      = "deepseek-chat"
	DefaultAPIBase    = "https://api.deepseek.com/v1"
	DefaultDBPath     = "data/misskeybot.db"
	DefaultLogPath    = "logs/misskeybot.log"
	DefaultOpsAddr    = "127.0.0.1:9090"
	DefaultVisibility = "public"
)

// ApplyDefaults fills zero values. It is idempotent.
func ApplyDefaults(c *Config) {
	if c == nil {
		return
	}
	m := &c.Misskey
	m.InstanceURL = strings.TrimRight(strings.TrimSpace(m.InstanceURL), "/")
	setStr(&m.Timeout, "60s")
	setInt(&m.MaxRetries, 3)

	o := &c.OpenAI
	setStr(&o.Model, DefaultModel)
	setStr(&o.APIBase, DefaultAPIBase)
	o.APIBase = strings.TrimRight(o.APIBase, "/")
	setInt(&o.MaxTokens, 1000)
	if o.Temperature == nil {
		t := 0.8
		o.Temperature = &t
	}
	setStr(&o.Timeout, "60s")
	setInt(&o.MaxRetries, 3)

	r := &c.Bot.Response
	if r.MentionEnabled == nil {
		r.MentionEnabled = boolPtr(true)
	}
	if r.ChatEnabled == nil {
		r.ChatEnabled = boolPtr(true)
	}
	setInt(&r.ChatMemory, 10)

	ap := &c.Bot.AutoPost
	if ap.Enabled == nil {
		ap.Enabled = boolPtr(true)
	}
	setStr(&ap.Interval, "180m")
	setInt(&ap.MaxPerDay, 8)
	setStr(&ap.Visibility, DefaultVisibility)

	s := &c.Streaming
	if s.Enabled == nil {
		s.Enabled = boolPtr(true)
	}
	setStr(&s.HeartbeatInterval, "60s")
	setStr(&s.HandshakeTimeout, "10s")
	setInt(&s.MaxAttempts, 5)
	setStr(&s.RetryDelay, "5s")
	setStr(&s.MaxDelay, "300s")
	setInt(&s.ReconnectAttempts, 1)
	setStr(&s.MonitorInterval, "1s")
	setInt(&s.DupWindow, 100)
	setStr(&s.StopTimeout, "5s")

	setStr(&c.Polling.Interval, "30s")
	setInt(&c.Polling.PageSize, 100)

	st := &c.Storage
	setStr(&st.Driver, "sqlite")
	if d := strings.ToLower(st.Driver); d == "sqlite" || d == "sqlite3" || d == "file" {
		setStr(&st.Path, DefaultDBPath)
	}
	setStr(&st.BusyTimeout, "30s")
	setInt(&st.CleanupDays, 30)
	setInt(&st.CacheSize, 500)
	setInt(&st.WarmLimit, st.CacheSize)

	l := &c.Logging
	setStr(&l.Level, "info")
	if l.Console == nil {
		l.Console = boolPtr(true)
	}
	if l.File.Enabled {
		setStr(&l.File.Path, DefaultLogPath)
	}

	sc := &c.Scheduler
	if sc.Enabled == nil {
		sc.Enabled = boolPtr(true)
	}
	setStr(&sc.Timezone, "UTC")
	setStr(&sc.DefaultTimeout, "5m")

	setStr(&c.Ops.Addr, DefaultOpsAddr)

	h := &c.Health
	if h.Enabled == nil {
		h.Enabled = boolPtr(true)
	}
	setStr(&h.Interval, "1h")
	setInt(&h.MemoryWarnMB, 1024)

	if c.Plugins == nil {
		c.Plugins = map[string]PluginConfigRaw{}
	}
}

// envBinding maps an environment variable onto a config field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

var envBindings = []envBinding{
	{"MISSKEY_INSTANCE_URL", func(c *Config, v string) error { c.Misskey.InstanceURL = v; return nil }},
	{"MISSKEY_ACCESS_TOKEN", func(c *Config, v string) error { c.Misskey.AccessToken = v; return nil }},
	{"OPENAI_API_KEY", func(c *Config, v string) error { c.OpenAI.APIKey = v; return nil }},
	{"OPENAI_MODEL", func(c *Config, v string) error { c.OpenAI.Model = v; return nil }},
	{"OPENAI_API_BASE", func(c *Config, v string) error { c.OpenAI.APIBase = v; return nil }},
	{"OPENAI_MAX_TOKENS", func(c *Config, v string) error { return parseInt(v, &c.OpenAI.MaxTokens) }},
	{"OPENAI_TEMPERATURE", func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		c.OpenAI.Temperature = &f
		return nil
	}},
	{"BOT_SYSTEM_PROMPT", func(c *Config, v string) error { c.Bot.SystemPrompt = v; return nil }},
	{"BOT_AUTO_POST_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Bot.AutoPost.Enabled) }},
	{"BOT_AUTO_POST_INTERVAL", func(c *Config, v string) error { c.Bot.AutoPost.Interval = minutesOrDuration(v); return nil }},
	{"BOT_AUTO_POST_MAX_PER_DAY", func(c *Config, v string) error { return parseInt(v, &c.Bot.AutoPost.MaxPerDay) }},
	{"BOT_AUTO_POST_VISIBILITY", func(c *Config, v string) error { c.Bot.AutoPost.Visibility = v; return nil }},
	{"BOT_AUTO_POST_PROMPT", func(c *Config, v string) error { c.Bot.AutoPost.Prompt = v; return nil }},
	{"BOT_RESPONSE_MENTION_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Bot.Response.MentionEnabled) }},
	{"BOT_RESPONSE_CHAT_ENABLED", func(c *Config, v string) error { return parseBool(v, &c.Bot.Response.ChatEnabled) }},
	{"BOT_RESPONSE_CHAT_MEMORY", func(c *Config, v string) error { return parseInt(v, &c.Bot.Response.ChatMemory) }},
	{"BOT_RESPONSE_POLLING_INTERVAL", func(c *Config, v string) error { c.Polling.Interval = v; return nil }},
	{"DB_DRIVER", func(c *Config, v string) error { c.Storage.Driver = v; return nil }},
	{"DB_PATH", func(c *Config, v string) error { c.Storage.Path = v; return nil }},
	{"REDIS_ADDR", func(c *Config, v string) error { c.Storage.Redis.Addr = v; return nil }},
	{"LOG_PATH", func(c *Config, v string) error {
		c.Logging.File.Enabled = true
		c.Logging.File.Path = v
		return nil
	}},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

// ApplyEnv overrides config fields from the environment. Unset or empty
// variables are ignored.
func ApplyEnv(c *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range envBindings {
		v, ok := lookup(b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("env %s: %w", b.name, err)
		}
	}
	return nil
}

// ResolveFiles replaces "file://<path>" prompt values with file contents.
// Relative paths are resolved against baseDir.
func ResolveFiles(c *Config, baseDir string) error {
	for _, f := range []struct {
		name string
		ptr  *string
	}{
		{"bot.system_prompt", &c.Bot.SystemPrompt},
		{"bot.auto_post.prompt", &c.Bot.AutoPost.Prompt},
		{"misskey.access_token", &c.Misskey.AccessToken},
		{"openai.api_key", &c.OpenAI.APIKey},
	} {
		v := strings.TrimSpace(*f.ptr)
		if !strings.HasPrefix(v, "file://") {
			continue
		}
		p := strings.TrimPrefix(v, "file://")
		if !filepath.IsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.ptr = strings.TrimSpace(string(b))
	}
	return nil
}

func setStr(p *string, def string) {
	if strings.TrimSpace(*p) == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func parseInt(v string, out *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*out = n
	return nil
}

func parseBool(v string, out **bool) error {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*out = boolPtr(true)
	case "0", "false", "no", "off":
		*out = boolPtr(false)
	default:
		return fmt.Errorf("invalid bool %q", v)
	}
	return nil
}

// minutesOrDuration accepts a bare integer as minutes.
func minutesOrDuration(v string) string {
	if _, err := strconv.Atoi(v); err == nil {
		return v + "m"
	}
	return v
}
