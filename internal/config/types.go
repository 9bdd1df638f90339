package config

import (
	"bytes"
	"encoding/json"
)

// Config is the bot configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "3h").
// String values of the form "file://<path>" are replaced with the contents
// of that file when the config is loaded.
type Config struct {
	Misskey   MisskeyConfig              `json:"misskey"`
	OpenAI    OpenAIConfig               `json:"openai"`
	Bot       BotConfig                  `json:"bot"`
	Streaming StreamingConfig            `json:"streaming"`
	Polling   PollingConfig              `json:"polling"`
	Storage   StorageConfig              `json:"storage"`
	Logging   LoggingConfig              `json:"logging"`
	Scheduler SchedulerConfig            `json:"scheduler"`
	Ops       OpsConfig                  `json:"ops"`
	Health    HealthConfig               `json:"health"`
	Plugins   map[string]PluginConfigRaw `json:"plugins"`
}

type MisskeyConfig struct {
	InstanceURL string `json:"instance_url"`
	AccessToken string `json:"access_token"` // never logged
	// Timeout bounds each API call. Default "60s".
	Timeout    string  `json:"timeout,omitempty"`
	MaxRetries int     `json:"max_retries,omitempty"` // default 3
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

type OpenAIConfig struct {
	APIKey      string   `json:"api_key"`            // never logged
	Model       string   `json:"model,omitempty"`    // default "deepseek-chat"
	APIBase     string   `json:"api_base,omitempty"` // default "https://api.deepseek.com/v1"
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty"`
}

type BotConfig struct {
	SystemPrompt string         `json:"system_prompt"`
	Response     ResponseConfig `json:"response"`
	AutoPost     AutoPostConfig `json:"auto_post"`
}

// ResponseConfig controls replies to inbound events.
//
// GateStreaming applies the startup-time filter to streaming events too.
// Polling always applies it.
type ResponseConfig struct {
	MentionEnabled *bool `json:"mention_enabled,omitempty"` // default true
	ChatEnabled    *bool `json:"chat_enabled,omitempty"`    // default true
	ChatMemory     int   `json:"chat_memory,omitempty"`     // default 10
	GateStreaming  bool  `json:"gate_streaming,omitempty"`
}

type AutoPostConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`  // default true
	Interval   string `json:"interval,omitempty"` // default "180m"
	MaxPerDay  int    `json:"max_per_day,omitempty"`
	Visibility string `json:"visibility,omitempty"` // default "public"
	Prompt     string `json:"prompt,omitempty"`
}

// StreamingConfig controls the push transport and its reconnect supervisor.
type StreamingConfig struct {
	Enabled           *bool  `json:"enabled,omitempty"` // default true; false means polling only
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	ReadTimeout       string `json:"read_timeout,omitempty"` // default 3x heartbeat
	HandshakeTimeout  string `json:"handshake_timeout,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	RetryDelay        string `json:"retry_delay,omitempty"`
	MaxDelay          string `json:"max_delay,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"`
	MonitorInterval   string `json:"monitor_interval,omitempty"`
	DupWindow         int    `json:"dup_window,omitempty"`
	StopTimeout       string `json:"stop_timeout,omitempty"`
}

type PollingConfig struct {
	Interval string `json:"interval,omitempty"` // default "30s"
	PageSize int    `json:"page_size,omitempty"`
}

// StorageConfig controls the processed-event ledger.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/misskeybot.db }
type StorageConfig struct {
	Driver      string      `json:"driver"`
	Path        string      `json:"path"`
	BusyTimeout string      `json:"busy_timeout,omitempty"`
	CleanupDays int         `json:"cleanup_days,omitempty"`
	CacheSize   int         `json:"cache_size,omitempty"`
	WarmLimit   int         `json:"warm_limit,omitempty"`
	Redis       RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"` // default true
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// SchedulerConfig controls the cron service running auto-post and
// housekeeping jobs.
type SchedulerConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"` // default true
	Timezone       string `json:"timezone,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
}

// OpsConfig controls the optional ops HTTP server (/healthz, /metrics,
// /debug/pprof/).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

type HealthConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"` // default true
	Interval     string `json:"interval,omitempty"`
	MemoryWarnMB int    `json:"memory_warn_mb,omitempty"`
}

type PluginConfigRaw struct {
	Enabled bool `json:"enabled"`
	// Priority overrides the plugin's own priority when set.
	Priority *int            `json:"priority,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in plugin blocks are
// caught during reload.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled  bool            `json:"enabled"`
		Priority *int            `json:"priority,omitempty"`
		Config   json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Priority: t.Priority, Config: t.Config}
	return nil
}

// On reports a tri-state flag, using def when unset.
func On(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func boolPtr(v bool) *bool { return &v }
