package app

import (
	"strings"
	"time"

	"misskeybot/internal/bot"
	"misskeybot/internal/config"
	"misskeybot/internal/health"
	"misskeybot/internal/llm"
	"misskeybot/internal/misskey"
	"misskeybot/internal/observability/httpd"
	"misskeybot/internal/poll"
	"misskeybot/internal/reconnect"
	"misskeybot/internal/scheduler"
	"misskeybot/internal/storage"
	"misskeybot/internal/stream"
	logx "misskeybot/pkg/logx"
)

// Durations were validated by config.Validate, so the mappers below fall back
// to defaults instead of returning errors.

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: config.On(l.Console, true),
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: config.Dur(sc.BusyTimeout, 30*time.Second),
		Redis: storage.RedisConfig{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		},
	}
}

func mapMisskey(cfg *config.Config) misskey.Options {
	m := cfg.Misskey
	return misskey.Options{
		InstanceURL:       m.InstanceURL,
		Token:             m.AccessToken,
		Timeout:           config.Dur(m.Timeout, 60*time.Second),
		MaxRetries:        m.MaxRetries,
		RatePerSec:        m.RatePerSec,
		Burst:             m.Burst,
		DefaultVisibility: cfg.Bot.AutoPost.Visibility,
	}
}

func mapLLM(cfg *config.Config) llm.Config {
	o := cfg.OpenAI
	temp := llm.DefaultTemperature
	if o.Temperature != nil {
		temp = *o.Temperature
	}
	return llm.Config{
		APIKey:      o.APIKey,
		Model:       o.Model,
		APIBase:     o.APIBase,
		MaxTokens:   o.MaxTokens,
		Temperature: temp,
		Timeout:     config.Dur(o.Timeout, 60*time.Second),
		MaxRetries:  o.MaxRetries,
	}
}

func mapStream(cfg *config.Config) (stream.Options, stream.WSDialer) {
	s := cfg.Streaming
	hb := config.Dur(s.HeartbeatInterval, 60*time.Second)
	opts := stream.Options{
		URL:               misskey.StreamingURL(cfg.Misskey.InstanceURL, cfg.Misskey.AccessToken),
		SafeURL:           misskey.SafeStreamingURL(cfg.Misskey.InstanceURL),
		HeartbeatInterval: hb,
		ReadTimeout:       config.Dur(s.ReadTimeout, 3*hb),
		DupWindow:         s.DupWindow,
	}
	return opts, stream.WSDialer{HandshakeTimeout: config.Dur(s.HandshakeTimeout, 10*time.Second)}
}

func mapReconnect(cfg *config.Config) reconnect.Options {
	s := cfg.Streaming
	return reconnect.Options{
		PushEnabled:       config.On(s.Enabled, true),
		MaxAttempts:       s.MaxAttempts,
		ReconnectAttempts: s.ReconnectAttempts,
		RetryDelay:        config.Dur(s.RetryDelay, 5*time.Second),
		MaxDelay:          config.Dur(s.MaxDelay, 300*time.Second),
		MonitorInterval:   config.Dur(s.MonitorInterval, time.Second),
		StopTimeout:       config.Dur(s.StopTimeout, 5*time.Second),
		Channels:          []stream.ChannelType{stream.ChannelMain},
	}
}

func mapPoll(cfg *config.Config) poll.Options {
	r := cfg.Bot.Response
	return poll.Options{
		Interval: config.Dur(cfg.Polling.Interval, 30*time.Second),
		PageSize: cfg.Polling.PageSize,
		Mentions: config.On(r.MentionEnabled, true),
		Chat:     config.On(r.ChatEnabled, true),
	}
}

func mapBot(cfg *config.Config) bot.Settings {
	b := cfg.Bot
	return bot.Settings{
		SystemPrompt:     b.SystemPrompt,
		MentionEnabled:   config.On(b.Response.MentionEnabled, true),
		ChatEnabled:      config.On(b.Response.ChatEnabled, true),
		ChatMemory:       b.Response.ChatMemory,
		AutoPostEnabled:  config.On(b.AutoPost.Enabled, true),
		AutoPostInterval: config.Dur(b.AutoPost.Interval, 180*time.Minute),
		MaxPerDay:        b.AutoPost.MaxPerDay,
		Visibility:       b.AutoPost.Visibility,
		PostPrompt:       b.AutoPost.Prompt,
		Generation:       llm.Options{MaxTokens: cfg.OpenAI.MaxTokens, Temperature: cfg.OpenAI.Temperature},
		CleanupDays:      cfg.Storage.CleanupDays,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	sc := cfg.Scheduler
	return scheduler.Config{
		Enabled:        config.On(sc.Enabled, true),
		Timezone:       sc.Timezone,
		DefaultTimeout: config.Dur(sc.DefaultTimeout, 5*time.Minute),
	}
}

func mapOps(cfg *config.Config) httpd.Config {
	o := cfg.Ops
	return httpd.Config{
		Enabled:       o.Enabled,
		Addr:          o.Addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   config.Dur(o.ReadTimeout, 30*time.Second),
		IdleTimeout:   config.Dur(o.IdleTimeout, 2*time.Minute),
	}
}

func mapHealth(cfg *config.Config) health.Config {
	h := cfg.Health
	return health.Config{
		Enabled:      config.On(h.Enabled, true),
		Interval:     config.Dur(h.Interval, time.Hour),
		MemoryWarnMB: h.MemoryWarnMB,
	}
}
