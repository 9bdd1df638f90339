package config

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	logx "misskeybot/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"misskey":   true,
	"openai":    true,
	"streaming": true,
	"storage":   true,
}

// RequiresRestart reports whether section changes only take effect after a
// restart.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) safe structured attrs for logging (never secrets), and (3) the names
// of plugins whose enable flag, priority or config changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// Secrets are compared but only their presence is logged.
	if oldCfg.Misskey.InstanceURL != newCfg.Misskey.InstanceURL ||
		oldCfg.Misskey.AccessToken != newCfg.Misskey.AccessToken ||
		oldCfg.Misskey.Timeout != newCfg.Misskey.Timeout ||
		oldCfg.Misskey.MaxRetries != newCfg.Misskey.MaxRetries ||
		oldCfg.Misskey.RatePerSec != newCfg.Misskey.RatePerSec {
		changed = append(changed, "misskey")
		attrs = append(attrs,
			logx.String("misskey.instance_url", newCfg.Misskey.InstanceURL),
			logx.Bool("misskey.token_set", strings.TrimSpace(newCfg.Misskey.AccessToken) != ""),
		)
	}

	oo, no := oldCfg.OpenAI, newCfg.OpenAI
	oo.APIKey, no.APIKey = redact(oo.APIKey), redact(no.APIKey)
	if !reflect.DeepEqual(oo, no) || oldCfg.OpenAI.APIKey != newCfg.OpenAI.APIKey {
		changed = append(changed, "openai")
		attrs = append(attrs, logx.String("openai.model", no.Model), logx.String("openai.api_base", no.APIBase))
	}

	if !reflect.DeepEqual(oldCfg.Bot, newCfg.Bot) {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.Bool("bot.mention_enabled", On(newCfg.Bot.Response.MentionEnabled, true)),
			logx.Bool("bot.chat_enabled", On(newCfg.Bot.Response.ChatEnabled, true)),
			logx.Bool("bot.auto_post_enabled", On(newCfg.Bot.AutoPost.Enabled, true)),
			logx.String("bot.auto_post_interval", newCfg.Bot.AutoPost.Interval),
		)
	}

	if !reflect.DeepEqual(oldCfg.Streaming, newCfg.Streaming) {
		changed = append(changed, "streaming")
	}
	if oldCfg.Polling != newCfg.Polling {
		changed = append(changed, "polling")
		attrs = append(attrs, logx.String("polling.interval", newCfg.Polling.Interval))
	}

	oStore, nStore := oldCfg.Storage, newCfg.Storage
	if oStore != nStore {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", nStore.Driver), logx.Int("storage.cleanup_days", nStore.CleanupDays))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
	}

	oOps, nOps := oldCfg.Ops, newCfg.Ops
	oOps.Token, nOps.Token = redact(oOps.Token), redact(nOps.Token)
	if oOps != nOps {
		changed = append(changed, "ops")
		attrs = append(attrs, logx.Bool("ops.enabled", nOps.Enabled), logx.String("ops.addr", nOps.Addr))
	}
	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
	}

	pluginChanged := diffPlugins(oldCfg.Plugins, newCfg.Plugins)
	if len(pluginChanged) > 0 {
		changed = append(changed, "plugins")
		attrs = append(attrs,
			logx.Int("plugins.changed_count", len(pluginChanged)),
			logx.Int("plugins.enabled_count", countEnabled(newCfg.Plugins)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, pluginChanged
}

// redact keeps only whether a secret changed, never its value.
func redact(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

func countEnabled(m map[string]PluginConfigRaw) int {
	n := 0
	for _, v := range m {
		if v.Enabled {
			n++
		}
	}
	return n
}

func diffPlugins(oldM, newM map[string]PluginConfigRaw) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, n := oldM[name], newM[name]
		if o.Enabled != n.Enabled || !reflect.DeepEqual(o.Priority, n.Priority) || !sameJSON(o.Config, n.Config) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// sameJSON compares two raw JSON documents ignoring formatting and key order.
func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}
