// Package example shows the plugin hooks: it greets on mentions, answers a
// chat self-test and can supply auto-post content.
package example

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"misskeybot/internal/event"
	"misskeybot/internal/plugin"
	logx "misskeybot/pkg/logx"
)

const (
	Greeting     = "Hello! I am the example plugin, nice to meet you!"
	SelfTestOK   = "The plugin system works. This reply comes from the example plugin."
	AutoPostText = "This is auto-post content from the example plugin!"
)

var greetings = []string{"你好", "hello", "hi"}

type Config struct {
	GreetingEnabled *bool `json:"greeting_enabled,omitempty"` // default true
	AutoPostEnabled bool  `json:"auto_post_enabled,omitempty"`
}

type Plugin struct {
	plugin.Base
	cfg atomic.Pointer[Config]
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "example" }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	if err := p.OnConfigChange(ctx, deps.Config); err != nil {
		return err
	}
	c := p.cfg.Load()
	p.Log.Info("example plugin ready",
		logx.Bool("greeting", greetingOn(c)),
		logx.Bool("auto_post", c.AutoPostEnabled),
	)
	return nil
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	p.cfg.Store(&c)
	return nil
}

func greetingOn(c *Config) bool { return c.GreetingEnabled == nil || *c.GreetingEnabled }

func (p *Plugin) OnMention(_ context.Context, ev event.Event) (*plugin.Result, error) {
	if !greetingOn(p.cfg.Load()) {
		return nil, nil
	}
	text := strings.ToLower(ev.Text)
	for _, g := range greetings {
		if strings.Contains(text, g) {
			p.Log.Info("greeting", logx.String("user", ev.Username))
			return plugin.Reply(p.Name(), Greeting), nil
		}
	}
	return nil, nil
}

func (p *Plugin) OnMessage(_ context.Context, ev event.Event) (*plugin.Result, error) {
	if !greetingOn(p.cfg.Load()) {
		return nil, nil
	}
	text := strings.ToLower(ev.Text)
	if (strings.Contains(text, "plugin") && strings.Contains(text, "test")) ||
		(strings.Contains(text, "插件") && strings.Contains(text, "测试")) {
		p.Log.Info("self-test message", logx.String("user", ev.Username))
		return plugin.Reply(p.Name(), SelfTestOK), nil
	}
	return nil, nil
}

func (p *Plugin) OnAutoPost(context.Context) (*plugin.Result, error) {
	if !p.cfg.Load().AutoPostEnabled {
		return nil, nil
	}
	return &plugin.Result{Handled: true, PluginName: p.Name(), Content: AutoPostText}, nil
}
