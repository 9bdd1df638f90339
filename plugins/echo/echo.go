package echo

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"

	"misskeybot/internal/event"
	"misskeybot/internal/plugin"
)

const command = "/echo"

type Config struct {
	Prefix string `json:"prefix"`
}

// Plugin answers "/echo <text>" in mentions and chats.
type Plugin struct {
	plugin.Base
	prefix atomic.Value // string
}

func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string { return "echo" }

// Priority runs echo ahead of conversational plugins.
func (p *Plugin) Priority() int { return 100 }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return p.OnConfigChange(ctx, deps.Config)
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	p.prefix.Store(c.Prefix)
	return nil
}

func (p *Plugin) OnMention(_ context.Context, ev event.Event) (*plugin.Result, error) {
	return p.handle(ev.Text), nil
}

func (p *Plugin) OnMessage(_ context.Context, ev event.Event) (*plugin.Result, error) {
	return p.handle(ev.Text), nil
}

func (p *Plugin) handle(text string) *plugin.Result {
	arg, ok := parse(text)
	if !ok {
		return nil
	}
	if arg == "" {
		arg = "(empty)"
	}
	prefix, _ := p.prefix.Load().(string)
	return plugin.Reply(p.Name(), prefix+arg)
}

// parse finds the command anywhere after leading @mentions.
func parse(text string) (string, bool) {
	fields := strings.Fields(text)
	for len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		fields = fields[1:]
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], command) {
		return "", false
	}
	return strings.Join(fields[1:], " "), true
}
