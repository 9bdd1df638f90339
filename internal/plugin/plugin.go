// Package plugin is the bot's extension chain. Plugins see every mention,
// chat message and auto-post tick before the language model does, and may
// answer, swallow or reshape them.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"misskeybot/internal/event"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/storage"
	logx "misskeybot/pkg/logx"
)

// Plugin is implemented by every extension. Embed Base to get no-op hooks.
type Plugin interface {
	Name() string
	// Priority orders the chain; higher runs first. Config may override it.
	Priority() int
	Init(ctx context.Context, deps Deps) error
	OnStartup(ctx context.Context) error
	OnMention(ctx context.Context, ev event.Event) (*Result, error)
	OnMessage(ctx context.Context, ev event.Event) (*Result, error)
	OnAutoPost(ctx context.Context) (*Result, error)
	OnShutdown(ctx context.Context) error
}

// Configurable plugins receive their raw config block again on hot reload.
type Configurable interface {
	OnConfigChange(ctx context.Context, raw json.RawMessage) error
}

// Result is what a hook hands back to the bot.
//
// For mentions and messages, Handled stops the chain; a non-empty Response
// is sent as the reply. For auto-post, Content is posted as-is, otherwise
// ModifyPrompt lets the plugin prefix the model prompt.
type Result struct {
	Handled    bool
	PluginName string
	Response   string

	Content    string
	Visibility string

	ModifyPrompt bool
	PluginPrompt string
	// Timestamp replaces the unix-minute stamp in the prompt when non-zero.
	Timestamp int64
}

// Status is a read-only snapshot of the running bot.
type Status struct {
	Started    time.Time
	Uptime     time.Duration
	Username   string
	Transport  string
	Fallback   string
	PostsToday int
	MaxPerDay  int
	LastPost   time.Time
	Accepted   int64
	Errors     map[string]int64
}

// Deps are handed to Init.
type Deps struct {
	Logger logx.Logger
	KV     storage.KV
	Bus    eventbus.Bus
	Config json.RawMessage
	// Status is nil when the host does not expose one.
	Status func() Status
}

var ErrNoKV = errors.New("plugin storage not available")

// Base gives a plugin a scoped logger, namespaced storage and no-op hooks.
//
//	type Plugin struct{ plugin.Base }
//	func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error { p.InitBase(deps, p.Name()); return nil }
type Base struct {
	Log  logx.Logger
	Deps Deps
	name string
}

// InitBase wires deps and the logger.
func (b *Base) InitBase(deps Deps, name string) {
	b.Deps = deps
	b.name = name
	log := deps.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	b.Log = log.With(logx.String("plugin", name))
}

func (b *Base) Priority() int { return 0 }
func (b *Base) OnStartup(context.Context) error { return nil }
func (b *Base) OnMention(context.Context, event.Event) (*Result, error) { return nil, nil }
func (b *Base) OnMessage(context.Context, event.Event) (*Result, error) { return nil, nil }
func (b *Base) OnAutoPost(context.Context) (*Result, error) { return nil, nil }
func (b *Base) OnShutdown(context.Context) error { return nil }

// Get reads a value from this plugin's storage namespace.
func (b *Base) Get(ctx context.Context, key string) (string, bool, error) {
	if b.Deps.KV == nil {
		return "", false, ErrNoKV
	}
	return b.Deps.KV.Get(ctx, b.name, key)
}

func (b *Base) Set(ctx context.Context, key, value string) error {
	if b.Deps.KV == nil {
		return ErrNoKV
	}
	return b.Deps.KV.Set(ctx, b.name, key, value)
}

func (b *Base) Delete(ctx context.Context, key string) error {
	if b.Deps.KV == nil {
		return ErrNoKV
	}
	return b.Deps.KV.Delete(ctx, b.name, key)
}

// Publish sends a plugin event on the bus, if there is one.
func (b *Base) Publish(typ string, data any) {
	if b.Deps.Bus == nil {
		return
	}
	b.Deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// Status returns the host snapshot, or false when the host has none.
func (b *Base) Status() (Status, bool) {
	if b.Deps.Status == nil {
		return Status{}, false
	}
	return b.Deps.Status(), true
}

// Reply is a handled result carrying a response.
func Reply(name, text string) *Result {
	return &Result{Handled: true, PluginName: name, Response: text}
}

// DecodeConfig decodes a plugin's raw config block into T.
func DecodeConfig[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
