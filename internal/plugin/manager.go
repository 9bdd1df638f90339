package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"misskeybot/internal/config"
	"misskeybot/internal/event"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/storage"
	logx "misskeybot/pkg/logx"
)

const DefaultHookTimeout = 30 * time.Second

// HostDeps are shared by every plugin; the manager adds the per-plugin
// logger scope and config block.
type HostDeps struct {
	Logger logx.Logger
	KV     storage.KV
	Bus    eventbus.Bus
	Status func() Status
}

// Info describes a registered plugin.
type Info struct {
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Priority int    `json:"priority"`
	Err      string `json:"err,omitempty"`
}

type entry struct {
	p        Plugin
	name     string
	priority int
	enabled  bool
	inited   bool
	rawHash  uint64
	err      string
}

// Manager owns the registered plugins and runs the hook chain.
//
// Hooks run one plugin at a time in priority order (highest first, ties by
// name). A panicking or slow plugin is logged and skipped; it never takes
// the chain down.
type Manager struct {
	log         logx.Logger
	host        HostDeps
	hookTimeout time.Duration

	mu    sync.RWMutex
	reg   map[string]*entry
	chain []*entry
}

func NewManager(host HostDeps, hookTimeout time.Duration) *Manager {
	log := host.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	if hookTimeout <= 0 {
		hookTimeout = DefaultHookTimeout
	}
	return &Manager{
		log:         log.With(logx.String("comp", "plugin")),
		host:        host,
		hookTimeout: hookTimeout,
		reg:         map[string]*entry{},
	}
}

// Register adds plugins. They stay disabled until Configure enables them.
func (m *Manager) Register(ps ...Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ps {
		if p == nil {
			continue
		}
		name := p.Name()
		if name == "" {
			return fmt.Errorf("plugin %T has no name", p)
		}
		if _, dup := m.reg[name]; dup {
			return fmt.Errorf("plugin %q registered twice", name)
		}
		m.reg[name] = &entry{p: p, name: name, priority: p.Priority()}
	}
	return nil
}

// Configure reconciles plugins against the plugins config section. It is
// called once at startup and again on every hot reload.
//
// Enabling runs Init; a failing Init leaves the plugin disabled. Disabling
// runs OnShutdown. A changed config block on an enabled plugin is delivered
// through OnConfigChange when the plugin is Configurable.
func (m *Manager) Configure(ctx context.Context, cfg map[string]config.PluginConfigRaw) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.namesLocked() {
		e := m.reg[name]
		raw, ok := cfg[name]
		want := ok && raw.Enabled

		e.priority = e.p.Priority()
		if ok && raw.Priority != nil {
			e.priority = *raw.Priority
		}

		switch {
		case want && !e.inited:
			m.initLocked(ctx, e, raw.Config)
		case want && e.inited:
			h := hashJSON(raw.Config)
			if h == e.rawHash {
				continue
			}
			cp, ok := e.p.(Configurable)
			if !ok {
				e.rawHash = h
				continue
			}
			err := m.call(ctx, e.name, "config", func(c context.Context) error { return cp.OnConfigChange(c, raw.Config) })
			if err != nil {
				m.log.Warn("plugin rejected config change; keeping previous", logx.String("plugin", e.name), logx.Err(err))
				m.emit(e.name, "config_failed", err)
				continue
			}
			e.rawHash = h
			m.log.Info("plugin config updated", logx.String("plugin", e.name))
		case !want && e.inited:
			m.shutdownLocked(ctx, e)
			e.enabled = false
			m.log.Info("plugin disabled", logx.String("plugin", e.name))
		default:
			e.enabled = false
		}
	}
	m.rebuildLocked()
}

func (m *Manager) initLocked(ctx context.Context, e *entry, raw json.RawMessage) {
	deps := Deps{
		Logger: m.host.Logger,
		KV:     m.host.KV,
		Bus:    m.host.Bus,
		Config: raw,
		Status: m.host.Status,
	}
	started := time.Now()
	err := m.call(ctx, e.name, "init", func(c context.Context) error { return e.p.Init(c, deps) })
	if err != nil {
		e.enabled = false
		e.err = err.Error()
		m.log.Error("plugin init failed; disabled", logx.String("plugin", e.name), logx.Err(err))
		m.emit(e.name, "init_failed", err)
		return
	}
	e.inited = true
	e.enabled = true
	e.err = ""
	e.rawHash = hashJSON(raw)
	m.log.Info("plugin enabled",
		logx.String("plugin", e.name),
		logx.Int("priority", e.priority),
		logx.Duration("took", time.Since(started)),
	)
	m.emit(e.name, "enabled", nil)
}

func (m *Manager) shutdownLocked(ctx context.Context, e *entry) {
	if err := m.call(ctx, e.name, "shutdown", e.p.OnShutdown); err != nil {
		m.log.Warn("plugin cleanup failed", logx.String("plugin", e.name), logx.Err(err))
	}
	e.inited = false
	m.emit(e.name, "shutdown", nil)
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.reg))
	for n := range m.reg {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) rebuildLocked() {
	chain := make([]*entry, 0, len(m.reg))
	for _, e := range m.reg {
		if e.enabled {
			chain = append(chain, e)
		}
	}
	sort.Slice(chain, func(i, j int) bool {
		if chain[i].priority != chain[j].priority {
			return chain[i].priority > chain[j].priority
		}
		return chain[i].name < chain[j].name
	})
	m.chain = chain
}

func (m *Manager) snapshot() []*entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.chain
}

// Startup runs OnStartup on every enabled plugin.
func (m *Manager) Startup(ctx context.Context) {
	for _, e := range m.snapshot() {
		if err := m.call(ctx, e.name, "startup", e.p.OnStartup); err != nil {
			m.log.Warn("plugin startup hook failed", logx.String("plugin", e.name), logx.Err(err))
		}
	}
}

// Mention collects the non-nil results of OnMention in chain order.
func (m *Manager) Mention(ctx context.Context, ev event.Event) []Result {
	return m.collect(ctx, "mention", func(c context.Context, p Plugin) (*Result, error) { return p.OnMention(c, ev) })
}

// Message collects the non-nil results of OnMessage in chain order.
func (m *Manager) Message(ctx context.Context, ev event.Event) []Result {
	return m.collect(ctx, "message", func(c context.Context, p Plugin) (*Result, error) { return p.OnMessage(c, ev) })
}

// AutoPost collects the non-nil results of OnAutoPost in chain order.
func (m *Manager) AutoPost(ctx context.Context) []Result {
	return m.collect(ctx, "auto_post", func(c context.Context, p Plugin) (*Result, error) { return p.OnAutoPost(c) })
}

func (m *Manager) collect(ctx context.Context, hook string, fn func(context.Context, Plugin) (*Result, error)) []Result {
	var out []Result
	for _, e := range m.snapshot() {
		if ctx.Err() != nil {
			break
		}
		var res *Result
		err := m.call(ctx, e.name, hook, func(c context.Context) error {
			r, err := fn(c, e.p)
			res = r
			return err
		})
		if err != nil {
			m.log.Warn("plugin hook failed", logx.String("plugin", e.name), logx.String("hook", hook), logx.Err(err))
			continue
		}
		if res == nil {
			continue
		}
		r := *res
		if r.PluginName == "" {
			r.PluginName = e.name
		}
		out = append(out, r)
	}
	return out
}

// Shutdown runs OnShutdown on every enabled plugin and empties the chain.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.chain {
		if e.inited {
			m.shutdownLocked(ctx, e)
		}
		e.enabled = false
	}
	m.chain = nil
}

// List reports every registered plugin, enabled ones first in chain order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.reg))
	seen := map[string]bool{}
	for _, e := range m.chain {
		out = append(out, Info{Name: e.name, Enabled: true, Priority: e.priority})
		seen[e.name] = true
	}
	for _, n := range m.namesLocked() {
		if seen[n] {
			continue
		}
		e := m.reg[n]
		out = append(out, Info{Name: n, Priority: e.priority, Err: e.err})
	}
	return out
}

// call runs fn under the hook timeout. fn runs on its own goroutine so a
// plugin ignoring ctx cannot stall the chain; its late result is dropped.
func (m *Manager) call(ctx context.Context, name, hook string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.hookTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				m.log.Error("panic in plugin hook",
					logx.String("plugin", name),
					logx.String("hook", hook),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				done <- fmt.Errorf("panic in %s.%s: %v", name, hook, r)
			}
		}()
		done <- fn(cctx)
	}()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		return fmt.Errorf("%s.%s: %w", name, hook, cctx.Err())
	}
}

func (m *Manager) emit(name, stage string, err error) {
	if m.host.Bus == nil {
		return
	}
	info := eventbus.PluginInfo{Plugin: name, Stage: stage}
	if err != nil {
		info.Err = err.Error()
	}
	m.host.Bus.Publish(eventbus.Event{Type: eventbus.PluginLifecycle, Data: info})
}

// hashJSON hashes a config block after canonicalizing it, so whitespace and
// key order do not count as changes.
func hashJSON(raw json.RawMessage) uint64 {
	if len(raw) == 0 {
		return 0
	}
	b := []byte(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if c, err := json.Marshal(v); err == nil {
			b = c
		}
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
