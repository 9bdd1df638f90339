// Package status answers "/status" with uptime, transport mode, today's post
// budget and error counts. It also counts streaming losses per UTC day.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"misskeybot/internal/event"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/plugin"
	logx "misskeybot/pkg/logx"
)

type Config struct {
	Command string `json:"command,omitempty"` // default "/status"
}

type Plugin struct {
	plugin.Base

	mu      sync.Mutex
	command string
	day     string
	losses  int
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func New() *Plugin { return &Plugin{now: time.Now} }

func (p *Plugin) Name() string { return "status" }

func (p *Plugin) Priority() int { return 90 }

func (p *Plugin) Init(ctx context.Context, deps plugin.Deps) error {
	p.InitBase(deps, p.Name())
	return p.OnConfigChange(ctx, deps.Config)
}

func (p *Plugin) OnConfigChange(_ context.Context, raw json.RawMessage) error {
	c, err := plugin.DecodeConfig[Config](raw)
	if err != nil {
		return err
	}
	cmd := strings.TrimSpace(c.Command)
	if cmd == "" {
		cmd = "/status"
	}
	p.mu.Lock()
	p.command = cmd
	p.mu.Unlock()
	return nil
}

func lossKey(day string) string { return "losses:" + day }

func (p *Plugin) OnStartup(ctx context.Context) error {
	day := p.now().UTC().Format("2006-01-02")
	n := 0
	if v, ok, err := p.Get(ctx, lossKey(day)); err == nil && ok {
		n, _ = strconv.Atoi(v)
	}
	p.mu.Lock()
	p.day, p.losses = day, n
	p.mu.Unlock()

	if p.Deps.Bus == nil {
		return nil
	}
	events, unsub := p.Deps.Bus.Subscribe(16)
	lctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer unsub()
		for {
			select {
			case <-lctx.Done():
				return
			case e := <-events:
				if e.Type == eventbus.StreamLost {
					p.noteLoss(lctx)
				}
			}
		}
	}()
	return nil
}

func (p *Plugin) noteLoss(ctx context.Context) {
	day := p.now().UTC().Format("2006-01-02")
	p.mu.Lock()
	if day != p.day {
		p.day, p.losses = day, 0
	}
	p.losses++
	n := p.losses
	p.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Set(sctx, lossKey(day), strconv.Itoa(n)); err != nil && err != plugin.ErrNoKV {
		p.Log.Warn("persist loss count failed", logx.Err(err))
	}
}

func (p *Plugin) OnShutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	p.cancel = nil
	return nil
}

func (p *Plugin) OnMention(_ context.Context, ev event.Event) (*plugin.Result, error) {
	return p.handle(ev.Text), nil
}

func (p *Plugin) OnMessage(_ context.Context, ev event.Event) (*plugin.Result, error) {
	return p.handle(ev.Text), nil
}

func (p *Plugin) handle(text string) *plugin.Result {
	p.mu.Lock()
	cmd := p.command
	p.mu.Unlock()

	fields := strings.Fields(text)
	for len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		fields = fields[1:]
	}
	if len(fields) == 0 || !strings.EqualFold(fields[0], cmd) {
		return nil
	}
	st, ok := p.Status()
	if !ok {
		return plugin.Reply(p.Name(), "Status is not available.")
	}
	return plugin.Reply(p.Name(), p.render(st))
}

func (p *Plugin) render(st plugin.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime.Round(time.Second))

	transport := st.Transport
	if st.Fallback != "" {
		transport += " (fallback: " + st.Fallback + ")"
	}
	fmt.Fprintf(&b, "Transport: %s\n", transport)

	if st.MaxPerDay > 0 {
		fmt.Fprintf(&b, "Posts today: %d/%d\n", st.PostsToday, st.MaxPerDay)
	} else {
		fmt.Fprintf(&b, "Posts today: %d\n", st.PostsToday)
	}
	if !st.LastPost.IsZero() {
		fmt.Fprintf(&b, "Last post: %s\n", humanize.RelTime(st.LastPost, p.now(), "ago", "from now"))
	}
	fmt.Fprintf(&b, "Events handled: %s\n", humanize.Comma(st.Accepted))

	p.mu.Lock()
	losses := p.losses
	p.mu.Unlock()
	fmt.Fprintf(&b, "Stream losses today: %d\n", losses)

	if len(st.Errors) == 0 {
		b.WriteString("Errors: none")
		return b.String()
	}
	kinds := make([]string, 0, len(st.Errors))
	for k := range st.Errors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%s=%d", k, st.Errors[k]))
	}
	b.WriteString("Errors: " + strings.Join(parts, ", "))
	return b.String()
}
