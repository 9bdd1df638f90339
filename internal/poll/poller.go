// Package poll is the pull transport. It fetches the newest mentions and
// chat messages on an interval and feeds them to the dispatcher, which
// applies the history gate to everything arriving this way.
package poll

import (
	"context"
	"sync"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/dispatch"
	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"
)

// API is the subset of the Misskey client the poller needs.
type API interface {
	Mentions(ctx context.Context, limit int, sinceID string) ([]map[string]any, error)
	ChatHistory(ctx context.Context, limit int, room bool) ([]map[string]any, error)
}

// Dispatcher receives polled events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev event.Event, src dispatch.Source) dispatch.Outcome
}

type Options struct {
	Interval time.Duration
	PageSize int
	Mentions bool
	Chat     bool
	// OnCycle is called after every cycle.
	OnCycle func(res CycleResult, err error)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 100
	}
	return o
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Fetched  int
	Outcomes map[dispatch.Outcome]int
}

type Poller struct {
	api  API
	disp Dispatcher
	log  logx.Logger

	mu      sync.RWMutex
	opts    Options
	applyCh chan struct{}

	cycles  int
	lastErr error
}

func New(api API, disp Dispatcher, opts Options, log logx.Logger) *Poller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		api:     api,
		disp:    disp,
		opts:    opts.withDefaults(),
		applyCh: make(chan struct{}, 1),
		log:     log.With(logx.String("comp", "poll")),
	}
}

// Apply swaps options; a running loop picks up the new interval at once.
func (p *Poller) Apply(opts Options) {
	p.mu.Lock()
	p.opts = opts.withDefaults()
	p.mu.Unlock()
	select {
	case p.applyCh <- struct{}{}:
	default:
	}
}

func (p *Poller) options() Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.opts
}

// Cycles returns the number of completed cycles and the last cycle error.
func (p *Poller) Cycles() (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cycles, p.lastErr
}

// Run polls until ctx is done. Only an authentication failure ends the loop
// early; every other error is logged and retried after the interval.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("polling started", logx.Duration("interval", p.options().Interval))
	defer p.log.Info("polling stopped")
	for {
		_, err := p.Once(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if apperr.Is(err, apperr.KindAuth) {
			p.log.Error("polling stopped by authentication failure", logx.Err(err))
			return err
		}
		if err != nil {
			p.log.Error("poll cycle failed", logx.Err(err))
		}

		t := time.NewTimer(p.options().Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-p.applyCh:
			t.Stop()
		case <-t.C:
		}
	}
}

// Once runs a single cycle: mentions first, then chat. A chat failure does
// not hide a mention result; the first error is returned.
func (p *Poller) Once(ctx context.Context) (CycleResult, error) {
	opts := p.options()
	res := CycleResult{Outcomes: map[dispatch.Outcome]int{}}
	var firstErr error

	if opts.Mentions {
		items, err := p.api.Mentions(ctx, opts.PageSize, "")
		if err != nil {
			firstErr = err
		} else {
			if len(items) > 0 {
				p.log.Debug("mentions fetched", logx.Int("count", len(items)))
			}
			p.feed(ctx, items, event.KindMention, &res)
		}
	}
	if opts.Chat && !apperr.Is(firstErr, apperr.KindAuth) {
		items, err := p.api.ChatHistory(ctx, opts.PageSize, false)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.log.Warn("chat poll failed", logx.Err(err))
		} else {
			if len(items) > 0 {
				p.log.Debug("chat messages fetched", logx.Int("count", len(items)))
			}
			p.feed(ctx, items, event.KindChat, &res)
		}
	}

	p.mu.Lock()
	p.cycles++
	p.lastErr = firstErr
	p.mu.Unlock()
	if opts.OnCycle != nil {
		opts.OnCycle(res, firstErr)
	}
	return res, firstErr
}

func (p *Poller) feed(ctx context.Context, items []map[string]any, kind event.Kind, res *CycleResult) {
	for _, raw := range items {
		if ctx.Err() != nil {
			return
		}
		res.Fetched++
		ev, err := event.Normalize(kind, raw)
		if err != nil {
			p.log.Debug("malformed item dropped", logx.String("kind", kind.String()), logx.Err(err))
			res.Outcomes[dispatch.Malformed]++
			continue
		}
		res.Outcomes[p.disp.Dispatch(ctx, ev, dispatch.SourcePull)]++
	}
}
