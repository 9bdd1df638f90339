// Package dispatch routes normalized events to handlers with at-most-once
// semantics: an event id is claimed in the cache and recorded in the ledger
// before its handler runs.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"misskeybot/internal/dedup"
	"misskeybot/internal/event"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/storage"
	logx "misskeybot/pkg/logx"
)

// Source is the transport an event arrived on.
type Source int

const (
	SourcePush Source = iota
	SourcePull
)

func (s Source) String() string {
	if s == SourcePull {
		return "pull"
	}
	return "push"
}

// Outcome is what Dispatch did with an event.
type Outcome int

const (
	Accepted Outcome = iota
	DuplicateCache
	DuplicateLedger
	Gated
	NoHandler
	Rejected
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DuplicateCache:
		return "duplicate_cache"
	case DuplicateLedger:
		return "duplicate_ledger"
	case Gated:
		return "gated"
	case NoHandler:
		return "no_handler"
	case Rejected:
		return "rejected"
	default:
		return "malformed"
	}
}

// Handler performs the side effects of an event. Its error is logged only;
// the event stays processed.
type Handler func(ctx context.Context, ev event.Event) error

type Handlers struct {
	Mention Handler
	Message Handler
}

type Options struct {
	// Startup is the process start time used by the history gate.
	Startup time.Time
	// GateStreaming applies the history gate to push events as well.
	GateStreaming bool
	// HandlerTimeout bounds one handler invocation. Default 5m.
	HandlerTimeout time.Duration
	// MaxInFlight bounds concurrent handlers. Default 8. Handlers start in
	// acceptance order; with more than one in flight they may finish out of
	// order. 1 runs them strictly one after another.
	MaxInFlight int
}

// Stats are monotonic counters.
type Stats struct {
	Accepted        uint64
	DuplicateCache  uint64
	DuplicateLedger uint64
	Gated           uint64
	NoHandler       uint64
	Rejected        uint64
	Malformed       uint64
	HandlerErrors   uint64
	HandlerPanics   uint64
	LedgerErrors    uint64
	InFlight        int64
}

type Dispatcher struct {
	cache  *dedup.Cache
	ledger storage.Ledger
	bus    eventbus.Bus
	log    logx.Logger
	opts   Options

	hmu      sync.RWMutex
	handlers Handlers

	runMu  sync.RWMutex
	closed atomic.Bool
	wg     sync.WaitGroup
	sem    chan struct{}

	hctx    context.Context
	hcancel context.CancelFunc

	counts   [Malformed + 1]atomic.Uint64
	hErrors  atomic.Uint64
	hPanics  atomic.Uint64
	lErrors  atomic.Uint64
	inFlight atomic.Int64
}

// New builds a dispatcher. ledger and bus may be nil.
func New(cache *dedup.Cache, ledger storage.Ledger, h Handlers, opts Options, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if cache == nil {
		cache = dedup.NewCache(dedup.DefaultCapacity)
	}
	if opts.Startup.IsZero() {
		opts.Startup = time.Now()
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 5 * time.Minute
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 8
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cache:    cache,
		ledger:   ledger,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		opts:     opts,
		handlers: h,
		sem:      make(chan struct{}, opts.MaxInFlight),
		hctx:     ctx,
		hcancel:  cancel,
	}
}

// SetHandlers replaces the handler set.
func (d *Dispatcher) SetHandlers(h Handlers) {
	d.hmu.Lock()
	d.handlers = h
	d.hmu.Unlock()
}

func (d *Dispatcher) Startup() time.Time { return d.opts.Startup }

// Sink adapts Dispatch to the push transport callback.
func (d *Dispatcher) Sink(ctx context.Context) func(event.Event) {
	return func(ev event.Event) { d.Dispatch(ctx, ev, SourcePush) }
}

// Dispatch deduplicates ev and, when it is new, hands it to its handler on a
// separate goroutine. ctx bounds the ledger I/O only.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event, src Source) Outcome {
	out := d.dispatch(ctx, ev, src)
	d.counts[out].Add(1)
	if out != Accepted {
		d.log.Debug("event skipped", logx.String("key", ev.Key()), logx.String("source", src.String()), logx.String("outcome", out.String()))
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, ev event.Event, src Source) Outcome {
	if d.closed.Load() {
		return Rejected
	}
	if ev.ID == "" || ev.Kind == event.KindUnknown {
		return Malformed
	}
	key := ev.Key()
	if d.cache.Contains(key) {
		return DuplicateCache
	}
	if d.isProcessed(ctx, ev) {
		d.cache.Insert(key)
		return DuplicateLedger
	}

	if (src == SourcePull || d.opts.GateStreaming) && !event.AfterStartup(ev, d.opts.Startup) {
		if d.cache.Claim(key) {
			d.mark(ctx, ev)
		}
		return Gated
	}
	if !d.cache.Claim(key) {
		return DuplicateCache
	}
	d.mark(ctx, ev)

	h := d.handlerFor(ev.Kind)
	if h == nil {
		return NoHandler
	}
	if !d.run(ev, h) {
		return Rejected
	}
	d.publish(ev, src)
	return Accepted
}

func (d *Dispatcher) handlerFor(k event.Kind) Handler {
	d.hmu.RLock()
	defer d.hmu.RUnlock()
	if k == event.KindChat {
		return d.handlers.Message
	}
	return d.handlers.Mention
}

// isProcessed fails open: a ledger error means "not known".
func (d *Dispatcher) isProcessed(ctx context.Context, ev event.Event) bool {
	if d.ledger == nil {
		return false
	}
	ok, err := d.ledger.IsProcessed(ctx, ev.Category(), ev.ID)
	if err != nil {
		d.lErrors.Add(1)
		d.log.Warn("ledger check failed; treating event as new", logx.String("key", ev.Key()), logx.Err(err))
		return false
	}
	return ok
}

func (d *Dispatcher) mark(ctx context.Context, ev event.Event) {
	if d.ledger == nil {
		return
	}
	extra := ev.Username
	if ev.Kind == event.KindChat {
		extra = "private"
	}
	err := d.ledger.MarkProcessed(ctx, storage.Record{
		ID:          ev.ID,
		Category:    ev.Category(),
		UserID:      ev.UserID,
		Extra:       extra,
		ProcessedAt: time.Now(),
	})
	if err != nil {
		d.lErrors.Add(1)
		d.log.Warn("ledger write failed", logx.String("key", ev.Key()), logx.Err(err))
	}
}

func (d *Dispatcher) publish(ev event.Event, src Source) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{
		Type: eventbus.EventDispatched,
		Time: time.Now(),
		Data: eventbus.DispatchInfo{Category: string(ev.Category()), ID: ev.ID, Source: src.String()},
	})
}

func (d *Dispatcher) run(ev event.Event, h Handler) bool {
	d.runMu.RLock()
	if d.closed.Load() {
		d.runMu.RUnlock()
		return false
	}
	d.wg.Add(1)
	d.runMu.RUnlock()

	d.inFlight.Add(1)
	select {
	case d.sem <- struct{}{}:
	case <-d.hctx.Done():
		d.inFlight.Add(-1)
		d.wg.Done()
		return false
	}
	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)
		defer func() { <-d.sem }()

		ctx, cancel := context.WithTimeout(d.hctx, d.opts.HandlerTimeout)
		defer cancel()
		start := time.Now()
		if err := d.invoke(ctx, ev, h); err != nil {
			d.hErrors.Add(1)
			d.log.Error("handler failed", logx.String("key", ev.Key()), logx.Err(err))
			return
		}
		d.log.Debug("handler done", logx.String("key", ev.Key()), logx.Duration("took", time.Since(start)))
	}()
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, ev event.Event, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.hPanics.Add(1)
			d.log.Error("handler panicked", logx.String("key", ev.Key()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// Warm loads the newest ledger records of every category into the cache.
func (d *Dispatcher) Warm(ctx context.Context, limit int) (int, error) {
	if d.ledger == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = dedup.DefaultCapacity
	}
	total := 0
	for _, cat := range storage.Categories {
		recs, err := d.ledger.Recent(ctx, cat, limit)
		if err != nil {
			return total, fmt.Errorf("warm %s: %w", cat, err)
		}
		keys := make([]string, 0, len(recs))
		for _, r := range recs {
			keys = append(keys, string(cat)+":"+r.ID)
		}
		d.cache.Warm(keys)
		total += len(keys)
	}
	d.log.Debug("cache warmed", logx.Int("records", total))
	return total, nil
}

// Close stops accepting events. In-flight handlers keep running.
func (d *Dispatcher) Close() {
	d.runMu.Lock()
	d.closed.Store(true)
	d.runMu.Unlock()
}

func (d *Dispatcher) Closed() bool { return d.closed.Load() }

// Drain waits for in-flight handlers. When ctx ends first their contexts
// are cancelled and ctx's error is returned.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.hcancel()
		d.log.Warn("handlers still running at drain deadline", logx.Int64("in_flight", d.inFlight.Load()))
		return ctx.Err()
	}
}

// ClearCache empties the recency cache.
func (d *Dispatcher) ClearCache() { d.cache.Clear() }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:        d.counts[Accepted].Load(),
		DuplicateCache:  d.counts[DuplicateCache].Load(),
		DuplicateLedger: d.counts[DuplicateLedger].Load(),
		Gated:           d.counts[Gated].Load(),
		NoHandler:       d.counts[NoHandler].Load(),
		Rejected:        d.counts[Rejected].Load(),
		Malformed:       d.counts[Malformed].Load(),
		HandlerErrors:   d.hErrors.Load(),
		HandlerPanics:   d.hPanics.Load(),
		LedgerErrors:    d.lErrors.Load(),
		InFlight:        d.inFlight.Load(),
	}
}
