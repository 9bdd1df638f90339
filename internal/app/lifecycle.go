package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"misskeybot/internal/config"
	"misskeybot/internal/eventbus"
	logx "misskeybot/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Keep only the newest config of a burst.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
}

// reload applies everything that can change at runtime. Sections that need
// a restart are only warned about.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs, plugins := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RequiresRestart(s) {
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		}
	}
	if len(plugins) > 0 {
		a.log.Debug("plugin config changes detected", logx.Any("plugins", plugins))
	}

	a.logs.Apply(mapLogging(next))
	a.bot.Apply(mapBot(next))

	popts := mapPoll(next)
	popts.OnCycle = a.onPollCycle
	a.poller.Apply(popts)

	prevSched := mapScheduler(prev).Enabled
	sc := mapScheduler(next)
	a.sched.Apply(sc)
	switch {
	case prevSched && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !prevSched && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
	if err := a.bot.Schedule(a.sched, a.ledger()); err != nil {
		a.log.Warn("reschedule failed", logx.Err(err))
	}

	a.ops.Reconfigure(ctx, mapOps(next))
	a.health.Apply(mapHealth(next))
	a.pm.Configure(ctx, next.Plugins)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded})
}

// Stop shuts everything down in dependency order. Every step is bounded so a
// stuck component cannot stall the exit.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// New events are rejected from here on; the push socket may still
	// deliver a few frames while it closes.
	a.disp.Close()
	if a.sup != nil {
		a.sup.Cancel()
	}
	step("stream", 5*time.Second, a.push.Close)
	step("dispatch.drain", 10*time.Second, a.disp.Drain)
	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("plugins", 5*time.Second, func(c context.Context) error { a.pm.Shutdown(c); return nil })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 3*time.Second, a.sup.Wait)
	}
	step("clients", time.Second, func(context.Context) error {
		a.api.Close()
		a.hc.CloseIdleConnections()
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	a.disp.ClearCache()

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
