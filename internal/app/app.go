package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/bot"
	"misskeybot/internal/config"
	"misskeybot/internal/dedup"
	"misskeybot/internal/dispatch"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/health"
	"misskeybot/internal/llm"
	"misskeybot/internal/metrics"
	"misskeybot/internal/misskey"
	"misskeybot/internal/observability/httpd"
	"misskeybot/internal/plugin"
	"misskeybot/internal/poll"
	"misskeybot/internal/reconnect"
	"misskeybot/internal/runtime/supervisor"
	"misskeybot/internal/scheduler"
	"misskeybot/internal/storage"
	"misskeybot/internal/stream"
	logx "misskeybot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	hc     *http.Client
	api    *misskey.Client
	gen    *llm.Client
	cache  *dedup.Cache
	disp   *dispatch.Dispatcher
	push   *stream.Client
	poller *poll.Poller
	trans  *reconnect.Supervisor

	pm     *plugin.Manager
	bot    *bot.Bot
	sched  *scheduler.Service
	met    *metrics.Metrics
	ops    *httpd.Service
	health *health.Monitor
}

// New loads the config and builds every component. Nothing talks to the
// network until Start.
func New(cfgPath string) (*App, error) {
	return newApp(config.NewConfigManager(cfgPath))
}

func newApp(cfgm *config.ConfigManager) (*App, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus}

	store, err := storage.Open(mapStorage(cfg), root)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	var (
		ledger storage.Ledger
		kv     storage.KV
	)
	if store != nil {
		ledger, kv = store, store
		log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	} else {
		log.Warn("storage disabled; duplicates are only suppressed in memory")
	}

	// One transport for every outbound HTTP caller.
	a.hc = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}

	if a.api, err = misskey.New(a.hc, mapMisskey(cfg), root); err != nil {
		a.closeEarly()
		return nil, err
	}
	if a.gen, err = llm.NewOpenAI(a.hc, mapLLM(cfg), root); err != nil {
		a.closeEarly()
		return nil, err
	}

	a.cache = dedup.NewCache(cfg.Storage.CacheSize)
	a.disp = dispatch.New(a.cache, ledger, dispatch.Handlers{}, dispatch.Options{
		Startup:       time.Now(),
		GateStreaming: cfg.Bot.Response.GateStreaming,
	}, bus, root)

	sopts, dialer := mapStream(cfg)
	a.push = stream.New(dialer, sopts, a.disp.Sink(context.Background()), root)

	popts := mapPoll(cfg)
	popts.OnCycle = a.onPollCycle
	a.poller = poll.New(a.api, a.disp, popts, root)
	a.trans = reconnect.New(a.push, a.poller, mapReconnect(cfg), bus, root)

	a.pm = plugin.NewManager(plugin.HostDeps{
		Logger: root,
		KV:     kv,
		Bus:    bus,
		Status: func() plugin.Status { return a.bot.Status() },
	}, plugin.DefaultHookTimeout)

	a.bot = bot.New(a.api, a.gen, a.pm, mapBot(cfg), bot.Options{
		Transport:  a.transportStatus,
		Accepted:   func() int64 { return int64(a.disp.Stats().Accepted) },
		OnFatal:    a.fatal,
		OnError:    func(kind string) { a.met.APIError(kind) },
		OnAutoPost: func(o bot.PostOutcome, _ error) { a.met.AutoPost(o.String()) },
	}, bus, root)
	a.disp.SetHandlers(a.bot.Handlers())

	a.sched = scheduler.New(mapScheduler(cfg), root, bus)

	a.met = metrics.New(metrics.Sources{
		Dispatch:  a.disp.Stats,
		Transport: func() string { return a.trans.State().String() },
		Attempts:  a.trans.Attempts,
		CacheLen:  a.cache.Len,
	})
	a.ops = httpd.New(mapOps(cfg), httpd.Handlers{
		Health:  func() any { return a.Snapshot() },
		Metrics: a.met.Handler(),
	}, root)
	a.health = health.New(mapHealth(cfg), nil, bus, root)

	return a, nil
}

func (a *App) closeEarly() {
	if a.api != nil {
		a.api.Close()
	}
	if a.hc != nil {
		a.hc.CloseIdleConnections()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
}

// Plugins returns the registry plugins are added to before Start.
func (a *App) Plugins() *plugin.Manager { return a.pm }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) fatal(err error) {
	if a.sup == nil {
		return
	}
	a.sup.Go("fatal", func(context.Context) error { return err })
}

func (a *App) transportStatus() (string, string) {
	fallback := ""
	if err := a.trans.FallbackReason(); err != nil {
		fallback = err.Error()
	}
	return a.trans.State().String(), fallback
}

func (a *App) onPollCycle(_ poll.CycleResult, err error) {
	a.met.PollCycle(err)
	if err != nil {
		a.met.APIError(apperr.KindOf(err).String())
	}
}

// Start identifies the bot account, then launches the transport, scheduler,
// ops server and background loops. An authentication failure aborts.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	self, err := a.api.CurrentUser(cctx)
	cancel()
	if err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			return fmt.Errorf("misskey rejected the access token: %w", err)
		}
		return fmt.Errorf("identify bot account: %w", err)
	}
	a.bot.SetSelf(self)
	a.log.Info("bot account", logx.String("username", self.Username), logx.String("id", self.ID))

	cfg := a.cfgm.Get()
	if n, err := a.disp.Warm(ctx, cfg.Storage.WarmLimit); err != nil {
		a.log.Warn("cache warm failed", logx.Err(err))
	} else {
		a.log.Info("cache warmed", logx.Int("records", n))
	}

	a.pm.Configure(ctx, cfg.Plugins)
	a.pm.Startup(ctx)

	if err := a.bot.Schedule(a.sched, a.ledger()); err != nil {
		return err
	}
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

	a.sup.Go("transport", a.trans.Run)
	a.sup.Go("health", a.health.Run)
	a.logEvents()
	a.watchConfig()

	a.log.Info("app started",
		logx.Bool("streaming", config.On(cfg.Streaming.Enabled, true)),
		logx.Int("plugins", len(a.pm.List())),
	)
	return nil
}

func (a *App) ledger() bot.Ledger {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	known := map[string]bool{}
	for _, p := range a.pm.List() {
		known[p.Name] = true
	}
	var errs []error
	for name, pc := range cfg.Plugins {
		if pc.Enabled && !known[name] {
			errs = append(errs, fmt.Errorf("plugins.%s: no such plugin", name))
		}
	}
	return errors.Join(errs...)
}

func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

// Snapshot is the /healthz document.
func (a *App) Snapshot() Health {
	return Health{
		Bot:       a.bot.Status(),
		Dispatch:  a.disp.Stats(),
		Attempts:  a.trans.Attempts(),
		CacheSize: a.cache.Len(),
		Process:   a.health.Last(),
		Jobs:      a.sched.Snapshot(),
		Plugins:   a.pm.List(),
		Tasks:     a.sup.Snapshot(),
	}
}

type Health struct {
	Bot       plugin.Status       `json:"bot"`
	Dispatch  dispatch.Stats      `json:"dispatch"`
	Attempts  int                 `json:"stream_attempts"`
	CacheSize int                 `json:"cache_size"`
	Process   health.Sample       `json:"process"`
	Jobs      []scheduler.JobInfo `json:"jobs"`
	Plugins   []plugin.Info       `json:"plugins"`
	Tasks     supervisor.Snapshot `json:"tasks"`
}
