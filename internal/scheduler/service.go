// Package scheduler triggers named jobs on cron or interval schedules.
//
// Jobs never overlap with themselves: a trigger that fires while the previous
// run is still going is skipped and counted. Every run gets its own timeout
// and panics are recovered.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"misskeybot/internal/eventbus"
	logx "misskeybot/pkg/logx"
)

// JobRan is published after every run. Data: RunInfo.
const JobRan = "scheduler.run"

type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Asia/Shanghai"
	DefaultTimeout time.Duration
}

type Job func(ctx context.Context) error

// RunInfo describes one finished run.
type RunInfo struct {
	Name string
	Took time.Duration
	Err  string
}

// JobInfo is a snapshot of one registered job.
type JobInfo struct {
	Name     string
	Spec     string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Runs     int64
	Failures int64
	Skipped  int64
	LastErr  string
}

type jobDef struct {
	name    string
	spec    string
	every   time.Duration
	timeout time.Duration
	run     Job
	entryID cron.EntryID

	running  atomic.Bool
	runs     atomic.Int64
	failures atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	lastErr string
}

type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs map[string]*jobDef

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "scheduler")),
		bus: bus,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps config. A timezone change restarts cron with the same jobs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering. Jobs run under ctx; Stop cancels them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.restartLocked()
}

// Stop halts triggering and waits, bounded by ctx, for running jobs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}

	c.Stop()
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out with jobs still running")
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// AddSchedule parses schedule and registers a cron or interval job.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, timeout, job)
	}
	return s.AddCron(name, ps.Cron, timeout, job)
}

// AddCron registers job under name, replacing any job with the same name.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	return s.add(&jobDef{name: name, spec: spec, timeout: timeout, run: job})
}

// AddInterval registers job to run every interval, replacing any job with
// the same name. The first run is one interval after Start.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("schedule %s: interval must be > 0", name)
	}
	return s.add(&jobDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, run: job})
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

func (s *Service) add(d *jobDef) (string, error) {
	if strings.TrimSpace(d.name) == "" {
		return "", errors.New("name required")
	}
	if d.run == nil {
		return "", errors.New("job required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(d.name)
	s.defs[d.name] = d
	if s.c != nil {
		s.registerLocked(d)
		s.log.Debug("schedule registered",
			logx.String("name", d.name),
			logx.String("spec", d.spec),
			logx.String("next", s.c.Entry(d.entryID).Next.Format(time.RFC3339)),
		)
	}
	return d.name, nil
}

// Remove unschedules name. It reports whether a job was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

// Trigger runs name now, honouring the overlap rule. It returns the job
// error, or an error when the job is unknown or already running.
func (s *Service) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	ran, err := s.execute(ctx, d)
	if !ran {
		return fmt.Errorf("schedule %q already running", name)
	}
	return err
}

// Snapshot lists registered jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		d.mu.Lock()
		info := JobInfo{
			Name:     d.name,
			Spec:     d.spec,
			Timeout:  s.timeoutFor(d),
			Runs:     d.runs.Load(),
			Failures: d.failures.Load(),
			Skipped:  d.skipped.Load(),
			LastErr:  d.lastErr,
		}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) restartLocked() {
	// Running jobs finish on their own; the overlap guard is per job, not
	// per cron instance.
	if s.c != nil {
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log})),
	)
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) registerLocked(d *jobDef) {
	job := cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if ran, _ := s.execute(ctx, d); !ran {
			s.log.Debug("schedule skipped; previous run still active", logx.String("name", d.name))
		}
	})
	if d.every > 0 {
		d.entryID = s.c.Schedule(cron.Every(d.every), job)
		return
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = id
}

// execute runs d unless it is already running.
func (s *Service) execute(ctx context.Context, d *jobDef) (ran bool, err error) {
	if !d.running.CompareAndSwap(false, true) {
		d.skipped.Add(1)
		return false, nil
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer d.running.Store(false)

	s.mu.Lock()
	timeout := s.timeoutFor(d)
	s.mu.Unlock()
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduled job", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic in %s: %v", d.name, r)
			}
		}()
		err = d.run(cctx)
	}()
	took := time.Since(start)

	d.runs.Add(1)
	info := RunInfo{Name: d.name, Took: took}
	d.mu.Lock()
	if err != nil {
		d.failures.Add(1)
		d.lastErr = err.Error()
		info.Err = d.lastErr
	} else {
		d.lastErr = ""
	}
	d.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Debug("scheduled job done", logx.String("name", d.name), logx.Duration("took", took))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: JobRan, Data: info})
	}
	return true, err
}

func (s *Service) timeoutFor(d *jobDef) time.Duration {
	if d.timeout > 0 {
		return d.timeout
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger feeds robfig/cron's internal messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
