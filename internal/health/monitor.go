// Package health samples the bot process and warns when memory grows past a
// threshold.
package health

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"misskeybot/internal/eventbus"
	logx "misskeybot/pkg/logx"
)

type Config struct {
	Enabled      bool
	Interval     time.Duration
	MemoryWarnMB int
}

// Sample is one reading of the process.
type Sample struct {
	Time           time.Time `json:"time"`
	RSS            uint64    `json:"rss"`
	CPUPercent     float64   `json:"cpu_percent"`
	Threads        int32     `json:"threads"`
	Goroutines     int       `json:"goroutines"`
	SysMemUsedPct  float64   `json:"sys_mem_used_percent"`
	MemoryWarnHigh bool      `json:"memory_warn"`
}

// Probe reads process stats.
type Probe interface {
	Sample(ctx context.Context) (Sample, error)
}

type Monitor struct {
	log   logx.Logger
	bus   eventbus.Bus
	probe Probe

	mu   sync.Mutex
	cfg  Config
	last Sample
}

// New returns a monitor. A nil probe samples the current process.
func New(cfg Config, probe Probe, bus eventbus.Bus, log logx.Logger) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if probe == nil {
		probe = &processProbe{}
	}
	return &Monitor{cfg: cfg, probe: probe, bus: bus, log: log.With(logx.String("comp", "health"))}
}

func (m *Monitor) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Last returns the most recent sample.
func (m *Monitor) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run samples every interval until ctx is done. The interval is re-read
// after every tick so reloads take effect.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		m.mu.Lock()
		cfg := m.cfg
		m.mu.Unlock()
		if cfg.Interval <= 0 {
			cfg.Interval = time.Hour
		}
		if cfg.Enabled {
			if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("health sample failed", logx.Err(err))
			}
		}
		t := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// Check takes one sample, logs it and publishes a warning when RSS is over
// the threshold.
func (m *Monitor) Check(ctx context.Context) (Sample, error) {
	s, err := m.probe.Sample(ctx)
	if err != nil {
		return Sample{}, err
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	m.mu.Lock()
	limit := uint64(m.cfg.MemoryWarnMB) * 1024 * 1024
	s.MemoryWarnHigh = limit > 0 && s.RSS > limit
	m.last = s
	m.mu.Unlock()

	attrs := []logx.Field{
		logx.String("rss", humanize.IBytes(s.RSS)),
		logx.String("cpu", fmt.Sprintf("%.1f%%", s.CPUPercent)),
		logx.Int("goroutines", s.Goroutines),
		logx.Int("threads", int(s.Threads)),
	}
	if s.MemoryWarnHigh {
		m.log.Warn("memory above threshold", append(attrs, logx.String("limit", humanize.IBytes(limit)))...)
		if m.bus != nil {
			m.bus.Publish(eventbus.Event{Type: eventbus.HealthMemoryWarn, Data: s.RSS})
		}
	} else {
		m.log.Info("health", attrs...)
	}
	return s, nil
}

type processProbe struct {
	once sync.Once
	p    *process.Process
	err  error
}

func (pp *processProbe) Sample(ctx context.Context) (Sample, error) {
	pp.once.Do(func() {
		pp.p, pp.err = process.NewProcessWithContext(ctx, int32(os.Getpid()))
	})
	if pp.err != nil {
		return Sample{}, fmt.Errorf("open process: %w", pp.err)
	}
	mi, err := pp.p.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	s := Sample{Time: time.Now(), RSS: mi.RSS, Goroutines: runtime.NumGoroutine()}
	if cpu, err := pp.p.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	}
	if n, err := pp.p.NumThreadsWithContext(ctx); err == nil {
		s.Threads = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.SysMemUsedPct = vm.UsedPercent
	}
	return s, nil
}
