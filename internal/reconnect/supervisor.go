// Package reconnect owns the push transport lifecycle: bounded connect
// retries, a health monitor, a single reconnect attempt after a loss and a
// one-way fallback to polling.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"misskeybot/internal/apperr"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/stream"
	logx "misskeybot/pkg/logx"
)

// State of the supervisor.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunningPush
	StateRunningPull
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunningPush:
		return "push"
	case StateRunningPull:
		return "pull"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// ErrFallback marks the reason the supervisor switched to polling.
var ErrFallback = errors.New("push transport unavailable; falling back to polling")

// Push is the streaming client.
type Push interface {
	Connect(ctx context.Context, channels ...stream.ChannelType) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Done() <-chan struct{}
	Err() error
}

// Pull is the polling loop.
type Pull interface {
	Run(ctx context.Context) error
}

type Options struct {
	// PushEnabled false starts directly in pull mode.
	PushEnabled bool
	// MaxAttempts bounds the initial connect. Default 5.
	MaxAttempts int
	// ReconnectAttempts bounds the connect after a loss. Default 1.
	ReconnectAttempts int
	RetryDelay        time.Duration
	MaxDelay          time.Duration
	MonitorInterval   time.Duration
	StopTimeout       time.Duration
	Channels          []stream.ChannelType
	// OnState is called on every transition.
	OnState func(State)
	// OnAttempt is called before every push connect attempt.
	OnAttempt func(n int)
}

type Supervisor struct {
	push Push
	pull Pull
	bus  eventbus.Bus
	log  logx.Logger
	opts Options

	state    atomic.Int32
	attempts atomic.Int64
	running  atomic.Bool

	mu       sync.Mutex
	fallback error
}

func New(push Push, pull Pull, opts Options, bus eventbus.Bus, log logx.Logger) *Supervisor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 300 * time.Second
	}
	if opts.MaxDelay < opts.RetryDelay {
		opts.MaxDelay = opts.RetryDelay
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{push: push, pull: pull, bus: bus, opts: opts, log: log.With(logx.String("comp", "reconnect"))}
}

func (s *Supervisor) State() State { return State(s.state.Load()) }

// Attempts counts push connect attempts made so far.
func (s *Supervisor) Attempts() int { return int(s.attempts.Load()) }

// FallbackReason is non-nil once the supervisor switched to polling after a
// push failure.
func (s *Supervisor) FallbackReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallback
}

// Run drives the state machine until ctx is done. It returns a non-nil
// error only for fatal failures (bad credentials) or a failing pull loop.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("reconnect: already running")
	}
	defer s.setState(StateStopped)

	s.setState(StateStarting)
	if !s.opts.PushEnabled || s.push == nil {
		s.log.Info("streaming disabled; using polling")
		return s.runPull(ctx)
	}

	if err := s.connect(ctx, s.opts.MaxAttempts); err != nil {
		return s.afterConnectFailure(ctx, err)
	}

	for {
		s.setState(StateRunningPush)
		if !s.monitor(ctx) {
			s.disconnect()
			return nil
		}
		cause := s.push.Err()
		s.log.Warn("streaming connection lost", logx.Err(cause))
		s.publish(eventbus.StreamLost, errString(cause))

		s.disconnect()
		if err := s.connect(ctx, s.opts.ReconnectAttempts); err != nil {
			return s.afterConnectFailure(ctx, err)
		}
	}
}

func (s *Supervisor) afterConnectFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	if apperr.IsFatal(err) {
		s.log.Error("streaming rejected credentials", logx.Err(err))
		return err
	}
	s.mu.Lock()
	s.fallback = fmt.Errorf("%w: %v", ErrFallback, err)
	s.mu.Unlock()
	s.log.Warn("falling back to polling for the rest of this run", logx.Int("attempts", s.Attempts()), logx.Err(err))
	return s.runPull(ctx)
}

func (s *Supervisor) runPull(ctx context.Context) error {
	s.setState(StateRunningPull)
	if s.pull == nil {
		<-ctx.Done()
		return nil
	}
	return s.pull.Run(ctx)
}

// connect tries up to n times with jittered exponential backoff.
func (s *Supervisor) connect(ctx context.Context, n int) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryDelay
	eb.MaxInterval = s.opts.MaxDelay
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(n-1)), ctx)

	try := 0
	op := func() error {
		try++
		total := int(s.attempts.Add(1))
		if s.opts.OnAttempt != nil {
			s.opts.OnAttempt(total)
		}
		s.log.Info("connecting to streaming", logx.Int("try", try), logx.Int("of", n))
		err := s.push.Connect(ctx, s.opts.Channels...)
		if err == nil {
			return nil
		}
		if apperr.IsFatal(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.log.Warn("streaming connect failed; retrying", logx.Int("try", try), logx.Duration("wait", wait), logx.Err(err))
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	s.log.Info("streaming connected", logx.Int("attempts", s.Attempts()))
	s.publish(eventbus.StreamConnected, s.Attempts())
	return nil
}

// monitor blocks while the push connection is healthy. It returns false when
// ctx ends and true when the connection died.
func (s *Supervisor) monitor(ctx context.Context) bool {
	t := time.NewTicker(s.opts.MonitorInterval)
	defer t.Stop()
	done := s.push.Done()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-done:
			return ctx.Err() == nil
		case <-t.C:
			if !s.push.IsConnected() {
				return ctx.Err() == nil
			}
		}
	}
}

func (s *Supervisor) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout)
	defer cancel()
	if err := s.push.Disconnect(ctx); err != nil {
		s.log.Warn("streaming cleanup incomplete", logx.Err(err))
	}
}

func (s *Supervisor) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old == st {
		return
	}
	s.log.Debug("transport state", logx.String("from", old.String()), logx.String("to", st.String()))
	if s.opts.OnState != nil {
		s.opts.OnState(st)
	}
	s.publish(eventbus.TransportState, st.String())
}

func (s *Supervisor) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
