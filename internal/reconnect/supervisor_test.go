package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/stream"
	logx "misskeybot/pkg/logx"
)

// fakePush fails the connects listed in failures (by 1-based attempt) and
// succeeds otherwise. kill() ends the current connection.
type fakePush struct {
	mu          sync.Mutex
	failures    map[int]error
	failAll     error
	connects    int
	disconnects int
	done        chan struct{}
	connected   bool
}

func newFakePush() *fakePush { return &fakePush{failures: map[int]error{}} }

func (p *fakePush) Connect(ctx context.Context, _ ...stream.ChannelType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.failAll != nil {
		return p.failAll
	}
	if err := p.failures[p.connects]; err != nil {
		return err
	}
	p.done = make(chan struct{})
	p.connected = true
	return nil
}

func (p *fakePush) Disconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	if p.connected {
		p.connected = false
		close(p.done)
	}
	return nil
}

func (p *fakePush) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePush) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

func (p *fakePush) Err() error { return errors.New("socket reset") }

func (p *fakePush) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected {
		p.connected = false
		close(p.done)
	}
}

func (p *fakePush) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects, p.disconnects
}

type fakePull struct {
	runs    atomic.Int32
	started chan struct{}
	once    sync.Once
	err     error
}

func newFakePull() *fakePull { return &fakePull{started: make(chan struct{})} }

func (p *fakePull) Run(ctx context.Context) error {
	p.runs.Add(1)
	p.once.Do(func() { close(p.started) })
	if p.err != nil {
		return p.err
	}
	<-ctx.Done()
	return nil
}

func fastOpts() Options {
	return Options{
		PushEnabled:     true,
		MaxAttempts:     5,
		RetryDelay:      time.Millisecond,
		MaxDelay:        2 * time.Millisecond,
		MonitorInterval: 2 * time.Millisecond,
		StopTimeout:     time.Second,
	}
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func TestFallbackAfterExactlyNAttempts(t *testing.T) {
	push := newFakePush()
	push.failAll = apperr.New(apperr.KindTransport, "dial", errors.New("refused"))
	pull := newFakePull()
	bus := eventbus.New()
	states, unsub := bus.Subscribe(32)
	defer unsub()

	s := New(push, pull, fastOpts(), bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	<-pull.started
	if s.State() != StateRunningPull {
		t.Fatalf("state = %v, want pull", s.State())
	}
	time.Sleep(20 * time.Millisecond)
	if n, _ := push.counts(); n != 5 || s.Attempts() != 5 {
		t.Fatalf("connect attempts = %d (counter %d), want 5", n, s.Attempts())
	}
	if !errors.Is(s.FallbackReason(), ErrFallback) {
		t.Fatalf("FallbackReason() = %v", s.FallbackReason())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state after stop = %v", s.State())
	}

	var seen []string
	for len(states) > 0 {
		e := <-states
		if e.Type == eventbus.TransportState {
			seen = append(seen, e.Data.(string))
		}
	}
	want := []string{"starting", "pull", "stopped"}
	if len(seen) != len(want) {
		t.Fatalf("states = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("states = %v, want %v", seen, want)
		}
	}
}

func TestConnectsAfterTransientFailures(t *testing.T) {
	push := newFakePush()
	push.failures[1] = errors.New("refused")
	push.failures[2] = errors.New("refused")
	pull := newFakePull()
	s := New(push, pull, fastOpts(), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitState(t, s, StateRunningPush)
	if s.Attempts() != 3 {
		t.Fatalf("attempts = %d, want 3", s.Attempts())
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pull.runs.Load() != 0 {
		t.Fatal("pull ran while push was healthy")
	}
	if _, d := push.counts(); d != 1 {
		t.Fatalf("disconnects = %d, want 1", d)
	}
}

func TestSingleReconnectThenResume(t *testing.T) {
	push := newFakePush()
	pull := newFakePull()
	s := New(push, pull, fastOpts(), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitState(t, s, StateRunningPush)
	push.kill()

	deadline := time.Now().Add(2 * time.Second)
	for s.Attempts() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	waitState(t, s, StateRunningPush)
	if s.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", s.Attempts())
	}
	if pull.runs.Load() != 0 {
		t.Fatal("pull ran after a successful reconnect")
	}
}

func TestLossWithFailedReconnectFallsBack(t *testing.T) {
	push := newFakePush()
	push.failures[2] = errors.New("refused")
	push.failures[3] = errors.New("refused")
	pull := newFakePull()
	s := New(push, pull, fastOpts(), nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	waitState(t, s, StateRunningPush)
	push.kill()
	<-pull.started
	time.Sleep(20 * time.Millisecond)
	if n, _ := push.counts(); n != 2 {
		t.Fatalf("connect attempts = %d, want 2 (initial + one reconnect)", n)
	}
	if s.State() != StateRunningPull {
		t.Fatalf("state = %v, want pull", s.State())
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	push := newFakePush()
	push.failAll = apperr.FromStatus("dial", 401, "")
	pull := newFakePull()
	s := New(push, pull, fastOpts(), nil, logx.Nop())
	err := s.Run(context.Background())
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("Run() error = %v, want auth", err)
	}
	if n, _ := push.counts(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
	if pull.runs.Load() != 0 {
		t.Fatal("pull ran after auth failure")
	}
}

func TestPushDisabledGoesStraightToPull(t *testing.T) {
	push := newFakePush()
	pull := newFakePull()
	opts := fastOpts()
	opts.PushEnabled = false
	s := New(push, pull, opts, nil, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	<-pull.started
	cancel()
	if n, _ := push.counts(); n != 0 {
		t.Fatalf("push attempts = %d, want 0", n)
	}
}

func TestOnStateCallback(t *testing.T) {
	var mu sync.Mutex
	var got []State
	opts := fastOpts()
	opts.OnState = func(st State) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	}
	pull := newFakePull()
	pull.err = errors.New("pull broke")
	push := newFakePush()
	push.failAll = errors.New("refused")
	s := New(push, pull, opts, nil, logx.Nop())
	if err := s.Run(context.Background()); err == nil || err.Error() != "pull broke" {
		t.Fatalf("Run() error = %v, want pull error", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != StateStarting || got[1] != StateRunningPull || got[2] != StateStopped {
		t.Fatalf("states = %v", got)
	}
}
