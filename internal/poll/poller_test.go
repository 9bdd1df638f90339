package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/dedup"
	"misskeybot/internal/dispatch"
	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"
)

type fakeAPI struct {
	mu       sync.Mutex
	mentions []map[string]any
	chats    []map[string]any
	errs     []error
	calls    int
}

func (f *fakeAPI) Mentions(_ context.Context, limit int, _ string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.mentions, nil
}

func (f *fakeAPI) ChatHistory(_ context.Context, limit int, room bool) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats, nil
}

func (f *fakeAPI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var startup = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func note(id string, at time.Time) map[string]any {
	return map[string]any{
		"id": id, "text": "@bot hi", "createdAt": at.Format(time.RFC3339Nano),
		"user": map[string]any{"id": "u1", "username": "alice"},
	}
}

func TestOnceGatesHistoryAndDedups(t *testing.T) {
	var mu sync.Mutex
	handled := map[string]int{}
	h := func(_ context.Context, ev event.Event) error {
		mu.Lock()
		handled[ev.ID]++
		mu.Unlock()
		return nil
	}
	d := dispatch.New(dedup.NewCache(32), nil, dispatch.Handlers{Mention: h, Message: h}, dispatch.Options{Startup: startup}, nil, logx.Nop())
	api := &fakeAPI{
		mentions: []map[string]any{note("new", startup.Add(time.Minute)), note("old", startup.Add(-time.Minute)), {"text": "no id"}},
		chats: []map[string]any{{
			"id": "c1", "fromUserId": "u2", "text": "yo", "createdAt": startup.Add(time.Second).Format(time.RFC3339),
		}},
	}
	p := New(api, d, Options{Mentions: true, Chat: true}, logx.Nop())

	res, err := p.Once(context.Background())
	if err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if res.Fetched != 4 || res.Outcomes[dispatch.Accepted] != 2 || res.Outcomes[dispatch.Gated] != 1 || res.Outcomes[dispatch.Malformed] != 1 {
		t.Fatalf("result = %+v", res)
	}
	res, _ = p.Once(context.Background())
	if res.Outcomes[dispatch.DuplicateCache] != 3 {
		t.Fatalf("second cycle = %+v, want 3 cache duplicates", res)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if handled["new"] != 1 || handled["c1"] != 1 || handled["old"] != 0 {
		t.Fatalf("handled = %v", handled)
	}
}

func TestDisabledFeaturesAreNotFetched(t *testing.T) {
	api := &fakeAPI{}
	d := dispatch.New(nil, nil, dispatch.Handlers{}, dispatch.Options{Startup: startup}, nil, logx.Nop())
	p := New(api, d, Options{}, logx.Nop())
	if _, err := p.Once(context.Background()); err != nil {
		t.Fatalf("Once() error = %v", err)
	}
	if api.callCount() != 0 {
		t.Fatalf("mentions fetched %d times with mentions disabled", api.callCount())
	}
}

func TestRunSurvivesTransientErrors(t *testing.T) {
	api := &fakeAPI{errs: []error{
		apperr.New(apperr.KindConnection, "x", errors.New("reset")),
		apperr.New(apperr.KindRateLimit, "x", nil),
	}}
	d := dispatch.New(nil, nil, dispatch.Handlers{}, dispatch.Options{Startup: startup}, nil, logx.Nop())
	p := New(api, d, Options{Mentions: true, Interval: 5 * time.Millisecond}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for api.callCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
	if api.callCount() < 4 {
		t.Fatalf("cycles = %d, want at least 4", api.callCount())
	}
}

func TestRunStopsOnAuth(t *testing.T) {
	api := &fakeAPI{errs: []error{apperr.New(apperr.KindAuth, "x", nil)}}
	d := dispatch.New(nil, nil, dispatch.Handlers{}, dispatch.Options{Startup: startup}, nil, logx.Nop())
	p := New(api, d, Options{Mentions: true, Chat: true, Interval: time.Millisecond}, logx.Nop())
	err := p.Run(context.Background())
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("Run() error = %v, want auth", err)
	}
}

func TestApplyWakesLoop(t *testing.T) {
	api := &fakeAPI{}
	d := dispatch.New(nil, nil, dispatch.Handlers{}, dispatch.Options{Startup: startup}, nil, logx.Nop())
	p := New(api, d, Options{Mentions: true, Interval: time.Hour}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for api.callCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	p.Apply(Options{Mentions: true, Interval: time.Millisecond})
	for api.callCount() < 3 && time.Now().Before(deadline.Add(time.Second)) {
		time.Sleep(time.Millisecond)
	}
	if api.callCount() < 3 {
		t.Fatalf("calls = %d after Apply, want at least 3", api.callCount())
	}
}
