package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/event"
	"misskeybot/internal/llm"
	"misskeybot/internal/misskey"
	"misskeybot/internal/plugin"
	"misskeybot/internal/scheduler"
	logx "misskeybot/pkg/logx"
)

type fakeAPI struct {
	mu       sync.Mutex
	notes    []misskey.NoteRequest
	chats    []string
	timeline []map[string]any
	noteErr  error
}

func (f *fakeAPI) CreateNote(_ context.Context, req misskey.NoteRequest) (misskey.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noteErr != nil {
		return misskey.Note{}, f.noteErr
	}
	f.notes = append(f.notes, req)
	return misskey.Note{ID: "n" + string(rune('0'+len(f.notes)))}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, userID, text string) (misskey.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, userID+":"+text)
	return misskey.ChatMessage{ID: "c"}, nil
}

func (f *fakeAPI) ChatTimeline(context.Context, string, int, string) ([]map[string]any, error) {
	return f.timeline, nil
}

type fakeGen struct {
	mu      sync.Mutex
	prompts []string
	chats   [][]llm.Message
	reply   string
	err     error
}

func (g *fakeGen) Generate(_ context.Context, prompt, system string, _ llm.Options) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, system+"|"+prompt)
	return g.reply, g.err
}

func (g *fakeGen) Chat(_ context.Context, msgs []llm.Message, _ llm.Options) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chats = append(g.chats, msgs)
	return g.reply, g.err
}

type fakePlugins struct {
	mention  []plugin.Result
	message  []plugin.Result
	autoPost []plugin.Result
}

func (p *fakePlugins) Mention(context.Context, event.Event) []plugin.Result { return p.mention }
func (p *fakePlugins) Message(context.Context, event.Event) []plugin.Result { return p.message }
func (p *fakePlugins) AutoPost(context.Context) []plugin.Result { return p.autoPost }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func defaults() Settings {
	return Settings{
		SystemPrompt:    "sys",
		MentionEnabled:  true,
		ChatEnabled:     true,
		ChatMemory:      10,
		AutoPostEnabled: true,
		MaxPerDay:       2,
		Visibility:      "home",
		PostPrompt:      "write",
	}
}

func newBot(api *fakeAPI, gen *fakeGen, pl *fakePlugins, c *clock) *Bot {
	opts := Options{}
	if c != nil {
		opts.Now = c.now
	}
	return New(api, gen, pl, defaults(), opts, nil, logx.Nop())
}

var mention = event.Event{ID: "m1", Kind: event.KindMention, UserID: "u1", Username: "alice", Text: "hi", ReplyTargetID: "note1"}

func TestMentionUsesModel(t *testing.T) {
	api, gen := &fakeAPI{}, &fakeGen{reply: "hello!"}
	b := newBot(api, gen, &fakePlugins{}, nil)
	if err := b.HandleMention(context.Background(), mention); err != nil {
		t.Fatalf("HandleMention() error = %v", err)
	}
	if len(gen.prompts) != 1 || gen.prompts[0] != "sys|hi" {
		t.Fatalf("prompts = %v", gen.prompts)
	}
	if len(api.notes) != 1 || api.notes[0].Text != "@alice\nhello!" || api.notes[0].ReplyID != "note1" {
		t.Fatalf("notes = %+v", api.notes)
	}
}

func TestMentionPluginChain(t *testing.T) {
	tests := []struct {
		name      string
		results   []plugin.Result
		wantNote  string
		wantModel bool
	}{
		{"handled with response", []plugin.Result{{Response: "skip me"}, {Handled: true, Response: "pong"}}, "@alice\npong", false},
		{"handled silently", []plugin.Result{{Handled: true}}, "", false},
		{"not handled", []plugin.Result{{Response: "ignored"}}, "@alice\nmodel", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api, gen := &fakeAPI{}, &fakeGen{reply: "model"}
			b := newBot(api, gen, &fakePlugins{mention: tt.results}, nil)
			if err := b.HandleMention(context.Background(), mention); err != nil {
				t.Fatalf("HandleMention() error = %v", err)
			}
			if got := len(gen.prompts) > 0; got != tt.wantModel {
				t.Fatalf("model called = %v, want %v", got, tt.wantModel)
			}
			if tt.wantNote == "" {
				if len(api.notes) != 0 {
					t.Fatalf("notes = %+v, want none", api.notes)
				}
				return
			}
			if len(api.notes) != 1 || api.notes[0].Text != tt.wantNote {
				t.Fatalf("notes = %+v, want %q", api.notes, tt.wantNote)
			}
		})
	}
}

func TestMentionFailsClosed(t *testing.T) {
	api := &fakeAPI{}
	gen := &fakeGen{err: apperr.New(apperr.KindRateLimit, "llm", nil)}
	b := newBot(api, gen, &fakePlugins{}, nil)
	if err := b.HandleMention(context.Background(), mention); !apperr.Is(err, apperr.KindRateLimit) {
		t.Fatalf("HandleMention() error = %v, want rate limit", err)
	}
	if len(api.notes) != 0 {
		t.Fatalf("notes = %+v, want no reply on failure", api.notes)
	}
	if got := b.ErrorStats()["rate_limit"]; got != 1 {
		t.Fatalf("rate_limit errors = %d, want 1", got)
	}
}

func TestAuthFailureIsReportedFatal(t *testing.T) {
	var fatal error
	api := &fakeAPI{noteErr: apperr.FromStatus("notes/create", 401, "")}
	b := New(api, &fakeGen{reply: "x"}, &fakePlugins{}, defaults(), Options{OnFatal: func(err error) { fatal = err }}, nil, logx.Nop())
	_ = b.HandleMention(context.Background(), mention)
	if !apperr.Is(fatal, apperr.KindAuth) {
		t.Fatalf("OnFatal got %v, want auth error", fatal)
	}
}

func TestMentionDisabled(t *testing.T) {
	api, gen := &fakeAPI{}, &fakeGen{reply: "x"}
	b := newBot(api, gen, &fakePlugins{}, nil)
	s := defaults()
	s.MentionEnabled = false
	b.Apply(s)
	_ = b.HandleMention(context.Background(), mention)
	if len(gen.prompts)+len(api.notes) != 0 {
		t.Fatal("disabled mention handler did work")
	}
}

func TestMessageBuildsHistory(t *testing.T) {
	api := &fakeAPI{timeline: []map[string]any{
		// Newest first, as the API returns them.
		{"id": "c3", "fromUserId": "u1", "text": "current"},
		{"id": "c2", "fromUserId": "bot", "text": "earlier answer"},
		{"id": "c1", "fromUserId": "u1", "text": "first question"},
	}}
	gen := &fakeGen{reply: "answer"}
	b := newBot(api, gen, &fakePlugins{}, nil)
	b.SetSelf(misskey.User{ID: "bot", Username: "bot"})

	ev := event.Event{ID: "c3", Kind: event.KindChat, UserID: "u1", Username: "alice", Text: "current"}
	if err := b.HandleMessage(context.Background(), ev); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if len(gen.chats) != 1 {
		t.Fatalf("chat calls = %d", len(gen.chats))
	}
	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "first question"},
		{Role: llm.RoleAssistant, Content: "earlier answer"},
		{Role: llm.RoleUser, Content: "current"},
	}
	got := gen.chats[0]
	if len(got) != len(want) {
		t.Fatalf("messages = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if len(api.chats) != 1 || api.chats[0] != "u1:answer" {
		t.Fatalf("chats = %v", api.chats)
	}
}

func TestMessageSkips(t *testing.T) {
	api, gen := &fakeAPI{}, &fakeGen{reply: "x"}
	b := newBot(api, gen, &fakePlugins{message: []plugin.Result{{Handled: true, Response: "plugin"}}}, nil)
	b.SetSelf(misskey.User{ID: "bot"})
	ctx := context.Background()

	_ = b.HandleMessage(ctx, event.Event{ID: "a", Kind: event.KindChat, UserID: "bot", Text: "mine"})
	_ = b.HandleMessage(ctx, event.Event{ID: "b", Kind: event.KindChat, UserID: "u1", Text: "  "})
	if len(api.chats) != 0 {
		t.Fatalf("chats = %v, want none", api.chats)
	}
	_ = b.HandleMessage(ctx, event.Event{ID: "c", Kind: event.KindChat, UserID: "u1", Text: "hey"})
	if len(api.chats) != 1 || api.chats[0] != "u1:plugin" || len(gen.chats) != 0 {
		t.Fatalf("chats = %v model calls = %d", api.chats, len(gen.chats))
	}
}

func TestAutoPostBudgetAndRollover(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	api, gen := &fakeAPI{}, &fakeGen{reply: "post"}
	b := newBot(api, gen, &fakePlugins{}, c)
	ctx := context.Background()

	for i, want := range []PostOutcome{PostGenerated, PostGenerated, PostLimited} {
		got, err := b.AutoPost(ctx)
		if err != nil || got != want {
			t.Fatalf("AutoPost() #%d = %v, %v, want %v", i, got, err, want)
		}
	}
	if n, _ := b.PostsToday(); n != 2 {
		t.Fatalf("PostsToday() = %d, want 2", n)
	}

	c.set(time.Date(2025, 3, 2, 0, 0, 1, 0, time.UTC))
	if got, _ := b.AutoPost(ctx); got != PostGenerated {
		t.Fatalf("AutoPost() after midnight = %v", got)
	}
	if n, _ := b.PostsToday(); n != 1 {
		t.Fatalf("PostsToday() after rollover = %d, want 1", n)
	}
	if api.notes[0].Visibility != "home" {
		t.Fatalf("visibility = %q, want configured default", api.notes[0].Visibility)
	}
}

func TestAutoPostPluginContent(t *testing.T) {
	api, gen := &fakeAPI{}, &fakeGen{reply: "x"}
	pl := &fakePlugins{autoPost: []plugin.Result{
		{ModifyPrompt: true, PluginPrompt: "ignored "},
		{Content: "from plugin", Visibility: "followers"},
	}}
	b := newBot(api, gen, pl, nil)
	got, err := b.AutoPost(context.Background())
	if err != nil || got != PostPlugin {
		t.Fatalf("AutoPost() = %v, %v", got, err)
	}
	if len(gen.prompts) != 0 {
		t.Fatal("model called despite plugin content")
	}
	if api.notes[0].Text != "from plugin" || api.notes[0].Visibility != "followers" {
		t.Fatalf("note = %+v", api.notes[0])
	}
}

func TestAutoPostPromptModifiers(t *testing.T) {
	c := &clock{t: time.Unix(6000, 0)}
	api, gen := &fakeAPI{}, &fakeGen{reply: "x"}
	pl := &fakePlugins{autoPost: []plugin.Result{
		{ModifyPrompt: true, PluginPrompt: "first "},
		{ModifyPrompt: true, PluginPrompt: "today is sunny. "},
	}}
	b := newBot(api, gen, pl, c)
	if _, err := b.AutoPost(context.Background()); err != nil {
		t.Fatalf("AutoPost() error = %v", err)
	}
	if want := "sys|[100] today is sunny. write"; gen.prompts[0] != want {
		t.Fatalf("prompt = %q, want %q", gen.prompts[0], want)
	}

	pl.autoPost = []plugin.Result{{ModifyPrompt: true, Timestamp: 42}}
	_, _ = b.AutoPost(context.Background())
	if !strings.HasPrefix(gen.prompts[1], "sys|[42] write") {
		t.Fatalf("prompt = %q", gen.prompts[1])
	}
}

func TestAutoPostFailureDoesNotCount(t *testing.T) {
	api := &fakeAPI{noteErr: apperr.New(apperr.KindConnection, "notes/create", errors.New("reset"))}
	b := newBot(api, &fakeGen{reply: "x"}, &fakePlugins{}, nil)
	if _, err := b.AutoPost(context.Background()); err == nil {
		t.Fatal("AutoPost() error = nil")
	}
	if n, _ := b.PostsToday(); n != 0 {
		t.Fatalf("PostsToday() = %d after failure", n)
	}
}

type fakeLedger struct {
	purged  time.Duration
	vacuums int
}

func (l *fakeLedger) PurgeOlderThan(_ context.Context, age time.Duration) (int64, error) {
	l.purged = age
	return 3, nil
}

func (l *fakeLedger) Vacuum(context.Context) error {
	l.vacuums++
	return nil
}

func TestScheduleRegistersJobs(t *testing.T) {
	s := scheduler.New(scheduler.Config{Timezone: "UTC"}, logx.Nop(), nil)
	set := defaults()
	set.AutoPostInterval = 3 * time.Hour
	set.CleanupDays = 30
	api, gen := &fakeAPI{}, &fakeGen{reply: "x"}
	b := New(api, gen, &fakePlugins{}, set, Options{}, nil, logx.Nop())
	l := &fakeLedger{}
	if err := b.Schedule(s, l); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	specs := map[string]string{}
	for _, j := range s.Snapshot() {
		specs[j.Name] = j.Spec
	}
	want := map[string]string{
		JobAutoPost:   "@every 3h0m0s",
		JobResetDaily: "0 0 * * *",
		JobPurge:      "0 1 * * *",
		JobVacuum:     "0 2 * * *",
	}
	for name, spec := range want {
		if specs[name] != spec {
			t.Fatalf("job %s spec = %q, want %q", name, specs[name], spec)
		}
	}

	ctx := context.Background()
	if err := s.Trigger(ctx, JobPurge); err != nil || l.purged != 30*24*time.Hour {
		t.Fatalf("purge: err = %v age = %v", err, l.purged)
	}
	if err := s.Trigger(ctx, JobVacuum); err != nil || l.vacuums != 1 {
		t.Fatalf("vacuum: err = %v count = %d", err, l.vacuums)
	}
	if err := s.Trigger(ctx, JobAutoPost); err != nil || len(api.notes) != 1 {
		t.Fatalf("auto-post: err = %v notes = %d", err, len(api.notes))
	}

	set.AutoPostEnabled = false
	b.Apply(set)
	if err := b.Schedule(s, l); err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}
	if err := s.Trigger(ctx, JobAutoPost); err == nil {
		t.Fatal("auto-post still scheduled after disable")
	}
}

func TestStatus(t *testing.T) {
	c := &clock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	b := New(&fakeAPI{}, &fakeGen{reply: "x"}, &fakePlugins{}, defaults(), Options{
		Now:       c.now,
		Transport: func() (string, string) { return "pull", "push transport unavailable" },
		Accepted:  func() int64 { return 7 },
	}, nil, logx.Nop())
	b.SetSelf(misskey.User{ID: "bot", Username: "botty"})
	_, _ = b.AutoPost(context.Background())
	c.set(c.now().Add(time.Hour))

	st := b.Status()
	if st.Uptime != time.Hour || st.Username != "botty" || st.Transport != "pull" || st.Accepted != 7 || st.PostsToday != 1 || st.MaxPerDay != 2 {
		t.Fatalf("Status() = %+v", st)
	}
}
