// Package bot holds what the bot does with an event once the core accepted
// it: plugin chain first, then the language model, then a reply. It also
// owns the auto-post budget and the ledger housekeeping jobs.
package bot

import (
	"context"
	"sync"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/dispatch"
	"misskeybot/internal/event"
	"misskeybot/internal/eventbus"
	"misskeybot/internal/llm"
	"misskeybot/internal/misskey"
	"misskeybot/internal/plugin"
	logx "misskeybot/pkg/logx"
)

const DefaultPostPrompt = "Write an interesting, insightful social media post."

// API is the subset of the Misskey client the bot writes through.
type API interface {
	CreateNote(ctx context.Context, req misskey.NoteRequest) (misskey.Note, error)
	SendMessage(ctx context.Context, userID, text string) (misskey.ChatMessage, error)
	ChatTimeline(ctx context.Context, userID string, limit int, sinceID string) ([]map[string]any, error)
}

// Plugins is the hook chain.
type Plugins interface {
	Mention(ctx context.Context, ev event.Event) []plugin.Result
	Message(ctx context.Context, ev event.Event) []plugin.Result
	AutoPost(ctx context.Context) []plugin.Result
}

// Settings are the hot-reloadable knobs.
type Settings struct {
	SystemPrompt   string
	MentionEnabled bool
	ChatEnabled    bool
	ChatMemory     int

	AutoPostEnabled  bool
	AutoPostInterval time.Duration
	MaxPerDay        int
	Visibility       string
	PostPrompt       string

	Generation  llm.Options
	CleanupDays int
}

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// Transport reports the transport state and fallback reason for Status.
	Transport func() (state, fallback string)
	// Accepted reports how many events the dispatcher accepted.
	Accepted func() int64
	// OnFatal is called once per authentication failure; the host should
	// shut down.
	OnFatal func(err error)
	// OnError observes every counted failure by kind.
	OnError func(kind string)
	// OnAutoPost observes every auto-post tick.
	OnAutoPost func(outcome PostOutcome, err error)
}

type Bot struct {
	api     API
	gen     llm.Generator
	plugins Plugins
	bus     eventbus.Bus
	log     logx.Logger
	opts    Options
	started time.Time

	mu   sync.RWMutex
	set  Settings
	self misskey.User

	postMu     sync.Mutex
	day        string
	postsToday int
	lastPost   time.Time

	errMu  sync.Mutex
	errors map[string]int64
}

func New(api API, gen llm.Generator, plugins Plugins, set Settings, opts Options, bus eventbus.Bus, log logx.Logger) *Bot {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bot{
		api:     api,
		gen:     gen,
		plugins: plugins,
		bus:     bus,
		opts:    opts,
		log:     log.With(logx.String("comp", "bot")),
		started: opts.Now(),
		set:     normalize(set),
		errors:  map[string]int64{},
	}
	b.day = utcDay(b.started)
	return b
}

func normalize(s Settings) Settings {
	if s.ChatMemory <= 0 {
		s.ChatMemory = 10
	}
	if s.Visibility == "" {
		s.Visibility = misskey.VisibilityPublic
	}
	if s.PostPrompt == "" {
		s.PostPrompt = DefaultPostPrompt
	}
	return s
}

// SetSelf records the bot account so its own chat messages are ignored.
func (b *Bot) SetSelf(u misskey.User) {
	b.mu.Lock()
	b.self = u
	b.mu.Unlock()
}

func (b *Bot) Apply(s Settings) {
	b.mu.Lock()
	b.set = normalize(s)
	b.mu.Unlock()
}

func (b *Bot) settings() (Settings, misskey.User) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.set, b.self
}

// Handlers returns the dispatcher callbacks.
func (b *Bot) Handlers() dispatch.Handlers {
	return dispatch.Handlers{Mention: b.HandleMention, Message: b.HandleMessage}
}

// ErrorStats counts handler failures by apperr kind.
func (b *Bot) ErrorStats() map[string]int64 {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	out := make(map[string]int64, len(b.errors))
	for k, v := range b.errors {
		out[k] = v
	}
	return out
}

func (b *Bot) record(err error) {
	if err == nil {
		return
	}
	kind := apperr.KindOf(err).String()
	b.errMu.Lock()
	b.errors[kind]++
	b.errMu.Unlock()
	if b.opts.OnError != nil {
		b.opts.OnError(kind)
	}
	if apperr.Is(err, apperr.KindAuth) && b.opts.OnFatal != nil {
		b.opts.OnFatal(err)
	}
}

// Status is the snapshot handed to plugins and the health endpoint.
func (b *Bot) Status() plugin.Status {
	set, self := b.settings()
	now := b.opts.Now()

	b.postMu.Lock()
	posts := b.postsToday
	if b.day != utcDay(now) {
		posts = 0
	}
	last := b.lastPost
	b.postMu.Unlock()

	st := plugin.Status{
		Started:    b.started,
		Uptime:     now.Sub(b.started),
		Username:   self.Username,
		PostsToday: posts,
		MaxPerDay:  set.MaxPerDay,
		LastPost:   last,
		Errors:     b.ErrorStats(),
	}
	if b.opts.Transport != nil {
		st.Transport, st.Fallback = b.opts.Transport()
	}
	if b.opts.Accepted != nil {
		st.Accepted = b.opts.Accepted()
	}
	return st
}

func utcDay(t time.Time) string { return t.UTC().Format("2006-01-02") }
