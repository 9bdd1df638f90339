package bot

import (
	"context"
	"fmt"
	"time"

	"misskeybot/internal/eventbus"
	"misskeybot/internal/misskey"
	"misskeybot/internal/plugin"
	logx "misskeybot/pkg/logx"
)

// PostOutcome tells what an auto-post tick did.
type PostOutcome int

const (
	PostSkipped PostOutcome = iota
	PostLimited
	PostPlugin
	PostGenerated
)

func (o PostOutcome) String() string {
	switch o {
	case PostLimited:
		return "limited"
	case PostPlugin:
		return "plugin"
	case PostGenerated:
		return "generated"
	default:
		return "skipped"
	}
}

// AutoPost writes one timeline post if today's budget allows. Plugin content
// is posted verbatim; otherwise the model writes from the configured prompt,
// optionally prefixed by plugins.
func (b *Bot) AutoPost(ctx context.Context) (PostOutcome, error) {
	set, _ := b.settings()
	if !set.AutoPostEnabled {
		return PostSkipped, nil
	}

	// One post at a time keeps the daily count exact.
	b.postMu.Lock()
	defer b.postMu.Unlock()

	b.rolloverLocked()
	if set.MaxPerDay > 0 && b.postsToday >= set.MaxPerDay {
		b.log.Debug("daily post limit reached", logx.Int("max", set.MaxPerDay))
		return PostLimited, nil
	}

	results := b.plugins.AutoPost(ctx)
	for _, r := range results {
		if r.Content == "" {
			continue
		}
		vis := r.Visibility
		if vis == "" {
			vis = set.Visibility
		}
		if err := b.postLocked(ctx, set, r.Content, vis); err != nil {
			return PostPlugin, err
		}
		b.log.Debug("auto-post content from plugin", logx.String("plugin", r.PluginName))
		return PostPlugin, nil
	}

	prompt := b.buildPrompt(set.PostPrompt, results)
	text, err := b.gen.Generate(ctx, prompt, set.SystemPrompt, set.Generation)
	if err != nil {
		b.record(err)
		return PostGenerated, fmt.Errorf("generate auto-post: %w", err)
	}
	if err := b.postLocked(ctx, set, text, set.Visibility); err != nil {
		return PostGenerated, err
	}
	return PostGenerated, nil
}

// buildPrompt renders "[<unix minutes>] <plugin prompt><prompt>". The last
// plugin asking to modify the prompt wins for each field.
func (b *Bot) buildPrompt(prompt string, results []plugin.Result) string {
	var pluginPrompt string
	stamp := b.opts.Now().Unix() / 60
	for _, r := range results {
		if !r.ModifyPrompt {
			continue
		}
		if r.PluginPrompt != "" {
			pluginPrompt = r.PluginPrompt
		}
		if r.Timestamp != 0 {
			stamp = r.Timestamp
		}
		b.log.Info("plugin modified the post prompt", logx.String("plugin", r.PluginName), logx.Text("prompt", r.PluginPrompt))
	}
	return fmt.Sprintf("[%d] %s%s", stamp, pluginPrompt, prompt)
}

func (b *Bot) postLocked(ctx context.Context, set Settings, text, visibility string) error {
	n, err := b.api.CreateNote(ctx, misskey.NoteRequest{Text: text, Visibility: visibility})
	if err != nil {
		b.record(err)
		return fmt.Errorf("auto-post: %w", err)
	}
	b.postsToday++
	b.lastPost = b.opts.Now()
	b.log.Info("auto-post published",
		logx.String("note", n.ID),
		logx.Int("today", b.postsToday),
		logx.Int("max", set.MaxPerDay),
		logx.Text("text", text),
	)
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.AutoPostSent, Data: n.ID})
	}
	return nil
}

func (b *Bot) rolloverLocked() {
	if d := utcDay(b.opts.Now()); d != b.day {
		b.day = d
		b.postsToday = 0
	}
}

// ResetDaily zeroes today's post count.
func (b *Bot) ResetDaily() {
	b.postMu.Lock()
	b.day = utcDay(b.opts.Now())
	b.postsToday = 0
	b.postMu.Unlock()
	b.log.Debug("daily post count reset")
}

// PostsToday returns the post count for the current UTC day and the last
// post time.
func (b *Bot) PostsToday() (int, time.Time) {
	b.postMu.Lock()
	defer b.postMu.Unlock()
	b.rolloverLocked()
	return b.postsToday, b.lastPost
}
