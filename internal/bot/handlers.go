package bot

import (
	"context"
	"fmt"
	"strings"

	"misskeybot/internal/event"
	"misskeybot/internal/llm"
	"misskeybot/internal/misskey"
	"misskeybot/internal/plugin"
	logx "misskeybot/pkg/logx"
)

// HandleMention answers a mention or reply. A plugin that handles the event
// wins; otherwise the model writes the answer. Failures send nothing.
func (b *Bot) HandleMention(ctx context.Context, ev event.Event) error {
	set, _ := b.settings()
	if !set.MentionEnabled {
		return nil
	}
	log := b.log.With(logx.String("mention", ev.ID), logx.String("user", ev.Username))
	log.Info("mention received", logx.Text("text", ev.Text))

	if r, ok := firstHandled(b.plugins.Mention(ctx, ev)); ok {
		log.Debug("mention handled by plugin", logx.String("plugin", r.PluginName))
		if r.Response == "" {
			return nil
		}
		return b.replyNote(ctx, log, ev, r.Response)
	}

	reply, err := b.gen.Generate(ctx, ev.Text, set.SystemPrompt, set.Generation)
	if err != nil {
		b.record(err)
		return fmt.Errorf("generate mention reply: %w", err)
	}
	return b.replyNote(ctx, log, ev, reply)
}

func (b *Bot) replyNote(ctx context.Context, log logx.Logger, ev event.Event, text string) error {
	body := text
	if ev.Username != "" {
		body = "@" + ev.Username + "\n" + text
	}
	n, err := b.api.CreateNote(ctx, misskey.NoteRequest{Text: body, ReplyID: ev.ReplyTargetID})
	if err != nil {
		b.record(err)
		return fmt.Errorf("reply to %s: %w", ev.ID, err)
	}
	log.Info("mention answered", logx.String("note", n.ID), logx.Text("text", body))
	return nil
}

// HandleMessage answers a direct chat message, giving the model the recent
// conversation with that user.
func (b *Bot) HandleMessage(ctx context.Context, ev event.Event) error {
	set, self := b.settings()
	if !set.ChatEnabled {
		return nil
	}
	if self.ID != "" && ev.UserID == self.ID {
		b.log.Debug("own chat message skipped", logx.String("message", ev.ID))
		return nil
	}
	if ev.UserID == "" || strings.TrimSpace(ev.Text) == "" {
		b.log.Debug("chat message without sender or text", logx.String("message", ev.ID), logx.Bool("has_user", ev.UserID != ""))
		return nil
	}
	log := b.log.With(logx.String("message", ev.ID), logx.String("user", ev.Username))
	log.Info("chat received", logx.Text("text", ev.Text))

	if r, ok := firstHandled(b.plugins.Message(ctx, ev)); ok {
		log.Debug("chat handled by plugin", logx.String("plugin", r.PluginName))
		if r.Response == "" {
			return nil
		}
		return b.sendChat(ctx, log, ev.UserID, r.Response)
	}

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: set.SystemPrompt}}
	msgs = append(msgs, b.history(ctx, log, ev, set.ChatMemory)...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: ev.Text})

	reply, err := b.gen.Chat(ctx, msgs, set.Generation)
	if err != nil {
		b.record(err)
		return fmt.Errorf("generate chat reply: %w", err)
	}
	return b.sendChat(ctx, log, ev.UserID, reply)
}

func (b *Bot) sendChat(ctx context.Context, log logx.Logger, userID, text string) error {
	if _, err := b.api.SendMessage(ctx, userID, text); err != nil {
		b.record(err)
		return fmt.Errorf("send chat to %s: %w", userID, err)
	}
	log.Info("chat answered", logx.Text("text", text))
	return nil
}

// history returns the conversation oldest first. Messages from the peer are
// user turns, everything else is the bot. The event being answered is left
// out; the caller appends it.
func (b *Bot) history(ctx context.Context, log logx.Logger, ev event.Event, limit int) []llm.Message {
	items, err := b.api.ChatTimeline(ctx, ev.UserID, limit, "")
	if err != nil {
		log.Warn("chat history unavailable", logx.Err(err))
		return nil
	}
	out := make([]llm.Message, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		m, err := event.Normalize(event.KindChat, items[i])
		if err != nil || m.ID == ev.ID || m.Text == "" {
			continue
		}
		role := llm.RoleAssistant
		if m.UserID == ev.UserID {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

func firstHandled(results []plugin.Result) (plugin.Result, bool) {
	for _, r := range results {
		if r.Handled {
			return r, true
		}
	}
	return plugin.Result{}, false
}
