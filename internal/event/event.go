// Package event normalizes upstream Misskey payloads into a typed Event.
//
// All guessing about the JSON shape of notes, notifications and chat
// messages lives here.
package event

import (
	"time"

	"misskeybot/internal/apperr"
)

// Kind is the inbound activity type.
type Kind int

const (
	KindUnknown Kind = iota
	KindMention
	KindReply
	KindChat
)

func (k Kind) String() string {
	switch k {
	case KindMention:
		return "mention"
	case KindReply:
		return "reply"
	case KindChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Category is the ledger namespace of an event.
type Category string

const (
	CategoryMention Category = "mention"
	CategoryMessage Category = "message"
)

// Category maps mentions and replies to the mention ledger and chat to the
// message ledger.
func (k Kind) Category() Category {
	if k == KindChat {
		return CategoryMessage
	}
	return CategoryMention
}

// Event is a unit of inbound activity.
type Event struct {
	ID           string
	Kind         Kind
	CreatedAt    time.Time
	HasCreatedAt bool

	UserID   string
	Username string
	Text     string

	// ReplyTargetID is the note a mention reply should attach to.
	ReplyTargetID string
	Visibility    string

	Raw map[string]any
}

// Category is the ledger namespace of ev.
func (ev Event) Category() Category { return ev.Kind.Category() }

// Key identifies ev across categories.
func (ev Event) Key() string { return string(ev.Category()) + ":" + ev.ID }

// AfterStartup reports whether ev was created strictly after startup. Events
// without a usable timestamp are never after startup.
func AfterStartup(ev Event, startup time.Time) bool {
	return ev.HasCreatedAt && ev.CreatedAt.After(startup)
}

func malformed(op, format string, args ...any) error {
	return apperr.Errorf(apperr.KindMalformed, op, format, args...)
}
