package misskey

import (
	"context"
	"net/url"
	"strings"

	"misskeybot/internal/apperr"
	logx "misskeybot/pkg/logx"
)

const (
	VisibilitySpecified = "specified"
	VisibilityFollowers = "followers"
	VisibilityHome      = "home"
	VisibilityPublic    = "public"
)

var visibilityRank = map[string]int{
	VisibilitySpecified: 0,
	VisibilityFollowers: 1,
	VisibilityHome:      2,
	VisibilityPublic:    3,
}

func rank(v string) int {
	if r, ok := visibilityRank[v]; ok {
		return r
	}
	return visibilityRank[VisibilityPublic]
}

// User is the subset of a Misskey user the bot needs.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Note is the subset of a Misskey note the bot needs.
type Note struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	Visibility string `json:"visibility"`
	UserID     string `json:"userId"`
	User       *User  `json:"user,omitempty"`
	ReplyID    string `json:"replyId,omitempty"`
}

// ChatMessage is a sent or received chat message.
type ChatMessage struct {
	ID         string `json:"id"`
	Text       string `json:"text"`
	FromUserID string `json:"fromUserId"`
	ToUserID   string `json:"toUserId,omitempty"`
}

// NoteRequest describes a note to create. Empty Visibility means "inherit"
// for replies and the configured default otherwise.
type NoteRequest struct {
	Text       string
	Visibility string
	ReplyID    string
}

func (c *Client) list(ctx context.Context, endpoint string, params map[string]any) ([]map[string]any, error) {
	var out []map[string]any
	if err := c.Call(ctx, endpoint, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Mentions returns the newest notes mentioning the bot.
func (c *Client) Mentions(ctx context.Context, limit int, sinceID string) ([]map[string]any, error) {
	p := map[string]any{"limit": limit}
	if sinceID != "" {
		p["sinceId"] = sinceID
	}
	return c.list(ctx, "notes/mentions", p)
}

// ChatHistory returns the latest message of each conversation.
func (c *Client) ChatHistory(ctx context.Context, limit int, room bool) ([]map[string]any, error) {
	return c.list(ctx, "chat/history", map[string]any{"limit": limit, "room": room})
}

// ChatTimeline returns the newest messages exchanged with userID, newest first.
func (c *Client) ChatTimeline(ctx context.Context, userID string, limit int, sinceID string) ([]map[string]any, error) {
	if userID == "" {
		return nil, apperr.New(apperr.KindBadRequest, "misskey.chat/messages/user-timeline", errMissingID)
	}
	p := map[string]any{"userId": userID, "limit": limit}
	if sinceID != "" {
		p["sinceId"] = sinceID
	}
	return c.list(ctx, "chat/messages/user-timeline", p)
}

// Note fetches one note.
func (c *Client) Note(ctx context.Context, id string) (Note, error) {
	var n Note
	if id == "" {
		return n, apperr.New(apperr.KindBadRequest, "misskey.notes/show", errMissingID)
	}
	err := c.Call(ctx, "notes/show", map[string]any{"noteId": id}, &n)
	return n, err
}

// CreateNote posts a note. A reply never gets a wider visibility than the
// note it answers; if that note cannot be fetched the reply falls back to
// home (or the requested visibility when one was given).
func (c *Client) CreateNote(ctx context.Context, req NoteRequest) (Note, error) {
	vis := req.Visibility
	if req.ReplyID != "" {
		orig, err := c.Note(ctx, req.ReplyID)
		switch {
		case err != nil:
			if apperr.Is(err, apperr.KindAuth) {
				return Note{}, err
			}
			c.log.Warn("original note lookup failed; using fallback visibility", logx.String("reply_id", req.ReplyID), logx.Err(err))
			if vis == "" {
				vis = VisibilityHome
			}
		default:
			origVis := orig.Visibility
			if origVis == "" {
				origVis = VisibilityPublic
			}
			if vis == "" || rank(vis) > rank(origVis) {
				vis = origVis
			}
		}
	} else if vis == "" {
		vis = c.defVis
	}

	p := map[string]any{"text": req.Text, "visibility": vis}
	if req.ReplyID != "" {
		p["replyId"] = req.ReplyID
	}
	var resp struct {
		CreatedNote Note `json:"createdNote"`
	}
	if err := c.Call(ctx, "notes/create", p, &resp); err != nil {
		return Note{}, err
	}
	c.log.Debug("note created", logx.String("note_id", resp.CreatedNote.ID), logx.String("visibility", vis))
	return resp.CreatedNote, nil
}

// SendMessage sends a direct chat message.
func (c *Client) SendMessage(ctx context.Context, userID, text string) (ChatMessage, error) {
	var m ChatMessage
	if userID == "" {
		return m, apperr.New(apperr.KindBadRequest, "misskey.chat/messages/create-to-user", errMissingID)
	}
	err := c.Call(ctx, "chat/messages/create-to-user", map[string]any{"toUserId": userID, "text": text}, &m)
	return m, err
}

// CurrentUser returns the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	var u User
	err := c.Call(ctx, "i", nil, &u)
	return u, err
}

// User looks up a user by id, or by username when id is empty.
func (c *Client) User(ctx context.Context, id, username string) (User, error) {
	var u User
	p := map[string]any{}
	switch {
	case id != "":
		p["userId"] = id
	case username != "":
		p["username"] = username
	default:
		return u, apperr.Errorf(apperr.KindBadRequest, "misskey.users/show", "user id or username is required")
	}
	err := c.Call(ctx, "users/show", p, &u)
	return u, err
}

// StreamingURL returns the websocket endpoint for instance. The result
// contains the token and must not be logged; use SafeStreamingURL.
func StreamingURL(instance, token string) string {
	return streamingBase(instance) + "/streaming?i=" + url.QueryEscape(token)
}

// SafeStreamingURL is StreamingURL without the token.
func SafeStreamingURL(instance string) string {
	return streamingBase(instance) + "/streaming"
}

func streamingBase(instance string) string {
	u := strings.TrimRight(strings.TrimSpace(instance), "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
