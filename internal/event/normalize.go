package event

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// FromMention normalizes a note or a notification wrapping a note. hint is
// used when the payload carries no type of its own.
func FromMention(raw map[string]any, hint Kind) (Event, error) {
	if raw == nil {
		return Event{}, malformed("event.mention", "empty payload")
	}
	id := str(raw, "id")
	if id == "" {
		return Event{}, malformed("event.mention", "missing id")
	}

	kind := hint
	switch str(raw, "type") {
	case "reply":
		kind = KindReply
	case "mention":
		kind = KindMention
	}
	if kind != KindReply {
		kind = KindMention
	}

	note := raw
	if inner := obj(raw, "note"); inner != nil {
		note = inner
	}

	ev := Event{
		ID:            id,
		Kind:          kind,
		ReplyTargetID: str(note, "id"),
		Text:          str(note, "text"),
		Visibility:    str(note, "visibility"),
		Raw:           raw,
	}
	if ev.ReplyTargetID == "" {
		ev.ReplyTargetID = id
	}
	if kind == KindReply {
		if parent := obj(note, "reply"); parent != nil {
			if pt := str(parent, "text"); pt != "" {
				ev.Text = pt + "\n\n" + ev.Text
			}
		}
	}

	ev.UserID, ev.Username = user(raw)
	if ev.UserID == "" && note != nil {
		ev.UserID, ev.Username = user(note)
	}
	ev.CreatedAt, ev.HasCreatedAt = createdAt(raw)
	return ev, nil
}

// FromChat normalizes a chat message.
func FromChat(raw map[string]any) (Event, error) {
	if raw == nil {
		return Event{}, malformed("event.chat", "empty payload")
	}
	id := str(raw, "id")
	if id == "" {
		return Event{}, malformed("event.chat", "missing id")
	}
	ev := Event{ID: id, Kind: KindChat, Raw: raw}
	ev.UserID, ev.Username = user(raw)
	for _, k := range []string{"text", "content", "body"} {
		if v := str(raw, k); v != "" {
			ev.Text = v
			break
		}
	}
	ev.CreatedAt, ev.HasCreatedAt = createdAt(raw)
	return ev, nil
}

// Classify inspects the body of a channel frame ({id, type, body}) and
// returns the event kind and its payload. Both the flat shape (type beside
// body) and a nested envelope (type inside body) are accepted. A payload with
// no type that carries fromUserId, toUserId and text is a chat message.
func Classify(frameBody map[string]any) (Kind, map[string]any) {
	payload := obj(frameBody, "body")
	if payload == nil {
		return KindUnknown, nil
	}
	typ := str(payload, "type")
	if typ != "" {
		if nested := obj(payload, "body"); nested != nil {
			payload = nested
		}
	} else {
		typ = str(frameBody, "type")
	}
	if typ == "" && str(payload, "fromUserId") != "" && str(payload, "toUserId") != "" {
		if _, ok := payload["text"]; ok && payload["text"] != nil {
			typ = "chat"
		}
	}
	switch typ {
	case "mention":
		return KindMention, payload
	case "reply":
		return KindReply, payload
	case "chat", "newChatMessage", "messagingMessage":
		return KindChat, payload
	default:
		return KindUnknown, payload
	}
}

// Normalize builds an Event of the given kind from payload.
func Normalize(kind Kind, payload map[string]any) (Event, error) {
	switch kind {
	case KindMention, KindReply:
		return FromMention(payload, kind)
	case KindChat:
		return FromChat(payload)
	default:
		return Event{}, malformed("event.normalize", "unknown kind")
	}
}

func user(m map[string]any) (id, username string) {
	u := obj(m, "fromUser")
	if u == nil {
		u = obj(m, "user")
	}
	username = "unknown"
	if u != nil {
		id = str(u, "id")
		if n := str(u, "username"); n != "" {
			username = n
		}
	}
	if id == "" {
		id = str(m, "userId")
	}
	if id == "" {
		id = str(m, "fromUserId")
	}
	return id, username
}

func createdAt(m map[string]any) (time.Time, bool) {
	for _, k := range []string{"createdAt", "created_at", "timestamp"} {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		return parseTime(v)
	}
	return time.Time{}, false
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts.UTC(), true
		}
		for _, layout := range naiveLayouts {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	case float64:
		return fromEpoch(t)
	case int64:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case json.Number:
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil {
			return time.Time{}, false
		}
		return fromEpoch(f)
	default:
		return time.Time{}, false
	}
}

func fromEpoch(f float64) (time.Time, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}, false
	}
	if f > 1e10 {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}

func obj(m map[string]any, k string) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := m[k].(map[string]any)
	return v
}

func str(m map[string]any, k string) string {
	if m == nil {
		return ""
	}
	switch v := m[k].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
