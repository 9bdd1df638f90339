package example

import (
	"context"
	"encoding/json"
	"testing"

	"misskeybot/internal/event"
	"misskeybot/internal/plugin"
)

func newPlugin(t *testing.T, raw string) *Plugin {
	t.Helper()
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{Config: json.RawMessage(raw)}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return p
}

func TestGreeting(t *testing.T) {
	p := newPlugin(t, ``)
	cases := []struct {
		text string
		want bool
	}{
		{"@bot Hello there", true},
		{"@bot 你好呀", true},
		{"@bot what's up", false},
	}
	for _, tc := range cases {
		res, err := p.OnMention(context.Background(), event.Event{Text: tc.text})
		if err != nil {
			t.Fatalf("OnMention(%q) error = %v", tc.text, err)
		}
		if got := res != nil && res.Handled; got != tc.want {
			t.Fatalf("OnMention(%q) handled = %v, want %v", tc.text, got, tc.want)
		}
		if tc.want && res.Response != Greeting {
			t.Fatalf("response = %q, want %q", res.Response, Greeting)
		}
	}
}

func TestGreetingDisabled(t *testing.T) {
	p := newPlugin(t, `{"greeting_enabled":false}`)
	res, _ := p.OnMention(context.Background(), event.Event{Text: "hello"})
	if res != nil {
		t.Fatalf("OnMention() = %+v, want nil", res)
	}
	res, _ = p.OnMessage(context.Background(), event.Event{Text: "plugin test"})
	if res != nil {
		t.Fatalf("OnMessage() = %+v, want nil", res)
	}
}

func TestSelfTestMessage(t *testing.T) {
	p := newPlugin(t, `{}`)
	for _, text := range []string{"plugin test please", "插件测试"} {
		res, err := p.OnMessage(context.Background(), event.Event{Text: text})
		if err != nil || res == nil || res.Response != SelfTestOK {
			t.Fatalf("OnMessage(%q) = %+v, %v", text, res, err)
		}
	}
}

func TestAutoPostContentAndReload(t *testing.T) {
	p := newPlugin(t, `{}`)
	if res, _ := p.OnAutoPost(context.Background()); res != nil {
		t.Fatalf("OnAutoPost() = %+v, want nil by default", res)
	}
	if err := p.OnConfigChange(context.Background(), json.RawMessage(`{"auto_post_enabled":true}`)); err != nil {
		t.Fatalf("OnConfigChange() error = %v", err)
	}
	res, _ := p.OnAutoPost(context.Background())
	if res == nil || res.Content != AutoPostText {
		t.Fatalf("OnAutoPost() = %+v, want content", res)
	}
}
