package echo

import (
	"context"
	"encoding/json"
	"testing"

	"misskeybot/internal/event"
	"misskeybot/internal/plugin"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		arg  string
		want bool
	}{
		{"/echo hi there", "hi there", true},
		{"@bot /echo  spaced   out", "spaced out", true},
		{"@bot@example.com /ECHO x", "x", true},
		{"/echo", "", true},
		{"say /echo hi", "", false},
		{"/echoes", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		arg, ok := parse(tc.in)
		if ok != tc.want || arg != tc.arg {
			t.Fatalf("parse(%q) = %q, %v, want %q, %v", tc.in, arg, ok, tc.arg, tc.want)
		}
	}
}

func TestEchoWithPrefix(t *testing.T) {
	p := New()
	if err := p.Init(context.Background(), plugin.Deps{Config: json.RawMessage(`{"prefix":"echo: "}`)}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	res, err := p.OnMessage(context.Background(), event.Event{Text: "/echo ping"})
	if err != nil {
		t.Fatalf("OnMessage() error = %v", err)
	}
	if res == nil || !res.Handled || res.Response != "echo: ping" {
		t.Fatalf("OnMessage() = %+v, want echo: ping", res)
	}

	res, _ = p.OnMention(context.Background(), event.Event{Text: "@bot /echo"})
	if res == nil || res.Response != "echo: (empty)" {
		t.Fatalf("OnMention() = %+v, want empty placeholder", res)
	}
	if res, _ := p.OnMention(context.Background(), event.Event{Text: "@bot hello"}); res != nil {
		t.Fatalf("OnMention() = %+v, want nil", res)
	}
}
