package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"misskeybot/internal/apperr"
	"misskeybot/internal/config"
)

// fakeInstance serves the Misskey and OpenAI endpoints the app touches.
type fakeInstance struct {
	mu        sync.Mutex
	authFail  bool
	mentions  []map[string]any
	notes     []map[string]any
	pollCalls int
}

func (f *fakeInstance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/i":
		if f.authFail {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"CREDENTIAL_REQUIRED"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"bot1","username":"bot"}`))
	case "/api/notes/mentions":
		f.pollCalls++
		_ = json.NewEncoder(w).Encode(f.mentions)
	case "/api/chat/history":
		_, _ = w.Write([]byte(`[]`))
	case "/api/notes/create":
		f.notes = append(f.notes, body)
		_, _ = w.Write([]byte(fmt.Sprintf(`{"createdNote":{"id":"out%d"}}`, len(f.notes))))
	case "/v1/chat/completions":
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func (f *fakeInstance) snapshot() (int, []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pollCalls, append([]map[string]any(nil), f.notes...)
}

func testConfig(t *testing.T, base string) *config.ConfigManager {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
misskey:
  instance_url: %[1]s
  access_token: tok
  max_retries: 1
openai:
  api_key: key
  api_base: %[1]s/v1
bot:
  auto_post:
    enabled: false
streaming:
  enabled: false
polling:
  interval: 100ms
storage:
  driver: sqlite
  path: %[2]s
logging:
  level: error
  console: false
health:
  enabled: false
`, base, filepath.Join(dir, "bot.db"))
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	m := config.NewConfigManager(p)
	m.SetEnvLookup(func(string) (string, bool) { return "", false })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestMentionRepliedOnceThroughPolling(t *testing.T) {
	inst := &fakeInstance{mentions: []map[string]any{{
		"id":        "n1",
		"text":      "@bot hello",
		"createdAt": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		"user":      map[string]any{"id": "u1", "username": "alice"},
	}}}
	srv := httptest.NewServer(inst)
	defer srv.Close()

	a, err := newApp(testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "reply note", func() bool {
		_, notes := inst.snapshot()
		return len(notes) > 0
	})
	// Let a few more cycles see the same mention.
	waitFor(t, "later poll cycles", func() bool {
		calls, _ := inst.snapshot()
		return calls >= 3
	})

	_, notes := inst.snapshot()
	if len(notes) != 1 {
		t.Fatalf("notes created = %d, want 1", len(notes))
	}
	if got, want := notes[0]["text"], "@alice\nhi there"; got != want {
		t.Fatalf("reply text = %q, want %q", got, want)
	}
	if got := notes[0]["replyId"]; got != "n1" {
		t.Fatalf("replyId = %v, want n1", got)
	}

	snap := a.Snapshot()
	if snap.Bot.Username != "bot" {
		t.Fatalf("username = %q, want bot", snap.Bot.Username)
	}
	if snap.Bot.Transport != "pull" {
		t.Fatalf("transport = %q, want pull", snap.Bot.Transport)
	}
	if snap.Dispatch.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", snap.Dispatch.Accepted)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestStartFailsOnAuth(t *testing.T) {
	srv := httptest.NewServer(&fakeInstance{authFail: true})
	defer srv.Close()

	a, err := newApp(testConfig(t, srv.URL))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	err = a.Start(context.Background())
	if err == nil {
		t.Fatalf("Start() error = nil, want auth error")
	}
	if !apperr.Is(err, apperr.KindAuth) {
		t.Fatalf("Start() error = %v, want auth kind", err)
	}
	if !strings.Contains(err.Error(), "access token") {
		t.Fatalf("Start() error = %q, want mention of the access token", err)
	}
	_ = a.Stop(context.Background(), StopFatalError)
}

func TestMapBotFromDefaults(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	set := mapBot(cfg)
	if !set.MentionEnabled || !set.ChatEnabled || !set.AutoPostEnabled {
		t.Fatalf("feature flags = %+v, want all enabled", set)
	}
	if set.AutoPostInterval != 180*time.Minute || set.MaxPerDay != 8 {
		t.Fatalf("auto-post = %v/%d, want 3h0m0s/8", set.AutoPostInterval, set.MaxPerDay)
	}
	if set.CleanupDays != 30 || set.ChatMemory != 10 {
		t.Fatalf("cleanup/memory = %d/%d, want 30/10", set.CleanupDays, set.ChatMemory)
	}

	ro := mapReconnect(cfg)
	if !ro.PushEnabled || ro.MaxAttempts != 5 || ro.ReconnectAttempts != 1 {
		t.Fatalf("reconnect = %+v", ro)
	}
	so, dialer := mapStream(cfg)
	if so.ReadTimeout != 3*so.HeartbeatInterval {
		t.Fatalf("read timeout = %v, want 3x heartbeat %v", so.ReadTimeout, so.HeartbeatInterval)
	}
	if dialer.HandshakeTimeout != 10*time.Second {
		t.Fatalf("handshake timeout = %v, want 10s", dialer.HandshakeTimeout)
	}
	if strings.Contains(so.SafeURL, "i=") {
		t.Fatalf("SafeURL leaks token: %q", so.SafeURL)
	}
}
