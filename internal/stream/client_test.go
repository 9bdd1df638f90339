package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"misskeybot/internal/event"
	logx "misskeybot/pkg/logx"
)

// wsServer is a minimal streaming endpoint. It records every text frame the
// client sends and lets the test push frames back.
type wsServer struct {
	t   *testing.T
	srv *httptest.Server

	mu     sync.Mutex
	frames []string
	conn   *websocket.Conn
	ready  chan struct{}
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{t: t, ready: make(chan struct{})}
	up := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("i") != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = c
		s.mu.Unlock()
		close(s.ready)
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, string(data))
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url(token string) string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/streaming?i=" + token
}

func (s *wsServer) send(v any) {
	s.t.Helper()
	<-s.ready
	b, _ := json.Marshal(v)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

func (s *wsServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.frames...)
}

func (s *wsServer) countType(typ string) int {
	n := 0
	for _, f := range s.received() {
		if strings.HasPrefix(f, `{"type":"`+typ+`"`) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type sinkRecorder struct {
	mu  sync.Mutex
	evs []event.Event
}

func (r *sinkRecorder) sink(ev event.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *sinkRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.evs)
}

func (r *sinkRecorder) at(i int) event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evs[i]
}

func TestConnectSendsExactFrames(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)

	id := c.Channels()[ChannelMain]
	if id == "" {
		t.Fatal("main channel not registered")
	}
	waitFor(t, "connect frame", func() bool { return srv.countType("connect") == 1 })
	want := `{"type":"connect","body":{"channel":"main","id":"` + id + `","params":{}}}`
	found := false
	for _, f := range srv.received() {
		if f == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("frames = %v, want %s", srv.received(), want)
	}
	if srv.countType("ping") < 1 {
		waitFor(t, "ping frame", func() bool { return srv.countType("ping") >= 1 })
	}
	if c.State() != StateConnected || !c.IsConnected() {
		t.Fatalf("state = %v connected = %v", c.State(), c.IsConnected())
	}
}

func TestConnectChannelTwiceIsNoop(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)

	first := c.Channels()[ChannelMain]
	second, err := c.ConnectChannel(ctx, ChannelMain, nil)
	if err != nil {
		t.Fatalf("ConnectChannel() error = %v", err)
	}
	if first != second {
		t.Fatalf("ConnectChannel() = %q, want %q", second, first)
	}
	waitFor(t, "connect frame", func() bool { return srv.countType("connect") >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := srv.countType("connect"); n != 1 {
		t.Fatalf("connect frames = %d, want 1", n)
	}
}

func TestChannelEventsReachSinkOnce(t *testing.T) {
	srv := newWSServer(t)
	rec := &sinkRecorder{}
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, rec.sink, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)
	id := c.Channels()[ChannelMain]

	mention := map[string]any{"type": "channel", "body": map[string]any{
		"id": id, "type": "mention",
		"body": map[string]any{"id": "abc", "text": "hello", "userId": "u1", "user": map[string]any{"id": "u1", "username": "alice"}},
	}}
	srv.send(mention)
	srv.send(mention)
	srv.send(map[string]any{"type": "channel", "body": map[string]any{
		"id": "unknown-channel", "type": "mention", "body": map[string]any{"id": "zzz"},
	}})
	srv.send(map[string]any{"type": "channel", "body": map[string]any{
		"id": id, "body": map[string]any{"id": "m1", "fromUserId": "u2", "toUserId": "bot", "text": "hey"},
	}})

	waitFor(t, "two events", func() bool { return rec.len() >= 2 })
	time.Sleep(50 * time.Millisecond)
	if rec.len() != 2 {
		t.Fatalf("events = %d, want 2", rec.len())
	}
	if ev := rec.at(0); ev.ID != "abc" || ev.Kind != event.KindMention || ev.Username != "alice" {
		t.Fatalf("first event = %+v", ev)
	}
	if ev := rec.at(1); ev.ID != "m1" || ev.Kind != event.KindChat || ev.Text != "hey" {
		t.Fatalf("second event = %+v", ev)
	}
	if st := c.Stats(); st.Duplicates != 1 {
		t.Fatalf("duplicates = %d, want 1", st.Duplicates)
	}
}

func TestServerPingGetsPong(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)
	srv.send(map[string]any{"type": "ping", "body": map[string]any{}})
	waitFor(t, "pong", func() bool {
		for _, f := range srv.received() {
			if f == `{"type":"pong","body":{}}` {
				return true
			}
		}
		return false
	})
}

func TestDisconnectSendsDisconnectFrames(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	id := c.Channels()[ChannelMain]
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Close(stopCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	want := `{"type":"disconnect","body":{"id":"` + id + `"}}`
	waitFor(t, "disconnect frame", func() bool {
		for _, f := range srv.received() {
			if f == want {
				return true
			}
		}
		return false
	})
	if c.State() != StateDisconnected || c.IsConnected() {
		t.Fatalf("state = %v connected = %v", c.State(), c.IsConnected())
	}
	if len(c.Channels()) != 0 {
		t.Fatalf("channels = %v, want none", c.Channels())
	}
}

func TestDialUnauthorized(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("bad")}, nil, logx.Nop())
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect() error = nil, want auth error")
	}
	if c.State() != StateDisconnected || c.IsConnected() {
		t.Fatalf("state = %v after failed dial", c.State())
	}
}

func TestServerCloseSignalsDone(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)
	<-srv.ready
	srv.mu.Lock()
	_ = srv.conn.Close()
	srv.mu.Unlock()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done() not closed after server close")
	}
	if c.IsConnected() {
		t.Fatal("IsConnected() = true after server close")
	}
	if c.Err() == nil {
		t.Fatal("Err() = nil after server close")
	}
}

// fakeConn blocks reads until closed and counts Close calls.
type fakeConn struct {
	closes  atomic.Int32
	closed  chan struct{}
	once    sync.Once
	writeMu sync.Mutex
	writes  []string
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	<-f.closed
	return 0, nil, errors.New("use of closed connection")
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	f.writeMu.Lock()
	f.writes = append(f.writes, string(data))
	f.writeMu.Unlock()
	return nil
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}

func (f *fakeConn) Close() error {
	f.closes.Add(1)
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct{ conn *fakeConn }

func (d fakeDialer) Dial(context.Context, string) (Conn, error) { return d.conn, nil }

func TestShutdownClosesSocketOnce(t *testing.T) {
	fc := newFakeConn()
	c := New(fakeDialer{conn: fc}, Options{HeartbeatInterval: 10 * time.Millisecond}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close(stopCtx)
		}()
	}
	wg.Wait()
	if err := c.Close(stopCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if n := fc.closes.Load(); n != 1 {
		t.Fatalf("socket closed %d times, want 1", n)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after Close")
	}
}

// gatedDialer blocks Dial until release is closed.
type gatedDialer struct {
	conn    *fakeConn
	dialing chan struct{}
	release chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	close(d.dialing)
	select {
	case <-d.release:
		return d.conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCloseDuringDialDropsSocket(t *testing.T) {
	fc := newFakeConn()
	d := &gatedDialer{conn: fc, dialing: make(chan struct{}), release: make(chan struct{})}
	c := New(d, Options{HeartbeatInterval: 10 * time.Millisecond}, nil, logx.Nop())
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(ctx) }()
	<-d.dialing
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(d.release)

	if err := <-errc; !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Connect() error = %v, want ErrNotConnected", err)
	}
	if n := fc.closes.Load(); n != 1 {
		t.Fatalf("socket closed %d times, want 1", n)
	}
	if c.State() != StateDisconnected || c.IsConnected() {
		t.Fatalf("state = %v connected = %v", c.State(), c.IsConnected())
	}
	time.Sleep(50 * time.Millisecond)
	fc.writeMu.Lock()
	writes := len(fc.writes)
	fc.writeMu.Unlock()
	if writes != 0 {
		t.Fatalf("writes on dropped socket = %d, want 0", writes)
	}

	// The client is usable again afterwards.
	c.dialer = fakeDialer{conn: newFakeConn()}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state = %v, want connected", c.State())
	}
	_ = c.Close(ctx)
}

func TestDisconnectChannelThenResubscribe(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)

	mainID := c.Channels()[ChannelMain]
	otherID, err := c.ConnectChannel(ctx, ChannelType("homeTimeline"), nil)
	if err != nil {
		t.Fatalf("ConnectChannel() error = %v", err)
	}
	if err := c.DisconnectChannel(ctx, ChannelMain); err != nil {
		t.Fatalf("DisconnectChannel() error = %v", err)
	}
	want := `{"type":"disconnect","body":{"id":"` + mainID + `"}}`
	waitFor(t, "disconnect frame", func() bool {
		for _, f := range srv.received() {
			if f == want {
				return true
			}
		}
		return false
	})
	if n := srv.countType("disconnect"); n != 1 {
		t.Fatalf("disconnect frames = %d, want 1", n)
	}
	chans := c.Channels()
	if _, ok := chans[ChannelMain]; ok {
		t.Fatalf("channels = %v, main still registered", chans)
	}
	if chans["homeTimeline"] != otherID {
		t.Fatalf("channels = %v, want homeTimeline=%s kept", chans, otherID)
	}

	fresh, err := c.ConnectChannel(ctx, ChannelMain, nil)
	if err != nil {
		t.Fatalf("ConnectChannel() error = %v", err)
	}
	if fresh == "" || fresh == mainID {
		t.Fatalf("new main id = %q, want a fresh id (old %q)", fresh, mainID)
	}
	waitFor(t, "fresh connect frame", func() bool { return srv.countType("connect") == 3 })
}

func TestLostConnectionDropsSubscriptions(t *testing.T) {
	srv := newWSServer(t)
	c := New(WSDialer{}, Options{URL: srv.url("tok"), HeartbeatInterval: time.Hour}, nil, logx.Nop())
	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer c.Close(ctx)
	<-srv.ready
	srv.mu.Lock()
	_ = srv.conn.Close()
	srv.mu.Unlock()

	<-c.Done()
	waitFor(t, "degraded state", func() bool { return c.State() == StateDegraded })
	if n := len(c.Channels()); n != 0 {
		t.Fatalf("channels after loss = %d, want 0", n)
	}
	if _, err := c.ConnectChannel(ctx, ChannelMain, nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ConnectChannel() after loss error = %v, want ErrNotConnected", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", c.State())
	}
}
