// Package stream is the push transport: one websocket connection to the
// Misskey streaming API with channel subscriptions, heartbeat and a short
// duplicate window.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"misskeybot/internal/apperr"
	"misskeybot/internal/dedup"
	"misskeybot/internal/event"
	"misskeybot/internal/runtime/supervisor"
	logx "misskeybot/pkg/logx"
)

// State is the lifecycle of the push connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateDegraded means the socket died and Disconnect has not run yet.
	StateDegraded
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

var ErrNotConnected = apperr.New(apperr.KindTransport, "stream", errors.New("not connected"))

// Sink receives normalized events in frame order.
type Sink func(ev event.Event)

type Options struct {
	URL string
	// SafeURL is logged instead of URL.
	SafeURL           string
	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	DupWindow         int
}

// Stats are best-effort counters.
type Stats struct {
	Frames     uint64
	Events     uint64
	Duplicates uint64
	Malformed  uint64
}

type subscription struct {
	id     string
	typ    ChannelType
	params map[string]any
}

// Client owns one push connection at a time.
type Client struct {
	opts   Options
	dialer Dialer
	sink   Sink
	log    logx.Logger

	state atomic.Int32

	mu       sync.Mutex
	running  bool
	gen      uint64 // bumped by Connect and Disconnect
	sess     *session
	channels map[string]subscription

	window *dedup.Window

	frames, events, dups, malformed atomic.Uint64
}

func New(dialer Dialer, opts Options, sink Sink, log logx.Logger) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 60 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 3 * opts.HeartbeatInterval
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.SafeURL == "" {
		opts.SafeURL = "<streaming>"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if sink == nil {
		sink = func(event.Event) {}
	}
	return &Client{
		opts:     opts,
		dialer:   dialer,
		sink:     sink,
		log:      log.With(logx.String("comp", "stream")),
		channels: map[string]subscription{},
		window:   dedup.NewWindow(opts.DupWindow),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) Stats() Stats {
	return Stats{Frames: c.frames.Load(), Events: c.events.Load(), Duplicates: c.dups.Load(), Malformed: c.malformed.Load()}
}

// Connect dials, starts the heartbeat and receive loops and subscribes to
// channels (main when none are given). Calling Connect while running is a
// no-op.
func (c *Client) Connect(ctx context.Context, channels ...ChannelType) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.log.Warn("connect called while running")
		return nil
	}
	c.running = true
	c.gen++
	gen := c.gen
	c.state.Store(int32(StateConnecting))
	c.mu.Unlock()

	c.log.Debug("dialing", logx.String("url", c.opts.SafeURL))
	conn, err := c.dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		c.mu.Lock()
		if c.gen == gen {
			c.running = false
			c.state.Store(int32(StateDisconnected))
		}
		c.mu.Unlock()
		if ctx.Err() == nil {
			err = apperr.Wrap(apperr.KindTransport, "stream.connect", err)
		}
		return err
	}

	// A Disconnect during the dial owns the outcome: the new socket is
	// dropped instead of installed.
	c.mu.Lock()
	if c.gen != gen || !c.running || ctx.Err() != nil {
		if c.gen == gen {
			c.running = false
			c.state.Store(int32(StateDisconnected))
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.log.Debug("connection dropped; disconnected while dialing")
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNotConnected
	}
	s := c.startSession(ctx, conn)
	c.sess = s
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()
	c.log.Info("connected", logx.String("url", c.opts.SafeURL))

	if len(channels) == 0 {
		channels = []ChannelType{ChannelMain}
	}
	for _, ch := range channels {
		if _, err := c.ConnectChannel(ctx, ch, nil); err != nil {
			_ = c.Disconnect(ctx)
			return err
		}
	}
	return nil
}

// ConnectChannel subscribes to typ. A second request for the same type
// returns the existing id without sending a frame.
func (c *Client) ConnectChannel(ctx context.Context, typ ChannelType, params map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, sub := range c.channels {
		if sub.typ == typ {
			c.log.Debug("channel already connected", logx.String("channel", string(typ)), logx.String("id", id))
			return id, nil
		}
	}
	s := c.sess
	if s == nil || s.dead() {
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	if err := s.write(connectFrame(typ, id, params)); err != nil {
		return "", err
	}
	c.channels[id] = subscription{id: id, typ: typ, params: params}
	c.log.Debug("channel connected", logx.String("channel", string(typ)), logx.String("id", id))
	return id, nil
}

// DisconnectChannel unsubscribes every subscription of typ.
func (c *Client) DisconnectChannel(ctx context.Context, typ ChannelType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for id, sub := range c.channels {
		if sub.typ != typ {
			continue
		}
		if s := c.sess; s != nil && !s.dead() {
			if err := s.write(disconnectFrame(id)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(c.channels, id)
	}
	c.log.Debug("channel disconnected", logx.String("channel", string(typ)))
	return firstErr
}

// Channels returns the subscription id per channel type.
func (c *Client) Channels() map[ChannelType]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ChannelType]string, len(c.channels))
	for id, sub := range c.channels {
		out[sub.typ] = id
	}
	return out
}

// IsConnected reports an open socket that is meant to be running.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.sess != nil && !c.sess.dead()
}

// Done is closed when the current connection dies or is torn down. Without a
// connection the returned channel is already closed.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return closedCh
	}
	return c.sess.done
}

// Err returns the reason the last connection died, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.cause()
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Disconnect unsubscribes all channels, closes the socket and waits for the
// connection loops, bounded by ctx.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.gen++
	c.state.Store(int32(StateClosing))
	s := c.sess
	for id := range c.channels {
		if s != nil && !s.dead() {
			if err := s.write(disconnectFrame(id)); err != nil {
				c.log.Debug("disconnect frame failed", logx.String("id", id), logx.Err(err))
			}
		}
	}
	c.channels = map[string]subscription{}
	c.mu.Unlock()

	c.window.Reset()
	var err error
	if s != nil {
		s.shutdown(nil)
		err = s.sup.Wait(ctx)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("connection loops did not stop in time", logx.Err(err))
		} else {
			err = nil
		}
	}
	c.state.Store(int32(StateDisconnected))
	c.log.Debug("disconnected")
	return err
}

// Close is Disconnect for shutdown.
func (c *Client) Close(ctx context.Context) error {
	err := c.Disconnect(ctx)
	c.mu.Lock()
	c.sess = nil
	c.mu.Unlock()
	return err
}

func (c *Client) startSession(ctx context.Context, conn Conn) *session {
	s := &session{
		conn:    conn,
		done:    make(chan struct{}),
		timeout: c.opts.WriteTimeout,
	}
	s.sup = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(c.log), supervisor.WithCancelOnError(true))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	})
	s.sup.Go("stream.heartbeat", func(ctx context.Context) error { return c.heartbeat(ctx, s) })
	s.sup.Go("stream.receive", func(ctx context.Context) error { return c.receive(ctx, s) })
	return s
}

func (c *Client) heartbeat(ctx context.Context, s *session) error {
	t := time.NewTicker(c.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := s.write(pingFrame); err != nil {
			c.log.Error("heartbeat failed", logx.Err(err))
			c.lost(s, err)
			return err
		}
		_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.timeout))
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) receive(ctx context.Context, s *session) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || s.dead() {
				s.shutdown(nil)
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection closed by server")
			} else {
				c.log.Error("receive failed", logx.Err(err))
			}
			err = apperr.New(apperr.KindTransport, "stream.receive", err)
			c.lost(s, err)
			return err
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.frames.Add(1)
		c.handleFrame(s, data)
	}
}

// lost tears down a connection that died on its own. Its subscriptions
// die with it; the next Connect subscribes afresh.
func (c *Client) lost(s *session, err error) {
	s.shutdown(err)
	c.mu.Lock()
	if c.sess == s {
		c.channels = map[string]subscription{}
	}
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(StateConnected), int32(StateDegraded))
}

func (c *Client) handleFrame(s *session, data []byte) {
	var f inFrame
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		c.malformed.Add(1)
		c.log.Debug("undecodable frame dropped", logx.Err(err))
		return
	}
	switch f.Type {
	case "channel":
		c.handleChannel(f.Body)
	case "ping":
		if err := s.write(pongFrame); err != nil {
			c.log.Debug("pong failed", logx.Err(err))
		}
	case "pong":
		c.log.Trace("heartbeat acknowledged")
	default:
		c.log.Debug("frame ignored", logx.String("type", f.Type))
	}
}

func (c *Client) handleChannel(body map[string]any) {
	chID, _ := body["id"].(string)
	c.mu.Lock()
	sub, ok := c.channels[chID]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("frame for unknown channel dropped", logx.String("channel_id", chID))
		return
	}

	kind, payload := event.Classify(body)
	if kind == event.KindUnknown {
		c.log.Debug("channel event ignored", logx.String("channel", string(sub.typ)), logx.Any("type", body["type"]))
		return
	}
	ev, err := event.Normalize(kind, payload)
	if err != nil {
		c.malformed.Add(1)
		c.log.Debug("malformed event dropped", logx.Err(err))
		return
	}
	if c.window.Seen(ev.ID) {
		c.dups.Add(1)
		c.log.Debug("duplicate frame dropped", logx.String("id", ev.ID), logx.String("kind", kind.String()))
		return
	}
	c.events.Add(1)
	c.log.Debug("event received", logx.String("channel", string(sub.typ)), logx.String("kind", kind.String()), logx.String("id", ev.ID))
	c.sink(ev)
}

// session is one physical connection and its loops.
type session struct {
	conn    Conn
	sup     *supervisor.Supervisor
	timeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

func (s *session) write(b []byte) error {
	if s.dead() {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return apperr.New(apperr.KindTransport, "stream.write", err)
	}
	return nil
}

// shutdown closes the socket exactly once and releases both loops.
func (s *session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()
		close(s.done)
		s.sup.Cancel()
		_ = s.conn.Close()
	})
}

func (s *session) dead() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) cause() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}
