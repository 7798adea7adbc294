package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/duocall/duocall/internal/auth"
	"github.com/duocall/duocall/internal/clock"
	"github.com/duocall/duocall/internal/media"
	"github.com/duocall/duocall/internal/metrics"
	"github.com/duocall/duocall/internal/ratelimit"
)

const (
	wsWriteWait    = 5 * time.Second
	welcomeTimeout = 10 * time.Second
)

var (
	ErrNotConnected  = errors.New("signaling: not connected")
	ErrClosed        = errors.New("signaling: client closed")
	ErrInviteTimeout = errors.New("signaling: timed out waiting for invite-ack")

	// ErrConnectionLost is the terminal transport failure after reconnection
	// attempts are exhausted. Subscribers additionally receive a
	// KindConnectionLost frame.
	ErrConnectionLost = errors.New("signaling: connection lost")
)

// Handler receives inbound frames in relay arrival order.
type Handler func(Frame)

// Options configure the transport client. Zero-value durations and counts
// fall back to the listed defaults.
type Options struct {
	RelayURL    string
	Credentials auth.Source
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Clock       clock.Clock

	InviteAckTimeout     time.Duration // default 5s
	ReconnectBackoffBase time.Duration // default 1s; attempt N sleeps N*base
	ReconnectMaxAttempts int           // default 5
	PingInterval         time.Duration // default 20s
	IdleTimeout          time.Duration // default 60s
	MaxSignalBytes       int64         // default 64KiB
	MaxSignalsPerSecond  int           // default 50
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.InviteAckTimeout <= 0 {
		o.InviteAckTimeout = 5 * time.Second
	}
	if o.ReconnectBackoffBase <= 0 {
		o.ReconnectBackoffBase = time.Second
	}
	if o.ReconnectMaxAttempts == 0 {
		o.ReconnectMaxAttempts = 5
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.MaxSignalBytes <= 0 {
		o.MaxSignalBytes = 64 * 1024
	}
	if o.MaxSignalsPerSecond <= 0 {
		o.MaxSignalsPerSecond = 50
	}
}

// Client maintains the persistent event channel to the relay: subscription
// fan-out, fire-and-forget emission, the invite request/response, and
// reconnection with linear backoff. The connection is process-wide singleton
// state with an explicit connect-at-login / disconnect-at-logout lifecycle.
type Client struct {
	opts   Options
	log    *slog.Logger
	clk    clock.Clock
	m      *metrics.Metrics
	bucket *ratelimit.Bucket
	dialer *websocket.Dialer

	mu           sync.Mutex
	conn         *websocket.Conn
	clientID     string
	closed       bool
	lost         bool
	reconnecting bool
	handlers     map[Kind][]Handler
	pending      map[string]chan InviteAckData

	writeMu sync.Mutex

	done chan struct{}
}

func NewClient(opts Options) *Client {
	opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		clk:      opts.Clock,
		m:        opts.Metrics,
		bucket:   ratelimit.NewBucket(opts.Clock, int64(opts.MaxSignalsPerSecond), int64(opts.MaxSignalsPerSecond)),
		dialer:   websocket.DefaultDialer,
		handlers: make(map[Kind][]Handler),
		pending:  make(map[string]chan InviteAckData),
		done:     make(chan struct{}),
	}
}

// Connect establishes the channel. It fails fast when no credential is
// available and does not retry: reconnection applies only to channels that
// were up and dropped.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, clientID, err := c.dialAndWelcome(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.clientID = clientID
	c.mu.Unlock()

	c.log.Info("signaling connected", "client_id", clientID)
	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

func (c *Client) dialAndWelcome(ctx context.Context) (*websocket.Conn, string, error) {
	token, err := c.opts.Credentials.Token()
	if err != nil {
		return nil, "", fmt.Errorf("signaling: connect: %w", err)
	}

	u, err := url.Parse(c.opts.RelayURL)
	if err != nil {
		return nil, "", fmt.Errorf("signaling: invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return nil, "", fmt.Errorf("signaling: connect: %w: relay rejected credential (%d)", auth.ErrNoCredential, resp.StatusCode)
		}
		return nil, "", fmt.Errorf("signaling: dial %s: %w", c.opts.RelayURL, err)
	}

	conn.SetReadLimit(c.opts.MaxSignalBytes)
	_ = conn.SetReadDeadline(c.clk.Now().Add(welcomeTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("signaling: reading welcome: %w", err)
	}
	frame, err := ParseFrame(raw)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	if frame.Event != KindWelcome {
		conn.Close()
		return nil, "", fmt.Errorf("signaling: expected welcome, got %q", frame.Event)
	}
	welcome, err := frame.Welcome()
	if err != nil {
		conn.Close()
		return nil, "", err
	}

	_ = conn.SetReadDeadline(c.clk.Now().Add(c.opts.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(c.clk.Now().Add(c.opts.IdleTimeout))
	})
	return conn, welcome.ClientID, nil
}

// ClientID returns the relay-assigned transport identity, empty before the
// first successful connect. It may change across reconnects.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Subscribe registers a handler for a frame kind. Multiple handlers per
// kind are invoked in registration order, frames in arrival order.
func (c *Client) Subscribe(kind Kind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Emit sends a fire-and-forget frame. Frames over the outbound rate cap are
// dropped with a warning rather than queued.
func (c *Client) Emit(kind Kind, data any) error {
	frame, err := NewFrame(kind, data)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// Initiate performs the one request/response exchange: it emits an invite
// and waits for the correlated invite-ack carrying the relay-assigned call
// id. Fails with ErrInviteTimeout after the configured bound.
func (c *Client) Initiate(ctx context.Context, peerID string, kind media.Kind) (string, error) {
	requestID := uuid.NewString()
	ackCh := make(chan InviteAckData, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.lost {
		c.mu.Unlock()
		return "", ErrConnectionLost
	}
	c.pending[requestID] = ackCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	frame, err := NewFrame(KindInvite, InviteData{PeerID: peerID, MediaKind: kind})
	if err != nil {
		return "", err
	}
	frame.RequestID = requestID
	if err := c.writeFrame(frame); err != nil {
		return "", err
	}

	timeout := make(chan struct{})
	timer := c.clk.AfterFunc(c.opts.InviteAckTimeout, func() { close(timeout) })
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		return ack.CallID, nil
	case <-timeout:
		return "", ErrInviteTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	}
}

// Disconnect tears the channel down and stops reconnection. Idempotent and
// safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.done)
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			c.clk.Now().Add(wsWriteWait))
		conn.Close()
	}
	c.log.Info("signaling disconnected")
}

func (c *Client) writeFrame(frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if !c.bucket.Allow(1) {
		c.m.Inc(metrics.SignalsRateLimited)
		c.log.Warn("outbound signal dropped by rate limit", "event", frame.Event)
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	closed, lost := c.closed, c.lost
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if lost {
		return ErrConnectionLost
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(c.clk.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("signaling: write %q: %w", frame.Event, err)
	}
	c.m.Inc(metrics.SignalsSent)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.readLoopExit(conn, err)
			return
		}
		_ = conn.SetReadDeadline(c.clk.Now().Add(c.opts.IdleTimeout))

		frame, err := ParseFrame(raw)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.m.Inc(metrics.SignalsReceived)
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(frame Frame) {
	if frame.Event == KindInviteAck && frame.RequestID != "" {
		ack, err := frame.InviteAck()
		if err != nil {
			c.log.Warn("dropping invite-ack", "err", err)
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[frame.RequestID]
		c.mu.Unlock()
		if !ok {
			c.log.Warn("invite-ack for unknown request", "request_id", frame.RequestID)
			return
		}
		select {
		case ch <- ack:
		default:
		}
		return
	}

	for _, h := range c.handlersFor(frame.Event) {
		h(frame)
	}
}

func (c *Client) handlersFor(kind Kind) []Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs := c.handlers[kind]
	out := make([]Handler, len(hs))
	copy(out, hs)
	return out
}

func (c *Client) readLoopExit(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		// Deliberate disconnect, or a stale loop whose connection was already
		// replaced by a reconnect.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	alreadyReconnecting := c.reconnecting
	c.reconnecting = true
	c.mu.Unlock()

	conn.Close()
	c.log.Warn("signaling connection dropped", "err", err)
	if !alreadyReconnecting {
		go c.reconnect()
	}
}

// reconnect retries with linearly increasing backoff, one sequence in
// flight at a time, and gives up after the attempt cap with a terminal
// ConnectionLost to subscribers.
func (c *Client) reconnect() {
	for attempt := 1; attempt <= c.opts.ReconnectMaxAttempts; attempt++ {
		if !c.sleep(time.Duration(attempt) * c.opts.ReconnectBackoffBase) {
			return
		}

		c.log.Info("reconnecting to relay", "attempt", attempt, "max", c.opts.ReconnectMaxAttempts)
		ctx, cancel := context.WithTimeout(context.Background(), welcomeTimeout)
		conn, clientID, err := c.dialAndWelcome(ctx)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.clientID = clientID
		c.reconnecting = false
		c.mu.Unlock()

		c.m.Inc(metrics.TransportReconnects)
		c.log.Info("signaling reconnected", "client_id", clientID)
		go c.readLoop(conn)
		go c.pingLoop(conn)
		return
	}

	c.mu.Lock()
	c.lost = true
	c.reconnecting = false
	c.mu.Unlock()

	c.m.Inc(metrics.TransportLost)
	c.log.Error("signaling connection lost; giving up")
	c.dispatch(Frame{Event: KindConnectionLost})
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	for {
		if !c.sleep(c.opts.PingInterval) {
			return
		}
		c.mu.Lock()
		current := c.conn == conn
		c.mu.Unlock()
		if !current {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, c.clk.Now().Add(wsWriteWait)); err != nil {
			return
		}
	}
}

// sleep waits d on the injected clock; false when the client is closed
// before the deadline.
func (c *Client) sleep(d time.Duration) bool {
	fired := make(chan struct{})
	t := c.clk.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-c.done:
		t.Stop()
		return false
	}
}
