// Package wsclient keeps one logical websocket connection to the bot alive
// across network drops. Viewers register message handlers; the first handler
// triggers a debounced auto-connect and the last one leaving tears the
// connection down. Reconnection uses capped exponential backoff and is fully
// cancellable: no timer outlives an explicit disconnect.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paperdash/events"
	"paperdash/pkg/backoff"
)

// State is the connection lifecycle phase, surfaced to UI badge listeners.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
)

const (
	// keepAliveInterval is the protocol-level ping cadence on an open
	// connection.
	keepAliveInterval = 30 * time.Second
	// autoConnectDelay debounces the auto-connect fired by handler
	// registration, so a view mounting several handlers dials once.
	autoConnectDelay = 100 * time.Millisecond
	dialTimeout      = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Handler receives every decoded server event.
type Handler func(events.Envelope)

// StateListener observes connection state transitions.
type StateListener func(State)

// session is one physical connection. Its keep-alive loop stops when done
// closes, so a timer can never outlive the connection it belongs to.
type session struct {
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
}

// attempt is one in-flight dial; concurrent Connect callers wait on done and
// share err instead of dialing twice.
type attempt struct {
	done chan struct{}
	err  error
}

// Client is the resilient transport. One per viewer process.
type Client struct {
	logger *zap.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	url      string
	state    State
	sess     *session
	inflight *attempt
	backoff  *backoff.Backoff
	// intentional suppresses automatic reconnection for exactly one closure.
	intentional bool
	// wantDown is set by Disconnect and cleared by explicit or handler-driven
	// connects; a dial that completes after Disconnect is discarded.
	wantDown bool

	reconnectTimer *time.Timer
	autoTimer      *time.Timer

	handlers       map[int]Handler
	stateListeners map[int]StateListener
	nextID         int
	manualConnect  bool

	keepAlive time.Duration
	autoDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithBackoff replaces the reconnect schedule (tests use a fast one).
func WithBackoff(b *backoff.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithKeepAlive overrides the ping cadence.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Client) { c.keepAlive = d }
}

// WithAutoConnectDelay overrides the handler-registration debounce.
func WithAutoConnectDelay(d time.Duration) Option {
	return func(c *Client) { c.autoDelay = d }
}

// WithManualConnect disables handler-driven auto-connect; some views only
// want the data when a connection already exists.
func WithManualConnect() Option {
	return func(c *Client) { c.manualConnect = true }
}

func New(url string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		logger:         logger.Named("wsclient"),
		dialer:         &websocket.Dialer{HandshakeTimeout: dialTimeout},
		url:            url,
		state:          Disconnected,
		backoff:        backoff.NewDefault(),
		handlers:       make(map[int]Handler),
		stateListeners: make(map[int]StateListener),
		keepAlive:      keepAliveInterval,
		autoDelay:      autoConnectDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReconnectAttempts returns the consumed reconnect attempt count.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.Attempt()
}

// Connect dials the configured endpoint. It is a no-op when already
// connected; when a dial is already in flight the caller waits for that
// dial's outcome instead of starting a second one. Connect itself never
// retries: retry scheduling belongs to the close handler.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.wantDown = false
	c.mu.Unlock()
	return c.connect(ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connected {
		c.mu.Unlock()
		return nil
	}
	if att := c.inflight; att != nil {
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	att := &attempt{done: make(chan struct{})}
	c.inflight = att
	c.state = Connecting
	url := c.url
	c.mu.Unlock()
	c.notifyState(Connecting)

	conn, _, err := c.dialer.DialContext(ctx, url, nil)

	c.mu.Lock()
	c.inflight = nil
	if err == nil && c.wantDown {
		_ = conn.Close()
		err = fmt.Errorf("disconnected while dialing")
	}
	if err != nil {
		c.state = Disconnected
		c.mu.Unlock()
		att.err = fmt.Errorf("connect %s: %w", url, err)
		close(att.done)
		c.notifyState(Disconnected)
		return att.err
	}

	sess := &session{conn: conn, done: make(chan struct{})}
	c.sess = sess
	c.state = Connected
	c.backoff.Reset()
	c.intentional = false
	c.mu.Unlock()

	close(att.done)
	c.notifyState(Connected)
	c.logger.Info("connected", zap.String("url", url))

	go c.keepAliveLoop(sess)
	go c.readLoop(sess)
	return nil
}

// SetURL switches the endpoint. A live connection is torn down and re-dialed
// with a fresh attempt budget; otherwise only the stored URL changes.
func (c *Client) SetURL(ctx context.Context, url string) error {
	c.mu.Lock()
	c.url = url
	c.backoff.Reset()
	connected := c.state == Connected
	c.mu.Unlock()

	if !connected {
		return nil
	}
	c.teardown()
	return c.Connect(ctx)
}

// Disconnect is explicit and intentional: it spends the attempt budget so
// any pending reconnect becomes a no-op, clears timers, and closes the
// socket whether open or still dialing.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.wantDown = true
	c.backoff.Exhaust()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.autoTimer != nil {
		c.autoTimer.Stop()
		c.autoTimer = nil
	}
	c.mu.Unlock()

	c.teardown()
}

// teardown closes the current session, marking the closure intentional so
// the read loop's exit does not schedule a reconnect.
func (c *Client) teardown() {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.intentional = true // consume the next (in-flight) closure, if any
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = Disconnected
	close(sess.done)
	c.mu.Unlock()

	_ = sess.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = sess.conn.Close()
	c.notifyState(Disconnected)
}

// Send writes one client->server command.
func (c *Client) Send(kind events.Kind, payload any) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("send %s: not connected", kind)
	}

	env := events.Envelope{Type: kind}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := sess.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func (c *Client) keepAliveLoop(sess *session) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			sess.writeMu.Lock()
			err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			sess.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("keep-alive ping failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) readLoop(sess *session) {
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleClose(sess, err)
			return
		}

		env, err := events.Decode(raw, true)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal.
			c.logger.Warn("dropping server frame", zap.Error(err))
			continue
		}

		if env.Type == events.KindShutdown {
			// The peer is going away on purpose; the close that follows must
			// not trigger a reconnect cycle.
			c.mu.Lock()
			c.intentional = true
			c.mu.Unlock()
		}
		c.dispatch(env)
	}
}

func (c *Client) handleClose(sess *session, cause error) {
	c.mu.Lock()
	if c.sess != sess {
		// teardown already owned this closure
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.state = Disconnected
	close(sess.done)
	intentional := c.intentional
	c.intentional = false
	c.mu.Unlock()

	_ = sess.conn.Close()
	c.notifyState(Disconnected)

	if intentional {
		c.logger.Info("connection closed by request")
		return
	}
	c.logger.Warn("connection lost", zap.Error(cause))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wantDown || c.reconnectTimer != nil {
		return
	}
	delay, ok := c.backoff.Next()
	if !ok {
		c.logger.Warn("reconnect attempts exhausted")
		return
	}

	c.logger.Info("reconnect scheduled",
		zap.Duration("delay", delay), zap.Int("attempt", c.backoff.Attempt()))
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		down := c.wantDown
		c.mu.Unlock()
		if down {
			return
		}
		if err := c.connect(context.Background()); err != nil {
			c.scheduleReconnect()
		}
	})
}

// AddHandler registers a server-event handler and returns its remover. The
// first handler triggers a debounced auto-connect (unless the client is in
// manual mode); registering also revives a client that gave up after
// exhausting its attempts. Removing the last handler disconnects.
func (c *Client) AddHandler(fn Handler) (remove func()) {
	c.mu.Lock()
	idx := c.nextID
	c.nextID++
	c.handlers[idx] = fn

	if !c.manualConnect && c.state == Disconnected {
		c.wantDown = false
		if c.backoff.Attempt() >= 1 && c.reconnectTimer == nil {
			// Gave up earlier; a fresh consumer resets the budget.
			c.backoff.Reset()
		}
		if c.autoTimer == nil {
			c.autoTimer = time.AfterFunc(c.autoDelay, func() {
				c.mu.Lock()
				c.autoTimer = nil
				n := len(c.handlers)
				c.mu.Unlock()
				if n == 0 {
					return
				}
				if err := c.connect(context.Background()); err != nil {
					c.logger.Warn("auto-connect failed", zap.Error(err))
					c.scheduleReconnect()
				}
			})
		}
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		if _, ok := c.handlers[idx]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.handlers, idx)
		last := len(c.handlers) == 0
		c.mu.Unlock()
		if last {
			c.Disconnect()
		}
	}
}

// OnStateChange registers a connection-state listener and returns its
// remover.
func (c *Client) OnStateChange(fn StateListener) (remove func()) {
	c.mu.Lock()
	idx := c.nextID
	c.nextID++
	c.stateListeners[idx] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateListeners, idx)
		c.mu.Unlock()
	}
}

func (c *Client) dispatch(env events.Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	for _, h := range hs {
		h(env)
	}
}

func (c *Client) notifyState(s State) {
	c.mu.Lock()
	ls := make([]StateListener, 0, len(c.stateListeners))
	for _, l := range c.stateListeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()

	for _, l := range ls {
		l(s)
	}
}
