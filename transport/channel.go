// Package transport provides the self-reconnecting websocket channel that
// carries JSON envelopes between the client and the agent server.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/room4-2/voicedesk/messages"
	"github.com/room4-2/voicedesk/metrics"
)

const (
	writeBufferSize     = 256
	defaultWriteTimeout = 10 * time.Second
	maxMessageSize      = 512 * 1024
)

// State is the connection state of a Channel
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "disconnected"
	}
}

// Handler receives decoded server envelopes
type Handler func(messages.Envelope)

// StateHandler receives connection state changes
type StateHandler func(State)

// Options tunes a Channel
type Options struct {
	BaseDelay    time.Duration // first reconnect delay (default 1s)
	MaxDelay     time.Duration // reconnect delay cap (default 30s)
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	Header       http.Header
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type stateEntry struct {
	id uint64
	fn StateHandler
}

// Channel is a duplex envelope channel that reconnects with exponential
// backoff until explicitly disconnected.
type Channel struct {
	url    string
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	out      chan []byte
	cancel   context.CancelFunc
	nextID   uint64
	handlers []handlerEntry
	watchers []stateEntry
}

// New creates a Channel for url. Nothing is dialed until Connect.
func New(url string, opts Options, logger zerolog.Logger) *Channel {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = 10 * time.Second
		opts.Dialer = &d
	}
	return &Channel{
		url:    url,
		opts:   opts,
		logger: logger.With().Str("component", "transport").Logger(),
	}
}

// URL returns the endpoint this channel dials
func (c *Channel) URL() string {
	return c.url
}

// Connect starts the connection loop. It is a no-op while the channel is
// already open, connecting or waiting to reconnect.
func (c *Channel) Connect() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	go c.connectLoop(ctx)
}

// Disconnect closes the connection and cancels any pending reconnect.
// Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.cancel = nil
	c.out = nil
	c.conn = nil
	changed := c.state != StateDisconnected
	c.state = StateDisconnected
	watchers := c.snapshotWatchersLocked()
	c.mu.Unlock()

	c.logger.Info().Msg("disconnected")
	if changed {
		for _, w := range watchers {
			w(StateDisconnected)
		}
	}
}

// Close disconnects and removes every subscriber
func (c *Channel) Close() {
	c.Disconnect()
	c.mu.Lock()
	c.handlers = nil
	c.watchers = nil
	c.mu.Unlock()
}

// Send writes env if the channel is open; otherwise it is dropped.
func (c *Channel) Send(env messages.Envelope) {
	data, err := messages.Encode(env)
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping unencodable envelope")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.out == nil {
		metrics.RecordDropped("not_open")
		return
	}
	select {
	case c.out <- data:
		metrics.RecordEnvelope("out", env.MessageType())
	default:
		// Queue full, drop message
		metrics.RecordDropped("queue_full")
		c.logger.Warn().Str("type", env.MessageType()).Msg("write queue full, dropping envelope")
	}
}

// OnMessage registers h for every decoded envelope. Handlers run in
// registration order on the read goroutine, in arrival order.
func (c *Channel) OnMessage(h Handler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handlerEntry{id: id, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.handlers {
			if e.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers h for connection state transitions
func (c *Channel) OnStateChange(h StateHandler) (unsubscribe func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers = append(c.watchers, stateEntry{id: id, fn: h})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.watchers {
			if e.id == id {
				c.watchers = append(c.watchers[:i:i], c.watchers[i+1:]...)
				return
			}
		}
	}
}

// State returns the current connection state
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is open
func (c *Channel) IsConnected() bool {
	return c.State() == StateOpen
}

// connectLoop maintains the connection until ctx is cancelled
func (c *Channel) connectLoop(ctx context.Context) {
	attempt := 0
	for {
		c.setState(ctx, StateConnecting)
		c.logger.Info().Str("url", c.url).Msg("connecting")

		conn, _, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		} else {
			attempt = 0
			c.serve(ctx, conn)
		}

		c.setState(ctx, StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		delay := Backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		attempt++
		metrics.RecordReconnect()
		c.logger.Warn().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect scheduled")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve runs one connection until it closes
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	out := make(chan []byte, writeBufferSize)
	connDone := make(chan struct{})

	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.out = out
	c.mu.Unlock()

	c.setState(ctx, StateOpen)
	c.logger.Info().Msg("connected")

	go c.writePump(ctx, conn, out, connDone)
	c.readLoop(ctx, conn)
	close(connDone)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.out = nil
	}
	c.mu.Unlock()
	conn.Close()
}

// writePump handles all outgoing messages for one connection
func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, out <-chan []byte, connDone <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			// Intentional close: say goodbye, then unblock the reader
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			conn.Close()
			return
		case <-connDone:
			return
		case data := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write failed, closing connection")
				conn.Close()
				return
			}
		}
	}
}

// readLoop decodes and dispatches envelopes until the connection fails
func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("connection lost")
			}
			return
		}

		env, err := messages.ParseServerMessage(data)
		if err != nil {
			metrics.RecordDropped("malformed")
			c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed envelope")
			continue
		}
		metrics.RecordEnvelope("in", env.MessageType())

		c.mu.Lock()
		handlers := make([]Handler, len(c.handlers))
		for i, e := range c.handlers {
			handlers[i] = e.fn
		}
		c.mu.Unlock()

		for _, h := range handlers {
			if ctx.Err() != nil {
				return
			}
			h(env)
		}
	}
}

func (c *Channel) setState(ctx context.Context, s State) {
	c.mu.Lock()
	if ctx.Err() != nil || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := c.snapshotWatchersLocked()
	c.mu.Unlock()

	for _, w := range watchers {
		w(s)
	}
}

func (c *Channel) snapshotWatchersLocked() []StateHandler {
	out := make([]StateHandler, len(c.watchers))
	for i, e := range c.watchers {
		out[i] = e.fn
	}
	return out
}
