/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Channel is the persistent control connection to the signaling server.
// Outbound commands queue while the socket is down and flush strictly in
// order once it opens; an unexpected closure schedules reconnection after
// a fixed delay, bounded by MaxReconnects. All inbound frames parse into
// the tagged Command schema and reach the registered listener as Events.
type Channel struct {
	config *Config

	mu        sync.Mutex
	conn      *websocket.Conn
	state     State
	queue     []queuedCommand
	listener  Listener
	url       string
	reconnect bool
	attempts  int
	destroyed bool

	reconnectTimer *time.Timer
	flushDone      chan struct{}
	flushOnce      sync.Once

	logger zerolog.Logger
}

// Config holds the configuration for the signaling channel
type Config struct {
	// FlushInterval is how often the pending queue is polled for sending.
	FlushInterval time.Duration
	// ReconnectDelay is the fixed wait between reconnection attempts.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive reconnection attempts; exceeding it
	// surfaces one terminal event and the channel goes quiet.
	MaxReconnects int
	// PingInterval is the keepalive ping cadence while open.
	PingInterval time.Duration
	// PongTimeout is how long to wait for a pong before the connection is
	// considered dead.
	PongTimeout time.Duration
	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
	// Logger for channel operations.
	Logger zerolog.Logger
}

// DefaultConfig returns the default configuration for the signaling channel
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    100 * time.Millisecond,
		ReconnectDelay:   2 * time.Second,
		MaxReconnects:    5,
		PingInterval:     30 * time.Second,
		PongTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		Logger:           zerolog.Nop(),
	}
}

type queuedCommand struct {
	data []byte
}

// New creates a new signaling channel for the given websocket URL
func New(url string, config *Config) *Channel {
	if config == nil {
		config = DefaultConfig()
	}
	return &Channel{
		config:    config,
		state:     StateDisconnected,
		url:       url,
		reconnect: true,
		flushDone: make(chan struct{}),
		logger:    config.Logger.With().Str("component", "signaling").Logger(),
	}
}

// SetListener registers the single event listener. Events from all channel
// goroutines funnel through it; the owner marshals them onto its own
// coordination context.
func (c *Channel) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether the channel is currently open.
func (c *Channel) IsOpen() bool {
	return c.State() == StateOpen
}

// Connect opens the websocket transport. On success the reconnect-attempt
// counter resets and the listener receives EventOpen. On failure a
// reconnect is scheduled after the fixed delay, bounded by MaxReconnects.
func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return fmt.Errorf("channel destroyed")
	}
	if !c.reconnect {
		// The attempt budget is spent and the terminal event already
		// fired; a late Connect must not leave the channel half-open.
		c.mu.Unlock()
		return fmt.Errorf("reconnect attempts exhausted")
	}
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	// The flush loop lives for the whole channel lifetime, across
	// reconnects.
	c.flushOnce.Do(func() {
		go c.flushLoop()
	})

	if err := c.attemptConnection(); err != nil {
		c.logger.Warn().Err(err).Msg("connect failed")
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Send queues a command for delivery. The queue is FIFO: commands sent
// while the channel is down are delivered in order once it opens, each
// removed only after a confirmed write.
func (c *Channel) Send(cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("channel destroyed")
	}
	c.queue = append(c.queue, queuedCommand{data: data})
	return nil
}

// PendingCount returns the number of queued, unsent commands.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Destroy irreversibly tears the channel down: no further reconnects, the
// transport closes if open, pending reconnect and flush work is cancelled,
// and the queue is cleared.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.reconnect = false
	c.state = StateClosed
	c.queue = nil
	conn := c.conn
	c.conn = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	close(c.flushDone)

	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "destroyed"))
		_ = conn.Close()
	}
	c.logger.Info().Msg("channel destroyed")
}

// attemptConnection makes a single dial and, on success, installs the
// connection and starts its read and ping loops.
func (c *Channel) attemptConnection() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("dial signaling server: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		conn.Close()
		return fmt.Errorf("channel destroyed")
	}
	c.conn = conn
	c.state = StateOpen
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.emit(Event{Type: EventOpen})
	c.logger.Info().Str("url", c.url).Msg("channel open")
	return nil
}

// flushLoop polls the pending queue at FlushInterval and sends strictly in
// order while the channel is open. A command leaves the queue only after
// its write succeeds.
func (c *Channel) flushLoop() {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.flushDone:
			return
		case <-ticker.C:
			c.flushPending()
		}
	}
}

func (c *Channel) flushPending() {
	for {
		c.mu.Lock()
		if c.state != StateOpen || len(c.queue) == 0 || c.conn == nil {
			c.mu.Unlock()
			return
		}
		head := c.queue[0]
		conn := c.conn
		c.mu.Unlock()

		_ = conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, head.data); err != nil {
			c.logger.Warn().Err(err).Msg("queued send failed; keeping message")
			c.handleConnectionLoss(err)
			return
		}

		c.mu.Lock()
		// Confirmed send: drop the head. The queue may have been cleared by
		// Destroy while the write was in flight.
		if len(c.queue) > 0 {
			c.queue = c.queue[1:]
		}
		c.mu.Unlock()
	}
}

// readLoop parses inbound frames and dispatches them until the connection
// dies.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnectionLoss(err)
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.emit(Event{Type: EventParseError, Err: fmt.Errorf("parse inbound command: %w", err)})
			continue
		}
		if cmd.Code != CodeOK {
			c.emit(Event{Type: EventServerError, Command: &cmd, Err: fmt.Errorf("server error %d: %s", cmd.Code, cmd.Message)})
			continue
		}
		if !cmd.Signal.Known() {
			c.emit(Event{Type: EventParseError, Command: &cmd, Err: fmt.Errorf("unrecognized signal %q", cmd.Signal)})
			continue
		}
		c.emit(Event{Type: EventCommand, Command: &cmd})
	}
}

// pingLoop keeps the connection alive while it is the active one.
func (c *Channel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.flushDone:
			return
		case <-ticker.C:
			c.mu.Lock()
			active := c.conn == conn && c.state == StateOpen
			c.mu.Unlock()
			if !active {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(c.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handleConnectionLoss(err)
				return
			}
		}
	}
}

// handleConnectionLoss transitions to Disconnected once per connection and
// schedules a bounded reconnect.
func (c *Channel) handleConnectionLoss(err error) {
	c.mu.Lock()
	if c.destroyed || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.logger.Warn().Err(err).Msg("channel disconnected")
	c.emit(Event{Type: EventDisconnected, Err: err})
	c.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless the attempt budget is
// exhausted, in which case the terminal event is reported exactly once.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.destroyed || !c.reconnect {
		c.mu.Unlock()
		return
	}
	c.attempts++
	if c.attempts > c.config.MaxReconnects {
		c.reconnect = false
		c.state = StateClosed
		c.mu.Unlock()
		c.logger.Error().Int("attempts", c.config.MaxReconnects).Msg("reconnect attempts exhausted")
		c.emit(Event{Type: EventReconnectFailed, Err: fmt.Errorf("gave up after %d reconnect attempts", c.config.MaxReconnects)})
		return
	}
	attempt := c.attempts
	c.state = StateConnecting
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, func() {
		c.logger.Info().Int("attempt", attempt).Msg("reconnecting")
		if err := c.attemptConnection(); err != nil {
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()
}

func (c *Channel) emit(ev Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(ev)
	}
}
