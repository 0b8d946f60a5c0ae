/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package roomlive is the entry point of the RoomLive Go SDK. A Client
// ties together the signaling channel, the per-session HTTP exchanges and
// the session registry: commands arriving on the channel drive session
// creation and teardown, while application calls flow the other way.
package roomlive

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/roomlive/roomlive-go-sdk/registry"
	"github.com/roomlive/roomlive-go-sdk/roomlivesdk"
	"github.com/roomlive/roomlive-go-sdk/session"
	"github.com/roomlive/roomlive-go-sdk/signaling"
)

// EventType identifies the kind of client event
type EventType string

const (
	// EventLoggedIn fires when the server acknowledges the login.
	EventLoggedIn EventType = "logged_in"
	// EventLoggedOut fires when the server acknowledges the logout.
	EventLoggedOut EventType = "logged_out"
	// EventRoomEntered fires when the server acknowledges room entry.
	EventRoomEntered EventType = "room_entered"
	// EventRoomLeft fires when the server acknowledges leaving the room.
	EventRoomLeft EventType = "room_left"
	// EventRemoteEntered fires when another user joins the room.
	EventRemoteEntered EventType = "remote_entered"
	// EventRemoteLeft fires when another user leaves the room.
	EventRemoteLeft EventType = "remote_left"
	// EventRemoteAudio reports a remote user toggling audio availability.
	EventRemoteAudio EventType = "remote_audio"
	// EventRemoteVideo reports a remote user toggling video availability.
	EventRemoteVideo EventType = "remote_video"
	// EventRecordStarted fires when server-side recording begins.
	EventRecordStarted EventType = "record_started"
	// EventRecordEnded fires when server-side recording stops.
	EventRecordEnded EventType = "record_ended"
	// EventP2PMessage carries a direct message from another user.
	EventP2PMessage EventType = "p2p_message"
	// EventRoomMessage carries a broadcast message from the room.
	EventRoomMessage EventType = "room_message"
	// EventCall carries a call-control command from another user.
	EventCall EventType = "call"
	// EventChannelDown fires when the signaling channel drops and begins
	// reconnecting.
	EventChannelDown EventType = "channel_down"
	// EventChannelClosed fires when the channel gives up reconnecting.
	EventChannelClosed EventType = "channel_closed"
	// EventServerError reports a command the server rejected.
	EventServerError EventType = "server_error"
	// EventSession wraps a session-level event.
	EventSession EventType = "session"
)

// Event is delivered to the client listener for everything observable:
// channel lifecycle, server commands and session transitions.
type Event struct {
	Type      EventType
	UserID    string
	RoomID    string
	Message   string
	Signal    signaling.Signal
	Available bool
	Session   *session.Event
	Err       error
}

// Listener receives client events. Callbacks originate on SDK goroutines;
// the application marshals them onto its own context before touching
// shared state.
type Listener func(Event)

// Config holds the configuration for a RoomLive client
type Config struct {
	// SignalingURL is the websocket endpoint of the signaling server.
	SignalingURL string
	// UserID is the local user's identity.
	UserID string
	// Core configures the HTTP exchanges. Optional.
	Core *roomlivesdk.Config
	// Channel configures the signaling channel. Optional.
	Channel *signaling.Config
	// Session is the template for per-connection sessions. Optional.
	Session *session.Config
	// MaxReconnects bounds in-place engine reconnects per room.
	MaxReconnects int
	// EngineFactory produces engine constructors per role and remote
	// user. Defaults to the WebRTC engine.
	EngineFactory func(role session.Role, userID string) session.EngineFactory
	// Logger is shared across all SDK components.
	Logger zerolog.Logger
}

// DefaultConfig returns the default configuration for a RoomLive client
func DefaultConfig() *Config {
	return &Config{
		MaxReconnects: 5,
		Logger:        zerolog.Nop(),
	}
}

// Client is the coordinator of the SDK. Create one with New, register a
// listener, then Login and EnterRoom. The client reacts to server
// commands by starting and stopping media sessions through its registry.
type Client struct {
	config   *Config
	core     *roomlivesdk.Client
	channel  *signaling.Channel
	registry *registry.Registry
	listener Listener
	logger   zerolog.Logger

	mu             sync.Mutex
	token          string
	roomID         string
	loggedIn       bool
	available      bool
	recordFileName string
	destroyed      bool
}

// New creates a RoomLive client. The signaling channel is not connected
// until Login.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SignalingURL == "" {
		return nil, errors.New("signaling URL is required")
	}
	if config.UserID == "" {
		return nil, errors.New("user ID is required")
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = DefaultConfig().MaxReconnects
	}

	coreCfg := config.Core
	if coreCfg == nil {
		coreCfg = roomlivesdk.DefaultConfig()
		coreCfg.Logger = config.Logger
	}
	core := roomlivesdk.NewClient(coreCfg)

	engineFactory := config.EngineFactory
	if engineFactory == nil {
		engineFactory = func(role session.Role, userID string) session.EngineFactory {
			return session.NewPionEngineFactory(session.DefaultPionConfig(role))
		}
	}

	sessCfg := config.Session
	if sessCfg == nil {
		sessCfg = session.DefaultConfig()
		sessCfg.Logger = config.Logger
	}

	c := &Client{
		config:    config,
		core:      core,
		logger:    config.Logger.With().Str("component", "client").Logger(),
		available: true,
	}

	c.registry = registry.New(&registry.Config{
		Core:          core,
		Session:       sessCfg,
		EngineFactory: engineFactory,
		MaxReconnects: config.MaxReconnects,
		Logger:        config.Logger,
	}, c.onSessionEvent)

	chanCfg := config.Channel
	if chanCfg == nil {
		chanCfg = signaling.DefaultConfig()
		chanCfg.Logger = config.Logger
	}
	c.channel = signaling.New(config.SignalingURL, chanCfg)
	c.channel.SetListener(c.onChannelEvent)

	return c, nil
}

// SetListener registers the client event listener.
func (c *Client) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Registry exposes the session registry for media controls.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

func (c *Client) emit(ev Event) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(ev)
	}
}

// ---- Application operations ----

// Login connects the signaling channel and authenticates with the given
// room-access token.
func (c *Client) Login(token string) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errors.New("client destroyed")
	}
	c.token = token
	c.mu.Unlock()

	if err := c.channel.Connect(); err != nil {
		return err
	}
	return c.channel.Send(signaling.NewLogin(c.config.UserID, token))
}

// Logout signs the user out. Sessions are torn down first so the server
// never observes media from a logged-out user.
func (c *Client) Logout() error {
	c.mu.Lock()
	c.token = ""
	c.loggedIn = false
	c.roomID = ""
	c.mu.Unlock()
	c.registry.StopSessions()
	return c.channel.Send(signaling.NewLogout(c.config.UserID))
}

// EnterRoom asks the server to place the user in a room. Media starts
// when the acknowledgement arrives with the publish URL.
func (c *Client) EnterRoom(roomID string) error {
	c.mu.Lock()
	c.roomID = roomID
	record := c.recordFileName
	c.mu.Unlock()

	cmd := signaling.NewEnterRoom(roomID, c.config.UserID)
	cmd.RecordFileName = record
	return c.channel.Send(cmd)
}

// LeaveRoom leaves the current room and tears down every media session,
// publish first.
func (c *Client) LeaveRoom() error {
	c.mu.Lock()
	roomID := c.roomID
	c.roomID = ""
	c.mu.Unlock()
	if roomID == "" {
		return errors.New("not in a room")
	}
	c.registry.StopSessions()
	return c.channel.Send(signaling.NewLeaveRoom(roomID, c.config.UserID))
}

// SetAvailability advertises whether the local user is open to incoming
// interactions. The value is remembered and re-advertised after a channel
// reconnect.
func (c *Client) SetAvailability(available bool) error {
	c.mu.Lock()
	c.available = available
	c.mu.Unlock()
	return c.channel.Send(signaling.NewAvailability(c.config.UserID, available))
}

// SetRecordFileName records the desired server-side recording file name.
// Set before EnterRoom it rides along with the room entry; the server
// confirms with a record_start command.
func (c *Client) SetRecordFileName(name string) {
	c.mu.Lock()
	c.recordFileName = name
	c.mu.Unlock()
}

// SendP2P sends a direct message to another user in the room.
func (c *Client) SendP2P(userID, msg string) error {
	return c.channel.Send(signaling.NewP2PMessage(userID, msg))
}

// SendRoomMessage broadcasts a message to the current room.
func (c *Client) SendRoomMessage(msg string) error {
	c.mu.Lock()
	roomID := c.roomID
	c.mu.Unlock()
	if roomID == "" {
		return errors.New("not in a room")
	}
	return c.channel.Send(signaling.NewRoomMessage(roomID, msg))
}

// CallInvite sends a call invitation to another user.
func (c *Client) CallInvite(userID, msg string) error {
	return c.channel.Send(signaling.NewCallControl(signaling.SignalCallInvite, userID, msg))
}

// CallAnswer answers a call invitation.
func (c *Client) CallAnswer(userID, msg string) error {
	return c.channel.Send(signaling.NewCallControl(signaling.SignalCallAnswer, userID, msg))
}

// CallHangup ends a call.
func (c *Client) CallHangup(userID, msg string) error {
	return c.channel.Send(signaling.NewCallControl(signaling.SignalCallHangup, userID, msg))
}

// Destroy tears the client down: sessions first, then the channel. The
// client is unusable afterwards.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.registry.StopAll()
	c.channel.Destroy()
	c.logger.Info().Msg("client destroyed")
}

// ---- Channel event handling ----

func (c *Client) onChannelEvent(ev signaling.Event) {
	switch ev.Type {
	case signaling.EventOpen:
		c.resume()
	case signaling.EventDisconnected:
		c.emit(Event{Type: EventChannelDown, Err: ev.Err})
	case signaling.EventReconnectFailed:
		c.emit(Event{Type: EventChannelClosed, Err: ev.Err})
	case signaling.EventServerError:
		c.emit(Event{Type: EventServerError, Message: ev.Command.Message, Signal: ev.Command.Signal})
	case signaling.EventParseError:
		c.logger.Warn().Err(ev.Err).Msg("unparseable server command")
	case signaling.EventCommand:
		c.handleCommand(ev.Command)
	}
}

// resume replays the login, room entry and availability state after the
// channel (re)opens, so a transport blip does not log the user out.
func (c *Client) resume() {
	c.mu.Lock()
	token := c.token
	loggedIn := c.loggedIn
	roomID := c.roomID
	available := c.available
	record := c.recordFileName
	c.mu.Unlock()

	if token == "" || !loggedIn {
		return
	}
	c.logger.Info().Msg("channel reopened; resuming server state")
	_ = c.channel.Send(signaling.NewLogin(c.config.UserID, token))
	if roomID != "" {
		cmd := signaling.NewEnterRoom(roomID, c.config.UserID)
		cmd.RecordFileName = record
		_ = c.channel.Send(cmd)
	}
	_ = c.channel.Send(signaling.NewAvailability(c.config.UserID, available))
}

func (c *Client) handleCommand(cmd *signaling.Command) {
	switch cmd.Signal {
	case signaling.SignalLoginAck:
		c.mu.Lock()
		c.loggedIn = true
		c.mu.Unlock()
		c.emit(Event{Type: EventLoggedIn, UserID: c.config.UserID})

	case signaling.SignalLogoutAck:
		c.emit(Event{Type: EventLoggedOut, UserID: c.config.UserID})

	case signaling.SignalEnterRoomAck:
		// The acknowledgement carries the publish endpoint; media starts
		// here, not at EnterRoom.
		if cmd.PublishURL != "" {
			c.registry.StartPublish(cmd.PublishURL)
		}
		if cmd.UnpublishURL != "" {
			c.registry.SetUnpublishURL(cmd.UnpublishURL)
		}
		c.emit(Event{Type: EventRoomEntered, RoomID: cmd.RoomID})

	case signaling.SignalLeaveRoomAck:
		c.emit(Event{Type: EventRoomLeft, RoomID: cmd.RoomID})

	case signaling.SignalUnpublishURL:
		c.registry.SetUnpublishURL(cmd.UnpublishURL)

	case signaling.SignalRemoteEntered:
		if cmd.UserID != "" && cmd.PullURL != "" {
			c.registry.StartPull(cmd.UserID, cmd.PullURL)
		}
		c.emit(Event{Type: EventRemoteEntered, UserID: cmd.UserID})

	case signaling.SignalRemoteLeft:
		c.registry.StopPull(cmd.UserID)
		c.emit(Event{Type: EventRemoteLeft, UserID: cmd.UserID})

	case signaling.SignalAudioAvailable:
		c.emit(Event{Type: EventRemoteAudio, UserID: cmd.UserID, Available: cmd.Available != nil && *cmd.Available})

	case signaling.SignalVideoAvailable:
		c.emit(Event{Type: EventRemoteVideo, UserID: cmd.UserID, Available: cmd.Available != nil && *cmd.Available})

	case signaling.SignalRecordStart:
		c.emit(Event{Type: EventRecordStarted, Message: cmd.RecordFileName})

	case signaling.SignalRecordEnd:
		c.emit(Event{Type: EventRecordEnded, Message: cmd.RecordFileName})

	case signaling.SignalP2PMessage:
		c.emit(Event{Type: EventP2PMessage, UserID: cmd.UserID, Message: cmd.P2PMsg})

	case signaling.SignalRoomMessage:
		c.emit(Event{Type: EventRoomMessage, RoomID: cmd.RoomID, Message: cmd.RoomMsg})

	case signaling.SignalCallInvite, signaling.SignalCallAnswer, signaling.SignalCallHangup:
		c.emit(Event{Type: EventCall, UserID: cmd.UserID, Message: cmd.CallMsg, Signal: cmd.Signal})
	}
}

// onSessionEvent forwards session events to the client listener. A
// publish session coming up re-advertises availability so peers that
// joined during the outage see the current state.
func (c *Client) onSessionEvent(ev session.Event) {
	if ev.Role == session.RolePublish && ev.Type == session.EventConnected {
		c.mu.Lock()
		available := c.available
		c.mu.Unlock()
		_ = c.channel.Send(signaling.NewAvailability(c.config.UserID, available))
	}
	c.emit(Event{Type: EventSession, UserID: ev.UserID, Session: &ev})
}
