/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

// ---- Channel State ----

// State represents the lifecycle state of the signaling channel
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
)

// CodeOK is the success code on inbound commands; anything else is an
// error notification carrying Message.
const CodeOK = 1

// ---- Wire Schema ----

// Signal identifies the command carried by a frame
type Signal string

const (
	// Outbound (client → server)
	SignalLogin        Signal = "login"
	SignalLogout       Signal = "logout"
	SignalEnterRoom    Signal = "enter_room"
	SignalLeaveRoom    Signal = "leave_room"
	SignalAvailability Signal = "availability"
	SignalP2PMessage   Signal = "p2p_msg"
	SignalRoomMessage  Signal = "room_msg"
	SignalCallInvite   Signal = "call_invite"
	SignalCallAnswer   Signal = "call_answer"
	SignalCallHangup   Signal = "call_hangup"

	// Inbound (server → client)
	SignalLoginAck       Signal = "login_ack"
	SignalLogoutAck      Signal = "logout_ack"
	SignalEnterRoomAck   Signal = "enter_room_ack"
	SignalLeaveRoomAck   Signal = "leave_room_ack"
	SignalRemoteEntered  Signal = "remote_entered"
	SignalRemoteLeft     Signal = "remote_left"
	SignalUnpublishURL   Signal = "unpublish_url"
	SignalVideoAvailable Signal = "video_available"
	SignalAudioAvailable Signal = "audio_available"
	SignalRecordStart    Signal = "record_start"
	SignalRecordEnd      Signal = "record_end"
)

// knownSignals holds every signal the channel dispatches; anything else is
// surfaced as a parse error rather than silently dropped.
var knownSignals = map[Signal]bool{
	SignalLogin: true, SignalLogout: true,
	SignalEnterRoom: true, SignalLeaveRoom: true,
	SignalAvailability: true,
	SignalP2PMessage:   true, SignalRoomMessage: true,
	SignalCallInvite: true, SignalCallAnswer: true, SignalCallHangup: true,
	SignalLoginAck: true, SignalLogoutAck: true,
	SignalEnterRoomAck: true, SignalLeaveRoomAck: true,
	SignalRemoteEntered: true, SignalRemoteLeft: true,
	SignalUnpublishURL:   true,
	SignalVideoAvailable: true, SignalAudioAvailable: true,
	SignalRecordStart: true, SignalRecordEnd: true,
}

// Known reports whether the signal is part of the recognized schema.
func (s Signal) Known() bool {
	return knownSignals[s]
}

// Command is a single frame on the signaling channel. Outbound frames set
// Signal plus whichever fields the command carries; inbound frames
// additionally carry Code, where any value other than CodeOK marks an
// error notification with Message.
type Command struct {
	Code           int    `json:"code,omitempty"`
	Signal         Signal `json:"signal"`
	Message        string `json:"message,omitempty"`
	Token          string `json:"token,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	PublishURL     string `json:"publish_url,omitempty"`
	UnpublishURL   string `json:"unpublish_url,omitempty"`
	PullURL        string `json:"pull_url,omitempty"`
	Available      *bool  `json:"available,omitempty"`
	RecordFileName string `json:"record_file_name,omitempty"`
	P2PMsg         string `json:"p2p_msg,omitempty"`
	RoomMsg        string `json:"room_msg,omitempty"`
	CallMsg        string `json:"call_msg,omitempty"`
	Result         string `json:"result,omitempty"`
}

// ---- Events ----

// EventType identifies the kind of channel event delivered to the listener
type EventType string

const (
	// EventOpen fires when the transport connects; the reconnect counter
	// has been reset.
	EventOpen EventType = "open"
	// EventDisconnected fires on unexpected transport loss; a bounded
	// reconnect is already scheduled.
	EventDisconnected EventType = "disconnected"
	// EventReconnectFailed fires exactly once when the reconnect budget is
	// exhausted. Terminal.
	EventReconnectFailed EventType = "reconnect_failed"
	// EventCommand carries a parsed, recognized inbound command.
	EventCommand EventType = "command"
	// EventServerError carries an inbound frame whose code marks an error.
	EventServerError EventType = "server_error"
	// EventParseError reports a malformed or unrecognized inbound frame.
	EventParseError EventType = "parse_error"
)

// Event is the tagged union delivered to the channel listener
type Event struct {
	Type    EventType
	Command *Command
	Err     error
}

// Listener receives every channel event. A single listener is registered;
// fan-out is the owner's concern.
type Listener func(Event)

// ---- Outbound command constructors ----

// NewLogin builds the login command carrying the access token.
func NewLogin(userID, token string) *Command {
	return &Command{Signal: SignalLogin, UserID: userID, Token: token}
}

// NewLogout builds the logout command.
func NewLogout(userID string) *Command {
	return &Command{Signal: SignalLogout, UserID: userID}
}

// NewEnterRoom builds the enter-room command.
func NewEnterRoom(roomID, userID string) *Command {
	return &Command{Signal: SignalEnterRoom, RoomID: roomID, UserID: userID}
}

// NewLeaveRoom builds the leave-room command.
func NewLeaveRoom(roomID, userID string) *Command {
	return &Command{Signal: SignalLeaveRoom, RoomID: roomID, UserID: userID}
}

// NewAvailability builds the media-availability notification for the local
// publish stream.
func NewAvailability(userID string, available bool) *Command {
	return &Command{Signal: SignalAvailability, UserID: userID, Available: &available}
}

// NewP2PMessage builds a peer-to-peer message addressed to userID.
func NewP2PMessage(userID, msg string) *Command {
	return &Command{Signal: SignalP2PMessage, UserID: userID, P2PMsg: msg}
}

// NewRoomMessage builds a room-wide message.
func NewRoomMessage(roomID, msg string) *Command {
	return &Command{Signal: SignalRoomMessage, RoomID: roomID, RoomMsg: msg}
}

// NewCallControl builds a call-control command for the given signal
// (invite, answer, hangup) addressed to userID.
func NewCallControl(signal Signal, userID, msg string) *Command {
	return &Command{Signal: signal, UserID: userID, CallMsg: msg}
}
