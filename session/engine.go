/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import "strings"

// ---- Connection Role ----

// Role is the direction of a media connection. It is fixed at session
// construction and never changes over the session's lifetime.
type Role string

const (
	// RolePublish sends local media to the server and receives nothing.
	RolePublish Role = "publish"
	// RolePull receives one remote user's media and sends nothing.
	RolePull Role = "pull"
)

// ---- Engine boundary ----

// Engine is the native media engine boundary: a single peer connection
// plus its tracks. The SDK orchestrates calls into this boundary and
// implements none of the ICE/DTLS/codec logic behind it. Implementations
// deliver EngineEvents through the callback passed to the factory; the
// owning session serializes them onto its worker.
type Engine interface {
	// CreateOffer asks the engine for a local session description. The
	// session rewrites it before handing it back via SetLocalDescription.
	CreateOffer() (string, error)

	// SetLocalDescription installs the (rewritten) local offer.
	SetLocalDescription(sdp string) error

	// SetRemoteDescription installs the remote answer.
	SetRemoteDescription(sdp string) error

	// AddICECandidate applies a remote candidate. The session guarantees
	// both descriptions are set before calling this.
	AddICECandidate(c Candidate) error

	// SetAudioEnabled toggles transmission of the local audio track.
	SetAudioEnabled(enabled bool)

	// SetVideoEnabled toggles transmission of the local video track.
	SetVideoEnabled(enabled bool)

	// SetVolume adjusts the playout volume for remote audio, 0-100.
	SetVolume(volume int)

	// SetRenderTarget attaches (or, with nil, detaches) the sink receiving
	// media frames. Rendering and transmission are independent: detaching
	// never stops the track.
	SetRenderTarget(target RenderTarget)

	// SwitchCaptureSource replaces the frame source feeding the local
	// video track without renegotiation; the remote side only observes a
	// frame-source change.
	SwitchCaptureSource(source CaptureSource) error

	// Stats returns a snapshot of transport counters.
	Stats() EngineStats

	// Close disposes the peer connection. The engine reports the terminal
	// state change through its event callback.
	Close() error
}

// EngineFactory constructs an engine and registers its event callback.
// The session invokes it once per call attempt; a reconnect constructs a
// fresh engine through the same factory.
type EngineFactory func(emit func(EngineEvent)) (Engine, error)

// ---- Engine events ----

// EngineEventType identifies the kind of engine event
type EngineEventType string

const (
	// EngineEventICECandidate carries a locally gathered candidate.
	EngineEventICECandidate EngineEventType = "ice_candidate"
	// EngineEventGatheringComplete fires when candidate gathering ends.
	EngineEventGatheringComplete EngineEventType = "gathering_complete"
	// EngineEventStateChange carries a connection state transition.
	EngineEventStateChange EngineEventType = "state_change"
)

// EngineState is the engine's connection state as seen at this boundary
type EngineState string

const (
	EngineStateConnected    EngineState = "connected"
	EngineStateDisconnected EngineState = "disconnected"
	EngineStateFailed       EngineState = "failed"
	EngineStateClosed       EngineState = "closed"
)

// EngineEvent is the tagged union delivered by an Engine
type EngineEvent struct {
	Type      EngineEventType
	Candidate Candidate
	State     EngineState
}

// ---- Supporting value types ----

// Candidate is an ICE candidate in the engine's wire shape. The SDK treats
// it as opaque except for the transport type token used by the gathering
// heuristic.
type Candidate struct {
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	Candidate     string `json:"candidate"`
}

// Typ extracts the candidate type token ("host", "srflx", "relay", ...)
// from the candidate line, or "" when absent.
func (c Candidate) Typ() string {
	fields := strings.Fields(c.Candidate)
	for i, f := range fields {
		if f == "typ" && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

// TrackKind distinguishes audio from video frames at the render boundary
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// RenderTarget consumes media payloads for display or playout. Supplying
// nil to SetRenderTarget detaches rendering while transmission continues.
type RenderTarget interface {
	WriteSample(kind TrackKind, payload []byte) error
}

// RenderParams carries display hints applied alongside a render target.
type RenderParams struct {
	Mirror   bool
	FillMode string
	Rotation int
}

// CaptureType selects the local video frame source
type CaptureType string

const (
	CaptureCamera CaptureType = "camera"
	CaptureScreen CaptureType = "screen"
)

// CaptureSource identifies a frame source for the local video track.
type CaptureSource struct {
	Type     CaptureType
	DeviceID string
}

// EngineStats is a snapshot of transport counters collected while the
// session is connected.
type EngineStats struct {
	AudioBytesSent     uint64
	VideoBytesSent     uint64
	AudioBytesReceived uint64
	VideoBytesReceived uint64
}
