/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
)

// Sample is one encoded media frame produced by a capture source.
type Sample struct {
	Data     []byte
	Duration time.Duration
}

// SampleSource yields encoded frames for a local track. NextSample blocks
// until a frame is available and returns io.EOF when the source is done.
type SampleSource interface {
	NextSample() (Sample, error)
	Close() error
}

// PionConfig holds the configuration for the WebRTC-backed engine
type PionConfig struct {
	// Role decides the transceiver directions: publish sessions send only,
	// pull sessions receive only.
	Role Role
	// ICEServers is the list of STUN/TURN servers to use.
	ICEServers []webrtc.ICEServer
	// AudioSource feeds the local audio track on publish sessions.
	AudioSource SampleSource
	// VideoSources maps capture types to their frame sources on publish
	// sessions. SwitchCaptureSource selects among them.
	VideoSources map[CaptureType]SampleSource
	// Logger for engine operations.
	Logger zerolog.Logger
}

// DefaultPionConfig returns a PionConfig with a public STUN server, which
// is needed to produce the server-reflexive candidate the media server
// requires from clients behind NAT.
func DefaultPionConfig(role Role) *PionConfig {
	return &PionConfig{
		Role: role,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		Logger: zerolog.Nop(),
	}
}

// PionEngine implements Engine on a Pion peer connection. Publish sessions
// carry one sendonly audio and one sendonly video transceiver fed from
// sample sources; pull sessions carry recvonly transceivers whose payloads
// are forwarded to the render target.
type PionEngine struct {
	mu   sync.Mutex
	pc   *webrtc.PeerConnection
	role Role
	emit func(EngineEvent)
	log  zerolog.Logger

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	audioSource   SampleSource
	videoSources  map[CaptureType]SampleSource
	activeCapture CaptureType

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool
	volume       atomic.Int32

	renderMu     sync.RWMutex
	renderTarget RenderTarget

	feedersOnce sync.Once
	closed      chan struct{}
	closeOnce   sync.Once

	audioSent atomic.Uint64
	videoSent atomic.Uint64
	audioRecv atomic.Uint64
	videoRecv atomic.Uint64
}

// NewPionEngineFactory adapts a PionConfig into an EngineFactory, so the
// session owns engine reconstruction across reconnects.
func NewPionEngineFactory(config *PionConfig) EngineFactory {
	return func(emit func(EngineEvent)) (Engine, error) {
		return NewPionEngine(config, emit)
	}
}

// NewPionEngine creates a peer connection wired for the given role.
func NewPionEngine(config *PionConfig, emit func(EngineEvent)) (*PionEngine, error) {
	if config == nil {
		return nil, errors.New("nil engine config")
	}

	// A custom MediaEngine with the default codec set keeps Opus, VP8 and
	// H264 available so the codec-preference rewrite has something to
	// reorder.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settings := webrtc.SettingEngine{}

	// Default interceptors (RTCP reports, NACK, TWCC) are required when
	// using a custom MediaEngine, otherwise incoming SRTP is not processed
	// properly and OnTrack may not fire.
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithSettingEngine(settings),
		webrtc.WithInterceptorRegistry(i),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &PionEngine{
		pc:            pc,
		role:          config.Role,
		emit:          emit,
		log:           config.Logger.With().Str("component", "engine").Logger(),
		audioSource:   config.AudioSource,
		videoSources:  config.VideoSources,
		activeCapture: CaptureCamera,
		closed:        make(chan struct{}),
	}
	e.audioEnabled.Store(true)
	e.videoEnabled.Store(true)
	e.volume.Store(100)

	if err := e.addTransceivers(); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		cand := Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		e.log.Debug().Str("candidate", cand.Candidate).Msg("ICE candidate gathered")
		e.emit(EngineEvent{Type: EngineEventICECandidate, Candidate: cand})
	})

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGatheringState) {
		if s == webrtc.ICEGatheringStateComplete {
			e.emit(EngineEvent{Type: EngineEventGatheringComplete})
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.log.Debug().Str("state", s.String()).Msg("connection state")
		switch s {
		case webrtc.PeerConnectionStateConnected:
			e.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateConnected})
		case webrtc.PeerConnectionStateDisconnected:
			e.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateDisconnected})
		case webrtc.PeerConnectionStateFailed:
			e.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateFailed})
		case webrtc.PeerConnectionStateClosed:
			e.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateClosed})
		}
	})

	if e.role == RolePull {
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			kind := TrackKindAudio
			if track.Kind() == webrtc.RTPCodecTypeVideo {
				kind = TrackKindVideo
			}
			e.log.Debug().Str("kind", string(kind)).Str("codec", track.Codec().MimeType).Msg("remote track")
			go e.consumeRemote(kind, track)
		})
	}

	return e, nil
}

// addTransceivers sets the media topology for the role.
func (e *PionEngine) addTransceivers() error {
	if e.role == RolePull {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := e.pc.AddTransceiverFromKind(kind,
				webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
			); err != nil {
				return fmt.Errorf("failed to add recvonly transceiver: %w", err)
			}
		}
		return nil
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "roomlive",
	)
	if err != nil {
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", "roomlive",
	)
	if err != nil {
		return fmt.Errorf("failed to create video track: %w", err)
	}

	for _, track := range []*webrtc.TrackLocalStaticSample{audioTrack, videoTrack} {
		transceiver, err := e.pc.AddTransceiverFromTrack(track,
			webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendonly},
		)
		if err != nil {
			return fmt.Errorf("failed to add sendonly transceiver: %w", err)
		}
		// Drain RTCP from the sender to keep interceptor feedback flowing.
		go func(sender *webrtc.RTPSender) {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}(transceiver.Sender())
	}

	e.audioTrack = audioTrack
	e.videoTrack = videoTrack
	return nil
}

// ---- Engine interface ----

// CreateOffer produces the local SDP offer.
func (e *PionEngine) CreateOffer() (string, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	return offer.SDP, nil
}

// SetLocalDescription applies the (possibly rewritten) offer; ICE
// gathering starts here.
func (e *PionEngine) SetLocalDescription(sdp string) error {
	return e.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
}

// SetRemoteDescription applies the server's answer. A duplicate answer on
// a stable connection is ignored.
func (e *PionEngine) SetRemoteDescription(sdp string) error {
	if e.pc.SignalingState() == webrtc.SignalingStateStable {
		e.log.Debug().Msg("ignoring duplicate answer in stable state")
		return nil
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddICECandidate applies a remote candidate.
func (e *PionEngine) AddICECandidate(c Candidate) error {
	mid := c.SDPMid
	mline := c.SDPMLineIndex
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &mline,
	})
}

// SetAudioEnabled gates audio transmission (publish) or playout (pull).
func (e *PionEngine) SetAudioEnabled(enabled bool) {
	e.audioEnabled.Store(enabled)
}

// SetVideoEnabled gates video transmission (publish) or forwarding (pull).
func (e *PionEngine) SetVideoEnabled(enabled bool) {
	e.videoEnabled.Store(enabled)
}

// SetVolume stores the playout volume, 0-100. The render target applies it
// at decode time.
func (e *PionEngine) SetVolume(volume int) {
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}
	e.volume.Store(int32(volume))
}

// Volume returns the current playout volume.
func (e *PionEngine) Volume() int {
	return int(e.volume.Load())
}

// SetRenderTarget attaches the media sink. On publish sessions the first
// non-nil target also starts the capture feeders; until then no frames
// flow even though the tracks are negotiated.
func (e *PionEngine) SetRenderTarget(target RenderTarget) {
	e.renderMu.Lock()
	e.renderTarget = target
	e.renderMu.Unlock()
	if target != nil && e.role == RolePublish {
		e.feedersOnce.Do(e.startFeeders)
	}
}

func (e *PionEngine) currentTarget() RenderTarget {
	e.renderMu.RLock()
	defer e.renderMu.RUnlock()
	return e.renderTarget
}

// SwitchCaptureSource selects which registered video source feeds the
// local video track. The track itself is untouched, so no renegotiation
// happens.
func (e *PionEngine) SwitchCaptureSource(source CaptureSource) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.videoSources[source.Type]; !ok {
		return fmt.Errorf("no capture source registered for %q", source.Type)
	}
	e.activeCapture = source.Type
	return nil
}

func (e *PionEngine) activeVideoSource() SampleSource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.videoSources[e.activeCapture]
}

// Stats returns a snapshot of the byte counters.
func (e *PionEngine) Stats() EngineStats {
	return EngineStats{
		AudioBytesSent:     e.audioSent.Load(),
		VideoBytesSent:     e.videoSent.Load(),
		AudioBytesReceived: e.audioRecv.Load(),
		VideoBytesReceived: e.videoRecv.Load(),
	}
}

// Close shuts the peer connection down; Pion reports the closure through
// OnConnectionStateChange.
func (e *PionEngine) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	if err := e.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// ---- Media pumps ----

// startFeeders spawns one goroutine per local track.
func (e *PionEngine) startFeeders() {
	if e.audioSource != nil && e.audioTrack != nil {
		go e.feedAudio()
	}
	if e.videoTrack != nil && len(e.videoSources) > 0 {
		go e.feedVideo()
	}
}

func (e *PionEngine) feedAudio() {
	for {
		select {
		case <-e.closed:
			return
		default:
		}
		sample, err := e.audioSource.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Warn().Err(err).Msg("audio source")
			}
			return
		}
		if !e.audioEnabled.Load() {
			continue
		}
		if err := e.audioTrack.WriteSample(media.Sample{Data: sample.Data, Duration: sample.Duration}); err != nil {
			e.log.Warn().Err(err).Msg("write audio sample")
			return
		}
		e.audioSent.Add(uint64(len(sample.Data)))
	}
}

func (e *PionEngine) feedVideo() {
	for {
		select {
		case <-e.closed:
			return
		default:
		}
		// Re-resolve the source each frame so a capture switch takes
		// effect mid-stream.
		src := e.activeVideoSource()
		if src == nil {
			return
		}
		sample, err := src.NextSample()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Warn().Err(err).Msg("video source")
			}
			return
		}
		if !e.videoEnabled.Load() {
			continue
		}
		if err := e.videoTrack.WriteSample(media.Sample{Data: sample.Data, Duration: sample.Duration}); err != nil {
			e.log.Warn().Err(err).Msg("write video sample")
			return
		}
		e.videoSent.Add(uint64(len(sample.Data)))
		if target := e.currentTarget(); target != nil {
			// Local preview.
			_ = target.WriteSample(TrackKindVideo, sample.Data)
		}
	}
}

// consumeRemote forwards remote track payloads to the render target.
func (e *PionEngine) consumeRemote(kind TrackKind, track *webrtc.TrackRemote) {
	for {
		select {
		case <-e.closed:
			return
		default:
		}
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		n := uint64(len(pkt.Payload))
		enabled := true
		if kind == TrackKindAudio {
			e.audioRecv.Add(n)
			enabled = e.audioEnabled.Load()
		} else {
			e.videoRecv.Add(n)
			enabled = e.videoEnabled.Load()
		}
		if !enabled {
			continue
		}
		if target := e.currentTarget(); target != nil {
			if werr := target.WriteSample(kind, pkt.Payload); werr != nil {
				e.log.Warn().Err(werr).Msg("render target write")
			}
		}
	}
}
