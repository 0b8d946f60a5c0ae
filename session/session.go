/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomlive/roomlive-go-sdk/roomlivesdk"
	"github.com/roomlive/roomlive-go-sdk/sdptransform"
)

// State is the lifecycle state of a connection session
type State string

const (
	StateIdle           State = "idle"
	StateFactoryCreated State = "factory_created"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateDisconnected   State = "disconnected"
	StateFailed         State = "failed"
	StateReconnecting   State = "reconnecting"
	StateClosed         State = "closed"
)

// ---- Session events ----

// EventType identifies the kind of session event
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventReconnecting EventType = "reconnecting"
	EventClosed       EventType = "closed"
	EventError        EventType = "error"
	EventStats        EventType = "stats"
)

// Error codes carried by EventError
const (
	ErrCodeEngineCreate   = 3001 // engine factory failed or created twice
	ErrCodeLocalOffer     = 3002 // offer creation or local description failed
	ErrCodeRemoteAnswer   = 3003 // remote answer rejected by the engine
	ErrCodeEngineFailed   = 3004 // engine reported FAILED connectivity
	ErrCodeReconnectLimit = 3005 // reconnect attempt budget exhausted
)

// Event is the tagged union a session delivers to its listener. Errors
// surface here as events, never as panics or cross-boundary returns.
type Event struct {
	Type    EventType
	Role    Role
	UserID  string
	Code    int
	Message string
	Stats   EngineStats
}

// Listener receives session events. Callbacks originate on the session
// worker; the owner marshals them onto its own context before touching
// shared state.
type Listener func(Event)

// ---- Configuration ----

// Config holds the configuration for a connection session
type Config struct {
	// PreferredVideoCodec is moved to the front of the video m= line.
	PreferredVideoCodec string
	// PreferredAudioCodec is moved to the front of the audio m= line.
	PreferredAudioCodec string
	// VideoStartBitrateKbps is injected as x-google-start-bitrate.
	VideoStartBitrateKbps int
	// AudioMaxBitrateKbps is injected as maxaveragebitrate.
	AudioMaxBitrateKbps int
	// RetryBackoff is the fixed wait before re-submitting a failed offer.
	RetryBackoff time.Duration
	// StatsInterval is the cadence of stats collection while connected.
	StatsInterval time.Duration
	// EngineFactory constructs the native engine. Required.
	EngineFactory EngineFactory
	// ReconnectGate is consulted before an in-place reconnect; returning
	// false makes the attempt budget terminal. A nil gate always allows.
	ReconnectGate func() bool
	// Logger for session operations.
	Logger zerolog.Logger
}

// DefaultConfig returns the default configuration for a connection session
func DefaultConfig() *Config {
	return &Config{
		PreferredVideoCodec:   "H264",
		PreferredAudioCodec:   "opus",
		VideoStartBitrateKbps: 800,
		AudioMaxBitrateKbps:   32,
		RetryBackoff:          time.Second,
		StatsInterval:         2 * time.Second,
		Logger:                zerolog.Nop(),
	}
}

// ---- Session ----

// Session owns exactly one native engine instance and drives its
// offer/answer cycle: offer creation, SDP rewriting, ICE gathering,
// submission to the per-session HTTP endpoint, and recovery from engine
// state transitions. All engine-affecting work is serialized onto one
// worker goroutine; callers may invoke session operations from any
// goroutine and nothing here blocks the caller.
type Session struct {
	role   Role
	userID string
	url    string

	core     *roomlivesdk.Client
	config   *Config
	listener Listener
	logger   zerolog.Logger

	ops  chan func()
	done chan struct{}

	// stateMu guards the fields read from outside the worker.
	stateMu        sync.RWMutex
	state          State
	needsReconnect bool
	errored        bool

	// Worker-confined state below; touched only on the worker goroutine.
	engine            Engine
	engineCreated     bool
	closing           bool
	localSet          bool
	remoteSet         bool
	submitted         bool
	hostSeen          bool
	reflexiveSeen     bool
	pendingCandidates []Candidate
	localOffer        string
	unpublishURL      string
	attempt           int

	audioMuted    bool
	videoMuted    bool
	volume        int
	renderTarget  RenderTarget
	renderParams  RenderParams
	captureSource CaptureSource

	statsStop chan struct{}
}

// New creates a connection session for the given role, remote identity and
// per-session signaling URL. The session starts Idle; call CreateEngine
// then Start to begin negotiating.
func New(role Role, userID, url string, core *roomlivesdk.Client, config *Config, listener Listener) *Session {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Session{
		role:           role,
		userID:         userID,
		url:            url,
		core:           core,
		config:         config,
		listener:       listener,
		logger:         config.Logger.With().Str("component", "session").Str("role", string(role)).Str("user", userID).Logger(),
		ops:            make(chan func(), 128),
		done:           make(chan struct{}),
		state:          StateIdle,
		needsReconnect: true,
		volume:         100,
		captureSource:  CaptureSource{Type: CaptureCamera},
	}
	go s.run()
	return s
}

// Done returns a channel closed when the session is fully disposed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Role returns the fixed direction of this session.
func (s *Session) Role() Role { return s.role }

// UserID returns the remote identity this session belongs to ("" for the
// local publish session).
func (s *Session) UserID() string { return s.userID }

// URL returns the per-session signaling URL.
func (s *Session) URL() string { return s.url }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// IsErrored reports whether the session hit a terminal local error.
// Errored sessions reject every operation except Close.
func (s *Session) IsErrored() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.errored
}

// NeedsReconnect reports whether the session wants to survive an engine
// closure.
func (s *Session) NeedsReconnect() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.needsReconnect
}

// SetReconnect flips the desired-reconnect intent. Teardown paths set it
// false before Close so in-flight retry closures see the change and stop.
func (s *Session) SetReconnect(want bool) {
	s.stateMu.Lock()
	s.needsReconnect = want
	s.stateMu.Unlock()
}

// ---- Worker ----

func (s *Session) run() {
	for {
		select {
		case fn := <-s.ops:
			fn()
		case <-s.done:
			return
		}
	}
}

// post schedules fn on the worker; it is dropped once the session is
// disposed.
func (s *Session) post(fn func()) {
	select {
	case <-s.done:
	case s.ops <- fn:
	}
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) emit(ev Event) {
	ev.Role = s.role
	ev.UserID = s.userID
	if s.listener != nil {
		s.listener(ev)
	}
}

// fail reports a terminal local error exactly once and freezes the session.
func (s *Session) fail(code int, msg string) {
	s.stateMu.Lock()
	already := s.errored
	s.errored = true
	s.stateMu.Unlock()
	if already {
		return
	}
	s.setState(StateFailed)
	s.logger.Error().Int("code", code).Msg(msg)
	s.emit(Event{Type: EventError, Code: code, Message: msg})
}

// ---- Lifecycle operations ----

// CreateEngine performs the one-time construction of the native engine.
// Calling it twice is a fatal session error: the process continues, the
// error is reported through the listener, and the session rejects further
// operations.
func (s *Session) CreateEngine() {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		if s.engineCreated {
			s.fail(ErrCodeEngineCreate, "engine factory already created")
			return
		}
		s.engineCreated = true
		eng, err := s.config.EngineFactory(s.onEngineEvent)
		if err != nil {
			s.fail(ErrCodeEngineCreate, "engine construction failed: "+err.Error())
			return
		}
		s.engine = eng
		s.setState(StateFactoryCreated)
	})
}

// Start kicks off the offer cycle: the engine produces an offer, the SDP
// transforms rewrite it, and the result becomes the local description.
// Submission to the signaling endpoint happens when ICE gathering
// completes (or the host+reflexive heuristic fires).
func (s *Session) Start() {
	s.post(s.startLocked)
}

// startLocked runs on the worker. It is shared by Start and the in-place
// reconnect path.
func (s *Session) startLocked() {
	if s.closing || s.IsErrored() || s.engine == nil {
		return
	}
	s.setState(StateConnecting)

	offer, err := s.engine.CreateOffer()
	if err != nil {
		s.fail(ErrCodeLocalOffer, "create offer: "+err.Error())
		return
	}

	sdp := s.transformOffer(offer)
	if err := s.engine.SetLocalDescription(sdp); err != nil {
		s.fail(ErrCodeLocalOffer, "set local description: "+err.Error())
		return
	}
	s.localOffer = sdp
	s.localSet = true
	s.logger.Debug().Msg("local description set; waiting for ICE gathering")
}

// transformOffer applies the codec/bitrate/extension policy to a freshly
// created offer.
func (s *Session) transformOffer(sdp string) string {
	cfg := s.config
	if cfg.PreferredVideoCodec != "" {
		sdp = sdptransform.PreferCodec(sdp, cfg.PreferredVideoCodec, false)
	}
	if cfg.PreferredAudioCodec != "" {
		sdp = sdptransform.PreferCodec(sdp, cfg.PreferredAudioCodec, true)
	}
	if cfg.VideoStartBitrateKbps > 0 && cfg.PreferredVideoCodec != "" {
		sdp = sdptransform.SetStartBitrate(cfg.PreferredVideoCodec, true, sdp, cfg.VideoStartBitrateKbps)
	}
	if cfg.AudioMaxBitrateKbps > 0 && cfg.PreferredAudioCodec != "" {
		sdp = sdptransform.SetStartBitrate(cfg.PreferredAudioCodec, false, sdp, cfg.AudioMaxBitrateKbps)
	}
	return sdptransform.EnsureExtmapAllowMixed(sdp)
}

// Close tears the session down. It cancels pending retries by clearing the
// reconnect intent first, so retry closures observe it and stop.
func (s *Session) Close() {
	s.SetReconnect(false)
	s.post(func() {
		if s.closing {
			return
		}
		s.closing = true
		if s.engine != nil {
			if err := s.engine.Close(); err != nil {
				s.logger.Warn().Err(err).Msg("engine close")
			}
		}
		s.dispose()
	})
}

// dispose runs on the worker: final cleanup and the Closed event.
func (s *Session) dispose() {
	s.stopStats()
	s.engine = nil
	s.pendingCandidates = nil
	s.setState(StateClosed)
	close(s.done)
	s.emit(Event{Type: EventClosed})
	s.logger.Info().Msg("session closed")
}

// ---- Engine event handling ----

// onEngineEvent marshals engine callbacks onto the worker so session
// fields are never mutated concurrently.
func (s *Session) onEngineEvent(ev EngineEvent) {
	s.post(func() { s.handleEngineEvent(ev) })
}

func (s *Session) handleEngineEvent(ev EngineEvent) {
	if s.closing {
		return
	}
	switch ev.Type {
	case EngineEventICECandidate:
		switch ev.Candidate.Typ() {
		case "host":
			s.hostSeen = true
		case "srflx", "relay":
			s.reflexiveSeen = true
		}
		// Heuristic: a host plus a reflexive or relayed candidate is
		// enough to produce a usable offer without waiting out gathering.
		if s.hostSeen && s.reflexiveSeen {
			s.trySubmitOffer()
		}
	case EngineEventGatheringComplete:
		s.trySubmitOffer()
	case EngineEventStateChange:
		s.handleStateChange(ev.State)
	}
}

func (s *Session) handleStateChange(st EngineState) {
	switch st {
	case EngineStateConnected:
		s.hostSeen = false
		s.reflexiveSeen = false
		s.applyIntents()
		s.startStats()
		s.setState(StateConnected)
		s.emit(Event{Type: EventConnected})
	case EngineStateDisconnected:
		// Reconnection is the registry's decision, not ours.
		s.setState(StateDisconnected)
		s.emit(Event{Type: EventDisconnected})
	case EngineStateFailed:
		s.stopStats()
		s.fail(ErrCodeEngineFailed, "engine connectivity failed")
	case EngineStateClosed:
		s.handleEngineClosed()
	}
}

// handleEngineClosed recreates the engine and restarts the offer cycle in
// place when reconnection is still desired and the gate allows it.
func (s *Session) handleEngineClosed() {
	if s.closing {
		return
	}
	if !s.NeedsReconnect() {
		s.closing = true
		s.dispose()
		return
	}
	if s.config.ReconnectGate != nil && !s.config.ReconnectGate() {
		s.emit(Event{Type: EventError, Code: ErrCodeReconnectLimit, Message: "reconnect attempt budget exhausted"})
		s.closing = true
		s.dispose()
		return
	}
	s.reconnectInPlace()
}

// reconnectInPlace destroys the old engine handle and constructs a fresh
// one on the same session object, preserving external identity and the
// desired-state intents.
func (s *Session) reconnectInPlace() {
	s.setState(StateReconnecting)
	s.emit(Event{Type: EventReconnecting})
	s.stopStats()

	s.localSet = false
	s.remoteSet = false
	s.submitted = false
	s.hostSeen = false
	s.reflexiveSeen = false
	s.pendingCandidates = nil
	s.localOffer = ""
	s.engine = nil
	// Invalidate every submission and retry closure still in flight for
	// the previous engine; their results must never reach the new one.
	s.attempt++

	eng, err := s.config.EngineFactory(s.onEngineEvent)
	if err != nil {
		s.fail(ErrCodeEngineCreate, "engine reconstruction failed: "+err.Error())
		return
	}
	s.engine = eng
	s.logger.Info().Msg("engine recreated; restarting offer cycle")
	s.startLocked()
}

// ---- Offer submission ----

// trySubmitOffer submits the finished local offer exactly once per call
// attempt.
func (s *Session) trySubmitOffer() {
	if s.submitted || !s.localSet {
		return
	}
	s.submitted = true
	s.submitOffer(s.localOffer)
}

// submitOffer POSTs the offer off-worker and marshals the completion back.
// The attempt generation is captured on the worker; an in-place reconnect
// bumps it, orphaning the result.
func (s *Session) submitOffer(offer string) {
	gen := s.attempt
	go func() {
		answer, err := s.core.SubmitOffer(context.Background(), s.url, offer)
		s.post(func() { s.handleSubmitResult(gen, offer, answer, err) })
	}()
}

func (s *Session) handleSubmitResult(gen int, offer, answer string, err error) {
	if s.closing || s.IsErrored() || gen != s.attempt {
		return
	}
	if err == nil {
		if rerr := s.engine.SetRemoteDescription(answer); rerr != nil {
			s.fail(ErrCodeRemoteAnswer, "set remote description: "+rerr.Error())
			return
		}
		s.remoteSet = true
		s.drainCandidates()
		return
	}

	if roomlivesdk.IsStalePublish(err) && s.role == RolePublish && s.unpublishURL != "" {
		// The server still holds our previous publish slot. Delete it and
		// only then retry the same offer; completion of the delete is the
		// gate, not its outcome.
		s.logger.Warn().Str("unpublish", s.unpublishURL).Msg("stale publish slot; deleting before retry")
		unpublishURL := s.unpublishURL
		go func() {
			if derr := s.core.DeletePublish(context.Background(), unpublishURL); derr != nil {
				s.logger.Warn().Err(derr).Msg("unpublish delete failed; retrying offer anyway")
			}
			s.post(func() {
				if !s.closing && !s.IsErrored() && s.NeedsReconnect() && gen == s.attempt {
					s.submitOffer(offer)
				}
			})
		}()
		return
	}

	// Transient failure: retry the same submission after a fixed backoff
	// for as long as the session is desired.
	s.logger.Warn().Err(err).Dur("backoff", s.config.RetryBackoff).Msg("offer submission failed; will retry")
	time.AfterFunc(s.config.RetryBackoff, func() {
		s.post(func() {
			if !s.closing && !s.IsErrored() && s.NeedsReconnect() && gen == s.attempt {
				s.submitOffer(offer)
			}
		})
	})
}

// ---- Remote candidates ----

// AddRemoteCandidate buffers a remote ICE candidate until both
// descriptions are set, then applies buffered candidates in arrival order.
func (s *Session) AddRemoteCandidate(c Candidate) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		if s.localSet && s.remoteSet {
			if err := s.engine.AddICECandidate(c); err != nil {
				s.logger.Warn().Err(err).Msg("add ICE candidate")
			}
			return
		}
		s.pendingCandidates = append(s.pendingCandidates, c)
	})
}

// drainCandidates runs on the worker once both descriptions are in place.
// Buffered candidates apply exactly once, in arrival order.
func (s *Session) drainCandidates() {
	for _, c := range s.pendingCandidates {
		if err := s.engine.AddICECandidate(c); err != nil {
			s.logger.Warn().Err(err).Msg("drain ICE candidate")
		}
	}
	s.pendingCandidates = nil
}

// ---- Intents ----

// applyIntents pushes the desired mute/volume/render state into a freshly
// connected engine.
func (s *Session) applyIntents() {
	s.engine.SetAudioEnabled(!s.audioMuted)
	s.engine.SetVideoEnabled(!s.videoMuted)
	s.engine.SetVolume(s.volume)
	if s.renderTarget != nil {
		s.engine.SetRenderTarget(s.renderTarget)
	}
}

// SetAudioMuted toggles audio transmission (publish) or playout (pull).
func (s *Session) SetAudioMuted(muted bool) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		s.audioMuted = muted
		if s.engine != nil {
			s.engine.SetAudioEnabled(!muted)
		}
	})
}

// SetVideoMuted toggles video transmission (publish) or rendering (pull).
func (s *Session) SetVideoMuted(muted bool) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		s.videoMuted = muted
		if s.engine != nil {
			s.engine.SetVideoEnabled(!muted)
		}
	})
}

// SetVolume adjusts remote audio playout volume, 0-100.
func (s *Session) SetVolume(volume int) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		s.volume = volume
		if s.engine != nil {
			s.engine.SetVolume(volume)
		}
	})
}

// SetRenderTarget attaches or detaches (nil) the media sink. Local track
// creation is lazy: the engine only starts a capturer once a target
// exists. Detaching leaves transmission governed solely by mute state.
func (s *Session) SetRenderTarget(target RenderTarget, params RenderParams) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		s.renderTarget = target
		s.renderParams = params
		if s.engine != nil {
			s.engine.SetRenderTarget(target)
		}
	})
}

// SwitchCaptureSource swaps the local video frame source between camera
// and screen capture without renegotiation.
func (s *Session) SwitchCaptureSource(source CaptureSource) {
	s.post(func() {
		if s.closing || s.IsErrored() {
			return
		}
		s.captureSource = source
		if s.engine != nil {
			if err := s.engine.SwitchCaptureSource(source); err != nil {
				s.logger.Warn().Err(err).Msg("switch capture source")
			}
		}
	})
}

// SetUnpublishURL remembers the server-provided teardown URL used to clear
// a stale publish slot on 502.
func (s *Session) SetUnpublishURL(url string) {
	s.post(func() {
		s.unpublishURL = url
	})
}

// ---- Stats ----

func (s *Session) startStats() {
	if s.config.StatsInterval <= 0 || s.statsStop != nil {
		return
	}
	stop := make(chan struct{})
	s.statsStop = stop
	go func() {
		ticker := time.NewTicker(s.config.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.post(func() {
					if s.closing || s.engine == nil {
						return
					}
					s.emit(Event{Type: EventStats, Stats: s.engine.Stats()})
				})
			}
		}
	}()
}

func (s *Session) stopStats() {
	if s.statsStop != nil {
		close(s.statsStop)
		s.statsStop = nil
	}
}
