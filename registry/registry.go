/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package registry tracks the set of live connection sessions for one
// room: at most one publish session for the local user and one pull
// session per remote user. It owns the reconnect attempt budget shared by
// all of them and remembers per-user intents so they survive session
// replacement.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roomlive/roomlive-go-sdk/roomlivesdk"
	"github.com/roomlive/roomlive-go-sdk/session"
)

// Config holds the configuration for a session registry
type Config struct {
	// Core performs the per-session HTTP exchanges.
	Core *roomlivesdk.Client
	// Session is the template configuration cloned into every session.
	Session *session.Config
	// EngineFactory produces the engine constructor for a given role and
	// remote user. Required.
	EngineFactory func(role session.Role, userID string) session.EngineFactory
	// MaxReconnects bounds in-place engine reconnects across ALL sessions
	// in the room; exceeding it surfaces a terminal error instead of
	// looping.
	MaxReconnects int
	// Logger for registry operations.
	Logger zerolog.Logger
}

// DefaultConfig returns the default configuration for a registry
func DefaultConfig() *Config {
	return &Config{
		MaxReconnects: 5,
		Logger:        zerolog.Nop(),
	}
}

// intents is the desired per-session state kept outside the session so it
// survives replace-on-restart.
type intents struct {
	audioMuted bool
	videoMuted bool
	volume     int
	target     session.RenderTarget
	params     session.RenderParams
}

func newIntents() *intents {
	return &intents{volume: 100}
}

// Registry coordinates the room's sessions. All map mutations run on one
// run-loop goroutine; session callbacks are marshaled onto it before they
// touch registry state. Callers may invoke registry operations from any
// goroutine.
type Registry struct {
	config   *Config
	listener session.Listener
	logger   zerolog.Logger

	ops  chan func()
	done chan struct{}

	// Run-loop confined.
	publish        *session.Session
	pulls          map[string]*session.Session
	publishIntents *intents
	pullIntents    map[string]*intents
	closed         bool

	// budgetMu guards the reconnect budget, which sessions consume from
	// their own workers.
	budgetMu       sync.Mutex
	reconnectsUsed int
}

// New creates a registry. Session events, including those from sessions
// created later, are forwarded to the listener.
func New(config *Config, listener session.Listener) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = DefaultConfig().MaxReconnects
	}
	r := &Registry{
		config:         config,
		listener:       listener,
		logger:         config.Logger.With().Str("component", "registry").Logger(),
		ops:            make(chan func(), 64),
		done:           make(chan struct{}),
		pulls:          make(map[string]*session.Session),
		publishIntents: newIntents(),
		pullIntents:    make(map[string]*intents),
	}
	go r.run()
	return r
}

func (r *Registry) run() {
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.done:
			return
		}
	}
}

func (r *Registry) post(fn func()) {
	select {
	case <-r.done:
	case r.ops <- fn:
	}
}

// allowReconnect consumes one unit of the shared reconnect budget. Called
// from session workers.
func (r *Registry) allowReconnect() bool {
	r.budgetMu.Lock()
	defer r.budgetMu.Unlock()
	if r.reconnectsUsed >= r.config.MaxReconnects {
		return false
	}
	r.reconnectsUsed++
	return true
}

// newSession builds a session from the template config with the shared
// reconnect gate and the role-specific engine factory installed.
func (r *Registry) newSession(role session.Role, userID, url string) *session.Session {
	var cfg session.Config
	if r.config.Session != nil {
		cfg = *r.config.Session
	} else {
		cfg = *session.DefaultConfig()
	}
	cfg.EngineFactory = r.config.EngineFactory(role, userID)
	cfg.ReconnectGate = r.allowReconnect
	return session.New(role, userID, url, r.config.Core, &cfg, r.onSessionEvent)
}

// onSessionEvent runs on a session worker: forward to the owner, and
// marshal bookkeeping onto the run loop.
func (r *Registry) onSessionEvent(ev session.Event) {
	if ev.Type == session.EventClosed {
		r.post(func() { r.dropClosed(ev) })
	}
	if r.listener != nil {
		r.listener(ev)
	}
}

// dropClosed forgets a session that closed on its own (budget exhaustion
// or an undesired engine closure). Intents are kept so a replacement
// session starts from the same desired state.
func (r *Registry) dropClosed(ev session.Event) {
	if r.closed {
		return
	}
	if ev.Role == session.RolePublish {
		if r.publish != nil && r.publish.State() == session.StateClosed {
			r.publish = nil
		}
		return
	}
	if s, ok := r.pulls[ev.UserID]; ok && s.State() == session.StateClosed {
		delete(r.pulls, ev.UserID)
	}
}

// ---- Publish session ----

// StartPublish creates and starts the publish session. Calling it while a
// live publish session exists is a no-op, so duplicated room-entry
// acknowledgements are harmless.
func (r *Registry) StartPublish(url string) {
	r.post(func() {
		if r.closed {
			return
		}
		if r.publish != nil {
			if r.publish.State() != session.StateClosed && !r.publish.IsErrored() {
				r.logger.Debug().Msg("publish session already live; ignoring")
				return
			}
			// A dead publish session still owns its engine and worker;
			// release them before installing the replacement.
			r.logger.Info().Msg("replacing dead publish session")
			r.publish.Close()
		}
		r.logger.Info().Str("url", url).Msg("starting publish session")
		s := r.newSession(session.RolePublish, "", url)
		r.publish = s
		r.applyIntents(s, r.publishIntents)
		s.CreateEngine()
		s.Start()
	})
}

// StopPublish tears down the publish session if one exists.
func (r *Registry) StopPublish() {
	r.post(func() {
		if r.publish != nil {
			r.publish.Close()
			r.publish = nil
		}
	})
}

// SetUnpublishURL hands the server-assigned teardown URL to the publish
// session for stale-slot recovery.
func (r *Registry) SetUnpublishURL(url string) {
	r.post(func() {
		if r.publish != nil {
			r.publish.SetUnpublishURL(url)
		}
	})
}

// ---- Pull sessions ----

// StartPull creates and starts a pull session for the given remote user.
// An existing session for that user is closed and replaced with a fresh
// one; remembered intents are re-applied to the replacement, so a user's
// mute or volume choices survive the swap.
func (r *Registry) StartPull(userID, url string) {
	r.post(func() {
		if r.closed {
			return
		}
		if old, ok := r.pulls[userID]; ok {
			r.logger.Info().Str("user", userID).Msg("replacing pull session")
			old.Close()
		}
		s := r.newSession(session.RolePull, userID, url)
		r.pulls[userID] = s
		r.applyIntents(s, r.intentsFor(userID))
		s.CreateEngine()
		s.Start()
	})
}

// StopPull tears down the pull session for a remote user, keeping the
// remembered intents in case the user returns.
func (r *Registry) StopPull(userID string) {
	r.post(func() {
		if s, ok := r.pulls[userID]; ok {
			s.Close()
			delete(r.pulls, userID)
		}
	})
}

func (r *Registry) intentsFor(userID string) *intents {
	in, ok := r.pullIntents[userID]
	if !ok {
		in = newIntents()
		r.pullIntents[userID] = in
	}
	return in
}

func (r *Registry) applyIntents(s *session.Session, in *intents) {
	s.SetAudioMuted(in.audioMuted)
	s.SetVideoMuted(in.videoMuted)
	s.SetVolume(in.volume)
	if in.target != nil {
		s.SetRenderTarget(in.target, in.params)
	}
}

// ---- Intents ----

// SetPublishAudioMuted records the local audio mute intent and applies it
// to the live publish session if any. Intents set before the session
// exists apply when it starts.
func (r *Registry) SetPublishAudioMuted(muted bool) {
	r.post(func() {
		r.publishIntents.audioMuted = muted
		if r.publish != nil {
			r.publish.SetAudioMuted(muted)
		}
	})
}

// SetPublishVideoMuted records the local video mute intent.
func (r *Registry) SetPublishVideoMuted(muted bool) {
	r.post(func() {
		r.publishIntents.videoMuted = muted
		if r.publish != nil {
			r.publish.SetVideoMuted(muted)
		}
	})
}

// SetPublishRenderTarget attaches the local preview sink.
func (r *Registry) SetPublishRenderTarget(target session.RenderTarget, params session.RenderParams) {
	r.post(func() {
		r.publishIntents.target = target
		r.publishIntents.params = params
		if r.publish != nil {
			r.publish.SetRenderTarget(target, params)
		}
	})
}

// SwitchCaptureSource changes the local video frame source.
func (r *Registry) SwitchCaptureSource(source session.CaptureSource) {
	r.post(func() {
		if r.publish != nil {
			r.publish.SwitchCaptureSource(source)
		}
	})
}

// SetPullAudioMuted records a remote user's playout mute intent. It may be
// called before that user's session exists.
func (r *Registry) SetPullAudioMuted(userID string, muted bool) {
	r.post(func() {
		r.intentsFor(userID).audioMuted = muted
		if s, ok := r.pulls[userID]; ok {
			s.SetAudioMuted(muted)
		}
	})
}

// SetPullVideoMuted records a remote user's render mute intent.
func (r *Registry) SetPullVideoMuted(userID string, muted bool) {
	r.post(func() {
		r.intentsFor(userID).videoMuted = muted
		if s, ok := r.pulls[userID]; ok {
			s.SetVideoMuted(muted)
		}
	})
}

// SetPullVolume records a remote user's playout volume, 0-100.
func (r *Registry) SetPullVolume(userID string, volume int) {
	r.post(func() {
		r.intentsFor(userID).volume = volume
		if s, ok := r.pulls[userID]; ok {
			s.SetVolume(volume)
		}
	})
}

// SetPullRenderTarget attaches a remote user's media sink; it may be set
// before the session exists so rendering starts as soon as media flows.
func (r *Registry) SetPullRenderTarget(userID string, target session.RenderTarget, params session.RenderParams) {
	r.post(func() {
		in := r.intentsFor(userID)
		in.target = target
		in.params = params
		if s, ok := r.pulls[userID]; ok {
			s.SetRenderTarget(target, params)
		}
	})
}

// ---- Queries ----

// PullUserIDs returns the remote users with a live pull session.
func (r *Registry) PullUserIDs() []string {
	out := make(chan []string, 1)
	r.post(func() {
		ids := make([]string, 0, len(r.pulls))
		for id := range r.pulls {
			ids = append(ids, id)
		}
		out <- ids
	})
	select {
	case <-r.done:
		return nil
	case ids := <-out:
		return ids
	}
}

// HasPublish reports whether a publish session currently exists.
func (r *Registry) HasPublish() bool {
	out := make(chan bool, 1)
	r.post(func() { out <- r.publish != nil })
	select {
	case <-r.done:
		return false
	case v := <-out:
		return v
	}
}

// ---- Teardown ----

// StopSessions tears down every session but keeps the registry running,
// so a later room entry starts from a clean slate. The publish session
// goes first so the server releases the local slot before the pulls
// detach. Per-user intents are kept.
func (r *Registry) StopSessions() {
	r.post(r.stopSessions)
}

func (r *Registry) stopSessions() {
	if r.publish != nil {
		p := r.publish
		p.Close()
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
			r.logger.Warn().Msg("publish session did not close in time")
		}
		r.publish = nil
	}
	for id, s := range r.pulls {
		s.Close()
		delete(r.pulls, id)
	}
}

// StopAll tears down every session and stops the registry for good.
func (r *Registry) StopAll() {
	r.post(func() {
		if r.closed {
			return
		}
		r.closed = true
		r.stopSessions()
		close(r.done)
		r.logger.Info().Msg("registry stopped")
	})
}
