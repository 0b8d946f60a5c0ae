/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/roomlive/roomlive-go-sdk/roomlivesdk"
)

const fakeOffer = "v=0\r\no=- 42 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
const fakeAnswer = "v=0\r\no=- 43 2 IN IP4 10.0.0.1\r\ns=-\r\nt=0 0\r\n"

// fakeEngine is a scriptable Engine. Tests drive lifecycle transitions by
// calling emit directly.
type fakeEngine struct {
	emit func(EngineEvent)

	mu          sync.Mutex
	localSDP    string
	remoteSDP   string
	added       []Candidate
	audioStates []bool
	videoStates []bool
	volumes     []int
	closeCalls  int

	offerErr  error
	remoteErr error

	remoteCh chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{remoteCh: make(chan string, 4)}
}

func (f *fakeEngine) CreateOffer() (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return fakeOffer, nil
}

func (f *fakeEngine) SetLocalDescription(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localSDP = sdp
	return nil
}

func (f *fakeEngine) SetRemoteDescription(sdp string) error {
	if f.remoteErr != nil {
		return f.remoteErr
	}
	f.mu.Lock()
	f.remoteSDP = sdp
	f.mu.Unlock()
	f.remoteCh <- sdp
	return nil
}

func (f *fakeEngine) AddICECandidate(c Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, c)
	return nil
}

func (f *fakeEngine) SetAudioEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audioStates = append(f.audioStates, enabled)
}

func (f *fakeEngine) SetVideoEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videoStates = append(f.videoStates, enabled)
}

func (f *fakeEngine) SetVolume(volume int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, volume)
}

func (f *fakeEngine) SetRenderTarget(target RenderTarget) {}

func (f *fakeEngine) SwitchCaptureSource(source CaptureSource) error { return nil }

func (f *fakeEngine) Stats() EngineStats { return EngineStats{AudioBytesSent: 7} }

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeEngine) addedCandidates() []Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Candidate, len(f.added))
	copy(out, f.added)
	return out
}

// waitReady blocks until the session worker has run the engine factory and
// installed the emit callback, mirroring the registry tests' construction
// wait; without it the first emit races the worker goroutine.
func (f *fakeEngine) waitReady(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ready := f.emit != nil
		f.mu.Unlock()
		if ready {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for engine construction")
}

// eventSink collects session events on a channel.
type eventSink struct {
	ch chan Event
}

func newEventSink() *eventSink {
	return &eventSink{ch: make(chan Event, 32)}
}

func (s *eventSink) listener(ev Event) {
	s.ch <- ev
}

func (s *eventSink) wait(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func waitRemote(t *testing.T, f *fakeEngine) string {
	t.Helper()
	select {
	case sdp := <-f.remoteCh:
		return sdp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for remote description")
		return ""
	}
}

func fastSessionConfig(factory EngineFactory) *Config {
	cfg := DefaultConfig()
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.StatsInterval = 0
	cfg.EngineFactory = factory
	return cfg
}

func singleFactory(f *fakeEngine) EngineFactory {
	return func(emit func(EngineEvent)) (Engine, error) {
		f.mu.Lock()
		f.emit = emit
		f.mu.Unlock()
		return f, nil
	}
}

func newTestCore(t *testing.T) *roomlivesdk.Client {
	t.Helper()
	return roomlivesdk.NewClient(roomlivesdk.DefaultConfig())
}

func TestSessionOfferCycle(t *testing.T) {
	t.Run("offer is transformed, submitted once and answered", func(t *testing.T) {
		var mu sync.Mutex
		var posts []string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			posts = append(posts, string(body))
			mu.Unlock()
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)

		// Gathering completion triggers submission; a second completion
		// event must not resubmit.
		fake.emit(EngineEvent{Type: EngineEventGatheringComplete})
		got := waitRemote(t, fake)
		if got != fakeAnswer {
			t.Errorf("remote description = %q, want %q", got, fakeAnswer)
		}
		fake.emit(EngineEvent{Type: EngineEventGatheringComplete})
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(posts) != 1 {
			t.Fatalf("expected exactly 1 offer submission, got %d", len(posts))
		}
		if posts[0] == fakeOffer {
			t.Error("submitted offer should have been rewritten before submission")
		}
	})

	t.Run("host plus reflexive candidates trigger early submission", func(t *testing.T) {
		posted := make(chan string, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			posted <- string(body)
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)

		fake.emit(EngineEvent{Type: EngineEventICECandidate, Candidate: Candidate{Candidate: "candidate:1 1 udp 2122 192.168.1.2 5000 typ host"}})
		select {
		case <-posted:
			t.Fatal("host candidate alone must not trigger submission")
		case <-time.After(50 * time.Millisecond):
		}
		fake.emit(EngineEvent{Type: EngineEventICECandidate, Candidate: Candidate{Candidate: "candidate:2 1 udp 1685 203.0.113.9 5000 typ srflx raddr 0.0.0.0"}})
		select {
		case <-posted:
		case <-time.After(2 * time.Second):
			t.Fatal("host+srflx pair should have triggered submission")
		}
	})
}

func TestSessionRemoteCandidates(t *testing.T) {
	run := func(t *testing.T, answerFirst bool) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePull, "user-1", srv.URL+"/pull", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)

		c1 := Candidate{SDPMid: "0", Candidate: "candidate:1 1 udp 1 10.0.0.1 1000 typ host"}
		c2 := Candidate{SDPMid: "0", Candidate: "candidate:2 1 udp 1 10.0.0.2 1000 typ host"}
		c3 := Candidate{SDPMid: "1", Candidate: "candidate:3 1 udp 1 10.0.0.3 1000 typ host"}

		if answerFirst {
			fake.emit(EngineEvent{Type: EngineEventGatheringComplete})
			waitRemote(t, fake)
			sess.AddRemoteCandidate(c1)
			sess.AddRemoteCandidate(c2)
			sess.AddRemoteCandidate(c3)
		} else {
			sess.AddRemoteCandidate(c1)
			sess.AddRemoteCandidate(c2)
			sess.AddRemoteCandidate(c3)
			fake.emit(EngineEvent{Type: EngineEventGatheringComplete})
			waitRemote(t, fake)
		}

		var added []Candidate
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			added = fake.addedCandidates()
			if len(added) == 3 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if len(added) != 3 {
			t.Fatalf("expected 3 applied candidates, got %d", len(added))
		}
		for i, want := range []Candidate{c1, c2, c3} {
			if added[i].Candidate != want.Candidate {
				t.Errorf("candidate %d applied out of order: got %q want %q", i, added[i].Candidate, want.Candidate)
			}
		}
	}

	t.Run("candidates buffered until answer arrives", func(t *testing.T) { run(t, false) })
	t.Run("candidates after answer apply immediately", func(t *testing.T) { run(t, true) })
}

func TestSessionStalePublish(t *testing.T) {
	t.Run("502 triggers one delete then re-submission of the same offer", func(t *testing.T) {
		var mu sync.Mutex
		var posts []string
		var deletes []string
		first := true
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if r.Method == http.MethodDelete {
				deletes = append(deletes, r.URL.Path)
				w.WriteHeader(http.StatusOK)
				return
			}
			body, _ := io.ReadAll(r.Body)
			posts = append(posts, string(body))
			if first {
				first = false
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.SetUnpublishURL(srv.URL + "/unpublish/77")
		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)
		fake.emit(EngineEvent{Type: EngineEventGatheringComplete})

		waitRemote(t, fake)

		mu.Lock()
		defer mu.Unlock()
		if len(deletes) != 1 {
			t.Fatalf("expected exactly 1 unpublish delete, got %d", len(deletes))
		}
		if deletes[0] != "/unpublish/77" {
			t.Errorf("delete hit %q, want /unpublish/77", deletes[0])
		}
		if len(posts) != 2 {
			t.Fatalf("expected 2 offer submissions, got %d", len(posts))
		}
		if posts[0] != posts[1] {
			t.Error("retried offer must be byte-identical to the original submission")
		}
	})

	t.Run("transient failure retries after backoff", func(t *testing.T) {
		var mu sync.Mutex
		failures := 2
		var posts int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			posts++
			fail := failures > 0
			if fail {
				failures--
			}
			mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)
		fake.emit(EngineEvent{Type: EngineEventGatheringComplete})

		waitRemote(t, fake)
		mu.Lock()
		defer mu.Unlock()
		if posts != 3 {
			t.Errorf("expected 3 submissions (2 failures + success), got %d", posts)
		}
	})
}

func TestSessionEngineErrors(t *testing.T) {
	t.Run("second CreateEngine is a terminal error", func(t *testing.T) {
		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", "http://unused.invalid", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.CreateEngine()

		ev := sink.wait(t, EventError)
		if ev.Code != ErrCodeEngineCreate {
			t.Errorf("error code = %d, want %d", ev.Code, ErrCodeEngineCreate)
		}
		if !sess.IsErrored() {
			t.Error("session should be errored after double engine creation")
		}
		if sess.State() != StateFailed {
			t.Errorf("state = %s, want %s", sess.State(), StateFailed)
		}
	})

	t.Run("factory failure surfaces as error event", func(t *testing.T) {
		factory := func(emit func(EngineEvent)) (Engine, error) {
			return nil, errors.New("no camera")
		}
		sink := newEventSink()
		sess := New(RolePublish, "", "http://unused.invalid", newTestCore(t), fastSessionConfig(factory), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		ev := sink.wait(t, EventError)
		if ev.Code != ErrCodeEngineCreate {
			t.Errorf("error code = %d, want %d", ev.Code, ErrCodeEngineCreate)
		}
	})

	t.Run("engine failure is terminal", func(t *testing.T) {
		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", "http://unused.invalid", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)
		fake.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateFailed})

		ev := sink.wait(t, EventError)
		if ev.Code != ErrCodeEngineFailed {
			t.Errorf("error code = %d, want %d", ev.Code, ErrCodeEngineFailed)
		}
	})
}

func TestSessionConnectedIntents(t *testing.T) {
	t.Run("mute and volume set before connect apply on connect", func(t *testing.T) {
		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePull, "user-1", "http://unused.invalid", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.SetAudioMuted(true)
		sess.SetVolume(40)
		sess.Start()
		fake.waitReady(t)
		fake.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateConnected})

		sink.wait(t, EventConnected)
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if len(fake.audioStates) == 0 || fake.audioStates[len(fake.audioStates)-1] != false {
			t.Error("audio should be disabled after connect with a pre-set mute intent")
		}
		if len(fake.volumes) == 0 || fake.volumes[len(fake.volumes)-1] != 40 {
			t.Errorf("volume not applied on connect: %v", fake.volumes)
		}
	})
}

func TestSessionReconnect(t *testing.T) {
	t.Run("engine closure with reconnect desired rebuilds in place", func(t *testing.T) {
		var mu sync.Mutex
		var built int
		fakes := []*fakeEngine{newFakeEngine(), newFakeEngine()}
		factory := func(emit func(EngineEvent)) (Engine, error) {
			mu.Lock()
			defer mu.Unlock()
			f := fakes[built]
			built++
			f.mu.Lock()
			f.emit = emit
			f.mu.Unlock()
			return f, nil
		}

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), fastSessionConfig(factory), sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fakes[0].waitReady(t)
		fakes[0].emit(EngineEvent{Type: EngineEventGatheringComplete})
		waitRemote(t, fakes[0])

		fakes[0].emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateClosed})
		sink.wait(t, EventReconnecting)

		// The replacement engine restarts the full offer cycle.
		fakes[1].waitReady(t)
		fakes[1].emit(EngineEvent{Type: EngineEventGatheringComplete})
		waitRemote(t, fakes[1])

		mu.Lock()
		defer mu.Unlock()
		if built != 2 {
			t.Errorf("expected 2 engine constructions, got %d", built)
		}
	})

	t.Run("retry scheduled before reconnect does not reach the new engine", func(t *testing.T) {
		var mu sync.Mutex
		var built int
		var posts int
		fakes := []*fakeEngine{newFakeEngine(), newFakeEngine()}
		factory := func(emit func(EngineEvent)) (Engine, error) {
			mu.Lock()
			defer mu.Unlock()
			f := fakes[built]
			built++
			f.mu.Lock()
			f.emit = emit
			f.mu.Unlock()
			return f, nil
		}

		// The first submission fails so a backoff retry gets scheduled;
		// anything after that would succeed.
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			posts++
			n := posts
			mu.Unlock()
			if n == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(fakeAnswer))
		}))
		defer srv.Close()

		cfg := fastSessionConfig(factory)
		cfg.RetryBackoff = 100 * time.Millisecond
		sink := newEventSink()
		sess := New(RolePublish, "", srv.URL+"/publish", newTestCore(t), cfg, sink.listener)
		defer sess.Close()

		sess.CreateEngine()
		sess.Start()
		fakes[0].waitReady(t)
		fakes[0].emit(EngineEvent{Type: EngineEventGatheringComplete})

		// The engine dies while the retry is pending. The replacement has
		// not finished gathering, so no submission of its own is due yet.
		fakes[0].emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateClosed})
		sink.wait(t, EventReconnecting)
		time.Sleep(300 * time.Millisecond)

		select {
		case sdp := <-fakes[1].remoteCh:
			t.Fatalf("stale retry delivered an answer to the replacement engine: %q", sdp)
		default:
		}
		mu.Lock()
		if posts != 1 {
			t.Fatalf("expected the stale retry to be dropped, got %d submissions", posts)
		}
		mu.Unlock()

		// The replacement's own cycle still completes normally.
		fakes[1].waitReady(t)
		fakes[1].emit(EngineEvent{Type: EngineEventGatheringComplete})
		waitRemote(t, fakes[1])
	})

	t.Run("exhausted gate turns closure into terminal error", func(t *testing.T) {
		fake := newFakeEngine()
		cfg := fastSessionConfig(singleFactory(fake))
		cfg.ReconnectGate = func() bool { return false }
		sink := newEventSink()
		sess := New(RolePublish, "", "http://unused.invalid", newTestCore(t), cfg, sink.listener)

		sess.CreateEngine()
		sess.Start()
		fake.waitReady(t)
		fake.emit(EngineEvent{Type: EngineEventStateChange, State: EngineStateClosed})

		ev := sink.wait(t, EventError)
		if ev.Code != ErrCodeReconnectLimit {
			t.Errorf("error code = %d, want %d", ev.Code, ErrCodeReconnectLimit)
		}
		sink.wait(t, EventClosed)
	})

	t.Run("close disposes without reconnecting", func(t *testing.T) {
		fake := newFakeEngine()
		sink := newEventSink()
		sess := New(RolePublish, "", "http://unused.invalid", newTestCore(t), fastSessionConfig(singleFactory(fake)), sink.listener)

		sess.CreateEngine()
		sess.Start()
		sess.Close()

		sink.wait(t, EventClosed)
		if sess.State() != StateClosed {
			t.Errorf("state = %s, want %s", sess.State(), StateClosed)
		}
		if sess.NeedsReconnect() {
			t.Error("close must clear the reconnect intent")
		}
		fake.mu.Lock()
		defer fake.mu.Unlock()
		if fake.closeCalls != 1 {
			t.Errorf("engine Close called %d times, want 1", fake.closeCalls)
		}
	})
}
