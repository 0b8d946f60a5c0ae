/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 RoomLive Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// testServer is an in-process websocket signaling server. Received text
// frames land on Received in arrival order; Push sends a frame to the most
// recent connection.
type testServer struct {
	*httptest.Server
	Received chan []byte

	mu   sync.Mutex
	conn *websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{Received: make(chan []byte, 32)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conn = conn
		ts.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.Received <- data
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) URL_WS() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) Push(t *testing.T, frame string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		ts.mu.Lock()
		conn := ts.conn
		ts.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				t.Fatalf("push frame: %v", err)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no connection to push to")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (ts *testServer) DropConnection() {
	ts.mu.Lock()
	conn := ts.conn
	ts.conn = nil
	ts.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.MaxReconnects = 2
	return cfg
}

func collectEvents(ch *Channel) (<-chan Event, func()) {
	events := make(chan Event, 64)
	ch.SetListener(func(ev Event) {
		events <- ev
	})
	return events, func() { ch.Destroy() }
}

func waitEvent(t *testing.T, events <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.FlushInterval != 100*time.Millisecond {
		t.Errorf("Expected FlushInterval 100ms, got %v", cfg.FlushInterval)
	}
	if cfg.MaxReconnects != 5 {
		t.Errorf("Expected MaxReconnects 5, got %d", cfg.MaxReconnects)
	}
	if cfg.ReconnectDelay != 2*time.Second {
		t.Errorf("Expected ReconnectDelay 2s, got %v", cfg.ReconnectDelay)
	}
}

func TestQueueFlushesInOrderAfterConnect(t *testing.T) {
	ts := newTestServer(t)
	ch := New(ts.URL_WS(), fastConfig())
	events, cleanup := collectEvents(ch)
	defer cleanup()

	// Queue three commands before the channel is open.
	for _, user := range []string{"u1", "u2", "u3"} {
		if err := ch.Send(NewP2PMessage(user, "hello")); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if got := ch.PendingCount(); got != 3 {
		t.Fatalf("Expected 3 pending commands, got %d", got)
	}

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventOpen)

	for _, want := range []string{"u1", "u2", "u3"} {
		select {
		case data := <-ts.Received:
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				t.Fatalf("server received bad frame: %v", err)
			}
			if cmd.UserID != want {
				t.Errorf("Expected message for %s, got %s", want, cmd.UserID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("server never received message for %s", want)
		}
	}
}

func TestInboundDispatch(t *testing.T) {
	ts := newTestServer(t)
	ch := New(ts.URL_WS(), fastConfig())
	events, cleanup := collectEvents(ch)
	defer cleanup()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventOpen)

	t.Run("recognized command", func(t *testing.T) {
		ts.Push(t, `{"code":1,"signal":"remote_entered","pull_url":"https://sig.example/pull/u9","user_id":"u9"}`)
		ev := waitEvent(t, events, EventCommand)
		if ev.Command.Signal != SignalRemoteEntered {
			t.Errorf("Signal = %s", ev.Command.Signal)
		}
		if ev.Command.PullURL != "https://sig.example/pull/u9" || ev.Command.UserID != "u9" {
			t.Errorf("Command fields not populated: %+v", ev.Command)
		}
	})

	t.Run("error notification", func(t *testing.T) {
		ts.Push(t, `{"code":-3,"signal":"enter_room_ack","message":"room is full"}`)
		ev := waitEvent(t, events, EventServerError)
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "room is full") {
			t.Errorf("Expected server error carrying message, got %v", ev.Err)
		}
	})

	t.Run("malformed frame", func(t *testing.T) {
		ts.Push(t, `{"code":1,"signal"`)
		ev := waitEvent(t, events, EventParseError)
		if ev.Err == nil {
			t.Error("Expected parse error")
		}
	})

	t.Run("unrecognized signal", func(t *testing.T) {
		ts.Push(t, `{"code":1,"signal":"warp_speed"}`)
		ev := waitEvent(t, events, EventParseError)
		if ev.Err == nil || !strings.Contains(ev.Err.Error(), "warp_speed") {
			t.Errorf("Expected unrecognized-signal error, got %v", ev.Err)
		}
	})
}

func TestReconnectAfterDrop(t *testing.T) {
	ts := newTestServer(t)
	ch := New(ts.URL_WS(), fastConfig())
	events, cleanup := collectEvents(ch)
	defer cleanup()

	if err := ch.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, events, EventOpen)

	ts.DropConnection()
	waitEvent(t, events, EventDisconnected)
	waitEvent(t, events, EventOpen)

	// Sends still work over the fresh connection.
	if err := ch.Send(NewRoomMessage("r1", "after reconnect")); err != nil {
		t.Fatalf("Send after reconnect: %v", err)
	}
	select {
	case <-ts.Received:
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered after reconnect")
	}
}

func TestReconnectExhaustion(t *testing.T) {
	// A server that is immediately closed: every dial fails.
	ts := newTestServer(t)
	url := ts.URL_WS()
	ts.Close()

	ch := New(url, fastConfig())
	events, cleanup := collectEvents(ch)
	defer cleanup()

	_ = ch.Connect()

	waitEvent(t, events, EventReconnectFailed)

	// Exactly once: no further terminal events arrive.
	select {
	case ev := <-events:
		if ev.Type == EventReconnectFailed {
			t.Error("EventReconnectFailed delivered more than once")
		}
	case <-time.After(200 * time.Millisecond):
	}

	if ch.State() != StateClosed {
		t.Errorf("Expected Closed state after exhaustion, got %s", ch.State())
	}

	// A late Connect is rejected outright; it must not move the channel
	// back to Connecting with no way forward.
	if err := ch.Connect(); err == nil {
		t.Error("Expected Connect to fail after exhaustion")
	}
	if ch.State() != StateClosed {
		t.Errorf("Expected Closed state after rejected Connect, got %s", ch.State())
	}
}

func TestDestroy(t *testing.T) {
	ts := newTestServer(t)
	ch := New(ts.URL_WS(), fastConfig())
	_, _ = collectEvents(ch)

	if err := ch.Send(NewLogout("u1")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ch.Destroy()

	if ch.State() != StateClosed {
		t.Errorf("Expected Closed state, got %s", ch.State())
	}
	if ch.PendingCount() != 0 {
		t.Error("Expected queue cleared on destroy")
	}
	if err := ch.Send(NewLogout("u1")); err == nil {
		t.Error("Expected Send to fail after destroy")
	}
	if err := ch.Connect(); err == nil {
		t.Error("Expected Connect to fail after destroy")
	}

	// Destroy is idempotent.
	ch.Destroy()
}
