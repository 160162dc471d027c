package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabra/callmesh/internal/signaling"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedServer runs handle for every accepted signaling connection.
func scriptedServer(t *testing.T, handle func(conn *websocket.Conn, n int)) *httptest.Server {
	t.Helper()

	var conns atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/rooms/") {
			http.NotFound(w, r)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, int(conns.Add(1)))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestChannel(t *testing.T, ts *httptest.Server, mutate func(*Config)) *Channel {
	t.Helper()

	cfg := Config{
		BaseURL:        "ws" + strings.TrimPrefix(ts.URL, "http"),
		RoomID:         "r1",
		ParticipantID:  "alice",
		DisplayName:    "Alice",
		Logger:         quietLogger(),
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		MaxRetries:     3,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func sendRoomInfo(t *testing.T, conn *websocket.Conn, selfID string) {
	t.Helper()
	data, err := (signaling.Envelope{Type: signaling.MessageTypeRoomInfo, RoomID: "r1", SelfID: selfID}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatalf("events closed early: %v", ch.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestConnectDeliversEvents(t *testing.T) {
	ts := scriptedServer(t, func(conn *websocket.Conn, n int) {
		sendRoomInfo(t, conn, "alice")
		// Hold the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(t, ts, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := nextEvent(t, ch)
	if ev.Type != signaling.MessageTypeRoomInfo || ev.SelfID != "alice" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Generation != 1 {
		t.Fatalf("generation = %d, want 1", ev.Generation)
	}
}

func TestReconnectBumpsGeneration(t *testing.T) {
	ts := scriptedServer(t, func(conn *websocket.Conn, n int) {
		sendRoomInfo(t, conn, "alice")
		if n == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(t, ts, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := nextEvent(t, ch)
	second := nextEvent(t, ch)
	if first.Generation != 1 || second.Generation != 2 {
		t.Fatalf("generations = %d, %d, want 1, 2", first.Generation, second.Generation)
	}
	if ch.Generation() != 2 {
		t.Fatalf("Generation() = %d, want 2", ch.Generation())
	}
}

func TestRetryCeilingIsTerminal(t *testing.T) {
	ts := scriptedServer(t, func(conn *websocket.Conn, n int) {
		sendRoomInfo(t, conn, "alice")
	})

	ch := newTestChannel(t, ts, func(cfg *Config) {
		cfg.MaxRetries = 2
	})
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = nextEvent(t, ch)

	// Every future dial must fail.
	ts.Close()

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for channel termination")
	}
	if !errors.Is(ch.Err(), ErrRetriesExhausted) {
		t.Fatalf("Err() = %v, want ErrRetriesExhausted", ch.Err())
	}
}

func TestSendReachesServer(t *testing.T) {
	received := make(chan signaling.Envelope, 1)
	ts := scriptedServer(t, func(conn *websocket.Conn, n int) {
		sendRoomInfo(t, conn, "alice")
		for {
			var env signaling.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			select {
			case received <- env:
			default:
			}
		}
	})

	ch := newTestChannel(t, ts, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = nextEvent(t, ch)

	if err := ch.Send(signaling.Envelope{Type: signaling.MessageTypePing}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case env := <-received:
		if env.Type != signaling.MessageTypePing {
			t.Fatalf("server got %+v", env)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the message")
	}
}

func TestCloseIsClean(t *testing.T) {
	ts := scriptedServer(t, func(conn *websocket.Conn, n int) {
		sendRoomInfo(t, conn, "alice")
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ch := newTestChannel(t, ts, nil)
	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	_ = nextEvent(t, ch)

	ch.Close()
	select {
	case <-ch.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	if err := ch.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil after clean close", err)
	}
	if err := ch.Send(signaling.Envelope{Type: signaling.MessageTypePing}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after close = %v, want ErrClosed", err)
	}
}

func TestConnectFailsFast(t *testing.T) {
	ch, err := New(Config{
		BaseURL:       "ws://127.0.0.1:1", // nothing listens here
		RoomID:        "r1",
		ParticipantID: "alice",
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ch.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded against a dead address")
	}
}
