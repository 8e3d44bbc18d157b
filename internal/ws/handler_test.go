package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/playmatatu/arbiter/internal/events"
	"github.com/playmatatu/arbiter/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeController struct {
	mu           sync.Mutex
	inputs       []string
	disconnected chan string
	rooms        []string
	resumed      string
	reconnectErr error
}

func (f *fakeController) ApplyInput(_ context.Context, userID, _ string, input json.RawMessage) error {
	if string(input) == `"bad"` {
		return errors.New("rejected input")
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, userID+":"+string(input))
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Disconnect(_ context.Context, userID, matchID string) error {
	f.mu.Lock()
	f.rooms = append(f.rooms, matchID)
	f.mu.Unlock()
	f.disconnected <- userID
	return nil
}

func (f *fakeController) Reconnect(context.Context, string) (string, error) {
	return f.resumed, f.reconnectErr
}

func client(userID, matchID string) *Client {
	return &Client{userID: userID, matchID: matchID, send: make(chan []byte, 1)}
}

func TestDeliverRoomAndUser(t *testing.T) {
	h := NewHub(&fakeController{}, zaptest.NewLogger(t).Sugar())
	alice, bob, carol := client("alice", "m1"), client("bob", "m1"), client("carol", "m2")
	h.register(alice)
	h.register(bob)
	h.register(carol)
	assert.Equal(t, 2, h.RoomSize("m1"))

	// Room members get it once even when also addressed.
	assert.Equal(t, 2, h.deliver("m1", "alice", []byte("x")))
	<-alice.send
	<-bob.send

	// A user outside the room is reached directly.
	assert.Equal(t, 1, h.deliver("", "carol", []byte("y")))
	assert.Equal(t, "y", string(<-carol.send))

	// Full buffers drop rather than block.
	h.deliver("m2", "", []byte("1"))
	assert.Equal(t, 0, h.deliver("m2", "", []byte("2")))
}

func TestRegisterReplacesOlderConnection(t *testing.T) {
	h := NewHub(&fakeController{}, zaptest.NewLogger(t).Sugar())
	old, fresh := client("alice", "m1"), client("alice", "m1")
	h.register(old)
	h.register(fresh)

	_, open := <-old.send
	assert.False(t, open, "replaced connection is closed")
	assert.False(t, h.unregister(old), "a replaced connection is not a disconnect")
	assert.Equal(t, 1, h.RoomSize("m1"))

	assert.True(t, h.unregister(fresh))
	assert.Zero(t, h.RoomSize("m1"))
}

func TestDispatchEncodesEvent(t *testing.T) {
	h := NewHub(&fakeController{}, zaptest.NewLogger(t).Sugar())
	c := client("alice", "m1")
	h.register(c)

	bus := events.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Start(ctx, bus))
	require.NoError(t, bus.Publish(ctx, events.Event{Type: events.TypeSettled, MatchID: "m1"}))

	var ev events.Event
	require.NoError(t, json.Unmarshal(<-c.send, &ev))
	assert.Equal(t, events.TypeSettled, ev.Type)
	assert.Equal(t, "m1", ev.MatchID)
}

func TestServe(t *testing.T) {
	ctl := &fakeController{disconnected: make(chan string, 1), reconnectErr: models.ErrGraceExpired}
	// The read and write pumps outlive the test body.
	h := NewHub(ctl, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, r.URL.Query().Get("user"), "m1")
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"?user=alice", nil)
	require.NoError(t, err)

	read := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var msg map[string]any
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	msg := read()
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, models.ErrGraceExpired.Error(), msg["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, "invalid message", read()["message"])

	require.NoError(t, conn.WriteJSON(Message{Type: "input", Data: json.RawMessage(`"bad"`)}))
	assert.Equal(t, "rejected input", read()["message"])

	require.NoError(t, conn.WriteJSON(Message{Type: "input", Data: json.RawMessage(`{"action":"score"}`)}))
	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	assert.Equal(t, "pong", read()["type"])

	ctl.mu.Lock()
	assert.Equal(t, []string{`alice:{"action":"score"}`}, ctl.inputs)
	ctl.mu.Unlock()

	require.NoError(t, conn.Close())
	select {
	case who := <-ctl.disconnected:
		assert.Equal(t, "alice", who)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func serveAs(t *testing.T, h *Hub, userID, matchID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, userID, matchID)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServeClosesReconnectToOtherMatch(t *testing.T) {
	ctl := &fakeController{disconnected: make(chan string, 1), resumed: "m2"}
	h := NewHub(ctl, zap.NewNop().Sugar())
	conn := serveAs(t, h, "alice", "m1")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)

	select {
	case who := <-ctl.disconnected:
		assert.Equal(t, "alice", who)
	case <-time.After(5 * time.Second):
		t.Fatal("resumed match not told about the rejected socket")
	}
	ctl.mu.Lock()
	assert.Equal(t, []string{"m2"}, ctl.rooms)
	ctl.mu.Unlock()
	assert.Zero(t, h.RoomSize("m1"))
}

func TestServeReportsHeartbeats(t *testing.T) {
	ctl := &fakeController{disconnected: make(chan string, 1), resumed: "m1"}
	h := NewHub(ctl, zap.NewNop().Sugar())
	beats := make(chan time.Duration, 4)
	h.OnHeartbeat(func(userID string, rtt time.Duration) {
		if userID == "alice" {
			beats <- rtt
		}
	})
	conn := serveAs(t, h, "alice", "m1")

	require.NoError(t, conn.WriteJSON(Message{Type: "ping", Data: json.RawMessage(`{"rtt_ms":120}`)}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg["type"])

	select {
	case rtt := <-beats:
		assert.Equal(t, 120*time.Millisecond, rtt)
	case <-time.After(5 * time.Second):
		t.Fatal("heartbeat not reported")
	}

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Empty(t, beats, "a bare ping carries no round trip")
}
