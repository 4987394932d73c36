package transport

import (
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/voicedesk/messages"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOptions() Options {
	return Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func waitForState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return ch.State() == want }, 2*time.Second, 5*time.Millisecond,
		"channel never reached %s", want)
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		30000 * time.Millisecond,
		30000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, Backoff(attempt, time.Second, 30*time.Second), "attempt %d", attempt)
	}
	assert.Equal(t, 30*time.Second, Backoff(100, time.Second, 30*time.Second))
	assert.Equal(t, time.Second, Backoff(-1, time.Second, 30*time.Second))
}

func TestBackoffLargeBaseDoesNotWrap(t *testing.T) {
	base := time.Duration(5) << 40
	maxDelay := time.Duration(math.MaxInt64)

	// 5<<62 wraps to a positive 1<<62 when multiplied naively
	assert.Equal(t, maxDelay, Backoff(22, base, maxDelay))
	assert.Equal(t, maxDelay, Backoff(23, base, maxDelay))
	assert.Equal(t, base<<10, Backoff(10, base, maxDelay))
	assert.Equal(t, time.Nanosecond, Backoff(0, time.Hour, time.Nanosecond))
}

func TestURLWithParams(t *testing.T) {
	u, err := URLWithParams("ws://localhost:8000/ws", "alice", true)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws?mode=text&user_id=alice", u)

	u, err = URLWithParams("ws://localhost:8000/ws?mode=text", "", false)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws", u)
}

func TestChannelDropsMalformedAndKeepsOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"state","state":"listening"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent_text","text":"a","is_final":false}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"agent_text","text":"b","is_final":true}`))
		// Hold the connection until the client leaves
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	defer ch.Close()

	got := make(chan messages.Envelope, 10)
	ch.OnMessage(func(env messages.Envelope) { got <- env })
	ch.Connect()

	var envs []messages.Envelope
	for len(envs) < 3 {
		select {
		case env := <-got:
			envs = append(envs, env)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d envelopes, want 3", len(envs))
		}
	}

	assert.Equal(t, messages.PhaseListening, envs[0].(*messages.StateMessage).State)
	assert.Equal(t, "a", envs[1].(*messages.AgentTextMessage).Text)
	assert.Equal(t, "b", envs[2].(*messages.AgentTextMessage).Text)
}

func TestChannelSendReachesServer(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err == nil {
			received <- string(data)
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	defer ch.Close()
	ch.Connect()
	waitForState(t, ch, StateOpen)

	ch.Send(messages.NewTextMessage("hello"))

	select {
	case data := <-received:
		assert.JSONEq(t, `{"type":"text","content":"hello"}`, data)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the envelope")
	}
}

func TestChannelSendWhileClosedIsDropped(t *testing.T) {
	ch := New("ws://127.0.0.1:1/ws", fastOptions(), zerolog.Nop())
	assert.NotPanics(t, func() { ch.Send(messages.NewTextMessage("nobody home")) })
	assert.False(t, ch.IsConnected())
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannelReconnectsAfterServerClose(t *testing.T) {
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// Drop the first connection without a close handshake
			conn.Close()
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []State
	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	defer ch.Close()
	ch.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})
	ch.Connect()

	require.Eventually(t, func() bool { return connections.Load() >= 2 && ch.IsConnected() },
		2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	opens := 0
	for _, s := range states {
		if s == StateOpen {
			opens++
		}
	}
	assert.GreaterOrEqual(t, opens, 2)
}

func TestChannelRetriesFailedDials(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	defer ch.Close()
	ch.Connect()

	waitForState(t, ch, StateOpen)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestChannelDisconnectIsIdempotentAndFinal(t *testing.T) {
	var connections atomic.Int32
	closed := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connections.Add(1)
		defer conn.Close()
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closed <- ce.Code
		}
	}))
	defer srv.Close()

	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	ch.Connect()
	waitForState(t, ch, StateOpen)

	// Connect while open is a no-op
	ch.Connect()

	ch.Disconnect()
	ch.Disconnect()
	assert.Equal(t, StateDisconnected, ch.State())

	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw a close frame")
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), connections.Load(), "no reconnect after intentional disconnect")
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestChannelUnsubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			// Answer every client message with a state envelope
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"state","state":"idle"}`))
		}
	}))
	defer srv.Close()

	ch := New(wsURL(srv), fastOptions(), zerolog.Nop())
	defer ch.Close()

	var first, second atomic.Int32
	unsubscribe := ch.OnMessage(func(messages.Envelope) { first.Add(1) })
	ch.OnMessage(func(messages.Envelope) { second.Add(1) })
	ch.Connect()
	waitForState(t, ch, StateOpen)

	ch.Send(messages.NewControlMessage(messages.ActionStartSession))
	require.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), first.Load())

	unsubscribe()
	ch.Send(messages.NewControlMessage(messages.ActionStartSession))
	require.Eventually(t, func() bool { return second.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), first.Load())
}
