package conn

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reactchat/client/internal/dispatch"
	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/protocol"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newTestServer runs handler for every accepted WebSocket connection and
// returns the ws:// URL.
func newTestServer(t *testing.T, handler func(c *websocket.Conn)) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(c)
	}))
	t.Cleanup(srv.Close)
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// holdOpen keeps the server side reading until the peer goes away.
func holdOpen(c *websocket.Conn) {
	defer c.Close()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(url string, d *dispatch.Dispatcher) *Manager {
	if d == nil {
		d = dispatch.New(slog.Default())
	}
	return NewManager(Config{
		URL:                url,
		Logger:             slog.Default(),
		BaseReconnectDelay: 5 * time.Millisecond,
		PingPeriod:         -1,
	}, d)
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// TestConnectDisconnectLifecycle walks the full state machine: connect,
// observe OPEN, disconnect normally, observe DISCONNECTED with a nil error.
func TestConnectDisconnectLifecycle(t *testing.T) {
	_, url := newTestServer(t, holdOpen)
	m := newTestManager(url, nil)

	connected := make(chan struct{})
	disconnected := make(chan error, 1)
	m.OnConnect(func() { close(connected) })
	m.OnDisconnect(func(err error) { disconnected <- err })

	if m.State() != StateDisconnected {
		t.Fatalf("initial state should be DISCONNECTED, got %s", m.State())
	}

	m.Connect()
	waitSignal(t, connected, "connect")
	if m.State() != StateOpen {
		t.Fatalf("expected OPEN after connect, got %s", m.State())
	}

	m.Disconnect()
	select {
	case err := <-disconnected:
		if err != nil {
			t.Errorf("local close should report a nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after disconnect, got %s", m.State())
	}
}

// TestConnectIdempotentWhileOpen verifies a second Connect on an open
// connection does nothing.
func TestConnectIdempotentWhileOpen(t *testing.T) {
	_, url := newTestServer(t, holdOpen)
	m := newTestManager(url, nil)

	var connects atomic.Int32
	first := make(chan struct{}, 1)
	m.OnConnect(func() {
		connects.Add(1)
		first <- struct{}{}
	})

	m.Connect()
	waitSignal(t, first, "first connect")
	m.Connect()

	time.Sleep(100 * time.Millisecond)
	if n := connects.Load(); n != 1 {
		t.Errorf("expected 1 connect, got %d", n)
	}
	if m.State() != StateOpen {
		t.Errorf("expected OPEN, got %s", m.State())
	}
}

// TestSendWhileDisconnected verifies outbound frames are dropped, never
// queued.
func TestSendWhileDisconnected(t *testing.T) {
	m := newTestManager("ws://127.0.0.1:1/ws", nil)

	err := m.Send(&protocol.Frame{Type: protocol.CommandPing})
	if err != model.ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

// TestSendAndReceive verifies the outbound path and inbound routing through
// the dispatcher.
func TestSendAndReceive(t *testing.T) {
	received := make(chan *protocol.Frame, 1)

	_, url := newTestServer(t, func(c *websocket.Conn) {
		defer c.Close()
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			return
		}
		received <- f

		// Answer with a pong and keep the socket open.
		reply, _ := protocol.Encode(&protocol.Frame{Type: protocol.EventPong})
		c.WriteMessage(websocket.TextMessage, reply)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	d := dispatch.New(slog.Default())
	m := newTestManager(url, d)

	pongs := make(chan struct{}, 1)
	m.OnMessage(protocol.EventPong, func(*protocol.Frame) {
		pongs <- struct{}{}
	})
	connected := make(chan struct{})
	m.OnConnect(func() { close(connected) })

	m.Connect()
	waitSignal(t, connected, "connect")

	if err := m.Send(&protocol.Frame{
		Type:      protocol.CommandMessage,
		SessionID: "web_session_abc",
		Content:   "hello",
	}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case f := <-received:
		if f.Type != protocol.CommandMessage || f.Content != "hello" {
			t.Errorf("server received wrong frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
	waitSignal(t, pongs, "inbound pong")

	m.Disconnect()
}

// TestMalformedFrameSurvives verifies a bad frame is discarded without
// killing the connection.
func TestMalformedFrameSurvives(t *testing.T) {
	_, url := newTestServer(t, func(c *websocket.Conn) {
		defer c.Close()
		c.WriteMessage(websocket.TextMessage, []byte("{not json"))
		reply, _ := protocol.Encode(&protocol.Frame{Type: protocol.EventPong})
		c.WriteMessage(websocket.TextMessage, reply)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})

	m := newTestManager(url, nil)
	pongs := make(chan struct{}, 1)
	m.OnMessage(protocol.EventPong, func(*protocol.Frame) {
		pongs <- struct{}{}
	})

	m.Connect()
	waitSignal(t, pongs, "frame after the malformed one")
	if m.State() != StateOpen {
		t.Errorf("connection should survive a malformed frame, got %s", m.State())
	}
	m.Disconnect()
}

// TestReconnectDelay verifies the exponential backoff schedule.
func TestReconnectDelay(t *testing.T) {
	base := time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}
	for i, expected := range want {
		if got := ReconnectDelay(base, i+1); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
	if got := ReconnectDelay(base, 0); got != base {
		t.Errorf("attempt 0 should clamp to base, got %s", got)
	}
}

// TestAbnormalCloseReconnects verifies a dropped connection is dialed again.
func TestAbnormalCloseReconnects(t *testing.T) {
	var accepts atomic.Int32
	_, url := newTestServer(t, func(c *websocket.Conn) {
		if accepts.Add(1) == 1 {
			// Hard drop without a close handshake.
			c.Close()
			return
		}
		holdOpen(c)
	})

	m := newTestManager(url, nil)
	connects := make(chan struct{}, 4)
	m.OnConnect(func() { connects <- struct{}{} })

	m.Connect()
	waitSignal(t, connects, "first connect")
	waitSignal(t, connects, "reconnect")

	if m.State() != StateOpen {
		t.Errorf("expected OPEN after reconnect, got %s", m.State())
	}
	m.Disconnect()
}

// TestNormalCloseDoesNotReconnect verifies a server-initiated normal close
// ends the connection without retries.
func TestNormalCloseDoesNotReconnect(t *testing.T) {
	var accepts atomic.Int32
	_, url := newTestServer(t, func(c *websocket.Conn) {
		accepts.Add(1)
		c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
		// Wait for the close echo, then drop.
		c.ReadMessage()
		c.Close()
	})

	m := newTestManager(url, nil)
	disconnected := make(chan error, 1)
	m.OnDisconnect(func(err error) { disconnected <- err })

	m.Connect()
	select {
	case err := <-disconnected:
		if err != nil {
			t.Errorf("normal close should report a nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	time.Sleep(100 * time.Millisecond)
	if n := accepts.Load(); n != 1 {
		t.Errorf("expected no reconnect after normal close, got %d accepts", n)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED, got %s", m.State())
	}
}

// TestReconnectExhausted verifies retries stop at the ceiling and the
// exhausted handler fires exactly once.
func TestReconnectExhausted(t *testing.T) {
	srv, url := newTestServer(t, holdOpen)
	srv.Close()

	d := dispatch.New(slog.Default())
	m := NewManager(Config{
		URL:                  url,
		Logger:               slog.Default(),
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectAttempts: 3,
		PingPeriod:           -1,
	}, d)

	exhausted := make(chan struct{}, 1)
	m.OnReconnectExhausted(func() { exhausted <- struct{}{} })

	m.Connect()
	waitSignal(t, exhausted, "reconnect exhaustion")

	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after exhaustion, got %s", m.State())
	}
	select {
	case <-exhausted:
		t.Error("exhausted handler fired more than once")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestDisconnectCancelsReconnect verifies an explicit Disconnect stops a
// pending retry.
func TestDisconnectCancelsReconnect(t *testing.T) {
	var accepts atomic.Int32
	_, url := newTestServer(t, func(c *websocket.Conn) {
		accepts.Add(1)
		c.Close()
	})

	d := dispatch.New(slog.Default())
	m := NewManager(Config{
		URL:                url,
		Logger:             slog.Default(),
		BaseReconnectDelay: 150 * time.Millisecond,
		PingPeriod:         -1,
	}, d)

	disconnected := make(chan error, 1)
	m.OnDisconnect(func(err error) { disconnected <- err })

	m.Connect()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the drop")
	}

	m.Disconnect()
	time.Sleep(400 * time.Millisecond)
	if n := accepts.Load(); n != 1 {
		t.Errorf("expected the pending retry to be cancelled, got %d accepts", n)
	}
}

// TestConnectAfterExhaustionRecovers verifies an explicit Connect resets the
// attempt counter.
func TestConnectAfterExhaustionRecovers(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	_, url := newTestServer(t, func(c *websocket.Conn) {
		if reject.Load() {
			c.Close()
			return
		}
		holdOpen(c)
	})

	d := dispatch.New(slog.Default())
	m := NewManager(Config{
		URL:                  url,
		Logger:               slog.Default(),
		BaseReconnectDelay:   time.Millisecond,
		MaxReconnectAttempts: 2,
		PingPeriod:           -1,
	}, d)

	exhausted := make(chan struct{}, 1)
	m.OnReconnectExhausted(func() { exhausted <- struct{}{} })
	connected := make(chan struct{}, 1)
	m.OnConnect(func() { connected <- struct{}{} })

	m.Connect()
	waitSignal(t, exhausted, "exhaustion")

	reject.Store(false)
	m.Connect()
	waitSignal(t, connected, "recovery connect")
	if m.State() != StateOpen {
		t.Errorf("expected OPEN after recovery, got %s", m.State())
	}
	m.Disconnect()
}

// newGatedServer stalls the handshake of the first request until release is
// closed; later requests upgrade normally and stay open. It returns the
// ws:// URL and a counter of handshake attempts.
func newGatedServer(t *testing.T, release chan struct{}) (string, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			<-release
			return
		}
		c, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		holdOpen(c)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &requests
}

// TestDisconnectAbortsParkedConnect verifies that a Connect waiting on an
// in-flight dial gives up when an explicit Disconnect lands first, instead
// of dialing again once the aborted attempt settles.
func TestDisconnectAbortsParkedConnect(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	url, requests := newGatedServer(t, release)

	d := dispatch.New(slog.Default())
	m := NewManager(Config{
		URL:                url,
		Logger:             slog.Default(),
		BaseReconnectDelay: 5 * time.Millisecond,
		ConnectRaceTimeout: 2 * time.Second,
		PingPeriod:         -1,
	}, d)

	var connects atomic.Int32
	m.OnConnect(func() { connects.Add(1) })

	m.Connect()
	deadline := time.Now().Add(time.Second)
	for m.State() != StateConnecting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.State() != StateConnecting {
		t.Fatalf("expected CONNECTING while handshake stalls, got %s", m.State())
	}

	// The second Connect parks behind the stalled attempt; Disconnect then
	// cancels that attempt and must also invalidate the parked continuation.
	m.Connect()
	m.Disconnect()

	time.Sleep(500 * time.Millisecond)
	if n := connects.Load(); n != 0 {
		t.Errorf("connection established after explicit Disconnect: %d connects", n)
	}
	if m.State() != StateDisconnected {
		t.Errorf("expected DISCONNECTED after Disconnect, got %s", m.State())
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("expected no handshake after Disconnect, got %d", n)
	}
}

// TestConnectRaceForcesFreshAttempt verifies a Connect issued while a dial
// stalls waits out the race timeout, then abandons the stuck attempt and
// dials a fresh one.
func TestConnectRaceForcesFreshAttempt(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	url, requests := newGatedServer(t, release)

	d := dispatch.New(slog.Default())
	m := NewManager(Config{
		URL:                url,
		Logger:             slog.Default(),
		BaseReconnectDelay: 5 * time.Millisecond,
		ConnectRaceTimeout: 50 * time.Millisecond,
		PingPeriod:         -1,
	}, d)

	connected := make(chan struct{}, 1)
	m.OnConnect(func() { connected <- struct{}{} })

	m.Connect()
	deadline := time.Now().Add(time.Second)
	for m.State() != StateConnecting && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	m.Connect()
	waitSignal(t, connected, "forced fresh attempt")

	if m.State() != StateOpen {
		t.Errorf("expected OPEN after forced attempt, got %s", m.State())
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected exactly one replacement handshake, got %d", n)
	}
	m.Disconnect()
}

// TestConnectDuringTeardown verifies a Connect issued while the prior socket
// is still closing waits for the teardown and then establishes a fresh
// connection.
func TestConnectDuringTeardown(t *testing.T) {
	_, url := newTestServer(t, holdOpen)
	m := newTestManager(url, nil)

	connects := make(chan struct{}, 2)
	m.OnConnect(func() { connects <- struct{}{} })

	m.Connect()
	waitSignal(t, connects, "first connect")

	m.Disconnect()
	m.Connect()

	waitSignal(t, connects, "reconnect after teardown")
	if m.State() != StateOpen {
		t.Errorf("expected OPEN after teardown completed, got %s", m.State())
	}
	m.Disconnect()
}

// TestStateString covers the lifecycle state labels.
func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateOpen:         "open",
		StateClosing:      "closing",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}
