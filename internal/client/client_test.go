package client

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/reactchat/client/internal/archive"
	"github.com/reactchat/client/internal/model"
	"github.com/reactchat/client/internal/stub"
	"github.com/reactchat/client/internal/trace"
)

func startStub(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := httptest.NewServer(stub.NewServer(nil, slog.Default()).Routes())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseReconnectDelay = 5 * time.Millisecond
	cfg.PingPeriod = -1

	c := New(cfg)
	t.Cleanup(c.Disconnect)
	return c
}

func connectAndWait(t *testing.T, c *Client) {
	t.Helper()
	connected := make(chan struct{}, 1)
	c.OnStatusChange(func(s Status) {
		if s == StatusConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	c.Connect()
	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection")
	}
}

// waitFor polls until the condition holds. Inbound frames are applied on the
// reader goroutine, so tests observe them eventually.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestConnectCreatesDefaultSession verifies the first connection bootstraps
// a session and makes it active.
func TestConnectCreatesDefaultSession(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})
	connectAndWait(t, c)

	active, ok := c.Registry().Active()
	require.True(t, ok, "expected a default session")
	require.NotEmpty(t, active.ID)
}

// TestSendMessageReconcilesFullTurn walks one complete turn: the user
// message, the scripted stream, and the reconciled sequence it produces.
func TestSendMessageReconcilesFullTurn(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})
	connectAndWait(t, c)

	require.NoError(t, c.SendMessage("hello"))

	active, _ := c.Registry().Active()
	waitFor(t, "turn completion", func() bool {
		msgs, err := c.Messages(active.ID)
		return err == nil && len(msgs) == 5 && !c.Registry().Generating(active.ID)
	})

	msgs, err := c.Messages(active.ID)
	require.NoError(t, err)

	wantKinds := []model.Kind{
		model.KindUser,
		model.KindThink,
		model.KindToolCall,
		model.KindToolOutput,
		model.KindAssistant,
	}
	for i, kind := range wantKinds {
		require.Equal(t, kind, msgs[i].Kind, "position %d", i)
	}
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, "echo", msgs[2].ToolName)
	require.Equal(t, model.ToolStatusCompleted, msgs[2].Status)
	require.Equal(t, "You said: hello", msgs[4].Content)
}

// TestSendMessageValidation verifies blank content is rejected locally.
func TestSendMessageValidation(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})
	connectAndWait(t, c)

	require.ErrorIs(t, c.SendMessage("   "), model.ErrEmptyContent)
}

// TestSendWhileDisconnectedKeepsLocalMessage verifies the optimistic append
// survives a failed transmit.
func TestSendWhileDisconnectedKeepsLocalMessage(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: "ws://127.0.0.1:1/ws"})

	err := c.SendMessage("offline note")
	require.ErrorIs(t, err, model.ErrNotConnected)

	active, ok := c.Registry().Active()
	require.True(t, ok)
	msgs, err := c.Messages(active.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "offline note", msgs[0].Content)
}

// TestSwitchSessionLoadsHistory verifies switching requests the target's
// stored transcript and the registry reflects it.
func TestSwitchSessionLoadsHistory(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})
	connectAndWait(t, c)

	first, _ := c.Registry().Active()
	require.NoError(t, c.SendMessage("first session message"))
	waitFor(t, "first turn", func() bool {
		msgs, _ := c.Messages(first.ID)
		return len(msgs) == 5
	})

	second, err := c.CreateSession("side quest")
	require.NoError(t, err)
	require.Equal(t, second.ID, c.Registry().ActiveID())

	require.NoError(t, c.SwitchSession(first.ID))
	require.Equal(t, first.ID, c.Registry().ActiveID())

	// The backend's stored transcript has no think note, so the reload
	// shrinking the sequence from 5 to 4 proves the wholesale replace.
	waitFor(t, "history reload", func() bool {
		msgs, _ := c.Messages(first.ID)
		return len(msgs) == 4
	})
}

// TestDeleteSession verifies deletion clears the registry and the backend.
func TestDeleteSession(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})
	connectAndWait(t, c)

	sess, err := c.CreateSession("doomed")
	require.NoError(t, err)

	require.NoError(t, c.DeleteSession(sess.ID))
	_, ok := c.Registry().Get(sess.ID)
	require.False(t, ok)

	require.ErrorIs(t, c.DeleteSession(sess.ID), model.ErrSessionNotFound)
}

// TestArchiveWrittenOnComplete verifies a finished turn lands in the
// transcript archive.
func TestArchiveWrittenOnComplete(t *testing.T) {
	store, err := archive.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	c := newTestClient(t, Config{ServerURL: startStub(t), Archive: store})
	connectAndWait(t, c)

	require.NoError(t, c.SendMessage("archive me"))

	active, _ := c.Registry().Active()
	waitFor(t, "archived transcript", func() bool {
		msgs, err := store.LoadTranscript(context.Background(), active.ID)
		return err == nil && len(msgs) == 5
	})

	msgs, err := store.LoadTranscript(context.Background(), active.ID)
	require.NoError(t, err)
	require.Equal(t, "archive me", msgs[0].Content)
	require.Equal(t, model.KindAssistant, msgs[4].Kind)
}

// TestArchiveRestoredOffline verifies archived transcripts are readable
// through the registry without any connection.
func TestArchiveRestoredOffline(t *testing.T) {
	store, err := archive.NewTestStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	past := model.Session{
		ID:        "web_session_past",
		Name:      "Yesterday",
		CreatedAt: time.Now().Add(-24 * time.Hour),
	}
	require.NoError(t, store.SaveTranscript(context.Background(), past, []model.Message{
		{ID: "m1", Kind: model.KindUser, Content: "what happened"},
		{ID: "m2", Kind: model.KindAssistant, Content: "this did"},
	}))

	// Unreachable URL: the transcript must come from the archive alone.
	c := newTestClient(t, Config{ServerURL: "ws://127.0.0.1:1/ws", Archive: store})

	sess, ok := c.Registry().Get(past.ID)
	require.True(t, ok, "archived session not restored")
	require.Equal(t, "Yesterday", sess.Name)
	require.Equal(t, past.ID, c.Registry().ActiveID())

	msgs, err := c.Messages(past.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "what happened", msgs[0].Content)
	require.Equal(t, model.KindAssistant, msgs[1].Kind)
}

// TestTraceRecordsBothDirections verifies the frame recorder captures the
// outbound command and the inbound stream.
func TestTraceRecordsBothDirections(t *testing.T) {
	recorder := trace.NewRecorder(nil, 64)

	c := newTestClient(t, Config{ServerURL: startStub(t), Recorder: recorder})
	connectAndWait(t, c)

	require.NoError(t, c.SendMessage("trace me"))

	active, _ := c.Registry().Active()
	waitFor(t, "turn completion", func() bool {
		msgs, _ := c.Messages(active.ID)
		return len(msgs) == 5
	})

	tail := recorder.Tail()
	require.NotEmpty(t, tail)

	directions := make(map[string]bool)
	for _, rec := range tail {
		directions[rec.Direction] = true
	}
	require.True(t, directions[trace.DirectionInbound], "expected inbound records")
	require.True(t, directions[trace.DirectionOutbound], "expected outbound records")
}

// TestUpdateCallbacksFire verifies the presentation layer is notified as the
// stream reconciles.
func TestUpdateCallbacksFire(t *testing.T) {
	c := newTestClient(t, Config{ServerURL: startStub(t)})

	updates := make(chan struct{}, 64)
	c.OnUpdate(func() {
		select {
		case updates <- struct{}{}:
		default:
		}
	})

	connectAndWait(t, c)
	require.NoError(t, c.SendMessage("notify me"))

	count := 0
	timeout := time.After(3 * time.Second)
	for count < 5 {
		select {
		case <-updates:
			count++
		case <-timeout:
			t.Fatalf("expected at least 5 update callbacks, got %d", count)
		}
	}
}
