package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/config"
	"courier/internal/models"
	"courier/internal/optimistic"
	"courier/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// chatServer stands in for the chat server: health, message sends and the
// realtime socket.
type chatServer struct {
	*httptest.Server
	down atomic.Bool

	mu     sync.Mutex
	keys   []string
	frames []realtime.Envelope
	conns  chan *websocket.Conn
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	s := &chatServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})
	mux.HandleFunc("POST /api/messages", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() || r.Header.Get("token") != "secret" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var p models.SendMessagePayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.Message{
			ID:        "srv-" + p.TempID,
			ChannelID: p.ChannelID,
			UserID:    "me",
			Content:   p.Content,
			CreatedAt: time.Now(),
		})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if s.down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
		for {
			var env realtime.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, env)
			s.mu.Unlock()
		}
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *chatServer) idempotencyKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

// received returns the payloads of the frames the client sent for event.
func (s *chatServer) received(event realtime.Event) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []json.RawMessage
	for _, env := range s.frames {
		if env.Event == event {
			out = append(out, env.Data)
		}
	}
	return out
}

func testConfig(t *testing.T, s *chatServer, dataDir string) *config.Config {
	t.Helper()
	return &config.Config{
		DataDir:        dataDir,
		ServerURL:      s.URL,
		RealtimeURL:    "ws" + strings.TrimPrefix(s.URL, "http") + "/api/chat",
		HealthURL:      s.URL + "/",
		StatusAddr:     "127.0.0.1:0",
		UserID:         "me",
		Token:          "secret",
		RequestTimeout: 2 * time.Second,
		SyncInterval:   50 * time.Millisecond,
		ProbeInterval:  20 * time.Millisecond,
		GracePeriod:    50 * time.Millisecond,
		TokenExpiry:    time.Hour,
		MaxAttempts:    5,
		BatchSize:      10,
	}
}

func run(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, e.Close())
	})
}

func TestEngineSendAndReceipts(t *testing.T) {
	s := newChatServer(t)
	e, err := New(testConfig(t, s, t.TempDir()), nil)
	require.NoError(t, err)
	run(t, e)

	conn := <-s.conns
	require.Eventually(t, func() bool {
		return e.Status().Connection.Transport == models.TransportConnected
	}, 2*time.Second, 5*time.Millisecond)

	msg, err := e.SendMessage(t.Context(), optimistic.SendOptions{ChannelID: "general", Content: "hello"})
	require.NoError(t, err)
	serverID := "srv-" + msg.TempID

	require.Eventually(t, func() bool {
		_, ok := e.delivery.Status(serverID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{msg.TempID}, s.idempotencyKeys())

	require.NoError(t, conn.WriteJSON(realtime.Envelope{
		Event: realtime.EventMessageUpdate,
		Data: mustJSON(t, realtime.MessageUpdate{
			ID:        serverID,
			ChannelID: "general",
			Receipt:   &realtime.Receipt{UserID: "alice", State: models.DeliveryRead},
		}),
	}))
	require.Eventually(t, func() bool {
		st, _ := e.delivery.Status(serverID)
		return st.State == models.DeliveryRead
	}, 2*time.Second, 5*time.Millisecond)

	// The confirmed message leaves the optimistic list after the grace period.
	require.Eventually(t, func() bool {
		return len(e.Messages("general")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngineRealtimeOperations(t *testing.T) {
	s := newChatServer(t)
	e, err := New(testConfig(t, s, t.TempDir()), nil)
	require.NoError(t, err)
	run(t, e)

	<-s.conns
	require.Eventually(t, func() bool {
		return e.Status().Connection.Transport == models.TransportConnected
	}, 2*time.Second, 5*time.Millisecond)

	typingSignals := func() []realtime.TypingPayload {
		var out []realtime.TypingPayload
		for _, raw := range s.received(realtime.EventMessageTyping) {
			var p realtime.TypingPayload
			if json.Unmarshal(raw, &p) == nil {
				out = append(out, p)
			}
		}
		return out
	}

	e.InputChanged("general", "hel")
	require.Eventually(t, func() bool {
		return len(typingSignals()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, typingSignals()[0].IsTyping)

	// Sending ends the typing signal right away.
	_, err = e.SendMessage(t.Context(), optimistic.SendOptions{ChannelID: "general", Content: "hello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		signals := typingSignals()
		return len(signals) == 2 && !signals[1].IsTyping
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, map[string]int{"alice": 1}, e.SubscribePresence("alice"))
	require.Equal(t, map[string]int{"alice": 2}, e.SubscribePresence("alice"))
	require.Empty(t, e.UnsubscribePresence("alice", "alice"))
	require.Eventually(t, func() bool {
		return len(s.received(realtime.EventPresenceSubscribe)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	away := models.PresenceAway
	self, err := e.SetPresence(&away, nil)
	require.NoError(t, err)
	require.Equal(t, models.PresenceAway, self.Status)
	require.Equal(t, models.PresenceAway, e.Presence()[0].Status)

	require.NoError(t, e.MarkRead(models.Message{ID: "srv-9", ChannelID: "general", UserID: "alice"}))
	require.NoError(t, e.MarkRead(models.Message{ID: "srv-10", ChannelID: "general", UserID: "me"}))
	require.Eventually(t, func() bool {
		for _, raw := range s.received(realtime.EventMessageUpdate) {
			var u realtime.MessageUpdate
			if json.Unmarshal(raw, &u) == nil && u.ID == "srv-9" && u.Receipt != nil && u.Receipt.State == models.DeliveryRead {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	for _, raw := range s.received(realtime.EventMessageUpdate) {
		require.NotContains(t, string(raw), "srv-10")
	}

	require.Equal(t, "", e.Typing("general").Text)
}

func TestEngineMessageChanges(t *testing.T) {
	s := newChatServer(t)
	s.down.Store(true)
	e, err := New(testConfig(t, s, t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.False(t, e.prober.Probe(t.Context()))

	require.NoError(t, e.EditMessage(t.Context(), "general", "srv-1", "fixed"))
	require.NoError(t, e.DeleteMessage(t.Context(), "general", "srv-2"))
	require.ErrorIs(t, e.AddReaction(t.Context(), "general", "srv-1", "👍"), optimistic.ErrOffline)
	require.ErrorIs(t, e.RemoveReaction(t.Context(), "general", "srv-1", "👍"), optimistic.ErrOffline)

	require.Eventually(t, func() bool {
		actions, err := e.Actions(models.ActionStatusPending)
		return err == nil && len(actions) == 2
	}, time.Second, 5*time.Millisecond)
	require.Len(t, e.Overlays("general"), 2)
}

func TestEngineQueuedAcrossRestart(t *testing.T) {
	s := newChatServer(t)
	s.down.Store(true)
	dataDir := t.TempDir()

	first, err := New(testConfig(t, s, dataDir), nil)
	require.NoError(t, err)
	require.False(t, first.prober.Probe(t.Context()))
	require.False(t, first.Status().Connection.Online)

	msg, err := first.SendMessage(t.Context(), optimistic.SendOptions{ChannelID: "general", Content: "offline hello"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, ok := first.tracker.Get(msg.TempID)
		return ok && got.Queued
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, first.Status().Sync.Pending)
	require.NoError(t, first.Close())

	s.down.Store(false)
	second, err := New(testConfig(t, s, dataDir), nil)
	require.NoError(t, err)
	restored := second.Messages("general")
	require.Len(t, restored, 1)
	require.Equal(t, msg.TempID, restored[0].TempID)

	run(t, second)
	require.Eventually(t, func() bool {
		actions, err := second.Actions()
		return err == nil && len(actions) == 0
	}, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{msg.TempID}, s.idempotencyKeys())
}

func TestEngineRetryUnknown(t *testing.T) {
	s := newChatServer(t)
	e, err := New(testConfig(t, s, t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	_, err = e.Retry(t.Context(), "nope")
	require.ErrorIs(t, err, models.ErrNotFound)

	n, err := e.Retry(t.Context(), "")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestEngineSettings(t *testing.T) {
	s := newChatServer(t)
	e, err := New(testConfig(t, s, t.TempDir()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	updated, err := e.UpdateSettings(t.Context(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	require.True(t, updated.Dirty)
	require.Equal(t, "dark", e.Settings().Values["theme"])

	actions, err := e.Actions(models.ActionStatusPending)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, models.ActionUpdateSettings, actions[0].Kind)

	_, ok := e.Conflict()
	require.False(t, ok)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
