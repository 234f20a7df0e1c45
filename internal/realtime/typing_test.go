package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/stretchr/testify/require"
)

func typingSignals(t *testing.T, tr *fakeTransport) []bool {
	t.Helper()
	var out []bool
	for _, raw := range tr.sentOf(EventMessageTyping) {
		var p TypingPayload
		require.NoError(t, json.Unmarshal(raw, &p))
		out = append(out, p.IsTyping)
	}
	return out
}

func TestTypingText(t *testing.T) {
	tests := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Alice"}, "Alice is typing"},
		{[]string{"Alice", "Bob"}, "Alice and Bob are typing"},
		{[]string{"Alice", "Bob", "Charlie"}, "Alice, Bob, and Charlie are typing"},
		{[]string{"Alice", "Bob", "Charlie", "Dave"}, "Several people are typing"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TypingText(tt.names))
	}
}

func TestTypingThrottlesStart(t *testing.T) {
	tr := newFakeTransport()
	typing := NewTyping(t.Context(), tr, TypingConfig{UserID: "me", Idle: time.Hour})
	t.Cleanup(typing.Close)
	now := time.Now()
	typing.now = func() time.Time { return now }

	typing.HandleInputChange("general", "h")
	typing.HandleInputChange("general", "he")
	now = now.Add(time.Second)
	typing.HandleInputChange("general", "hel")
	require.Equal(t, []bool{true}, typingSignals(t, tr))

	now = now.Add(3 * time.Second)
	typing.HandleInputChange("general", "hell")
	require.Equal(t, []bool{true, true}, typingSignals(t, tr))

	typing.HandleInputChange("general", "")
	require.Equal(t, []bool{true, true, false}, typingSignals(t, tr))
	require.Zero(t, typing.timers.Len())

	// Nothing to stop any more.
	typing.StopTyping("general")
	require.Len(t, typingSignals(t, tr), 3)
}

func TestTypingIdleStop(t *testing.T) {
	tr := newFakeTransport()
	typing := NewTyping(t.Context(), tr, TypingConfig{UserID: "me", Idle: 30 * time.Millisecond})
	t.Cleanup(typing.Close)

	typing.HandleInputChange("general", "hello")
	require.Eventually(t, func() bool {
		return len(typingSignals(t, tr)) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []bool{true, false}, typingSignals(t, tr))
	require.Zero(t, typing.timers.Len())
}

func TestTypingCloseCancelsTimers(t *testing.T) {
	tr := newFakeTransport()
	typing := NewTyping(t.Context(), tr, TypingConfig{UserID: "me", Idle: 50 * time.Millisecond})

	typing.HandleInputChange("general", "hello")
	typing.HandleInputChange("random", "hi")
	require.Equal(t, 2, typing.timers.Len())

	typing.Close()
	require.Zero(t, typing.timers.Len())
	require.Equal(t, []bool{true, true, false, false}, typingSignals(t, tr))

	time.Sleep(100 * time.Millisecond)
	require.Len(t, typingSignals(t, tr), 4)

	typing.HandleInputChange("general", "more")
	require.Len(t, typingSignals(t, tr), 4)
}

func TestTypingRemoteUsers(t *testing.T) {
	tr := newFakeTransport()
	typing := NewTyping(t.Context(), tr, TypingConfig{UserID: "me", RemoteTTL: time.Minute})
	t.Cleanup(typing.Close)
	now := time.Now()
	typing.now = func() time.Time { return now }

	var changes int
	typing.OnChange(func(channelID string, users []models.TypingUser) { changes++ })

	tr.receive(t, EventMessageTyping, TypingPayload{ChannelID: "general", UserID: "u1", UserName: "Alice", IsTyping: true})
	now = now.Add(time.Millisecond)
	tr.receive(t, EventMessageTyping, TypingPayload{ChannelID: "general", UserID: "u2", UserName: "Bob", IsTyping: true})
	tr.receive(t, EventMessageTyping, TypingPayload{ChannelID: "general", UserID: "me", IsTyping: true})
	tr.receive(t, EventMessageTyping, TypingPayload{ChannelID: "random", UserID: "u3", IsTyping: true})

	require.Equal(t, "Alice and Bob are typing", typing.Text("general"))
	require.Equal(t, "u3 is typing", typing.Text("random"))
	require.Equal(t, 3, changes)

	tr.receive(t, EventMessageTyping, TypingPayload{ChannelID: "general", UserID: "u1", IsTyping: false})
	require.Equal(t, "Bob is typing", typing.Text("general"))

	now = now.Add(2 * time.Minute)
	require.Empty(t, typing.Users("general"))
	require.Equal(t, "", typing.Text("random"))
}
