package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) { return "secret", nil }
func (f *fakeTokens) Invalidate()                               { f.invalidated.Add(1) }

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages", r.URL.Path)
		require.Equal(t, "secret", r.Header.Get("token"))
		require.Equal(t, "temp_1", r.Header.Get("Idempotency-Key"))
		var p models.SendMessagePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		_ = json.NewEncoder(w).Encode(models.Message{ID: "srv-1", ChannelID: p.ChannelID, Content: p.Content})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", &fakeTokens{}, time.Second, nil)
	msg, err := c.SendMessage(t.Context(), "temp_1", models.SendMessagePayload{TempID: "temp_1", ChannelID: "general", Content: "hi"})
	require.NoError(t, err)
	require.Equal(t, "srv-1", msg.ID)
}

func TestErrorClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code == http.StatusConflict {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"values":{"theme":"light"},"version":4}`))
			return
		}
		http.Error(w, "nope", code)
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	c := New(srv.URL, tokens, time.Second, nil)

	tests := []struct {
		code      int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusForbidden, false},
		{http.StatusUnauthorized, true},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		status.Store(int32(tt.code))
		_, err := c.SendMessage(t.Context(), "k", models.SendMessagePayload{ChannelID: "general", Content: "hi"})
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, tt.code, apiErr.StatusCode)
		require.Equal(t, "nope", apiErr.Message)
		require.Equal(t, tt.retryable, IsRetryable(err), tt.code)
	}
	require.EqualValues(t, 1, tokens.invalidated.Load())

	status.Store(http.StatusConflict)
	_, err := c.UpdateSettings(t.Context(), "k", models.SettingsPayload{Values: map[string]any{"theme": "dark"}, ExpectedVersion: 3})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.EqualValues(t, 4, conflict.Server.Version)
	require.Equal(t, "light", conflict.Server.Values["theme"])
	require.False(t, IsRetryable(err))
}

func TestTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, nil, 20*time.Millisecond, nil)
	err := c.DeleteMessage(t.Context(), "k", models.DeleteMessagePayload{MessageID: "m1"})
	require.Error(t, err)
	require.True(t, IsTimeout(err))
	require.True(t, IsRetryable(err))
}

func TestUploadAttachment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "temp_1", r.FormValue("messageId"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = f.Close() }()
		data, _ := io.ReadAll(f)
		require.Equal(t, "a.txt", hdr.Filename)
		require.Equal(t, "hello", string(data))
		_ = json.NewEncoder(w).Encode(UploadResponse{FileID: "f1", URL: "/api/images/f1"})
	}))
	defer srv.Close()

	c := New(srv.URL, nil, time.Second, nil)
	out, err := c.UploadAttachment(t.Context(), "general", "temp_1",
		models.Attachment{Name: "a.txt", MimeType: "text/plain"}, strings.NewReader("hello"))
	require.NoError(t, err)
	require.Equal(t, "f1", out.FileID)
}
