package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/models"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func statusAPI(t *testing.T) (*config.Config, *recorder) {
	t.Helper()
	calls := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		calls.add("status")
		_ = json.NewEncoder(w).Encode(api.Status{
			Connection: models.ConnectionState{Online: false, Transport: models.TransportDisconnected, Quality: models.QualityUnknown},
			Sync:       models.SyncState{Status: models.SyncIdle, QueueCounts: models.QueueCounts{Pending: 2, Failed: 1}},
			Conflict:   true,
		})
	})
	mux.HandleFunc("GET /api/queue", func(w http.ResponseWriter, r *http.Request) {
		calls.add("queue?" + r.URL.RawQuery)
		_ = json.NewEncoder(w).Encode([]models.QueuedAction{
			{ID: "a1", Kind: models.ActionSendMessage, Status: models.ActionStatusFailed, Attempts: 5, LastError: "server returned 503"},
		})
	})
	mux.HandleFunc("POST /api/queue/retry", func(w http.ResponseWriter, r *http.Request) {
		var req api.RetryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls.add("retry:" + req.ID)
		if req.ID == "missing" {
			http.Error(w, "Action not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(api.CountResponse{Count: 1})
	})
	mux.HandleFunc("POST /api/queue/clear", func(w http.ResponseWriter, r *http.Request) {
		var req api.ClearRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls.add("clear")
		_ = json.NewEncoder(w).Encode(api.CountResponse{Count: len(req.Statuses)})
	})
	mux.HandleFunc("POST /api/settings/resolve", func(w http.ResponseWriter, r *http.Request) {
		var req api.ResolveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		calls.add("resolve:" + string(req.Choice))
		_ = json.NewEncoder(w).Encode(models.Settings{Version: 7})
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &config.Config{StatusAddr: strings.TrimPrefix(ts.URL, "http://")}, calls
}

func TestStatus(t *testing.T) {
	cfg, _ := statusAPI(t)
	var out bytes.Buffer
	require.NoError(t, Status(cfg, &out))
	require.Contains(t, out.String(), "Network:    offline")
	require.Contains(t, out.String(), "2 pending, 0 sending, 1 failed")
	require.Contains(t, out.String(), "Settings conflict waiting")
}

func TestQueueCommands(t *testing.T) {
	cfg, calls := statusAPI(t)
	var out bytes.Buffer

	require.NoError(t, ListQueue(cfg, &out, []string{"failed", "conflict"}))
	require.Contains(t, out.String(), "a1")
	require.Contains(t, out.String(), "last error: server returned 503")

	out.Reset()
	require.NoError(t, Retry(cfg, &out, "a1"))
	require.Equal(t, "Retrying 1 action(s).\n", out.String())

	err := Retry(cfg, &out, "missing")
	require.ErrorContains(t, err, "Status: 404")

	out.Reset()
	require.NoError(t, Clear(cfg, &out, []string{"failed"}))
	require.Equal(t, "Removed 1 action(s).\n", out.String())

	out.Reset()
	require.NoError(t, ResolveConflict(cfg, &out, "local"))
	require.Contains(t, out.String(), "version 7")

	require.Equal(t, []string{
		"queue?status=failed%2Cconflict",
		"retry:a1",
		"retry:missing",
		"clear",
		"resolve:local",
	}, calls.all())
}

func TestNotRunning(t *testing.T) {
	cfg := &config.Config{StatusAddr: "127.0.0.1:1"}
	err := Status(cfg, &bytes.Buffer{})
	require.ErrorContains(t, err, "Is courier running?")
}
