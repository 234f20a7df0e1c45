package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"courier/internal/models"

	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestIntegration(t *testing.T) {
	// Chat server that is reachable but rejects every send as a server error,
	// so messages stay queued.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("PUT /api/settings", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{"values": map[string]any{"theme": "light"}, "version": 9})
	})
	chat := httptest.NewServer(mux)
	defer chat.Close()

	statusAddr := freeAddr(t)
	t.Setenv("COURIER_SERVER", chat.URL)
	t.Setenv("COURIER_DATA", t.TempDir())
	t.Setenv("COURIER_TOKEN", "secret")
	t.Setenv("COURIER_USER_ID", "me")
	t.Setenv("COURIER_STATUS_ADDR", statusAddr)
	t.Setenv("COURIER_SYNC_INTERVAL", "50ms")
	t.Setenv("COURIER_PROBE_INTERVAL", "50ms")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		cmd := newRootCmd()
		cmd.SetArgs([]string{"run"})
		done <- cmd.ExecuteContext(ctx)
	}()
	defer func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	}()

	require.Eventually(t, func() bool {
		_, err := execute(t, "status")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	out, err := execute(t, "status")
	require.NoError(t, err)
	require.Contains(t, out, "Network:    online")

	// A settings update hits a version conflict and gets parked.
	body := bytes.NewBufferString(`{"theme":"dark"}`)
	resp, err := http.Post("http://"+statusAddr+"/api/settings", "application/json", body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		out, err := execute(t, "queue", "list", "--status", "conflict")
		return err == nil && bytes.Contains([]byte(out), []byte(string(models.ActionUpdateSettings)))
	}, 5*time.Second, 20*time.Millisecond)

	out, err = execute(t, "conflict", "show")
	require.NoError(t, err)
	require.Contains(t, out, "Server version: 9")

	_, err = execute(t, "conflict", "resolve", "merge")
	require.Error(t, err)

	out, err = execute(t, "conflict", "resolve", "server")
	require.NoError(t, err)
	require.Contains(t, out, "Settings version 9")

	out, err = execute(t, "queue", "list")
	require.NoError(t, err)
	require.Contains(t, out, "Queue is empty.")

	out, err = execute(t, "queue", "retry")
	require.NoError(t, err)
	require.Contains(t, out, "Retrying 0 action(s).")
}
