package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"courier/internal/api"
	"courier/internal/config"
	"courier/internal/models"
	"courier/internal/syncer"
)

var client = &http.Client{Timeout: 30 * time.Second}

// call sends a request to the local status API of a running engine and
// decodes the JSON answer into out.
func call(cfg *config.Config, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequest(method, cfg.StatusURL()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call status API: %w. Is courier running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("request failed (Status: %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func Status(cfg *config.Config, w io.Writer) error {
	var st api.Status
	if err := call(cfg, http.MethodGet, "/api/status", nil, &st); err != nil {
		return err
	}

	online := "offline"
	if st.Connection.Online {
		online = "online"
	}
	fmt.Fprintf(w, "Network:    %s\n", online)
	fmt.Fprintf(w, "Realtime:   %s\n", st.Connection.Transport)
	fmt.Fprintf(w, "Quality:    %s", st.Connection.Quality)
	if st.Connection.RTT > 0 {
		fmt.Fprintf(w, " (%s)", st.Connection.RTT.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Sync:       %s\n", st.Sync.Status)
	if !st.Sync.LastSyncAt.IsZero() {
		fmt.Fprintf(w, "Last sync:  %s\n", st.Sync.LastSyncAt.Format(time.RFC3339))
	}
	if st.Sync.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", st.Sync.LastError)
	}
	fmt.Fprintf(w, "Queue:      %d pending, %d sending, %d failed, %d conflicts\n",
		st.Sync.Pending, st.Sync.Sending, st.Sync.Failed, st.Sync.Conflicts)
	fmt.Fprintf(w, "Messages:   %d sending, %d queued, %d failed\n",
		st.Tracker.Sending, st.Tracker.Queued, st.Tracker.Failed)
	if st.Conflict {
		fmt.Fprintln(w, "\nSettings conflict waiting. Run `courier conflict show`.")
	}
	return nil
}

func ListQueue(cfg *config.Config, w io.Writer, statuses []string) error {
	path := "/api/queue"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var actions []models.QueuedAction
	if err := call(cfg, http.MethodGet, path, nil, &actions); err != nil {
		return err
	}

	if len(actions) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return nil
	}
	for _, a := range actions {
		fmt.Fprintf(w, "%-40s %-16s %-9s attempts=%d created=%s\n",
			a.ID, a.Kind, a.Status, a.Attempts, a.CreatedAt.Format(time.RFC3339))
		if a.LastError != "" {
			fmt.Fprintf(w, "    last error: %s\n", a.LastError)
		}
	}
	return nil
}

// Retry retries one failed action, or all of them when id is empty.
func Retry(cfg *config.Config, w io.Writer, id string) error {
	var resp api.CountResponse
	if err := call(cfg, http.MethodPost, "/api/queue/retry", api.RetryRequest{ID: id}, &resp); err != nil {
		return err
	}
	fmt.Fprintf(w, "Retrying %d action(s).\n", resp.Count)
	return nil
}

func Clear(cfg *config.Config, w io.Writer, statuses []string) error {
	req := api.ClearRequest{}
	for _, s := range statuses {
		req.Statuses = append(req.Statuses, models.ActionStatus(s))
	}
	var resp api.CountResponse
	if err := call(cfg, http.MethodPost, "/api/queue/clear", req, &resp); err != nil {
		return err
	}
	fmt.Fprintf(w, "Removed %d action(s).\n", resp.Count)
	return nil
}

func Sync(cfg *config.Config, w io.Writer) error {
	var summary syncer.Summary
	if err := call(cfg, http.MethodPost, "/api/sync", nil, &summary); err != nil {
		return err
	}
	fmt.Fprintf(w, "Processed %d: %d sent, %d failed, %d conflicts\n",
		summary.Processed, summary.Succeeded, summary.Failed, summary.Conflicts)
	if summary.StoppedOffline {
		fmt.Fprintln(w, "Stopped early: offline.")
	}
	return nil
}

func ShowConflict(cfg *config.Config, w io.Writer) error {
	var record models.ConflictRecord
	if err := call(cfg, http.MethodGet, "/api/settings/conflict", nil, &record); err != nil {
		return err
	}
	local, _ := json.MarshalIndent(record.Local, "  ", "  ")
	server, _ := json.MarshalIndent(record.Server, "  ", "  ")
	fmt.Fprintf(w, "Resource:       %s\n", record.Resource)
	fmt.Fprintf(w, "Server version: %d\n", record.ServerVersion)
	fmt.Fprintf(w, "Local:\n  %s\n", local)
	fmt.Fprintf(w, "Server:\n  %s\n", server)
	return nil
}

func ResolveConflict(cfg *config.Config, w io.Writer, choice string) error {
	var s models.Settings
	req := api.ResolveRequest{Choice: models.ConflictChoice(choice)}
	if err := call(cfg, http.MethodPost, "/api/settings/resolve", req, &s); err != nil {
		return err
	}
	fmt.Fprintf(w, "Conflict resolved with %s values. Settings version %d.\n", choice, s.Version)
	return nil
}
