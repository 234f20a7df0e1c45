package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"courier/internal/models"
)

func TestStorage(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "storage_test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	dbPath := filepath.Join(tmpDir, "test.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	created := time.Unix(1700000000, 0)

	t.Run("Actions", func(t *testing.T) {
		a1 := models.QueuedAction{
			ID:        "a1",
			Kind:      models.ActionSendMessage,
			Target:    models.Target{ChannelID: "general"},
			Payload:   json.RawMessage(`{"content":"hello"}`),
			CreatedAt: created,
			Status:    models.ActionStatusPending,
		}
		a2 := models.QueuedAction{
			ID:        "a2",
			Kind:      models.ActionEditMessage,
			Target:    models.Target{ChannelID: "general", MessageID: "m1"},
			CreatedAt: created.Add(time.Second),
			Status:    models.ActionStatusPending,
		}
		if err := store.PutActions(a1, a2); err != nil {
			t.Fatalf("PutActions failed: %v", err)
		}

		// Updating a1 must not move it behind a2.
		a1.Attempts = 2
		a1.LastError = "boom"
		if err := store.PutActions(a1); err != nil {
			t.Fatalf("PutActions update failed: %v", err)
		}

		actions, err := store.ListActions()
		if err != nil {
			t.Fatalf("ListActions failed: %v", err)
		}
		if len(actions) != 2 {
			t.Fatalf("expected 2 actions, got %d", len(actions))
		}
		if actions[0].ID != "a1" || actions[1].ID != "a2" {
			t.Errorf("unexpected order: %s, %s", actions[0].ID, actions[1].ID)
		}
		if actions[0].Attempts != 2 || actions[0].LastError != "boom" {
			t.Errorf("update not persisted: %+v", actions[0])
		}
		if string(actions[0].Payload) != `{"content":"hello"}` {
			t.Errorf("unexpected payload %s", actions[0].Payload)
		}
		if !actions[0].CreatedAt.Equal(created) {
			t.Errorf("expected CreatedAt %v, got %v", created, actions[0].CreatedAt)
		}

		got, err := store.GetAction("a2")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Target.MessageID != "m1" {
			t.Errorf("expected message id m1, got %s", got.Target.MessageID)
		}

		if err := store.DeleteActions("a1", "missing"); err != nil {
			t.Fatalf("DeleteActions failed: %v", err)
		}
		if _, err := store.GetAction("a1"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		actions, err = store.ListActions()
		if err != nil {
			t.Fatalf("ListActions failed: %v", err)
		}
		if len(actions) != 1 || actions[0].ID != "a2" {
			t.Errorf("expected only a2 left, got %+v", actions)
		}
	})

	t.Run("Conflict", func(t *testing.T) {
		action := models.QueuedAction{
			ID:        "s1",
			Kind:      models.ActionUpdateSettings,
			Target:    models.Target{Resource: "settings"},
			CreatedAt: created,
			Status:    models.ActionStatusConflict,
			Conflict: &models.ConflictRecord{
				ActionID:      "s1",
				Resource:      "settings",
				Local:         map[string]any{"theme": "dark"},
				Server:        map[string]any{"theme": "light"},
				ServerVersion: 4,
				DetectedAt:    created,
			},
		}
		if err := store.PutActions(action); err != nil {
			t.Fatalf("PutActions failed: %v", err)
		}
		got, err := store.GetAction("s1")
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if got.Conflict == nil {
			t.Fatal("expected conflict record")
		}
		if got.Conflict.Local["theme"] != "dark" || got.Conflict.Server["theme"] != "light" {
			t.Errorf("unexpected conflict values: %+v", got.Conflict)
		}
		if got.Conflict.ServerVersion != 4 {
			t.Errorf("expected server version 4, got %d", got.Conflict.ServerVersion)
		}
	})

	t.Run("Settings", func(t *testing.T) {
		if _, err := store.GetSettings("user"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		settings := models.Settings{
			Values:  map[string]any{"theme": "dark", "fontSize": 14.0},
			Version: 3,
			Dirty:   true,
		}
		if err := store.UpsertSettings("user", settings); err != nil {
			t.Fatalf("UpsertSettings failed: %v", err)
		}
		got, err := store.GetSettings("user")
		if err != nil {
			t.Fatalf("GetSettings failed: %v", err)
		}
		if got.Version != 3 || !got.Dirty {
			t.Errorf("unexpected settings %+v", got)
		}
		if got.Values["fontSize"] != 14.0 {
			t.Errorf("expected fontSize 14, got %v", got.Values["fontSize"])
		}
	})

	t.Run("Files", func(t *testing.T) {
		meta := FileMetadata{ID: "f1", Hash: "abcd", Name: "cat.png", MimeType: "image/png", Size: 10}
		if err := store.UpsertFileMetadata(meta); err != nil {
			t.Fatalf("UpsertFileMetadata failed: %v", err)
		}
		got, err := store.GetFileMetadata("f1")
		if err != nil {
			t.Fatalf("GetFileMetadata failed: %v", err)
		}
		if got.Name != "cat.png" || got.Hash != "abcd" {
			t.Errorf("unexpected metadata %+v", got)
		}
		if err := store.DeleteFileMetadata("f1"); err != nil {
			t.Fatalf("DeleteFileMetadata failed: %v", err)
		}
		if _, err := store.GetFileMetadata("f1"); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStorageReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	store, err := NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	for _, id := range []string{"x", "y", "z"} {
		if err := store.PutActions(models.QueuedAction{ID: id, Kind: models.ActionReact, Status: models.ActionStatusPending}); err != nil {
			t.Fatalf("PutActions failed: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err = NewBboltStorage(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen storage: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.PutActions(models.QueuedAction{ID: "w", Kind: models.ActionReact, Status: models.ActionStatusPending}); err != nil {
		t.Fatalf("PutActions failed: %v", err)
	}
	actions, err := store.ListActions()
	if err != nil {
		t.Fatalf("ListActions failed: %v", err)
	}
	var ids []string
	for _, a := range actions {
		ids = append(ids, a.ID)
	}
	want := []string{"x", "y", "z", "w"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("expected %v, got %v", want, ids)
			break
		}
	}
}
