package settings

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/models"
	"courier/internal/queue"
	"courier/internal/storage"

	"github.com/stretchr/testify/require"
)

type countingSyncer struct {
	n atomic.Int32
}

func (s *countingSyncer) Trigger() { s.n.Add(1) }

type mockRemote struct {
	settings models.Settings
}

func (m *mockRemote) FetchSettings(ctx context.Context) (models.Settings, error) {
	return m.settings, nil
}

type fixture struct {
	store   *storage.BboltStorage
	queue   *queue.Queue
	remote  *mockRemote
	syncer  *countingSyncer
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, remote: &mockRemote{}, syncer: &countingSyncer{}}
	f.reopen(t)
	return f
}

func (f *fixture) reopen(t *testing.T) {
	t.Helper()
	q, err := queue.New(f.store, queue.Config{})
	require.NoError(t, err)
	m, err := New(f.store, q, f.remote, Config{})
	require.NoError(t, err)
	m.SetSyncer(f.syncer)
	f.queue = q
	f.manager = m
}

func (f *fixture) queued(t *testing.T) []models.QueuedAction {
	t.Helper()
	actions, err := f.queue.List()
	require.NoError(t, err)
	return actions
}

func payloadOf(t *testing.T, a models.QueuedAction) models.SettingsPayload {
	t.Helper()
	var p models.SettingsPayload
	require.NoError(t, json.Unmarshal(a.Payload, &p))
	return p
}

// send hands the queued update out the way the sync coordinator does.
func (f *fixture) send(t *testing.T) models.QueuedAction {
	t.Helper()
	batch, err := f.queue.DequeueBatch(1, nil)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	return batch[0]
}

func (f *fixture) succeed(t *testing.T, a models.QueuedAction, server models.Settings) {
	t.Helper()
	require.NoError(t, f.queue.MarkDone(a.ID))
	f.manager.HandleResult(models.SyncResult{Action: a, Done: true, Settings: &server})
}

func (f *fixture) conflict(t *testing.T, a models.QueuedAction, server map[string]any, version int64) {
	t.Helper()
	parked, err := f.queue.MarkConflict(a.ID, models.ConflictRecord{
		Resource:      a.Target.Resource,
		Local:         payloadOf(t, a).Values,
		Server:        server,
		ServerVersion: version,
		DetectedAt:    time.Now(),
	})
	require.NoError(t, err)
	f.manager.HandleResult(models.SyncResult{Action: parked, Conflict: true, Err: "settings conflict"})
}

func TestUpdateIsOptimistic(t *testing.T) {
	f := newFixture(t)

	got, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	require.Equal(t, "dark", got.Values["theme"])
	require.True(t, got.Dirty)
	require.Equal(t, "dark", f.manager.Get().Values["theme"])
	require.EqualValues(t, 1, f.syncer.n.Load())

	actions := f.queued(t)
	require.Len(t, actions, 1)
	require.Equal(t, models.ActionUpdateSettings, actions[0].Kind)
	require.Equal(t, DefaultResource, actions[0].Target.Resource)
	p := payloadOf(t, actions[0])
	require.Equal(t, map[string]any{"theme": "dark"}, p.Values)
	require.Zero(t, p.ExpectedVersion)

	stored, err := f.store.GetSettings(DefaultResource)
	require.NoError(t, err)
	require.True(t, stored.Dirty)

	_, err = f.manager.Update(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyUpdate)
}

func TestUpdatesCoalesce(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	_, err = f.manager.Update(context.Background(), map[string]any{"fontSize": "large"})
	require.NoError(t, err)

	actions := f.queued(t)
	require.Len(t, actions, 1)
	require.Equal(t, map[string]any{"theme": "dark", "fontSize": "large"}, payloadOf(t, actions[0]).Values)
}

func TestSuccessClearsDirty(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	a := f.send(t)
	f.succeed(t, a, models.Settings{Values: map[string]any{"theme": "dark", "lang": "en"}, Version: 4})

	got := f.manager.Get()
	require.False(t, got.Dirty)
	require.EqualValues(t, 4, got.Version)
	require.Equal(t, "en", got.Values["lang"])
	require.Empty(t, f.queued(t))

	stored, err := f.store.GetSettings(DefaultResource)
	require.NoError(t, err)
	require.False(t, stored.Dirty)
	require.EqualValues(t, 4, stored.Version)
}

func TestChangesDuringSendAreDeferred(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	inFlight := f.send(t)

	_, err = f.manager.Update(context.Background(), map[string]any{"fontSize": "large"})
	require.NoError(t, err)
	require.Len(t, f.queued(t), 1)

	f.succeed(t, inFlight, models.Settings{Values: map[string]any{"theme": "dark"}, Version: 1})

	got := f.manager.Get()
	require.True(t, got.Dirty)
	require.Equal(t, "large", got.Values["fontSize"])

	actions := f.queued(t)
	require.Len(t, actions, 1)
	require.NotEqual(t, inFlight.ID, actions[0].ID)
	p := payloadOf(t, actions[0])
	require.Equal(t, map[string]any{"fontSize": "large"}, p.Values)
	require.EqualValues(t, 1, p.ExpectedVersion)
}

func (f *fixture) reject(t *testing.T, a models.QueuedAction) {
	t.Helper()
	failed, err := f.queue.MarkPermanentFailure(a.ID, errors.New("server returned 400"))
	require.NoError(t, err)
	f.manager.HandleResult(models.SyncResult{Action: failed, Terminal: true, Err: "server returned 400"})
}

func TestRejectedUpdateDoesNotSwallowLaterChanges(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "bogus"})
	require.NoError(t, err)
	rejected := f.send(t)
	f.reject(t, rejected)
	require.False(t, f.manager.Get().Dirty)

	_, err = f.manager.Update(context.Background(), map[string]any{"lang": "de"})
	require.NoError(t, err)

	next := f.send(t)
	require.NotEqual(t, rejected.ID, next.ID)
	require.Equal(t, map[string]any{"lang": "de"}, payloadOf(t, next).Values)

	failed, err := f.queue.List(models.ActionStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, rejected.ID, failed[0].ID)
	require.Equal(t, map[string]any{"theme": "bogus"}, payloadOf(t, failed[0]).Values)

	f.succeed(t, next, models.Settings{Values: map[string]any{"lang": "de"}, Version: 2})
	f.remote.settings = models.Settings{Values: map[string]any{"lang": "de", "theme": "light"}, Version: 2}
	got, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "light", got.Values["theme"])
}

func TestRejectedUpdateFoldsDeferredChanges(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "bogus"})
	require.NoError(t, err)
	inFlight := f.send(t)
	_, err = f.manager.Update(context.Background(), map[string]any{"fontSize": "large"})
	require.NoError(t, err)

	f.reject(t, inFlight)
	require.True(t, f.manager.Get().Dirty)

	pending, err := f.queue.List(models.ActionStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, map[string]any{"fontSize": "large"}, payloadOf(t, pending[0]).Values)
}

func TestRetriedRejectedUpdateIsTracked(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	f.reject(t, f.send(t))

	f.reopen(t)
	_, err = f.manager.Refresh(context.Background())
	require.NoError(t, err)

	_, err = f.queue.Retry(f.queued(t)[0].ID)
	require.NoError(t, err)
	f.succeed(t, f.send(t), models.Settings{Values: map[string]any{"theme": "dark"}, Version: 5})

	got := f.manager.Get()
	require.False(t, got.Dirty)
	require.EqualValues(t, 5, got.Version)
	require.Equal(t, "dark", got.Values["theme"])
	require.Empty(t, f.queued(t))
}

func TestConflictKeepsLocalValues(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	f.conflict(t, f.send(t), map[string]any{"theme": "light"}, 7)

	require.Equal(t, "dark", f.manager.Get().Values["theme"])
	record, ok := f.manager.Conflict()
	require.True(t, ok)
	require.Equal(t, "light", record.Server["theme"])
	require.Equal(t, "dark", record.Local["theme"])
	require.EqualValues(t, 7, record.ServerVersion)

	// Parked: the queue does not hand it out again.
	batch, err := f.queue.DequeueBatch(10, nil)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestResolveKeepLocal(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	parked := f.send(t)
	f.conflict(t, parked, map[string]any{"theme": "light"}, 7)

	got, err := f.manager.ResolveConflict(context.Background(), models.KeepLocal)
	require.NoError(t, err)
	require.Equal(t, "dark", got.Values["theme"])
	_, ok := f.manager.Conflict()
	require.False(t, ok)

	actions := f.queued(t)
	require.Len(t, actions, 1)
	require.NotEqual(t, parked.ID, actions[0].ID)
	require.Equal(t, models.ActionStatusPending, actions[0].Status)
	p := payloadOf(t, actions[0])
	require.True(t, p.Force)
	require.EqualValues(t, 7, p.ExpectedVersion)
	require.Equal(t, "dark", p.Values["theme"])
}

func TestResolveUseServer(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	f.conflict(t, f.send(t), map[string]any{"theme": "light"}, 7)

	got, err := f.manager.ResolveConflict(context.Background(), models.UseServer)
	require.NoError(t, err)
	require.Equal(t, "light", got.Values["theme"])
	require.EqualValues(t, 7, got.Version)
	require.False(t, got.Dirty)
	require.Empty(t, f.queued(t))

	_, err = f.manager.ResolveConflict(context.Background(), models.UseServer)
	require.ErrorIs(t, err, ErrNoConflict)
}

func TestResolveUnknownChoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	f.conflict(t, f.send(t), map[string]any{"theme": "light"}, 7)

	_, err = f.manager.ResolveConflict(context.Background(), "merge")
	require.ErrorIs(t, err, ErrUnknownChoice)
	_, ok := f.manager.Conflict()
	require.True(t, ok)
}

func TestConflictSurvivesRestart(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	f.conflict(t, f.send(t), map[string]any{"theme": "light"}, 7)

	f.reopen(t)

	require.Equal(t, "dark", f.manager.Get().Values["theme"])
	record, ok := f.manager.Conflict()
	require.True(t, ok)
	require.EqualValues(t, 7, record.ServerVersion)

	_, err = f.manager.ResolveConflict(context.Background(), models.UseServer)
	require.NoError(t, err)
	require.Empty(t, f.queued(t))
}

func TestDirtySettingsRequeuedOnStart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.UpsertSettings(DefaultResource, models.Settings{
		Values:  map[string]any{"theme": "dark"},
		Version: 2,
		Dirty:   true,
	}))

	f.reopen(t)

	actions := f.queued(t)
	require.Len(t, actions, 1)
	p := payloadOf(t, actions[0])
	require.Equal(t, "dark", p.Values["theme"])
	require.EqualValues(t, 2, p.ExpectedVersion)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t)
	f.remote.settings = models.Settings{Values: map[string]any{"theme": "light"}, Version: 3}

	got, err := f.manager.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, "light", got.Values["theme"])
	require.EqualValues(t, 3, got.Version)

	_, err = f.manager.Update(context.Background(), map[string]any{"theme": "dark"})
	require.NoError(t, err)
	_, err = f.manager.Refresh(context.Background())
	require.ErrorIs(t, err, ErrUnsyncedValues)
	require.Equal(t, "dark", f.manager.Get().Values["theme"])
}
