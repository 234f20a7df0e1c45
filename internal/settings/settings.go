package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"courier/internal/models"
	"courier/internal/queue"

	"github.com/google/uuid"
)

const DefaultResource = "user-settings"

var (
	ErrNoConflict     = errors.New("no settings conflict")
	ErrUnknownChoice  = errors.New("unknown conflict choice")
	ErrEmptyUpdate    = errors.New("nothing to update")
	ErrUnsyncedValues = errors.New("settings have unsynced local changes")
)

type Store interface {
	GetSettings(resource string) (models.Settings, error)
	UpsertSettings(resource string, settings models.Settings) error
}

type Queue interface {
	Enqueue(action models.QueuedAction) (models.QueuedAction, error)
	Amend(id string, payload json.RawMessage) (models.QueuedAction, error)
	Remove(id string) error
	List(statuses ...models.ActionStatus) ([]models.QueuedAction, error)
}

type Remote interface {
	FetchSettings(ctx context.Context) (models.Settings, error)
}

// Syncer is poked after a change is queued. Implemented by syncer.Coordinator.
type Syncer interface {
	Trigger()
}

type Config struct {
	Resource string
	Logger   *slog.Logger
}

// Manager holds the user's settings. Changes apply locally at once and reach
// the server through the durable queue, at most one queued update at a time.
type Manager struct {
	store    Store
	queue    Queue
	remote   Remote
	resource string
	log      *slog.Logger

	mu       sync.Mutex
	syncer   Syncer
	current  models.Settings
	action   *models.SettingsPayload // payload of the queued update
	actionID string
	deferred map[string]any // changes made while the queued update was in flight
	conflict *models.ConflictRecord
}

// New loads stored settings and picks up an update or conflict left in the
// queue by a previous run.
func New(store Store, q Queue, remote Remote, cfg Config) (*Manager, error) {
	if cfg.Resource == "" {
		cfg.Resource = DefaultResource
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		store:    store,
		queue:    q,
		remote:   remote,
		resource: cfg.Resource,
		log:      cfg.Logger,
	}

	current, err := store.GetSettings(m.resource)
	switch {
	case errors.Is(err, models.ErrNotFound):
		current = models.Settings{}
	case err != nil:
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	if current.Values == nil {
		current.Values = make(map[string]any)
	}
	m.current = current

	actions, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("settings: load queue: %w", err)
	}
	for _, a := range actions {
		if a.Kind != models.ActionUpdateSettings || a.Target.Resource != m.resource {
			continue
		}
		if a.Status == models.ActionStatusFailed {
			// Left for the queue viewer; a manual retry is picked up in HandleResult.
			continue
		}
		p, err := decodePayload(a.Payload)
		if err != nil {
			m.log.Warn("skipping corrupt settings update", "action_id", a.ID, "error", err)
			continue
		}
		m.actionID = a.ID
		m.action = &p
		if a.Conflict != nil {
			record := *a.Conflict
			m.conflict = &record
		}
	}

	if m.current.Dirty && m.actionID == "" {
		// Changed locally but the update never made it into the queue.
		if err := m.enqueueLocked(maps.Clone(m.current.Values), m.current.Version, false); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) SetSyncer(s Syncer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncer = s
}

func (m *Manager) Resource() string {
	return m.resource
}

func (m *Manager) Get() models.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSettings(m.current)
}

// Conflict returns the unresolved conflict, if any.
func (m *Manager) Conflict() (models.ConflictRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflict == nil {
		return models.ConflictRecord{}, false
	}
	return cloneConflict(*m.conflict), true
}

// Update merges partial into the local settings and queues it for the server.
func (m *Manager) Update(ctx context.Context, partial map[string]any) (models.Settings, error) {
	if len(partial) == 0 {
		return models.Settings{}, ErrEmptyUpdate
	}

	m.mu.Lock()
	next := cloneSettings(m.current)
	maps.Copy(next.Values, partial)
	next.Dirty = true
	next.UpdatedAt = time.Now()
	if err := m.store.UpsertSettings(m.resource, next); err != nil {
		m.mu.Unlock()
		return models.Settings{}, fmt.Errorf("settings: save: %w", err)
	}
	m.current = next

	if err := m.queueChangeLocked(partial); err != nil {
		m.mu.Unlock()
		return models.Settings{}, err
	}
	out := cloneSettings(m.current)
	syncer := m.syncer
	m.mu.Unlock()

	if syncer != nil {
		syncer.Trigger()
	}
	return out, nil
}

// queueChangeLocked folds partial into the queued update, or queues a new
// one. While the queued update is being sent, changes wait in deferred.
func (m *Manager) queueChangeLocked(partial map[string]any) error {
	if m.actionID == "" {
		return m.enqueueLocked(maps.Clone(partial), m.current.Version, false)
	}

	next := *m.action
	next.Values = maps.Clone(next.Values)
	if next.Values == nil {
		next.Values = make(map[string]any)
	}
	maps.Copy(next.Values, partial)
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = m.queue.Amend(m.actionID, data)
	switch {
	case err == nil:
		m.action = &next
		if m.conflict != nil {
			m.conflict.Local = maps.Clone(next.Values)
		}
		return nil
	case errors.Is(err, queue.ErrSending):
		if m.deferred == nil {
			m.deferred = make(map[string]any)
		}
		maps.Copy(m.deferred, partial)
		return nil
	case errors.Is(err, models.ErrNotFound):
		m.log.Warn("queued settings update vanished, queueing again", "action_id", m.actionID)
		m.actionID = ""
		m.action = nil
		m.conflict = nil
		return m.enqueueLocked(maps.Clone(m.current.Values), m.current.Version, false)
	default:
		return fmt.Errorf("settings: queue update: %w", err)
	}
}

func (m *Manager) enqueueLocked(values map[string]any, version int64, force bool) error {
	p := models.SettingsPayload{Values: values, ExpectedVersion: version, Force: force}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	id := uuid.NewString()
	if _, err := m.queue.Enqueue(models.QueuedAction{
		ID:      id,
		Kind:    models.ActionUpdateSettings,
		Target:  models.Target{Resource: m.resource},
		Payload: data,
	}); err != nil {
		return fmt.Errorf("settings: queue update: %w", err)
	}
	m.actionID = id
	m.action = &p
	return nil
}

// HandleResult applies the outcome of a queued settings update.
func (m *Manager) HandleResult(result models.SyncResult) {
	if result.Action.Kind != models.ActionUpdateSettings || result.Action.Target.Resource != m.resource {
		return
	}

	m.mu.Lock()
	if result.Action.ID != m.actionID {
		if m.actionID != "" {
			m.mu.Unlock()
			return
		}
		// A failed update the user retried from the queue viewer.
		p, err := decodePayload(result.Action.Payload)
		if err != nil {
			m.mu.Unlock()
			m.log.Warn("skipping corrupt settings update", "action_id", result.Action.ID, "error", err)
			return
		}
		m.actionID = result.Action.ID
		m.action = &p
	}

	trigger := false
	switch {
	case result.Done:
		m.actionID = ""
		m.action = nil
		m.conflict = nil
		if result.Settings != nil {
			m.current.Version = result.Settings.Version
			if result.Settings.Values != nil {
				m.current.Values = maps.Clone(result.Settings.Values)
			}
		}
		m.current.Dirty = false
		if len(m.deferred) > 0 {
			maps.Copy(m.current.Values, m.deferred)
			m.current.Dirty = true
			if err := m.enqueueLocked(m.deferred, m.current.Version, false); err != nil {
				m.log.Error("failed to queue deferred settings", "error", err)
			}
			m.deferred = nil
			trigger = true
		}
		m.persistLocked()
		m.log.Info("settings synced", "version", m.current.Version)

	case result.Conflict:
		record := models.ConflictRecord{ActionID: result.Action.ID, Resource: m.resource, DetectedAt: time.Now()}
		if result.Action.Conflict != nil {
			record = cloneConflict(*result.Action.Conflict)
		}
		record.ActionID = result.Action.ID
		m.conflict = &record
		m.foldDeferredLocked()
		m.log.Warn("settings conflict", "server_version", record.ServerVersion)

	case result.Terminal:
		// The failed record stays in the queue for a manual retry. Later
		// changes go into a fresh update instead of the rejected one.
		m.actionID = ""
		m.action = nil
		m.conflict = nil
		m.current.Dirty = len(m.deferred) > 0
		if m.current.Dirty {
			if err := m.enqueueLocked(m.deferred, m.current.Version, false); err != nil {
				m.log.Error("failed to queue deferred settings", "error", err)
			}
			trigger = true
		}
		m.deferred = nil
		m.persistLocked()
		m.log.Error("settings update rejected", "action_id", result.Action.ID, "error", result.Err)

	default:
		m.foldDeferredLocked()
	}
	syncer := m.syncer
	m.mu.Unlock()

	if trigger && syncer != nil {
		syncer.Trigger()
	}
}

// foldDeferredLocked moves changes made during a send into the queued update
// once it is no longer in flight.
func (m *Manager) foldDeferredLocked() {
	if len(m.deferred) == 0 {
		return
	}
	deferred := m.deferred
	m.deferred = nil
	if err := m.queueChangeLocked(deferred); err != nil {
		m.log.Error("failed to queue deferred settings", "error", err)
	}
}

// ResolveConflict settles a parked update. KeepLocal sends the local values
// again on top of the server's version; UseServer drops them.
func (m *Manager) ResolveConflict(ctx context.Context, choice models.ConflictChoice) (models.Settings, error) {
	m.mu.Lock()
	if m.conflict == nil {
		m.mu.Unlock()
		return models.Settings{}, ErrNoConflict
	}
	record := *m.conflict

	switch choice {
	case models.KeepLocal:
		if err := m.queue.Remove(record.ActionID); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.mu.Unlock()
			return models.Settings{}, fmt.Errorf("settings: resolve: %w", err)
		}
		m.actionID = ""
		m.action = nil
		if err := m.enqueueLocked(maps.Clone(m.current.Values), record.ServerVersion, true); err != nil {
			m.mu.Unlock()
			return models.Settings{}, err
		}

	case models.UseServer:
		if err := m.queue.Remove(record.ActionID); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.mu.Unlock()
			return models.Settings{}, fmt.Errorf("settings: resolve: %w", err)
		}
		m.actionID = ""
		m.action = nil
		m.deferred = nil
		m.current.Values = maps.Clone(record.Server)
		if m.current.Values == nil {
			m.current.Values = make(map[string]any)
		}
		m.current.Version = record.ServerVersion
		m.current.Dirty = false
		m.current.UpdatedAt = time.Now()
		m.persistLocked()

	default:
		m.mu.Unlock()
		return models.Settings{}, fmt.Errorf("%w: %q", ErrUnknownChoice, choice)
	}

	m.conflict = nil
	out := cloneSettings(m.current)
	syncer := m.syncer
	m.mu.Unlock()

	m.log.Info("settings conflict resolved", "choice", choice)
	if choice == models.KeepLocal && syncer != nil {
		syncer.Trigger()
	}
	return out, nil
}

// Refresh replaces local settings with the server's copy. It refuses while
// local changes are waiting to be synced.
func (m *Manager) Refresh(ctx context.Context) (models.Settings, error) {
	server, err := m.remote.FetchSettings(ctx)
	if err != nil {
		return models.Settings{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current.Dirty || m.actionID != "" {
		return models.Settings{}, ErrUnsyncedValues
	}
	server.Dirty = false
	if server.Values == nil {
		server.Values = make(map[string]any)
	}
	m.current = cloneSettings(server)
	m.persistLocked()
	return cloneSettings(m.current), nil
}

func (m *Manager) persistLocked() {
	if err := m.store.UpsertSettings(m.resource, m.current); err != nil {
		m.log.Error("failed to save settings", "error", err)
	}
}

func decodePayload(data json.RawMessage) (models.SettingsPayload, error) {
	var p models.SettingsPayload
	err := json.Unmarshal(data, &p)
	return p, err
}

func cloneSettings(s models.Settings) models.Settings {
	s.Values = maps.Clone(s.Values)
	if s.Values == nil {
		s.Values = make(map[string]any)
	}
	return s
}

func cloneConflict(c models.ConflictRecord) models.ConflictRecord {
	c.Local = maps.Clone(c.Local)
	c.Server = maps.Clone(c.Server)
	return c
}
