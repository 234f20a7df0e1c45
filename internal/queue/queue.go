package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"courier/internal/models"
)

const DefaultMaxAttempts = 5

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrNotFailed     = errors.New("action is not failed")
	ErrSending       = errors.New("action is being sent")
)

// Store persists queued actions. Implemented by storage.BboltStorage.
type Store interface {
	PutActions(actions ...models.QueuedAction) error
	GetAction(id string) (models.QueuedAction, error)
	DeleteActions(ids ...string) error
	ListActions() ([]models.QueuedAction, error)
}

type Config struct {
	MaxAttempts int
	Logger      *slog.Logger
}

// Queue is the durable outbox. All mutations go through a single gate so
// that a batch handed out by DequeueBatch is never handed out twice.
type Queue struct {
	mu          sync.Mutex
	store       Store
	maxAttempts int
	log         *slog.Logger
	now         func() time.Time

	subsMu  sync.Mutex
	subs    map[int]func(models.QueueCounts)
	nextSub int
}

// New opens the queue on top of store. Actions left in the sending state by a
// previous run are returned to pending, without counting an attempt.
func New(store Store, cfg Config) (*Queue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	q := &Queue{
		store:       store,
		maxAttempts: cfg.MaxAttempts,
		log:         cfg.Logger,
		now:         time.Now,
		subs:        make(map[int]func(models.QueueCounts)),
	}

	actions, err := store.ListActions()
	if err != nil {
		return nil, fmt.Errorf("queue: failed to load actions: %w", err)
	}
	var recovered []models.QueuedAction
	for _, a := range actions {
		if a.Status == models.ActionStatusSending {
			a.Status = models.ActionStatusPending
			recovered = append(recovered, a)
		}
	}
	if len(recovered) > 0 {
		if err := store.PutActions(recovered...); err != nil {
			return nil, fmt.Errorf("queue: failed to recover in-flight actions: %w", err)
		}
		q.log.Info("recovered in-flight actions", "count", len(recovered))
	}
	return q, nil
}

func (q *Queue) MaxAttempts() int {
	return q.maxAttempts
}

// Enqueue adds a pending action. Enqueueing an id that is already stored
// replaces its kind, target and payload in place; position, attempts and
// status are kept.
func (q *Queue) Enqueue(action models.QueuedAction) (models.QueuedAction, error) {
	if action.ID == "" || action.Kind == "" {
		return models.QueuedAction{}, fmt.Errorf("%w: id and kind are required", ErrInvalidAction)
	}

	q.mu.Lock()
	existing, err := q.store.GetAction(action.ID)
	switch {
	case err == nil:
		existing.Kind = action.Kind
		existing.Target = action.Target
		existing.Payload = action.Payload
		action = existing
	case errors.Is(err, models.ErrNotFound):
		if action.CreatedAt.IsZero() {
			action.CreatedAt = q.now()
		}
		action.Status = models.ActionStatusPending
		action.Attempts = 0
		action.LastAttemptAt = time.Time{}
		action.LastError = ""
		action.Conflict = nil
	default:
		q.mu.Unlock()
		return models.QueuedAction{}, fmt.Errorf("queue: enqueue %s: %w", action.ID, err)
	}

	if err := q.store.PutActions(action); err != nil {
		q.mu.Unlock()
		return models.QueuedAction{}, fmt.Errorf("queue: enqueue %s: %w", action.ID, err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.log.Debug("action enqueued", "action_id", action.ID, "kind", action.Kind)
	q.notify(counts, countErr)
	return action, nil
}

// DequeueBatch hands out up to maxCount pending actions in creation order
// and marks them as sending. eligible filters actions that may be attempted
// now (nil accepts all). An action is skipped while an earlier action with
// the same ordering key is sending, parked in conflict, or pending but not
// eligible.
func (q *Queue) DequeueBatch(maxCount int, eligible func(models.QueuedAction) bool) ([]models.QueuedAction, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	actions, err := q.store.ListActions()
	if err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}

	blocked := make(map[string]bool)
	var batch []models.QueuedAction
	for _, a := range actions {
		if len(batch) >= maxCount {
			break
		}
		key := a.OrderingKey()
		switch a.Status {
		case models.ActionStatusSending, models.ActionStatusConflict:
			if key != "" {
				blocked[key] = true
			}
			continue
		case models.ActionStatusFailed:
			continue
		}
		if key != "" && blocked[key] {
			continue
		}
		if eligible != nil && !eligible(a) {
			if key != "" {
				blocked[key] = true
			}
			continue
		}
		a.Status = models.ActionStatusSending
		batch = append(batch, a)
	}

	if len(batch) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	if err := q.store.PutActions(batch...); err != nil {
		q.mu.Unlock()
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return batch, nil
}

// MarkDone removes an acknowledged action. Unknown ids are ignored.
func (q *Queue) MarkDone(id string) error {
	q.mu.Lock()
	if err := q.store.DeleteActions(id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue: mark done %s: %w", id, err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return nil
}

// MarkFailed records a failed attempt. The action goes back to pending until
// it reaches the attempt cap, then it stays failed until retried by the user.
func (q *Queue) MarkFailed(id string, cause error) (models.QueuedAction, error) {
	return q.update(id, func(a *models.QueuedAction) error {
		a.Attempts++
		a.LastAttemptAt = q.now()
		a.LastError = errString(cause)
		if a.Attempts >= q.maxAttempts {
			a.Status = models.ActionStatusFailed
			q.log.Warn("action failed permanently", "action_id", a.ID, "attempts", a.Attempts, "error", a.LastError)
		} else {
			a.Status = models.ActionStatusPending
		}
		return nil
	})
}

// MarkPermanentFailure moves an action straight to failed, for errors that
// retrying cannot fix.
func (q *Queue) MarkPermanentFailure(id string, cause error) (models.QueuedAction, error) {
	return q.update(id, func(a *models.QueuedAction) error {
		a.Attempts++
		a.LastAttemptAt = q.now()
		a.LastError = errString(cause)
		a.Status = models.ActionStatusFailed
		return nil
	})
}

// MarkConflict parks an action until the conflict is resolved.
func (q *Queue) MarkConflict(id string, record models.ConflictRecord) (models.QueuedAction, error) {
	return q.update(id, func(a *models.QueuedAction) error {
		a.Attempts++
		a.LastAttemptAt = q.now()
		a.LastError = "conflict"
		a.Status = models.ActionStatusConflict
		record.ActionID = a.ID
		a.Conflict = &record
		return nil
	})
}

// Amend replaces the payload of an action that is not being sent right now.
func (q *Queue) Amend(id string, payload json.RawMessage) (models.QueuedAction, error) {
	return q.update(id, func(a *models.QueuedAction) error {
		if a.Status == models.ActionStatusSending {
			return ErrSending
		}
		a.Payload = payload
		return nil
	})
}

// Release returns a sending action to pending without counting an attempt.
func (q *Queue) Release(id string) error {
	_, err := q.update(id, func(a *models.QueuedAction) error {
		if a.Status == models.ActionStatusSending {
			a.Status = models.ActionStatusPending
		}
		return nil
	})
	return err
}

// Retry makes a failed action pending again with a fresh attempt budget.
func (q *Queue) Retry(id string) (models.QueuedAction, error) {
	return q.update(id, func(a *models.QueuedAction) error {
		if a.Status != models.ActionStatusFailed {
			return ErrNotFailed
		}
		resetForRetry(a)
		return nil
	})
}

// RetryAll makes every failed action pending again.
func (q *Queue) RetryAll() (int, error) {
	q.mu.Lock()
	actions, err := q.store.ListActions()
	if err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("queue: retry all: %w", err)
	}
	var retried []models.QueuedAction
	for _, a := range actions {
		if a.Status == models.ActionStatusFailed {
			resetForRetry(&a)
			retried = append(retried, a)
		}
	}
	if len(retried) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	if err := q.store.PutActions(retried...); err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("queue: retry all: %w", err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return len(retried), nil
}

// Remove deletes an action regardless of its state.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	if _, err := q.store.GetAction(id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	if err := q.store.DeleteActions(id); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue: remove %s: %w", id, err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return nil
}

// Clear removes all actions in the given states. Without states it removes
// everything that is not currently being sent.
func (q *Queue) Clear(statuses ...models.ActionStatus) (int, error) {
	q.mu.Lock()
	actions, err := q.store.ListActions()
	if err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("queue: clear: %w", err)
	}
	var ids []string
	for _, a := range actions {
		if len(statuses) == 0 && a.Status == models.ActionStatusSending {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, a.Status) {
			continue
		}
		ids = append(ids, a.ID)
	}
	if len(ids) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	if err := q.store.DeleteActions(ids...); err != nil {
		q.mu.Unlock()
		return 0, fmt.Errorf("queue: clear: %w", err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return len(ids), nil
}

func (q *Queue) Get(id string) (models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.store.GetAction(id)
	if err != nil {
		return models.QueuedAction{}, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return a, nil
}

// List returns a snapshot of the queue in creation order, optionally
// filtered by status.
func (q *Queue) List(statuses ...models.ActionStatus) ([]models.QueuedAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	actions, err := q.store.ListActions()
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	if len(statuses) == 0 {
		return actions, nil
	}
	filtered := actions[:0]
	for _, a := range actions {
		if slices.Contains(statuses, a.Status) {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}

func (q *Queue) Counts() (models.QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

// Subscribe registers fn to be called with fresh counts after every change.
// The returned function unsubscribes.
func (q *Queue) Subscribe(fn func(models.QueueCounts)) func() {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	return func() {
		q.subsMu.Lock()
		defer q.subsMu.Unlock()
		delete(q.subs, id)
	}
}

func (q *Queue) update(id string, fn func(a *models.QueuedAction) error) (models.QueuedAction, error) {
	q.mu.Lock()
	a, err := q.store.GetAction(id)
	if err != nil {
		q.mu.Unlock()
		return models.QueuedAction{}, fmt.Errorf("queue: update %s: %w", id, err)
	}
	if err := fn(&a); err != nil {
		q.mu.Unlock()
		return models.QueuedAction{}, fmt.Errorf("queue: update %s: %w", id, err)
	}
	if err := q.store.PutActions(a); err != nil {
		q.mu.Unlock()
		return models.QueuedAction{}, fmt.Errorf("queue: update %s: %w", id, err)
	}
	counts, countErr := q.countsLocked()
	q.mu.Unlock()

	q.notify(counts, countErr)
	return a, nil
}

func (q *Queue) countsLocked() (models.QueueCounts, error) {
	actions, err := q.store.ListActions()
	if err != nil {
		return models.QueueCounts{}, err
	}
	var c models.QueueCounts
	for _, a := range actions {
		switch a.Status {
		case models.ActionStatusPending:
			c.Pending++
		case models.ActionStatusSending:
			c.Sending++
		case models.ActionStatusFailed:
			c.Failed++
		case models.ActionStatusConflict:
			c.Conflicts++
		}
	}
	return c, nil
}

func (q *Queue) notify(counts models.QueueCounts, err error) {
	if err != nil {
		q.log.Error("failed to count queue", "error", err)
		return
	}
	q.subsMu.Lock()
	subs := make([]func(models.QueueCounts), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subsMu.Unlock()

	for _, fn := range subs {
		fn(counts)
	}
}

func resetForRetry(a *models.QueuedAction) {
	a.Status = models.ActionStatusPending
	a.Attempts = 0
	a.LastAttemptAt = time.Time{}
	a.LastError = ""
}

func errString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
