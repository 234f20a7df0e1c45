package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier/internal/models"
	"courier/internal/remote"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultBatchSize = 10
	DefaultInterval  = 5 * time.Second
)

var (
	// ErrPermanent marks failures that retrying cannot fix, for collaborators
	// such as Uploader whose errors are not HTTP answers.
	ErrPermanent      = errors.New("permanent failure")
	errInvalidPayload = fmt.Errorf("%w: invalid action payload", ErrPermanent)
)

type Queue interface {
	DequeueBatch(maxCount int, eligible func(models.QueuedAction) bool) ([]models.QueuedAction, error)
	MarkDone(id string) error
	MarkFailed(id string, cause error) (models.QueuedAction, error)
	MarkPermanentFailure(id string, cause error) (models.QueuedAction, error)
	MarkConflict(id string, record models.ConflictRecord) (models.QueuedAction, error)
	Release(id string) error
	Counts() (models.QueueCounts, error)
	Subscribe(fn func(models.QueueCounts)) func()
}

type Connectivity interface {
	State() models.ConnectionState
	Subscribe(fn func(models.ConnectionState)) func()
}

// Remote performs the server calls behind each kind of queued action.
type Remote interface {
	SendMessage(ctx context.Context, idempotencyKey string, p models.SendMessagePayload) (models.Message, error)
	EditMessage(ctx context.Context, idempotencyKey string, p models.EditMessagePayload) (models.Message, error)
	DeleteMessage(ctx context.Context, idempotencyKey string, p models.DeleteMessagePayload) error
	AddReaction(ctx context.Context, idempotencyKey string, p models.ReactionPayload) error
	UpdateSettings(ctx context.Context, idempotencyKey string, p models.SettingsPayload) (models.Settings, error)
}

// Uploader finishes attachment uploads for a queued send before the message
// itself goes out.
type Uploader interface {
	PrepareSend(ctx context.Context, p *models.SendMessagePayload) error
}

type Config struct {
	BatchSize int
	Interval  time.Duration
	Backoff   Backoff
	Uploader  Uploader
	Logger    *slog.Logger
}

// Summary describes one drain pass.
type Summary struct {
	Processed      int  `json:"processed"`
	Succeeded      int  `json:"succeeded"`
	Failed         int  `json:"failed"`
	Conflicts      int  `json:"conflicts"`
	StoppedOffline bool `json:"stoppedOffline"`
}

// Coordinator drains the durable queue whenever connectivity allows. At most
// one drain pass runs at a time; concurrent SyncNow calls share it.
type Coordinator struct {
	queue    Queue
	conn     Connectivity
	remote   Remote
	uploader Uploader

	batchSize int
	interval  time.Duration
	backoff   Backoff

	group   singleflight.Group
	trigger chan struct{}

	// Drain passes run on ctx rather than on a caller's context, so a
	// caller going away does not abort sends in flight. Close cancels it.
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.Mutex

	mu    sync.Mutex
	state models.SyncState

	subsMu  sync.Mutex
	subs    map[int]func(models.SyncResult)
	nextSub int

	log *slog.Logger
	now func() time.Time
}

func New(queue Queue, conn Connectivity, remote Remote, cfg Config) *Coordinator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:       ctx,
		cancel:    cancel,
		queue:     queue,
		conn:      conn,
		remote:    remote,
		uploader:  cfg.Uploader,
		batchSize: cfg.BatchSize,
		interval:  cfg.Interval,
		backoff:   cfg.Backoff,
		trigger:   make(chan struct{}, 1),
		state:     models.SyncState{Status: models.SyncIdle},
		subs:      make(map[int]func(models.SyncResult)),
		log:       cfg.Logger,
		now:       time.Now,
	}
}

// SetUploader wires the attachment uploader after construction.
func (c *Coordinator) SetUploader(u Uploader) {
	c.uploader = u
}

// Subscribe registers fn for the outcome of every processed action.
func (c *Coordinator) Subscribe(fn func(models.SyncResult)) func() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		delete(c.subs, id)
	}
}

// State returns the coordinator status together with fresh queue counts.
func (c *Coordinator) State() models.SyncState {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	counts, err := c.queue.Counts()
	if err != nil {
		c.log.Error("failed to count queue", "error", err)
	}
	st.QueueCounts = counts
	return st
}

// Trigger asks the background loop for a drain pass without waiting for it.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// SyncNow drains the queue and returns the result. If a pass is already in
// flight the caller waits for it and gets its result. Cancelling ctx stops
// the wait, not the pass.
func (c *Coordinator) SyncNow(ctx context.Context) (Summary, error) {
	ch := c.group.DoChan("drain", func() (any, error) {
		c.running.Lock()
		defer c.running.Unlock()
		return c.drain(c.ctx)
	})
	select {
	case res := <-ch:
		summary, _ := res.Val.(Summary)
		return summary, res.Err
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

// Close interrupts the running pass and waits for it to hand its actions
// back to the queue. Interrupted actions do not lose an attempt.
func (c *Coordinator) Close() {
	c.cancel()
	c.running.Lock()
	defer c.running.Unlock()
}

// Run triggers drain passes when the device comes online, when new actions
// are queued and periodically for actions waiting out their backoff.
func (c *Coordinator) Run(ctx context.Context) error {
	wasOnline := c.conn.State().Online
	var onlineMu sync.Mutex
	unsubConn := c.conn.Subscribe(func(st models.ConnectionState) {
		onlineMu.Lock()
		cameOnline := st.Online && !wasOnline
		wasOnline = st.Online
		onlineMu.Unlock()
		if cameOnline {
			c.log.Info("back online, flushing queue")
			c.Trigger()
		}
	})
	defer unsubConn()

	unsubQueue := c.queue.Subscribe(func(counts models.QueueCounts) {
		if counts.Pending > 0 {
			c.Trigger()
		}
	})
	defer unsubQueue()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Trigger()
	for {
		select {
		case <-c.trigger:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		if _, err := c.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Error("sync failed", "error", err)
		}
	}
}

func (c *Coordinator) drain(ctx context.Context) (Summary, error) {
	var summary Summary
	c.setStatus(models.SyncSyncing, nil)

	// Each pass attempts an action at most once: anything that failed during
	// this pass is not ready again until after now.
	now := c.now()
	eligible := func(a models.QueuedAction) bool {
		return c.backoff.Ready(a, now) && !a.LastAttemptAt.After(now)
	}

	for {
		if err := ctx.Err(); err != nil {
			c.setStatus(models.SyncIdle, nil)
			return summary, err
		}
		if !c.conn.State().Online {
			summary.StoppedOffline = true
			break
		}

		batch, err := c.queue.DequeueBatch(c.batchSize, eligible)
		if err != nil {
			c.setStatus(models.SyncError, err)
			return summary, err
		}
		if len(batch) == 0 {
			break
		}

		blocked := make(map[string]bool)
		for i, action := range batch {
			key := action.OrderingKey()
			if (key != "" && blocked[key]) || ctx.Err() != nil || !c.conn.State().Online {
				c.release(action)
				continue
			}

			result, err := c.process(ctx, action)
			if err != nil {
				for _, rest := range batch[i+1:] {
					c.release(rest)
				}
				if ctx.Err() != nil {
					c.setStatus(models.SyncIdle, nil)
				} else {
					c.setStatus(models.SyncError, err)
				}
				return summary, err
			}
			summary.Processed++
			switch {
			case result.Done:
				summary.Succeeded++
			case result.Conflict:
				summary.Conflicts++
			default:
				summary.Failed++
			}
			if !result.Done && key != "" {
				blocked[key] = true
			}
		}
	}

	c.mu.Lock()
	c.state.Status = models.SyncIdle
	c.state.LastError = ""
	c.state.LastSyncAt = c.now()
	c.mu.Unlock()

	if summary.Processed > 0 || summary.StoppedOffline {
		c.log.Info("sync pass finished",
			"processed", summary.Processed,
			"succeeded", summary.Succeeded,
			"failed", summary.Failed,
			"conflicts", summary.Conflicts,
			"stopped_offline", summary.StoppedOffline)
	}
	return summary, nil
}

// process sends one action and records the outcome in the queue. The
// returned error is for queue storage failures and for interruption by Close.
func (c *Coordinator) process(ctx context.Context, action models.QueuedAction) (models.SyncResult, error) {
	result, sendErr := c.dispatch(ctx, action)
	if sendErr != nil && ctx.Err() != nil {
		c.release(action)
		c.log.Info("action interrupted, returned to queue", "action_id", action.ID)
		return result, ctx.Err()
	}

	var conflict *remote.ConflictError
	switch {
	case sendErr == nil:
		if err := c.queue.MarkDone(action.ID); err != nil {
			return result, err
		}
		result.Done = true
		result.Action = action

	case errors.As(sendErr, &conflict):
		record := models.ConflictRecord{
			Resource:      action.Target.Resource,
			Local:         settingsValues(action.Payload),
			Server:        conflict.Server.Values,
			ServerVersion: conflict.Server.Version,
			DetectedAt:    c.now(),
		}
		updated, err := c.queue.MarkConflict(action.ID, record)
		if err != nil {
			return result, err
		}
		c.log.Warn("action parked on conflict", "action_id", action.ID, "resource", record.Resource)
		result.Action = updated
		result.Conflict = true
		result.Err = sendErr.Error()

	case !errors.Is(sendErr, ErrPermanent) && remote.IsRetryable(sendErr):
		updated, err := c.queue.MarkFailed(action.ID, sendErr)
		if err != nil {
			return result, err
		}
		c.log.Warn("action failed, will retry",
			"action_id", action.ID,
			"kind", action.Kind,
			"attempts", updated.Attempts,
			"next_in", c.backoff.Delay(updated.Attempts),
			"error", sendErr)
		result.Action = updated
		result.Terminal = updated.Status == models.ActionStatusFailed
		result.Err = sendErr.Error()

	default:
		updated, err := c.queue.MarkPermanentFailure(action.ID, sendErr)
		if err != nil {
			return result, err
		}
		c.log.Error("action rejected", "action_id", action.ID, "kind", action.Kind, "error", sendErr)
		result.Action = updated
		result.Terminal = true
		result.Err = sendErr.Error()
	}

	c.publish(result)
	return result, nil
}

func (c *Coordinator) dispatch(ctx context.Context, action models.QueuedAction) (models.SyncResult, error) {
	var result models.SyncResult
	switch action.Kind {
	case models.ActionSendMessage:
		var p models.SendMessagePayload
		if err := decode(action, &p); err != nil {
			return result, err
		}
		if c.uploader != nil {
			if err := c.uploader.PrepareSend(ctx, &p); err != nil {
				return result, err
			}
		}
		msg, err := c.remote.SendMessage(ctx, action.ID, p)
		if err != nil {
			return result, err
		}
		result.Message = &msg

	case models.ActionEditMessage:
		var p models.EditMessagePayload
		if err := decode(action, &p); err != nil {
			return result, err
		}
		msg, err := c.remote.EditMessage(ctx, action.ID, p)
		if err != nil {
			return result, err
		}
		result.Message = &msg

	case models.ActionDeleteMessage:
		var p models.DeleteMessagePayload
		if err := decode(action, &p); err != nil {
			return result, err
		}
		if err := c.remote.DeleteMessage(ctx, action.ID, p); err != nil {
			return result, err
		}

	case models.ActionReact:
		var p models.ReactionPayload
		if err := decode(action, &p); err != nil {
			return result, err
		}
		if err := c.remote.AddReaction(ctx, action.ID, p); err != nil {
			return result, err
		}

	case models.ActionUpdateSettings:
		var p models.SettingsPayload
		if err := decode(action, &p); err != nil {
			return result, err
		}
		settings, err := c.remote.UpdateSettings(ctx, action.ID, p)
		if err != nil {
			return result, err
		}
		result.Settings = &settings

	default:
		return result, fmt.Errorf("%w: unknown kind %q", errInvalidPayload, action.Kind)
	}
	return result, nil
}

func (c *Coordinator) release(action models.QueuedAction) {
	if err := c.queue.Release(action.ID); err != nil {
		c.log.Error("failed to release action", "action_id", action.ID, "error", err)
	}
}

func (c *Coordinator) publish(result models.SyncResult) {
	c.subsMu.Lock()
	subs := make([]func(models.SyncResult), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
}

func (c *Coordinator) setStatus(status models.SyncStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Status = status
	if err != nil {
		c.state.LastError = err.Error()
	}
}

func decode(action models.QueuedAction, v any) error {
	if err := json.Unmarshal(action.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errInvalidPayload, action.ID, err)
	}
	return nil
}

func settingsValues(payload json.RawMessage) map[string]any {
	var p models.SettingsPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil
	}
	return p.Values
}
