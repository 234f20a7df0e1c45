package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"slices"
	"sync"
	"time"

	"courier/internal/api"
	"courier/internal/auth"
	"courier/internal/config"
	"courier/internal/connectivity"
	"courier/internal/filestore"
	"courier/internal/http"
	"courier/internal/models"
	"courier/internal/optimistic"
	"courier/internal/queue"
	"courier/internal/realtime"
	"courier/internal/remote"
	"courier/internal/settings"
	"courier/internal/storage"
	"courier/internal/syncer"

	"golang.org/x/sync/errgroup"
)

// Engine owns every service of the client and the order they start and
// stop in.
type Engine struct {
	cfg *config.Config
	log *slog.Logger

	store  *storage.BboltStorage
	files  *filestore.Staging
	tokens *auth.TokenSource
	remote *remote.Client

	queue    *queue.Queue
	monitor  *connectivity.Monitor
	prober   *connectivity.Prober
	syncer   *syncer.Coordinator
	tracker  *optimistic.Tracker
	settings *settings.Manager
	realtime *realtime.Client
	presence *realtime.Presence
	typing   *realtime.Typing
	delivery *realtime.Delivery

	server *http.StatusServer

	// cancels the TTL caches and the token source
	cancel      context.CancelFunc
	unsubscribe []func()
	closeOnce   sync.Once
	closeErr    error
}

// New opens local storage and builds every service. Nothing talks to the
// network until Run.
func New(cfg *config.Config, logger *slog.Logger) (_ *Engine, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{cfg: cfg, log: logger, cancel: cancel}
	defer func() {
		if err != nil {
			_ = e.Close()
		}
	}()

	e.store, err = storage.NewBboltStorage(cfg.DBFile())
	if err != nil {
		return nil, err
	}
	e.files, err = filestore.NewStaging(cfg.FilesPath(), logger.With("service", "filestore"))
	if err != nil {
		return nil, err
	}

	e.tokens, err = auth.NewTokenSource(ctx, auth.Config{
		BaseURL:    cfg.ServerURL,
		Token:      cfg.Token,
		Username:   cfg.Username,
		Password:   cfg.Password,
		TOTPSecret: cfg.TOTPSecret,
		TokenTTL:   cfg.TokenExpiry,
	}, logger.With("service", "auth"))
	if err != nil {
		return nil, err
	}
	e.remote = remote.New(cfg.ServerURL, e.tokens, cfg.RequestTimeout, logger.With("service", "remote"))

	e.queue, err = queue.New(e.store, queue.Config{
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger.With("service", "queue"),
	})
	if err != nil {
		return nil, err
	}

	e.monitor = connectivity.NewMonitor(logger.With("service", "connectivity"))
	e.prober = connectivity.NewProber(e.monitor, cfg.HealthURL, cfg.ProbeInterval, cfg.RequestTimeout, logger.With("service", "prober"))

	e.syncer = syncer.New(e.queue, e.monitor, e.remote, syncer.Config{
		BatchSize: cfg.BatchSize,
		Interval:  cfg.SyncInterval,
		Logger:    logger.With("service", "syncer"),
	})

	e.tracker = optimistic.New(e.remote, e.queue, e.monitor, e.files, e.store, optimistic.Config{
		UserID:      cfg.UserID,
		GracePeriod: cfg.GracePeriod,
		SendTimeout: cfg.RequestTimeout,
		Logger:      logger.With("service", "tracker"),
	})
	e.syncer.SetUploader(e.tracker)

	e.settings, err = settings.New(e.store, e.queue, e.remote, settings.Config{
		Logger: logger.With("service", "settings"),
	})
	if err != nil {
		return nil, err
	}
	e.settings.SetSyncer(e.syncer)

	e.realtime = realtime.NewClient(e.tokens, e.monitor, realtime.Config{
		URL:    cfg.RealtimeURL,
		Logger: logger.With("service", "realtime"),
	})
	e.presence = realtime.NewPresence(ctx, e.realtime, cfg.UserID, realtime.DefaultPresenceTTL, logger.With("service", "presence"))
	e.typing = realtime.NewTyping(ctx, e.realtime, realtime.TypingConfig{
		UserID:   cfg.UserID,
		UserName: cfg.Username,
		Logger:   logger.With("service", "typing"),
	})
	e.delivery = realtime.NewDelivery(e.realtime, cfg.UserID, 0, logger.With("service", "delivery"))

	e.server = http.NewStatusServer(api.New(e, logger.With("service", "api")), cfg.StatusAddr, logger.With("service", "http"))

	e.wire(ctx)

	actions, err := e.queue.List()
	if err != nil {
		return nil, err
	}
	if n := e.tracker.Restore(actions); n > 0 {
		logger.Info("restored queued actions", "count", n)
	}

	return e, nil
}

func (e *Engine) wire(ctx context.Context) {
	e.unsubscribe = append(e.unsubscribe,
		e.syncer.Subscribe(func(result models.SyncResult) {
			e.tracker.Reconcile(result)
			e.settings.HandleResult(result)
		}),
		e.tracker.Subscribe(func(ev optimistic.Event) {
			if ev.Type == optimistic.EventSent && ev.Message != nil {
				e.delivery.TrackOutgoing(ev.Message.ID, ev.Message.ChannelID, 1)
			}
		}),
	)

	var mu sync.Mutex
	wasOnline := e.monitor.Online()
	e.unsubscribe = append(e.unsubscribe, e.monitor.Subscribe(func(st models.ConnectionState) {
		mu.Lock()
		cameOnline := st.Online && !wasOnline
		wasOnline = st.Online
		mu.Unlock()
		if cameOnline {
			e.realtime.Reconnect()
		}
	}))

	// A failed dial is often the first sign the network went away; check
	// reachability now instead of waiting for the next probe tick.
	e.unsubscribe = append(e.unsubscribe, e.realtime.On(realtime.EventError, func(data json.RawMessage) {
		var ce realtime.ConnectError
		if err := json.Unmarshal(data, &ce); err != nil || ce.Unauthorized || ce.Attempt != 1 {
			return
		}
		go e.prober.Probe(ctx)
	}))
}

// Run starts the network side: reachability probing, the realtime
// connection, the sync loop and the local status API. It returns when ctx is
// done or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.cfg.StatusAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", e.cfg.StatusAddr, err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.prober.Run(gCtx) })
	g.Go(func() error { return e.realtime.Run(gCtx) })
	g.Go(func() error { return e.syncer.Run(gCtx) })
	g.Go(func() error { return e.server.Serve(ln) })
	g.Go(func() error {
		e.refreshSettings(gCtx)
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		e.log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := e.server.Shutdown(shutdownCtx); err != nil {
			e.log.Error("status server shutdown error", "error", err)
		}
		return nil
	})

	return g.Wait()
}

// refreshSettings picks up settings changed on other devices while this one
// was not running. Local changes waiting for sync win.
func (e *Engine) refreshSettings(ctx context.Context) {
	if !e.monitor.Online() {
		return
	}
	if _, err := e.settings.Refresh(ctx); err != nil && !errors.Is(err, settings.ErrUnsyncedValues) {
		e.log.Warn("failed to refresh settings", "error", err)
	}
}

// Close stops pending work, hands unfinished sends to the queue and closes
// storage. Safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		for _, unsubscribe := range e.unsubscribe {
			unsubscribe()
		}
		if e.tracker != nil {
			e.tracker.Close()
		}
		if e.typing != nil {
			e.typing.Close()
		}
		if e.presence != nil {
			e.presence.Close()
		}
		if e.delivery != nil {
			e.delivery.Close()
		}
		if e.syncer != nil {
			e.syncer.Close()
		}
		e.cancel()
		if e.store != nil {
			e.closeErr = e.store.Close()
		}
	})
	return e.closeErr
}

func (e *Engine) Status() api.Status {
	_, conflict := e.settings.Conflict()
	return api.Status{
		Connection: e.monitor.State(),
		Sync:       e.syncer.State(),
		Tracker:    e.tracker.Stats(),
		Conflict:   conflict,
	}
}

func (e *Engine) Actions(statuses ...models.ActionStatus) ([]models.QueuedAction, error) {
	return e.queue.List(statuses...)
}

// Retry gives failed actions a fresh attempt budget. With an empty id every
// failed action is retried. Failed messages go through the tracker so their
// optimistic copy shows the new attempt.
func (e *Engine) Retry(ctx context.Context, id string) (int, error) {
	if id == "" {
		n, err := e.queue.RetryAll()
		if err != nil {
			return 0, err
		}
		e.syncer.Trigger()
		return n, nil
	}

	_, err := e.tracker.RetryMessage(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		_, err = e.queue.Retry(id)
	}
	if err != nil {
		return 0, err
	}
	e.syncer.Trigger()
	return 1, nil
}

func (e *Engine) Clear(statuses ...models.ActionStatus) (int, error) {
	return e.queue.Clear(statuses...)
}

func (e *Engine) SyncNow(ctx context.Context) (syncer.Summary, error) {
	return e.syncer.SyncNow(ctx)
}

// SendMessage clears the typing signal for the channel and hands the message
// to the tracker.
func (e *Engine) SendMessage(ctx context.Context, opts optimistic.SendOptions) (models.OptimisticMessage, error) {
	e.typing.StopTyping(opts.ChannelID)
	return e.tracker.SendMessage(ctx, opts)
}

func (e *Engine) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	return e.tracker.EditMessage(ctx, channelID, messageID, text)
}

func (e *Engine) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	return e.tracker.DeleteMessage(ctx, channelID, messageID)
}

func (e *Engine) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return e.tracker.AddReaction(ctx, channelID, messageID, emoji)
}

func (e *Engine) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return e.tracker.RemoveReaction(ctx, channelID, messageID, emoji)
}

func (e *Engine) Overlays(channelID string) []optimistic.Overlay {
	return e.tracker.Overlays(channelID)
}

// MarkRead sends a read receipt for a message someone else wrote.
func (e *Engine) MarkRead(msg models.Message) error {
	return e.delivery.AcknowledgeRead(msg)
}

func (e *Engine) Delivery(messageID string) (models.DeliveryStatus, bool) {
	return e.delivery.Status(messageID)
}

// SetPresence changes the current user's status and custom status text.
// Nil fields are left alone.
func (e *Engine) SetPresence(status *models.PresenceStatus, customStatus *string) (models.Presence, error) {
	if status != nil {
		if err := e.presence.SetStatus(*status); err != nil {
			return models.Presence{}, err
		}
	}
	if customStatus != nil {
		e.presence.SetCustomStatus(*customStatus)
	}
	return e.presence.Self(), nil
}

// Presence returns the current user's presence followed by the known
// presence of every subscribed user.
func (e *Engine) Presence() []models.Presence {
	out := []models.Presence{e.presence.Self()}
	refs := e.presence.RefCounts()
	ids := slices.Sorted(maps.Keys(refs))
	for _, id := range ids {
		if p, ok := e.presence.Get(id); ok {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) SubscribePresence(userIDs ...string) map[string]int {
	e.presence.SubscribeToUsers(userIDs...)
	return e.presence.RefCounts()
}

func (e *Engine) UnsubscribePresence(userIDs ...string) map[string]int {
	e.presence.UnsubscribeFromUsers(userIDs...)
	return e.presence.RefCounts()
}

// InputChanged reports an edit of the message box for typing signals.
func (e *Engine) InputChanged(channelID, value string) {
	e.typing.HandleInputChange(channelID, value)
}

func (e *Engine) Typing(channelID string) api.TypingStatus {
	users := e.typing.Users(channelID)
	if users == nil {
		users = []models.TypingUser{}
	}
	return api.TypingStatus{ChannelID: channelID, Users: users, Text: e.typing.Text(channelID)}
}

func (e *Engine) Messages(channelID string) []models.OptimisticMessage {
	return e.tracker.Messages(channelID)
}

func (e *Engine) Settings() models.Settings {
	return e.settings.Get()
}

func (e *Engine) UpdateSettings(ctx context.Context, partial map[string]any) (models.Settings, error) {
	return e.settings.Update(ctx, partial)
}

func (e *Engine) Conflict() (models.ConflictRecord, bool) {
	return e.settings.Conflict()
}

func (e *Engine) ResolveConflict(ctx context.Context, choice models.ConflictChoice) (models.Settings, error) {
	return e.settings.ResolveConflict(ctx, choice)
}
