package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"courier/internal/content"
	"courier/internal/models"
	"courier/internal/remote"
	"courier/internal/storage"

	"github.com/google/uuid"
)

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultSendTimeout = 15 * time.Second
)

var (
	ErrOffline   = errors.New("offline")
	ErrNotFailed = errors.New("message is not in failed state")
	ErrNotSaved  = errors.New("message may not be saved")
	ErrClosed    = errors.New("tracker is closed")
)

type Remote interface {
	SendMessage(ctx context.Context, idempotencyKey string, p models.SendMessagePayload) (models.Message, error)
	EditMessage(ctx context.Context, idempotencyKey string, p models.EditMessagePayload) (models.Message, error)
	DeleteMessage(ctx context.Context, idempotencyKey string, p models.DeleteMessagePayload) error
	AddReaction(ctx context.Context, idempotencyKey string, p models.ReactionPayload) error
	RemoveReaction(ctx context.Context, idempotencyKey string, p models.ReactionPayload) error
	UploadAttachment(ctx context.Context, channelID, tempID string, a models.Attachment, r io.Reader) (remote.UploadResponse, error)
}

type Queue interface {
	Enqueue(action models.QueuedAction) (models.QueuedAction, error)
	Amend(id string, payload json.RawMessage) (models.QueuedAction, error)
	Retry(id string) (models.QueuedAction, error)
	Remove(id string) error
}

type Connectivity interface {
	State() models.ConnectionState
}

// FileStore holds staged attachment bytes. Implemented by filestore.Staging.
type FileStore interface {
	Stage(r io.Reader, hash string) error
	Open(hash string) (io.ReadCloser, error)
	Release(hash string) error
}

// FileIndex keeps metadata for staged attachments. Implemented by storage.BboltStorage.
type FileIndex interface {
	UpsertFileMetadata(meta storage.FileMetadata) error
	GetFileMetadata(id string) (storage.FileMetadata, error)
	DeleteFileMetadata(id string) error
}

type Config struct {
	UserID      string
	GracePeriod time.Duration
	SendTimeout time.Duration
	Logger      *slog.Logger
}

type AttachmentInput struct {
	Name     string
	MimeType string
	Data     []byte
}

type SendOptions struct {
	ChannelID   string
	Content     string
	ContentType string
	Attachments []AttachmentInput
	ReplyTo     string
	Metadata    map[string]string
}

type EventType string

const (
	EventCreated    EventType = "created"
	EventUpdated    EventType = "updated"
	EventQueued     EventType = "queued"
	EventSent       EventType = "sent"
	EventFailed     EventType = "failed"
	EventRemoved    EventType = "removed"
	EventConfirmed  EventType = "confirmed"
	EventRolledBack EventType = "rolled-back"
)

// Event describes a change of an optimistic message or overlay. Exactly one
// of Message and Overlay is set.
type Event struct {
	Type    EventType                 `json:"type"`
	Message *models.OptimisticMessage `json:"message,omitempty"`
	Overlay *Overlay                  `json:"overlay,omitempty"`
	Err     string                    `json:"error,omitempty"`
}

type Stats struct {
	Sending  int `json:"sending"`
	Queued   int `json:"queued"`
	Failed   int `json:"failed"`
	Overlays int `json:"overlays"`
}

// Tracker shows user actions immediately and reconciles them with the
// server's answer, directly or through the durable queue.
type Tracker struct {
	remote Remote
	queue  Queue
	conn   Connectivity
	files  FileStore
	index  FileIndex

	userID      string
	gracePeriod time.Duration
	sendTimeout time.Duration
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	messages map[string]*models.OptimisticMessage // by temp id
	payloads map[string]models.SendMessagePayload
	order    []string
	byID     map[string]string // server id -> temp id
	overlays map[string]*Overlay
	timers   map[string]*time.Timer

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int
}

func New(remote Remote, queue Queue, conn Connectivity, files FileStore, index FileIndex, cfg Config) *Tracker {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		remote:      remote,
		queue:       queue,
		conn:        conn,
		files:       files,
		index:       index,
		userID:      cfg.UserID,
		gracePeriod: cfg.GracePeriod,
		sendTimeout: cfg.SendTimeout,
		log:         cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
		messages:    make(map[string]*models.OptimisticMessage),
		payloads:    make(map[string]models.SendMessagePayload),
		byID:        make(map[string]string),
		overlays:    make(map[string]*Overlay),
		timers:      make(map[string]*time.Timer),
		subs:        make(map[int]func(Event)),
	}
}

// SendMessage shows the message right away with a temporary id and delivers
// it in the background. Invalid input is rejected before anything is shown.
func (t *Tracker) SendMessage(ctx context.Context, opts SendOptions) (models.OptimisticMessage, error) {
	if opts.ContentType == "" {
		opts.ContentType = content.TypeText
	}
	if err := content.ValidateMessage(opts.ChannelID, opts.Content, opts.ContentType, len(opts.Attachments) > 0); err != nil {
		return models.OptimisticMessage{}, err
	}
	rendered, err := content.Render(opts.Content, opts.ContentType)
	if err != nil {
		return models.OptimisticMessage{}, err
	}

	tempID := "temp_" + uuid.NewString()
	attachments, err := t.stageAttachments(opts.ChannelID, tempID, opts.Attachments)
	if err != nil {
		return models.OptimisticMessage{}, fmt.Errorf("%w: %v", ErrNotSaved, err)
	}

	msg := &models.OptimisticMessage{
		TempID:       tempID,
		ID:           tempID,
		ChannelID:    opts.ChannelID,
		UserID:       t.userID,
		Content:      opts.Content,
		ContentType:  opts.ContentType,
		RenderedHTML: rendered,
		Attachments:  slices.Clone(attachments),
		ReplyTo:      opts.ReplyTo,
		Metadata:     opts.Metadata,
		CreatedAt:    time.Now(),
		Status:       models.MessageStatusSending,
	}
	payload := models.SendMessagePayload{
		TempID:      tempID,
		ChannelID:   opts.ChannelID,
		Content:     opts.Content,
		ContentType: opts.ContentType,
		Attachments: attachments,
		ReplyTo:     opts.ReplyTo,
		Metadata:    opts.Metadata,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return models.OptimisticMessage{}, ErrClosed
	}
	t.messages[tempID] = msg
	t.payloads[tempID] = payload
	t.order = append(t.order, tempID)
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventCreated, Message: &snapshot})
	t.startDelivery(tempID)
	return snapshot, nil
}

// startDelivery sends in the background, or straight into the durable queue
// once the tracker is closing.
func (t *Tracker) startDelivery(tempID string) {
	t.mu.Lock()
	if !t.closed {
		t.wg.Go(func() { t.deliver(tempID) })
		t.mu.Unlock()
		return
	}
	payload := t.payloads[tempID]
	t.mu.Unlock()
	t.enqueueSend(tempID, payload)
}

// RetryMessage re-attempts a failed message with its original payload.
func (t *Tracker) RetryMessage(ctx context.Context, id string) (models.OptimisticMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return models.OptimisticMessage{}, ErrClosed
	}
	msg, ok := t.lookupLocked(id)
	if !ok {
		t.mu.Unlock()
		return models.OptimisticMessage{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if msg.Status != models.MessageStatusFailed {
		t.mu.Unlock()
		return models.OptimisticMessage{}, ErrNotFailed
	}
	msg.RetryCount++
	msg.Status = models.MessageStatusSending
	msg.Error = ""
	tempID := msg.TempID
	queued := msg.Queued
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventUpdated, Message: &snapshot})

	if queued {
		// The durable record is still there in failed state: give it a fresh
		// attempt budget and let the coordinator pick it up.
		_, err := t.queue.Retry(tempID)
		if err == nil {
			return snapshot, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			t.markFailed(tempID, fmt.Errorf("%w: %v", ErrNotSaved, err))
			return snapshot, err
		}
		t.mu.Lock()
		if m, ok := t.messages[tempID]; ok {
			m.Queued = false
		}
		t.mu.Unlock()
	}

	t.startDelivery(tempID)
	return snapshot, nil
}

func (t *Tracker) deliver(tempID string) {
	t.mu.Lock()
	payload, ok := t.payloads[tempID]
	payload.Attachments = slices.Clone(payload.Attachments)
	t.mu.Unlock()
	if !ok {
		return
	}

	if !t.online() {
		t.enqueueSend(tempID, payload)
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.sendTimeout)
	defer cancel()

	err := t.PrepareSend(ctx, &payload)
	var sent models.Message
	if err == nil {
		sent, err = t.remote.SendMessage(ctx, tempID, payload)
	}
	if err == nil {
		t.markSent(tempID, sent)
		return
	}

	if t.ctx.Err() != nil {
		// Shutting down: keep the message durable for the next run.
		t.enqueueSend(tempID, payload)
		return
	}
	if !t.online() || (!errors.Is(err, errStaging) && remote.IsRetryable(err)) {
		t.log.Info("send failed, queueing", "temp_id", tempID, "timeout", remote.IsTimeout(err), "error", err)
		t.enqueueSend(tempID, payload)
		return
	}
	t.log.Warn("send rejected", "temp_id", tempID, "error", err)
	t.markFailed(tempID, err)
}

func (t *Tracker) enqueueSend(tempID string, payload models.SendMessagePayload) {
	data, err := json.Marshal(payload)
	if err == nil {
		_, err = t.queue.Enqueue(models.QueuedAction{
			ID:      tempID,
			Kind:    models.ActionSendMessage,
			Target:  models.Target{ChannelID: payload.ChannelID},
			Payload: data,
		})
	}
	if err != nil {
		t.log.Error("failed to queue message", "temp_id", tempID, "error", err)
		t.markFailed(tempID, fmt.Errorf("%w: %v", ErrNotSaved, err))
		return
	}

	t.mu.Lock()
	msg, ok := t.messages[tempID]
	if !ok || msg.Status != models.MessageStatusSending {
		t.mu.Unlock()
		return
	}
	msg.Queued = true
	t.payloads[tempID] = payload
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventQueued, Message: &snapshot})
}

func (t *Tracker) markSent(tempID string, sent models.Message) {
	t.mu.Lock()
	msg, ok := t.messages[tempID]
	if !ok || msg.Status == models.MessageStatusSent {
		t.mu.Unlock()
		return
	}
	msg.ID = sent.ID
	msg.Status = models.MessageStatusSent
	msg.Error = ""
	if !sent.CreatedAt.IsZero() {
		msg.CreatedAt = sent.CreatedAt
	}
	if len(sent.Attachments) > 0 {
		msg.Attachments = sent.Attachments
	}
	t.byID[sent.ID] = tempID
	attachments := t.payloads[tempID].Attachments
	delete(t.payloads, tempID)
	snapshot := cloneMessage(msg)
	if !t.closed {
		t.timers[tempID] = time.AfterFunc(t.gracePeriod, func() { t.remove(tempID) })
	}
	t.mu.Unlock()

	t.releaseAttachments(attachments)
	t.publish(Event{Type: EventSent, Message: &snapshot})
}

func (t *Tracker) markFailed(tempID string, cause error) {
	t.mu.Lock()
	msg, ok := t.messages[tempID]
	if !ok || msg.Status != models.MessageStatusSending {
		t.mu.Unlock()
		return
	}
	msg.Status = models.MessageStatusFailed
	msg.Error = cause.Error()
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventFailed, Message: &snapshot, Err: snapshot.Error})
}

func (t *Tracker) remove(tempID string) {
	t.mu.Lock()
	msg, ok := t.messages[tempID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.messages, tempID)
	delete(t.payloads, tempID)
	delete(t.timers, tempID)
	if msg.ID != tempID {
		delete(t.byID, msg.ID)
	}
	for i, id := range t.order {
		if id == tempID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventRemoved, Message: &snapshot})
}

// Discard drops a message that has not been sent, including its queued
// record. Sent messages go away on their own after the grace period.
func (t *Tracker) Discard(id string) error {
	t.mu.Lock()
	msg, ok := t.lookupLocked(id)
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	tempID := msg.TempID
	queued := msg.Queued
	sent := msg.Status == models.MessageStatusSent
	attachments := t.payloads[tempID].Attachments
	t.mu.Unlock()

	if sent {
		return nil
	}
	if queued {
		if err := t.queue.Remove(tempID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
	}
	t.releaseAttachments(attachments)
	t.remove(tempID)
	return nil
}

// Reconcile applies the outcome of a queued action processed by the sync
// coordinator.
func (t *Tracker) Reconcile(result models.SyncResult) {
	switch result.Action.Kind {
	case models.ActionSendMessage:
		t.reconcileSend(result)
	case models.ActionEditMessage, models.ActionDeleteMessage, models.ActionReact:
		t.reconcileOverlay(result)
	}
}

func (t *Tracker) reconcileSend(result models.SyncResult) {
	tempID := result.Action.ID
	switch {
	case result.Done && result.Message != nil:
		t.mu.Lock()
		_, tracked := t.messages[tempID]
		t.mu.Unlock()
		if tracked {
			t.markSent(tempID, *result.Message)
			return
		}
		// Sent from a previous run: only staged files are left to clean up.
		var p models.SendMessagePayload
		if err := json.Unmarshal(result.Action.Payload, &p); err == nil {
			t.releaseAttachments(p.Attachments)
		}
	case result.Terminal:
		t.markFailed(tempID, errors.New(result.Err))
	default:
		t.mu.Lock()
		msg, ok := t.messages[tempID]
		if !ok {
			t.mu.Unlock()
			return
		}
		msg.RetryCount = result.Action.Attempts
		snapshot := cloneMessage(msg)
		t.mu.Unlock()
		t.publish(Event{Type: EventUpdated, Message: &snapshot})
	}
}

// Restore makes queued sends, edits and deletes from a previous run visible
// again.
func (t *Tracker) Restore(actions []models.QueuedAction) int {
	restored := 0
	for _, a := range actions {
		switch a.Kind {
		case models.ActionSendMessage:
		case models.ActionEditMessage, models.ActionDeleteMessage:
			if t.restoreOverlay(a) {
				restored++
			}
			continue
		default:
			continue
		}
		var p models.SendMessagePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			t.log.Warn("skipping corrupt queued message", "action_id", a.ID, "error", err)
			continue
		}
		rendered, err := content.Render(p.Content, p.ContentType)
		if err != nil {
			rendered = ""
		}
		msg := &models.OptimisticMessage{
			TempID:       a.ID,
			ID:           a.ID,
			ChannelID:    p.ChannelID,
			UserID:       t.userID,
			Content:      p.Content,
			ContentType:  p.ContentType,
			RenderedHTML: rendered,
			Attachments:  slices.Clone(p.Attachments),
			ReplyTo:      p.ReplyTo,
			Metadata:     p.Metadata,
			CreatedAt:    a.CreatedAt,
			Status:       models.MessageStatusSending,
			RetryCount:   a.Attempts,
			Queued:       true,
		}
		if a.Status == models.ActionStatusFailed {
			msg.Status = models.MessageStatusFailed
			msg.Error = a.LastError
		}

		t.mu.Lock()
		if _, exists := t.messages[a.ID]; exists {
			t.mu.Unlock()
			continue
		}
		t.messages[a.ID] = msg
		t.payloads[a.ID] = p
		t.order = append(t.order, a.ID)
		t.mu.Unlock()
		restored++
	}
	return restored
}

// Messages returns the optimistic messages of a channel in creation order.
// An empty channel id returns all of them.
func (t *Tracker) Messages(channelID string) []models.OptimisticMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.OptimisticMessage, 0, len(t.order))
	for _, id := range t.order {
		msg := t.messages[id]
		if channelID != "" && msg.ChannelID != channelID {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	return out
}

// Get looks a message up by temporary or server id.
func (t *Tracker) Get(id string) (models.OptimisticMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg, ok := t.lookupLocked(id)
	if !ok {
		return models.OptimisticMessage{}, false
	}
	return cloneMessage(msg), true
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s Stats
	for _, msg := range t.messages {
		switch msg.Status {
		case models.MessageStatusSending:
			s.Sending++
			if msg.Queued {
				s.Queued++
			}
		case models.MessageStatusFailed:
			s.Failed++
		}
	}
	s.Overlays = len(t.overlays)
	return s
}

// Subscribe registers fn for every event and returns a function that removes it.
func (t *Tracker) Subscribe(fn func(Event)) func() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	return func() {
		t.subsMu.Lock()
		defer t.subsMu.Unlock()
		delete(t.subs, id)
	}
}

// Close stops background sends and pending removals. Messages whose send was
// interrupted are handed to the durable queue.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

func (t *Tracker) lookupLocked(id string) (*models.OptimisticMessage, bool) {
	if msg, ok := t.messages[id]; ok {
		return msg, true
	}
	if tempID, ok := t.byID[id]; ok {
		msg, ok := t.messages[tempID]
		return msg, ok
	}
	return nil, false
}

func (t *Tracker) online() bool {
	return t.conn.State().Online
}

func (t *Tracker) publish(e Event) {
	t.subsMu.Lock()
	subs := make([]func(Event), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subsMu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}

func cloneMessage(m *models.OptimisticMessage) models.OptimisticMessage {
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	if m.Reactions != nil {
		c.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	return c
}
