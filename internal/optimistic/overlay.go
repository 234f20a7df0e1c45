package optimistic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"courier/internal/content"
	"courier/internal/models"
	"courier/internal/queue"
	"courier/internal/remote"

	"github.com/google/uuid"
)

var (
	ErrInFlight       = errors.New("message is being sent")
	ErrEmptyEmoji     = errors.New("emoji is required")
	ErrEmptyMessageID = errors.New("message id is required")
)

// Overlay is a local change to a message that the server has not confirmed
// yet. The change is visible right away and undone if the server rejects it.
type Overlay struct {
	ActionID  string            `json:"actionId"`
	Kind      models.ActionKind `json:"kind"`
	ChannelID string            `json:"channelId"`
	MessageID string            `json:"messageId"`
	Content   string            `json:"content,omitempty"`
	Emoji     string            `json:"emoji,omitempty"`
	Confirmed bool              `json:"confirmed"`
	Queued    bool              `json:"queued,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`

	// tracked message the overlay was applied to, with what it replaced
	tempID       string
	prevContent  string
	prevRendered string
	prevEdited   bool
	prevDeleted  bool
	unreacted    bool
}

// EditMessage changes the content of a message. Messages that never reached
// the server are edited in place; anything else gets an overlay that is
// confirmed in the background or queued while offline.
func (t *Tracker) EditMessage(ctx context.Context, channelID, messageID, text string) error {
	if err := content.ValidateMessage(channelID, text, content.TypeText, false); err != nil {
		return err
	}
	if messageID == "" {
		return ErrEmptyMessageID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if msg, ok := t.lookupLocked(messageID); ok && msg.Status != models.MessageStatusSent {
		return t.editUnsentLocked(msg, text)
	}
	t.mu.Unlock()

	return t.applyOverlay(&Overlay{
		Kind:      models.ActionEditMessage,
		ChannelID: channelID,
		MessageID: messageID,
		Content:   text,
	})
}

// editUnsentLocked rewrites the pending payload so the edit goes out with the
// message itself. Called with t.mu held, releases it.
func (t *Tracker) editUnsentLocked(msg *models.OptimisticMessage, text string) error {
	if msg.Status == models.MessageStatusSending && !msg.Queued {
		t.mu.Unlock()
		return ErrInFlight
	}
	rendered, err := content.Render(text, msg.ContentType)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	tempID := msg.TempID
	queued := msg.Queued
	payload := t.payloads[tempID]
	payload.Content = text
	payload.Attachments = slices.Clone(payload.Attachments)
	t.mu.Unlock()

	if queued {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := t.queue.Amend(tempID, data); err != nil {
			if errors.Is(err, queue.ErrSending) {
				return ErrInFlight
			}
			return fmt.Errorf("%w: %v", ErrNotSaved, err)
		}
	}

	t.mu.Lock()
	msg, ok := t.messages[tempID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("message %s: %w", tempID, models.ErrNotFound)
	}
	t.payloads[tempID] = payload
	msg.Content = text
	msg.RenderedHTML = rendered
	msg.Edited = true
	snapshot := cloneMessage(msg)
	t.mu.Unlock()

	t.publish(Event{Type: EventUpdated, Message: &snapshot})
	return nil
}

// DeleteMessage removes a message. Unsent messages are discarded locally.
func (t *Tracker) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	if channelID == "" {
		return content.ErrEmptyChannel
	}
	if messageID == "" {
		return ErrEmptyMessageID
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if msg, ok := t.lookupLocked(messageID); ok && msg.Status != models.MessageStatusSent {
		inFlight := msg.Status == models.MessageStatusSending && !msg.Queued
		t.mu.Unlock()
		if inFlight {
			return ErrInFlight
		}
		return t.Discard(messageID)
	}
	t.mu.Unlock()

	return t.applyOverlay(&Overlay{
		Kind:      models.ActionDeleteMessage,
		ChannelID: channelID,
		MessageID: messageID,
	})
}

// AddReaction is best effort: it needs a connection and is never queued.
func (t *Tracker) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return t.react(models.ActionReact, channelID, messageID, emoji)
}

// RemoveReaction takes back a reaction. Same rules as AddReaction.
func (t *Tracker) RemoveReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return t.react(models.ActionUnreact, channelID, messageID, emoji)
}

func (t *Tracker) react(kind models.ActionKind, channelID, messageID, emoji string) error {
	emoji = strings.TrimSpace(emoji)
	switch {
	case channelID == "":
		return content.ErrEmptyChannel
	case messageID == "":
		return ErrEmptyMessageID
	case emoji == "":
		return ErrEmptyEmoji
	}
	if !t.online() {
		return ErrOffline
	}
	return t.applyOverlay(&Overlay{
		Kind:      kind,
		ChannelID: channelID,
		MessageID: messageID,
		Emoji:     emoji,
	})
}

func queueable(kind models.ActionKind) bool {
	return kind == models.ActionEditMessage || kind == models.ActionDeleteMessage
}

func (t *Tracker) applyOverlay(o *Overlay) error {
	o.ActionID = uuid.NewString()
	o.CreatedAt = time.Now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	var msgSnapshot *models.OptimisticMessage
	if msg, ok := t.lookupLocked(o.MessageID); ok {
		o.tempID = msg.TempID
		o.prevContent = msg.Content
		o.prevRendered = msg.RenderedHTML
		o.prevEdited = msg.Edited
		o.prevDeleted = msg.Deleted
		switch o.Kind {
		case models.ActionEditMessage:
			msg.Content = o.Content
			if rendered, err := content.Render(o.Content, msg.ContentType); err == nil {
				msg.RenderedHTML = rendered
			}
			msg.Edited = true
		case models.ActionDeleteMessage:
			msg.Deleted = true
		case models.ActionReact:
			if msg.Reactions == nil {
				msg.Reactions = make(map[string]int)
			}
			msg.Reactions[o.Emoji]++
		case models.ActionUnreact:
			if msg.Reactions[o.Emoji] > 0 {
				o.unreacted = true
				if msg.Reactions[o.Emoji]--; msg.Reactions[o.Emoji] == 0 {
					delete(msg.Reactions, o.Emoji)
				}
			}
		}
		s := cloneMessage(msg)
		msgSnapshot = &s
	}
	t.overlays[o.ActionID] = o
	snapshot := *o
	t.mu.Unlock()

	t.publish(Event{Type: EventCreated, Overlay: &snapshot})
	if msgSnapshot != nil {
		t.publish(Event{Type: EventUpdated, Message: msgSnapshot})
	}

	t.mu.Lock()
	if !t.closed {
		t.wg.Go(func() { t.confirmOverlay(snapshot.ActionID) })
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	if !queueable(snapshot.Kind) {
		t.rollback(snapshot.ActionID, ErrClosed)
		return ErrClosed
	}
	t.enqueueOverlay(snapshot)
	return nil
}

func (t *Tracker) confirmOverlay(actionID string) {
	t.mu.Lock()
	o, ok := t.overlays[actionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	ov := *o
	t.mu.Unlock()

	if !t.online() {
		if queueable(ov.Kind) {
			t.enqueueOverlay(ov)
		} else {
			t.rollback(actionID, ErrOffline)
		}
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.sendTimeout)
	defer cancel()

	var err error
	switch ov.Kind {
	case models.ActionEditMessage:
		_, err = t.remote.EditMessage(ctx, ov.ActionID, models.EditMessagePayload{MessageID: ov.MessageID, Content: ov.Content})
	case models.ActionDeleteMessage:
		err = t.remote.DeleteMessage(ctx, ov.ActionID, models.DeleteMessagePayload{MessageID: ov.MessageID})
	case models.ActionReact:
		err = t.remote.AddReaction(ctx, ov.ActionID, models.ReactionPayload{MessageID: ov.MessageID, Emoji: ov.Emoji})
	case models.ActionUnreact:
		err = t.remote.RemoveReaction(ctx, ov.ActionID, models.ReactionPayload{MessageID: ov.MessageID, Emoji: ov.Emoji})
	}
	if err == nil {
		t.confirm(actionID)
		return
	}

	transient := t.ctx.Err() != nil || !t.online() || remote.IsRetryable(err)
	if queueable(ov.Kind) && transient {
		t.log.Info("message change failed, queueing", "action_id", actionID, "kind", ov.Kind, "error", err)
		t.enqueueOverlay(ov)
		return
	}
	t.log.Warn("message change rejected", "action_id", actionID, "kind", ov.Kind, "error", err)
	t.rollback(actionID, err)
}

func (t *Tracker) enqueueOverlay(ov Overlay) {
	var (
		data []byte
		err  error
	)
	switch ov.Kind {
	case models.ActionEditMessage:
		data, err = json.Marshal(models.EditMessagePayload{MessageID: ov.MessageID, Content: ov.Content})
	case models.ActionDeleteMessage:
		data, err = json.Marshal(models.DeleteMessagePayload{MessageID: ov.MessageID})
	default:
		err = fmt.Errorf("%s cannot be queued", ov.Kind)
	}
	if err == nil {
		_, err = t.queue.Enqueue(models.QueuedAction{
			ID:      ov.ActionID,
			Kind:    ov.Kind,
			Target:  models.Target{ChannelID: ov.ChannelID, MessageID: ov.MessageID},
			Payload: data,
		})
	}
	if err != nil {
		t.log.Error("failed to queue message change", "action_id", ov.ActionID, "error", err)
		t.rollback(ov.ActionID, fmt.Errorf("%w: %v", ErrNotSaved, err))
		return
	}

	t.mu.Lock()
	o, ok := t.overlays[ov.ActionID]
	if !ok || o.Confirmed {
		t.mu.Unlock()
		return
	}
	o.Queued = true
	snapshot := *o
	t.mu.Unlock()

	t.publish(Event{Type: EventQueued, Overlay: &snapshot})
}

func (t *Tracker) confirm(actionID string) {
	t.mu.Lock()
	o, ok := t.overlays[actionID]
	if !ok || o.Confirmed {
		t.mu.Unlock()
		return
	}
	o.Confirmed = true
	snapshot := *o
	if !t.closed {
		t.timers[actionID] = time.AfterFunc(t.gracePeriod, func() { t.dropOverlay(actionID) })
	}
	t.mu.Unlock()

	t.publish(Event{Type: EventConfirmed, Overlay: &snapshot})
}

// rollback undoes an unconfirmed overlay and restores the message it changed.
func (t *Tracker) rollback(actionID string, cause error) {
	t.mu.Lock()
	o, ok := t.overlays[actionID]
	if !ok || o.Confirmed {
		t.mu.Unlock()
		return
	}
	delete(t.overlays, actionID)

	var msgSnapshot *models.OptimisticMessage
	if msg, ok := t.messages[o.tempID]; ok {
		switch o.Kind {
		case models.ActionEditMessage:
			if msg.Content == o.Content {
				msg.Content = o.prevContent
				msg.RenderedHTML = o.prevRendered
				msg.Edited = o.prevEdited
			}
		case models.ActionDeleteMessage:
			msg.Deleted = o.prevDeleted
		case models.ActionReact:
			if msg.Reactions[o.Emoji] > 1 {
				msg.Reactions[o.Emoji]--
			} else {
				delete(msg.Reactions, o.Emoji)
			}
		case models.ActionUnreact:
			if o.unreacted {
				if msg.Reactions == nil {
					msg.Reactions = make(map[string]int)
				}
				msg.Reactions[o.Emoji]++
			}
		}
		s := cloneMessage(msg)
		msgSnapshot = &s
	}
	snapshot := *o
	t.mu.Unlock()

	t.publish(Event{Type: EventRolledBack, Overlay: &snapshot, Err: cause.Error()})
	if msgSnapshot != nil {
		t.publish(Event{Type: EventUpdated, Message: msgSnapshot})
	}
}

func (t *Tracker) dropOverlay(actionID string) {
	t.mu.Lock()
	o, ok := t.overlays[actionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.overlays, actionID)
	delete(t.timers, actionID)
	snapshot := *o
	t.mu.Unlock()

	t.publish(Event{Type: EventRemoved, Overlay: &snapshot})
}

func (t *Tracker) reconcileOverlay(result models.SyncResult) {
	switch {
	case result.Done:
		t.confirm(result.Action.ID)
	case result.Terminal:
		t.rollback(result.Action.ID, errors.New(result.Err))
	}
}

// restoreOverlay makes a queued edit or delete from a previous run visible.
func (t *Tracker) restoreOverlay(a models.QueuedAction) bool {
	o := &Overlay{
		ActionID:  a.ID,
		Kind:      a.Kind,
		ChannelID: a.Target.ChannelID,
		MessageID: a.Target.MessageID,
		Queued:    true,
		CreatedAt: a.CreatedAt,
	}
	if a.Kind == models.ActionEditMessage {
		var p models.EditMessagePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			t.log.Warn("skipping corrupt queued edit", "action_id", a.ID, "error", err)
			return false
		}
		o.Content = p.Content
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.overlays[a.ID]; exists {
		return false
	}
	t.overlays[a.ID] = o
	return true
}

// Overlays returns unconfirmed and recently confirmed message changes in
// creation order. An empty channel id returns all of them.
func (t *Tracker) Overlays(channelID string) []Overlay {
	t.mu.Lock()
	out := make([]Overlay, 0, len(t.overlays))
	for _, o := range t.overlays {
		if channelID != "" && o.ChannelID != channelID {
			continue
		}
		out = append(out, *o)
	}
	t.mu.Unlock()

	slices.SortFunc(out, func(a, b Overlay) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ActionID, b.ActionID)
	})
	return out
}
