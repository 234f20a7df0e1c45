package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"courier/internal/models"
)

const DefaultDeliveryCapacity = 500

// Receipt reports that a user received or read a message. Receipts travel as
// message:update events.
type Receipt struct {
	UserID string               `json:"userId"`
	State  models.DeliveryState `json:"state"`
}

type MessageUpdate struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Content   string    `json:"content,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
	Receipt   *Receipt  `json:"receipt,omitempty"`
}

type tracked struct {
	status    models.DeliveryStatus
	delivered map[string]struct{}
	read      map[string]struct{}
}

// Delivery tracks receipts for the current user's outgoing messages. Only
// the most recent messages are kept; older ones fall out of a ring buffer.
type Delivery struct {
	tr     Transport
	userID string
	log    *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	ring      []string
	lastIndex int
	maxSize   int
	messages  map[string]*tracked

	subsMu  sync.Mutex
	subs    map[int]func(models.DeliveryStatus)
	nextSub int

	unsubscribe []func()
}

func NewDelivery(tr Transport, userID string, capacity int, logger *slog.Logger) *Delivery {
	if capacity <= 0 {
		capacity = DefaultDeliveryCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Delivery{
		tr:        tr,
		userID:    userID,
		log:       logger,
		now:       time.Now,
		lastIndex: -1,
		maxSize:   capacity,
		messages:  make(map[string]*tracked),
		subs:      make(map[int]func(models.DeliveryStatus)),
	}
	d.unsubscribe = []func(){
		tr.On(EventMessageUpdate, d.handleUpdate),
		tr.On(EventMessageNew, d.handleNew),
	}
	return d
}

// TrackOutgoing starts tracking receipts for a sent message.
func (d *Delivery) TrackOutgoing(messageID, channelID string, expected int) {
	if messageID == "" {
		return
	}
	if expected <= 0 {
		expected = 1
	}

	d.mu.Lock()
	if _, ok := d.messages[messageID]; ok {
		d.mu.Unlock()
		return
	}
	d.messages[messageID] = &tracked{
		status: models.DeliveryStatus{
			MessageID: messageID,
			ChannelID: channelID,
			State:     models.DeliverySent,
			Expected:  expected,
			UpdatedAt: d.now(),
		},
		delivered: make(map[string]struct{}),
		read:      make(map[string]struct{}),
	}

	switch {
	case len(d.ring) < d.maxSize:
		d.ring = append(d.ring, messageID)
		d.lastIndex++
	default:
		i := (d.lastIndex + 1) % d.maxSize
		delete(d.messages, d.ring[i])
		d.ring[i] = messageID
		d.lastIndex = i
	}
	status := d.messages[messageID].status
	d.mu.Unlock()

	d.notify(status)
}

func (d *Delivery) Status(messageID string) (models.DeliveryStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.messages[messageID]
	if !ok {
		return models.DeliveryStatus{}, false
	}
	return t.status, true
}

// AcknowledgeRead tells the author that msg was read. Own messages are never
// acknowledged.
func (d *Delivery) AcknowledgeRead(msg models.Message) error {
	if msg.UserID == d.userID || msg.ID == "" {
		return nil
	}
	return d.tr.Emit(EventMessageUpdate, MessageUpdate{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Receipt:   &Receipt{UserID: d.userID, State: models.DeliveryRead},
	})
}

func (d *Delivery) OnChange(fn func(models.DeliveryStatus)) func() {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	return func() {
		d.subsMu.Lock()
		defer d.subsMu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Delivery) Close() {
	for _, unsubscribe := range d.unsubscribe {
		unsubscribe()
	}
}

// handleNew confirms delivery of other users' messages to their authors.
func (d *Delivery) handleNew(data json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		d.log.Warn("invalid message event", "error", err)
		return
	}
	if msg.UserID == d.userID || msg.ID == "" {
		return
	}
	err := d.tr.Emit(EventMessageUpdate, MessageUpdate{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Receipt:   &Receipt{UserID: d.userID, State: models.DeliveryDelivered},
	})
	if err != nil {
		d.log.Debug("delivery receipt not sent", "message_id", msg.ID, "error", err)
	}
}

func (d *Delivery) handleUpdate(data json.RawMessage) {
	var update MessageUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		d.log.Warn("invalid message update", "error", err)
		return
	}
	r := update.Receipt
	if r == nil || r.UserID == "" || r.UserID == d.userID {
		return
	}

	d.mu.Lock()
	t, ok := d.messages[update.ID]
	if !ok {
		d.mu.Unlock()
		return
	}
	switch r.State {
	case models.DeliveryRead:
		t.read[r.UserID] = struct{}{}
		t.delivered[r.UserID] = struct{}{}
	case models.DeliveryDelivered:
		t.delivered[r.UserID] = struct{}{}
	default:
		d.mu.Unlock()
		return
	}
	t.status.Delivered = len(t.delivered)
	t.status.Read = len(t.read)
	switch {
	case t.status.Read >= t.status.Expected:
		t.status.State = models.DeliveryRead
	case t.status.Delivered >= t.status.Expected:
		t.status.State = models.DeliveryDelivered
	}
	t.status.UpdatedAt = d.now()
	status := t.status
	d.mu.Unlock()

	d.notify(status)
}

func (d *Delivery) notify(status models.DeliveryStatus) {
	d.subsMu.Lock()
	subs := make([]func(models.DeliveryStatus), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.subsMu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
}
