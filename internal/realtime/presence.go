package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"courier/internal/models"

	"github.com/c-pro/geche"
)

const DefaultPresenceTTL = 5 * time.Minute

var ErrInvalidStatus = errors.New("invalid presence status")

type remotePresence struct {
	presence models.Presence
	seenAt   time.Time
}

type PresenceSubscription struct {
	UserIDs   []string `json:"userIds"`
	Subscribe bool     `json:"subscribe"`
}

// Presence tracks the current user's status and the status of users someone
// is interested in. Interest is reference counted so overlapping subscribers
// cause one server subscription per user.
type Presence struct {
	tr     Transport
	userID string
	ttl    time.Duration
	log    *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	self   models.Presence
	refs   map[string]int
	remote geche.Geche[string, remotePresence]

	subsMu  sync.Mutex
	subs    map[int]func(models.Presence)
	nextSub int

	unsubscribe []func()
}

func NewPresence(ctx context.Context, tr Transport, userID string, ttl time.Duration, logger *slog.Logger) *Presence {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Presence{
		tr:     tr,
		userID: userID,
		ttl:    ttl,
		log:    logger,
		now:    time.Now,
		self:   models.Presence{UserID: userID, Status: models.PresenceOnline},
		refs:   make(map[string]int),
		remote: geche.NewMapTTLCache[string, remotePresence](ctx, ttl, time.Minute),
		subs:   make(map[int]func(models.Presence)),
	}
	p.unsubscribe = []func(){
		tr.On(EventPresenceUpdate, p.handleUpdate),
		tr.On(EventConnect, func(json.RawMessage) { p.resync() }),
	}
	return p
}

// SetStatus updates the local status at once and tells the server without
// waiting for it.
func (p *Presence) SetStatus(status models.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	p.mu.Lock()
	p.self.Status = status
	p.self.LastSeen = p.now()
	self := p.self
	p.mu.Unlock()

	p.notify(self)
	p.send(EventPresenceUpdate, self)
	return nil
}

func (p *Presence) SetCustomStatus(text string) {
	p.mu.Lock()
	p.self.CustomStatus = text
	p.self.LastSeen = p.now()
	self := p.self
	p.mu.Unlock()

	p.notify(self)
	p.send(EventPresenceUpdate, self)
}

func (p *Presence) Self() models.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// SubscribeToUsers registers interest in ids. Only users nobody was
// interested in before are sent to the server.
func (p *Presence) SubscribeToUsers(ids ...string) {
	p.mu.Lock()
	var added []string
	for _, id := range ids {
		if id == "" || id == p.userID {
			continue
		}
		p.refs[id]++
		if p.refs[id] == 1 {
			added = append(added, id)
		}
	}
	p.mu.Unlock()

	if len(added) > 0 {
		p.send(EventPresenceSubscribe, PresenceSubscription{UserIDs: added, Subscribe: true})
	}
}

// UnsubscribeFromUsers drops interest in ids. Users are unsubscribed on the
// server when the last interested party lets go.
func (p *Presence) UnsubscribeFromUsers(ids ...string) {
	p.mu.Lock()
	var removed []string
	for _, id := range ids {
		n, ok := p.refs[id]
		if !ok {
			continue
		}
		if n > 1 {
			p.refs[id] = n - 1
			continue
		}
		delete(p.refs, id)
		_ = p.remote.Del(id)
		removed = append(removed, id)
	}
	p.mu.Unlock()

	if len(removed) > 0 {
		p.send(EventPresenceSubscribe, PresenceSubscription{UserIDs: removed, Subscribe: false})
	}
}

// RefCounts returns a copy of the interest counts per user.
func (p *Presence) RefCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return maps.Clone(p.refs)
}

// Get returns the last known presence of a user. Entries not refreshed
// within the TTL are gone.
func (p *Presence) Get(userID string) (models.Presence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if userID == p.userID {
		return p.self, true
	}
	entry, err := p.remote.Get(userID)
	if err != nil || p.now().Sub(entry.seenAt) >= p.ttl {
		return models.Presence{}, false
	}
	return entry.presence, true
}

// OnChange registers fn for presence changes and returns a function that
// removes it.
func (p *Presence) OnChange(fn func(models.Presence)) func() {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	return func() {
		p.subsMu.Lock()
		defer p.subsMu.Unlock()
		delete(p.subs, id)
	}
}

func (p *Presence) Close() {
	for _, unsubscribe := range p.unsubscribe {
		unsubscribe()
	}
}

func (p *Presence) handleUpdate(data json.RawMessage) {
	var update models.Presence
	if err := json.Unmarshal(data, &update); err != nil {
		p.log.Warn("invalid presence update", "error", err)
		return
	}
	if update.UserID == "" || update.UserID == p.userID || !update.Status.Valid() {
		return
	}

	p.mu.Lock()
	if _, interested := p.refs[update.UserID]; !interested {
		p.mu.Unlock()
		return
	}
	now := p.now()
	if update.LastSeen.IsZero() {
		update.LastSeen = now
	}
	p.remote.Set(update.UserID, remotePresence{presence: update, seenAt: now})
	p.mu.Unlock()

	p.notify(update)
}

// resync replays the local status and subscriptions on a fresh connection.
func (p *Presence) resync() {
	p.mu.Lock()
	self := p.self
	ids := slices.Sorted(maps.Keys(p.refs))
	p.mu.Unlock()

	p.send(EventPresenceUpdate, self)
	if len(ids) > 0 {
		p.send(EventPresenceSubscribe, PresenceSubscription{UserIDs: ids, Subscribe: true})
	}
}

func (p *Presence) send(event Event, data any) {
	if err := p.tr.Emit(event, data); err != nil {
		p.log.Debug("presence not sent", "event", event, "error", err)
	}
}

func (p *Presence) notify(presence models.Presence) {
	p.subsMu.Lock()
	subs := make([]func(models.Presence), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subsMu.Unlock()

	for _, fn := range subs {
		fn(presence)
	}
}
