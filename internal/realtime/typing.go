package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"courier/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultTypingThrottle  = 3 * time.Second
	DefaultTypingIdle      = 5 * time.Second
	DefaultTypingRemoteTTL = 6 * time.Second
)

type TypingPayload struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

type TypingConfig struct {
	UserID    string
	UserName  string
	Throttle  time.Duration
	Idle      time.Duration
	RemoteTTL time.Duration
	Logger    *slog.Logger
}

type remoteTyping struct {
	user   models.TypingUser
	seenAt time.Time
}

// Typing sends the current user's typing signals and collects everyone
// else's.
type Typing struct {
	tr        Transport
	userID    string
	userName  string
	throttle  time.Duration
	idle      time.Duration
	remoteTTL time.Duration
	log       *slog.Logger
	now       func() time.Time
	timers    *timers

	mu       sync.Mutex
	closed   bool
	lastSent map[string]time.Time // channel -> last start signal
	remote   geche.Geche[string, remoteTyping]
	keys     map[string]map[string]struct{} // channel -> users with a remote entry

	subsMu  sync.Mutex
	subs    map[int]func(channelID string, users []models.TypingUser)
	nextSub int

	unsubscribe func()
}

func NewTyping(ctx context.Context, tr Transport, cfg TypingConfig) *Typing {
	if cfg.Throttle <= 0 {
		cfg.Throttle = DefaultTypingThrottle
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultTypingIdle
	}
	if cfg.RemoteTTL <= 0 {
		cfg.RemoteTTL = DefaultTypingRemoteTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	t := &Typing{
		tr:        tr,
		userID:    cfg.UserID,
		userName:  cfg.UserName,
		throttle:  cfg.Throttle,
		idle:      cfg.Idle,
		remoteTTL: cfg.RemoteTTL,
		log:       cfg.Logger,
		now:       time.Now,
		timers:    newTimers(),
		lastSent:  make(map[string]time.Time),
		remote:    geche.NewMapTTLCache[string, remoteTyping](ctx, cfg.RemoteTTL, time.Second),
		keys:      make(map[string]map[string]struct{}),
		subs:      make(map[int]func(string, []models.TypingUser)),
	}
	t.unsubscribe = tr.On(EventMessageTyping, t.handleRemote)
	return t
}

// HandleInputChange is called on every edit of the message box. A start
// signal goes out at most once per throttle window; the stop signal follows
// after the idle period without input, or right away when value is empty.
func (t *Typing) HandleInputChange(channelID, value string) {
	if strings.TrimSpace(value) == "" {
		t.StopTyping(channelID)
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	now := t.now()
	last, typing := t.lastSent[channelID]
	send := !typing || now.Sub(last) >= t.throttle
	if send {
		t.lastSent[channelID] = now
	}
	t.timers.Reset(channelID, t.idle, func() { t.StopTyping(channelID) })
	t.mu.Unlock()

	if send {
		t.send(channelID, true)
	}
}

// StopTyping cancels pending timers for the channel and sends stop if a
// start went out. Called on send as well.
func (t *Typing) StopTyping(channelID string) {
	t.mu.Lock()
	t.timers.Stop(channelID)
	_, typing := t.lastSent[channelID]
	delete(t.lastSent, channelID)
	t.mu.Unlock()

	if typing {
		t.send(channelID, false)
	}
}

// Users returns the other users typing in a channel, oldest first.
func (t *Typing) Users(channelID string) []models.TypingUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked(channelID)
}

func (t *Typing) usersLocked(channelID string) []models.TypingUser {
	now := t.now()
	var users []models.TypingUser
	for userID := range t.keys[channelID] {
		entry, err := t.remote.Get(typingKey(channelID, userID))
		if err != nil || now.Sub(entry.seenAt) >= t.remoteTTL {
			t.forgetLocked(channelID, userID)
			continue
		}
		users = append(users, entry.user)
	}
	slices.SortFunc(users, func(a, b models.TypingUser) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.UserID, b.UserID)
	})
	return users
}

// Text renders the typing line shown under a channel.
func (t *Typing) Text(channelID string) string {
	users := t.Users(channelID)
	names := make([]string, 0, len(users))
	for _, u := range users {
		name := u.UserName
		if name == "" {
			name = u.UserID
		}
		names = append(names, name)
	}
	return TypingText(names)
}

// OnChange registers fn for changes of remote typing state.
func (t *Typing) OnChange(fn func(channelID string, users []models.TypingUser)) func() {
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

// Close cancels every timer. Channels with an open start signal get a stop.
func (t *Typing) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.timers.StopAll()
	channels := make([]string, 0, len(t.lastSent))
	for channelID := range t.lastSent {
		channels = append(channels, channelID)
	}
	clear(t.lastSent)
	t.mu.Unlock()

	t.unsubscribe()
	for _, channelID := range channels {
		t.send(channelID, false)
	}
}

func (t *Typing) handleRemote(data json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.log.Warn("invalid typing event", "error", err)
		return
	}
	if p.ChannelID == "" || p.UserID == "" || p.UserID == t.userID {
		return
	}

	t.mu.Lock()
	key := typingKey(p.ChannelID, p.UserID)
	if p.IsTyping {
		now := t.now()
		startedAt := now
		if prev, err := t.remote.Get(key); err == nil {
			startedAt = prev.user.StartedAt
		}
		t.remote.Set(key, remoteTyping{
			user: models.TypingUser{
				UserID:    p.UserID,
				UserName:  p.UserName,
				ChannelID: p.ChannelID,
				StartedAt: startedAt,
			},
			seenAt: now,
		})
		if t.keys[p.ChannelID] == nil {
			t.keys[p.ChannelID] = make(map[string]struct{})
		}
		t.keys[p.ChannelID][p.UserID] = struct{}{}
	} else {
		t.forgetLocked(p.ChannelID, p.UserID)
	}
	users := t.usersLocked(p.ChannelID)
	t.mu.Unlock()

	t.notify(p.ChannelID, users)
}

func (t *Typing) forgetLocked(channelID, userID string) {
	_ = t.remote.Del(typingKey(channelID, userID))
	delete(t.keys[channelID], userID)
	if len(t.keys[channelID]) == 0 {
		delete(t.keys, channelID)
	}
}

func (t *Typing) send(channelID string, typing bool) {
	err := t.tr.Emit(EventMessageTyping, TypingPayload{
		ChannelID: channelID,
		UserID:    t.userID,
		UserName:  t.userName,
		IsTyping:  typing,
	})
	if err != nil {
		t.log.Debug("typing signal not sent", "channel_id", channelID, "typing", typing, "error", err)
	}
}

func (t *Typing) notify(channelID string, users []models.TypingUser) {
	t.subsMu.Lock()
	subs := make([]func(string, []models.TypingUser), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.subsMu.Unlock()

	for _, fn := range subs {
		fn(channelID, users)
	}
}

func typingKey(channelID, userID string) string {
	return channelID + "\x00" + userID
}

// TypingText renders who is typing.
func TypingText(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0] + " is typing"
	case 2:
		return fmt.Sprintf("%s and %s are typing", names[0], names[1])
	case 3:
		return fmt.Sprintf("%s, %s, and %s are typing", names[0], names[1], names[2])
	default:
		return "Several people are typing"
	}
}

// timers owns every scheduled callback of a component, keyed by name, so
// they can all be cancelled together.
type timers struct {
	mu sync.Mutex
	m  map[string]*time.Timer
}

func newTimers() *timers {
	return &timers{m: make(map[string]*time.Timer)}
}

func (t *timers) Reset(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.m[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.m[key] != timer {
			t.mu.Unlock()
			return
		}
		delete(t.m, key)
		t.mu.Unlock()
		fn()
	})
	t.m[key] = timer
}

func (t *timers) Stop(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.m[key]; ok {
		timer.Stop()
		delete(t.m, key)
	}
}

func (t *timers) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.m {
		timer.Stop()
		delete(t.m, key)
	}
}

func (t *timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
