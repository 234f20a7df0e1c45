package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"courier/internal/models"

	"github.com/gorilla/websocket"
)

type Event string

const (
	EventConnect    Event = "connect"
	EventDisconnect Event = "disconnect"
	EventError      Event = "error"

	EventMessageNew    Event = "message:new"
	EventMessageUpdate Event = "message:update"
	EventMessageDelete Event = "message:delete"
	EventMessageTyping Event = "message:typing"

	EventPresenceUpdate    Event = "presence:update"
	EventPresenceSubscribe Event = "presence:subscribe"

	EventChannelJoin   Event = "channel:join"
	EventChannelLeave  Event = "channel:leave"
	EventChannelUpdate Event = "channel:update"

	EventReactionAdd    Event = "reaction:add"
	EventReactionRemove Event = "reaction:remove"
)

const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPingInterval      = 15 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("realtime: not connected")
	ErrUnauthorized = errors.New("realtime: unauthorized")
)

// Envelope is the frame exchanged with the server in both directions.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Handler func(data json.RawMessage)

// Transport is what presence, typing and delivery tracking need from the
// connection. Implemented by Client.
type Transport interface {
	Emit(event Event, data any) error
	On(event Event, fn Handler) func()
}

type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// TransportMonitor receives connection state and round trip samples.
// Implemented by connectivity.Monitor.
type TransportMonitor interface {
	SetTransport(next models.TransportState) error
	RecordRTT(rtt time.Duration)
}

type Config struct {
	URL               string
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	Logger            *slog.Logger
}

// Client keeps one websocket connection to the server alive and fans incoming
// events out to registered handlers.
type Client struct {
	url          string
	tokens       TokenSource
	monitor      TransportMonitor
	dialer       *websocket.Dialer
	attempts     int
	delay        time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	log          *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[Event]map[int]Handler
	nextHandler int

	wake chan struct{}
}

func NewClient(tokens TokenSource, monitor TransportMonitor, cfg Config) *Client {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = DefaultReconnectAttempts
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:          cfg.URL,
		tokens:       tokens,
		monitor:      monitor,
		dialer:       &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		attempts:     cfg.ReconnectAttempts,
		delay:        cfg.ReconnectDelay,
		pingInterval: cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		log:          cfg.Logger,
		handlers:     make(map[Event]map[int]Handler),
		wake:         make(chan struct{}, 1),
	}
}

// Run connects and keeps reconnecting until ctx is done. After the attempts
// are used up the client stays disconnected until Reconnect is called.
func (c *Client) Run(ctx context.Context) error {
	c.setTransport(models.TransportConnecting)
	failures := 0
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			failures = 0
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			c.setTransport(models.TransportConnected)
			c.log.Info("realtime connected", "url", c.url)
			c.dispatch(EventConnect, nil)

			err = c.serve(ctx, conn)
			c.dispatch(EventDisconnect, reason(err))
			if ctx.Err() != nil {
				c.setTransport(models.TransportDisconnected)
				return nil
			}
			c.log.Warn("realtime connection lost", "error", err)
			c.setTransport(models.TransportReconnecting)
		} else {
			if ctx.Err() != nil {
				c.setTransport(models.TransportDisconnected)
				return nil
			}
			failures++
			c.log.Warn("realtime connect failed", "attempt", failures, "error", err)
			c.dispatch(EventError, connectError(err, failures))
			if failures >= c.attempts {
				c.setTransport(models.TransportDisconnected)
				c.log.Error("realtime giving up", "attempts", failures)
				select {
				case <-c.wake:
				case <-ctx.Done():
					return nil
				}
				failures = 0
				c.setTransport(models.TransportConnecting)
				continue
			}
			c.setTransport(models.TransportReconnecting)
		}

		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			c.setTransport(models.TransportDisconnected)
			return nil
		}
	}
}

// Reconnect wakes a client that gave up.
func (c *Client) Reconnect() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		header.Set("token", token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			if c.tokens != nil {
				c.tokens.Invalidate()
			}
			return nil, ErrUnauthorized
		}
		if resp != nil {
			return nil, fmt.Errorf("realtime: handshake failed with %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// serve pumps one connection until it fails or ctx is done, then forgets it.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	errorCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Go(func() {
		errorCh <- c.readPump(conn)
		cancel()
	})
	wg.Go(func() {
		errorCh <- c.pingLoop(ctx, conn)
		cancel()
	})

	var err error
	select {
	case err = <-errorCh:
	case <-ctx.Done():
	}
	_ = conn.Close()
	wg.Wait()
	close(errorCh)
	for e := range errorCh {
		if err == nil {
			err = e
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *Client) readPump(conn *websocket.Conn) error {
	pongWait := 2 * c.pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(appData string) error {
		if sent, err := strconv.ParseInt(appData, 10, 64); err == nil {
			c.monitor.RecordRTT(time.Since(time.Unix(0, sent)))
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if env.Event == "" {
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			payload := []byte(strconv.FormatInt(time.Now().UnixNano(), 10))
			if err := conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(c.writeTimeout)); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Emit sends one event. Writes are serialized.
func (c *Client) Emit(event Event, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(Envelope{Event: event, Data: raw})
}

// On registers fn for an event and returns a function that removes it.
func (c *Client) On(event Event, fn Handler) func() {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.handlersMu.Lock()
		defer c.handlersMu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *Client) dispatch(event Event, data json.RawMessage) {
	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers[event]))
	for _, fn := range c.handlers[event] {
		handlers = append(handlers, fn)
	}
	c.handlersMu.RUnlock()

	for _, fn := range handlers {
		fn(data)
	}
}

func (c *Client) setTransport(next models.TransportState) {
	if err := c.monitor.SetTransport(next); err != nil {
		c.log.Debug("transport state unchanged", "next", next, "error", err)
	}
}

// ConnectError is the payload of EventError, dispatched for every failed
// dial or handshake.
type ConnectError struct {
	Error        string `json:"error"`
	Attempt      int    `json:"attempt"`
	Unauthorized bool   `json:"unauthorized,omitempty"`
}

func connectError(err error, attempt int) json.RawMessage {
	raw, _ := json.Marshal(ConnectError{
		Error:        err.Error(),
		Attempt:      attempt,
		Unauthorized: errors.Is(err, ErrUnauthorized),
	})
	return raw
}

func reason(err error) json.RawMessage {
	msg := "closed"
	if err != nil {
		msg = err.Error()
	}
	raw, _ := json.Marshal(map[string]string{"reason": msg})
	return raw
}
