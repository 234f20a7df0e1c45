package connectivity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier/internal/models"
)

const rttWindow = 5

var ErrInvalidTransition = errors.New("invalid transport transition")

// Monitor is the single source of truth for connectivity. It is safe for
// concurrent use. Subscribers receive every transition in the order it
// happened; a subscriber may call back into the monitor.
type Monitor struct {
	mu      sync.Mutex
	state   models.ConnectionState
	samples []time.Duration

	subs    map[int]func(models.ConnectionState)
	nextSub int

	// pending transitions waiting for delivery, and whether some goroutine
	// is currently delivering them.
	pending    []models.ConnectionState
	delivering bool

	log *slog.Logger
	now func() time.Time
}

func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		subs: make(map[int]func(models.ConnectionState)),
		log:  logger,
		now:  time.Now,
	}
	// Nothing is known about the transport until the first attempt settles.
	m.state = models.ConnectionState{
		Online:    true,
		Transport: models.TransportConnecting,
		Quality:   models.QualityUnknown,
		UpdatedAt: m.now(),
	}
	return m
}

func (m *Monitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Online() bool {
	return m.State().Online
}

// Subscribe registers fn for every future transition and returns a function
// that removes it.
func (m *Monitor) Subscribe(fn func(models.ConnectionState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// SetOnline records the platform's network reachability signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.state.Online == online {
		m.mu.Unlock()
		return
	}
	m.state.Online = online
	m.log.Info("network reachability changed", "online", online)
	m.commitLocked()
}

// SetTransport records a realtime transport transition. Within one
// connection episode transitions only move forward; after disconnected the
// next state must be connecting.
func (m *Monitor) SetTransport(next models.TransportState) error {
	m.mu.Lock()
	current := m.state.Transport
	if current == next {
		m.mu.Unlock()
		return nil
	}
	if !validTransition(current, next) {
		m.mu.Unlock()
		m.log.Warn("rejected transport transition", "from", current, "to", next)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	m.state.Transport = next
	if next == models.TransportDisconnected {
		m.samples = m.samples[:0]
		m.state.RTT = 0
		m.state.Quality = models.QualityUnknown
	}
	m.commitLocked()
	return nil
}

// RecordRTT adds a round-trip sample and reclassifies quality on the
// average of the last five samples.
func (m *Monitor) RecordRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	m.mu.Lock()
	m.samples = append(m.samples, rtt)
	if len(m.samples) > rttWindow {
		m.samples = m.samples[len(m.samples)-rttWindow:]
	}
	var sum time.Duration
	for _, s := range m.samples {
		sum += s
	}
	avg := sum / time.Duration(len(m.samples))
	m.state.RTT = avg
	m.state.Quality = ClassifyRTT(avg)
	m.commitLocked()
}

// ClassifyRTT maps an average round-trip time to a quality bucket.
func ClassifyRTT(rtt time.Duration) models.ConnectionQuality {
	switch {
	case rtt < 100*time.Millisecond:
		return models.QualityExcellent
	case rtt < 300*time.Millisecond:
		return models.QualityGood
	case rtt < 600*time.Millisecond:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}

func validTransition(from, to models.TransportState) bool {
	switch from {
	case models.TransportDisconnected:
		return to == models.TransportConnecting
	case models.TransportConnecting:
		return to == models.TransportConnected || to == models.TransportReconnecting || to == models.TransportDisconnected
	case models.TransportConnected:
		return to == models.TransportReconnecting || to == models.TransportDisconnected
	case models.TransportReconnecting:
		return to == models.TransportConnected || to == models.TransportDisconnected
	}
	return false
}

// commitLocked stamps the new state, queues it for delivery and delivers
// queued states unless another goroutine is already doing so. Must be called
// with m.mu held; it releases it.
func (m *Monitor) commitLocked() {
	m.state.UpdatedAt = m.now()
	m.pending = append(m.pending, m.state)
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true

	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		subs := make([]func(models.ConnectionState), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
		m.mu.Unlock()

		for _, fn := range subs {
			fn(next)
		}

		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}
