package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Prober feeds the monitor with reachability and round-trip samples by
// periodically requesting a health endpoint.
type Prober struct {
	monitor  *Monitor
	client   *http.Client
	url      string
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewProber(monitor *Monitor, url string, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		monitor:  monitor,
		client:   &http.Client{},
		url:      url,
		interval: interval,
		timeout:  timeout,
		log:      logger,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Probe performs one health check and reports whether the server answered.
// Any answer below 500 counts as reachable.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.log.Error("failed to build health request", "url", p.url, "error", err)
		return false
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			// Shutting down, not a connectivity signal.
			return false
		}
		p.log.Debug("health probe failed", "url", p.url, "error", err)
		p.monitor.SetOnline(false)
		return false
	}
	_ = resp.Body.Close()
	rtt := time.Since(start)

	if resp.StatusCode >= http.StatusInternalServerError {
		p.log.Debug("health probe got server error", "url", p.url, "status", resp.StatusCode)
		p.monitor.SetOnline(false)
		return false
	}

	p.monitor.SetOnline(true)
	p.monitor.RecordRTT(rtt)
	return true
}
