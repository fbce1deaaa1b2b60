package realtime

import (
	"context"
	"log"
	"sync"
	"time"
)

// PollerConfig holds configuration for the refresh poller.
type PollerConfig struct {
	// Interval is how often a background re-fetch runs.
	// Default: 5 minutes
	Interval time.Duration
}

// DefaultPollerConfig returns default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval: 5 * time.Minute,
	}
}

// RefreshPoller periodically triggers a re-fetch as a safety net for pushed
// events lost while the connection was down. With no active session the
// invalidation is a no-op.
type RefreshPoller struct {
	inv       Invalidator
	config    PollerConfig
	ticker    *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
	isRunning bool
	mu        sync.Mutex
}

// NewRefreshPoller creates a new refresh poller.
func NewRefreshPoller(inv Invalidator, config PollerConfig) *RefreshPoller {
	if config.Interval == 0 {
		config.Interval = 5 * time.Minute
	}

	return &RefreshPoller{
		inv:    inv,
		config: config,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *RefreshPoller) Start() {
	p.mu.Lock()
	if p.isRunning {
		p.mu.Unlock()
		return
	}
	p.isRunning = true
	p.ticker = time.NewTicker(p.config.Interval)
	p.mu.Unlock()

	log.Printf("[RefreshPoller] Started - Interval: %v", p.config.Interval)
	go p.run()
}

// run is the main polling loop.
func (p *RefreshPoller) run() {
	for {
		select {
		case <-p.ticker.C:
			p.refresh()
		case <-p.stopCh:
			log.Printf("[RefreshPoller] Stopped")
			return
		}
	}
}

// refresh performs one invalidation pass.
func (p *RefreshPoller) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.inv.Invalidate(ctx)
}

// Stop stops the poller.
func (p *RefreshPoller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if p.ticker != nil {
			p.ticker.Stop()
		}
		close(p.stopCh)
		p.isRunning = false
	})
}

// RunNow triggers an immediate refresh.
func (p *RefreshPoller) RunNow() {
	p.refresh()
}
