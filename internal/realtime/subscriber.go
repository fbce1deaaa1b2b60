// Package realtime keeps the local session in sync with changes made from
// other devices. Pushed events are treated purely as invalidation signals;
// their payloads are never inspected.
package realtime

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Invalidator receives invalidation signals. Implementations re-fetch the
// authoritative state and must swallow their own errors.
type Invalidator interface {
	Invalidate(ctx context.Context)
}

// Manager maintains at most one live subscription, following the current
// session's identity. Card-level and visit-level changes arrive on separate
// channels; both collapse into the same re-fetch.
type Manager struct {
	client *redis.Client
	prefix string
	inv    Invalidator

	mu      sync.Mutex
	current string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	closed  bool
}

// NewManager creates a subscription manager. A nil client degrades to a
// no-op: the poller then carries invalidation alone.
func NewManager(client *redis.Client, channelPrefix string, inv Invalidator) *Manager {
	return &Manager{
		client: client,
		prefix: channelPrefix,
		inv:    inv,
	}
}

// Track switches the live subscription to the given identity. An empty key
// unsubscribes. Re-tracking the current identity is a no-op, so callers may
// invoke this on every identity notification without churn.
func (m *Manager) Track(channelKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil || m.closed || channelKey == m.current {
		return
	}

	m.dropLocked()
	m.current = channelKey
	if channelKey == "" {
		return
	}

	channels := []string{
		m.prefix + ":card:" + channelKey,
		m.prefix + ":visits:" + channelKey,
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.pubsub = m.client.Subscribe(ctx, channels...)

	log.Printf("[Realtime] Subscribed to %v", channels)
	go m.listen(ctx, m.pubsub)
}

// listen consumes pushed messages until the subscription is dropped.
func (m *Manager) listen(ctx context.Context, pubsub *redis.PubSub) {
	for {
		select {
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return
			}
			log.Printf("[Realtime] Change pushed on %s, invalidating", msg.Channel)
			m.inv.Invalidate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Status reports the manager's state for the ops surface.
func (m *Manager) Status() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]interface{}{
		"enabled":    m.client != nil,
		"subscribed": m.pubsub != nil,
		"identity":   m.current,
	}
}

// Close drops the subscription permanently.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.dropLocked()
	m.current = ""
	return nil
}

func (m *Manager) dropLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.pubsub != nil {
		if err := m.pubsub.Close(); err != nil {
			log.Printf("[Realtime] Error closing subscription: %v", err)
		}
		m.pubsub = nil
	}
}
