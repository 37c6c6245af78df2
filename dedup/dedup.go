package dedup

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTTL is the window during which an idempotency key is
	// considered a duplicate.
	DefaultTTL = 5 * time.Minute

	// sweepInterval is fixed and independent of message volume so burst
	// traffic cannot defer eviction indefinitely.
	sweepInterval = 30 * time.Second
)

// Deduplicator is a TTL-indexed cache of recently seen idempotency keys.
// Entries are in-memory only and need not survive a process restart.
type Deduplicator struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration

	stopOnce sync.Once
	stopChan chan struct{}
}

// New creates a deduplicator with the given TTL window and starts its
// background sweep. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	d := &Deduplicator{
		entries:  make(map[string]time.Time),
		ttl:      ttl,
		stopChan: make(chan struct{}),
	}

	go d.sweepLoop()

	return d
}

// ShouldSend reports whether an outbound operation keyed by idempotencyKey
// may reach the transport. It records the key only when no unexpired entry
// exists; a suppressed call has no side effects.
func (d *Deduplicator) ShouldSend(idempotencyKey string) bool {
	return d.checkAndStore("out:" + idempotencyKey)
}

// ShouldProcess is the inbound mirror of ShouldSend, absorbing
// transport-level redelivery of the same payload.
func (d *Deduplicator) ShouldProcess(idempotencyKey string) bool {
	return d.checkAndStore("in:" + idempotencyKey)
}

func (d *Deduplicator) checkAndStore(key string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if expiry, exists := d.entries[key]; exists && now.Before(expiry) {
		logrus.WithFields(logrus.Fields{
			"function": "checkAndStore",
			"key":      key,
		}).Debug("Duplicate suppressed within TTL window")
		return false
	}

	d.entries[key] = now.Add(d.ttl)
	return true
}

// Len returns the number of tracked entries, expired or not.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// Close stops the background sweep. Safe to call more than once.
func (d *Deduplicator) Close() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
	})
}

func (d *Deduplicator) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.sweep(time.Now())
		case <-d.stopChan:
			return
		}
	}
}

// sweep removes entries whose expiry has passed.
func (d *Deduplicator) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
			removed++
		}
	}

	if removed > 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "sweep",
			"removed":   removed,
			"remaining": len(d.entries),
		}).Debug("Swept expired dedup entries")
	}
}
