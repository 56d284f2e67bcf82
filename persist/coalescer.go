// Package persist coalesces bursts of snapshot writes. Every write to a key
// restarts that key's delay window, and only the last value written before
// the window expires is flushed.
package persist

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnmobile/storage"
)

// DefaultDelay is the default quiet period before a key is flushed.
const DefaultDelay = time.Second

// ErrStopped is returned when scheduling on a stopped Coalescer.
var ErrStopped = errors.New("coalescer stopped")

// FlushFunc writes a value.
type FlushFunc func(key, value string) error

// StoreFlusher returns a FlushFunc writing to store.
func StoreFlusher(store storage.Store) FlushFunc {
	return store.Set
}

// Config holds the parameters of a Coalescer.
type Config struct {
	// Delay is the quiet period after the last write to a key before it
	// is flushed. Defaults to DefaultDelay.
	Delay time.Duration

	// Clock drives the delay. Defaults to the wall clock.
	Clock clock.Clock

	// Flush writes a value.
	Flush FlushFunc

	// OnError, if set, is called with failed flushes.
	OnError func(key string, err error)
}

// pendingWrite is a value waiting for its window to expire.
type pendingWrite struct {
	value  string
	cancel chan struct{}
}

// Coalescer is a per-key delay queue with cancel and reschedule semantics.
type Coalescer struct {
	cfg Config

	mu      sync.Mutex
	pending map[string]*pendingWrite
	stopped bool

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Coalescer.
func New(cfg Config) *Coalescer {
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Coalescer{
		cfg:     cfg,
		pending: make(map[string]*pendingWrite),
		quit:    make(chan struct{}),
	}
}

// Schedule sets the value to flush for key and restarts its window.
func (c *Coalescer) Schedule(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}

	if prev, ok := c.pending[key]; ok {
		close(prev.cancel)
		log.Tracef("Rescheduled flush of %v", key)
	}

	p := &pendingWrite{
		value:  value,
		cancel: make(chan struct{}),
	}
	c.pending[key] = p

	tick := c.cfg.Clock.TickAfter(c.cfg.Delay)

	c.wg.Add(1)
	go c.waitAndFlush(key, p, tick)

	return nil
}

// waitAndFlush flushes p once its window expires, unless it was replaced in
// the meantime.
func (c *Coalescer) waitAndFlush(key string, p *pendingWrite,
	tick <-chan time.Time) {

	defer c.wg.Done()

	select {
	case <-tick:
	case <-p.cancel:
		return
	case <-c.quit:
		return
	}

	c.mu.Lock()
	if c.pending[key] != p {
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	c.flush(key, p.value)
}

// flush writes a single value.
func (c *Coalescer) flush(key, value string) {
	if err := c.cfg.Flush(key, value); err != nil {
		log.Errorf("Unable to persist %v: %v", key, err)

		if c.cfg.OnError != nil {
			c.cfg.OnError(key, err)
		}

		return
	}

	log.Debugf("Persisted %v (%d bytes)", key, len(value))
}

// Pending returns the number of keys waiting to be flushed.
func (c *Coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Stop flushes every pending value immediately and rejects further
// scheduling.
func (c *Coalescer) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.quit)
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	remaining := c.pending
	c.pending = make(map[string]*pendingWrite)
	c.mu.Unlock()

	keys := make([]string, 0, len(remaining))
	for key := range remaining {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		c.flush(key, remaining[key].value)
	}
}
