package persist

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnmobile/storage"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2023, 4, 20, 12, 0, 0, 0, time.UTC)

type write struct {
	key, value string
}

type harness struct {
	clock  *clock.TestClock
	writes chan write
	c      *Coalescer
}

func newHarness(t *testing.T, flushErr error,
	onError func(string, error)) *harness {

	h := &harness{
		clock:  clock.NewTestClock(testTime),
		writes: make(chan write, 10),
	}
	h.c = New(Config{
		Clock: h.clock,
		Flush: func(key, value string) error {
			h.writes <- write{key: key, value: value}
			return flushErr
		},
		OnError: onError,
	})
	t.Cleanup(h.c.Stop)

	return h
}

func (h *harness) advance(d time.Duration) {
	h.clock.SetTime(h.clock.Now().Add(d))
}

func (h *harness) expectWrite(t *testing.T, key, value string) {
	t.Helper()

	select {
	case w := <-h.writes:
		require.Equal(t, write{key: key, value: value}, w)

	case <-time.After(time.Second):
		t.Fatalf("no write of %v", key)
	}
}

func (h *harness) expectNoWrite(t *testing.T) {
	t.Helper()

	select {
	case w := <-h.writes:
		t.Fatalf("unexpected write: %v", w)

	case <-time.After(50 * time.Millisecond):
	}
}

// TestCoalescerBurst checks a burst of writes to a key results in one flush
// of the last value.
func TestCoalescerBurst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.Schedule("channel_manager", "01"))
	require.NoError(t, h.c.Schedule("channel_manager", "02"))
	require.NoError(t, h.c.Schedule("channel_manager", "03"))
	require.Equal(t, 1, h.c.Pending())

	h.advance(999 * time.Millisecond)
	h.expectNoWrite(t)

	h.advance(time.Millisecond)
	h.expectWrite(t, "channel_manager", "03")
	h.expectNoWrite(t)

	require.Eventually(t, func() bool {
		return h.c.Pending() == 0
	}, time.Second, 10*time.Millisecond)
}

// TestCoalescerReschedule checks a write restarts the window of its key.
func TestCoalescerReschedule(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.Schedule("channel_monitor_1", "a"))
	h.advance(500 * time.Millisecond)
	require.NoError(t, h.c.Schedule("channel_monitor_1", "b"))

	// The first window would have expired now.
	h.advance(500 * time.Millisecond)
	h.expectNoWrite(t)

	h.advance(500 * time.Millisecond)
	h.expectWrite(t, "channel_monitor_1", "b")
}

// TestCoalescerIndependentKeys checks keys have their own windows.
func TestCoalescerIndependentKeys(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.Schedule("channel_monitor_1", "a"))
	h.advance(600 * time.Millisecond)
	require.NoError(t, h.c.Schedule("channel_monitor_2", "b"))

	h.advance(400 * time.Millisecond)
	h.expectWrite(t, "channel_monitor_1", "a")
	h.expectNoWrite(t)

	h.advance(600 * time.Millisecond)
	h.expectWrite(t, "channel_monitor_2", "b")
}

// TestCoalescerStop checks Stop flushes pending values and rejects new
// ones.
func TestCoalescerStop(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)

	require.NoError(t, h.c.Schedule("b", "2"))
	require.NoError(t, h.c.Schedule("a", "1"))

	h.c.Stop()
	h.expectWrite(t, "a", "1")
	h.expectWrite(t, "b", "2")
	require.Zero(t, h.c.Pending())

	require.ErrorIs(t, h.c.Schedule("a", "3"), ErrStopped)

	// Stopping twice is fine.
	h.c.Stop()
	h.expectNoWrite(t)
}

// TestCoalescerFlushError checks failed flushes reach the error handler.
func TestCoalescerFlushError(t *testing.T) {
	t.Parallel()

	flushErr := errors.New("disk full")
	failed := make(chan error, 1)

	h := newHarness(t, flushErr, func(key string, err error) {
		failed <- fmt.Errorf("%s: %w", key, err)
	})

	require.NoError(t, h.c.Schedule("channel_manager", "01"))
	h.advance(DefaultDelay)
	h.expectWrite(t, "channel_manager", "01")

	select {
	case err := <-failed:
		require.ErrorIs(t, err, flushErr)
		require.ErrorContains(t, err, "channel_manager")

	case <-time.After(time.Second):
		t.Fatal("error handler not called")
	}
}

// TestStoreFlusher checks values end up in the store.
func TestStoreFlusher(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	testClock := clock.NewTestClock(testTime)
	c := New(Config{
		Clock: testClock,
		Flush: StoreFlusher(store),
	})

	require.NoError(t, c.Schedule("channel_manager", "abcd"))
	c.Stop()

	value, err := store.Get("channel_manager")
	require.NoError(t, err)
	require.Equal(t, "abcd", value)
}
