package lnmobile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestSelfTestDecoding(t *testing.T) {
	t.Parallel()

	h := newTestNode(t)

	// Decoding checks don't need a running node.
	require.NoError(t, h.node.SelfTest(context.Background(), true))
	require.ErrorIs(t, h.node.SelfTest(context.Background(), false),
		ErrNotStarted)
}

// runSelfTest runs the self test with events and returns its result once
// the event wait is over.
func (h *testNode) runSelfTest() error {
	h.t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- h.node.SelfTest(context.Background(), false)
	}()

	require.Equal(h.t, selfTestEventWait, h.waitTick())
	h.advance(selfTestEventWait)

	select {
	case err := <-done:
		return err

	case <-time.After(defaultTimeout):
		h.t.Fatal("self test didn't return")
		return nil
	}
}

func TestSelfTestEvents(t *testing.T) {
	t.Parallel()

	h := newTestNode(t)
	h.start()

	h.engine.On("FireAnEvent").Run(func(mock.Arguments) {
		err := h.node.HandleEvent(EventLog, []byte(`{"line":"test"}`))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return h.logged(selfTestEventLine)
		}, defaultTimeout, 10*time.Millisecond)
	}).Return(nil).Once()

	require.NoError(t, h.runSelfTest())

	// An engine that doesn't deliver its event fails the test.
	h.engine.On("FireAnEvent").Return(nil).Once()
	require.Error(t, h.runSelfTest())
}
