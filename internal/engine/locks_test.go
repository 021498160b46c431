package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueLocksExclusivePerQueue(t *testing.T) {
	l := newQueueLocks(true)
	ctx := context.Background()
	release, err := l.lock(ctx, "q1")
	require.NoError(t, err)

	// Other queues are independent.
	other, err := l.lock(ctx, "q2")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		r, err := l.lock(ctx, "q1")
		if err == nil {
			close(acquired)
			r()
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second holder acquired q1 while it was held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	release() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired q1")
	}
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 10*time.Millisecond)
}

func TestQueueLocksHonourContext(t *testing.T) {
	l := newQueueLocks(true)
	release, err := l.lock(context.Background(), "q1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.lock(ctx, "q1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.size())
}

func TestQueueLocksDisabled(t *testing.T) {
	l := newQueueLocks(false)
	a, err := l.lock(context.Background(), "q1")
	require.NoError(t, err)
	b, err := l.lock(context.Background(), "q1")
	require.NoError(t, err)
	a()
	b()
	assert.Equal(t, 0, l.size())
}
