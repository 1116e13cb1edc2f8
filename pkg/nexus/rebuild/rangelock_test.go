package rebuild

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeLocker_DisjointRangesProceedConcurrently(t *testing.T) {
	rl := NewRangeLocker()

	unlock1, err := rl.Lock(context.Background(), 0, 10)
	require.NoError(t, err)
	defer unlock1()

	done := make(chan struct{})
	go func() {
		unlock2, err := rl.Lock(context.Background(), 20, 10)
		require.NoError(t, err)
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint range should not block")
	}
}

func TestRangeLocker_OverlappingRangesSerialize(t *testing.T) {
	rl := NewRangeLocker()

	unlock1, err := rl.Lock(context.Background(), 0, 10)
	require.NoError(t, err)

	var acquired atomic.Bool
	done := make(chan struct{})
	go func() {
		unlock2, err := rl.Lock(context.Background(), 5, 10)
		require.NoError(t, err)
		acquired.Store(true)
		unlock2()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.False(t, acquired.Load(), "overlapping lock must block while held")

	unlock1()
	<-done
	assert.True(t, acquired.Load())
}

func TestRangeLocker_CancelledContext(t *testing.T) {
	rl := NewRangeLocker()
	unlock1, err := rl.Lock(context.Background(), 0, 10)
	require.NoError(t, err)
	defer unlock1()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = rl.Lock(ctx, 5, 10)
	assert.Error(t, err)
}
