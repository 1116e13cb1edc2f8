package flusher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCommand struct {
	label   string
	failN   int32
	calls   int32
	failErr error
}

func (c *fakeCommand) Execute(ctx context.Context) error {
	n := atomic.AddInt32(&c.calls, 1)
	if n <= c.failN {
		if c.failErr != nil {
			return c.failErr
		}
		return errors.New("transient failure")
	}
	return nil
}

func (c *fakeCommand) Describe() string { return c.label }

func TestAdminQueuePoller_SucceedsFirstTry(t *testing.T) {
	p := NewAdminQueuePoller(DefaultAdminQueuePollerConfig())
	p.Start(context.Background())
	defer p.Stop(time.Second)

	cmd := &fakeCommand{label: "register"}
	require.True(t, p.Enqueue("nexus-0", "nvmf://child-0", cmd))

	require.Eventually(t, func() bool {
		_, completed, _ := p.Stats()
		return completed == 1
	}, time.Second, time.Millisecond)

	assert.EqualValues(t, 1, atomic.LoadInt32(&cmd.calls))
}

func TestAdminQueuePoller_RetriesThenSucceeds(t *testing.T) {
	p := NewAdminQueuePoller(AdminQueuePollerConfig{QueueSize: 8, Workers: 1, MaxRetries: 3})
	p.Start(context.Background())
	defer p.Stop(time.Second)

	cmd := &fakeCommand{label: "acquire", failN: 2}
	require.True(t, p.Enqueue("nexus-0", "nvmf://child-0", cmd))

	require.Eventually(t, func() bool {
		_, completed, _ := p.Stats()
		return completed == 1
	}, time.Second, time.Millisecond)

	assert.EqualValues(t, 3, atomic.LoadInt32(&cmd.calls))
}

func TestAdminQueuePoller_ExhaustsRetriesAndCallsOnFailure(t *testing.T) {
	var mu sync.Mutex
	var failedNexus, failedChild string
	var failedErr error

	p := NewAdminQueuePoller(AdminQueuePollerConfig{
		QueueSize:  8,
		Workers:    1,
		MaxRetries: 2,
		OnFailure: func(nexus, child string, cmd AdminCommand, err error) {
			mu.Lock()
			defer mu.Unlock()
			failedNexus, failedChild, failedErr = nexus, child, err
		},
	})
	p.Start(context.Background())
	defer p.Stop(time.Second)

	cmd := &fakeCommand{label: "preempt", failN: 100}
	require.True(t, p.Enqueue("nexus-1", "nvmf://child-1", cmd))

	require.Eventually(t, func() bool {
		_, _, failed := p.Stats()
		return failed == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "nexus-1", failedNexus)
	assert.Equal(t, "nvmf://child-1", failedChild)
	assert.Error(t, failedErr)
	assert.EqualValues(t, 2, atomic.LoadInt32(&cmd.calls))
}

func TestAdminQueuePoller_EnqueueRejectsWhenFull(t *testing.T) {
	p := NewAdminQueuePoller(AdminQueuePollerConfig{QueueSize: 1, Workers: 0, MaxRetries: 1})

	require.True(t, p.Enqueue("nexus-0", "c0", &fakeCommand{label: "a"}))
	assert.False(t, p.Enqueue("nexus-0", "c1", &fakeCommand{label: "b"}))
}

func TestAdminQueuePoller_StopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	p := NewAdminQueuePoller(DefaultAdminQueuePollerConfig())
	assert.NotPanics(t, func() {
		p.Stop(10 * time.Millisecond)
	})

	p.Start(context.Background())
	assert.NotPanics(t, func() {
		p.Stop(time.Second)
		p.Stop(time.Second)
	})
}

func TestAdminQueuePoller_PendingDecreasesAfterCompletion(t *testing.T) {
	p := NewAdminQueuePoller(AdminQueuePollerConfig{QueueSize: 8, Workers: 2, MaxRetries: 1})
	p.Start(context.Background())
	defer p.Stop(time.Second)

	for i := 0; i < 5; i++ {
		require.True(t, p.Enqueue("nexus-0", "child", &fakeCommand{label: "noop"}))
	}

	require.Eventually(t, func() bool {
		return p.Pending() == 0
	}, time.Second, time.Millisecond)
}
