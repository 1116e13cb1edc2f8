package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockTask struct {
	label    string
	prio     int
	executed atomic.Bool
	err      error
}

func (t *mockTask) Execute(ctx context.Context) error {
	t.executed.Store(true)
	return t.err
}
func (t *mockTask) Describe() string { return t.label }
func (t *mockTask) Priority() int    { return t.prio }

func TestQueue_EnqueueAndProcess(t *testing.T) {
	cfg := DefaultQueueConfig()
	cfg.QueueSize = 10
	cfg.Workers = 2
	q := NewQueue(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	tasks := make([]*mockTask, 5)
	for i := range tasks {
		tasks[i] = &mockTask{label: "segment-copy"}
		require.True(t, q.Enqueue(tasks[i]))
	}

	require.Eventually(t, func() bool {
		_, completed, _ := q.Stats()
		return completed == 5
	}, time.Second, time.Millisecond)

	q.Stop(time.Second)

	for i, task := range tasks {
		assert.True(t, task.executed.Load(), "task %d not executed", i)
	}
	pending, completed, failed := q.Stats()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 5, completed)
	assert.Equal(t, 0, failed)
}

func TestQueue_HigherPriorityRunsFirst(t *testing.T) {
	q := NewQueue(QueueConfig{QueueSize: 10, Workers: 0})

	low := &mockTask{label: "low", prio: 0}
	high := &mockTask{label: "high", prio: 10}
	require.True(t, q.Enqueue(low))
	require.True(t, q.Enqueue(high))

	first, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "high", first.Describe())

	second, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "low", second.Describe())
}

func TestQueue_QueueFull(t *testing.T) {
	q := NewQueue(QueueConfig{QueueSize: 2, Workers: 0})

	require.True(t, q.Enqueue(&mockTask{label: "1"}))
	require.True(t, q.Enqueue(&mockTask{label: "2"}))
	assert.False(t, q.Enqueue(&mockTask{label: "3"}))
	assert.Equal(t, 2, q.Pending())
}

func TestQueue_StopNotStarted(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())
	assert.NotPanics(t, func() {
		q.Stop(time.Second)
	})
}

func TestQueue_DoubleStart(t *testing.T) {
	q := NewQueue(DefaultQueueConfig())
	ctx := context.Background()
	q.Start(ctx)
	q.Start(ctx)
	q.Stop(time.Second)
}

func TestQueueConfig_Defaults(t *testing.T) {
	cfg := DefaultQueueConfig()
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, 4, cfg.Workers)
}

func TestNewQueue_InvalidConfigUsesDefaults(t *testing.T) {
	q := NewQueue(QueueConfig{QueueSize: -1, Workers: -1})
	assert.Equal(t, 1000, q.cfg.QueueSize)
	assert.Equal(t, 4, q.cfg.Workers)
}

func TestQueue_FailedTaskIsCounted(t *testing.T) {
	q := NewQueue(QueueConfig{QueueSize: 10, Workers: 2})
	q.Start(context.Background())
	defer q.Stop(time.Second)

	require.True(t, q.Enqueue(&mockTask{label: "bad", err: errors.New("boom")}))

	require.Eventually(t, func() bool {
		_, _, failed := q.Stats()
		return failed == 1
	}, time.Second, time.Millisecond)
}

func TestBaseTask(t *testing.T) {
	var ran bool
	bt := &BaseTask{Label: "remove-device", Prio: 5, Fn: func(ctx context.Context) error {
		ran = true
		return nil
	}}

	require.NoError(t, bt.Execute(context.Background()))
	assert.True(t, ran)
	assert.Equal(t, "remove-device", bt.Describe())
	assert.Equal(t, 5, bt.Priority())
}
