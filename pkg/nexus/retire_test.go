package nexus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/nexuscore/nexusd/pkg/device/memdev"
	"github.com/nexuscore/nexusd/pkg/nexus/persist"
	"github.com/nexuscore/nexusd/pkg/nexus/persist/memory"
	"github.com/nexuscore/nexusd/pkg/transfer"
)

func newTestQueue(t *testing.T) *transfer.Queue {
	t.Helper()
	q := transfer.NewQueue(transfer.QueueConfig{QueueSize: 16, Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop(time.Second)
	})
	return q
}

func TestRetirePipeline_RetireFunc_DisconnectsPausesAndPersists(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-c1", 65536)
	c2 := openTestChild(t, "mem://rp-c2", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1, c2})

	store := memory.New()
	require.NoError(t, store.Create(context.Background(), "nx", persist.NexusInfo{
		Children: []persist.ChildRecord{{URI: c1.URI(), Healthy: true}, {URI: c2.URI(), Healthy: true}},
	}))

	io := NewIOSubsystem()
	queue := newTestQueue(t)
	pipeline := NewRetirePipeline("nx", "nx", channels, io, store, queue)

	retireFn := pipeline.RetireFunc()

	require.True(t, c1.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: FaultIoError}))
	retireFn(c1, FaultIoError, errors.New("simulated"))

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), "nx")
		if err != nil {
			return false
		}
		for _, c := range got.Children {
			if c.URI == c1.URI() {
				return !c.Healthy
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, io.Depth())
}

func TestRetirePipeline_NeverPersistsLastHealthyAsUnhealthy(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-last1", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1})

	store := memory.New()
	require.NoError(t, store.Create(context.Background(), "nx-last", persist.NexusInfo{
		Children: []persist.ChildRecord{{URI: c1.URI(), Healthy: true}},
	}))

	io := NewIOSubsystem()
	queue := newTestQueue(t)
	pipeline := NewRetirePipeline("nx-last", "nx-last", channels, io, store, queue)

	require.True(t, c1.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: FaultIoError}))
	pipeline.RetireFunc()(c1, FaultIoError, errors.New("simulated"))

	require.Eventually(t, func() bool { return io.Depth() == 0 }, time.Second, 5*time.Millisecond)

	got, err := store.Get(context.Background(), "nx-last")
	require.NoError(t, err)
	require.Len(t, got.Children, 1)
	assert.True(t, got.Children[0].Healthy, "must never persist the last healthy child as unhealthy")
}

func TestRetirePipeline_RetireChildDevice_CASLoserIsNoop(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-cas1", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1})

	io := NewIOSubsystem()
	queue := newTestQueue(t)
	pipeline := NewRetirePipeline("nx-cas", "", channels, io, nil, queue)

	// Simulate another caller already having won the CAS and retired the
	// child (e.g. a channel's terminal I/O error fired first).
	require.True(t, c1.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: FaultIoError}))

	pipeline.RetireChildDevice(c1, FaultAdminCommandFailed, errors.New("admin failure"), false)

	// This call's own CAS must have lost (state is already Faulted, not
	// Open), so it schedules nothing: the child stays Faulted(IoError),
	// never reaching Closed through this no-op call.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, ChildFaulted, c1.State().Kind)
	assert.Equal(t, FaultIoError, c1.State().Reason)
}

func TestRetirePipeline_PauseInProgressReschedulesOnce(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-pause1", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1})

	io := NewIOSubsystem()
	require.True(t, io.TryPause()) // simulate a concurrent control-plane pause already in effect

	queue := newTestQueue(t)
	pipeline := NewRetirePipeline("nx-pause", "", channels, io, nil, queue)

	require.True(t, c1.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: FaultIoError}))
	pipeline.RetireFunc()(c1, FaultIoError, errors.New("simulated"))

	// While the outer pause holds, the child must not yet be torn down.
	time.Sleep(20 * time.Millisecond)
	assert.NotNil(t, c1.Device())

	io.Resume()

	require.Eventually(t, func() bool { return c1.Device() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ChildState{Kind: ChildFaulted, Reason: FaultIoError}, c1.State())
}

func TestDeviceEventListener_AdminCommandFailureTriggersRetire(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-evt1", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1})

	io := NewIOSubsystem()
	queue := newTestQueue(t)
	pipeline := NewRetirePipeline("nx-evt", "", channels, io, nil, queue)
	listener := NewDeviceEventListener(pipeline, c1)

	dispatcher := NewEventDispatcher()
	unsubscribe := dispatcher.Subscribe(c1.URI(), listener)
	defer unsubscribe()

	dispatcher.Dispatch(Event{Kind: EventAdminCommandCompletionFailed, ChildURI: c1.URI(), Err: errors.New("admin queue failed")})

	require.Eventually(t, func() bool { return c1.Device() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ChildState{Kind: ChildFaulted, Reason: FaultAdminCommandFailed}, c1.State())
}

func TestDeviceEventListener_DeviceRemovedUnplugsChild(t *testing.T) {
	c1 := openTestChild(t, "mem://rp-evt2", 65536)
	channels := NewChannelSet(1, nil)
	channels.ReconnectAll([]*Child{c1})

	io := NewIOSubsystem()
	pipeline := NewRetirePipeline("nx-evt2", "", channels, io, nil, nil)
	listener := NewDeviceEventListener(pipeline, c1)

	dispatcher := NewEventDispatcher()
	unsubscribe := dispatcher.Subscribe(c1.URI(), listener)
	defer unsubscribe()

	dispatcher.Dispatch(Event{Kind: EventDeviceRemoved, ChildURI: c1.URI()})

	assert.Equal(t, ChildClosed, c1.State().Kind)
	select {
	case <-c1.Unplugged():
	default:
		t.Fatal("expected child to be unplugged")
	}
}
