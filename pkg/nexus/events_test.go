package nexus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingListener struct {
	events []Event
}

func (l *recordingListener) OnEvent(ev Event) {
	l.events = append(l.events, ev)
}

func TestEventDispatcher_DispatchReachesSubscribedListener(t *testing.T) {
	d := NewEventDispatcher()
	l := &recordingListener{}
	d.Subscribe("mem://child-0", l)

	d.Dispatch(Event{Kind: EventDeviceRemoved, ChildURI: "mem://child-0"})

	assert.Len(t, l.events, 1)
	assert.Equal(t, EventDeviceRemoved, l.events[0].Kind)
}

func TestEventDispatcher_UnsubscribeStopsDelivery(t *testing.T) {
	d := NewEventDispatcher()
	l := &recordingListener{}
	unsub := d.Subscribe("mem://child-1", l)
	unsub()

	d.Dispatch(Event{Kind: EventDeviceRemoved, ChildURI: "mem://child-1"})
	assert.Len(t, l.events, 0)
}

func TestEventDispatcher_DispatchWithNoListenersIsSafe(t *testing.T) {
	d := NewEventDispatcher()
	d.Dispatch(Event{Kind: EventAdminCommandCompletionFailed, ChildURI: "mem://unknown"})
}

func TestEventDispatcher_MultipleListenersAllReceive(t *testing.T) {
	d := NewEventDispatcher()
	l1, l2 := &recordingListener{}, &recordingListener{}
	d.Subscribe("mem://child-2", l1)
	d.Subscribe("mem://child-2", l2)

	d.Dispatch(Event{Kind: EventDeviceRemoved, ChildURI: "mem://child-2"})

	assert.Len(t, l1.events, 1)
	assert.Len(t, l2.events, 1)
}
