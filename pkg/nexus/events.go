package nexus

import (
	"sync"

	"github.com/nexuscore/nexusd/internal/logger"
)

// EventKind is the kind of device-level event fanned out by the dispatcher
// (C8).
type EventKind int

const (
	EventDeviceRemoved EventKind = iota
	EventAdminCommandCompletionFailed
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceRemoved:
		return "DeviceRemoved"
	case EventAdminCommandCompletionFailed:
		return "AdminCommandCompletionFailed"
	default:
		return "Unknown"
	}
}

// Event is one device-level occurrence dispatched to a child's listeners.
type Event struct {
	Kind     EventKind
	ChildURI string
	Err      error
}

// Listener receives device events. Implementations must be idempotent:
// a DeviceRemoved and an AdminCommandCompletionFailed for the same child
// can race, and both may arrive for a child that already unplugged.
type Listener interface {
	OnEvent(ev Event)
}

// EventDispatcher fans out device events to per-child listener sets. The
// source keeps listeners as weak references so a dropped child doesn't
// leak its subscription; Go has no ambient weak-reference idiom for
// arbitrary interfaces, so this is re-expressed as an explicit Unsubscribe
// returned from Subscribe, which every registrant calls on its own
// teardown (Child.Close / retire) — the callers fill the role the source's
// weak references played.
type EventDispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewEventDispatcher constructs an empty dispatcher.
func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{listeners: make(map[string][]Listener)}
}

// Subscribe registers l for events on childURI and returns a func that
// removes it. Subscribe is idempotent in effect: the same Listener value
// can be subscribed more than once, but Dispatch calls it once per
// registration.
func (d *EventDispatcher) Subscribe(childURI string, l Listener) func() {
	d.mu.Lock()
	d.listeners[childURI] = append(d.listeners[childURI], l)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		ls := d.listeners[childURI]
		for i, existing := range ls {
			if existing == l {
				d.listeners[childURI] = append(ls[:i], ls[i+1:]...)
				break
			}
		}
		if len(d.listeners[childURI]) == 0 {
			delete(d.listeners, childURI)
		}
	}
}

// Dispatch fans ev out to every listener currently registered on
// ev.ChildURI, synchronously and in registration order.
func (d *EventDispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	ls := append([]Listener(nil), d.listeners[ev.ChildURI]...)
	d.mu.RUnlock()

	if len(ls) == 0 {
		logger.Debug("Event dispatched with no listeners", logger.ChildURI(ev.ChildURI), logger.Operation(ev.Kind.String()))
		return
	}
	for _, l := range ls {
		l.OnEvent(ev)
	}
}
