package nexus

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/device"
	"github.com/nexuscore/nexusd/pkg/flusher"
	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
)

// ChildStateKind is the coarse lifecycle state of a NexusChild.
type ChildStateKind int

const (
	ChildInit ChildStateKind = iota
	ChildConfigInvalid
	ChildOpen
	ChildDestroying
	ChildClosed
	ChildFaulted
)

func (k ChildStateKind) String() string {
	switch k {
	case ChildInit:
		return "Init"
	case ChildConfigInvalid:
		return "ConfigInvalid"
	case ChildOpen:
		return "Open"
	case ChildDestroying:
		return "Destroying"
	case ChildClosed:
		return "Closed"
	case ChildFaulted:
		return "Faulted"
	default:
		return "Unknown"
	}
}

// FaultReason qualifies a ChildFaulted state.
type FaultReason int

const (
	FaultUnknown FaultReason = iota
	FaultOutOfSync
	FaultNoSpace
	FaultTimedOut
	FaultCannotOpen
	FaultRebuildFailed
	FaultIoError
	FaultByClient
	FaultAdminCommandFailed
)

func (r FaultReason) String() string {
	switch r {
	case FaultOutOfSync:
		return "OutOfSync"
	case FaultNoSpace:
		return "NoSpace"
	case FaultTimedOut:
		return "TimedOut"
	case FaultCannotOpen:
		return "CannotOpen"
	case FaultRebuildFailed:
		return "RebuildFailed"
	case FaultIoError:
		return "IoError"
	case FaultByClient:
		return "ByClient"
	case FaultAdminCommandFailed:
		return "AdminCommandFailed"
	default:
		return "Unknown"
	}
}

// ChildState is the full state value of a child: a kind plus, when
// ChildFaulted, the reason.
type ChildState struct {
	Kind   ChildStateKind
	Reason FaultReason
}

func (s ChildState) String() string {
	if s.Kind == ChildFaulted {
		return fmt.Sprintf("Faulted(%s)", s.Reason)
	}
	return s.Kind.String()
}

// Healthy reports whether a child in this state serves front-end I/O.
func (s ChildState) Healthy() bool { return s.Kind == ChildOpen }

// Child is a nexus's handle on one backing block device (C1).
// It exclusively owns its device descriptor (the open claim) and, while a
// rebuild targets it, its rebuild-job handle.
type Child struct {
	nexusName string
	uri       string

	mu       sync.Mutex
	state    ChildState
	prev     ChildState
	dev      device.BlockDevice
	claimed  bool
	rebuildID string

	unplugOnce sync.Once
	unplugCh   chan struct{}

	reservationKey uint64
	hostID         string
}

// NewChild constructs a child in the Init state. It does not open the
// backing device; call Open for that.
func NewChild(nexusName, uri string) *Child {
	return &Child{
		nexusName: nexusName,
		uri:       uri,
		state:     ChildState{Kind: ChildInit},
		unplugCh:  make(chan struct{}),
	}
}

// URI returns the child's creation URI.
func (c *Child) URI() string { return c.uri }

// State returns the current child state.
func (c *Child) State() ChildState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState unconditionally sets state, remembering the previous value.
func (c *Child) setState(s ChildState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev = c.state
	c.state = s
}

// CompareAndSwapState atomically transitions the child from `from` to `to`
// if and only if the current state's Kind equals from. Returns true if this
// call won the transition. This is the single synchronization point that
// guarantees "first I/O error wins the retire".
func (c *Child) CompareAndSwapState(from ChildStateKind, to ChildState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Kind != from {
		return false
	}
	c.prev = c.state
	c.state = to
	return true
}

// RestorePrevState reverts to the state recorded before the last setState,
// used when a DeviceRemoved event unplugs a child that wasn't Open or
// Faulted(OutOfSync).
func (c *Child) RestorePrevState() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = c.prev
}

// Healthy reports whether the child currently serves I/O.
func (c *Child) Healthy() bool {
	return c.State().Healthy()
}

// Device returns the child's open backing device, or nil if not open.
func (c *Child) Device() device.BlockDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev
}

// WrapDevice atomically replaces the child's device with wrap(current), a
// no-op if the child has no device open. Used to overlay a decorator (e.g.
// fault injection) without disturbing the child's open/claim bookkeeping.
func (c *Child) WrapDevice(wrap func(device.BlockDevice) device.BlockDevice) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		c.dev = wrap(c.dev)
	}
}

// Open opens the backing device read-write and claims it exclusively
//. Idempotent when already Open.
func (c *Child) Open(ctx context.Context, parentSize uint64, targetState ChildState) error {
	cur := c.State()
	if cur.Kind == ChildOpen {
		return nil
	}
	if cur.Kind == ChildFaulted {
		return nexuserr.New(nexuserr.KindFailedPrecondition, fmt.Errorf("child %s is faulted: %s", c.uri, cur))
	}
	if cur.Kind == ChildDestroying {
		return nexuserr.New(nexuserr.KindFailedPrecondition, fmt.Errorf("child %s is being destroyed", c.uri))
	}

	dev, err := device.OpenByURI(ctx, c.uri, parentSize)
	if err != nil {
		if err == device.ErrTooSmall {
			c.setState(ChildState{Kind: ChildConfigInvalid})
			return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrChildTooSmall)
		}
		c.setState(ChildState{Kind: ChildFaulted, Reason: FaultCannotOpen})
		return nexuserr.New(nexuserr.KindIoError, fmt.Errorf("open child %s: %w", c.uri, err))
	}

	c.mu.Lock()
	c.dev = dev
	c.claimed = true
	c.mu.Unlock()

	c.setState(targetState)
	logger.Info("Child opened", logger.ChildURI(c.uri), logger.State(targetState.String()))
	return nil
}

// Close releases the claim by dropping the descriptor, destroys the
// device and signals the unplug notification itself. As on a DeviceRemoved
// unplug, a child that was Open or Faulted(OutOfSync) ends Closed and any
// other state (such as the fault a retire recorded) is kept. A child that
// never claimed a device moves straight to Closed.
func (c *Child) Close(ctx context.Context) error {
	c.mu.Lock()
	dev := c.dev
	wasInit := !c.claimed
	before := c.state
	c.mu.Unlock()

	if wasInit {
		c.setState(ChildState{Kind: ChildClosed})
		return nil
	}

	c.setState(ChildState{Kind: ChildDestroying})

	var closeErr error
	if dev != nil {
		closeErr = dev.Close(ctx)
	}

	c.mu.Lock()
	c.dev = nil
	c.claimed = false
	c.mu.Unlock()

	c.signalUnplug()
	if before.Kind == ChildOpen || (before.Kind == ChildFaulted && before.Reason == FaultOutOfSync) {
		c.setState(ChildState{Kind: ChildClosed})
	} else {
		c.setState(before)
	}

	if closeErr != nil {
		return nexuserr.New(nexuserr.KindIoError, fmt.Errorf("close child %s: %w", c.uri, closeErr))
	}
	return nil
}

// signalUnplug fires the one-shot unplug notification exactly once.
func (c *Child) signalUnplug() {
	c.unplugOnce.Do(func() { close(c.unplugCh) })
}

// Unplugged returns a channel closed once the child's device has been
// physically removed.
func (c *Child) Unplugged() <-chan struct{} {
	return c.unplugCh
}

// OnDeviceRemoved handles a DeviceRemoved event for this child: clears the
// device reference, moves to Closed if the child was Open or
// Faulted(OutOfSync) or restores the previous state otherwise, and
// completes the unplug.
func (c *Child) OnDeviceRemoved() {
	c.mu.Lock()
	c.dev = nil
	c.claimed = false
	cur := c.state
	c.mu.Unlock()

	if cur.Kind == ChildOpen || (cur.Kind == ChildFaulted && cur.Reason == FaultOutOfSync) {
		c.setState(ChildState{Kind: ChildClosed})
	} else {
		c.RestorePrevState()
	}

	c.signalUnplug()
}

// SetRebuildJob records the id of the rebuild job currently targeting this
// child, or clears it when id is empty. At most one live rebuild job may
// target a given (nexus,child) pair at a time.
func (c *Child) SetRebuildJob(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuildID = id
}

// RebuildJob returns the id of the rebuild job targeting this child, or ""
// if none.
func (c *Child) RebuildJob() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildID
}

// AcquireWriteExclusive implements the NVMe reservation dance step-by-step:
// register the key, acquire (or preempt) write-exclusive-all-registrants,
// then report holders and preempt a foreign holder found by the report.
// Gated by enabled; when disabled every step is a no-op.
func (c *Child) AcquireWriteExclusive(ctx context.Context, enabled bool, key uint64, preemptKey uint64, hostID string, admin AdminExecutor) error {
	if !enabled {
		return nil
	}

	c.reservationKey = key
	c.hostID = hostID

	if err := admin.RegisterKey(ctx, c.uri, key, hostID); err != nil && !isNotSupported(err) {
		return nexuserr.New(nexuserr.KindIoError, fmt.Errorf("register key on %s: %w", c.uri, err))
	}

	if preemptKey != 0 {
		if err := admin.Preempt(ctx, c.uri, key, preemptKey, hostID); err != nil {
			logger.Warn("Reservation acquire-by-preempt failed, relying on report", logger.ChildURI(c.uri), logger.Err(err))
		}
	} else {
		if err := admin.Acquire(ctx, c.uri, key, hostID); err != nil {
			logger.Warn("Reservation acquire failed, relying on report", logger.ChildURI(c.uri), logger.Err(err))
		}
	}

	holders, err := admin.Report(ctx, c.uri)
	if err != nil {
		return nexuserr.New(nexuserr.KindIoError, fmt.Errorf("report reservation on %s: %w", c.uri, err))
	}

	for _, h := range holders {
		if h.HostID != hostID {
			if err := admin.Preempt(ctx, c.uri, key, h.Key, hostID); err != nil {
				logger.Warn("Preempt of foreign holder failed", logger.ChildURI(c.uri), logger.HostID(h.HostID), logger.Err(err))
				continue
			}
			if _, err := admin.Report(ctx, c.uri); err != nil {
				logger.Warn("Re-report after preempt failed", logger.ChildURI(c.uri), logger.Err(err))
			}
			logger.Info("Preempted foreign reservation holder", logger.ChildURI(c.uri), logger.HostID(h.HostID))
		}
	}

	return nil
}

func isNotSupported(err error) bool {
	return err == flusher.ErrNotSupported
}
