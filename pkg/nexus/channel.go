package nexus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/device"
	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
)

// BioOp is the operation a Bio carries.
type BioOp int

const (
	BioRead BioOp = iota
	BioWrite
	BioUnmap
	BioWriteZeroes
	BioFlush
	BioCompare
)

func (o BioOp) String() string {
	switch o {
	case BioRead:
		return "read"
	case BioWrite:
		return "write"
	case BioUnmap:
		return "unmap"
	case BioWriteZeroes:
		return "write_zeroes"
	case BioFlush:
		return "flush"
	case BioCompare:
		return "compare"
	default:
		return "unknown"
	}
}

// Bio is one front-end block I/O request dispatched on a channel.
type Bio struct {
	Op        BioOp
	Buf       []byte
	StartBlk  uint64
	NumBlocks uint64
}

var (
	errNoHealthyChild    = errors.New("channel: no healthy child available")
	errAllChildrenFailed = errors.New("channel: all children failed")
)

// RetireFunc is called by a channel when a child's error is terminal,
// asking C6 to run the retire pipeline for that child.
type RetireFunc func(child *Child, reason FaultReason, err error)

// RangeLockFunc acquires a front-end range lock over [startBlk,
// startBlk+numBlocks) for the duration of a write-class bio, returning the
// unlock function. A channel with none set performs no range locking.
type RangeLockFunc func(ctx context.Context, startBlk, numBlocks uint64) (func(), error)

// Channel is one per-worker-thread I/O channel (C3). It holds
// an ordered view of the nexus's current children and a set of names
// disconnected ahead of the next reconnect, and implements the fan-out
// policy for reads/writes/unmaps/write-zeroes/flushes/compares.
type Channel struct {
	mu          sync.Mutex
	children    []*Child
	retired     map[string]bool
	rrIndex     int
	onRetire    RetireFunc
	rangeLocker RangeLockFunc
	dataOffset  uint64
}

// NewChannel constructs an empty channel. onRetire may be nil.
func NewChannel(onRetire RetireFunc) *Channel {
	return &Channel{retired: make(map[string]bool), onRetire: onRetire}
}

// SetDataOffset installs the nexus's fixed data-partition offset. Bio.StartBlk
// is always nexus-relative (block 0 is the first usable nexus block); this
// offset is added back in at the device I/O boundary so a logical nexus block
// lands on the same device block the rebuild engine targets for it. Range
// locking stays in nexus-relative coordinates and is unaffected.
func (ch *Channel) SetDataOffset(blocks uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.dataOffset = blocks
}

// SetRangeLocker installs the range-lock hook a rebuild job's copy
// acquires too, so a front-end write to a segment currently being copied
// serializes against it. Nil disables range locking (no rebuild running).
func (ch *Channel) SetRangeLocker(f RangeLockFunc) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.rangeLocker = f
}

// SetOnRetire installs the retire callback, letting a nexus wire its retire
// pipeline in after constructing the channel set (the pipeline itself needs
// the channel set to exist first, so the two can't be built in one step).
func (ch *Channel) SetOnRetire(f RetireFunc) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.onRetire = f
}

func (ch *Channel) lockRange(ctx context.Context, startBlk, numBlocks uint64) (func(), error) {
	ch.mu.Lock()
	f := ch.rangeLocker
	ch.mu.Unlock()
	if f == nil {
		return func() {}, nil
	}
	return f(ctx, startBlk, numBlocks)
}

// ReconnectAll rebuilds the channel's device list from the current child
// set, clearing any previously disconnected names.
func (ch *Channel) ReconnectAll(children []*Child) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.children = append([]*Child(nil), children...)
	ch.retired = make(map[string]bool)
	ch.rrIndex = 0
}

// DisconnectDevice marks uri retired on this channel so later submissions
// skip it. Idempotent.
func (ch *Channel) DisconnectDevice(uri string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.retired[uri] = true
}

func (ch *Channel) openChildren() []*Child {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Child, 0, len(ch.children))
	for _, c := range ch.children {
		if ch.retired[c.URI()] {
			continue
		}
		if !c.Healthy() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (ch *Channel) nextRoundRobin(candidates []*Child) *Child {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(candidates) == 0 {
		return nil
	}
	idx := ch.rrIndex % len(candidates)
	ch.rrIndex++
	return candidates[idx]
}

// Submit dispatches bio per the fan-out policy: reads/compares pick one
// healthy child round-robin with retry on failure; writes/unmaps/write-
// zeroes/flushes fan out to every Open child.
func (ch *Channel) Submit(ctx context.Context, bio Bio) error {
	switch bio.Op {
	case BioRead, BioCompare:
		return ch.submitReadLike(ctx, bio)
	default:
		return ch.submitFanOut(ctx, bio)
	}
}

func (ch *Channel) submitReadLike(ctx context.Context, bio Bio) error {
	tried := make(map[string]bool)
	for {
		candidates := ch.openChildren()
		remaining := make([]*Child, 0, len(candidates))
		for _, c := range candidates {
			if !tried[c.URI()] {
				remaining = append(remaining, c)
			}
		}
		if len(remaining) == 0 {
			return nexuserr.New(nexuserr.KindIoError, errNoHealthyChild)
		}

		child := ch.nextRoundRobin(remaining)
		tried[child.URI()] = true

		if err := ch.execOne(ctx, child, bio); err != nil {
			ch.handleChildError(child, err)
			continue
		}
		return nil
	}
}

func (ch *Channel) submitFanOut(ctx context.Context, bio Bio) error {
	candidates := ch.openChildren()
	if len(candidates) == 0 {
		return nexuserr.New(nexuserr.KindIoError, errNoHealthyChild)
	}

	if bio.Op == BioWrite || bio.Op == BioUnmap || bio.Op == BioWriteZeroes {
		unlock, err := ch.lockRange(ctx, bio.StartBlk, bio.NumBlocks)
		if err != nil {
			return err
		}
		defer unlock()
	}

	errs := make([]error, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c *Child) {
			defer wg.Done()
			errs[i] = ch.execOne(ctx, c, bio)
		}(i, c)
	}
	wg.Wait()

	succeeded := 0
	for i, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		ch.handleChildError(candidates[i], err)
	}
	if succeeded == 0 {
		return nexuserr.New(nexuserr.KindIoError, errAllChildrenFailed)
	}
	return nil
}

func (ch *Channel) execOne(ctx context.Context, c *Child, bio Bio) error {
	dev := c.Device()
	if dev == nil {
		return nexuserr.New(nexuserr.KindIoError, device.ErrClosed)
	}

	ch.mu.Lock()
	devBlk := bio.StartBlk + ch.dataOffset
	ch.mu.Unlock()

	switch bio.Op {
	case BioRead, BioCompare:
		return dev.ReadAt(ctx, bio.Buf, devBlk, bio.NumBlocks)
	case BioWrite:
		return dev.WriteAt(ctx, bio.Buf, devBlk, bio.NumBlocks)
	case BioUnmap:
		return dev.UnmapAt(ctx, devBlk, bio.NumBlocks)
	case BioWriteZeroes:
		return dev.WriteZeroesAt(ctx, devBlk, bio.NumBlocks)
	case BioFlush:
		return dev.Flush(ctx)
	default:
		return fmt.Errorf("channel: unknown bio op %v", bio.Op)
	}
}

// classifyTerminal reports whether err should retire the child that
// produced it. any device-level IoError is terminal; other
// kinds (e.g. a context cancellation) are not.
func classifyTerminal(err error) (FaultReason, bool) {
	if nexuserr.KindOf(err) == nexuserr.KindIoError {
		return FaultIoError, true
	}
	return FaultUnknown, false
}

func (ch *Channel) handleChildError(c *Child, err error) {
	reason, terminal := classifyTerminal(err)
	if !terminal {
		logger.Warn("Child I/O error (non-terminal)", logger.ChildURI(c.URI()), logger.Err(err))
		return
	}

	if !c.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: reason}) {
		return // another submission already won the CAS for this error burst
	}

	logger.Error("Child I/O error, retiring", logger.ChildURI(c.URI()), logger.Reason(reason.String()), logger.Err(err))
	if ch.onRetire != nil {
		ch.onRetire(c, reason, err)
	}
}

// ChannelSet holds one Channel per worker for a nexus and implements
// traverse, the only safe way to mutate channel state across workers
//: device retire, reconfigure, and shutdown all go through it.
type ChannelSet struct {
	mu       sync.RWMutex
	channels []*Channel
}

// NewChannelSet creates n channels, each wired to onRetire.
func NewChannelSet(n int, onRetire RetireFunc) *ChannelSet {
	cs := &ChannelSet{}
	for i := 0; i < n; i++ {
		cs.channels = append(cs.channels, NewChannel(onRetire))
	}
	return cs
}

// Channels returns a snapshot of the channel set.
func (cs *ChannelSet) Channels() []*Channel {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Channel, len(cs.channels))
	copy(out, cs.channels)
	return out
}

// Traverse runs fnPerChannel on every channel in program order, then
// fnDone once with the first error encountered (or nil).
func (cs *ChannelSet) Traverse(ctx context.Context, fnPerChannel func(ctx context.Context, ch *Channel) error, fnDone func(err error)) error {
	var firstErr error
	for _, ch := range cs.Channels() {
		if err := fnPerChannel(ctx, ch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if fnDone != nil {
		fnDone(firstErr)
	}
	return firstErr
}

// SetRangeLocker installs f as the range-lock hook on every channel,
// wiring the nexus's rebuild range locker into the front-end write path.
func (cs *ChannelSet) SetRangeLocker(f RangeLockFunc) {
	_ = cs.Traverse(context.Background(), func(ctx context.Context, ch *Channel) error {
		ch.SetRangeLocker(f)
		return nil
	}, nil)
}

// SetDataOffset installs the nexus's data-partition offset on every channel.
func (cs *ChannelSet) SetDataOffset(blocks uint64) {
	_ = cs.Traverse(context.Background(), func(ctx context.Context, ch *Channel) error {
		ch.SetDataOffset(blocks)
		return nil
	}, nil)
}

// SetOnRetire installs f as the retire callback on every channel.
func (cs *ChannelSet) SetOnRetire(f RetireFunc) {
	_ = cs.Traverse(context.Background(), func(ctx context.Context, ch *Channel) error {
		ch.SetOnRetire(f)
		return nil
	}, nil)
}

// ReconnectAll pushes a reconnect to every channel.
func (cs *ChannelSet) ReconnectAll(children []*Child) {
	_ = cs.Traverse(context.Background(), func(ctx context.Context, ch *Channel) error {
		ch.ReconnectAll(children)
		return nil
	}, nil)
}

// DisconnectDevice pushes a disconnect of uri to every channel, waiting for
// completion on all of them before returning.
func (cs *ChannelSet) DisconnectDevice(uri string) {
	_ = cs.Traverse(context.Background(), func(ctx context.Context, ch *Channel) error {
		ch.DisconnectDevice(uri)
		return nil
	}, nil)
}

// SubmitAny dispatches bio on the first channel of the set; used by tests
// and simple single-channel nexuses.
func (cs *ChannelSet) SubmitAny(ctx context.Context, bio Bio) error {
	chans := cs.Channels()
	if len(chans) == 0 {
		return nexuserr.New(nexuserr.KindIoError, errNoHealthyChild)
	}
	return chans[0].Submit(ctx, bio)
}
