// Package nexus implements the mirrored virtual block device (C2) that
// composes a Child set (C1) behind an I/O channel fan-out (C3), an I/O
// pause/resume gate (C4), a rebuild engine (C5), the NVMe reservation and
// retire pipeline (C6), a persistence bridge (C7), and a device-event
// dispatcher (C8) into the single object the control plane operates on.
package nexus

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/google/uuid"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/device"
	metricsprom "github.com/nexuscore/nexusd/pkg/metrics/prometheus"
	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
	"github.com/nexuscore/nexusd/pkg/nexus/persist"
	"github.com/nexuscore/nexusd/pkg/nexus/rebuild"
	"github.com/nexuscore/nexusd/pkg/nexus/target"
	"github.com/nexuscore/nexusd/pkg/registry"
	"github.com/nexuscore/nexusd/pkg/transfer"
)

// NexusStateKind is a nexus's top-level lifecycle state.
type NexusStateKind int

const (
	NexusInit NexusStateKind = iota
	NexusOpen
	NexusReconfiguring
	NexusShuttingDown
	NexusShutdown
	NexusClosed
)

func (k NexusStateKind) String() string {
	switch k {
	case NexusInit:
		return "Init"
	case NexusOpen:
		return "Open"
	case NexusReconfiguring:
		return "Reconfiguring"
	case NexusShuttingDown:
		return "ShuttingDown"
	case NexusShutdown:
		return "Shutdown"
	case NexusClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// NexusStatus is the derived, outside-observable view of a nexus's health.
type NexusStatus int

const (
	StatusOnline NexusStatus = iota
	StatusDegraded
	StatusFaulted
	StatusShuttingDown
	StatusShutdown
)

func (s NexusStatus) String() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusDegraded:
		return "Degraded"
	case StatusFaulted:
		return "Faulted"
	case StatusShuttingDown:
		return "ShuttingDown"
	case StatusShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// ShareProtocol is the front-end protocol a nexus is published over.
type ShareProtocol int

const (
	ShareOff ShareProtocol = iota
	ShareNvmf
)

// AnaState is the per-path Asymmetric Namespace Access state reported to
// initiators once published over NVMf.
type AnaState int

const (
	AnaUnknown AnaState = iota
	AnaOptimized
	AnaNonOptimized
	AnaInaccessible
)

func toTargetAna(s AnaState) target.AnaState { return target.AnaState(s) }

// PreemptPolicy governs how the write-exclusive reservation dance resolves
// a foreign holder at open time: Explicit uses NvmeParams.PreemptKey
// verbatim; Holder fetches the holder's key from a report and preempts
// with it instead.
type PreemptPolicy int

const (
	PreemptPolicyExplicit PreemptPolicy = iota
	PreemptPolicyHolder
)

// ReservationType selects the NVMe persistent-reservation type requested
// at acquire time. Only write-exclusive-all-registrants is implemented;
// the field exists for protocol completeness.
type ReservationType int

const (
	ReservationWriteExclusiveAllRegs ReservationType = iota
)

// NvmeParams is a nexus's NVMe reservation/controller parameter set.
type NvmeParams struct {
	ControllerIDStart uint16
	ControllerIDEnd   uint16
	ReservationKey    uint64
	PreemptKey        uint64
	ReservationType   ReservationType
	PreemptPolicy     PreemptPolicy
}

func (p NvmeParams) validate() error {
	if p.ControllerIDStart > p.ControllerIDEnd {
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrBadControllerIDRange)
	}
	if p.ReservationType != ReservationWriteExclusiveAllRegs {
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrBadReservationType)
	}
	return nil
}

// ChildView is a point-in-time, read-only snapshot of one child.
type ChildView struct {
	URI             string
	State           string
	Reason          string
	Healthy         bool
	RebuildJob      string
	RebuildProgress *float64
}

// NexusView is a point-in-time, read-only snapshot of a nexus, returned to
// every control-plane RPC caller alongside the error code of the attempt.
type NexusView struct {
	Name          string
	UUID          string
	SizeBytes     uint64
	BlockLen      uint32
	NumBlocks     uint64
	DataOffset    uint64
	State         string
	Status        string
	Children      []ChildView
	ShareProtocol ShareProtocol
	ShareURI      string
	AllowedHosts  []string
	AnaState      AnaState
}

// ReplicaSnapshotter delegates create_snapshot to each child's backing
// replica; the replica volume manager itself is out of scope for this
// package, so this interface is all a nexus depends on to take one.
type ReplicaSnapshotter interface {
	CreateSnapshot(ctx context.Context, replicaUUID, snapshotUUID string, params SnapshotParams) error
}

// SnapshotParams carries the caller-supplied parameters shared by every
// per-replica snapshot in one create_snapshot call.
type SnapshotParams struct {
	Name string
}

// SnapshotDescriptor pairs one child with the snapshot UUID to assign it.
type SnapshotDescriptor struct {
	ChildURI     string
	SnapshotUUID string
}

// Config constructs a new Nexus via Create.
type Config struct {
	Name       string
	UUID       string
	SizeBytes  uint64
	ChildURIs  []string
	NvmeParams NvmeParams
	InfoKey    string

	// DataOffsetBlocks is the fixed data-partition offset every child
	// reserves ahead of its usable data (e.g. an on-disk label). Zero
	// when children carry no such reservation.
	DataOffsetBlocks uint64

	Store       persist.Store      // nil disables persistence
	Admin       AdminExecutor      // nil disables reservations
	Target      target.Target      // nil: Publish fails with OperationNotAllowed
	Registry    *registry.Registry // nil: the nexus is never pinned anywhere
	Snapshotter ReplicaSnapshotter // nil: create_snapshot always fails

	Queue     *transfer.Queue // shared priority queue for retire/rebuild background work
	Workers   int             // per-core I/O channels; <= 0 -> 1
	HostID    string          // this node's reservation host-id
	NQNPrefix string          // e.g. "nqn.2024-01.io.nexuscore:nexus-"

	Metrics Metrics // zero value: every collector is nil, every record call a no-op
}

// Metrics bundles the Prometheus collectors a nexus records against.
// Every field is nil-receiver safe (pkg/metrics/prometheus's New*Metrics
// constructors return nil when metrics.Init was never called), so a zero
// Metrics value makes every recording call in this package a no-op rather
// than requiring a nil check at each call site.
type Metrics struct {
	Nexus       *metricsprom.NexusMetrics
	Rebuild     *metricsprom.RebuildMetrics
	Reservation *metricsprom.ReservationMetrics
}

type rebuildEntry struct {
	job       *rebuild.Job
	sourceURI string
	destURI   string
}

// Nexus is a mirrored virtual block device composed of one or more
// children (C2). All mutating operations serialize on opMu, matching the
// invariant that at most one of them runs at a time; mu guards the field
// reads View/Status/channel wiring need independent of a mutating op.
type Nexus struct {
	name       string
	uuid       string
	sizeBytes  uint64
	nvmeParams NvmeParams
	infoKey    string
	hostID     string
	nqnPrefix  string

	store       persist.Store
	admin       AdminExecutor
	target      target.Target
	registry    *registry.Registry
	queue       *transfer.Queue
	snapshotter ReplicaSnapshotter
	metrics     Metrics

	opMu sync.Mutex

	mu         sync.RWMutex
	state      NexusStateKind
	blockLen   uint32
	numBlocks  uint64
	dataOffset uint64
	children   []*Child
	unsubs     map[string]func()

	shareProtocol ShareProtocol
	shareURI      string
	shareKey      []byte
	allowedHosts  []string
	anaState      AnaState

	injections map[string]map[BioOp]bool

	channels   *ChannelSet
	io         *IOSubsystem
	dispatcher *EventDispatcher
	retire     *RetirePipeline
	locker     *rebuild.RangeLocker

	rebuildMu sync.Mutex
	rebuilds  map[string]*rebuildEntry
}

var errInjectedFault = errors.New("nexus: injected fault")

// Create builds a nexus from cfg, opens every child (the open-children
// procedure), persists the initial NexusInfo,
// pins it into cfg.Registry if supplied, and moves it to Open. Any failure
// along the way closes every child opened so far and returns no nexus.
func Create(ctx context.Context, cfg Config) (*Nexus, error) {
	if cfg.Name == "" {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, errors.New("nexus: name required"))
	}
	if _, err := uuid.Parse(cfg.UUID); err != nil {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrInvalidUUID)
	}
	if err := cfg.NvmeParams.validate(); err != nil {
		return nil, err
	}
	if len(cfg.ChildURIs) == 0 {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrNexusIncomplete)
	}
	if cfg.Registry != nil && cfg.Registry.NexusExists(cfg.Name) {
		return nil, nexuserr.New(nexuserr.KindAlreadyExists, nexuserr.ErrNameExists)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	nqnPrefix := cfg.NQNPrefix
	if nqnPrefix == "" {
		nqnPrefix = "nqn.2024-01.io.nexuscore:nexus-"
	}

	n := &Nexus{
		name:        cfg.Name,
		uuid:        cfg.UUID,
		sizeBytes:   cfg.SizeBytes,
		nvmeParams:  cfg.NvmeParams,
		infoKey:     cfg.InfoKey,
		hostID:      cfg.HostID,
		nqnPrefix:   nqnPrefix,
		dataOffset:  cfg.DataOffsetBlocks,
		store:       cfg.Store,
		admin:       cfg.Admin,
		target:      cfg.Target,
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		snapshotter: cfg.Snapshotter,
		metrics:     cfg.Metrics,
		state:       NexusInit,
		unsubs:      make(map[string]func()),
		injections:  make(map[string]map[BioOp]bool),
		io:          NewIOSubsystem(),
		dispatcher:  NewEventDispatcher(),
		locker:      rebuild.NewRangeLocker(),
		rebuilds:    make(map[string]*rebuildEntry),
	}
	n.channels = NewChannelSet(workers, nil)
	n.channels.SetDataOffset(n.dataOffset)
	n.retire = NewRetirePipeline(n.name, n.infoKey, n.channels, n.io, n.store, n.queue)
	n.retire.SetMetrics(cfg.Metrics)
	n.channels.SetOnRetire(n.retire.RetireFunc())
	n.channels.SetRangeLocker(n.locker.Lock)

	for _, uri := range cfg.ChildURIs {
		n.children = append(n.children, NewChild(n.name, uri))
	}

	if err := n.openAllChildren(ctx, ChildState{Kind: ChildOpen}); err != nil {
		return nil, err
	}

	if n.store != nil && n.infoKey != "" {
		info := persist.NexusInfo{}
		for _, c := range n.childrenSnapshot() {
			info.Children = append(info.Children, persist.ChildRecord{URI: c.URI(), Healthy: true})
		}
		if err := n.store.Create(ctx, n.infoKey, info); err != nil {
			logger.Warn("Persisting nexus create failed, in-memory state proceeds", logger.Nexus(n.name), logger.Err(err))
		}
	}

	if n.registry != nil {
		if err := n.registry.Pin(n); err != nil {
			n.closeAllChildren(context.Background())
			return nil, nexuserr.New(nexuserr.KindAlreadyExists, err)
		}
	}

	n.setState(NexusOpen)
	logger.Info("Nexus created", logger.Nexus(n.name), logger.NexusUUID(n.uuid), logger.State(NexusOpen.String()))
	return n, nil
}

// Name implements registry.NexusHandle.
func (n *Nexus) Name() string { return n.name }

// UUID implements registry.NexusHandle.
func (n *Nexus) UUID() string { return n.uuid }

func (n *Nexus) nqn() string { return n.nqnPrefix + n.name }

func (n *Nexus) setState(s NexusStateKind) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// State returns the nexus's current lifecycle state.
func (n *Nexus) State() NexusStateKind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Status computes the derived status from state and child health.
func (n *Nexus) Status() NexusStatus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.statusLocked()
}

func (n *Nexus) statusLocked() NexusStatus {
	switch n.state {
	case NexusShuttingDown:
		return StatusShuttingDown
	case NexusShutdown, NexusClosed:
		return StatusShutdown
	case NexusInit:
		return StatusDegraded
	}

	total, healthy := len(n.children), 0
	for _, c := range n.children {
		if c.Healthy() {
			healthy++
		}
	}
	switch {
	case healthy == 0:
		return StatusFaulted
	case healthy == total:
		return StatusOnline
	default:
		return StatusDegraded
	}
}

// View returns a point-in-time snapshot of the nexus for RPC replies.
func (n *Nexus) View() NexusView {
	n.mu.RLock()
	defer n.mu.RUnlock()

	children := make([]ChildView, 0, len(n.children))
	for _, c := range n.children {
		state := c.State()
		cv := ChildView{
			URI:     c.URI(),
			State:   state.Kind.String(),
			Reason:  state.Reason.String(),
			Healthy: state.Healthy(),
		}
		if jobID := c.RebuildJob(); jobID != "" {
			cv.RebuildJob = jobID
			n.rebuildMu.Lock()
			if e, ok := n.rebuilds[jobID]; ok {
				_, _, progress := e.job.Stats()
				cv.RebuildProgress = &progress
			}
			n.rebuildMu.Unlock()
		}
		children = append(children, cv)
	}

	return NexusView{
		Name:          n.name,
		UUID:          n.uuid,
		SizeBytes:     n.sizeBytes,
		BlockLen:      n.blockLen,
		NumBlocks:     n.numBlocks,
		DataOffset:    n.dataOffset,
		State:         n.state.String(),
		Status:        n.statusLocked().String(),
		Children:      children,
		ShareProtocol: n.shareProtocol,
		ShareURI:      n.shareURI,
		AllowedHosts:  append([]string(nil), n.allowedHosts...),
		AnaState:      n.anaState,
	}
}

// checkOperation implements check_operation: sensitive ops are refused
// once the nexus is shutting down, shut down, or closed.
func (n *Nexus) checkOperation() error {
	switch n.State() {
	case NexusShuttingDown, NexusShutdown, NexusClosed:
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrShuttingDown)
	default:
		return nil
	}
}

func (n *Nexus) childrenSnapshot() []*Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Child, len(n.children))
	copy(out, n.children)
	return out
}

func (n *Nexus) childByURI(uri string) *Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, c := range n.children {
		if c.URI() == uri {
			return c
		}
	}
	return nil
}

func (n *Nexus) healthyCount(children []*Child) int {
	count := 0
	for _, c := range children {
		if c.Healthy() {
			count++
		}
	}
	return count
}

func (n *Nexus) subscribeChild(c *Child) {
	unsub := n.dispatcher.Subscribe(c.URI(), NewDeviceEventListener(n.retire, c))
	n.mu.Lock()
	n.unsubs[c.URI()] = unsub
	n.mu.Unlock()
}

func (n *Nexus) unsubscribeChild(uri string) {
	n.mu.Lock()
	unsub, ok := n.unsubs[uri]
	delete(n.unsubs, uri)
	n.mu.Unlock()
	if ok {
		unsub()
	}
}

func (n *Nexus) wrapFaultInjection(c *Child) {
	uri := c.URI()
	c.WrapDevice(func(d device.BlockDevice) device.BlockDevice {
		return &faultInjectingDevice{BlockDevice: d, nexus: n, uri: uri}
	})
}

// acquireReservation resolves the preempt key per NvmeParams.PreemptPolicy
// and runs the write-exclusive reservation dance on c.
func (n *Nexus) acquireReservation(ctx context.Context, c *Child) error {
	preemptKey := n.nvmeParams.PreemptKey
	if n.nvmeParams.PreemptPolicy == PreemptPolicyHolder && n.admin != nil {
		if holders, err := n.admin.Report(ctx, c.URI()); err == nil {
			for _, h := range holders {
				if h.HostID != n.hostID {
					preemptKey = h.Key
					break
				}
			}
		}
	}
	err := c.AcquireWriteExclusive(ctx, n.admin != nil, n.nvmeParams.ReservationKey, preemptKey, n.hostID, n.admin)
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	n.metrics.Reservation.RecordOp(n.name, "acquire", outcome)
	return err
}

// openAllChildren implements the open-children procedure run at create:
// compute shared geometry across every child, open each at
// targetState, subscribe it to device events, and acquire its
// write-exclusive reservation. Any failure rolls back every child opened
// so far.
func (n *Nexus) openAllChildren(ctx context.Context, targetState ChildState) error {
	if len(n.children) == 0 {
		return nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrNexusIncomplete)
	}

	var opened []*Child
	rollback := func() {
		for _, c := range opened {
			n.unsubscribeChild(c.URI())
			_ = c.Close(ctx)
		}
	}

	var blockLen uint32
	minNumBlocks := ^uint64(0)

	for _, c := range n.children {
		// Subscribe before opening so no DeviceRemoved racing the open
		// call can slip past the dispatcher unnoticed.
		n.subscribeChild(c)

		if err := c.Open(ctx, n.sizeBytes, targetState); err != nil {
			n.unsubscribeChild(c.URI())
			rollback()
			return nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrNexusIncomplete)
		}
		opened = append(opened, c)

		dev := c.Device()
		if blockLen == 0 {
			blockLen = dev.BlockLen()
		} else if dev.BlockLen() != blockLen {
			rollback()
			return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrMixedBlockSizes)
		}
		if dev.NumBlocks() < minNumBlocks {
			minNumBlocks = dev.NumBlocks()
		}
		n.wrapFaultInjection(c)
	}

	if minNumBlocks <= n.dataOffset {
		rollback()
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrChildGeometry)
	}
	numBlocks := minNumBlocks - n.dataOffset
	if n.sizeBytes > 0 && n.sizeBytes > numBlocks*uint64(blockLen) {
		rollback()
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrChildGeometry)
	}

	for _, c := range opened {
		if err := n.acquireReservation(ctx, c); err != nil {
			rollback()
			return err
		}
	}

	n.mu.Lock()
	n.blockLen = blockLen
	n.numBlocks = numBlocks
	n.mu.Unlock()

	n.channels.ReconnectAll(n.childrenSnapshot())
	return nil
}

// openNewChild opens c (not part of the nexus's established geometry yet)
// against the already-known block length/capacity, validating it fits
// before claiming it. Used by add_child and online_child; unlike
// openAllChildren it never touches n.blockLen/n.numBlocks.
func (n *Nexus) openNewChild(ctx context.Context, c *Child, targetState ChildState) error {
	// Subscribe before opening so no DeviceRemoved racing the open call
	// can slip past the dispatcher unnoticed.
	n.subscribeChild(c)

	if err := c.Open(ctx, n.sizeBytes, targetState); err != nil {
		n.unsubscribeChild(c.URI())
		return err
	}

	dev := c.Device()
	n.mu.RLock()
	blockLen, dataOffset, numBlocks := n.blockLen, n.dataOffset, n.numBlocks
	n.mu.RUnlock()

	if dev.BlockLen() != blockLen {
		n.unsubscribeChild(c.URI())
		_ = c.Close(ctx)
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrMixedBlockSizes)
	}
	if dev.NumBlocks() < dataOffset+numBlocks {
		n.unsubscribeChild(c.URI())
		_ = c.Close(ctx)
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrChildGeometry)
	}

	n.wrapFaultInjection(c)

	if err := n.acquireReservation(ctx, c); err != nil {
		n.unsubscribeChild(c.URI())
		_ = c.Close(ctx)
		return err
	}

	return nil
}

func (n *Nexus) closeAllChildren(ctx context.Context) {
	for _, c := range n.childrenSnapshot() {
		n.unsubscribeChild(c.URI())
		if err := c.Close(ctx); err != nil {
			logger.Warn("Closing child failed", logger.Nexus(n.name), logger.ChildURI(c.URI()), logger.Err(err))
		}
	}
}

// Destroy implements destroy: unshare, cancel every rebuild, close every
// child, persist Shutdown, and unregister the block device. Idempotent
// once Closed.
func (n *Nexus) Destroy(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.State() == NexusClosed {
		return nil
	}

	if err := n.doUnpublish(ctx); err != nil {
		logger.Warn("Unpublish during destroy failed, proceeding", logger.Nexus(n.name), logger.Err(err))
	}

	n.stopAllRebuilds(ctx)
	n.closeAllChildren(ctx)

	if n.store != nil && n.infoKey != "" {
		if err := n.store.Shutdown(ctx, n.infoKey, true); err != nil {
			logger.Warn("Persisting destroy failed", logger.Nexus(n.name), logger.Err(err))
		}
	}

	if n.registry != nil {
		_ = n.registry.Unpin(n.name)
	}

	n.setState(NexusClosed)
	logger.Info("Nexus destroyed", logger.Nexus(n.name))
	return nil
}

// NotifyAdminCommandFailed dispatches an AdminCommandCompletionFailed event
// for childURI. It is the entry point an admin-queue poller uses to report
// that a reservation command it ran out of retries on, driving this child
// into the retire path through the same dispatcher every other device event
// goes through.
func (n *Nexus) NotifyAdminCommandFailed(childURI string, err error) {
	n.dispatcher.Dispatch(Event{Kind: EventAdminCommandCompletionFailed, ChildURI: childURI, Err: err})
}

// Shutdown implements shutdown: idempotent once Shutdown/Closed, refuses
// only while already ShuttingDown; pauses, cancels rebuilds, closes
// children, persists Shutdown, and transitions to Shutdown. A pause
// failure restores the previous state.
func (n *Nexus) Shutdown(ctx context.Context) error {
	switch n.State() {
	case NexusShutdown, NexusClosed:
		return nil
	case NexusShuttingDown:
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrAlreadyInProgress)
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	prev := n.State()
	n.setState(NexusShuttingDown)

	if err := n.io.Pause(ctx); err != nil {
		n.setState(prev)
		return err
	}

	n.stopAllRebuilds(ctx)
	n.closeAllChildren(ctx)

	if n.store != nil && n.infoKey != "" {
		if err := n.store.Shutdown(ctx, n.infoKey, true); err != nil {
			logger.Warn("Persisting shutdown failed", logger.Nexus(n.name), logger.Err(err))
		}
	}

	n.io.Resume()
	n.setState(NexusShutdown)
	logger.Info("Nexus shut down", logger.Nexus(n.name))
	return nil
}

// AddChild implements add_child: create the backing device, open it
// Faulted(OutOfSync), acquire its write-exclusive reservation, append it
// to the child list, persist, and (unless norebuild) start a rebuild from
// any healthy child.
func (n *Nexus) AddChild(ctx context.Context, uri string, norebuild bool) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.childByURI(uri) != nil {
		return nexuserr.New(nexuserr.KindAlreadyExists, nexuserr.ErrChildExists)
	}

	c := NewChild(n.name, uri)

	return n.io.WithPause(ctx, func() error {
		if err := n.openNewChild(ctx, c, ChildState{Kind: ChildFaulted, Reason: FaultOutOfSync}); err != nil {
			return err
		}

		n.mu.Lock()
		n.children = append(n.children, c)
		n.mu.Unlock()
		n.channels.ReconnectAll(n.childrenSnapshot())

		if n.store != nil && n.infoKey != "" {
			if err := n.store.AddChild(ctx, n.infoKey, uri, false); err != nil {
				logger.Warn("Persisting add_child failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			}
		}

		if norebuild {
			return nil
		}
		if err := n.startRebuild(ctx, c); err != nil {
			logger.Warn("Rebuild failed to start after add_child, child kept faulted", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			c.CompareAndSwapState(ChildFaulted, ChildState{Kind: ChildFaulted, Reason: FaultRebuildFailed})
		}
		return nil
	})
}

// RemoveChild implements remove_child: refuses on the last child, or the
// last healthy child while any healthy remains; pauses rebuilds touching
// uri, closes the child, removes it from the list, persists, and resumes
// the rebuilds it paused.
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	c := n.childByURI(uri)
	if c == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}

	children := n.childrenSnapshot()
	if len(children) <= 1 {
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrLastChild)
	}
	if c.Healthy() && n.healthyCount(children) <= 1 {
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrLastHealthyChild)
	}

	n.pauseRebuildsTouching(ctx, uri)
	defer n.resumeRebuildsTouching(uri)

	return n.io.WithPause(ctx, func() error {
		n.unsubscribeChild(uri)
		if err := c.Close(ctx); err != nil {
			logger.Warn("Closing removed child failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
		}

		n.mu.Lock()
		remaining := n.children[:0]
		for _, ch := range n.children {
			if ch.URI() != uri {
				remaining = append(remaining, ch)
			}
		}
		n.children = remaining
		n.mu.Unlock()
		n.channels.ReconnectAll(n.childrenSnapshot())

		if n.store != nil && n.infoKey != "" {
			if err := n.store.Update(ctx, n.infoKey, uri, false); err != nil {
				logger.Warn("Persisting remove_child failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			}
		}
		return nil
	})
}

// OfflineChild implements offline_child: pauses rebuilds touching uri,
// closes the child (state -> Closed), reconfigures channels, and resumes.
func (n *Nexus) OfflineChild(ctx context.Context, uri string) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	c := n.childByURI(uri)
	if c == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}

	n.pauseRebuildsTouching(ctx, uri)
	defer n.resumeRebuildsTouching(uri)

	return n.io.WithPause(ctx, func() error {
		n.channels.DisconnectDevice(uri)
		if err := c.Close(ctx); err != nil {
			return nexuserr.New(nexuserr.KindIoError, err)
		}
		n.channels.ReconnectAll(n.childrenSnapshot())
		return nil
	})
}

// OnlineChild implements online_child: requires the child be Closed or
// Faulted(NoSpace); recreates the backing device, opens it
// Faulted(OutOfSync), and starts a rebuild.
func (n *Nexus) OnlineChild(ctx context.Context, uri string) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	c := n.childByURI(uri)
	if c == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}

	state := c.State()
	if state.Kind == ChildFaulted && state.Reason == FaultNoSpace {
		c.CompareAndSwapState(ChildFaulted, ChildState{Kind: ChildClosed})
	} else if state.Kind != ChildClosed {
		return nexuserr.New(nexuserr.KindFailedPrecondition, errors.New("nexus: child not offline"))
	}

	return n.io.WithPause(ctx, func() error {
		if err := n.openNewChild(ctx, c, ChildState{Kind: ChildFaulted, Reason: FaultOutOfSync}); err != nil {
			return err
		}
		n.channels.ReconnectAll(n.childrenSnapshot())

		if n.store != nil && n.infoKey != "" {
			if err := n.store.Update(ctx, n.infoKey, uri, false); err != nil {
				logger.Warn("Persisting online_child failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			}
		}
		if err := n.startRebuild(ctx, c); err != nil {
			logger.Warn("Rebuild failed to start after online_child", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			c.CompareAndSwapState(ChildFaulted, ChildState{Kind: ChildFaulted, Reason: FaultRebuildFailed})
		}
		return nil
	})
}

// FaultChild implements fault_child: refuses with fewer than 2 children or
// if it would fault the last healthy child; otherwise runs the same
// CAS-fault-then-retire pipeline a terminal I/O error would.
func (n *Nexus) FaultChild(ctx context.Context, uri string, reason FaultReason) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	c := n.childByURI(uri)
	if c == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}

	children := n.childrenSnapshot()
	if len(children) < 2 {
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrLastChild)
	}
	if c.Healthy() && n.healthyCount(children) <= 1 {
		return nexuserr.New(nexuserr.KindOperationNotAllowed, nexuserr.ErrLastHealthyChild)
	}

	n.retire.RetireChildDevice(c, reason, errors.New("nexus: faulted by client request"), false)
	return nil
}

// Publish implements publish: exposes the nexus through the external
// target stack under an NQN derived from the nexus name. Publishing an
// already-published nexus with the same key/hosts is a no-op returning the
// existing URI; a different key while already published is
// InvalidArgument.
func (n *Nexus) Publish(ctx context.Context, protocol ShareProtocol, key []byte, allowedHosts []string) (string, error) {
	if err := n.checkOperation(); err != nil {
		return "", err
	}
	if len(key) != 0 && len(key) != 16 {
		return "", nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrBadKeyLength)
	}
	if protocol != ShareNvmf && protocol != ShareOff {
		return "", nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrBadProtocol)
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.RLock()
	curProtocol, curURI, curKey, curHosts := n.shareProtocol, n.shareURI, n.shareKey, n.allowedHosts
	n.mu.RUnlock()

	if curProtocol != ShareOff {
		if string(curKey) == string(key) && sameStrings(curHosts, allowedHosts) {
			return curURI, nil
		}
		return "", nexuserr.New(nexuserr.KindInvalidArgument, errors.New("nexus: already published with a different key"))
	}
	if protocol == ShareOff {
		return "", nil
	}
	if n.target == nil {
		return "", nexuserr.New(nexuserr.KindOperationNotAllowed, errors.New("nexus: no target configured"))
	}

	uri, err := n.target.Publish(ctx, n.nqn(), key, allowedHosts)
	if err != nil {
		return "", nexuserr.New(nexuserr.KindIoError, err)
	}

	n.mu.Lock()
	n.shareProtocol = protocol
	n.shareURI = uri
	n.shareKey = append([]byte(nil), key...)
	n.allowedHosts = append([]string(nil), allowedHosts...)
	n.mu.Unlock()

	logger.Info("Nexus published", logger.Nexus(n.name), logger.Device(uri))
	return uri, nil
}

// Unpublish implements unpublish.
func (n *Nexus) Unpublish(ctx context.Context) error {
	if err := n.checkOperation(); err != nil {
		return err
	}
	n.opMu.Lock()
	defer n.opMu.Unlock()
	return n.doUnpublish(ctx)
}

func (n *Nexus) doUnpublish(ctx context.Context) error {
	n.mu.RLock()
	protocol := n.shareProtocol
	n.mu.RUnlock()
	if protocol == ShareOff {
		return nil
	}
	if n.target != nil {
		if err := n.target.Unpublish(ctx, n.nqn()); err != nil {
			return nexuserr.New(nexuserr.KindIoError, err)
		}
	}
	n.mu.Lock()
	n.shareProtocol = ShareOff
	n.shareURI = ""
	n.shareKey = nil
	n.allowedHosts = nil
	n.anaState = AnaUnknown
	n.mu.Unlock()
	logger.Info("Nexus unpublished", logger.Nexus(n.name))
	return nil
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// GetAnaState implements get_ana_state: only valid once published.
func (n *Nexus) GetAnaState() (AnaState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.shareProtocol == ShareOff {
		return AnaUnknown, nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrNotPublished)
	}
	return n.anaState, nil
}

// SetAnaState implements set_ana_state: only valid once published; pauses
// and resumes the front end around the change.
func (n *Nexus) SetAnaState(ctx context.Context, s AnaState) error {
	if err := n.checkOperation(); err != nil {
		return err
	}
	if s != AnaOptimized && s != AnaNonOptimized && s != AnaInaccessible {
		return nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrAnaStateInvalid)
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	n.mu.RLock()
	protocol := n.shareProtocol
	n.mu.RUnlock()
	if protocol == ShareOff {
		return nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrNotPublished)
	}

	return n.io.WithPause(ctx, func() error {
		if n.target != nil {
			if err := n.target.SetAnaState(ctx, n.nqn(), toTargetAna(s)); err != nil {
				return nexuserr.New(nexuserr.KindIoError, err)
			}
		}
		n.mu.Lock()
		n.anaState = s
		n.mu.Unlock()
		return nil
	})
}

// startRebuild picks any other healthy child as source and launches a
// rebuild job over the nexus's full data range into dest.
func (n *Nexus) startRebuild(ctx context.Context, dest *Child) error {
	var source *Child
	for _, c := range n.childrenSnapshot() {
		if c.URI() != dest.URI() && c.Healthy() {
			source = c
			break
		}
	}
	if source == nil {
		return nexuserr.New(nexuserr.KindFailedPrecondition, errors.New("nexus: no healthy child to rebuild from"))
	}

	n.mu.RLock()
	dataOffset, numBlocks := n.dataOffset, n.numBlocks
	n.mu.RUnlock()
	// Start/End are nexus-relative, matching the front-end channel path;
	// the job adds dataOffset back in only at the device I/O boundary.
	start, end := uint64(0), numBlocks

	destURI := dest.URI()
	job, err := rebuild.New(rebuild.Config{
		NexusName:  n.name,
		SourceURI:  source.URI(),
		DestURI:    destURI,
		Source:     source.Device(),
		Dest:       dest.Device(),
		Start:      start,
		End:        end,
		DataOffset: dataOffset,
		Locker:     n.locker,
		Notify: func(state rebuild.State) {
			n.onRebuildStateChange(context.Background(), dest, state)
		},
	})
	if err != nil {
		return err
	}

	n.rebuildMu.Lock()
	if _, exists := n.rebuilds[destURI]; exists {
		n.rebuildMu.Unlock()
		return nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrAlreadyInProgress)
	}
	n.rebuilds[destURI] = &rebuildEntry{job: job, sourceURI: source.URI(), destURI: destURI}
	n.rebuildMu.Unlock()
	dest.SetRebuildJob(destURI)

	if err := job.Start(ctx); err != nil {
		n.rebuildMu.Lock()
		delete(n.rebuilds, destURI)
		n.rebuildMu.Unlock()
		dest.SetRebuildJob("")
		return err
	}

	n.metrics.Rebuild.JobStarted(n.name, destURI)
	logger.Info("Rebuild started", logger.Nexus(n.name), logger.ChildURI(destURI), logger.RebuildJob(destURI))
	return nil
}

// onRebuildStateChange reconciles a dest child's state once its rebuild
// job reaches a terminal state: Completed returns it to Open; Failed moves
// it to Faulted(RebuildFailed). Both use CompareAndSwapState, which only
// checks the Kind, so either transition applies regardless of the child's
// current fault reason.
func (n *Nexus) onRebuildStateChange(ctx context.Context, dest *Child, state rebuild.State) {
	if !state.Terminal() {
		return
	}

	destURI := dest.URI()
	n.rebuildMu.Lock()
	delete(n.rebuilds, destURI)
	n.rebuildMu.Unlock()
	dest.SetRebuildJob("")

	switch state {
	case rebuild.StateCompleted:
		if dest.CompareAndSwapState(ChildFaulted, ChildState{Kind: ChildOpen}) {
			n.metrics.Rebuild.JobCompleted(n.name, destURI)
			logger.Info("Rebuild completed, child back online", logger.Nexus(n.name), logger.ChildURI(destURI))
			n.channels.ReconnectAll(n.childrenSnapshot())
			if n.store != nil && n.infoKey != "" {
				if err := n.store.Update(ctx, n.infoKey, destURI, true); err != nil {
					logger.Warn("Persisting rebuild completion failed", logger.Nexus(n.name), logger.ChildURI(destURI), logger.Err(err))
				}
			}
		}
	case rebuild.StateFailed:
		n.metrics.Rebuild.JobFailed(n.name, destURI)
		dest.CompareAndSwapState(ChildFaulted, ChildState{Kind: ChildFaulted, Reason: FaultRebuildFailed})
		logger.Error("Rebuild failed", logger.Nexus(n.name), logger.ChildURI(destURI))
	}
}

func (n *Nexus) rebuildsTouching(uri string) []*rebuildEntry {
	n.rebuildMu.Lock()
	defer n.rebuildMu.Unlock()
	var out []*rebuildEntry
	for _, e := range n.rebuilds {
		if e.sourceURI == uri || e.destURI == uri {
			out = append(out, e)
		}
	}
	return out
}

func (n *Nexus) pauseRebuildsTouching(ctx context.Context, uri string) {
	for _, e := range n.rebuildsTouching(uri) {
		if err := e.job.Pause(ctx); err != nil {
			logger.Warn("Pausing rebuild failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
		}
	}
}

func (n *Nexus) resumeRebuildsTouching(uri string) {
	for _, e := range n.rebuildsTouching(uri) {
		if e.job.State() == rebuild.StatePaused {
			if err := e.job.Resume(context.Background()); err != nil {
				logger.Warn("Resuming rebuild failed", logger.Nexus(n.name), logger.ChildURI(uri), logger.Err(err))
			}
		}
	}
}

func (n *Nexus) stopAllRebuilds(ctx context.Context) {
	n.rebuildMu.Lock()
	entries := make([]*rebuildEntry, 0, len(n.rebuilds))
	for _, e := range n.rebuilds {
		entries = append(entries, e)
	}
	n.rebuildMu.Unlock()

	for _, e := range entries {
		if err := e.job.Stop(ctx); err != nil {
			logger.Warn("Stopping rebuild during shutdown failed", logger.Nexus(n.name), logger.ChildURI(e.destURI), logger.Err(err))
		}
	}
}

func (n *Nexus) findRebuild(destURI string) (*rebuildEntry, error) {
	n.rebuildMu.Lock()
	defer n.rebuildMu.Unlock()
	e, ok := n.rebuilds[destURI]
	if !ok {
		return nil, nexuserr.New(nexuserr.KindNotFound, errors.New("nexus: no rebuild job for "+destURI))
	}
	return e, nil
}

// StartRebuild implements start_rebuild: destURI must name a child
// currently Faulted(OutOfSync).
func (n *Nexus) StartRebuild(ctx context.Context, destURI string) error {
	if err := n.checkOperation(); err != nil {
		return err
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	c := n.childByURI(destURI)
	if c == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}
	if state := c.State(); !(state.Kind == ChildFaulted && state.Reason == FaultOutOfSync) {
		return nexuserr.New(nexuserr.KindFailedPrecondition, errors.New("nexus: child not out of sync"))
	}
	return n.startRebuild(ctx, c)
}

// StopRebuild implements stop.
func (n *Nexus) StopRebuild(ctx context.Context, destURI string) error {
	e, err := n.findRebuild(destURI)
	if err != nil {
		return err
	}
	return e.job.Stop(ctx)
}

// PauseRebuild implements pause.
func (n *Nexus) PauseRebuild(ctx context.Context, destURI string) error {
	e, err := n.findRebuild(destURI)
	if err != nil {
		return err
	}
	return e.job.Pause(ctx)
}

// ResumeRebuild implements resume.
func (n *Nexus) ResumeRebuild(ctx context.Context, destURI string) error {
	e, err := n.findRebuild(destURI)
	if err != nil {
		return err
	}
	return e.job.Resume(ctx)
}

// RebuildState implements state.
func (n *Nexus) RebuildState(destURI string) (rebuild.State, error) {
	e, err := n.findRebuild(destURI)
	if err != nil {
		return rebuild.StateFailed, err
	}
	return e.job.State(), nil
}

// RebuildStats implements stats/progress.
func (n *Nexus) RebuildStats(destURI string) (blocksTotal, blocksRecovered uint64, progress float64, err error) {
	e, ferr := n.findRebuild(destURI)
	if ferr != nil {
		return 0, 0, 0, ferr
	}
	blocksTotal, blocksRecovered, progress = e.job.Stats()
	return
}

func childReplicaUUID(uri string) (string, bool) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", false
	}
	id := u.Query().Get("uuid")
	return id, id != ""
}

// CreateSnapshot implements create_snapshot: every named child must carry
// a uuid query parameter identifying its replica, or the call fails before
// any snapshot is taken.
func (n *Nexus) CreateSnapshot(ctx context.Context, params SnapshotParams, descriptors []SnapshotDescriptor) error {
	if err := n.checkOperation(); err != nil {
		return err
	}
	if n.snapshotter == nil {
		return nexuserr.New(nexuserr.KindOperationNotAllowed, errors.New("nexus: no snapshotter configured"))
	}

	type snapTarget struct {
		replicaUUID  string
		snapshotUUID string
	}
	targets := make([]snapTarget, 0, len(descriptors))
	for _, d := range descriptors {
		if n.childByURI(d.ChildURI) == nil {
			return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
		}
		replicaUUID, ok := childReplicaUUID(d.ChildURI)
		if !ok {
			return nexuserr.New(nexuserr.KindInvalidArgument, errors.New("nexus: child has no replica uuid"))
		}
		targets = append(targets, snapTarget{replicaUUID: replicaUUID, snapshotUUID: d.SnapshotUUID})
	}

	n.opMu.Lock()
	defer n.opMu.Unlock()

	for _, t := range targets {
		if err := n.snapshotter.CreateSnapshot(ctx, t.replicaUUID, t.snapshotUUID, params); err != nil {
			return nexuserr.New(nexuserr.KindIoError, err)
		}
	}
	return nil
}

// InjectFault makes every subsequent bio of kind op against childURI fail
// with IoError until removed. Test-only: exercises the retire path
// deterministically without a real device failure.
func (n *Nexus) InjectFault(childURI string, op BioOp) error {
	if n.childByURI(childURI) == nil {
		return nexuserr.New(nexuserr.KindNotFound, nexuserr.ErrChildNotFound)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.injections[childURI] == nil {
		n.injections[childURI] = make(map[BioOp]bool)
	}
	n.injections[childURI][op] = true
	return nil
}

// RemoveInjectedFault reverses a prior InjectFault call. A no-op if none
// was active.
func (n *Nexus) RemoveInjectedFault(childURI string, op BioOp) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.injections[childURI], op)
	return nil
}

// ListInjections returns the currently active fault injections.
func (n *Nexus) ListInjections() map[string][]BioOp {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string][]BioOp, len(n.injections))
	for uri, ops := range n.injections {
		for op := range ops {
			out[uri] = append(out[uri], op)
		}
	}
	return out
}

func (n *Nexus) isInjected(uri string, op BioOp) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.injections[uri][op]
}

// faultInjectingDevice overlays InjectFault/RemoveInjectedFault decisions
// onto a child's real device, checked live on every call so toggling an
// injection takes effect without reopening the child.
type faultInjectingDevice struct {
	device.BlockDevice
	nexus *Nexus
	uri   string
}

func (d *faultInjectingDevice) ReadAt(ctx context.Context, buf []byte, start, num uint64) error {
	if d.nexus.isInjected(d.uri, BioRead) || d.nexus.isInjected(d.uri, BioCompare) {
		return nexuserr.NewIoError(errInjectedFault, d.uri, start, num, 0)
	}
	return d.BlockDevice.ReadAt(ctx, buf, start, num)
}

func (d *faultInjectingDevice) WriteAt(ctx context.Context, buf []byte, start, num uint64) error {
	if d.nexus.isInjected(d.uri, BioWrite) {
		return nexuserr.NewIoError(errInjectedFault, d.uri, start, num, 0)
	}
	return d.BlockDevice.WriteAt(ctx, buf, start, num)
}

func (d *faultInjectingDevice) UnmapAt(ctx context.Context, start, num uint64) error {
	if d.nexus.isInjected(d.uri, BioUnmap) {
		return nexuserr.NewIoError(errInjectedFault, d.uri, start, num, 0)
	}
	return d.BlockDevice.UnmapAt(ctx, start, num)
}

func (d *faultInjectingDevice) WriteZeroesAt(ctx context.Context, start, num uint64) error {
	if d.nexus.isInjected(d.uri, BioWriteZeroes) {
		return nexuserr.NewIoError(errInjectedFault, d.uri, start, num, 0)
	}
	return d.BlockDevice.WriteZeroesAt(ctx, start, num)
}

func (d *faultInjectingDevice) Flush(ctx context.Context) error {
	if d.nexus.isInjected(d.uri, BioFlush) {
		return nexuserr.NewIoError(errInjectedFault, d.uri, 0, 0, 0)
	}
	return d.BlockDevice.Flush(ctx)
}

var _ registry.NexusHandle = (*Nexus)(nil)
