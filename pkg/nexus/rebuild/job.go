// Package rebuild implements the rebuild engine (C5): copying
// an LBA range from a healthy child to an out-of-sync one in fixed-size
// segments, under bounded concurrency and per-segment range locks, while
// the nexus keeps serving front-end I/O.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/bufpool"
	"github.com/nexuscore/nexusd/pkg/device"
	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
)

// State is a rebuild job's lifecycle state.
type State int

const (
	StateInit State = iota
	StateRunning
	StatePaused
	StateStopped
	StateFailed
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateStopped:
		return "Stopped"
	case StateFailed:
		return "Failed"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed || s == StateCompleted
}

// DefaultSegmentBytes is the default DMA buffer size per copy task (a few
// hundred KiB).
const DefaultSegmentBytes = 256 << 10

// DefaultParallelism is the default number of concurrent copy tasks.
const DefaultParallelism = 16

// Config describes a rebuild job's construction parameters.
type Config struct {
	NexusName   string
	SourceURI   string
	DestURI     string
	Source      device.BlockDevice
	Dest        device.BlockDevice
	Start       uint64 // nexus-relative LBA, inclusive
	End         uint64 // nexus-relative LBA, exclusive
	DataOffset  uint64 // added to a segment's LBA at the device I/O boundary
	SegmentSize uint64 // bytes; 0 -> DefaultSegmentBytes
	Parallelism int    // 0 -> DefaultParallelism
	Locker      *RangeLocker
	Pool        *bufpool.Pool
	Notify      func(state State)
}

// Job is one rebuild job targeting a single destination child. Exactly one
// live job may target a given destination URI; enforcing that is the
// caller's responsibility (it owns the child→job association, see
// pkg/nexus.Child.SetRebuildJob).
type Job struct {
	nexusName string
	sourceURI string
	destURI   string
	source    device.BlockDevice
	dest      device.BlockDevice

	start, end uint64
	dataOffset uint64
	blockLen   uint32
	segBlocks  uint64

	parallelism int
	locker      *RangeLocker
	pool        *bufpool.Pool
	notify      func(state State)

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	pending    State
	pendingSet bool
	next       uint64
	segDone    uint64
	err        error

	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New validates cfg and constructs a Job in state Init.
func New(cfg Config) (*Job, error) {
	if cfg.Source.BlockLen() != cfg.Dest.BlockLen() {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrMixedBlockSizes)
	}
	if cfg.Start >= cfg.End {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, errors.New("rebuild: start must be < end"))
	}
	if cfg.End+cfg.DataOffset > cfg.Source.NumBlocks() || cfg.End+cfg.DataOffset > cfg.Dest.NumBlocks() {
		return nil, nexuserr.New(nexuserr.KindInvalidArgument, nexuserr.ErrChildGeometry)
	}

	blockLen := cfg.Source.BlockLen()
	segBytes := cfg.SegmentSize
	if segBytes == 0 {
		segBytes = DefaultSegmentBytes
	}
	segBlocks := segBytes / uint64(blockLen)
	if segBlocks == 0 {
		segBlocks = 1
	}

	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}

	locker := cfg.Locker
	if locker == nil {
		locker = NewRangeLocker()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = bufpool.NewSegmentPool(int(segBlocks) * int(blockLen))
	}

	j := &Job{
		nexusName:   cfg.NexusName,
		sourceURI:   cfg.SourceURI,
		destURI:     cfg.DestURI,
		source:      cfg.Source,
		dest:        cfg.Dest,
		start:       cfg.Start,
		end:         cfg.End,
		dataOffset:  cfg.DataOffset,
		blockLen:    blockLen,
		segBlocks:   segBlocks,
		parallelism: parallelism,
		locker:      locker,
		pool:        pool,
		notify:      cfg.Notify,
		state:       StateInit,
		next:        cfg.Start,
		doneCh:      make(chan struct{}),
	}
	j.cond = sync.NewCond(&j.mu)
	return j, nil
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error that failed the job, if state is Failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done returns a channel closed once the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.doneCh }

// Stats returns the rebuild progress statistics.
func (j *Job) Stats() (blocksTotal, blocksRecovered uint64, progress float64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	blocksTotal = j.end - j.start
	blocksRecovered = j.segDone * j.segBlocks
	if blocksRecovered > blocksTotal {
		blocksRecovered = blocksTotal
	}
	if blocksTotal == 0 {
		progress = 100
	} else {
		progress = 100 * float64(blocksRecovered) / float64(blocksTotal)
	}
	return
}

// Start launches the management loop's worker pool (Init -> Running).
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.state != StateInit {
		j.mu.Unlock()
		return nexuserr.New(nexuserr.KindFailedPrecondition, fmt.Errorf("rebuild job not in Init (state=%s)", j.state))
	}
	j.state = StateRunning
	j.mu.Unlock()

	logger.Info("Rebuild job starting",
		logger.Nexus(j.nexusName), logger.ChildURI(j.destURI),
		logger.BlocksTotal(j.end-j.start))

	for i := 0; i < j.parallelism; i++ {
		j.wg.Add(1)
		go j.worker(ctx)
	}

	go j.finalize()
	return nil
}

// requestPending records a Pause or Stop request, reconciled at the next
// safe point (after the in-flight segment on each worker completes), per
// Stop from Init or Paused is reconciled immediately since
// no tasks are outstanding.
func (j *Job) requestPending(to State) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return nexuserr.New(nexuserr.KindFailedPrecondition, fmt.Errorf("rebuild job already terminal (state=%s)", j.state))
	}
	if j.pendingSet {
		return nexuserr.New(nexuserr.KindFailedPrecondition, nexuserr.ErrAlreadyInProgress)
	}

	wasInit := j.state == StateInit
	j.pending = to
	j.pendingSet = true

	if to == StateStopped && (j.state == StateInit || j.state == StatePaused) {
		j.reconcileLocked()
		if wasInit {
			// No workers were ever launched; finalize directly.
			close(j.doneCh)
		}
	}

	j.cond.Broadcast()
	return nil
}

// Pause requests a pause, reconciled after the in-flight segment on each
// worker completes.
func (j *Job) Pause(ctx context.Context) error { return j.requestPending(StatePaused) }

// Stop requests the job stop.
func (j *Job) Stop(ctx context.Context) error { return j.requestPending(StateStopped) }

// Resume resumes a paused job.
func (j *Job) Resume(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != StatePaused {
		return nexuserr.New(nexuserr.KindFailedPrecondition, fmt.Errorf("rebuild job not paused (state=%s)", j.state))
	}
	j.state = StateRunning
	j.pendingSet = false
	j.cond.Broadcast()
	return nil
}

// reconcileLocked applies a pending state if one is set. Caller holds mu.
func (j *Job) reconcileLocked() {
	if !j.pendingSet {
		return
	}
	switch j.pending {
	case StatePaused:
		if j.state == StateRunning {
			j.state = StatePaused
		}
	case StateStopped:
		j.state = StateStopped
	}
	j.pendingSet = false
	if j.notify != nil {
		state := j.state
		go j.notify(state)
	}
}

// fail transitions the job to Failed, an internal operation that overrides
// any pending state.
func (j *Job) fail(err error) {
	j.mu.Lock()
	j.state = StateFailed
	j.err = err
	j.pendingSet = false
	j.mu.Unlock()
	j.cond.Broadcast()

	logger.Error("Rebuild job failed", logger.Nexus(j.nexusName), logger.ChildURI(j.destURI), logger.Err(err))
	if j.notify != nil {
		j.notify(StateFailed)
	}
}

// popSegment returns the next segment to copy, blocking while paused and
// reconciling pending state at each safe point. ok is false once the range
// is exhausted or the job has stopped/failed.
func (j *Job) popSegment() (blk, length uint64, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.reconcileLocked()
	for j.state == StatePaused {
		j.cond.Wait()
		j.reconcileLocked()
	}
	if j.state != StateRunning {
		return 0, 0, false
	}
	if j.next >= j.end {
		return 0, 0, false
	}

	blk = j.next
	length = j.segBlocks
	if blk+length > j.end {
		length = j.end - blk
	}
	j.next += length
	return blk, length, true
}

func (j *Job) worker(ctx context.Context) {
	defer j.wg.Done()

	for {
		blk, length, ok := j.popSegment()
		if !ok {
			return
		}

		if err := j.copySegment(ctx, blk, length); err != nil {
			j.fail(fmt.Errorf("rebuild segment at block %d: %w", blk, err))
			return
		}

		j.mu.Lock()
		j.segDone++
		j.mu.Unlock()
	}
}

// copySegment performs the per-segment work: range-lock,
// read from source, write to destination, unlock. blk is nexus-relative,
// matching the front-end channel's range-lock coordinate space; dataOffset
// is added back in only for the actual device reads/writes.
func (j *Job) copySegment(ctx context.Context, blk, length uint64) error {
	unlock, err := j.locker.Lock(ctx, blk, length)
	if err != nil {
		return err
	}
	defer unlock()

	size := int(length) * int(j.blockLen)
	buf := j.pool.Get(size)
	defer j.pool.Put(buf)
	buf = buf[:size]

	devBlk := blk + j.dataOffset
	if err := j.source.ReadAt(ctx, buf, devBlk, length); err != nil {
		return nexuserr.NewIoError(err, j.sourceURI, devBlk, length, 0)
	}
	if err := j.dest.WriteAt(ctx, buf, devBlk, length); err != nil {
		return nexuserr.NewIoError(err, j.destURI, devBlk, length, 0)
	}
	return nil
}

// finalize waits for all workers to drain then settles the job's terminal
// state (Completed unless already Failed or Stopped).
func (j *Job) finalize() {
	j.wg.Wait()

	j.mu.Lock()
	if j.state == StateRunning {
		j.state = StateCompleted
	}
	final := j.state
	j.mu.Unlock()

	select {
	case <-j.doneCh:
	default:
		close(j.doneCh)
	}

	logger.Info("Rebuild job finished",
		logger.Nexus(j.nexusName), logger.ChildURI(j.destURI), logger.State(final.String()))
	if j.notify != nil {
		j.notify(final)
	}
}
