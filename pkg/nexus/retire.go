package nexus

import (
	"context"
	"fmt"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/nexus/persist"
	"github.com/nexuscore/nexusd/pkg/transfer"
)

// RetirePipeline runs the retire path (C6) for a single nexus: the sequence
// that follows a child being CAS-faulted, either by a channel's terminal
// I/O error or by an AdminCommandCompletionFailed event. It owns no state
// of its own beyond what it needs to reach the nexus's channels, I/O
// subsystem, and persistence bridge, and is safe to share across every
// child of one nexus.
type RetirePipeline struct {
	nexusName string
	infoKey   string

	channels *ChannelSet
	io       *IOSubsystem
	store    persist.Store
	queue    *transfer.Queue
	metrics  Metrics
}

// NewRetirePipeline wires a retire pipeline for one nexus. store may be
// nil for a nexus created with an empty info key, in which case the
// persist step of do_child_retire is skipped.
func NewRetirePipeline(nexusName, infoKey string, channels *ChannelSet, io *IOSubsystem, store persist.Store, queue *transfer.Queue) *RetirePipeline {
	return &RetirePipeline{
		nexusName: nexusName,
		infoKey:   infoKey,
		channels:  channels,
		io:        io,
		store:     store,
		queue:     queue,
	}
}

// SetMetrics installs the collectors do_child_retire records against.
// Separate from the constructor so a nexus can build its Metrics bundle
// once and share it across the retire pipeline and the rebuild call
// sites in nexus.go, rather than threading it through every existing
// NewRetirePipeline call site.
func (p *RetirePipeline) SetMetrics(m Metrics) {
	p.metrics = m
}

// RetireFunc returns a RetireFunc suitable for wiring into NewChannelSet:
// the channel has already won the CAS to Faulted by the time it calls
// this, so retire here only has to schedule do_child_retire.
func (p *RetirePipeline) RetireFunc() RetireFunc {
	return func(child *Child, reason FaultReason, err error) {
		p.scheduleRetire(child, reason, err, false)
	}
}

// RetireChildDevice is the entry point used by a caller that hasn't
// already won the state CAS, e.g. the nexus's AdminCommandCompletionFailed
// listener. It performs the CAS itself; a CAS loser returns without side
// effects, preserving "first error wins".
func (p *RetirePipeline) RetireChildDevice(child *Child, reason FaultReason, err error, retry bool) {
	if !child.CompareAndSwapState(ChildOpen, ChildState{Kind: ChildFaulted, Reason: reason}) {
		return
	}
	logger.Error("Retiring child device", logger.ChildURI(child.URI()), logger.Reason(reason.String()), logger.Err(err))
	p.scheduleRetire(child, reason, err, retry)
}

// scheduleRetire enqueues child_retire_routine as a master-thread task.
// Falls back to running it inline if the queue has no room, since a
// dropped retire would leave the child permanently undrained.
func (p *RetirePipeline) scheduleRetire(child *Child, reason FaultReason, err error, retry bool) {
	task := &transfer.BaseTask{
		Label: fmt.Sprintf("retire:%s", child.URI()),
		Prio:  10,
		Fn: func(ctx context.Context) error {
			return p.doChildRetire(ctx, child, reason, err, retry)
		},
	}
	if p.queue == nil || !p.queue.Enqueue(task) {
		_ = task.Execute(context.Background())
	}
}

// errPauseInProgress signals that a concurrent pause pre-empted this
// retire's attempt to pause the I/O subsystem.
type errPauseInProgress struct{}

func (errPauseInProgress) Error() string { return "nexus: pause already in progress" }

// doChildRetire runs child_retire_routine: disconnect the device from
// every channel, pause the I/O subsystem, enqueue the deferred device
// teardown, persist conditionally, and resume. If retry is set and the
// pause step finds a pause already in progress, it reschedules itself
// exactly once on the master worker; it never retries a second time,
// since an indefinitely rescheduling retire would starve behind a stuck
// pause.
func (p *RetirePipeline) doChildRetire(ctx context.Context, child *Child, reason FaultReason, cause error, retry bool) error {
	uri := child.URI()

	if p.channels != nil {
		p.channels.DisconnectDevice(uri)
	}

	p.metrics.Nexus.RecordFaulted(p.nexusName, reason.String())

	if !p.io.TryPause() {
		if retry {
			logger.Warn("Retire found pause in progress, rescheduling once", logger.ChildURI(uri))
			p.scheduleRetire(child, reason, cause, false)
			return nil
		}
		return errPauseInProgress{}
	}
	defer p.io.Resume()

	if p.queue != nil {
		p.queue.Enqueue(&transfer.BaseTask{
			Label: fmt.Sprintf("device-remove:%s", uri),
			Prio:  5,
			Fn: func(ctx context.Context) error {
				return child.Close(ctx)
			},
		})
	} else {
		_ = child.Close(ctx)
	}

	if p.store != nil && p.infoKey != "" {
		pred := persist.NeverUnhealthyLastChild(uri, false)
		applied, err := p.store.UpdateCond(ctx, p.infoKey, uri, false, pred)
		if err != nil {
			logger.Warn("Persisting retire failed, in-memory state proceeds", logger.ChildURI(uri), logger.Err(err))
		} else if !applied {
			logger.Info("Retire did not persist: would have marked the last healthy child unhealthy", logger.ChildURI(uri))
		}
	}

	p.metrics.Nexus.RecordRetired(p.nexusName, reason.String())
	return nil
}

// deviceEventListener adapts a RetirePipeline to the Listener interface so
// it can subscribe to a child's device events on the nexus's dispatcher.
type deviceEventListener struct {
	pipeline *RetirePipeline
	child    *Child
}

// NewDeviceEventListener builds the Listener a nexus subscribes on behalf
// of child: DeviceRemoved events are handled by the child itself (C1),
// while AdminCommandCompletionFailed drives a retry=false retire.
func NewDeviceEventListener(pipeline *RetirePipeline, child *Child) Listener {
	return &deviceEventListener{pipeline: pipeline, child: child}
}

// OnEvent implements Listener. It is idempotent: a DeviceRemoved racing an
// AdminCommandCompletionFailed for the same child is safe, since
// CompareAndSwapState lets only one caller ever win the Faulted transition
// and Child.OnDeviceRemoved tolerates being called on an already-closed
// child.
func (l *deviceEventListener) OnEvent(ev Event) {
	switch ev.Kind {
	case EventDeviceRemoved:
		l.child.OnDeviceRemoved()
	case EventAdminCommandCompletionFailed:
		l.pipeline.RetireChildDevice(l.child, FaultAdminCommandFailed, ev.Err, false)
	}
}

var _ Listener = (*deviceEventListener)(nil)
