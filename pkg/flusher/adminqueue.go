// Package flusher implements the admin-queue poller: a bounded worker pool
// that executes NVMe admin commands (reservation register/acquire/release/
// preempt/report) asynchronously so a caller's control-plane RPC is not
// blocked on device-level admin-queue latency, and retries a failed command
// a bounded number of times before reporting it to the retire path.
package flusher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nexuscore/nexusd/internal/logger"
)

// ErrNotSupported is returned by a reservation AdminCommand when the target
// device does not support NVMe persistent reservations. The reservation
// dance treats a register step failing with this error as success (a
// no-op, not a fault) and only logs an acquire or preempt step failing
// with it; AdminQueuePoller itself retries it like any other error.
var ErrNotSupported = errors.New("flusher: device does not support reservations")

// AdminCommand is one queued NVMe admin-queue operation.
type AdminCommand interface {
	// Execute runs the command against the target device.
	Execute(ctx context.Context) error
	// Describe returns a short human-readable label for logging.
	Describe() string
}

// adminRequest pairs a command with the nexus/child it targets, for logging
// and metrics without requiring AdminCommand implementations to know about
// the logger package.
type adminRequest struct {
	nexus string
	child string
	cmd   AdminCommand
}

// AdminQueuePoller processes queued admin commands in the background,
// making up to maxRetries attempts per command before invoking onFailure.
type AdminQueuePoller struct {
	queue      chan adminRequest
	workers    int
	maxRetries int
	onFailure  func(nexus, child string, cmd AdminCommand, err error)

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu        sync.Mutex
	started   bool
	pending   int
	completed int
	failed    int
}

// AdminQueuePollerConfig configures an AdminQueuePoller.
type AdminQueuePollerConfig struct {
	// QueueSize is the maximum number of pending admin commands.
	// Default: 256
	QueueSize int

	// Workers is the number of concurrent admin-queue workers.
	// Default: 4
	Workers int

	// MaxRetries bounds the number of attempts per command, the first one
	// included.
	// Default: 3
	MaxRetries int

	// OnFailure is invoked once a command has exhausted its retries.
	// Typically triggers child_retire_routine.
	OnFailure func(nexus, child string, cmd AdminCommand, err error)
}

// DefaultAdminQueuePollerConfig returns sensible defaults.
func DefaultAdminQueuePollerConfig() AdminQueuePollerConfig {
	return AdminQueuePollerConfig{
		QueueSize:  256,
		Workers:    4,
		MaxRetries: 3,
	}
}

// NewAdminQueuePoller creates a new admin-queue poller.
func NewAdminQueuePoller(cfg AdminQueuePollerConfig) *AdminQueuePoller {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	return &AdminQueuePoller{
		queue:      make(chan adminRequest, cfg.QueueSize),
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		onFailure:  cfg.OnFailure,
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
}

// Start begins processing queued admin commands.
func (p *AdminQueuePoller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	logger.Info("Starting admin-queue poller", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	go func() {
		p.wg.Wait()
		close(p.stoppedCh)
	}()
}

// Stop gracefully shuts down the poller, waiting for in-flight commands to
// complete (with timeout). Queued-but-not-started commands are dropped.
func (p *AdminQueuePoller) Stop(timeout time.Duration) {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	select {
	case <-p.stopCh:
		// Already stopped.
		p.mu.Unlock()
		return
	default:
	}
	close(p.stopCh)
	p.mu.Unlock()

	select {
	case <-p.stoppedCh:
		logger.Info("Admin-queue poller stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Admin-queue poller stop timed out", "pending", p.Pending())
	}
}

// Enqueue submits a command for background execution.
// Returns false if the queue is full (non-blocking).
func (p *AdminQueuePoller) Enqueue(nexus, child string, cmd AdminCommand) bool {
	req := adminRequest{nexus: nexus, child: child, cmd: cmd}

	select {
	case p.queue <- req:
		p.mu.Lock()
		p.pending++
		p.mu.Unlock()
		return true
	default:
		logger.Warn("Admin queue full, dropping command",
			logger.Nexus(nexus), logger.ChildURI(child))
		return false
	}
}

// Pending returns the number of queued-or-executing admin commands.
func (p *AdminQueuePoller) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Stats returns poller statistics.
func (p *AdminQueuePoller) Stats() (pending, completed, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, p.completed, p.failed
}

func (p *AdminQueuePoller) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case req, ok := <-p.queue:
			if !ok {
				return
			}
			p.process(ctx, req)
		}
	}
}

func (p *AdminQueuePoller) process(ctx context.Context, req adminRequest) {
	var err error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		err = req.cmd.Execute(ctx)
		if err == nil {
			break
		}
		logger.WarnCtx(ctx, "Admin command failed",
			logger.Nexus(req.nexus), logger.ChildURI(req.child),
			logger.Attempt(attempt), logger.Err(err))
	}

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()

	if err != nil {
		logger.ErrorCtx(ctx, "Admin command exhausted retries",
			logger.Nexus(req.nexus), logger.ChildURI(req.child), logger.Err(err))
		if p.onFailure != nil {
			p.onFailure(req.nexus, req.child, req.cmd, err)
		}
		return
	}

	logger.DebugCtx(ctx, "Admin command completed",
		logger.Nexus(req.nexus), logger.ChildURI(req.child), logger.Operation(req.cmd.Describe()))
}
