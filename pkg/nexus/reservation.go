package nexus

import (
	"context"
	"sync"

	"github.com/nexuscore/nexusd/pkg/flusher"
)

// Holder describes one NVMe persistent-reservation registrant as returned
// by a report-reservation admin command.
type Holder struct {
	HostID string
	Key    uint64
}

// AdminExecutor issues the NVMe admin-queue reservation commands a child
// drives during AcquireWriteExclusive. Implementations
// queue the actual command asynchronously (pkg/flusher.AdminQueuePoller)
// and block the caller until it completes, so C1's reservation dance stays
// a simple synchronous call while still going through the same retry/
// failure path as any other admin command.
type AdminExecutor interface {
	RegisterKey(ctx context.Context, uri string, key uint64, hostID string) error
	Acquire(ctx context.Context, uri string, key uint64, hostID string) error
	Preempt(ctx context.Context, uri string, key, preemptKey uint64, hostID string) error
	Report(ctx context.Context, uri string) ([]Holder, error)
}

// reservationState tracks one child URI's registered keys and current
// write-exclusive holder.
type reservationState struct {
	registered map[uint64]string // key -> hostID
	holderKey  uint64
	holderHost string
}

// SimulatedAdmin is an in-process AdminExecutor standing in for the NVMe
// admin-queue passthrough no pure Go process can issue directly against
// real hardware. It tracks reservation state per child URI and routes
// every command through a flusher.AdminQueuePoller instead of a direct
// synchronous call. Commands are enqueued with an empty nexus name, so a
// failure the poller reports to its OnFailure hook carries no nexus to
// resolve it to.
type SimulatedAdmin struct {
	poller *flusher.AdminQueuePoller

	mu    sync.Mutex
	state map[string]*reservationState
}

// NewSimulatedAdmin creates a SimulatedAdmin backed by poller. poller must
// already be started.
func NewSimulatedAdmin(poller *flusher.AdminQueuePoller) *SimulatedAdmin {
	return &SimulatedAdmin{
		poller: poller,
		state:  make(map[string]*reservationState),
	}
}

func (a *SimulatedAdmin) stateFor(uri string) *reservationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.state[uri]
	if !ok {
		s = &reservationState{registered: make(map[uint64]string)}
		a.state[uri] = s
	}
	return s
}

// reservationCmd adapts a closure to flusher.AdminCommand.
type reservationCmd struct {
	label string
	fn    func(ctx context.Context) error
}

func (c *reservationCmd) Execute(ctx context.Context) error { return c.fn(ctx) }
func (c *reservationCmd) Describe() string                  { return c.label }

// submit enqueues cmd and blocks until it completes, reporting completion
// through a buffered channel captured by the closure.
func (a *SimulatedAdmin) submit(ctx context.Context, nexus, uri, label string, op func(ctx context.Context) error) error {
	done := make(chan error, 1)
	cmd := &reservationCmd{
		label: label,
		fn: func(ctx context.Context) error {
			err := op(ctx)
			done <- err
			if err == flusher.ErrNotSupported {
				// Not a fault: the caller receives it through done, and the
				// poller neither retries it nor reports it to OnFailure.
				return nil
			}
			return err
		},
	}

	if !a.poller.Enqueue(nexus, uri, cmd) {
		return op(ctx) // queue full: fall back to inline execution rather than block forever
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterKey implements AdminExecutor.
func (a *SimulatedAdmin) RegisterKey(ctx context.Context, uri string, key uint64, hostID string) error {
	return a.submit(ctx, "", uri, "resv_register", func(ctx context.Context) error {
		s := a.stateFor(uri)
		a.mu.Lock()
		s.registered[key] = hostID
		a.mu.Unlock()
		return nil
	})
}

// Acquire implements AdminExecutor.
func (a *SimulatedAdmin) Acquire(ctx context.Context, uri string, key uint64, hostID string) error {
	return a.submit(ctx, "", uri, "resv_acquire", func(ctx context.Context) error {
		s := a.stateFor(uri)
		a.mu.Lock()
		defer a.mu.Unlock()
		if s.holderHost != "" && s.holderHost != hostID {
			return flusher.ErrNotSupported // surfaced as a warning by the caller; report() determines reality
		}
		s.holderKey = key
		s.holderHost = hostID
		return nil
	})
}

// Preempt implements AdminExecutor.
func (a *SimulatedAdmin) Preempt(ctx context.Context, uri string, key, preemptKey uint64, hostID string) error {
	return a.submit(ctx, "", uri, "resv_preempt", func(ctx context.Context) error {
		s := a.stateFor(uri)
		a.mu.Lock()
		defer a.mu.Unlock()
		s.holderKey = key
		s.holderHost = hostID
		return nil
	})
}

// Report implements AdminExecutor.
func (a *SimulatedAdmin) Report(ctx context.Context, uri string) ([]Holder, error) {
	var holders []Holder
	err := a.submit(ctx, "", uri, "resv_report", func(ctx context.Context) error {
		s := a.stateFor(uri)
		a.mu.Lock()
		defer a.mu.Unlock()
		if s.holderHost != "" {
			holders = []Holder{{HostID: s.holderHost, Key: s.holderKey}}
		}
		return nil
	})
	return holders, err
}

var _ AdminExecutor = (*SimulatedAdmin)(nil)
