// Package transfer implements a generic priority task queue shared by the
// rebuild engine (segment-copy jobs) and the retire pipeline (deferred
// device-remove operations). Both need the same shape: a bounded backlog
// of independent units of work, drained by a fixed worker pool, with
// higher-priority work (a resumed rebuild segment ahead of a background
// one) served first.
package transfer

import "context"

// Task is one unit of queued work.
type Task interface {
	// Execute runs the task to completion or returns an error.
	Execute(ctx context.Context) error

	// Describe returns a short human-readable label for logging.
	Describe() string

	// Priority orders tasks within the queue; higher values run first.
	Priority() int
}

// BaseTask is an embeddable Task with a fixed priority, for callers that
// don't need per-task priority logic.
type BaseTask struct {
	Label string
	Prio  int
	Fn    func(ctx context.Context) error
}

func (t *BaseTask) Execute(ctx context.Context) error { return t.Fn(ctx) }
func (t *BaseTask) Describe() string                  { return t.Label }
func (t *BaseTask) Priority() int                     { return t.Prio }

var _ Task = (*BaseTask)(nil)
