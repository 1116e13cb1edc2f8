package rebuild

import (
	"context"
	"sync"
)

// lockRange is a half-open [start, end) block range.
type lockRange struct {
	start, end uint64
}

func (r lockRange) overlaps(o lockRange) bool {
	return r.start < o.end && o.start < r.end
}

// RangeLocker is a per-nexus advisory lock serializing a rebuild segment
// copy against any concurrent front-end write to the same LBAs. Overlapping
// ranges block; disjoint ranges proceed concurrently.
type RangeLocker struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active []lockRange
}

// NewRangeLocker constructs an empty locker.
func NewRangeLocker() *RangeLocker {
	rl := &RangeLocker{}
	rl.cond = sync.NewCond(&rl.mu)
	return rl
}

// Lock blocks until [start, start+length) has no overlapping active lock,
// then holds it. The returned func releases the lock; call it exactly
// once. Lock returns ctx.Err() if ctx is already done before a lock could
// be granted.
func (rl *RangeLocker) Lock(ctx context.Context, start, length uint64) (func(), error) {
	r := lockRange{start: start, end: start + length}

	rl.mu.Lock()
	for rl.hasOverlapLocked(r) {
		if err := ctx.Err(); err != nil {
			rl.mu.Unlock()
			return nil, err
		}
		rl.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		rl.mu.Unlock()
		return nil, err
	}
	rl.active = append(rl.active, r)
	rl.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Lock()
			for i, a := range rl.active {
				if a == r {
					rl.active = append(rl.active[:i], rl.active[i+1:]...)
					break
				}
			}
			rl.mu.Unlock()
			rl.cond.Broadcast()
		})
	}, nil
}

func (rl *RangeLocker) hasOverlapLocked(r lockRange) bool {
	for _, a := range rl.active {
		if a.overlaps(r) {
			return true
		}
	}
	return false
}
