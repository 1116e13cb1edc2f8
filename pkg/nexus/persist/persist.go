// Package persist defines the NexusInfo persistence bridge (C7): the
// record a nexus writes to an external key-value store on every
// state transition that affects durability, so the control plane can
// reconstruct a nexus's child-health view after a node restart.
package persist

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a caller-supplied key has no persisted
// NexusInfo.
var ErrNotFound = errors.New("persist: nexus info not found")

// ChildRecord is one child's persisted health.
type ChildRecord struct {
	URI     string `json:"uri"`
	Healthy bool   `json:"healthy"`
}

// NexusInfo is the persisted record.
type NexusInfo struct {
	Children      []ChildRecord `json:"children"`
	CleanShutdown bool          `json:"clean_shutdown"`
}

// HealthyCount returns the number of children marked healthy.
func (n NexusInfo) HealthyCount() int {
	count := 0
	for _, c := range n.Children {
		if c.Healthy {
			count++
		}
	}
	return count
}

// WithChild returns a copy of n with uri's Healthy flag set, adding a new
// record if uri was not already present.
func (n NexusInfo) WithChild(uri string, healthy bool) NexusInfo {
	out := NexusInfo{CleanShutdown: n.CleanShutdown}
	found := false
	for _, c := range n.Children {
		if c.URI == uri {
			c.Healthy = healthy
			found = true
		}
		out.Children = append(out.Children, c)
	}
	if !found {
		out.Children = append(out.Children, ChildRecord{URI: uri, Healthy: healthy})
	}
	return out
}

// Predicate evaluates against the freshly-read stored NexusInfo (never a
// cached in-memory copy, to avoid racing a concurrent writer on another
// node) and decides whether an UpdateCond write should proceed.
type Predicate func(current NexusInfo) bool

// NeverUnhealthyLastChild is the UpdateCond predicate enforcing the
// invariant that a write which would flip the only remaining healthy
// child to unhealthy is rejected.
func NeverUnhealthyLastChild(uri string, healthy bool) Predicate {
	return func(current NexusInfo) bool {
		if healthy {
			return true
		}
		for _, c := range current.Children {
			if c.URI == uri && c.Healthy && current.HealthyCount() <= 1 {
				return false
			}
		}
		return true
	}
}

// Store is the persistence bridge's backend contract. Every method is a
// PersistOp; each writes the resulting NexusInfo (or
// leaves it unchanged, for UpdateCond when the predicate rejects).
type Store interface {
	// Create persists the initial NexusInfo for key (PersistOp::Create).
	Create(ctx context.Context, key string, info NexusInfo) error

	// AddChild appends or updates a child record (PersistOp::AddChild).
	AddChild(ctx context.Context, key, uri string, healthy bool) error

	// Update unconditionally sets uri's healthy flag (PersistOp::Update).
	Update(ctx context.Context, key, uri string, healthy bool) error

	// UpdateCond evaluates pred against the freshly-read stored record and
	// writes only if it returns true (PersistOp::UpdateCond). applied
	// reports whether the write happened.
	UpdateCond(ctx context.Context, key, uri string, healthy bool, pred Predicate) (applied bool, err error)

	// Shutdown sets the clean-shutdown flag (PersistOp::Shutdown).
	Shutdown(ctx context.Context, key string, clean bool) error

	// Get returns the persisted NexusInfo for key, or ErrNotFound.
	Get(ctx context.Context, key string) (NexusInfo, error)

	// Close releases the backend's resources.
	Close() error
}
