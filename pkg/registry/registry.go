// Package registry holds the node-local view of pools, replicas, and
// nexuses used to validate control-plane operations, and doubles as the
// stable-arena object store that keeps each nexus at a fixed address for
// its lifetime: cross-layer callbacks (device events, rebuild completion)
// pass a nexus's name and re-look it up here rather than retaining a raw
// pointer across goroutine boundaries.
package registry

import (
	"fmt"
	"sync"
)

// NexusHandle is the subset of *nexus.Nexus the registry needs to track.
// Declared here, not in pkg/nexus, so that pkg/nexus can depend on
// pkg/registry without a cycle; *nexus.Nexus implements it implicitly.
type NexusHandle interface {
	Name() string
	UUID() string
}

// Pool describes a block-device-backed allocator known to this node.
// Pools and the replicas carved from them are owned by the external
// pool/replica volume manager; the registry keeps only the metadata
// needed to validate nexus operations against them.
type Pool struct {
	Name       string
	BdevURI    string
	CapacityBk uint64
	UsedBk     uint64
}

// Replica describes a logical volume carved from a Pool, exported as a
// block device URI a nexus child can open.
type Replica struct {
	Name     string
	UUID     string
	PoolName string
	SizeBk   uint64
	ShareURI string // e.g. "nvmf://host:4420/nqn...", "" if not shared
}

// Registry is a thread-safe, name-keyed view of pools, replicas, and
// nexuses on this node.
type Registry struct {
	mu       sync.RWMutex
	pools    map[string]*Pool
	replicas map[string]*Replica
	nexuses  map[string]NexusHandle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:    make(map[string]*Pool),
		replicas: make(map[string]*Replica),
		nexuses:  make(map[string]NexusHandle),
	}
}

// RegisterPool adds a named pool to the registry.
func (r *Registry) RegisterPool(p *Pool) error {
	if p == nil {
		return fmt.Errorf("cannot register nil pool")
	}
	if p.Name == "" {
		return fmt.Errorf("cannot register pool with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[p.Name]; exists {
		return fmt.Errorf("pool %q already registered", p.Name)
	}
	r.pools[p.Name] = p
	return nil
}

// UnregisterPool removes a pool from the registry.
func (r *Registry) UnregisterPool(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[name]; !exists {
		return fmt.Errorf("pool %q not registered", name)
	}
	delete(r.pools, name)
	return nil
}

// GetPool returns a registered pool by name.
func (r *Registry) GetPool(name string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.pools[name]
	if !exists {
		return nil, fmt.Errorf("pool %q not found", name)
	}
	return p, nil
}

// ListPools returns the names of all registered pools.
func (r *Registry) ListPools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	return names
}

// RegisterReplica adds a named replica to the registry.
func (r *Registry) RegisterReplica(rep *Replica) error {
	if rep == nil {
		return fmt.Errorf("cannot register nil replica")
	}
	if rep.Name == "" {
		return fmt.Errorf("cannot register replica with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[rep.PoolName]; !exists {
		return fmt.Errorf("replica %q references unknown pool %q", rep.Name, rep.PoolName)
	}
	if _, exists := r.replicas[rep.Name]; exists {
		return fmt.Errorf("replica %q already registered", rep.Name)
	}
	r.replicas[rep.Name] = rep
	return nil
}

// UnregisterReplica removes a replica from the registry.
func (r *Registry) UnregisterReplica(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.replicas[name]; !exists {
		return fmt.Errorf("replica %q not registered", name)
	}
	delete(r.replicas, name)
	return nil
}

// GetReplica returns a registered replica by name.
func (r *Registry) GetReplica(name string) (*Replica, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep, exists := r.replicas[name]
	if !exists {
		return nil, fmt.Errorf("replica %q not found", name)
	}
	return rep, nil
}

// ListReplicas returns the names of all registered replicas.
func (r *Registry) ListReplicas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.replicas))
	for name := range r.replicas {
		names = append(names, name)
	}
	return names
}

// ListReplicasInPool returns the names of all replicas carved from a pool.
func (r *Registry) ListReplicasInPool(poolName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, rep := range r.replicas {
		if rep.PoolName == poolName {
			names = append(names, name)
		}
	}
	return names
}

// Pin registers a nexus at a stable name, failing if the name is taken.
// The nexus remains reachable at this fixed slot for its entire lifetime;
// callers that need to hand a cross-layer callback a durable reference
// should pass the name and call Lookup, not a raw pointer.
func (r *Registry) Pin(n NexusHandle) error {
	if n == nil {
		return fmt.Errorf("cannot pin nil nexus")
	}
	name := n.Name()
	if name == "" {
		return fmt.Errorf("cannot pin nexus with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nexuses[name]; exists {
		return fmt.Errorf("nexus %q already registered", name)
	}
	r.nexuses[name] = n
	return nil
}

// Unpin removes a nexus from the registry, e.g. once it reaches Closed.
func (r *Registry) Unpin(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nexuses[name]; !exists {
		return fmt.Errorf("nexus %q not registered", name)
	}
	delete(r.nexuses, name)
	return nil
}

// Lookup re-resolves a nexus by its stable name.
func (r *Registry) Lookup(name string) (NexusHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, exists := r.nexuses[name]
	if !exists {
		return nil, fmt.Errorf("nexus %q not found", name)
	}
	return n, nil
}

// ListNexuses returns the names of all pinned nexuses.
func (r *Registry) ListNexuses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.nexuses))
	for name := range r.nexuses {
		names = append(names, name)
	}
	return names
}

// NexusExists reports whether a nexus is currently pinned under name.
func (r *Registry) NexusExists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.nexuses[name]
	return exists
}

// CountNexuses returns the number of pinned nexuses.
func (r *Registry) CountNexuses() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nexuses)
}
