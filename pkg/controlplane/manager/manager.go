// Package manager is the composition root tying a node's shared
// dependencies (persistence, the reservation admin queue, the NVMe-oF
// target, the background task queue, the node registry) to individual
// pkg/nexus.Nexus instances, and is what cmd/nexusd's REST surface drives.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/nexuscore/nexusd/internal/logger"
	"github.com/nexuscore/nexusd/pkg/flusher"
	"github.com/nexuscore/nexusd/pkg/nexus"
	"github.com/nexuscore/nexusd/pkg/nexus/nexuserr"
	"github.com/nexuscore/nexusd/pkg/nexus/persist"
	"github.com/nexuscore/nexusd/pkg/nexus/target"
	"github.com/nexuscore/nexusd/pkg/registry"
	"github.com/nexuscore/nexusd/pkg/transfer"
)

// Deps holds the shared, node-wide dependencies every nexus this manager
// creates is wired against.
type Deps struct {
	Registry  *registry.Registry
	Store     persist.Store
	Admin     nexus.AdminExecutor
	Target    target.Target
	Queue     *transfer.Queue
	HostID    string
	NQNPrefix string
	Workers   int
	Metrics   nexus.Metrics
}

// Manager owns Deps and is the only thing in a node's process that calls
// nexus.Create; everything else reaches a *nexus.Nexus through Lookup.
type Manager struct {
	deps Deps

	mu sync.RWMutex
}

// New constructs a Manager over deps. deps.Registry must be non-nil;
// every other field may be its zero value, disabling the feature it
// backs (no persistence, no reservations, no real target).
func New(deps Deps) *Manager {
	if deps.Registry == nil {
		deps.Registry = registry.NewRegistry()
	}
	return &Manager{deps: deps}
}

// CreateParams is the subset of nexus.Config a caller supplies per nexus;
// the rest comes from Deps.
type CreateParams struct {
	Name             string
	UUID             string
	SizeBytes        uint64
	ChildURIs        []string
	NvmeParams       nexus.NvmeParams
	DataOffsetBlocks uint64
}

// Create builds a nexus.Config from params plus m's shared Deps and calls
// nexus.Create.
func (m *Manager) Create(ctx context.Context, params CreateParams) (*nexus.Nexus, error) {
	cfg := nexus.Config{
		Name:             params.Name,
		UUID:             params.UUID,
		SizeBytes:        params.SizeBytes,
		ChildURIs:        params.ChildURIs,
		NvmeParams:       params.NvmeParams,
		InfoKey:          params.Name,
		DataOffsetBlocks: params.DataOffsetBlocks,
		Store:            m.deps.Store,
		Admin:            m.deps.Admin,
		Target:           m.deps.Target,
		Registry:         m.deps.Registry,
		Queue:            m.deps.Queue,
		Workers:          m.deps.Workers,
		HostID:           m.deps.HostID,
		NQNPrefix:        m.deps.NQNPrefix,
		Metrics:          m.deps.Metrics,
	}
	return nexus.Create(ctx, cfg)
}

// Lookup resolves name to the live *nexus.Nexus pinned in the registry.
// ErrChildNotFound's sibling here is nexuserr.KindNotFound: registry.Lookup
// already returns that kind on a miss, so this just type-asserts the
// handle back to its concrete type.
func (m *Manager) Lookup(name string) (*nexus.Nexus, error) {
	h, err := m.deps.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	n, ok := h.(*nexus.Nexus)
	if !ok {
		return nil, nexuserr.New(nexuserr.KindInternal, fmt.Errorf("manager: registry handle for %q is not a *nexus.Nexus", name))
	}
	return n, nil
}

// List returns every pinned nexus name.
func (m *Manager) List() []string {
	return m.deps.Registry.ListNexuses()
}

// Destroy looks up name and destroys it. Not found is returned verbatim.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	n, err := m.Lookup(name)
	if err != nil {
		return err
	}
	return n.Destroy(ctx)
}

// ShutdownAll calls Shutdown on every currently pinned nexus, collecting
// but not short-circuiting on per-nexus errors; used by cmd/nexusd's
// graceful-shutdown path.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, name := range m.List() {
		n, err := m.Lookup(name)
		if err != nil {
			continue
		}
		if err := n.Shutdown(ctx); err != nil {
			logger.Warn("Shutdown failed during node shutdown", logger.Nexus(name), logger.Err(err))
		}
	}
}

// Deps returns the shared dependencies this manager was built with, for
// callers (e.g. the replay path at startup) that need direct access to
// the store or registry.
func (m *Manager) Deps() Deps {
	return m.deps
}

// OnAdminCommandFailed matches flusher.AdminQueuePollerConfig's OnFailure
// signature: it looks nexusName up and forwards to its
// NotifyAdminCommandFailed, driving childURI into the retire path. A
// missing nexus (e.g. destroyed while its command was in flight) is
// logged and dropped.
func (m *Manager) OnAdminCommandFailed(nexusName, childURI string, cmd flusher.AdminCommand, err error) {
	n, lookupErr := m.Lookup(nexusName)
	if lookupErr != nil {
		logger.Warn("Admin command failed for unknown nexus", logger.Nexus(nexusName), logger.ChildURI(childURI), logger.Err(err))
		return
	}
	n.NotifyAdminCommandFailed(childURI, err)
}
