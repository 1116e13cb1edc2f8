package manager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	_ "github.com/nexuscore/nexusd/pkg/device/memdev"
	"github.com/nexuscore/nexusd/pkg/nexus"
	"github.com/nexuscore/nexusd/pkg/nexus/persist/memory"
	"github.com/nexuscore/nexusd/pkg/registry"
	"github.com/nexuscore/nexusd/pkg/transfer"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	q := transfer.NewQueue(transfer.QueueConfig{QueueSize: 64, Workers: 2})
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Stop(time.Second)
	})
	return New(Deps{
		Registry: registry.NewRegistry(),
		Store:    memory.New(),
		Queue:    q,
		HostID:   "host-0",
	})
}

func TestManager_CreateLookupListDestroy(t *testing.T) {
	mgr := newTestManager(t)

	n, err := mgr.Create(context.Background(), CreateParams{
		Name:       "nexus-a",
		UUID:       uuid.NewString(),
		SizeBytes:  65536,
		ChildURIs:  []string{"mem://child-a"},
		NvmeParams: nexus.NvmeParams{ReservationType: nexus.ReservationWriteExclusiveAllRegs},
	})
	require.NoError(t, err)
	require.Equal(t, "nexus-a", n.Name())

	got, err := mgr.Lookup("nexus-a")
	require.NoError(t, err)
	require.Same(t, n, got)

	require.Equal(t, []string{"nexus-a"}, mgr.List())

	require.NoError(t, mgr.Destroy(context.Background(), "nexus-a"))
	_, err = mgr.Lookup("nexus-a")
	require.Error(t, err)
}

func TestManager_CreateRejectsDuplicateName(t *testing.T) {
	mgr := newTestManager(t)
	cfg := CreateParams{
		Name:       "dup",
		UUID:       uuid.NewString(),
		SizeBytes:  65536,
		ChildURIs:  []string{"mem://dup-a"},
		NvmeParams: nexus.NvmeParams{ReservationType: nexus.ReservationWriteExclusiveAllRegs},
	}
	_, err := mgr.Create(context.Background(), cfg)
	require.NoError(t, err)

	cfg.UUID = uuid.NewString()
	cfg.ChildURIs = []string{"mem://dup-b"}
	_, err = mgr.Create(context.Background(), cfg)
	require.Error(t, err)
}

func TestManager_LookupMissingReturnsNotFound(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Lookup("missing")
	require.Error(t, err)
}

func TestManager_ShutdownAllShutsDownEveryPinnedNexus(t *testing.T) {
	mgr := newTestManager(t)
	for _, name := range []string{"n1", "n2"} {
		_, err := mgr.Create(context.Background(), CreateParams{
			Name:       name,
			UUID:       uuid.NewString(),
			SizeBytes:  65536,
			ChildURIs:  []string{"mem://" + name},
			NvmeParams: nexus.NvmeParams{ReservationType: nexus.ReservationWriteExclusiveAllRegs},
		})
		require.NoError(t, err)
	}

	mgr.ShutdownAll(context.Background())

	for _, name := range []string{"n1", "n2"} {
		n, err := mgr.Lookup(name)
		require.NoError(t, err)
		require.Equal(t, nexus.NexusShutdown, n.State())
	}
}
