package badgerstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexusd/pkg/nexus/persist"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nexusinfo"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_CreateAndGet(t *testing.T) {
	s := openTestStore(t)
	info := persist.NexusInfo{Children: []persist.ChildRecord{{URI: "c1", Healthy: true}}}
	require.NoError(t, s.Create(context.Background(), "nx-1", info))

	got, err := s.Get(context.Background(), "nx-1")
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestStore_GetMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, persist.ErrNotFound)
}

func TestStore_AddChildThenUpdate(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AddChild(context.Background(), "nx-2", "c1", false))
	require.NoError(t, s.Update(context.Background(), "nx-2", "c1", true))

	got, err := s.Get(context.Background(), "nx-2")
	require.NoError(t, err)
	require.Len(t, got.Children, 1)
	assert.True(t, got.Children[0].Healthy)
}

func TestStore_UpdateCondRejectsLastHealthyFlip(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(context.Background(), "nx-3", persist.NexusInfo{
		Children: []persist.ChildRecord{{URI: "c1", Healthy: true}},
	}))

	applied, err := s.UpdateCond(context.Background(), "nx-3", "c1", false, persist.NeverUnhealthyLastChild("c1", false))
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestStore_ShutdownSetsCleanFlag(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Create(context.Background(), "nx-4", persist.NexusInfo{}))
	require.NoError(t, s.Shutdown(context.Background(), "nx-4", true))

	got, err := s.Get(context.Background(), "nx-4")
	require.NoError(t, err)
	assert.True(t, got.CleanShutdown)
}
