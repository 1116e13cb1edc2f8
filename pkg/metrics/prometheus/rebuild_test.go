package prometheus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuscore/nexusd/pkg/metrics"
)

func TestNewRebuildMetrics_DisabledReturnsNil(t *testing.T) {
	m := NewRebuildMetrics()
	assert.Nil(t, m)

	// nil-receiver methods must not panic
	m.SetTotals("nexus-0", "child-0", 100, 50)
	m.ObserveSegmentCopy("nexus-0", "child-0", 0.1)
	m.JobStarted("nexus-0", "child-0")
	m.JobCompleted("nexus-0", "child-0")
	m.JobFailed("nexus-0", "child-0")
}

func TestNewRebuildMetrics_EnabledRecordsValues(t *testing.T) {
	metrics.Init()
	m := NewRebuildMetrics()
	require.NotNil(t, m)

	m.SetTotals("nexus-0", "child-0", 100, 25)
	m.JobStarted("nexus-0", "child-0")

	families, err := metrics.GetRegistry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
