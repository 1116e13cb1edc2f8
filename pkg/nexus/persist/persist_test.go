package persist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNexusInfo_WithChild(t *testing.T) {
	info := NexusInfo{}
	info = info.WithChild("c1", true)
	info = info.WithChild("c2", true)
	assert.Equal(t, 2, info.HealthyCount())

	info = info.WithChild("c1", false)
	assert.Equal(t, 1, info.HealthyCount())
	assert.Len(t, info.Children, 2)
}

func TestNeverUnhealthyLastChild_RejectsFlippingLastHealthy(t *testing.T) {
	info := NexusInfo{Children: []ChildRecord{{URI: "c1", Healthy: true}, {URI: "c2", Healthy: false}}}
	pred := NeverUnhealthyLastChild("c1", false)
	assert.False(t, pred(info))
}

func TestNeverUnhealthyLastChild_AllowsWhenAnotherHealthyRemains(t *testing.T) {
	info := NexusInfo{Children: []ChildRecord{{URI: "c1", Healthy: true}, {URI: "c2", Healthy: true}}}
	pred := NeverUnhealthyLastChild("c1", false)
	assert.True(t, pred(info))
}

func TestNeverUnhealthyLastChild_AllowsMarkingHealthy(t *testing.T) {
	info := NexusInfo{Children: []ChildRecord{{URI: "c1", Healthy: false}}}
	pred := NeverUnhealthyLastChild("c1", true)
	assert.True(t, pred(info))
}
