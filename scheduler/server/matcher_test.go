package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

func testNode(id string, caps cluster.CapabilitySet, capacity cluster.ResourceVector, cost float64) *nodeState {
	return newNodeState(cluster.NewNode(id, "", caps, capacity, cost))
}

func Test_Matcher_FiltersOnCapabilities(t *testing.T) {
	def := simpleTask("sim")
	def.RequiredCaps = cluster.NewCapabilitySet("gpu-fluid-sim")

	nodes := []*nodeState{
		testNode("cpu1", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 64, MemoryGB: 256}, 1),
		testNode("gpu1", cluster.NewCapabilitySet("gpu-fluid-sim"), cluster.ResourceVector{CPUCores: 8, MemoryGB: 16}, 1),
	}

	ns, err := matchNode(def, nodes, false)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("gpu1"), ns.node.Id())
}

func Test_Matcher_NoEligibleNode(t *testing.T) {
	def := simpleTask("sim")
	def.RequiredCaps = cluster.NewCapabilitySet("gpu-fluid-sim")

	nodes := []*nodeState{
		testNode("cpu1", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 64, MemoryGB: 256}, 1),
	}
	_, err := matchNode(def, nodes, false)
	assert.Equal(t, domain.ErrNoEligibleNode, err)
}

func Test_Matcher_RespectsResidualCapacity(t *testing.T) {
	def := simpleTask("big")
	def.Resources = cluster.ResourceVector{CPUCores: 4, MemoryGB: 8}

	full := testNode("full", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1)
	full.assigned["j/other"] = cluster.ResourceVector{CPUCores: 6, MemoryGB: 8}
	full.used = cluster.ResourceVector{CPUCores: 6, MemoryGB: 8}
	free := testNode("free", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1)

	ns, err := matchNode(def, []*nodeState{full, free}, false)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("free"), ns.node.Id())
}

// Generic work avoids specialists: with equal fit, a node advertising no
// extra capabilities wins over one with an unused specialization.
func Test_Matcher_SparesSpecialists(t *testing.T) {
	def := simpleTask("generic")

	cap8 := cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}
	gpu := testNode("gpu1", cluster.NewCapabilitySet("gpu-render"), cap8, 1)
	plain := testNode("cpu1", cluster.CapabilitySet{}, cap8, 1)

	ns, err := matchNode(def, []*nodeState{gpu, plain}, false)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("cpu1"), ns.node.Id())
}

// Best fit: the smaller residual after placement wins, keeping big nodes free
// for big tasks.
func Test_Matcher_BestFit(t *testing.T) {
	def := simpleTask("small")

	big := testNode("big", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 64, MemoryGB: 256}, 1)
	small := testNode("small", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 2, MemoryGB: 4}, 1)

	ns, err := matchNode(def, []*nodeState{big, small}, false)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("small"), ns.node.Id())
}

// In cost mode, equal candidates resolve toward the cheaper node.
func Test_Matcher_CostModeTieBreak(t *testing.T) {
	def := simpleTask("t")
	cap8 := cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}
	pricey := testNode("a-pricey", cluster.CapabilitySet{}, cap8, 5)
	cheap := testNode("b-cheap", cluster.CapabilitySet{}, cap8, 1)

	ns, err := matchNode(def, []*nodeState{pricey, cheap}, true)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("b-cheap"), ns.node.Id())

	// Without cost mode the id tie-break applies instead.
	ns, err = matchNode(def, []*nodeState{pricey, cheap}, false)
	require.NoError(t, err)
	assert.Equal(t, cluster.NodeId("a-pricey"), ns.node.Id())
}

func Test_Matcher_SkipsPoweredDownNodes(t *testing.T) {
	def := simpleTask("t")
	down := testNode("down", cluster.CapabilitySet{}, cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1)
	down.power = cluster.PowerDown

	_, err := matchNode(def, []*nodeState{down}, false)
	assert.Equal(t, domain.ErrNoEligibleNode, err)
}

// The matcher never places a task on a node missing capabilities or capacity,
// across random task/node combinations.
func Test_Matcher_PlacementAlwaysSafe(t *testing.T) {
	rng := domain.NewRand()
	for i := 0; i < 1000; i++ {
		def := domain.GenRandomTask(i, rng)

		var nodes []*nodeState
		for n := 0; n < 1+rng.Intn(8); n++ {
			nodes = append(nodes, testNode(
				string(rune('a'+n)),
				domain.GenRandomCapabilitySet(3, rng),
				domain.GenRandomResourceVector(rng).Scale(2),
				float64(1+rng.Intn(5))))
		}

		ns, err := matchNode(def, nodes, rng.Intn(2) == 0)
		if err != nil {
			continue
		}
		assert.True(t, ns.node.Capabilities().ContainsAll(def.RequiredCaps),
			"node %s missing caps for %v", ns.node.Id(), def.RequiredCaps)
		assert.True(t, def.Resources.Fits(ns.residual()),
			"task %v does not fit node %s residual %v", def.Resources, ns.node.Id(), ns.residual())
	}
}
