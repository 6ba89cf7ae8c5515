package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

// mixedFarmDeps builds a farm with one generic node n1, a gpu specialist gpu1,
// and two more generic nodes n3 and n4. Tasks take a minute, so anything
// dispatched stays running for the whole test.
func mixedFarmDeps() *schedulerDeps {
	deps := getDefaultSchedDeps()
	deps.initialNodes = []cluster.Node{
		cluster.NewNode("n1", "", cluster.CapabilitySet{},
			cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1),
		cluster.NewNode("gpu1", "", cluster.NewCapabilitySet("gpu-fluid-sim"),
			cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 2),
		cluster.NewNode("n3", "", cluster.CapabilitySet{},
			cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1),
		cluster.NewNode("n4", "", cluster.CapabilitySet{},
			cluster.ResourceVector{CPUCores: 8, MemoryGB: 32}, 1),
	}
	deps.farm = agent.NewFakeFarm(nil, time.Minute)
	deps.config.CostSavingMode = true
	deps.config.RebalanceInterval = time.Hour
	return deps
}

// forceRebalance runs the power passes now, ignoring the interval gate.
func forceRebalance(s *statefulScheduler) {
	s.rebalancer.lastRun = time.Time{}
	s.rebalancer.maybeRebalance(s, time.Now())
}

// A cold farm powers down its spare generic nodes, but keeps a specialist up
// while a waiting task can only ever run there.
func Test_Rebalancer_PowersDownIdleButSparesUniqueCapability(t *testing.T) {
	deps := mixedFarmDeps()
	s := makeStatefulSchedulerDeps(deps)

	prep := simpleTask("prep")
	prep.EstDuration = 5 * time.Minute
	finish := simpleTask("finish", "prep")
	finish.RequiredCaps = cluster.NewCapabilitySet("gpu-fluid-sim")
	finish.EstDuration = 5 * time.Minute
	def := simpleJobDef("anim", prep, finish)
	def.Deadline = time.Now().Add(2 * time.Hour)

	jobId, err := s.ScheduleJob(def)
	require.NoError(t, err)
	stepUntil(t, s, 5*time.Second, "prep running", func() bool {
		js := s.getJob(jobId)
		return js != nil && js.TasksRunning == 1
	})
	require.Equal(t, cluster.NodeId("n1"), s.getJob(jobId).getTask("prep").AssignedNode)

	forceRebalance(s)

	assert.Equal(t, cluster.PowerDown, s.clusterState.getNode("n3").power)
	assert.Equal(t, cluster.PowerDown, s.clusterState.getNode("n4").power)
	assert.Equal(t, cluster.PowerActive, s.clusterState.getNode("gpu1").power,
		"only node capable of the pending finish task stays up")
	assert.Equal(t, cluster.PowerActive, s.clusterState.getNode("n1").power,
		"busy node stays up")
}

// An at-risk job vetoes every power-down, even with the farm nearly idle.
func Test_Rebalancer_AtRiskJobBlocksPowerDown(t *testing.T) {
	deps := mixedFarmDeps()
	s := makeStatefulSchedulerDeps(deps)

	task := simpleTask("t1")
	task.EstDuration = 30 * time.Minute
	def := simpleJobDef("anim", task)
	def.Deadline = time.Now().Add(time.Minute)

	jobId, err := s.ScheduleJob(def)
	require.NoError(t, err)
	stepUntil(t, s, 5*time.Second, "task running", func() bool {
		js := s.getJob(jobId)
		return js != nil && js.TasksRunning == 1
	})
	require.True(t, s.getJob(jobId).AtRisk)

	forceRebalance(s)

	for _, id := range []cluster.NodeId{"n1", "gpu1", "n3", "n4"} {
		assert.Equal(t, cluster.PowerActive, s.clusterState.getNode(id).power,
			"node %s must stay up while a job is at risk", id)
	}
}

// Without cost saving mode idle nodes are never powered down.
func Test_Rebalancer_NoPowerDownWithoutCostMode(t *testing.T) {
	deps := mixedFarmDeps()
	deps.config.CostSavingMode = false
	s := makeStatefulSchedulerDeps(deps)

	forceRebalance(s)

	for _, id := range []cluster.NodeId{"n1", "gpu1", "n3", "n4"} {
		assert.Equal(t, cluster.PowerActive, s.clusterState.getNode(id).power)
	}
}

// A waiting task whose only capable node is powered down wakes that node, and
// the task then dispatches onto it.
func Test_Rebalancer_PowersUpForWaitingTask(t *testing.T) {
	deps := mixedFarmDeps()
	s := makeStatefulSchedulerDeps(deps)
	s.clusterState.setPower("gpu1", cluster.PowerDown)

	task := simpleTask("sim")
	task.RequiredCaps = cluster.NewCapabilitySet("gpu-fluid-sim")
	jobId, err := s.ScheduleJob(simpleJobDef("fx", task))
	require.NoError(t, err)

	// A few steps: no active node can take it, so it stays queued.
	for i := 0; i < 10; i++ {
		s.step()
	}
	require.Equal(t, 0, s.getJob(jobId).TasksRunning)

	forceRebalance(s)
	assert.Equal(t, cluster.PowerActive, s.clusterState.getNode("gpu1").power)

	stepUntil(t, s, 5*time.Second, "sim running on gpu1", func() bool {
		return s.getJob(jobId).getTask("sim").Status == domain.TaskRunning
	})
	assert.Equal(t, cluster.NodeId("gpu1"), s.getJob(jobId).getTask("sim").AssignedNode)
}

// A fully idle farm in cost mode goes dark except for one seed node, so a
// fresh job never has to wait out a rebalance interval for capacity.
func Test_Rebalancer_EmptyFarmKeepsOneSeedNode(t *testing.T) {
	deps := mixedFarmDeps()
	s := makeStatefulSchedulerDeps(deps)

	forceRebalance(s)

	var down int
	for _, ns := range s.clusterState.nodes {
		if ns.power == cluster.PowerDown {
			down++
		}
	}
	assert.Equal(t, 3, down)
	assert.Equal(t, cluster.PowerActive, s.clusterState.getNode("n4").power,
		"cheapest idle node is the last candidate and survives")
}
