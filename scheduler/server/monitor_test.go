package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/scheduler/domain"
)

// monitorFixture is a debug scheduler with a single muted agent, so the test
// controls every heartbeat by hand.
func monitorFixture(t *testing.T) (*statefulScheduler, string) {
	t.Helper()
	deps := getDefaultSchedDeps()
	deps.initialNodes = deps.initialNodes[:1]
	// Heartbeats are injected by hand below; a generous interval keeps the
	// in-step timeout check from firing while the fixture spins up.
	deps.config.HeartbeatInterval = time.Second
	s := makeStatefulSchedulerDeps(deps)
	deps.farm.Agent("node1").MuteTask("t1", 99)

	jobId, err := s.ScheduleJob(simpleJobDef("anim", simpleTask("t1")))
	require.NoError(t, err)
	stepUntil(t, s, 5*time.Second, "task dispatched", func() bool {
		js := s.getJob(jobId)
		return js != nil && js.TasksRunning == 1
	})
	return s, jobId
}

func Test_Monitor_ProgressAndPreviewUpdates(t *testing.T) {
	s, jobId := monitorFixture(t)
	ts := s.getJob(jobId).getTask("t1")

	s.monitor.processHeartbeat(s, agent.Heartbeat{
		JobID: jobId, TaskID: "t1", Progress: 0.25, PreviewRef: "preview://node1/t1@0.25",
	})
	assert.Equal(t, domain.TaskRunning, ts.Status)
	assert.Equal(t, 0.25, ts.Progress)
	assert.Equal(t, "preview://node1/t1@0.25", ts.PreviewRef)

	ref, ok := s.monitor.previewRef(jobId, "t1")
	require.True(t, ok)
	assert.Equal(t, "preview://node1/t1@0.25", ref)
}

// Re-delivered heartbeats refresh liveness and previews but never move
// progress backwards or double-apply transitions.
func Test_Monitor_DuplicateHeartbeatsIdempotent(t *testing.T) {
	s, jobId := monitorFixture(t)
	ts := s.getJob(jobId).getTask("t1")

	hb := agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 0.5}
	s.monitor.processHeartbeat(s, hb)
	s.monitor.processHeartbeat(s, hb)
	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 0.25})

	assert.Equal(t, 0.5, ts.Progress, "progress never moves backwards")
	assert.Equal(t, 1, ts.NumTimesTried)

	// A duplicate completion after the task finished is dropped.
	done := agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 1.0}
	s.monitor.processHeartbeat(s, done)
	require.Equal(t, domain.TaskCompleted, ts.Status)
	completed := s.getJob(jobId).TasksCompleted
	s.monitor.processHeartbeat(s, done)
	assert.Equal(t, completed, s.getJob(jobId).TasksCompleted)
}

func Test_Monitor_ExecutionErrorConsumesAttempt(t *testing.T) {
	s, jobId := monitorFixture(t)
	ts := s.getJob(jobId).getTask("t1")

	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Err: "out of vram"})
	assert.Equal(t, domain.TaskQueued, ts.Status)
	assert.Equal(t, "execution failed: out of vram", ts.LastErr)
	assert.True(t, s.clusterState.getNode("node1").idle(), "reservation released")
}

// A heartbeat racing a cancellation must not resurrect the task's progress.
func Test_Monitor_HeartbeatAfterCancelDropped(t *testing.T) {
	s, jobId := monitorFixture(t)
	ts := s.getJob(jobId).getTask("t1")

	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 0.25})
	ts.CancelRequested = true

	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 0.75})
	assert.Equal(t, 0.25, ts.Progress)
	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 1.0})
	assert.NotEqual(t, domain.TaskCompleted, ts.Status)
}

func Test_Monitor_HeartbeatForUnknownJobDropped(t *testing.T) {
	s, _ := monitorFixture(t)
	// Must not panic or alter state.
	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: "nope", TaskID: "t1", Progress: 0.5})
	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: "", TaskID: "", Progress: 1.0})
}

func Test_Monitor_TimeoutAfterMissedHeartbeats(t *testing.T) {
	s, jobId := monitorFixture(t)
	ts := s.getJob(jobId).getTask("t1")

	// Fresh heartbeat: no timeout.
	s.monitor.processHeartbeat(s, agent.Heartbeat{JobID: jobId, TaskID: "t1", Progress: 0.5})
	s.monitor.checkTimeouts(s, time.Now())
	assert.Equal(t, domain.TaskRunning, ts.Status)

	// Three intervals of silence: presumed lost and requeued.
	s.monitor.checkTimeouts(s, time.Now().Add(s.monitor.timeout()+time.Second))
	assert.Equal(t, domain.TaskQueued, ts.Status)
	assert.Equal(t, 0.0, ts.Progress)
	assert.Equal(t, 1, ts.NumTimesTried, "timeout consumes the attempt")
}
