package server

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/scheduler/domain"
)

const previewCacheSize = 50000

// executionMonitor ingests agent heartbeats and watches for agents that went
// quiet. A task with no heartbeat for timeoutMult intervals is presumed lost
// and requeued under the job's retry policy. Preview refs are retained in an
// LRU so clients can fetch the last known preview even after a job archives.
type executionMonitor struct {
	heartbeatInterval time.Duration
	timeoutMult       int
	previews          *lru.Cache
	stat              stats.StatsReceiver
}

func newExecutionMonitor(heartbeatInterval time.Duration, timeoutMult int, stat stats.StatsReceiver) *executionMonitor {
	previews, _ := lru.New(previewCacheSize)
	return &executionMonitor{
		heartbeatInterval: heartbeatInterval,
		timeoutMult:       timeoutMult,
		previews:          previews,
		stat:              stat,
	}
}

func (m *executionMonitor) timeout() time.Duration {
	return m.heartbeatInterval * time.Duration(m.timeoutMult)
}

func (m *executionMonitor) previewRef(jobID, taskID string) (string, bool) {
	if v, ok := m.previews.Get(taskKey(jobID, taskID)); ok {
		return v.(string), true
	}
	return "", false
}

// processHeartbeat folds one heartbeat into scheduler state. Runs inside the
// scheduling loop.
func (m *executionMonitor) processHeartbeat(s *statefulScheduler, hb agent.Heartbeat) {
	m.stat.Counter(stats.MonitorHeartbeatsCounter).Inc(1)

	js := s.getJob(hb.JobID)
	if js == nil {
		log.WithFields(log.Fields{"jobID": hb.JobID, "taskID": hb.TaskID}).
			Debug("Heartbeat for unknown or archived job, dropping")
		return
	}
	ts := js.getTask(hb.TaskID)
	if ts == nil {
		log.WithFields(log.Fields{"jobID": hb.JobID, "taskID": hb.TaskID}).
			Warn("Heartbeat for unknown task, dropping")
		return
	}
	if ts.CancelRequested || ts.Status.Terminal() || ts.Status == domain.TaskPreempted {
		// Late heartbeat from a cancelled, finished or preempted attempt.
		return
	}
	if ts.Status != domain.TaskAssigned && ts.Status != domain.TaskRunning {
		log.WithFields(log.Fields{
			"jobID":  hb.JobID,
			"taskID": hb.TaskID,
			"status": ts.Status.String(),
		}).Debug("Heartbeat for task not on a node, dropping")
		return
	}

	now := time.Now()
	ts.LastHeartbeat = now
	js.taskRunning(ts)
	if hb.PreviewRef != "" {
		ts.PreviewRef = hb.PreviewRef
		m.previews.Add(taskKey(hb.JobID, hb.TaskID), hb.PreviewRef)
	}

	if hb.Err != "" {
		m.handleTaskFailure(s, js, ts, errors.Errorf("execution failed: %s", hb.Err))
		return
	}

	if hb.Progress >= 1.0 {
		s.completeTask(js, ts)
		return
	}

	// Duplicate or out-of-order progress only refreshes liveness.
	if hb.Progress > ts.Progress {
		ts.Progress = hb.Progress
	}
}

// checkTimeouts requeues tasks whose agents stopped heartbeating.
func (m *executionMonitor) checkTimeouts(s *statefulScheduler, now time.Time) {
	timeout := m.timeout()
	for _, js := range s.inProgressJobs {
		for _, ts := range js.Tasks {
			if ts.Status != domain.TaskAssigned && ts.Status != domain.TaskRunning {
				continue
			}
			last := ts.LastHeartbeat
			if last.Before(ts.TimeStarted) {
				last = ts.TimeStarted
			}
			if now.Sub(last) <= timeout {
				continue
			}
			m.stat.Counter(stats.MonitorTimeoutsCounter).Inc(1)
			log.WithFields(log.Fields{
				"jobID":   js.Job.ID,
				"taskID":  ts.TaskId,
				"node":    ts.AssignedNode,
				"elapsed": now.Sub(last).String(),
			}).Warn("Task heartbeat timed out, presuming lost")
			// The node may still be running the task; cancel is idempotent.
			s.cancelOnNode(ts.AssignedNode, ts.TaskId)
			m.handleTaskFailure(s, js, ts,
				errors.Errorf("no heartbeat from %s for %s", ts.AssignedNode, now.Sub(last)))
		}
	}
}

// handleTaskFailure requeues a failed attempt or, once attempts are
// exhausted, fails the task permanently and cascades.
func (m *executionMonitor) handleTaskFailure(s *statefulScheduler, js *jobState, ts *taskState, cause error) {
	s.clusterState.taskFinished(ts.AssignedNode, taskKey(js.Job.ID, ts.TaskId))

	maxAttempts := js.Job.Def.RetryPolicy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.config.MaxAttemptsPerTask
	}

	if ts.NumTimesTried < maxAttempts {
		m.stat.Counter(stats.SchedDispatchRetriesCounter).Inc(1)
		log.WithFields(log.Fields{
			"jobID":   js.Job.ID,
			"taskID":  ts.TaskId,
			"attempt": ts.NumTimesTried,
			"max":     maxAttempts,
		}).WithError(cause).Info("Task attempt failed, requeueing")
		js.errorRunningTask(ts, cause, false)
		return
	}

	m.stat.Counter(stats.SchedFailedTasksCounter).Inc(1)
	node := ts.AssignedNode
	js.failTask(ts, cause)
	s.hooks.invoke(EventFail, HookContext{
		JobID:    js.Job.ID,
		TaskID:   ts.TaskId,
		TenantID: js.Job.Def.TenantID,
		Node:     node,
		Err:      cause.Error(),
	})
	s.persistFailureReport(js)
}
