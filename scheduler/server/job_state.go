package server

import (
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

var nilTime = time.Time{}

// jobState contains all the scheduler-side information for a job in
// progress. Only the scheduling loop touches it.
type jobState struct {
	Job            *domain.Job
	Tasks          []*taskState
	byID           map[string]*taskState
	TasksCompleted int // tasks in a terminal state (Completed/Failed/Skipped)
	TasksRunning   int // tasks currently Assigned or Running
	JobKilled      bool
	TimeCreated    time.Time
	EndingPersist  bool // a terminal persist is in flight

	// Set by the priority engine each cycle.
	Slack  time.Duration
	Score  float64
	AtRisk bool

	// Latched once slack first goes negative, for the DeadlineMiss signal.
	DeadlineMissed bool

	Failure *domain.FailureReport
}

// taskState contains all the information for one task.
type taskState struct {
	JobId         string
	TaskId        string
	Def           domain.TaskDefinition
	Status        domain.TaskStatus
	NumTimesTried int
	TimeStarted   time.Time
	LastHeartbeat time.Time
	Progress      float64
	PreviewRef    string
	AssignedNode  cluster.NodeId
	LastErr       string
	History       []domain.AttemptRecord

	// Earliest time the next attempt may be dispatched; set from the
	// retry backoff after a transient failure.
	NextAttemptAt time.Time
	retryBackoff  backoff.BackOff

	// Cooperative cancellation: consulted at dispatch time and when
	// processing heartbeats.
	CancelRequested bool
}

func newJobState(job *domain.Job, defaultBackoffBase time.Duration) *jobState {
	js := &jobState{
		Job:         job,
		byID:        map[string]*taskState{},
		TimeCreated: time.Now(),
	}
	for _, def := range job.Def.Tasks {
		base := job.Def.RetryPolicy.BackoffBase
		if base <= 0 {
			base = defaultBackoffBase
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = base
		b.MaxElapsedTime = 0 // retries are bounded by attempts, not time
		ts := &taskState{
			JobId:        job.ID,
			TaskId:       def.TaskID,
			Def:          def,
			Status:       domain.TaskPending,
			TimeStarted:  nilTime,
			retryBackoff: b,
		}
		js.Tasks = append(js.Tasks, ts)
		js.byID[def.TaskID] = ts
	}
	return js
}

func (j *jobState) getTask(taskId string) *taskState {
	return j.byID[taskId]
}

// depsCompleted reports whether every dependency of the task is Completed.
func (j *jobState) depsCompleted(ts *taskState) bool {
	for _, dep := range ts.Def.Deps {
		d := j.byID[dep]
		if d == nil || d.Status != domain.TaskCompleted {
			return false
		}
	}
	return true
}

// readyTasks promotes Pending/Preempted tasks whose dependencies resolved to
// Queued and returns all Queued tasks whose retry backoff has elapsed.
func (j *jobState) readyTasks(now time.Time) []*taskState {
	if j.JobKilled {
		return nil
	}
	var ready []*taskState
	for _, ts := range j.Tasks {
		if ts.CancelRequested {
			continue
		}
		switch ts.Status {
		case domain.TaskPending, domain.TaskPreempted:
			if j.depsCompleted(ts) {
				ts.Status = domain.TaskQueued
			}
		}
		if ts.Status == domain.TaskQueued && !now.Before(ts.NextAttemptAt) {
			ready = append(ready, ts)
		}
	}
	return ready
}

// taskAssigned moves a Queued task to Assigned on the given node and charges
// an attempt.
func (j *jobState) taskAssigned(ts *taskState, nodeId cluster.NodeId, now time.Time) {
	ts.Status = domain.TaskAssigned
	ts.AssignedNode = nodeId
	ts.TimeStarted = now
	ts.LastHeartbeat = now
	ts.NumTimesTried++
	ts.History = append(ts.History, domain.AttemptRecord{
		Attempt: ts.NumTimesTried,
		NodeID:  nodeId,
		Started: now,
	})
	j.TasksRunning++
}

// taskRunning records the dispatch ack; heartbeats may also promote the task.
func (j *jobState) taskRunning(ts *taskState) {
	if ts.Status == domain.TaskAssigned {
		ts.Status = domain.TaskRunning
	}
}

// taskCompleted finishes a task successfully and returns whether the whole
// job just completed.
func (j *jobState) taskCompleted(ts *taskState) {
	if ts.Status == domain.TaskAssigned || ts.Status == domain.TaskRunning {
		j.TasksRunning--
	}
	ts.Status = domain.TaskCompleted
	ts.Progress = 1.0
	ts.AssignedNode = ""
	j.TasksCompleted++
}

// errorRunningTask requeues a task after a transient failure. Preempted
// tasks don't get charged the attempt; preemption is the scheduler's doing,
// not the task's.
func (j *jobState) errorRunningTask(ts *taskState, err error, preempted bool) {
	if ts.Status == domain.TaskAssigned || ts.Status == domain.TaskRunning {
		j.TasksRunning--
	}
	if len(ts.History) > 0 && err != nil {
		ts.History[len(ts.History)-1].Err = err.Error()
	}
	if err != nil {
		ts.LastErr = err.Error()
	}
	ts.AssignedNode = ""
	ts.TimeStarted = nilTime
	ts.Progress = 0
	if preempted {
		ts.NumTimesTried--
		ts.Status = domain.TaskPreempted
		ts.NextAttemptAt = nilTime
		return
	}
	ts.Status = domain.TaskQueued
	ts.NextAttemptAt = time.Now().Add(ts.retryBackoff.NextBackOff())
}

// failTask marks a task permanently Failed, cascade-Skips every transitive
// dependent, and records the structured failure report. Returns the skipped
// task ids.
func (j *jobState) failTask(ts *taskState, err error) []string {
	if ts.Status == domain.TaskAssigned || ts.Status == domain.TaskRunning {
		j.TasksRunning--
	}
	ts.Status = domain.TaskFailed
	if err != nil {
		ts.LastErr = err.Error()
		if len(ts.History) > 0 {
			ts.History[len(ts.History)-1].Err = err.Error()
		}
	}
	ts.AssignedNode = ""
	j.TasksCompleted++

	skipped := domain.TransitiveDependents(j.Job.Def.Tasks, ts.TaskId)
	for _, id := range skipped {
		dep := j.byID[id]
		if dep.Status.Terminal() {
			continue
		}
		if dep.Status == domain.TaskAssigned || dep.Status == domain.TaskRunning {
			j.TasksRunning--
		}
		dep.Status = domain.TaskSkipped
		j.TasksCompleted++
	}

	j.Failure = &domain.FailureReport{
		JobID:          j.Job.ID,
		FailedTaskID:   ts.TaskId,
		LastError:      ts.LastErr,
		AttemptHistory: ts.History,
		SkippedTasks:   skipped,
	}
	log.WithFields(log.Fields{
		"jobID":   j.Job.ID,
		"taskID":  ts.TaskId,
		"tenant":  j.Job.Def.TenantID,
		"err":     ts.LastErr,
		"skipped": len(skipped),
	}).Error("Task failed permanently, cascading skip to dependents")
	return skipped
}

// killTasks cancels all non-terminal tasks and returns the ones that were on
// a node (so the caller can send idempotent cancels).
func (j *jobState) killTasks() []*taskState {
	var onNodes []*taskState
	for _, ts := range j.Tasks {
		if ts.Status.Terminal() {
			continue
		}
		ts.CancelRequested = true
		if ts.Status == domain.TaskAssigned || ts.Status == domain.TaskRunning {
			j.TasksRunning--
			onNodes = append(onNodes, ts)
		}
		ts.Status = domain.TaskSkipped
		j.TasksCompleted++
	}
	j.JobKilled = true
	return onNodes
}

// getJobStatus derives the job status from its tasks.
func (j *jobState) getJobStatus() domain.JobStatus {
	if j.JobKilled {
		return domain.JobCancelled
	}
	if j.TasksCompleted == len(j.Tasks) {
		for _, ts := range j.Tasks {
			if ts.Status != domain.TaskCompleted {
				return domain.JobFailed
			}
		}
		return domain.JobCompleted
	}
	if j.TasksRunning > 0 {
		return domain.JobRunning
	}
	return domain.JobPending
}
