// Package domain provides definitions for Helix jobs and tasks.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/helixfarm/helix/cluster"
)

// JobStatus for a whole job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	asString := [5]string{"Pending", "Running", "Completed", "Failed", "Cancelled"}
	return asString[s]
}

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// TaskStatus for a single task within a job.
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskQueued
	TaskAssigned
	TaskRunning
	TaskCompleted
	TaskFailed
	TaskSkipped
	TaskPreempted
)

func (s TaskStatus) String() string {
	asString := [8]string{"Pending", "Queued", "Assigned", "Running", "Completed", "Failed", "Skipped", "Preempted"}
	return asString[s]
}

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// RetryPolicy governs requeues after transient dispatch failures and
// heartbeat loss.
type RetryPolicy struct {
	// Total attempts allowed, including the first. Zero means use the
	// scheduler default.
	MaxAttempts int `json:"maxAttempts"`

	// Base delay for exponential backoff between attempts.
	BackoffBase time.Duration `json:"backoffBase"`
}

// TaskDefinition is one unit of work within a job's DAG.
type TaskDefinition struct {
	TaskID       string                 `json:"taskId"`
	Deps         []string               `json:"deps,omitempty"`
	RequiredCaps cluster.CapabilitySet  `json:"requiredCaps,omitempty"`
	Resources    cluster.ResourceVector `json:"resources"`
	EstDuration  time.Duration          `json:"estDuration"`
}

// JobDefinition is the definition the client sent us.
type JobDefinition struct {
	TenantID     string           `json:"tenantId"`
	Tasks        []TaskDefinition `json:"tasks"`
	Deadline     time.Time        `json:"deadline"`
	PriorityHint int              `json:"priorityHint"`
	RetryPolicy  RetryPolicy      `json:"retryPolicy"`
	Tag          string           `json:"tag,omitempty"`
}

func (jd *JobDefinition) String() string {
	return fmt.Sprintf("tenant:%s, tag:%s, deadline:%s, hint:%d, tasks:%d",
		jd.TenantID, jd.Tag, jd.Deadline.Format(time.RFC3339), jd.PriorityHint, len(jd.Tasks))
}

// Job is a job Helix can schedule.
type Job struct {
	ID          string        `json:"id"`
	Def         JobDefinition `json:"def"`
	Status      JobStatus     `json:"status"`
	SubmittedAt time.Time     `json:"submittedAt"`
}

// Serialize Job to a binary slice for the Store.
func (j *Job) Serialize() ([]byte, error) {
	return json.Marshal(j)
}

// DeserializeJob turns a stored binary slice back into a Job.
func DeserializeJob(input []byte) (*Job, error) {
	job := &Job{}
	if err := json.Unmarshal(input, job); err != nil {
		return nil, err
	}
	return job, nil
}

// TenantQuota is a tenant's guaranteed floor and burst ceiling.
type TenantQuota struct {
	TenantID      string                 `json:"tenantId" yaml:"tenantId"`
	MinGuaranteed cluster.ResourceVector `json:"minGuaranteed" yaml:"minGuaranteed"`
	MaxBurst      cluster.ResourceVector `json:"maxBurst" yaml:"maxBurst"`
}

// Assignment binds a task to a node.
type Assignment struct {
	TaskID     string         `json:"taskId"`
	NodeID     cluster.NodeId `json:"nodeId"`
	StartTime  time.Time      `json:"startTime"`
	Progress   float64        `json:"progress"`
	PreviewRef string         `json:"previewRef,omitempty"`
}

// AttemptRecord is one entry in a task's attempt history.
type AttemptRecord struct {
	Attempt int            `json:"attempt"`
	NodeID  cluster.NodeId `json:"nodeId"`
	Started time.Time      `json:"started"`
	Err     string         `json:"err,omitempty"`
}

// FailureReport is retained when a task exhausts its retries and the failure
// cascades through the job.
type FailureReport struct {
	JobID          string          `json:"jobId"`
	FailedTaskID   string          `json:"failedTaskId"`
	LastError      string          `json:"lastError"`
	AttemptHistory []AttemptRecord `json:"attemptHistory"`
	SkippedTasks   []string        `json:"skippedTasks"`
}

func (r *FailureReport) Serialize() ([]byte, error) {
	return json.Marshal(r)
}

func DeserializeFailureReport(input []byte) (*FailureReport, error) {
	fr := &FailureReport{}
	if err := json.Unmarshal(input, fr); err != nil {
		return nil, err
	}
	return fr, nil
}

// TaskStatusView is the per-task slice of a job status query.
type TaskStatusView struct {
	TaskID     string         `json:"taskId"`
	Status     TaskStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	NodeID     cluster.NodeId `json:"nodeId,omitempty"`
	Progress   float64        `json:"progress"`
	PreviewRef string         `json:"previewRef,omitempty"`
}

// JobStatusView answers a get_status query. Previews are exposed without
// blocking on task completion.
type JobStatusView struct {
	JobID  string        `json:"jobId"`
	Status JobStatus     `json:"status"`
	AtRisk bool          `json:"atRisk"`
	Slack  time.Duration `json:"slack"`

	// True once the deadline passed with work outstanding. A signal only;
	// the job keeps running.
	DeadlineMissed bool             `json:"deadlineMissed"`
	Tasks          []TaskStatusView `json:"tasks"`
	Failure        *FailureReport   `json:"failure,omitempty"`
}
