// Package server implements the scheduling loop: a single-writer event loop
// that owns all job, task and cluster state. External calls funnel in over
// channels; side effects (dispatches, cancels, persistence) run in async
// goroutines whose callbacks re-enter the loop.
package server

import (
	"time"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/scheduler/domain"
)

// Scheduler is the submission and query surface. All methods are safe to call
// from any goroutine.
type Scheduler interface {
	// ScheduleJob validates and durably accepts a job, returning its id.
	// Infeasible definitions are rejected synchronously.
	ScheduleJob(jobDef domain.JobDefinition) (string, error)

	// KillJob cancels a job: running tasks get cancelled on their nodes,
	// everything else is skipped.
	KillJob(jobId string) error

	// GetJobStatus reports per-task state, slack and previews. Archived jobs
	// are answered from the store.
	GetJobStatus(jobId string) (*domain.JobStatusView, error)

	// ListAtRiskJobs returns ids of jobs whose slack is negative.
	ListAtRiskJobs() ([]string, error)

	// UpdateDeadline moves a job's deadline; priorities adjust next cycle.
	UpdateDeadline(jobId string, deadline time.Time) error

	// SetTenantQuota installs or replaces a tenant's guaranteed floor and
	// burst ceiling.
	SetTenantQuota(quota domain.TenantQuota) error

	// RegisterHook adds a lifecycle hook invoked on dispatch, completion and
	// failure. Hook errors are logged and never affect scheduling.
	RegisterHook(name string, fn HookFn)

	// HeartbeatSink returns the sink agents push heartbeats into.
	HeartbeatSink() agent.HeartbeatSink
}
