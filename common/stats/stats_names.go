package stats

/*
This file defines all the metrics collected by the scheduler. As new metrics
are added please follow this pattern.
*/

const (
	/************************* Scheduler metrics **************************/

	// Number of job submission requests received (accepted or not).
	SchedJobRequestsCounter = "jobRequestsCounter"

	// Number of job submissions accepted.
	SchedJobsCounter = "jobsCounter"

	// Number of jobs rejected as infeasible.
	SchedRejectedJobsCounter = "rejectedJobsCounter"

	// Latency of one scheduler step.
	SchedStepLatency_ms = "stepLatency_ms"

	// Number of tasks dispatched to agents.
	SchedDispatchedTasksCounter = "dispatchedTasksCounter"

	// Number of dispatches that failed transiently and were requeued.
	SchedDispatchRetriesCounter = "dispatchRetriesCounter"

	// Number of tasks that exhausted retries and failed permanently.
	SchedFailedTasksCounter = "failedTasksCounter"

	// Number of tasks completed successfully.
	SchedCompletedTasksCounter = "completedTasksCounter"

	// Number of tasks preempted for at-risk jobs.
	SchedPreemptedTasksCounter = "preemptedTasksCounter"

	// Number of jobs currently tracked by the scheduler.
	SchedInProgressJobsGauge = "inProgressJobsGauge"

	// Number of jobs whose slack is currently negative.
	SchedAtRiskJobsGauge = "atRiskJobsGauge"

	// Number of jobs that ran past their deadline.
	SchedDeadlineMissesCounter = "deadlineMissesCounter"

	// Number of tasks currently running on agents.
	SchedRunningTasksGauge = "runningTasksGauge"

	// Number of tasks waiting for a node.
	SchedQueuedTasksGauge = "queuedTasksGauge"

	/************************* Monitor metrics **************************/

	// Number of heartbeats consumed.
	MonitorHeartbeatsCounter = "heartbeatsCounter"

	// Number of heartbeat timeouts detected.
	MonitorTimeoutsCounter = "timeoutsCounter"

	/************************* Allocator metrics **************************/

	// 1 while the allocator is in degraded (oversubscribed floors) mode.
	AllocDegradedGauge = "degradedGauge"

	/************************* Cluster metrics **************************/

	// Number of nodes in the Active power state.
	ClusterActiveNodes = "activeNodes"

	// Number of nodes powered down by the rebalancer.
	ClusterPoweredDownNodes = "poweredDownNodes"

	// Number of nodes currently running at least one task.
	ClusterBusyNodes = "busyNodes"

	/************************* Rebalancer metrics **************************/

	// Number of nodes powered down over the process lifetime.
	RebalancerPowerDownCounter = "powerDownCounter"

	// Estimated power-cost weight saved by current power-downs.
	RebalancerCostSavingsGauge = "costSavingsGauge"
)
