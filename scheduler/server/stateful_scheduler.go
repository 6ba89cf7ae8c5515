package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/agent"
	"github.com/helixfarm/helix/async"
	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/scheduler/domain"
	"github.com/helixfarm/helix/store"
)

// SchedulerConfig tunes the scheduling loop.
type SchedulerConfig struct {
	// Max attempts per task when the job's RetryPolicy doesn't say.
	MaxAttemptsPerTask int

	// Base delay for retry backoff when the job's RetryPolicy doesn't say.
	RetryBackoffBase time.Duration

	// DebugMode skips the loop goroutine; tests drive the loop by calling
	// step() directly.
	DebugMode bool

	// RecoverJobsOnStartup re-adds non-terminal jobs found in the store.
	RecoverJobsOnStartup bool

	// How often the loop wakes even with nothing inbound.
	TickInterval time.Duration

	// Expected agent heartbeat cadence; a task missing heartbeats for
	// HeartbeatTimeoutMult intervals is presumed lost.
	HeartbeatInterval    time.Duration
	HeartbeatTimeoutMult int

	// How long a dispatch may wait for the agent's ack.
	DispatchAckTimeout time.Duration

	// Minimum time between preemptions on the same node.
	PreemptionCooldown time.Duration

	// Score clamp for jobs past their deadline, in slack seconds.
	AtRiskCeiling float64

	// Rebalancer cadence and the utilization below which idle nodes may be
	// powered down.
	RebalanceInterval       time.Duration
	UtilizationLowWatermark float64

	// CostSavingMode enables power-downs and cost-aware node ranking.
	CostSavingMode bool

	// Concurrent job cap per tenant; zero means unlimited.
	MaxJobsPerTenant int
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxAttemptsPerTask:      3,
		RetryBackoffBase:        time.Second,
		TickInterval:            250 * time.Millisecond,
		HeartbeatInterval:       5 * time.Second,
		HeartbeatTimeoutMult:    3,
		DispatchAckTimeout:      10 * time.Second,
		PreemptionCooldown:      time.Minute,
		AtRiskCeiling:           3600,
		RebalanceInterval:       5 * time.Minute,
		UtilizationLowWatermark: 0.3,
		MaxJobsPerTenant:        1000,
	}
}

type jobAddedMsg struct {
	job *domain.Job
}

type jobKillRequest struct {
	jobId      string
	responseCh chan error
}

type deadlineUpdateReq struct {
	jobId      string
	deadline   time.Time
	responseCh chan error
}

type quotaUpdateReq struct {
	quota      domain.TenantQuota
	responseCh chan error
}

type nodeCtlReq struct {
	updates []cluster.NodeUpdate
}

type statusResult struct {
	view *domain.JobStatusView
	err  error
}

type statusQuery struct {
	jobId      string
	responseCh chan statusResult
}

type atRiskQuery struct {
	responseCh chan []string
}

// statefulScheduler is the single-writer loop owning all scheduling state.
type statefulScheduler struct {
	config       SchedulerConfig
	registry     *cluster.Registry
	agentFactory agent.Factory
	asyncRunner  *async.Runner
	store        store.Store
	stat         stats.StatsReceiver
	hooks        *hookRegistry

	clusterState *clusterState
	priorities   *priorityEngine
	monitor      *executionMonitor
	rebalancer   *rebalancer

	inProgressJobs []*jobState
	jobsByID       map[string]*jobState
	quotas         map[string]domain.TenantQuota
	alloc          *allocation

	agents map[cluster.NodeId]agent.Agent

	addJobCh    chan jobAddedMsg
	killJobCh   chan jobKillRequest
	heartbeatCh chan agent.Heartbeat
	controlCh   chan interface{}
	queryCh     chan interface{}

	// Tenant admission counts, touched by callers and the loop.
	mu           sync.Mutex
	tenantCounts map[string]int
}

var _ Scheduler = (*statefulScheduler)(nil)

// NewStatefulScheduler wires the loop to a registry, a store and an agent
// factory. Unless config.DebugMode is set, the loop goroutine starts
// immediately.
func NewStatefulScheduler(
	registry *cluster.Registry,
	st store.Store,
	agentFactory agent.Factory,
	config SchedulerConfig,
	stat stats.StatsReceiver,
) *statefulScheduler {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	s := &statefulScheduler{
		config:       config,
		registry:     registry,
		agentFactory: agentFactory,
		asyncRunner:  async.NewRunner(),
		store:        st,
		stat:         stat,
		hooks:        &hookRegistry{},

		clusterState: newClusterState(registry.Subscribe(), registry.Snapshot(), stat.Scope("cluster")),
		priorities:   newPriorityEngine(config.AtRiskCeiling),
		monitor:      newExecutionMonitor(config.HeartbeatInterval, config.HeartbeatTimeoutMult, stat.Scope("monitor")),
		rebalancer:   newRebalancer(config.RebalanceInterval, config.UtilizationLowWatermark, config.CostSavingMode, stat.Scope("rebalancer")),

		jobsByID: map[string]*jobState{},
		quotas:   map[string]domain.TenantQuota{},
		agents:   map[cluster.NodeId]agent.Agent{},

		addJobCh:    make(chan jobAddedMsg, 100),
		killJobCh:   make(chan jobKillRequest, 10),
		heartbeatCh: make(chan agent.Heartbeat, 1000),
		controlCh:   make(chan interface{}, 10),
		queryCh:     make(chan interface{}, 10),

		tenantCounts: map[string]int{},
	}
	if config.RecoverJobsOnStartup {
		go s.recoverJobs()
	}
	if !config.DebugMode {
		go s.loop()
	}
	return s
}

func taskKey(jobID, taskID string) string {
	return jobID + "/" + taskID
}

func splitTaskKey(key string) (jobID, taskID string) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return key, ""
	}
	return parts[0], parts[1]
}

/********************************* API ************************************/

func (s *statefulScheduler) ScheduleJob(jobDef domain.JobDefinition) (string, error) {
	s.stat.Counter(stats.SchedJobRequestsCounter).Inc(1)
	log.WithFields(log.Fields{
		"tenant":   jobDef.TenantID,
		"tag":      jobDef.Tag,
		"numTasks": len(jobDef.Tasks),
		"deadline": jobDef.Deadline,
	}).Info("Job submission received")

	if err := domain.ValidateJob(jobDef, s.registry.Capacities()); err != nil {
		s.stat.Counter(stats.SchedRejectedJobsCounter).Inc(1)
		log.WithField("tenant", jobDef.TenantID).WithError(err).Info("Job rejected")
		return "", err
	}
	if err := s.admitTenant(jobDef.TenantID); err != nil {
		s.stat.Counter(stats.SchedRejectedJobsCounter).Inc(1)
		return "", err
	}

	job := &domain.Job{
		ID:          uuid.New().String(),
		Def:         jobDef,
		Status:      domain.JobPending,
		SubmittedAt: time.Now(),
	}

	// Durable before ack: a job we returned an id for survives a restart.
	data, err := serializeJobRecord(&jobRecord{Job: job})
	if err != nil {
		s.releaseTenant(jobDef.TenantID)
		return "", errors.Wrap(err, "serialize job")
	}
	if err := s.store.Put(store.JobKey(job.ID), data); err != nil {
		s.releaseTenant(jobDef.TenantID)
		s.stat.Counter(stats.SchedRejectedJobsCounter).Inc(1)
		return "", errors.Wrap(err, "persist job")
	}

	s.addJobCh <- jobAddedMsg{job: job}
	s.stat.Counter(stats.SchedJobsCounter).Inc(1)
	return job.ID, nil
}

func (s *statefulScheduler) KillJob(jobId string) error {
	req := jobKillRequest{jobId: jobId, responseCh: make(chan error, 1)}
	s.killJobCh <- req
	return <-req.responseCh
}

func (s *statefulScheduler) GetJobStatus(jobId string) (*domain.JobStatusView, error) {
	q := statusQuery{jobId: jobId, responseCh: make(chan statusResult, 1)}
	s.queryCh <- q
	res := <-q.responseCh
	if res.err == domain.ErrJobNotFound {
		return s.statusFromStore(jobId)
	}
	return res.view, res.err
}

func (s *statefulScheduler) ListAtRiskJobs() ([]string, error) {
	q := atRiskQuery{responseCh: make(chan []string, 1)}
	s.queryCh <- q
	return <-q.responseCh, nil
}

func (s *statefulScheduler) UpdateDeadline(jobId string, deadline time.Time) error {
	req := deadlineUpdateReq{jobId: jobId, deadline: deadline, responseCh: make(chan error, 1)}
	s.controlCh <- req
	return <-req.responseCh
}

func (s *statefulScheduler) SetTenantQuota(quota domain.TenantQuota) error {
	if quota.TenantID == "" {
		return domain.NewInfeasibleRequest("quota missing tenant id")
	}
	req := quotaUpdateReq{quota: quota, responseCh: make(chan error, 1)}
	s.controlCh <- req
	return <-req.responseCh
}

func (s *statefulScheduler) RegisterHook(name string, fn HookFn) {
	s.controlCh <- namedHook{name: name, fn: fn}
}

func (s *statefulScheduler) HeartbeatSink() agent.HeartbeatSink {
	return func(hb agent.Heartbeat) {
		s.heartbeatCh <- hb
	}
}

// OfflineNode removes a node from scheduling without forgetting it.
func (s *statefulScheduler) OfflineNode(id cluster.NodeId) {
	s.controlCh <- nodeCtlReq{updates: []cluster.NodeUpdate{cluster.NewUserInitiatedRemove(id)}}
}

// ReinstateNode returns a previously offlined node to scheduling.
func (s *statefulScheduler) ReinstateNode(id cluster.NodeId) {
	s.controlCh <- nodeCtlReq{updates: []cluster.NodeUpdate{cluster.NewUserInitiatedAdd(id)}}
}

func (s *statefulScheduler) admitTenant(tenantID string) error {
	if s.config.MaxJobsPerTenant <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenantCounts[tenantID] >= s.config.MaxJobsPerTenant {
		return domain.NewQuotaExhausted(tenantID, "at most %d concurrent jobs", s.config.MaxJobsPerTenant)
	}
	s.tenantCounts[tenantID]++
	return nil
}

func (s *statefulScheduler) releaseTenant(tenantID string) {
	if s.config.MaxJobsPerTenant <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenantCounts[tenantID] > 0 {
		s.tenantCounts[tenantID]--
	}
}

/********************************* Loop ***********************************/

func (s *statefulScheduler) loop() {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		s.step()
		// Wake on the tick or on the first inbound event, whichever is
		// sooner; step drains whatever else queued up meanwhile.
		select {
		case <-ticker.C:
		case msg := <-s.addJobCh:
			s.addJob(msg.job)
		case hb := <-s.heartbeatCh:
			s.monitor.processHeartbeat(s, hb)
		case req := <-s.killJobCh:
			s.handleKill(req)
		case msg := <-s.controlCh:
			s.handleControl(msg)
		case q := <-s.queryCh:
			s.handleQuery(q)
		}
	}
}

// step runs one full scheduling pass. Tests in DebugMode call this directly.
func (s *statefulScheduler) step() {
	defer s.stat.Latency(stats.SchedStepLatency_ms).Time().Stop()

	s.drainInbound()
	s.clusterState.updateCluster()
	s.asyncRunner.ProcessMessages()
	now := time.Now()
	s.monitor.checkTimeouts(s, now)
	s.checkForCompletedJobs()
	s.scheduleTasks(now)
	s.rebalancer.maybeRebalance(s, now)
	s.updateStats()
}

func (s *statefulScheduler) drainInbound() {
	for {
		select {
		case msg := <-s.addJobCh:
			s.addJob(msg.job)
		case hb := <-s.heartbeatCh:
			s.monitor.processHeartbeat(s, hb)
		case req := <-s.killJobCh:
			s.handleKill(req)
		case msg := <-s.controlCh:
			s.handleControl(msg)
		case q := <-s.queryCh:
			s.handleQuery(q)
		default:
			return
		}
	}
}

func (s *statefulScheduler) getJob(jobId string) *jobState {
	return s.jobsByID[jobId]
}

func (s *statefulScheduler) addJob(job *domain.Job) {
	if _, ok := s.jobsByID[job.ID]; ok {
		return
	}
	js := newJobState(job, s.config.RetryBackoffBase)
	s.inProgressJobs = append(s.inProgressJobs, js)
	s.jobsByID[job.ID] = js
	log.WithFields(log.Fields{
		"jobID":    job.ID,
		"tenant":   job.Def.TenantID,
		"numTasks": len(job.Def.Tasks),
	}).Info("Job added to scheduler")
}

// deleteJob forgets an archived job. Its record stays in the store and its
// previews stay in the monitor's cache.
func (s *statefulScheduler) deleteJob(jobId string) {
	js, ok := s.jobsByID[jobId]
	if !ok {
		return
	}
	delete(s.jobsByID, jobId)
	for i, j := range s.inProgressJobs {
		if j == js {
			s.inProgressJobs = append(s.inProgressJobs[:i], s.inProgressJobs[i+1:]...)
			break
		}
	}
	s.releaseTenant(js.Job.Def.TenantID)
}

func (s *statefulScheduler) handleKill(req jobKillRequest) {
	js := s.getJob(req.jobId)
	if js == nil {
		req.responseCh <- domain.ErrJobNotFound
		return
	}
	if js.JobKilled {
		req.responseCh <- nil
		return
	}
	log.WithField("jobID", req.jobId).Info("Killing job")
	for _, ts := range js.killTasks() {
		s.cancelOnNode(ts.AssignedNode, ts.TaskId)
		s.clusterState.taskFinished(ts.AssignedNode, taskKey(js.Job.ID, ts.TaskId))
		ts.AssignedNode = ""
	}
	req.responseCh <- nil
}

func (s *statefulScheduler) handleControl(msg interface{}) {
	switch req := msg.(type) {
	case deadlineUpdateReq:
		js := s.getJob(req.jobId)
		if js == nil {
			req.responseCh <- domain.ErrJobNotFound
			return
		}
		old := js.Job.Def.Deadline
		js.Job.Def.Deadline = req.deadline
		log.WithFields(log.Fields{
			"jobID": req.jobId,
			"from":  old,
			"to":    req.deadline,
		}).Info("Job deadline updated")
		s.persistJobRecord(js)
		req.responseCh <- nil
	case quotaUpdateReq:
		s.quotas[req.quota.TenantID] = req.quota
		log.WithFields(log.Fields{
			"tenant": req.quota.TenantID,
			"min":    req.quota.MinGuaranteed.String(),
			"burst":  req.quota.MaxBurst.String(),
		}).Info("Tenant quota updated")
		req.responseCh <- nil
	case nodeCtlReq:
		s.clusterState.apply(req.updates)
	case namedHook:
		s.hooks.register(req.name, req.fn)
	}
}

func (s *statefulScheduler) handleQuery(msg interface{}) {
	switch q := msg.(type) {
	case statusQuery:
		js := s.getJob(q.jobId)
		if js == nil {
			q.responseCh <- statusResult{err: domain.ErrJobNotFound}
			return
		}
		q.responseCh <- statusResult{view: buildStatusView(js, s.monitor)}
	case atRiskQuery:
		var ids []string
		for _, js := range s.inProgressJobs {
			if js.AtRisk {
				ids = append(ids, js.Job.ID)
			}
		}
		sort.Strings(ids)
		q.responseCh <- ids
	}
}

/****************************** Scheduling ********************************/

// scheduleTasks runs one assignment cycle: refresh priorities, carve tenant
// shares, then hand out ready tasks round-robin across tenants in priority
// order until nothing more fits.
func (s *statefulScheduler) scheduleTasks(now time.Time) {
	tenantJobs := map[string][]*jobState{}
	demand := map[string]cluster.ResourceVector{}
	usage := map[string]cluster.ResourceVector{}

	for _, js := range s.inProgressJobs {
		wasMissed := js.DeadlineMissed
		s.priorities.refresh(js, now)
		if js.DeadlineMissed && !wasMissed {
			s.stat.Counter(stats.SchedDeadlineMissesCounter).Inc(1)
			log.WithFields(log.Fields{
				"jobID":    js.Job.ID,
				"tenant":   js.Job.Def.TenantID,
				"deadline": js.Job.Def.Deadline,
			}).Warn("Job ran past its deadline, continuing")
		}
		t := js.Job.Def.TenantID
		tenantJobs[t] = append(tenantJobs[t], js)
		for _, ts := range js.Tasks {
			if ts.Status.Terminal() {
				continue
			}
			demand[t] = demand[t].Add(ts.Def.Resources)
			if ts.Status == domain.TaskAssigned || ts.Status == domain.TaskRunning {
				usage[t] = usage[t].Add(ts.Def.Resources)
			}
		}
	}

	s.alloc = allocateShares(s.quotas, s.clusterState.activeCapacity(), demand)
	if s.alloc.degraded {
		s.stat.Gauge(stats.AllocDegradedGauge).Update(1)
	} else {
		s.stat.Gauge(stats.AllocDegradedGauge).Update(0)
	}

	tenants := make([]string, 0, len(tenantJobs))
	for t, jobs := range tenantJobs {
		sortJobsByPriority(jobs)
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool {
		a, b := tenantJobs[tenants[i]][0], tenantJobs[tenants[j]][0]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return tenants[i] < tenants[j]
	})

	preempted := false
	for {
		progress := false
		for _, t := range tenants {
			share := s.alloc.share(t)
			assigned := false
			for _, js := range tenantJobs[t] {
				for _, ts := range js.readyTasks(now) {
					// A tenant with nothing running may always try its first
					// task; fractional shares under contention must not
					// starve it. The matcher still enforces real capacity.
					if !usage[t].IsZero() && !fitsShare(usage[t], ts.Def.Resources, share) {
						continue
					}
					ns, err := matchNode(ts.Def, s.clusterState.eligibleNodes(), s.config.CostSavingMode)
					if err != nil && !preempted && s.maybePreempt(js, ts, now) {
						// Re-match right away so the freed node goes to this
						// task, not to whatever requeued behind it.
						preempted = true
						ns, err = matchNode(ts.Def, s.clusterState.eligibleNodes(), s.config.CostSavingMode)
					}
					if err != nil {
						continue
					}
					s.assignTask(js, ts, ns, now)
					usage[t] = usage[t].Add(ts.Def.Resources)
					assigned = true
					progress = true
					break
				}
				if assigned {
					break
				}
			}
		}
		if !progress {
			break
		}
	}
}

// fitsShare checks a tenant's usage plus one more task against its share,
// with a small epsilon since shares come out of float arithmetic.
func fitsShare(usage, task, share cluster.ResourceVector) bool {
	const eps = 1e-6
	next := usage.Add(task)
	return next.CPUCores <= share.CPUCores+eps &&
		next.MemoryGB <= share.MemoryGB+eps &&
		next.GPUs <= share.GPUs+eps
}

func (s *statefulScheduler) assignTask(js *jobState, ts *taskState, ns *nodeState, now time.Time) {
	nodeId := ns.node.Id()
	js.taskAssigned(ts, nodeId, now)
	s.clusterState.taskScheduled(nodeId, taskKey(js.Job.ID, ts.TaskId), ts.Def.Resources)
	s.stat.Counter(stats.SchedDispatchedTasksCounter).Inc(1)
	log.WithFields(log.Fields{
		"jobID":   js.Job.ID,
		"taskID":  ts.TaskId,
		"node":    nodeId,
		"attempt": ts.NumTimesTried,
	}).Info("Dispatching task")
	s.hooks.invoke(EventDispatch, HookContext{
		JobID:    js.Job.ID,
		TaskID:   ts.TaskId,
		TenantID: js.Job.Def.TenantID,
		Node:     nodeId,
	})

	a := s.agentFor(ns.node)
	payload := agent.TaskPayload{
		JobID:       js.Job.ID,
		TaskID:      ts.TaskId,
		TenantID:    js.Job.Def.TenantID,
		Attempt:     ts.NumTimesTried,
		Resources:   ts.Def.Resources,
		EstDuration: s.priorities.estDuration(js.Job.Def.TenantID, ts.Def),
		Deadline:    js.Job.Def.Deadline,
	}
	attempt := ts.NumTimesTried
	s.asyncRunner.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchAckTimeout)
		defer cancel()
		return a.Dispatch(ctx, payload)
	}, func(err error) {
		if ts.CancelRequested || ts.NumTimesTried != attempt ||
			(ts.Status != domain.TaskAssigned && ts.Status != domain.TaskRunning) {
			// The task moved on while the dispatch was in flight (kill or
			// preemption). If the agent accepted anyway, unwind it.
			if err == nil {
				s.cancelOnNode(nodeId, ts.TaskId)
			}
			return
		}
		if err != nil {
			s.monitor.handleTaskFailure(s, js, ts,
				&domain.TransientDispatchFailure{TaskID: ts.TaskId, Cause: err})
			return
		}
		js.taskRunning(ts)
	})
}

// maybePreempt tries to free a node for an at-risk job's task that has no
// eligible node. Conservative: one preemption per cycle, per-node cooldowns,
// and only tasks of strictly lower-priority, not-at-risk jobs are victims.
func (s *statefulScheduler) maybePreempt(js *jobState, ts *taskState, now time.Time) bool {
	if !js.AtRisk {
		return false
	}
	for _, ns := range capableNodes(ts.Def, s.clusterState.eligibleNodes()) {
		if ns.idle() {
			// A free capable node exists; the task just doesn't fit its share
			// or residual right now. Not a preemption case.
			return false
		}
		if now.Sub(ns.lastPreemption) < s.config.PreemptionCooldown {
			continue
		}
		vjs, vts := s.lowestPriorityVictim(ns, js.Score)
		if vts == nil {
			continue
		}
		s.stat.Counter(stats.SchedPreemptedTasksCounter).Inc(1)
		log.WithFields(log.Fields{
			"node":        ns.node.Id(),
			"victimJob":   vjs.Job.ID,
			"victimTask":  vts.TaskId,
			"atRiskJob":   js.Job.ID,
			"atRiskTask":  ts.TaskId,
			"atRiskSlack": js.Slack.String(),
		}).Info("Preempting task for at-risk job")
		s.cancelOnNode(ns.node.Id(), vts.TaskId)
		s.clusterState.taskFinished(ns.node.Id(), taskKey(vjs.Job.ID, vts.TaskId))
		vjs.errorRunningTask(vts, errors.New("preempted for at-risk job"), true)
		ns.lastPreemption = now
		return true
	}
	return false
}

// lowestPriorityVictim picks the lowest-scored task on the node belonging to
// a job that is neither at risk nor scored above the given floor.
func (s *statefulScheduler) lowestPriorityVictim(ns *nodeState, floor float64) (*jobState, *taskState) {
	var bestJs *jobState
	var bestTs *taskState
	for key := range ns.assigned {
		jobId, taskId := splitTaskKey(key)
		vjs := s.getJob(jobId)
		if vjs == nil || vjs.AtRisk || vjs.Score >= floor {
			continue
		}
		vts := vjs.getTask(taskId)
		if vts == nil ||
			(vts.Status != domain.TaskAssigned && vts.Status != domain.TaskRunning) {
			continue
		}
		if bestJs == nil || vjs.Score < bestJs.Score {
			bestJs, bestTs = vjs, vts
		}
	}
	return bestJs, bestTs
}

// completeTask finishes a task, feeds the observed duration back into the
// estimates and fires completion hooks.
func (s *statefulScheduler) completeTask(js *jobState, ts *taskState) {
	node := ts.AssignedNode
	duration := time.Since(ts.TimeStarted)
	s.clusterState.taskFinished(node, taskKey(js.Job.ID, ts.TaskId))
	js.taskCompleted(ts)
	s.priorities.observeDuration(js.Job.Def.TenantID, ts.TaskId, duration)
	s.stat.Counter(stats.SchedCompletedTasksCounter).Inc(1)
	log.WithFields(log.Fields{
		"jobID":    js.Job.ID,
		"taskID":   ts.TaskId,
		"node":     node,
		"duration": duration.String(),
	}).Info("Task completed")
	s.hooks.invoke(EventComplete, HookContext{
		JobID:    js.Job.ID,
		TaskID:   ts.TaskId,
		TenantID: js.Job.Def.TenantID,
		Node:     node,
	})
}

// waitingTasks returns definitions of tasks still waiting for a node.
func (s *statefulScheduler) waitingTasks() []domain.TaskDefinition {
	var defs []domain.TaskDefinition
	for _, js := range s.inProgressJobs {
		for _, ts := range js.Tasks {
			switch ts.Status {
			case domain.TaskPending, domain.TaskQueued, domain.TaskPreempted:
				defs = append(defs, ts.Def)
			}
		}
	}
	return defs
}

/**************************** Side effects ********************************/

func (s *statefulScheduler) agentFor(node cluster.Node) agent.Agent {
	if a, ok := s.agents[node.Id()]; ok {
		return a
	}
	a := s.agentFactory(node)
	s.agents[node.Id()] = a
	return a
}

// cancelOnNode sends an idempotent cancel to the node's agent.
func (s *statefulScheduler) cancelOnNode(nodeId cluster.NodeId, taskId string) {
	if nodeId == "" {
		return
	}
	a, ok := s.agents[nodeId]
	if !ok {
		ns := s.clusterState.getNode(nodeId)
		if ns == nil {
			return
		}
		a = s.agentFor(ns.node)
	}
	s.asyncRunner.RunAsync(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.DispatchAckTimeout)
		defer cancel()
		return a.Cancel(ctx, taskId)
	}, func(err error) {
		if err != nil {
			log.WithFields(log.Fields{"node": nodeId, "taskID": taskId}).
				WithError(err).Warn("Cancel failed")
		}
	})
}

// persistJobRecord writes the job's current record in the background.
func (s *statefulScheduler) persistJobRecord(js *jobState) {
	data, err := serializeJobRecord(&jobRecord{Job: js.Job})
	if err != nil {
		log.WithField("jobID", js.Job.ID).WithError(err).Error("Serialize job record")
		return
	}
	jobId := js.Job.ID
	s.asyncRunner.RunAsync(func() error {
		return s.store.Put(store.JobKey(jobId), data)
	}, func(err error) {
		if err != nil {
			log.WithField("jobID", jobId).WithError(err).Error("Persist job record")
		}
	})
}

// persistFailureReport retains the structured report for a cascaded failure.
func (s *statefulScheduler) persistFailureReport(js *jobState) {
	if js.Failure == nil {
		return
	}
	data, err := js.Failure.Serialize()
	if err != nil {
		log.WithField("jobID", js.Job.ID).WithError(err).Error("Serialize failure report")
		return
	}
	jobId := js.Job.ID
	s.asyncRunner.RunAsync(func() error {
		return s.store.Put(store.FailureKey(jobId), data)
	}, func(err error) {
		if err != nil {
			log.WithField("jobID", jobId).WithError(err).Error("Persist failure report")
		}
	})
}

// checkForCompletedJobs archives jobs that reached a terminal state. The
// archive write runs async; the job is forgotten only once the write lands,
// and re-attempted next step if it doesn't.
func (s *statefulScheduler) checkForCompletedJobs() {
	for _, js := range s.inProgressJobs {
		status := js.getJobStatus()
		if !status.Terminal() || js.EndingPersist {
			continue
		}
		js.Job.Status = status
		view := buildStatusView(js, s.monitor)
		data, err := serializeJobRecord(&jobRecord{Job: js.Job, View: view})
		if err != nil {
			log.WithField("jobID", js.Job.ID).WithError(err).Error("Serialize job archive")
			continue
		}
		js.EndingPersist = true
		jobId := js.Job.ID
		s.asyncRunner.RunAsync(func() error {
			return s.store.Put(store.JobKey(jobId), data)
		}, func(err error) {
			if err != nil {
				log.WithField("jobID", jobId).WithError(err).Error("Archive job, will retry")
				if js := s.getJob(jobId); js != nil {
					js.EndingPersist = false
				}
				return
			}
			log.WithFields(log.Fields{"jobID": jobId, "status": status.String()}).
				Info("Job finished and archived")
			s.deleteJob(jobId)
		})
	}
}

// recoverJobs re-adds non-terminal jobs found in the store after a restart.
// Their tasks restart from Pending; agents running stale attempts get
// cancelled when their heartbeats arrive for unknown attempts or time out.
func (s *statefulScheduler) recoverJobs() {
	recovered := 0
	err := s.store.Scan(store.JobPrefix, func(key string, value []byte) error {
		rec, err := deserializeJobRecord(value)
		if err != nil {
			log.WithField("key", key).WithError(err).Warn("Skipping undecodable job record")
			return nil
		}
		if rec.Job == nil || rec.Job.Status.Terminal() {
			return nil
		}
		if err := s.admitTenant(rec.Job.Def.TenantID); err != nil {
			log.WithField("jobID", rec.Job.ID).WithError(err).Warn("Not recovering job")
			return nil
		}
		s.addJobCh <- jobAddedMsg{job: rec.Job}
		recovered++
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Job recovery scan failed")
	}
	log.WithField("numJobs", recovered).Info("Job recovery finished")
}

/********************************* Stats **********************************/

func (s *statefulScheduler) updateStats() {
	var atRisk, running, queued int64
	for _, js := range s.inProgressJobs {
		if js.AtRisk {
			atRisk++
		}
		for _, ts := range js.Tasks {
			switch ts.Status {
			case domain.TaskAssigned, domain.TaskRunning:
				running++
			case domain.TaskPending, domain.TaskQueued, domain.TaskPreempted:
				queued++
			}
		}
	}
	s.stat.Gauge(stats.SchedInProgressJobsGauge).Update(int64(len(s.inProgressJobs)))
	s.stat.Gauge(stats.SchedAtRiskJobsGauge).Update(atRisk)
	s.stat.Gauge(stats.SchedRunningTasksGauge).Update(running)
	s.stat.Gauge(stats.SchedQueuedTasksGauge).Update(queued)
	s.clusterState.updateStats()
}
