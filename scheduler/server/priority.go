package server

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/helixfarm/helix/scheduler/domain"
)

// priorityEngine computes deadline-driven job scores. Slack is time to
// deadline minus remaining work; score rises as slack shrinks so jobs closer
// to missing their deadline sort first. Observed task durations refine the
// client-supplied estimates over time.
type priorityEngine struct {
	// Score ceiling for jobs already past the point of no return. Clamping
	// keeps an unsalvageable job from starving everything else forever.
	atRiskCeiling float64

	// taskID tag -> *averageDuration of observed runs.
	taskDurations *lru.Cache
}

const taskDurationCacheSize = 10000

func newPriorityEngine(atRiskCeiling float64) *priorityEngine {
	cache, _ := lru.New(taskDurationCacheSize)
	return &priorityEngine{
		atRiskCeiling: atRiskCeiling,
		taskDurations: cache,
	}
}

// averageDuration keeps a running average of observed durations for a task
// definition.
type averageDuration struct {
	count    int
	duration time.Duration
}

func (ad *averageDuration) update(d time.Duration) {
	ad.count++
	ad.duration = ad.duration + (d-ad.duration)/time.Duration(ad.count)
}

// durationKey groups observations by the task id within its tenant, so
// repeated runs of the same pipeline stage inform future estimates.
func durationKey(tenantID, taskID string) string {
	return tenantID + "/" + taskID
}

func (p *priorityEngine) observeDuration(tenantID, taskID string, d time.Duration) {
	if d <= 0 {
		return
	}
	key := durationKey(tenantID, taskID)
	if v, ok := p.taskDurations.Get(key); ok {
		v.(*averageDuration).update(d)
		return
	}
	p.taskDurations.Add(key, &averageDuration{count: 1, duration: d})
}

// estDuration prefers the observed average over the client estimate.
func (p *priorityEngine) estDuration(tenantID string, def domain.TaskDefinition) time.Duration {
	if v, ok := p.taskDurations.Get(durationKey(tenantID, def.TaskID)); ok {
		return v.(*averageDuration).duration
	}
	return def.EstDuration
}

// remainingWork is the serial estimate of work left in the job: full
// estimates for unstarted tasks, proportionally discounted for in-flight
// ones. Conservative on purpose: parallelism is not assumed.
func (p *priorityEngine) remainingWork(js *jobState) time.Duration {
	var remaining time.Duration
	tenant := js.Job.Def.TenantID
	for _, ts := range js.Tasks {
		switch ts.Status {
		case domain.TaskCompleted, domain.TaskSkipped, domain.TaskFailed:
			continue
		case domain.TaskRunning, domain.TaskAssigned:
			est := p.estDuration(tenant, ts.Def)
			remaining += time.Duration(float64(est) * (1 - ts.Progress))
		default:
			remaining += p.estDuration(tenant, ts.Def)
		}
	}
	return remaining
}

// refresh recomputes slack, at-risk flag and score for a job.
func (p *priorityEngine) refresh(js *jobState, now time.Time) {
	remaining := p.remainingWork(js)
	js.Slack = js.Job.Def.Deadline.Sub(now) - remaining
	js.AtRisk = js.Slack < 0
	if js.AtRisk {
		js.DeadlineMissed = js.DeadlineMissed || js.Job.Def.Deadline.Before(now)
	}

	score := -js.Slack.Seconds() + float64(js.Job.Def.PriorityHint)
	if score > p.atRiskCeiling {
		score = p.atRiskCeiling
	}
	js.Score = score
}

// sortJobsByPriority orders jobs score descending. Ties break on slack
// ascending, then submission time, then id, so the order is total and stable
// across loop iterations.
func sortJobsByPriority(jobs []*jobState) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Slack != b.Slack {
			return a.Slack < b.Slack
		}
		if !a.Job.SubmittedAt.Equal(b.Job.SubmittedAt) {
			return a.Job.SubmittedAt.Before(b.Job.SubmittedAt)
		}
		return a.Job.ID < b.Job.ID
	})
}
