package server

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/stats"
	"github.com/helixfarm/helix/scheduler/domain"
)

// rebalancer powers idle nodes down when the farm runs cold and powers them
// back up when demand returns. Power-down is deliberately conservative: any
// doubt about deadlines or capability coverage blocks it, since a wrongly
// powered-down node costs a deadline while a wrongly retained one only costs
// power.
type rebalancer struct {
	interval     time.Duration
	lowWatermark float64
	costMode     bool
	lastRun      time.Time
	stat         stats.StatsReceiver
}

func newRebalancer(interval time.Duration, lowWatermark float64, costMode bool, stat stats.StatsReceiver) *rebalancer {
	return &rebalancer{
		interval:     interval,
		lowWatermark: lowWatermark,
		costMode:     costMode,
		lastRun:      time.Now(),
		stat:         stat,
	}
}

// maybeRebalance runs the power passes at most once per interval.
func (r *rebalancer) maybeRebalance(s *statefulScheduler, now time.Time) {
	if now.Sub(r.lastRun) < r.interval {
		return
	}
	r.lastRun = now

	r.powerUpNeeded(s)
	if r.costMode {
		r.powerDownIdle(s, now)
	}
	r.updateSavingsGauge(s)
}

// powerUpNeeded wakes powered-down nodes that some waiting task needs:
// either no active node can ever fit it, or utilization ran past the
// comfortable range.
func (r *rebalancer) powerUpNeeded(s *statefulScheduler) {
	waiting := s.waitingTasks()
	for _, def := range waiting {
		if len(capableNodes(def, s.clusterState.eligibleNodes())) > 0 {
			continue
		}
		// Nothing active can run it. A powered-down node might.
		for _, ns := range s.clusterState.nodes {
			if ns.power != cluster.PowerDown {
				continue
			}
			if !ns.node.Capabilities().ContainsAll(def.RequiredCaps) {
				continue
			}
			if !def.Resources.Fits(ns.node.Capacity()) {
				continue
			}
			s.clusterState.setPower(ns.node.Id(), cluster.PowerActive)
			log.WithFields(log.Fields{
				"node":   ns.node.Id(),
				"taskID": def.TaskID,
			}).Info("Powering node up for waiting task")
			break
		}
	}
}

// powerDownIdle powers down idle nodes while utilization sits below the low
// watermark. A node stays up if a waiting task needs a specialization only
// it provides, or if the deadline simulation can't prove all jobs survive
// its removal.
func (r *rebalancer) powerDownIdle(s *statefulScheduler, now time.Time) {
	if s.clusterState.utilization() >= r.lowWatermark {
		return
	}

	waiting := s.waitingTasks()
	for _, ns := range r.idleCandidates(s) {
		if s.clusterState.utilization() >= r.lowWatermark {
			return
		}
		if r.coversWaitingTaskAlone(s, ns, waiting) {
			continue
		}
		if !r.deadlinesSurviveWithout(s, ns, now) {
			continue
		}
		s.clusterState.setPower(ns.node.Id(), cluster.PowerDown)
		r.stat.Counter(stats.RebalancerPowerDownCounter).Inc(1)
		log.WithFields(log.Fields{
			"node": ns.node.Id(),
			"cost": ns.node.PowerCost(),
		}).Info("Powering idle node down")
	}
}

// idleCandidates returns idle active nodes, most expensive first so the
// biggest power savings land first.
func (r *rebalancer) idleCandidates(s *statefulScheduler) []*nodeState {
	var idle []*nodeState
	for _, ns := range s.clusterState.eligibleNodes() {
		if ns.idle() {
			idle = append(idle, ns)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].node.PowerCost() != idle[j].node.PowerCost() {
			return idle[i].node.PowerCost() > idle[j].node.PowerCost()
		}
		return idle[i].node.Id() < idle[j].node.Id()
	})
	return idle
}

// coversWaitingTaskAlone reports whether some waiting task could only ever
// run on this node among active ones.
func (r *rebalancer) coversWaitingTaskAlone(s *statefulScheduler, ns *nodeState, waiting []domain.TaskDefinition) bool {
	for _, def := range waiting {
		capable := capableNodes(def, s.clusterState.eligibleNodes())
		if len(capable) == 1 && capable[0] == ns {
			return true
		}
	}
	return false
}

// deadlinesSurviveWithout simulates removing the node: with one fewer active
// node, would every in-flight job still meet its deadline under the serial
// remaining-work estimate? Any at-risk job, or any job whose margin would
// vanish, blocks the power-down.
func (r *rebalancer) deadlinesSurviveWithout(s *statefulScheduler, ns *nodeState, now time.Time) bool {
	// The last active node never powers down; it seeds new work without
	// waiting out a rebalance interval.
	activeAfter := len(s.clusterState.eligibleNodes()) - 1
	if activeAfter <= 0 {
		return false
	}

	var totalRemaining time.Duration
	for _, js := range s.inProgressJobs {
		if js.AtRisk {
			return false
		}
		totalRemaining += s.priorities.remainingWork(js)
	}

	// Worst case: all remaining work shares the surviving nodes evenly and
	// this job's share lands last.
	projected := totalRemaining / time.Duration(activeAfter)
	for _, js := range s.inProgressJobs {
		if js.Job.Def.Deadline.Sub(now) < projected {
			return false
		}
	}
	return true
}

func (r *rebalancer) updateSavingsGauge(s *statefulScheduler) {
	var savings float64
	for _, ns := range s.clusterState.nodes {
		if ns.power == cluster.PowerDown {
			savings += ns.node.PowerCost()
		}
	}
	r.stat.Gauge(stats.RebalancerCostSavingsGauge).Update(int64(savings * 100))
}
