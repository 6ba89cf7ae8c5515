package server

import (
	"sort"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/scheduler/domain"
)

// matchNode picks the node for a task: filter to active nodes advertising
// every required capability with enough free capacity, then rank. Best-fit
// on residual capacity keeps big nodes free for big tasks; queue depth
// spreads load; power cost only matters when cost optimization is on.
// Returns domain.ErrNoEligibleNode when the filter leaves nothing.
func matchNode(def domain.TaskDefinition, candidates []*nodeState, costMode bool) (*nodeState, error) {
	var eligible []*nodeState
	for _, ns := range candidates {
		if ns.power != cluster.PowerActive {
			continue
		}
		if !ns.node.Capabilities().ContainsAll(def.RequiredCaps) {
			continue
		}
		if !def.Resources.Fits(ns.residual()) {
			continue
		}
		eligible = append(eligible, ns)
	}
	if len(eligible) == 0 {
		return nil, domain.ErrNoEligibleNode
	}

	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]

		// Prefer the node whose specializations most closely match what the
		// task needs; extra capabilities count against, so generalists go to
		// generic work and specialists stay free for work that needs them.
		sa, sb := capabilityScore(a.node.Capabilities(), def.RequiredCaps), capabilityScore(b.node.Capabilities(), def.RequiredCaps)
		if sa != sb {
			return sa > sb
		}

		// Best fit: smallest residual after placement.
		ra := a.residual().Sub(def.Resources).Norm()
		rb := b.residual().Sub(def.Resources).Norm()
		if ra != rb {
			return ra < rb
		}

		if a.queueDepth() != b.queueDepth() {
			return a.queueDepth() < b.queueDepth()
		}

		if costMode && a.node.PowerCost() != b.node.PowerCost() {
			return a.node.PowerCost() < b.node.PowerCost()
		}

		return a.node.Id() < b.node.Id()
	})
	return eligible[0], nil
}

func capabilityScore(nodeCaps, required cluster.CapabilitySet) float64 {
	overlap := nodeCaps.Overlap(required)
	extra := len(nodeCaps) - overlap
	return float64(overlap) - 0.25*float64(extra)
}

// capableNodes returns active nodes advertising the required capabilities and
// a total capacity that could ever fit the task, regardless of current load.
// Used by the preemption pass to find busy-but-capable nodes.
func capableNodes(def domain.TaskDefinition, candidates []*nodeState) []*nodeState {
	var capable []*nodeState
	for _, ns := range candidates {
		if ns.power != cluster.PowerActive {
			continue
		}
		if !ns.node.Capabilities().ContainsAll(def.RequiredCaps) {
			continue
		}
		if !def.Resources.Fits(ns.node.Capacity()) {
			continue
		}
		capable = append(capable, ns)
	}
	return capable
}
