package server

import (
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/cluster"
	"github.com/helixfarm/helix/common/stats"
)

// clusterState is the scheduling loop's private bookkeeping over farm
// membership: per-node allocations, power state and preemption cooldowns.
// Updates arrive on the registry subscription channel and are folded in once
// per step; nothing outside the loop reads this.
type clusterState struct {
	updateCh chan []cluster.NodeUpdate
	nodes    map[cluster.NodeId]*nodeState
	offlined map[cluster.NodeId]cluster.Node
	stat     stats.StatsReceiver

	// Set when membership changed since the last allocation pass.
	changed bool
}

// nodeState is everything the scheduler knows about one node.
type nodeState struct {
	node     cluster.Node
	assigned map[string]cluster.ResourceVector // running task key -> reserved resources
	used     cluster.ResourceVector
	power    cluster.PowerState

	// Last time a task was preempted off this node; limits preemption churn.
	lastPreemption time.Time
}

func newNodeState(node cluster.Node) *nodeState {
	return &nodeState{
		node:     node,
		assigned: map[string]cluster.ResourceVector{},
		power:    cluster.PowerActive,
	}
}

// residual is the capacity still free on this node.
func (ns *nodeState) residual() cluster.ResourceVector {
	return ns.node.Capacity().Sub(ns.used)
}

func (ns *nodeState) queueDepth() int {
	return len(ns.assigned)
}

func (ns *nodeState) idle() bool {
	return len(ns.assigned) == 0
}

func newClusterState(updateCh chan []cluster.NodeUpdate, initial []cluster.Node, stat stats.StatsReceiver) *clusterState {
	cs := &clusterState{
		updateCh: updateCh,
		nodes:    map[cluster.NodeId]*nodeState{},
		offlined: map[cluster.NodeId]cluster.Node{},
		stat:     stat,
		changed:  true,
	}
	for _, n := range initial {
		cs.nodes[n.Id()] = newNodeState(n)
	}
	return cs
}

// updateCluster drains pending membership updates. Called once per loop step.
func (c *clusterState) updateCluster() {
	for {
		select {
		case updates, ok := <-c.updateCh:
			if !ok {
				c.updateCh = nil
				return
			}
			c.apply(updates)
		default:
			return
		}
	}
}

func (c *clusterState) apply(updates []cluster.NodeUpdate) {
	for _, update := range updates {
		switch update.UpdateType {
		case cluster.NodeAdded:
			if update.UserInitiated {
				// Reinstate request for a previously offlined node.
				if n, ok := c.offlined[update.Id]; ok {
					delete(c.offlined, update.Id)
					c.nodes[update.Id] = newNodeState(n)
					log.WithField("node", update.Id).Info("Node reinstated")
					c.changed = true
				}
				continue
			}
			if _, ok := c.nodes[update.Id]; !ok {
				c.nodes[update.Id] = newNodeState(update.Node)
				log.WithFields(log.Fields{
					"node": update.Id,
					"caps": update.Node.Capabilities().String(),
					"cap":  update.Node.Capacity().String(),
				}).Info("Node added to cluster state")
				c.changed = true
			}
		case cluster.NodeRemoved:
			ns, ok := c.nodes[update.Id]
			if !ok {
				continue
			}
			if update.UserInitiated {
				c.offlined[update.Id] = ns.node
				log.WithField("node", update.Id).Info("Node offlined by operator")
			} else {
				log.WithField("node", update.Id).Info("Node removed from cluster state")
			}
			delete(c.nodes, update.Id)
			c.changed = true
		}
	}
}

// taskScheduled reserves resources for a task on a node.
func (c *clusterState) taskScheduled(nodeId cluster.NodeId, taskKey string, res cluster.ResourceVector) {
	ns, ok := c.nodes[nodeId]
	if !ok {
		return
	}
	ns.assigned[taskKey] = res
	ns.used = ns.used.Add(res)
}

// taskFinished releases a task's reservation, whatever the outcome.
func (c *clusterState) taskFinished(nodeId cluster.NodeId, taskKey string) {
	ns, ok := c.nodes[nodeId]
	if !ok {
		return
	}
	res, ok := ns.assigned[taskKey]
	if !ok {
		return
	}
	delete(ns.assigned, taskKey)
	ns.used = ns.used.Sub(res)
}

func (c *clusterState) getNode(id cluster.NodeId) *nodeState {
	return c.nodes[id]
}

// eligibleNodes returns active nodes in deterministic id order.
func (c *clusterState) eligibleNodes() []*nodeState {
	var nodes []*nodeState
	for _, ns := range c.nodes {
		if ns.power == cluster.PowerActive {
			nodes = append(nodes, ns)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].node.Id() < nodes[j].node.Id() })
	return nodes
}

// activeCapacity sums the capacity of all active nodes.
func (c *clusterState) activeCapacity() cluster.ResourceVector {
	var total cluster.ResourceVector
	for _, ns := range c.nodes {
		if ns.power == cluster.PowerActive {
			total = total.Add(ns.node.Capacity())
		}
	}
	return total
}

// utilization is used norm over active capacity norm, in [0,1].
func (c *clusterState) utilization() float64 {
	var used, capacity float64
	for _, ns := range c.nodes {
		if ns.power != cluster.PowerActive {
			continue
		}
		used += ns.used.Norm()
		capacity += ns.node.Capacity().Norm()
	}
	if capacity == 0 {
		return 0
	}
	return used / capacity
}

func (c *clusterState) setPower(id cluster.NodeId, power cluster.PowerState) {
	if ns, ok := c.nodes[id]; ok {
		ns.power = power
		c.changed = true
	}
}

func (c *clusterState) updateStats() {
	var active, down, busy int64
	for _, ns := range c.nodes {
		switch ns.power {
		case cluster.PowerActive:
			active++
			if !ns.idle() {
				busy++
			}
		case cluster.PowerDown:
			down++
		}
	}
	c.stat.Gauge(stats.ClusterActiveNodes).Update(active)
	c.stat.Gauge(stats.ClusterPoweredDownNodes).Update(down)
	c.stat.Gauge(stats.ClusterBusyNodes).Update(busy)
}
