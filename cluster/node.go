package cluster

import (
	"fmt"
)

type NodeId string

// PowerState of a node as managed by the rebalancer.
type PowerState int

const (
	PowerActive PowerState = iota
	PowerDown
)

func (p PowerState) String() string {
	switch p {
	case PowerActive:
		return "Active"
	case PowerDown:
		return "PoweredDown"
	default:
		return "Unknown"
	}
}

// Node is a member of the farm.
type Node interface {
	// A unique node identifier, like 'host:port'.
	Id() NodeId

	// Address or location to reach the node agent, like 'http://host:port',
	// depending on concrete node type.
	Addr() string

	// Specializations this node advertises.
	Capabilities() CapabilitySet

	// Total schedulable capacity.
	Capacity() ResourceVector

	// Relative power/cost weight used when cost optimization is active.
	// Higher means more expensive to keep running.
	PowerCost() float64
}

type idNode struct {
	id        NodeId
	addr      string
	caps      CapabilitySet
	capacity  ResourceVector
	powerCost float64
}

var _ Node = (*idNode)(nil)

func NewNode(id, addr string, caps CapabilitySet, capacity ResourceVector, powerCost float64) Node {
	return &idNode{id: NodeId(id), addr: addr, caps: caps, capacity: capacity, powerCost: powerCost}
}

// NewIdNode returns a bare node with the given id, no specializations and a
// nominal single-slot capacity. Used mostly by tests.
func NewIdNode(id string) Node {
	return &idNode{id: NodeId(id), capacity: ResourceVector{CPUCores: 1}, powerCost: 1}
}

func NewIdNodes(num int) []Node {
	r := []Node{}
	for i := 0; i < num; i++ {
		r = append(r, NewIdNode(fmt.Sprintf("node%d", i+1)))
	}
	return r
}

func (n *idNode) Id() NodeId                  { return n.id }
func (n *idNode) Addr() string                { return n.addr }
func (n *idNode) Capabilities() CapabilitySet { return n.caps }
func (n *idNode) Capacity() ResourceVector    { return n.capacity }
func (n *idNode) PowerCost() float64          { return n.powerCost }

func (n *idNode) String() string {
	return fmt.Sprintf("{%s caps:[%s] cap:{%s} cost:%g}", n.id, n.caps, n.capacity, n.powerCost)
}

type NodeSorter []Node

func (n NodeSorter) Len() int           { return len(n) }
func (n NodeSorter) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }
func (n NodeSorter) Less(i, j int) bool { return n[i].Id() < n[j].Id() }
