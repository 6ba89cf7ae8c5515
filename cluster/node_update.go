package cluster

import (
	"fmt"
)

type NodeUpdateType int

const (
	NodeAdded NodeUpdateType = iota
	NodeRemoved
)

// NodeUpdate represents a change to the cluster membership.
type NodeUpdate struct {
	UpdateType NodeUpdateType
	Id         NodeId
	Node       Node // Only set for adds.

	// Set when an operator explicitly offlined or reinstated the node, as
	// opposed to churn observed by membership tracking.
	UserInitiated bool
}

func (u *NodeUpdate) String() string {
	return fmt.Sprintf("%v %v %v (user:%t)", u.UpdateType, u.Id, u.Node, u.UserInitiated)
}

func NewAdd(node Node) NodeUpdate {
	return NodeUpdate{UpdateType: NodeAdded, Id: node.Id(), Node: node}
}

func NewRemove(id NodeId) NodeUpdate {
	return NodeUpdate{UpdateType: NodeRemoved, Id: id}
}

// NewUserInitiatedAdd reinstates a previously offlined node by id. The
// consumer remembers the node's definition from when it was offlined, so no
// Node is carried.
func NewUserInitiatedAdd(id NodeId) NodeUpdate {
	return NodeUpdate{UpdateType: NodeAdded, Id: id, UserInitiated: true}
}

func NewUserInitiatedRemove(id NodeId) NodeUpdate {
	return NodeUpdate{UpdateType: NodeRemoved, Id: id, UserInitiated: true}
}
