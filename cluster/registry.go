package cluster

import (
	"sort"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Registry tracks farm membership and fans updates out to subscribed
// scheduling domains. Reads are served from an immutable copy-on-write
// snapshot so many readers never contend with the update loop.
type Registry struct {
	snapshot atomic.Value // []Node, replaced wholesale on every change
	updateCh chan []NodeUpdate
	reqCh    chan interface{}
}

type subscribeReq struct {
	resultCh chan chan []NodeUpdate
}

type membersReq struct {
	resultCh chan []Node
}

func NewRegistry(initial []Node, updateCh chan []NodeUpdate) *Registry {
	r := &Registry{
		updateCh: updateCh,
		reqCh:    make(chan interface{}),
	}
	members := append([]Node{}, initial...)
	sort.Sort(NodeSorter(members))
	r.snapshot.Store(members)
	go r.loop()
	return r
}

// Snapshot returns the current membership. The returned slice is immutable
// and must not be modified by callers.
func (r *Registry) Snapshot() []Node {
	return r.snapshot.Load().([]Node)
}

// Capacities returns the full capacity vector of every member. Used for
// submission feasibility checks; a task must fit some single node, not a
// per-dimension composite of several.
func (r *Registry) Capacities() []ResourceVector {
	members := r.Snapshot()
	caps := make([]ResourceVector, 0, len(members))
	for _, n := range members {
		caps = append(caps, n.Capacity())
	}
	return caps
}

// Subscribe returns a channel receiving all future membership updates.
// Each scheduling domain consumes its own subscription.
func (r *Registry) Subscribe() chan []NodeUpdate {
	req := subscribeReq{resultCh: make(chan chan []NodeUpdate)}
	r.reqCh <- req
	return <-req.resultCh
}

func (r *Registry) Members() []Node {
	req := membersReq{resultCh: make(chan []Node)}
	r.reqCh <- req
	return <-req.resultCh
}

func (r *Registry) Close() error {
	close(r.reqCh)
	return nil
}

func (r *Registry) loop() {
	var subs []chan []NodeUpdate
	for {
		select {
		case updates, ok := <-r.updateCh:
			if !ok {
				r.updateCh = nil
				continue
			}
			r.apply(updates)
			for _, sub := range subs {
				sub <- updates
			}
		case req, ok := <-r.reqCh:
			if !ok {
				return
			}
			switch req := req.(type) {
			case subscribeReq:
				// Buffered so a slow domain doesn't stall the registry.
				sub := make(chan []NodeUpdate, 256)
				subs = append(subs, sub)
				req.resultCh <- sub
			case membersReq:
				req.resultCh <- r.Snapshot()
			}
		}
	}
}

// apply rebuilds the snapshot with the given updates. The old slice is left
// untouched for readers already holding it.
func (r *Registry) apply(updates []NodeUpdate) {
	old := r.Snapshot()
	byId := make(map[NodeId]Node, len(old))
	for _, n := range old {
		byId[n.Id()] = n
	}
	for _, u := range updates {
		switch u.UpdateType {
		case NodeAdded:
			byId[u.Id] = u.Node
		case NodeRemoved:
			if _, ok := byId[u.Id]; !ok {
				log.Infof("Registry: remove for unknown node %v", u.Id)
			}
			delete(byId, u.Id)
		}
	}
	members := make([]Node, 0, len(byId))
	for _, n := range byId {
		members = append(members, n)
	}
	sort.Sort(NodeSorter(members))
	r.snapshot.Store(members)
}
