package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/helixfarm/helix/cluster"
)

// FakeAgent simulates a node agent in-process: dispatched tasks "run" for a
// configurable duration, emitting a midpoint and a completion heartbeat into
// the sink. Knobs inject nacks, execution failures and heartbeat loss.
// Used by scheduler tests and the local demo cluster.
type FakeAgent struct {
	mu   sync.Mutex
	node cluster.NodeId
	sink HeartbeatSink

	// RunDuration is how long a dispatched task takes end to end.
	RunDuration time.Duration

	nackRemaining int
	muteAttempts  map[string]int // taskID -> attempts whose heartbeats are swallowed
	failAttempts  map[string]int // taskID -> attempts that report an execution error
	cancelled     map[string]bool
}

func NewFakeAgent(node cluster.NodeId, sink HeartbeatSink, runDuration time.Duration) *FakeAgent {
	return &FakeAgent{
		node:         node,
		sink:         sink,
		RunDuration:  runDuration,
		muteAttempts: map[string]int{},
		failAttempts: map[string]int{},
		cancelled:    map[string]bool{},
	}
}

// NackNext makes the next n Dispatch calls fail, simulating an unreachable
// or overloaded node.
func (a *FakeAgent) NackNext(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nackRemaining = n
}

// MuteTask swallows all heartbeats for the task's attempts <= attempt,
// simulating heartbeat loss.
func (a *FakeAgent) MuteTask(taskID string, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muteAttempts[taskID] = attempt
}

// FailTask makes the task's attempts <= attempt report an execution error.
func (a *FakeAgent) FailTask(taskID string, attempt int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAttempts[taskID] = attempt
}

func (a *FakeAgent) Dispatch(ctx context.Context, payload TaskPayload) error {
	a.mu.Lock()
	if a.nackRemaining > 0 {
		a.nackRemaining--
		a.mu.Unlock()
		return fmt.Errorf("fake agent %s: nack", a.node)
	}
	mute := a.muteAttempts[payload.TaskID] >= payload.Attempt
	fail := a.failAttempts[payload.TaskID] >= payload.Attempt
	delete(a.cancelled, payload.TaskID)
	a.mu.Unlock()

	if mute {
		// Task silently disappears; the monitor's heartbeat timeout is the
		// only way the scheduler finds out.
		return nil
	}

	go a.run(payload, fail)
	return nil
}

func (a *FakeAgent) run(payload TaskPayload, fail bool) {
	half := a.RunDuration / 2
	time.Sleep(half)
	if a.isCancelled(payload.TaskID) {
		return
	}
	a.sink(Heartbeat{
		JobID:      payload.JobID,
		TaskID:     payload.TaskID,
		Progress:   0.5,
		PreviewRef: fmt.Sprintf("preview://%s/%s@0.5", a.node, payload.TaskID),
	})

	time.Sleep(a.RunDuration - half)
	if a.isCancelled(payload.TaskID) {
		return
	}
	if fail {
		a.sink(Heartbeat{JobID: payload.JobID, TaskID: payload.TaskID, Err: "fake execution failure"})
		return
	}
	a.sink(Heartbeat{
		JobID:      payload.JobID,
		TaskID:     payload.TaskID,
		Progress:   1.0,
		PreviewRef: fmt.Sprintf("preview://%s/%s@1.0", a.node, payload.TaskID),
	})
}

func (a *FakeAgent) Cancel(ctx context.Context, taskID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	// Idempotent: cancelling an unknown or finished task still acks.
	a.cancelled[taskID] = true
	return nil
}

func (a *FakeAgent) isCancelled(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled[taskID]
}

// FakeFarm hands out one FakeAgent per node so tests can reach agent knobs
// by node id.
type FakeFarm struct {
	mu          sync.Mutex
	sink        HeartbeatSink
	runDuration time.Duration
	agents      map[cluster.NodeId]*FakeAgent
}

func NewFakeFarm(sink HeartbeatSink, runDuration time.Duration) *FakeFarm {
	return &FakeFarm{
		sink:        sink,
		runDuration: runDuration,
		agents:      map[cluster.NodeId]*FakeAgent{},
	}
}

// SetSink rebinds the heartbeat sink. The farm is typically created before
// the scheduler that consumes its heartbeats.
func (f *FakeFarm) SetSink(sink HeartbeatSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *FakeFarm) deliver(hb Heartbeat) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		sink(hb)
	}
}

// Factory is an agent Factory backed by this farm.
func (f *FakeFarm) Factory(node cluster.Node) Agent {
	return f.Agent(node.Id())
}

func (f *FakeFarm) Agent(id cluster.NodeId) *FakeAgent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[id]; ok {
		return a
	}
	a := NewFakeAgent(id, f.deliver, f.runDuration)
	f.agents[id] = a
	return a
}
