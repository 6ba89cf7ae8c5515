// Package agent defines the node-agent protocol: the scheduler pushes
// Dispatch and Cancel calls to agents, agents push Heartbeats back. The
// protocol is transport-agnostic; this package ships an HTTP reference
// client and an in-process fake for tests and local clusters.
package agent

import (
	"context"
	"time"

	"github.com/helixfarm/helix/cluster"
)

// TaskPayload is everything an agent needs to execute one task attempt.
type TaskPayload struct {
	JobID       string                 `json:"jobId"`
	TaskID      string                 `json:"taskId"`
	TenantID    string                 `json:"tenantId"`
	Attempt     int                    `json:"attempt"`
	Resources   cluster.ResourceVector `json:"resources"`
	EstDuration time.Duration          `json:"estDuration"`
	Deadline    time.Time              `json:"deadline"`
}

// Heartbeat is pushed by an agent while a task runs. Progress is in [0,1];
// 1.0 reports completion. PreviewRef optionally points at a progressive,
// lower-fidelity artifact.
type Heartbeat struct {
	JobID      string  `json:"jobId"`
	TaskID     string  `json:"taskId"`
	Progress   float64 `json:"progress"`
	PreviewRef string  `json:"previewRef,omitempty"`

	// Err reports an execution failure; progress is then meaningless.
	Err string `json:"err,omitempty"`
}

// HeartbeatSink consumes agent heartbeats. The scheduler funnels these into
// its event loop.
type HeartbeatSink func(Heartbeat)

// Agent is the scheduler's handle to one node. Dispatch and Cancel are
// called from async goroutines, never from the scheduling loop itself, and
// must honor ctx deadlines. Cancel is idempotent: cancelling an unknown or
// finished task acks successfully.
type Agent interface {
	Dispatch(ctx context.Context, payload TaskPayload) error
	Cancel(ctx context.Context, taskID string) error
}

// Factory converts a node into an Agent for that node.
type Factory func(node cluster.Node) Agent
