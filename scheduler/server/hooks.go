package server

import (
	log "github.com/sirupsen/logrus"

	"github.com/helixfarm/helix/cluster"
)

// LifecycleEvent identifies which transition fired a hook.
type LifecycleEvent int

const (
	EventDispatch LifecycleEvent = iota
	EventComplete
	EventFail
)

func (e LifecycleEvent) String() string {
	switch e {
	case EventDispatch:
		return "dispatch"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	default:
		return "unknown"
	}
}

// HookContext is what a lifecycle hook gets to see about the transition.
type HookContext struct {
	JobID    string
	TaskID   string
	TenantID string
	Node     cluster.NodeId

	// Set on EventFail.
	Err string
}

// HookFn runs inside the scheduling loop after a task transition. An error
// (or panic) is logged and never affects scheduling.
type HookFn func(event LifecycleEvent, ctx HookContext) error

type namedHook struct {
	name string
	fn   HookFn
}

// hookRegistry holds lifecycle hooks in registration order.
type hookRegistry struct {
	hooks []namedHook
}

func (r *hookRegistry) register(name string, fn HookFn) {
	r.hooks = append(r.hooks, namedHook{name: name, fn: fn})
}

func (r *hookRegistry) invoke(event LifecycleEvent, ctx HookContext) {
	for _, h := range r.hooks {
		r.invokeOne(h, event, ctx)
	}
}

func (r *hookRegistry) invokeOne(h namedHook, event LifecycleEvent, ctx HookContext) {
	defer func() {
		if p := recover(); p != nil {
			log.WithFields(log.Fields{
				"hook":   h.name,
				"event":  event.String(),
				"jobID":  ctx.JobID,
				"taskID": ctx.TaskID,
				"panic":  p,
			}).Error("Lifecycle hook panicked, continuing")
		}
	}()
	if err := h.fn(event, ctx); err != nil {
		log.WithFields(log.Fields{
			"hook":   h.name,
			"event":  event.String(),
			"jobID":  ctx.JobID,
			"taskID": ctx.TaskID,
		}).WithError(err).Error("Lifecycle hook failed, continuing")
	}
}
