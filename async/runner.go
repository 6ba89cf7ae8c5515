// Package async lets a single-writer event loop fire side effects in
// goroutines and consume their results back inside the loop.
//
// The scheduling loop owns all mutable state, so goroutines it spawns must
// never touch that state directly. Instead the loop calls RunAsync with a
// function to run concurrently and a callback to run later; callbacks fire
// only inside ProcessMessages, which the loop calls once per step. Callbacks
// can therefore safely read and modify loop state.
package async

import (
	"sync/atomic"
)

// AsyncFunction does concurrent work and reports its error.
type AsyncFunction func() error

// Callback consumes the result inside the owner loop.
type Callback func(error)

type pending struct {
	done int32 // set exactly once by the worker goroutine
	err  error
	cb   Callback
}

// Runner tracks in-flight async functions and their callbacks.
// Not safe for concurrent use; owned by a single loop like the mailbox it
// replaces.
type Runner struct {
	inflight []*pending
}

func NewRunner() *Runner {
	return &Runner{}
}

// RunAsync starts f in its own goroutine. cb is invoked from a later
// ProcessMessages call once f has returned.
func (r *Runner) RunAsync(f AsyncFunction, cb Callback) {
	p := &pending{cb: cb}
	r.inflight = append(r.inflight, p)
	go func() {
		err := f()
		p.err = err
		atomic.StoreInt32(&p.done, 1)
	}()
}

// ProcessMessages invokes callbacks for every completed function, in the
// order the functions were started. Runs on the calling goroutine.
func (r *Runner) ProcessMessages() {
	var stillInflight []*pending
	for _, p := range r.inflight {
		if atomic.LoadInt32(&p.done) == 1 {
			if p.cb != nil {
				p.cb(p.err)
			}
		} else {
			stillInflight = append(stillInflight, p)
		}
	}
	r.inflight = stillInflight
}

// NumRunning returns the number of functions not yet consumed by
// ProcessMessages.
func (r *Runner) NumRunning() int {
	return len(r.inflight)
}
