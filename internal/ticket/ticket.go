// Package ticket implements the Broker's process-wide cancellation
// rendezvous: a monotonically increasing ticket id keyed into a
// continue-flag map shared by the cooperating server-loop and
// client-loop goroutines of one job.
package ticket

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Registry owns the ticket counter and continue-flag map for one Broker
// instance. There is exactly one Registry per Broker; it is not a
// package-level global, matching the "long-lived Broker object owns
// both" guidance.
type Registry struct {
	counter uint32

	mu    sync.Mutex
	flags map[uint32]bool
	trace map[uint32]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		flags: make(map[uint32]bool),
		trace: make(map[uint32]string),
	}
}

// Issue allocates a new ticket with its continue-flag set true and
// returns the ticket id. A uuid is recorded alongside it purely for log
// correlation; it is never the ticket id itself.
func (r *Registry) Issue() uint32 {
	id := atomic.AddUint32(&r.counter, 1)
	r.mu.Lock()
	r.flags[id] = true
	r.trace[id] = uuid.NewString()
	r.mu.Unlock()
	return id
}

// TraceID returns the log-correlation id associated with a ticket.
func (r *Registry) TraceID(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace[id]
}

// Continue reports whether the cooperating threads for ticket id should
// keep running. Unknown tickets report false.
func (r *Registry) Continue(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flags[id]
}

// Stop flips the continue-flag for ticket id to false. Either cooperating
// thread may call this on fatal error; the other observes it at its next
// polling point. This is edge-triggered-to-stop: once false, Stop is a
// no-op, and there is no way to resume a stopped ticket.
func (r *Registry) Stop(id uint32) {
	r.mu.Lock()
	r.flags[id] = false
	r.mu.Unlock()
}

// Release removes a ticket's bookkeeping once both cooperating threads
// have observed its stop and exited.
func (r *Registry) Release(id uint32) {
	r.mu.Lock()
	delete(r.flags, id)
	delete(r.trace, id)
	r.mu.Unlock()
}

// Active returns the number of tickets currently tracked, for metrics.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flags)
}
