package flow

import "sync"

// Event is one of the three notifications a flow's event handler receives
// when its flag state changes, per spec.md §4.D.
type Event uint8

const (
	EventUp Event = iota
	EventDown
	EventPoll
)

// EventHandler reacts to a flow's up/down/poll transitions.
type EventHandler func(ev Event)

// Flow bundles an ingress subq, an egress subq, current/pending state-flag
// fields and a posted state-change job (spec.md §4.D). The cache State is
// not embedded in a Flow; it posts its own sweep job to the same Scheduler
// that runs flow state-change jobs.
type Flow struct {
	Ingress *Subq
	Egress  *Subq

	mu        sync.Mutex
	current   uint32
	pending   uint32
	jobActive bool

	handler   EventHandler
	scheduler *Scheduler
}

// NewFlow returns a flow with the given ingress/egress depth limits,
// posting its state-change job to sched when flags change.
func NewFlow(ingressLimit, egressLimit int, sched *Scheduler, handler EventHandler) *Flow {
	return &Flow{
		Ingress:   NewSubq(ingressLimit),
		Egress:    NewSubq(egressLimit),
		scheduler: sched,
		handler:   handler,
	}
}

// ModifyFlags updates the pending flag field and, if no job is already
// queued, posts the flow's state-change job to the scheduler (spec.md
// §4.D modify_flags). This is the CLA's only other coupling point besides
// the egress subq (spec.md §6).
func (f *Flow) ModifyFlags(set, clear uint32) {
	f.mu.Lock()
	f.pending = (f.pending | set) &^ clear
	needPost := !f.jobActive
	f.jobActive = true
	f.mu.Unlock()

	if needPost && f.scheduler != nil {
		f.scheduler.Post(f.runJob)
	}
}

// CurrentFlags returns the flow's last-applied flag state.
func (f *Flow) CurrentFlags() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// runJob copies pending into current, detects up/down transitions from the
// bits that changed, and invokes the registered event handler (spec.md
// §4.D scheduler worker behavior).
func (f *Flow) runJob() {
	f.mu.Lock()
	old := f.current
	next := f.pending
	f.current = next
	f.jobActive = false
	handler := f.handler
	f.mu.Unlock()

	if handler == nil {
		return
	}
	changed := old ^ next
	if up := changed & next; up != 0 {
		handler(EventUp)
	}
	if down := changed &^ next; down != 0 {
		handler(EventDown)
	}
	handler(EventPoll)
}
