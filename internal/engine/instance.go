package engine

import "fmt"

// Handler is the callback invoked for every event dispatched to an
// instance. It must not block (spec §4.7 "Dispatch contract"); long work
// must be re-posted as a future event. A non-nil return is a HandlerError
// (spec §7): the loop delivers AlgorithmError then AlgorithmTerminated to
// that instance, and sibling instances continue unaffected.
type Handler func(inst *Instance, ev Event) error

// AlgorithmDefaults is the shape a registered algorithm's default options
// take; concrete algorithms define their own options type and type-assert it.
type AlgorithmDefaults any

type algorithmDef struct {
	name     string
	handler  Handler
	defaults AlgorithmDefaults
}

// Instance is a running algorithm state machine owned by the engine (spec
// §3 "Algorithm instance"). Instances form a tree rooted at the engine's
// sink; a child's forwarded (instance-defined) events surface to its
// Caller, and ultimately to the engine's Sink if Caller is nil.
type Instance struct {
	Name    string
	State   any // private state slot, opaque to the engine, owned by the handler
	Options any
	Caller  *Instance // parent instance; nil means the engine-level sink

	engine     *Engine
	handler    Handler
	children   []*Instance
	terminated bool
}

// Emit forwards an instance-defined event to this instance's caller, or to
// the engine's Sink if this instance has no caller (it is tree-rooted).
// Forwarded events are delivered synchronously on the loop thread, per the
// "at most one event is being dispatched" invariant (spec §3).
func (i *Instance) Emit(ev Event) {
	ev.Target = i.Caller
	if i.Caller != nil {
		i.engine.dispatch(i.Caller, ev)
		return
	}
	if i.engine.cfg.Sink != nil {
		i.engine.cfg.Sink(i, ev)
	}
}

// Submit enqueues a probe for transmission on behalf of this instance. The
// probe's Origin is stamped with this instance so replies/timeouts route
// back correctly.
func (i *Instance) Submit(p *Probe) error {
	if i.terminated {
		return fmt.Errorf("engine: instance %q already terminated", i.Name)
	}
	p.Origin = i
	return i.engine.send(p)
}

// Spawn creates a child instance whose Caller is i, registered under the
// same algorithm registry as RunInstance.
func (i *Instance) Spawn(name string, options any) (*Instance, error) {
	return i.engine.runInstance(name, options, i)
}

// Terminate voluntarily ends this instance: a handler that has decided
// it's done (e.g. traceroute reaching max TTL or gap-stopping) calls this
// after emitting any instance-defined terminal event, rather than
// returning an error (which would signal ALGORITHM_ERROR instead).
func (i *Instance) Terminate() {
	i.terminate(i.engine)
}

// terminate first recurses into children so a parent's teardown always
// outlives its children's, then removes the instance's in-flight probes and
// disarms their deadlines (their replies will later be dropped as
// unmatched, per spec §5 "Cancellation"), and finally delivers
// ALGORITHM_TERMINATED.
func (i *Instance) terminate(e *Engine) {
	if i.terminated {
		return
	}
	i.terminated = true
	for _, c := range i.children {
		c.terminate(e)
	}
	e.mu.Lock()
	var tags []Tag
	for _, p := range e.inflight.probes {
		if p.Origin == i {
			tags = append(tags, p.Tag)
		}
	}
	for _, tag := range tags {
		e.inflight.removeTag(tag)
		e.timer.disarmTag(tag)
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.InFlight.Dec()
		}
	}
	e.mu.Unlock()
	// Delivered via a direct handler call, not e.dispatch: dispatch refuses
	// terminated instances, and this is precisely the event that marks i as
	// terminated, so it must bypass that guard. A handler error here is
	// logged, not escalated — there's no further event to terminate into.
	if err := i.handler(i, Event{Type: AlgorithmTerminated, Target: i}); err != nil {
		e.log.Error("handler error on terminate", "instance", i.Name, "err", err)
	}
}
