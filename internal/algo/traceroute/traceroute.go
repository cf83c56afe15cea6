// Package traceroute implements the reference algorithm instance (C9):
// a classic TTL-sweep traceroute driven entirely by the engine's event
// dispatch, with no goroutines or blocking calls of its own.
//
// Shape grounded on the teacher's Config+Validate+New pattern
// (controlplane/telemetry/internal/geoprobe/pinger.go's PingerConfig),
// reimplemented against the state machine transitions of the traceroute
// reference instance rather than the teacher's own ping/latency logic.
package traceroute

import (
	"fmt"
	"net"

	"github.com/malbeclabs/tracelet/internal/engine"
)

// Name is the registration key passed to Engine.RegisterAlgorithm and
// Engine.RunInstance / Instance.Spawn.
const Name = "traceroute"

const (
	defaultMinTTL    = 1
	defaultMaxTTL    = 30
	defaultNumProbes = 3
	gapStopHops      = 3 // consecutive fully-starred hops before gap-stop (spec §4.8/§8)
)

// Options is the traceroute instance's options surface (spec §4.8/§6):
// min-ttl, max-ttl, num-probes, dst-ip.
type Options struct {
	MinTTL    int
	MaxTTL    int
	NumProbes int
	DstIP     net.IP
}

// Validate enforces MinTTL < MaxTTL and a resolvable destination,
// defaulting unset fields. A violation surfaces as a ConfigError from
// Engine.RunInstance (spec §7 "ConfigError — invalid options; surfaced
// synchronously at run_instance").
func (o *Options) Validate() error {
	if o.MinTTL == 0 {
		o.MinTTL = defaultMinTTL
	}
	if o.MaxTTL == 0 {
		o.MaxTTL = defaultMaxTTL
	}
	if o.NumProbes == 0 {
		o.NumProbes = defaultNumProbes
	}
	if o.DstIP == nil || o.DstIP.To4() == nil {
		return &engine.ConfigError{Field: "dst-ip", Err: fmt.Errorf("must be a valid IPv4 address")}
	}
	if o.MinTTL < 1 {
		return &engine.ConfigError{Field: "min-ttl", Err: fmt.Errorf("must be >= 1")}
	}
	if !(o.MinTTL < o.MaxTTL) {
		return &engine.ConfigError{Field: "min-ttl/max-ttl", Err: fmt.Errorf("min_ttl must be < max_ttl")}
	}
	if o.NumProbes < 1 {
		return &engine.ConfigError{Field: "num-probes", Err: fmt.Errorf("must be >= 1")}
	}
	return nil
}

// Event names this instance forwards to its caller (spec §4.8/§9).
const (
	EventDestinationReached = "TRACEROUTE_DESTINATION_REACHED"
	EventMaxTTLReached      = "TRACEROUTE_MAX_TTL_REACHED"
)

// Summary is the payload carried by both instance-defined terminal
// events: a supplemental per-run recap (SPEC_FULL §4, not named by the
// distilled spec but present in the original's stars-style hop report).
type Summary struct {
	FinalTTL         int
	TotalProbesSent  int
	DestinationFound bool
}

// Hop is the supplemental per-hop observation forwarded alongside each
// PROBE_REPLY so a caller doesn't have to reassemble it from raw events.
type Hop struct {
	TTL     int
	Attempt int // 1-based attempt number within the hop
	Source  string
}

// state is the instance's private per-run state (spec §4.8): ttl,
// num_sent_probes, num_stars, num_undiscovered, destination_reached.
type state struct {
	ttl                int
	numSentProbesAtHop int
	numStars           int
	numUndiscovered    int
	destinationReached bool
	totalSent          int
}

// New registers the traceroute handler with eng under Name. seed is the
// wire-level echo identifier this instance's probes carry; callers
// typically derive it from a counter or the process id so concurrent
// instances never collide on the packet layer's fingerprint even though
// the engine's own Tag already guarantees no collision at its level
// (spec §8 scenario 5 "tags never collide").
func New(eng *engine.Engine, seed uint16) {
	h := &handler{seed: seed}
	eng.RegisterAlgorithm(Name, h.handle, &Options{MinTTL: defaultMinTTL, MaxTTL: defaultMaxTTL, NumProbes: defaultNumProbes})
}

type handler struct {
	seed uint16
}

func (h *handler) handle(inst *engine.Instance, ev engine.Event) error {
	switch ev.Type {
	case engine.AlgorithmInit:
		return h.onInit(inst)
	case engine.ProbeReply:
		return h.onReply(inst, ev)
	case engine.ProbeTimeout:
		return h.onTimeout(inst, ev)
	case engine.AlgorithmTerminated:
		inst.State = nil
		return nil
	default:
		return nil
	}
}

func (h *handler) onInit(inst *engine.Instance) error {
	opts, ok := inst.Options.(*Options)
	if !ok {
		return &engine.ConfigError{Field: "options", Err: fmt.Errorf("expected *traceroute.Options, got %T", inst.Options)}
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	st := &state{ttl: opts.MinTTL}
	inst.State = st
	return h.sendNextProbe(inst, opts, st)
}

// sendNextProbe is the consolidated "send next probe" helper (SPEC_FULL
// §9 redesign note: the source traceroute handler duplicated this block
// at every call site; here it is written once, called from INIT,
// PROBE_REPLY, and PROBE_TIMEOUT alike).
func (h *handler) sendNextProbe(inst *engine.Instance, opts *Options, st *state) error {
	seq := uint16(st.totalSent + 1)
	p := &engine.Probe{
		Dest: &net.IPAddr{IP: opts.DstIP},
		Fields: engine.Fields{
			"id":  h.seed,
			"seq": seq,
			"ttl": st.ttl,
			"dst": opts.DstIP,
		},
	}
	return inst.Submit(p)
}

func (h *handler) onReply(inst *engine.Instance, ev engine.Event) error {
	opts := inst.Options.(*Options)
	st := inst.State.(*state)

	st.numStars = 0
	st.numUndiscovered = 0
	st.totalSent++
	st.numSentProbesAtHop++

	src, _ := ev.Payload.(string)
	inst.Emit(engine.Event{
		Type:    engine.InstanceEvent,
		Name:    "hop",
		Probe:   ev.Probe,
		Reply:   ev.Reply,
		Payload: Hop{TTL: st.ttl, Attempt: st.numSentProbesAtHop, Source: src},
	})

	if opts.DstIP != nil && src == opts.DstIP.String() {
		st.destinationReached = true
	}

	if st.numSentProbesAtHop >= opts.NumProbes {
		if st.destinationReached {
			h.terminate(inst, st, true)
			return nil
		}
		st.ttl++
		st.numSentProbesAtHop = 0
	}

	if st.ttl > opts.MaxTTL {
		h.terminate(inst, st, false)
		return nil
	}

	return h.sendNextProbe(inst, opts, st)
}

func (h *handler) onTimeout(inst *engine.Instance, ev engine.Event) error {
	opts := inst.Options.(*Options)
	st := inst.State.(*state)

	st.numStars++
	st.totalSent++
	st.numSentProbesAtHop++

	if st.numSentProbesAtHop >= opts.NumProbes {
		if st.numStars == opts.NumProbes {
			st.numUndiscovered++
			if st.numUndiscovered == gapStopHops {
				h.terminate(inst, st, false)
				return nil
			}
		} else {
			st.numUndiscovered = 0
		}
		st.ttl++
		st.numSentProbesAtHop = 0
		st.numStars = 0
	}

	if st.ttl > opts.MaxTTL {
		h.terminate(inst, st, false)
		return nil
	}

	return h.sendNextProbe(inst, opts, st)
}

// terminate emits the appropriate instance-defined terminal event, then
// calls inst.Terminate, which delivers ALGORITHM_TERMINATED synchronously
// before this handler call returns (spec §4.8 "TERMINATED: free state"
// happens in handle() above).
func (h *handler) terminate(inst *engine.Instance, st *state, destinationReached bool) {
	name := EventMaxTTLReached
	if destinationReached {
		name = EventDestinationReached
	}
	inst.Emit(engine.Event{
		Type: engine.InstanceEvent,
		Name: name,
		Payload: Summary{
			FinalTTL:         st.ttl,
			TotalProbesSent:  st.totalSent,
			DestinationFound: destinationReached,
		},
	})
	inst.Terminate()
}
