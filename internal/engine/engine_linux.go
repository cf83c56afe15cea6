//go:build linux

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tracelet/internal/metrics"
)

const (
	defaultTimeout        = 3 * time.Second
	defaultSendQueueCap   = 1024
	defaultRecvQueueCap   = 4096
	defaultTransmitBurstK = 1
)

// Config configures a new Engine. Grounded on the Config+Validate+New shape
// used throughout the teacher (e.g. geoprobe.PingerConfig, latency.Config).
type Config struct {
	Logger *slog.Logger

	// PacketLayer is the external packet-field encode/decode/match
	// collaborator (spec §6); required.
	PacketLayer PacketLayer

	// Sniffer is the external capture collaborator (spec §6); required.
	Sniffer Sniffer

	// Family/Protocol select the socket pool's raw socket (e.g. AF_INET/IPPROTO_ICMP).
	Family   int
	Protocol int

	// Interface optionally pins outbound sockets (SO_BINDTODEVICE).
	Interface string

	// Timeout is the engine-wide per-probe deadline (spec §4.5/§5). Defaulted if zero.
	Timeout time.Duration

	// TransmitBurst is K in spec §4.6 "transmit() drains up to K probes". Defaulted to 1.
	TransmitBurst int

	// Clock is injected for deterministic tests; defaults to the real clock.
	Clock clockwork.Clock

	// Sink receives instance-defined events forwarded from root instances
	// (those with no Caller) — the engine-level terminus of the instance tree.
	Sink func(origin *Instance, ev Event)

	// Metrics, if non-nil, records probe lifecycle counters (internal/metrics).
	Metrics *metrics.Collectors
}

func (c *Config) validate() error {
	if c.PacketLayer == nil {
		return &ConfigError{Field: "PacketLayer", Err: fmt.Errorf("required")}
	}
	if c.Sniffer == nil {
		return &ConfigError{Field: "Sniffer", Err: fmt.Errorf("required")}
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.TransmitBurst <= 0 {
		c.TransmitBurst = defaultTransmitBurstK
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Engine is C7+C8: it owns the send/receive queues, socket pool, timer
// wheel, and in-flight list, and runs the cooperative event loop that
// dispatches typed events to algorithm instances (spec §2/§4.6/§4.7).
type Engine struct {
	log *slog.Logger
	cfg Config

	mu         sync.Mutex // guards nextTag, inflight, instances, stopped, runStarted
	nextTag    Tag
	inflight   inflightList
	instances  []*Instance
	algos      map[string]*algorithmDef
	stopped    bool
	runStarted bool

	sendq     *fifo[*Probe]
	recvq     *fifo[*Reply]
	pool      *socketPool
	timer     *timerWheel
	epfd      int
	stopfd    int // written by Stop to wake a blocked Run promptly
	snifferFD int
	runDone   chan struct{} // closed when Run returns
}

// New constructs an Engine. Returns a ConfigError synchronously for
// invalid configuration (spec §7).
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	sendq, err := newFIFO[*Probe](defaultSendQueueCap)
	if err != nil {
		return nil, &ResourceError{Op: "sendq", Err: err}
	}
	recvq, err := newFIFO[*Reply](defaultRecvQueueCap)
	if err != nil {
		return nil, &ResourceError{Op: "recvq", Err: err}
	}
	timer, err := newTimerWheel(cfg.Clock)
	if err != nil {
		return nil, &ResourceError{Op: "timerwheel", Err: err}
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &ResourceError{Op: "epoll_create1", Err: err}
	}

	e := &Engine{
		log:     cfg.Logger.With("component", "engine"),
		cfg:     cfg,
		sendq:   sendq,
		recvq:   recvq,
		pool:    newSocketPool(cfg.Interface),
		timer:   timer,
		epfd:    epfd,
		algos:   make(map[string]*algorithmDef),
		runDone: make(chan struct{}),
	}

	if err := e.cfg.Sniffer.Start(e.recvPush); err != nil {
		return nil, &ResourceError{Op: "sniffer.Start", Err: err}
	}
	e.snifferFD = cfg.Sniffer.FD()

	stopfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, &ResourceError{Op: "stopfd", Err: err}
	}
	e.stopfd = stopfd

	for _, fd := range []int{sendq.fd(), recvq.fd(), timer.fd(), e.snifferFD, e.stopfd} {
		ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
			return nil, &ResourceError{Op: "epoll_ctl", Err: err}
		}
	}

	return e, nil
}

// SetTimeout updates the engine-wide per-probe timeout (spec §5). Affects
// probes armed after the call, not probes already in flight.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Timeout = d
}

// GetTimeout returns the current engine-wide timeout.
func (e *Engine) GetTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Timeout
}

// RegisterAlgorithm registers a named algorithm handler with default options.
func (e *Engine) RegisterAlgorithm(name string, handler Handler, defaults AlgorithmDefaults) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.algos[name] = &algorithmDef{name: name, handler: handler, defaults: defaults}
}

// RunInstance creates and initializes a new algorithm instance. caller may
// be nil, meaning the instance is tree-rooted and its forwarded events
// reach the engine's Sink directly.
func (e *Engine) RunInstance(name string, options any, caller *Instance) (*Instance, error) {
	return e.runInstance(name, options, caller)
}

func (e *Engine) runInstance(name string, options any, caller *Instance) (*Instance, error) {
	e.mu.Lock()
	def, ok := e.algos[name]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownAlgorithm
	}
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrStopped
	}
	inst := &Instance{Name: name, Options: options, Caller: caller, engine: e, handler: def.handler}
	e.mu.Unlock()

	// INIT is dispatched directly, bypassing the HandlerError->AlgorithmError
	// contract: a ConfigError here must surface synchronously to the caller
	// (spec §7 "ConfigError ... surfaced synchronously at run_instance"),
	// not be downgraded into an ALGORITHM_ERROR/ALGORITHM_TERMINATED pair on
	// an instance that was never fully registered.
	if err := inst.handler(inst, Event{Type: AlgorithmInit, Target: inst}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.instances = append(e.instances, inst)
	if caller != nil {
		caller.children = append(caller.children, inst)
	}
	e.mu.Unlock()

	return inst, nil
}

// send enqueues a probe for transmission (exposed as Instance.Submit and
// the engine-level `send` operation of spec §6).
func (e *Engine) send(p *Probe) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	e.mu.Unlock()
	return e.sendq.push(p)
}

// recvPush is the sniffer's producer callback into C3 (spec §4.4); it may
// be called from the sniffer's own goroutine (spec §5).
func (e *Engine) recvPush(r *Reply) {
	_ = e.recvq.push(r)
}

// dispatch invokes an instance's handler for ev, honoring the
// HandlerError contract (spec §7): a non-nil return yields AlgorithmError
// then AlgorithmTerminated for that instance only.
func (e *Engine) dispatch(inst *Instance, ev Event) error {
	if inst == nil || inst.terminated {
		return nil
	}
	ev.Target = inst
	if err := inst.handler(inst, ev); err != nil {
		e.log.Error("handler error", "instance", inst.Name, "event", ev.Type.String(), "err", err)
		_ = inst.handler(inst, Event{Type: AlgorithmError, Cause: err, Target: inst})
		inst.terminate(e)
	}
	return nil
}

// Snapshot is a supplemental introspection feature (SPEC_FULL §4) grounded
// on latency.Manager.ServeLatency's read-under-lock pattern.
type Snapshot struct {
	Pending      int
	InFlight     int
	InstanceCount int
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Pending:       e.sendq.len(),
		InFlight:      e.inflight.len(),
		InstanceCount: len(e.instances),
	}
}

// Instances lists live instances (supplemental feature, SPEC_FULL §4).
func (e *Engine) Instances() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	var live []*Instance
	for _, inst := range e.instances {
		if !inst.terminated {
			live = append(live, inst)
		}
	}
	return live
}

// transmit drains up to TransmitBurst probes from the send queue,
// assigning a tag, stamping timestamps, writing wire bytes, and arming a
// deadline for each (spec §4.6).
func (e *Engine) transmit() {
	probes := e.sendq.popAll(e.cfg.TransmitBurst)
	for _, p := range probes {
		e.transmitOne(p)
	}
}

func (e *Engine) transmitOne(p *Probe) {
	e.mu.Lock()
	e.nextTag++
	if e.nextTag == 0 {
		e.mu.Unlock()
		e.log.Error("tag space exhausted")
		if p.Origin != nil {
			e.dispatch(p.Origin, Event{Type: ProbeSendFailed, Probe: p, Cause: ErrTagExhausted})
		}
		return
	}
	tag := e.nextTag
	now := e.cfg.Clock.Now()
	timeout := e.cfg.Timeout
	e.mu.Unlock()

	p.Tag = tag
	p.SentAt = now
	p.Deadline = now.Add(timeout)

	if len(p.Bytes) == 0 {
		b, err := e.cfg.PacketLayer.Forge(p.Fields)
		if err != nil {
			if p.Origin != nil {
				e.dispatch(p.Origin, Event{Type: ProbeSendFailed, Probe: p, Cause: err})
			}
			return
		}
		p.Bytes = b
	}

	sock, err := e.pool.lend(e.cfg.Family, e.cfg.Protocol)
	if err != nil {
		e.log.Error("lend socket failed", "err", err)
		if p.Origin != nil {
			e.dispatch(p.Origin, Event{Type: ProbeSendFailed, Probe: p, Cause: err})
		}
		return
	}

	sa, err := destToSockaddr(p.Dest)
	if err != nil {
		if p.Origin != nil {
			e.dispatch(p.Origin, Event{Type: ProbeSendFailed, Probe: p, Cause: err})
		}
		return
	}

	ttl, _ := p.Fields["ttl"].(int)
	if err := e.pool.sendToTTL(context.Background(), sock, sa, p.Bytes, ttl); err != nil {
		e.log.Warn("transmit failed", "tag", tag, "err", err)
		if p.Origin != nil {
			e.dispatch(p.Origin, Event{Type: ProbeSendFailed, Probe: p, Cause: err})
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.SendFailed.Inc()
		}
		return
	}

	p.state = StateInFlight
	e.mu.Lock()
	e.inflight.append(p)
	e.mu.Unlock()
	e.timer.arm(p.Deadline, tag)

	if e.cfg.Metrics != nil {
		e.cfg.Metrics.ProbesSent.Inc()
		e.cfg.Metrics.InFlight.Inc()
	}
}

// matchReply drains the receive queue and attempts to correlate each
// reply against the oldest compatible in-flight probe (spec §4.6).
func (e *Engine) matchReply() {
	replies := e.recvq.popAll(0)
	for _, r := range replies {
		e.matchOne(r)
	}
}

func (e *Engine) matchOne(r *Reply) {
	e.mu.Lock()
	p := e.inflight.matchOldest(r, e.cfg.PacketLayer)
	e.mu.Unlock()
	if p == nil {
		// MatchMiss: unmatched replies are common and not an error (spec §4.6/§7).
		return
	}
	p.state = StateCompleted
	e.timer.disarmTag(p.Tag)
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RepliesMatched.Inc()
		e.cfg.Metrics.InFlight.Dec()
	}
	if p.Origin != nil {
		// Payload carries the reply's resolved source address (spec §6
		// "source_address(reply) -> string"): the packet layer is the only
		// component that knows how to extract it, and algorithm instances
		// otherwise have no codec-aware way to tell "destination reached"
		// apart from "intermediate hop responded".
		e.dispatch(p.Origin, Event{Type: ProbeReply, Probe: p, Reply: r, Payload: e.cfg.PacketLayer.SourceAddress(r)})
	}
}

// expireOldest pops every elapsed deadline and emits PROBE_TIMEOUT for
// the corresponding probe (spec §4.6).
func (e *Engine) expireOldest() {
	expired := e.timer.popExpired()
	for _, d := range expired {
		e.mu.Lock()
		p := e.inflight.removeTag(d.tag)
		e.mu.Unlock()
		if p == nil {
			continue // already resolved by a reply (spec §5 mutual exclusion)
		}
		p.state = StateCompleted
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.Timeouts.Inc()
			e.cfg.Metrics.InFlight.Dec()
		}
		if p.Origin != nil {
			e.dispatch(p.Origin, Event{Type: ProbeTimeout, Probe: p})
		}
	}
}

// destToSockaddr converts a probe's destination endpoint summary into a
// raw sockaddr. Only IPv4 is supported, matching the teacher's raw-socket
// tools (tools/uping, tools/twamp/pkg/light).
func destToSockaddr(addr net.Addr) (unix.Sockaddr, error) {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return nil, fmt.Errorf("unsupported destination address type %T", addr)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("destination must be IPv4")
	}
	sa := &unix.SockaddrInet4{}
	copy(sa.Addr[:], ip4)
	return sa, nil
}
