//go:build linux

package engine

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

var (
	errInvalidThreshold = errors.New("threshold must be positive")
	errBoom             = errors.New("boom")
)

// fakeSniffer is a Sniffer test double: it exposes its own eventfd and lets
// the test inject replies directly, without a real capture device.
type fakeSniffer struct {
	efd  int
	push func(*Reply)
}

func newFakeSniffer(t *testing.T) *fakeSniffer {
	t.Helper()
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	require.NoError(t, err)
	return &fakeSniffer{efd: efd}
}

func (s *fakeSniffer) Start(push func(*Reply)) error { s.push = push; return nil }
func (s *fakeSniffer) Stop() error                   { return unix.Close(s.efd) }
func (s *fakeSniffer) FD() int                        { return s.efd }

var _ Sniffer = (*fakeSniffer)(nil)

func (s *fakeSniffer) inject(r *Reply) {
	s.push(r)
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(s.efd, one[:])
}

func newTestEngine(t *testing.T, sniffer Sniffer) *Engine {
	t.Helper()
	eng, err := New(Config{
		Logger:      nil,
		PacketLayer: fakeLayer{},
		Sniffer:     sniffer,
		Family:      unix.AF_INET,
		Protocol:    unix.IPPROTO_ICMP,
		Timeout:     50 * time.Millisecond,
		Clock:       clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Stop() })
	return eng
}

func TestEngine_RunInstance_UnknownAlgorithm(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))
	_, err := eng.RunInstance("does-not-exist", nil, nil)
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestEngine_RunInstance_ConfigErrorSurfacesSynchronously(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))

	eng.RegisterAlgorithm("bad", func(inst *Instance, ev Event) error {
		if ev.Type == AlgorithmInit {
			return &ConfigError{Field: "threshold", Err: errInvalidThreshold}
		}
		return nil
	}, nil)

	inst, err := eng.RunInstance("bad", nil, nil)
	require.Nil(t, inst)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Empty(t, eng.Instances())
}

func TestEngine_Terminate_DeliversAlgorithmTerminated(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))

	var seen []EventType
	eng.RegisterAlgorithm("echo", func(inst *Instance, ev Event) error {
		seen = append(seen, ev.Type)
		return nil
	}, nil)

	inst, err := eng.RunInstance("echo", nil, nil)
	require.NoError(t, err)
	require.Len(t, eng.Instances(), 1)

	inst.Terminate()
	require.Equal(t, []EventType{AlgorithmInit, AlgorithmTerminated}, seen)

	// Terminate is idempotent.
	inst.Terminate()
	require.Equal(t, []EventType{AlgorithmInit, AlgorithmTerminated}, seen)
}

func TestEngine_HandlerError_TerminatesOnlyThatInstance(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))

	var badSeen, goodSeen []EventType
	eng.RegisterAlgorithm("bad", func(inst *Instance, ev Event) error {
		badSeen = append(badSeen, ev.Type)
		if ev.Type == ProbeTimeout {
			return errBoom
		}
		return nil
	}, nil)
	eng.RegisterAlgorithm("good", func(inst *Instance, ev Event) error {
		goodSeen = append(goodSeen, ev.Type)
		return nil
	}, nil)

	bad, err := eng.RunInstance("bad", nil, nil)
	require.NoError(t, err)
	good, err := eng.RunInstance("good", nil, nil)
	require.NoError(t, err)

	eng.dispatch(bad, Event{Type: ProbeTimeout})
	eng.dispatch(good, Event{Type: ProbeTimeout})

	require.Equal(t, []EventType{AlgorithmInit, ProbeTimeout, AlgorithmError, AlgorithmTerminated}, badSeen)
	require.Equal(t, []EventType{AlgorithmInit, ProbeTimeout}, goodSeen)
}

func TestEngine_MatchReply_OldestFirstAndDisarmsDeadline(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))

	eng.RegisterAlgorithm("recv", func(inst *Instance, ev Event) error { return nil }, nil)
	inst, err := eng.RunInstance("recv", nil, nil)
	require.NoError(t, err)

	p1 := &Probe{Tag: 1, Fields: Fields{"id": 5}, Origin: inst}
	p2 := &Probe{Tag: 2, Fields: Fields{"id": 5}, Origin: inst}
	eng.inflight.append(p1)
	eng.inflight.append(p2)
	eng.timer.arm(eng.cfg.Clock.Now().Add(time.Second), p1.Tag)
	eng.timer.arm(eng.cfg.Clock.Now().Add(time.Second), p2.Tag)

	eng.matchOne(&Reply{Bytes: []byte{5}})
	require.Equal(t, 1, eng.inflight.len())
	require.Same(t, p2, eng.inflight.probes[0])
	require.Equal(t, StateCompleted, p1.State())
	require.Len(t, eng.timer.entries, 1)
	require.Equal(t, p2.Tag, eng.timer.entries[0].tag)

	eng.matchOne(&Reply{Bytes: []byte{5}})
	require.Equal(t, 0, eng.inflight.len())
	require.Empty(t, eng.timer.entries)
}

func TestEngine_ExpireOldest_DropsProbesWithoutOrigin(t *testing.T) {
	t.Parallel()
	eng := newTestEngine(t, newFakeSniffer(t))
	clock := eng.cfg.Clock.(clockwork.FakeClock)

	p := &Probe{Tag: 1}
	eng.inflight.append(p)
	eng.timer.arm(clock.Now().Add(10*time.Millisecond), p.Tag)

	clock.Advance(20 * time.Millisecond)
	eng.expireOldest()
	require.Equal(t, 0, eng.inflight.len())
}

func TestDestToSockaddr_RejectsNonIPv4(t *testing.T) {
	t.Parallel()
	_, err := destToSockaddr(&net.IPAddr{IP: net.ParseIP("::1")})
	require.Error(t, err)
}

