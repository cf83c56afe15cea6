//go:build linux

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// socketKey identifies a pooled raw sending endpoint by address family and
// protocol, per spec §4.3.
type socketKey struct {
	family   int
	protocol int
}

// rawSocket is a lent raw sending endpoint. Close is not exposed to
// callers; a lent socket stays cached in the pool (there is no per-send
// return operation) and is closed only by socketPool.close, per spec §4.3
// "created lazily, cached, and closed on engine shutdown".
type rawSocket struct {
	fd int
}

// socketPool is C4. Sockets are created lazily and cached per
// (family, protocol); lend never blocks on socket creation concurrency
// since the engine is single-threaded (spec §5), so no per-key locking is
// needed beyond the map mutex. Grounded on the raw-socket lifecycle in
// tools/uping/pkg/uping/sender.go (NewSender/reopen) and the non-blocking,
// SO_BINDTODEVICE setup in tools/twamp/pkg/light/sender_linux.go.
type socketPool struct {
	mu      sync.Mutex
	sockets map[socketKey]*rawSocket
	iface   string
}

func newSocketPool(iface string) *socketPool {
	return &socketPool{sockets: make(map[socketKey]*rawSocket), iface: iface}
}

// lend returns the cached socket for (family, protocol), creating it if
// necessary. A socket creation or SO_BINDTODEVICE failure (permission
// denied included) is returned as a ResourceError (spec §4.3); the engine's
// transmit path reports it to the probe's origin as PROBE_SEND_FAILED and
// does not stop the loop.
func (p *socketPool) lend(family, protocol int) (*rawSocket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := socketKey{family, protocol}
	if s, ok := p.sockets[key]; ok {
		return s, nil
	}

	fd, err := unix.Socket(family, unix.SOCK_RAW|unix.SOCK_NONBLOCK, protocol)
	if err != nil {
		return nil, &ResourceError{Op: "socket", Err: err}
	}
	if p.iface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, p.iface); err != nil {
			unix.Close(fd)
			return nil, &ResourceError{Op: "SO_BINDTODEVICE", Err: err}
		}
	}
	s := &rawSocket{fd: fd}
	p.sockets[key] = s
	return s, nil
}

// sendTo transmits b to dst, retrying once after a failed send before
// returning the error wrapped as "transient send error" (spec §4.3/§7).
// The retry uses a constant 10ms backoff limited to one retry, expressing
// "retried once" declaratively rather than as a hand-rolled boolean; every
// send error is retried, not only transient ones.
func (p *socketPool) sendTo(ctx context.Context, s *rawSocket, dst unix.Sockaddr, b []byte) error {
	op := func() error {
		return unix.Sendto(s.fd, b, 0, dst)
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("transient send error: %w", err)
	}
	return nil
}

// sendToTTL is sendTo with the outbound IP TTL pinned to ttl first, used by
// traceroute-style algorithms that vary TTL probe-to-probe (spec §9,
// "transmit() consults probe.Fields for wire parameters the codec doesn't
// own"). Safe without per-send locking because the engine's single-threaded
// loop serializes every transmitOne call (spec §5).
func (p *socketPool) sendToTTL(ctx context.Context, s *rawSocket, dst unix.Sockaddr, b []byte, ttl int) error {
	if ttl > 0 {
		if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IP, unix.IP_TTL, ttl); err != nil {
			return &ResourceError{Op: "IP_TTL", Err: err}
		}
	}
	return p.sendTo(ctx, s, dst, b)
}

// close releases every pooled socket. Called once, on engine shutdown.
func (p *socketPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, s := range p.sockets {
		unix.Close(s.fd)
		delete(p.sockets, key)
	}
}
