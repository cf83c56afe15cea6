//go:build linux

package engine

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// requireRawSockets skips nothing; like the teacher's
// tools/uping/pkg/uping/sender_test.go, it fails loudly when the test
// environment can't open a raw ICMP socket rather than silently passing.
func requireRawSockets(t *testing.T) {
	t.Helper()
	c, err := net.ListenIP("ip4:icmp", &net.IPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err == nil {
		_ = c.Close()
		return
	}
	require.NoError(t, err)
}

func TestSocketPool_Lend_CachesByKey(t *testing.T) {
	requireRawSockets(t)
	t.Parallel()
	p := newSocketPool("")
	defer p.close()

	s1, err := p.lend(unix.AF_INET, unix.IPPROTO_ICMP)
	require.NoError(t, err)
	s2, err := p.lend(unix.AF_INET, unix.IPPROTO_ICMP)
	require.NoError(t, err)
	require.Same(t, s1, s2)
}

func TestSocketPool_SendToTTL_SetsIPTTLAndSends(t *testing.T) {
	requireRawSockets(t)
	t.Parallel()
	p := newSocketPool("")
	defer p.close()

	s, err := p.lend(unix.AF_INET, unix.IPPROTO_ICMP)
	require.NoError(t, err)

	dst := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	echo := []byte{8, 0, 0, 0, 0, 0, 0, 0}
	require.NoError(t, p.sendToTTL(context.Background(), s, dst, echo, 5))
}
