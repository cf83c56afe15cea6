//go:build linux

package engine

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestTimerWheel_PopExpired_OldestFirst(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	w, err := newTimerWheel(clock)
	require.NoError(t, err)
	defer w.close()

	h1 := w.arm(clock.Now().Add(10*time.Millisecond), Tag(1))
	h2 := w.arm(clock.Now().Add(20*time.Millisecond), Tag(2))
	_ = h1
	_ = h2

	require.Empty(t, w.popExpired())

	clock.Advance(15 * time.Millisecond)
	expired := w.popExpired()
	require.Len(t, expired, 1)
	require.Equal(t, Tag(1), expired[0].tag)

	clock.Advance(10 * time.Millisecond)
	expired = w.popExpired()
	require.Len(t, expired, 1)
	require.Equal(t, Tag(2), expired[0].tag)
}

func TestTimerWheel_Disarm_RemovesEntryBeforeExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	w, err := newTimerWheel(clock)
	require.NoError(t, err)
	defer w.close()

	h := w.arm(clock.Now().Add(5*time.Millisecond), Tag(1))
	w.disarm(h)

	clock.Advance(10 * time.Millisecond)
	require.Empty(t, w.popExpired())
}

func TestTimerWheel_DisarmTag_RemovesByTag(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	w, err := newTimerWheel(clock)
	require.NoError(t, err)
	defer w.close()

	w.arm(clock.Now().Add(5*time.Millisecond), Tag(7))
	w.disarmTag(Tag(7))

	clock.Advance(10 * time.Millisecond)
	require.Empty(t, w.popExpired())
}
