//go:build linux

package engine

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"
)

// deadlineHandle identifies an armed deadline for disarm.
type deadlineHandle uint64

type deadlineEntry struct {
	handle   deadlineHandle
	deadline time.Time
	tag      Tag
}

// timerWheel is C6. Because the engine-wide timeout is a single
// configurable value, probes are armed in send order, which is also
// deadline order (spec §4.5) — so a plain ordered slice suffices; the
// spec itself flags a heap as the upgrade path if per-probe timeouts are
// ever introduced (not required here). Backed by a single timerfd so its
// readable descriptor fires exactly when the earliest deadline elapses.
type timerWheel struct {
	clock   clockwork.Clock
	entries []deadlineEntry
	nextID  deadlineHandle
	timerfd int
}

func newTimerWheel(clock clockwork.Clock) (*timerWheel, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	return &timerWheel{clock: clock, timerfd: fd}, nil
}

// arm inserts a new deadline, maintaining deadline order, and rearms the
// kernel timer if this is now the earliest deadline.
func (w *timerWheel) arm(deadline time.Time, tag Tag) deadlineHandle {
	w.nextID++
	h := w.nextID
	w.entries = append(w.entries, deadlineEntry{handle: h, deadline: deadline, tag: tag})
	// Insertion order == deadline order per the engine-wide-timeout invariant
	// (spec §3 "In-flight list"), so no resort is needed here.
	if len(w.entries) == 1 {
		w.rearm()
	}
	return h
}

// disarm removes a deadline before it fires (e.g. on reply match).
func (w *timerWheel) disarm(h deadlineHandle) {
	for i, e := range w.entries {
		if e.handle == h {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			if i == 0 {
				w.rearm()
			}
			return
		}
	}
}

// disarmTag removes the armed deadline for tag, if any — used when a
// reply resolves a probe before its deadline elapses. Tags are unique
// among in-flight probes (spec §3 invariant), so this is an unambiguous
// lookup without needing to thread the arm-time handle back through Probe.
func (w *timerWheel) disarmTag(tag Tag) {
	for i, e := range w.entries {
		if e.tag == tag {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			if i == 0 {
				w.rearm()
			}
			return
		}
	}
}

// popExpired removes and returns every entry whose deadline has elapsed,
// oldest first, then rearms the kernel timer for the new earliest entry.
func (w *timerWheel) popExpired() []deadlineEntry {
	now := w.clock.Now()
	var expired []deadlineEntry
	i := 0
	for i < len(w.entries) && !w.entries[i].deadline.After(now) {
		i++
	}
	if i > 0 {
		expired = append(expired, w.entries[:i]...)
		w.entries = w.entries[i:]
		w.rearm()
	}
	return expired
}

// fd returns the timerfd, readable once the earliest deadline elapses.
func (w *timerWheel) fd() int { return w.timerfd }

// drain consumes the timerfd's expiration counter after a wake.
func (w *timerWheel) drain() {
	var buf [8]byte
	_, _ = unix.Read(w.timerfd, buf[:])
}

// rearm reprograms the kernel timer for the current earliest deadline, or
// disarms it entirely when the wheel is empty.
func (w *timerWheel) rearm() {
	var spec unix.ItimerSpec
	if len(w.entries) == 0 {
		unix.TimerfdSettime(w.timerfd, 0, &spec, nil)
		return
	}
	remaining := w.entries[0].deadline.Sub(w.clock.Now())
	if remaining <= 0 {
		remaining = time.Nanosecond
	}
	spec.Value.Sec = int64(remaining / time.Second)
	spec.Value.Nsec = int64(remaining % time.Second)
	_ = unix.TimerfdSettime(w.timerfd, 0, &spec, nil)
}

func (w *timerWheel) close() error {
	return unix.Close(w.timerfd)
}
