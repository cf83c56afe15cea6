//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const maxEpollEvents = 16

// Run is C8: the cooperative event loop. It blocks on epoll over
// sendq/recvq/sniffer/timer/stop descriptors and, on each wake, services
// ready sources in the fixed priority order of spec §4.7:
//  1. sniffer drain -> recvq (the sniffer signals its own eventfd after
//     every push from its own goroutine, spec §5; that eventfd is drained
//     here, mirroring e.timer.drain() below, since an eventfd stays
//     level-triggered-readable until read)
//  2. recvq -> match -> reply events
//  3. timer -> timeout events
//  4. sendq -> transmit
//
// This ordering minimizes false timeouts: a reply already queued is
// matched before its probe's own deadline can fire. Run blocks until Stop
// is called or an engine-level failure occurs, returning that failure.
// Only one call to Run is supported per Engine.
func (e *Engine) Run() error {
	e.mu.Lock()
	if e.runStarted {
		e.mu.Unlock()
		return fmt.Errorf("engine: Run already called")
	}
	e.runStarted = true
	e.mu.Unlock()
	defer close(e.runDone)

	events := make([]unix.EpollEvent, maxEpollEvents)
	for {
		e.mu.Lock()
		stopped := e.stopped
		e.mu.Unlock()
		if stopped {
			return nil
		}

		n, err := unix.EpollWait(e.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &ResourceError{Op: "epoll_wait", Err: err}
		}

		ready := make(map[int32]bool, n)
		for i := 0; i < n; i++ {
			ready[events[i].Fd] = true
		}

		// Stop() writes here to wake an epoll_wait(-1) blocked forever on
		// no other activity; draining just resets the counter, the actual
		// exit happens via the stopped check at the top of the next pass.
		if ready[int32(e.stopfd)] {
			var buf [8]byte
			_, _ = unix.Read(e.stopfd, buf[:])
		}

		// (1) sniffer -> recvq.
		if ready[int32(e.snifferFD)] {
			var buf [8]byte
			_, _ = unix.Read(e.snifferFD, buf[:])
		}

		// (2) recvq -> match -> reply events. popAll clears the eventfd
		// itself once the queue drains empty (queue_linux.go).
		if ready[int32(e.recvq.fd())] {
			e.matchReply()
		}

		// (3) timer -> timeout events.
		if ready[int32(e.timer.fd())] {
			e.timer.drain()
			e.expireOldest()
		}

		// (4) sendq -> transmit.
		if ready[int32(e.sendq.fd())] {
			e.transmit()
		}
	}
}

// Stop signals the loop to exit after its current iteration and tears
// down owned resources: instances terminate children-before-parent (see
// Instance.terminate), sockets close, queues' eventfds close. If Run is currently blocked in
// epoll_wait, Stop wakes it via stopfd and waits for it to return before
// closing any fd the loop might still be touching.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	started := e.runStarted
	instances := append([]*Instance(nil), e.instances...)
	e.mu.Unlock()

	if started {
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(e.stopfd, one[:])
		<-e.runDone
	}

	for _, inst := range instances {
		if inst.Caller == nil {
			inst.terminate(e)
		}
	}

	if err := e.cfg.Sniffer.Stop(); err != nil {
		e.log.Warn("sniffer stop failed", "err", err)
	}
	e.pool.close()
	_ = e.timer.close()
	_ = e.sendq.close()
	_ = e.recvq.close()
	_ = unix.Close(e.stopfd)
	return unix.Close(e.epfd)
}
