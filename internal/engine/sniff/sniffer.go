// Package sniff implements the engine.Sniffer collaborator (C5) with a
// live pcap capture, grounded on the teacher's general use of
// github.com/google/gopacket for layer decode (seen in
// client/doublezerod/internal/pim) and on the RawConner-style
// interface-over-concrete-handle seam pim.PIMServer uses to stay testable
// without a real socket.
package sniff

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/tracelet/internal/engine"
)

const (
	defaultSnapLen = 256
	defaultBPF     = "icmp"
	pollTimeout    = 100 * time.Millisecond
)

// handle is the subset of *pcap.Handle the sniffer needs; swapping in a
// fake for tests follows the same seam as pim.RawConner.
type handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// Config configures a live ICMP capture.
type Config struct {
	Logger *slog.Logger

	// Interface is the capture device name (e.g. "eth0"); required.
	Interface string

	// Filter is a BPF expression; defaults to "icmp" when empty.
	Filter string

	// SnapLen bounds the captured length per packet; defaulted if zero.
	SnapLen int32
}

func (c *Config) validate() error {
	if c.Interface == "" {
		return fmt.Errorf("sniff: interface is required")
	}
	if c.Filter == "" {
		c.Filter = defaultBPF
	}
	if c.SnapLen <= 0 {
		c.SnapLen = defaultSnapLen
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Sniffer is a live pcap capture satisfying engine.Sniffer. It signals
// readiness through an eventfd rather than any descriptor pcap itself
// exposes, matching the eventfd-wakes-epoll idiom already used for the
// send/receive queues (internal/engine/queue_linux.go).
type Sniffer struct {
	log *slog.Logger
	cfg Config

	mu     sync.Mutex
	h      handle
	efd    int
	done   chan struct{}
	wg     sync.WaitGroup
	opened bool
}

var _ engine.Sniffer = (*Sniffer)(nil)

// New opens nothing yet; the pcap handle is created in Start so
// construction can't fail a caller that only wants to validate config.
func New(cfg Config) (*Sniffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sniff: eventfd: %w", err)
	}
	return &Sniffer{log: cfg.Logger.With("component", "sniffer"), cfg: cfg, efd: efd, done: make(chan struct{})}, nil
}

// Start opens the live capture, installs the BPF filter, and begins
// pushing decoded replies to push from a dedicated goroutine.
func (s *Sniffer) Start(push func(*engine.Reply)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return fmt.Errorf("sniff: already started")
	}

	ih, err := pcap.OpenLive(s.cfg.Interface, s.cfg.SnapLen, true, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("sniff: open %q: %w", s.cfg.Interface, err)
	}
	if err := ih.SetBPFFilter(s.cfg.Filter); err != nil {
		ih.Close()
		return fmt.Errorf("sniff: set filter %q: %w", s.cfg.Filter, err)
	}

	s.h = ih
	s.opened = true
	s.wg.Add(1)
	go s.loop(push)
	return nil
}

// loop drains captured packets until Stop closes the handle, extracting
// the IPv4 payload (header included) from each and pushing it as a
// Reply; the engine's PacketLayer does the rest of the decoding.
func (s *Sniffer) loop(push func(*engine.Reply)) {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}

		data, ci, err := s.h.ReadPacketData()
		if err != nil {
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			s.log.Debug("read packet data", "err", err)
			continue
		}

		ipBytes := ipv4Payload(data)
		if ipBytes == nil {
			continue
		}

		push(&engine.Reply{Bytes: ipBytes, CapturedAt: ci.Timestamp})
		var one [8]byte
		one[0] = 1
		_, _ = unix.Write(s.efd, one[:])
	}
}

// ipv4Payload strips any link-layer framing gopacket's decoder finds,
// returning the IPv4 header onward (header bytes plus everything after),
// or nil if the capture isn't IPv4.
func ipv4Payload(data []byte) []byte {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		return append(ip4.LayerContents(), ip4.LayerPayload()...)
	}
	// Some capture links (e.g. "any", raw) have no Ethernet framing;
	// fall back to decoding directly as IPv4.
	pkt = gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.NoCopy)
	if ip4 := pkt.Layer(layers.LayerTypeIPv4); ip4 != nil {
		return append(ip4.LayerContents(), ip4.LayerPayload()...)
	}
	return nil
}

// Stop closes the capture handle, which unblocks the read loop, then
// waits for it to exit.
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	s.h.Close()
	s.mu.Unlock()

	s.wg.Wait()
	return unix.Close(s.efd)
}

// FD returns the eventfd signaled after every pushed reply.
func (s *Sniffer) FD() int { return s.efd }
