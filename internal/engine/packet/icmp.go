// Package packet implements the engine.PacketLayer collaborator (spec §6)
// for ICMP echo probes: forging outbound echo requests, parsing inbound
// ICMP datagrams (echo replies, and the TTL-exceeded / destination
// unreachable messages a traceroute-style probe actually lives on), and
// fingerprint-matching a reply back to the probe that caused it.
//
// Grounded on tools/uping/pkg/uping/sender.go (fillICMPEcho, icmpChecksum,
// validateEchoReply) and tools/uping/pkg/uping/listener.go
// (onesComplement16, raw IPv4/ICMP parsing), reimplemented against
// golang.org/x/net/icmp + golang.org/x/net/ipv4 rather than the teacher's
// hand-rolled byte twiddling.
package packet

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/tracelet/internal/engine"
)

// protocolICMP is the IP protocol number for ICMP, as required by
// icmp.ParseMessage's proto argument when parsing non-IPv6 messages.
const protocolICMP = 1

// ICMPLayer is the engine.PacketLayer for plain ICMP echo probes. A single
// instance is shared by every in-flight probe; it holds no per-probe
// state, so it is safe to register once on the Engine's Config.
type ICMPLayer struct{}

var _ engine.PacketLayer = ICMPLayer{}

// echoFields is the Fields shape this layer reads and writes (spec §6: the
// packet layer owns the concrete content of a Probe's Fields map).
//
//	id:   uint16 echo identifier (typically the process's low 16 bits)
//	seq:  uint16 echo sequence number
//	ttl:  int    outbound TTL (consulted by the engine's transmit path)
//	dst:  net.IP destination, duplicated from Probe.Dest for convenience

// Forge builds the wire bytes for an ICMP echo request carrying fields'
// id/seq and an 8-byte send-time nonce as payload. Matches compares only
// id/seq; the nonce is not consulted.
func (ICMPLayer) Forge(fields engine.Fields) ([]byte, error) {
	id, _ := fields["id"].(uint16)
	seq, _ := fields["seq"].(uint16)

	nonce := make([]byte, 8)
	binary.BigEndian.PutUint64(nonce, uint64(time.Now().UnixNano()))

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(id),
			Seq:  int(seq),
			Data: nonce,
		},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return nil, fmt.Errorf("marshal echo request: %w", err)
	}
	return b, nil
}

// parsed is the result of decoding an inbound datagram: the reporting
// hop's address and the id/seq of the original echo request it concerns,
// however many IP/ICMP layers that took to extract.
type parsed struct {
	from net.IP
	id   uint16
	seq  uint16
	kind ipv4.ICMPType
}

// Parse decodes raw into engine.Fields describing the reporting hop and
// which original probe it concerns (spec §6: Parse feeds Fingerprint's raw
// material). The same decode path backs Matches and SourceAddress below.
func (l ICMPLayer) Parse(raw []byte) (engine.Fields, error) {
	p, err := decode(raw)
	if err != nil {
		return nil, err
	}
	return engine.Fields{
		"id":   p.id,
		"seq":  p.seq,
		"from": p.from,
		"kind": int(p.kind),
	}, nil
}

// Fingerprint returns the (id, seq) pair a reply must carry to match p, as
// a comparable value the engine can use for equality (spec §4.6).
func (ICMPLayer) Fingerprint(p *engine.Probe) (any, error) {
	id, _ := p.Fields["id"].(uint16)
	seq, _ := p.Fields["seq"].(uint16)
	return [2]uint16{id, seq}, nil
}

// Matches reports whether reply concerns probe p: its embedded original
// echo request's id/seq matches p's Fields, regardless of whether the
// reply is an echo reply (destination reached) or a TTL-exceeded /
// unreachable message from an intermediate hop (spec §4.6/§9).
func (l ICMPLayer) Matches(p *engine.Probe, reply *engine.Reply) bool {
	dec, err := decode(reply.Bytes)
	if err != nil {
		return false
	}
	wantID, _ := p.Fields["id"].(uint16)
	wantSeq, _ := p.Fields["seq"].(uint16)
	return dec.id == wantID && dec.seq == wantSeq
}

// SourceAddress returns the IPv4 address of the hop that sent reply,
// i.e. the outer IP header's source, not any embedded original datagram.
func (l ICMPLayer) SourceAddress(reply *engine.Reply) string {
	dec, err := decode(reply.Bytes)
	if err != nil {
		return ""
	}
	return dec.from.String()
}

// decode strips the outer IPv4 header, parses the ICMP message, and for
// TimeExceeded/DestinationUnreachable messages descends into the embedded
// original datagram to recover its echo id/seq (spec §9 "a traceroute
// probe is 'replied to' by an intermediate router's error message, not a
// direct echo reply").
func decode(raw []byte) (parsed, error) {
	if len(raw) < ipv4.HeaderLen {
		return parsed{}, fmt.Errorf("icmp: packet too short for IPv4 header (%d bytes)", len(raw))
	}
	ipHdr, err := ipv4.ParseHeader(raw)
	if err != nil {
		return parsed{}, fmt.Errorf("parse ipv4 header: %w", err)
	}
	if len(raw) < ipHdr.Len {
		return parsed{}, fmt.Errorf("icmp: packet shorter than its declared IP header")
	}
	payload := raw[ipHdr.Len:]

	msg, err := icmp.ParseMessage(protocolICMP, payload)
	if err != nil {
		return parsed{}, fmt.Errorf("parse icmp message: %w", err)
	}

	switch body := msg.Body.(type) {
	case *icmp.Echo:
		return parsed{from: ipHdr.Src, id: uint16(body.ID), seq: uint16(body.Seq), kind: ipv4.ICMPTypeEchoReply}, nil

	case *icmp.TimeExceeded:
		id, seq, err := innerEchoIDSeq(body.Data)
		if err != nil {
			return parsed{}, err
		}
		return parsed{from: ipHdr.Src, id: id, seq: seq, kind: ipv4.ICMPTypeTimeExceeded}, nil

	case *icmp.DstUnreach:
		id, seq, err := innerEchoIDSeq(body.Data)
		if err != nil {
			return parsed{}, err
		}
		return parsed{from: ipHdr.Src, id: id, seq: seq, kind: ipv4.ICMPTypeDestinationUnreachable}, nil

	default:
		return parsed{}, fmt.Errorf("icmp: unhandled message type %v", msg.Type)
	}
}

// innerEchoIDSeq recovers the id/seq of the original echo request embedded
// in a TimeExceeded/DstUnreach body: the original IP header followed by
// the leading octets of the original ICMP header. golang.org/x/net/icmp
// doesn't unwrap this second layer itself, so it's done here by hand
// against the fixed echo-request layout (type,code,checksum,id,seq), the
// same offsets the teacher computes in listener.go's onesComplement16
// callers.
func innerEchoIDSeq(data []byte) (uint16, uint16, error) {
	if len(data) < ipv4.HeaderLen {
		return 0, 0, fmt.Errorf("icmp: embedded datagram too short for an IP header")
	}
	innerIHL := int(data[0]&0x0f) * 4
	if innerIHL < ipv4.HeaderLen || len(data) < innerIHL+8 {
		return 0, 0, fmt.Errorf("icmp: embedded datagram too short for its original ICMP header")
	}
	innerICMP := data[innerIHL:]
	id := binary.BigEndian.Uint16(innerICMP[4:6])
	seq := binary.BigEndian.Uint16(innerICMP[6:8])
	return id, seq, nil
}
