package engine

import "time"

// Reply is a captured inbound packet plus its capture timestamp (spec §3).
// Created by the sniffer, consumed by the matcher, destroyed after event
// emission — it carries no further state once dispatched.
type Reply struct {
	Bytes     []byte
	CapturedAt time.Time
}

// PacketLayer is the external collaborator from spec §6: it owns wire
// encoding/decoding and the probe<->reply comparator. The engine never
// parses headers itself.
type PacketLayer interface {
	// Forge renders typed fields into wire bytes for a new probe.
	Forge(fields Fields) ([]byte, error)

	// Parse extracts a typed field map from a captured reply's bytes.
	Parse(b []byte) (Fields, error)

	// Fingerprint returns the comparison key for a probe: the subset of
	// header fields that must echo in a matching reply.
	Fingerprint(p *Probe) (any, error)

	// Matches reports whether reply correlates with probe under the
	// protocol's matching discipline (spec §3 "Probe<->Reply match").
	Matches(p *Probe, r *Reply) bool

	// SourceAddress returns the textual source address a reply arrived from.
	SourceAddress(r *Reply) string
}
