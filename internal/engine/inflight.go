package engine

// inflightList is the ordered sequence of spec §3 ("In-flight list"):
// oldest-first, insertion order == deadline order because the engine-wide
// timeout is fixed. A plain slice is sufficient at the scale this engine
// operates at (spec §9: "upgrade to a hash-indexed structure only if
// profiling shows match is hot").
type inflightList struct {
	probes []*Probe
}

func (l *inflightList) append(p *Probe) {
	l.probes = append(l.probes, p)
}

// removeTag removes and returns the probe with the given tag, or nil if absent.
func (l *inflightList) removeTag(tag Tag) *Probe {
	for i, p := range l.probes {
		if p.Tag == tag {
			l.probes = append(l.probes[:i], l.probes[i+1:]...)
			return p
		}
	}
	return nil
}

// matchOldest scans oldest-first for the first probe whose fingerprint
// matches reply under layer's comparator, removing and returning it on a
// hit (spec §4.6 "Tie-break: first insertion wins").
func (l *inflightList) matchOldest(reply *Reply, layer PacketLayer) *Probe {
	for i, p := range l.probes {
		if layer.Matches(p, reply) {
			l.probes = append(l.probes[:i], l.probes[i+1:]...)
			return p
		}
	}
	return nil
}

func (l *inflightList) len() int { return len(l.probes) }
