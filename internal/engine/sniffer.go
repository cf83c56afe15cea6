package engine

// Sniffer is the external capture collaborator consumed by the engine
// (spec §6 "Sniffer (consumed)"). It starts a capture bound to a coarse
// filter, pushes each captured reply to push, and exposes a single
// readable descriptor the loop polls for wake-and-drain (spec §4.4).
type Sniffer interface {
	Start(push func(*Reply)) error
	Stop() error
	FD() int
}
