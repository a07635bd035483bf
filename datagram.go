package quicbind

import (
	"net/netip"

	"github.com/pg9182/quicbind/internal/wire"
)

// Datagram is a single received UDP datagram flowing through the binding
// layer, from the datapath's receive callback down to either a
// connection's receive queue or a stateless operation.
type Datagram struct {
	// Buf is the raw datagram bytes. Binding.onReceive copies them out of
	// the datapath's receive buffer, so a Datagram owns its Buf and may
	// outlive the receive callback (a stateless operation keeps it until
	// its response is built).
	Buf []byte

	// Remote is the datagram's source address.
	Remote netip.AddrPort

	// Local is the local address the datagram was received on, if the
	// datapath reports per-datagram local addresses (e.g. for a wildcard
	// binding).
	Local netip.AddrPort

	// Meta holds the version-invariant header fields decided by the packet
	// preprocessor. It is reset and repopulated each time Process runs, so
	// preprocessing the same buffer twice yields the same metadata.
	Meta Meta
}

// Meta is the per-datagram metadata produced by the packet preprocessor.
// Keeping it separate from Datagram makes it easy to reset in place at the
// start of each preprocessing pass.
type Meta struct {
	HeaderInvariantValidated bool
	LongHeader               bool
	Version                  wire.Version
	DestCID                  wire.CID
	SrcCID                   wire.CID
	ValidToken               bool
}

// Reset zeroes m in place.
func (m *Meta) Reset() {
	*m = Meta{}
}

// RefReason documents why a reference was taken on a connection or binding.
// Callers name the reason for readability in logs, not for correctness
// (AddRef/Release are still plain counters).
type RefReason string

const (
	RefReasonLookup     RefReason = "lookup"
	RefReasonRouting    RefReason = "routing"
	RefReasonListener   RefReason = "listener"
	RefReasonStatelessOp RefReason = "stateless-op"
)
