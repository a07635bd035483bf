// Package preprocess implements the binding's version-invariant packet
// preprocessor: the first thing the receive
// dispatcher runs on every datagram, deciding drop / enqueue-VN / keep.
package preprocess

import (
	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/wire"
)

// Result is the outcome of Process. When Keep is false, Release instructs
// the caller whether to return the datagram to the datapath pool now
// (false means a stateless op took ownership).
type Result struct {
	Keep    bool
	Release bool
}

// ListenerCount reports how many listeners are currently registered on the
// binding, gating whether an unsupported version triggers a Version
// Negotiation stateless op or a silent drop.
type ListenerCount interface {
	ListenerCount() int
}

// StatelessEnqueuer hands a Version Negotiation request to the binding's
// stateless-op machinery. internal/dispatch implements it; it is an
// interface here because dispatch imports preprocess, so importing dispatch
// from this package would be a cycle.
type StatelessEnqueuer interface {
	EnqueueVersionNegotiation(dgram quicbind.Datagram) bool
}

// Process validates the version-invariant header of dgram and decides
// whether to keep it for delivery, drop it, or route it to a Version
// Negotiation stateless op.
func Process(dgram *quicbind.Datagram, listeners ListenerCount, enqueuer StatelessEnqueuer) Result {
	// Step (i): zero the per-datagram packet metadata. Doing this first
	// and unconditionally is what makes preprocessing idempotent:
	// preprocessing the same buffer twice yields the same metadata.
	dgram.Meta.Reset()

	// Step (ii): validate the invariant header.
	inv, ok := wire.ParseInvariant(dgram.Buf)
	if !ok {
		return Result{Keep: false, Release: true}
	}

	dgram.Meta.LongHeader = inv.LongHeader
	dgram.Meta.Version = inv.Version
	dgram.Meta.DestCID = inv.DestCID
	dgram.Meta.SrcCID = inv.SrcCID

	if !inv.LongHeader {
		// Step (iv): short header packets are always kept for delivery;
		// there's no version to check.
		dgram.Meta.HeaderInvariantValidated = true
		return Result{Keep: true}
	}

	// Step (iii): long header with an unsupported version.
	if !wire.IsSupported(inv.Version) && inv.Version != wire.VersionNegotiation {
		if listeners.ListenerCount() == 0 {
			return Result{Keep: false, Release: true}
		}
		if enqueuer.EnqueueVersionNegotiation(*dgram) {
			return Result{Keep: false, Release: false}
		}
		// The stateless-op cache refused (capacity/duplicate): drop.
		return Result{Keep: false, Release: true}
	}

	dgram.Meta.HeaderInvariantValidated = true
	return Result{Keep: true}
}
