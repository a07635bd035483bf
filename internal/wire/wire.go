// Package wire parses and builds the version-invariant and v1 QUIC header
// formats used by the binding layer: just enough to classify a datagram and
// to build Version Negotiation, Stateless Reset, and Retry responses. It does
// not implement TLS, transport parameters, or frame parsing.
package wire

import "encoding/binary"

// CID is an opaque QUIC connection ID.
type CID []byte

// Equal reports whether c and o contain the same bytes.
func (c CID) Equal(o CID) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of c.
func (c CID) Clone() CID {
	n := make(CID, len(c))
	copy(n, c)
	return n
}

// Version is a QUIC version number.
type Version uint32

// Versions this binding layer understands well enough to fully validate the
// long header and make admission decisions for.
const (
	VersionNegotiation Version = 0
	VersionDraft27      Version = 0xff00_001b
	VersionDraft28      Version = 0xff00_001c
	VersionDraft29      Version = 0xff00_001d
	VersionMsQuic1      Version = 0x0000_0001
)

// versionReservedMask identifies the low bits that a "reserved for greasing"
// version must satisfy: (V & Mask) == 0x0a0a0a0a, per RFC 9000 §15.
const (
	versionReservedMask = 0x0f0f_0f0f
	versionReservedBits = 0x0a0a_0a0a
)

// MakeReservedVersion folds a random 32-bit value into a valid "greasing"
// reserved version, used as a binding's RandomReservedVersion.
func MakeReservedVersion(random uint32) Version {
	return Version((random &^ versionReservedMask) | versionReservedBits)
}

// SupportedVersions is the statically compiled list written after the
// binding's random reserved version in a Version Negotiation packet.
var SupportedVersions = []Version{
	VersionMsQuic1,
	VersionDraft29,
	VersionDraft28,
	VersionDraft27,
}

// IsSupported reports whether v is one of SupportedVersions.
func IsSupported(v Version) bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

const (
	// MaxCIDLengthInvariant is the largest connection ID length any QUIC
	// version may use, per the version-invariant wire format.
	MaxCIDLengthInvariant = 20

	// headerFormLong is the top bit of the first byte: long vs short header.
	headerFormLong = 0x80

	// fixedBit is the second-highest bit of the first byte. ParseInvariant
	// only records it; ParseInitial requires it for the v1-shaped versions.
	fixedBit = 0x40

	// minInvariantHeaderLen is the smallest buffer that could possibly hold
	// a valid version-invariant header: 1 byte first-byte + 4 bytes version
	// + 1 byte DCID len + 1 byte SCIL len.
	minInvariantHeaderLen = 1 + 4 + 1 + 1
)

// LongPacketType is the QUIC v1 long-header packet type.
type LongPacketType uint8

const (
	LongPacketInitial LongPacketType = iota
	LongPacketZeroRTT
	LongPacketHandshake
	LongPacketRetry
)

// Invariant is the version-invariant header fields extracted from a
// datagram's first packet, per RFC 8999.
type Invariant struct {
	LongHeader bool
	FixedBit   bool
	Version    Version
	DestCID    CID
	SrcCID     CID // empty for short header

	// HeaderLen is the number of bytes consumed by the invariant header
	// (through the end of the source connection ID, for long headers).
	HeaderLen int
}

// ParseInvariant validates and parses the version-invariant portion of a
// packet's header: minimum length, CID length fields within the invariant
// maximum, and the long/short header discriminator.
func ParseInvariant(b []byte) (h Invariant, ok bool) {
	if len(b) < minInvariantHeaderLen {
		return Invariant{}, false
	}
	h.FixedBit = b[0]&fixedBit != 0
	h.LongHeader = b[0]&headerFormLong != 0
	if !h.LongHeader {
		// Short header: 1-byte form, then a destination CID of a length the
		// invariant format does not encode. Callers that need DestCID read it
		// with ShortHeaderDestCID and the local CID length; here we only
		// validate what the invariant layer can see.
		h.HeaderLen = 1
		return h, true
	}

	h.Version = Version(binary.BigEndian.Uint32(b[1:5]))

	off := 5
	dcil := int(b[off])
	off++
	if dcil > MaxCIDLengthInvariant || off+dcil > len(b) {
		return Invariant{}, false
	}
	h.DestCID = CID(b[off : off+dcil])
	off += dcil

	if off >= len(b) {
		return Invariant{}, false
	}
	scil := int(b[off])
	off++
	if scil > MaxCIDLengthInvariant || off+scil > len(b) {
		return Invariant{}, false
	}
	h.SrcCID = CID(b[off : off+scil])
	off += scil

	h.HeaderLen = off
	return h, true
}

// ShortHeaderDestCID extracts the destination CID from a short-header packet
// given the locally configured CID length (the invariant format does not
// encode short-header CID lengths).
func ShortHeaderDestCID(b []byte, cidLen int) (CID, bool) {
	if len(b) < 1+cidLen {
		return nil, false
	}
	return CID(b[1 : 1+cidLen]), true
}

// KeyPhase extracts the short header's key phase bit (bit 0x04), used to
// blend Stateless Reset packets with real 1-RTT traffic.
func KeyPhase(b []byte) bool {
	return len(b) > 0 && b[0]&0x04 != 0
}

// LongPacketTypeOf decodes the long-header packet type from the first byte,
// for the v1-shaped versions this layer fully validates.
func LongPacketTypeOf(b []byte) LongPacketType {
	return LongPacketType((b[0] >> 4) & 0x03)
}

// IsLongHeader reports whether the first byte of a packet indicates a long
// header.
func IsLongHeader(firstByte byte) bool {
	return firstByte&headerFormLong != 0
}
