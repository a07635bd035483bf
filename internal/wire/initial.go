package wire

import "encoding/binary"

// InitialPacket holds the fields of a fully-validated v1-shaped long-header
// Initial packet that the binding layer needs: just enough to run
// dispatch's decideRetry and to seed a new connection.
type InitialPacket struct {
	Version Version
	DestCID CID
	SrcCID  CID
	Token   []byte
}

// varint reads a QUIC variable-length integer per RFC 9000 §16.
func varint(b []byte) (v uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	switch b[0] >> 6 {
	case 0:
		return uint64(b[0] & 0x3f), 1, true
	case 1:
		if len(b) < 2 {
			return 0, 0, false
		}
		return uint64(binary.BigEndian.Uint16(b) & 0x3fff), 2, true
	case 2:
		if len(b) < 4 {
			return 0, 0, false
		}
		return uint64(binary.BigEndian.Uint32(b) & 0x3fffffff), 4, true
	default:
		if len(b) < 8 {
			return 0, 0, false
		}
		return binary.BigEndian.Uint64(b) & 0x3fffffffffffffff, 8, true
	}
}

// ParseInitial fully validates a long-header Initial packet for one of the
// versions this layer handles. Only the fields the binding layer needs (for
// Retry token validation and connection creation) are extracted; frame
// contents are left to the connection state machine.
func ParseInitial(b []byte) (pkt InitialPacket, ok bool) {
	inv, ok := ParseInvariant(b)
	if !ok || !inv.LongHeader || !inv.FixedBit {
		return InitialPacket{}, false
	}
	if !IsSupported(inv.Version) {
		return InitialPacket{}, false
	}
	if LongPacketTypeOf(b) != LongPacketInitial {
		return InitialPacket{}, false
	}

	rest := b[inv.HeaderLen:]
	tokenLen, n, ok := varint(rest)
	if !ok || n+int(tokenLen) > len(rest) {
		return InitialPacket{}, false
	}
	token := rest[n : n+int(tokenLen)]

	rest = rest[n+int(tokenLen):]
	if _, _, ok := varint(rest); !ok {
		// Length field (of the rest of the packet) must at least parse.
		return InitialPacket{}, false
	}

	return InitialPacket{
		Version: inv.Version,
		DestCID: inv.DestCID,
		SrcCID:  inv.SrcCID,
		Token:   token,
	}, true
}

// IsHandshakeSpace reports whether b looks like a long-header Initial or
// Handshake packet: the classes that must be reordered ahead of non-
// handshake packets within a subchain.
func IsHandshakeSpace(b []byte) bool {
	if len(b) == 0 || !IsLongHeader(b[0]) {
		return false
	}
	switch LongPacketTypeOf(b) {
	case LongPacketInitial, LongPacketHandshake:
		return true
	default:
		return false
	}
}

// IsVersionNegotiation reports whether b is a Version Negotiation packet
// (long header, version field zero).
func IsVersionNegotiation(b []byte) bool {
	inv, ok := ParseInvariant(b)
	return ok && inv.LongHeader && inv.Version == VersionNegotiation
}
