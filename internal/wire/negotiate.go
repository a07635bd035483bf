package wire

import (
	"crypto/rand"
	"encoding/binary"
)

// AppendVersionNegotiation builds a Version Negotiation datagram in response
// to a long-header packet with an unsupported version:
// source/destination CIDs are swapped from the received packet, the version
// field is zero, and the supported-version list begins with reservedVersion
// followed by the statically compiled list.
func AppendVersionNegotiation(dst []byte, recvDestCID, recvSrcCID CID, reservedVersion Version) []byte {
	var unused [1]byte
	rand.Read(unused[:])
	unused[0] &^= headerFormLong // top bit of "unused" byte must be clear

	dst = append(dst, headerFormLong|unused[0])
	dst = binary.BigEndian.AppendUint32(dst, uint32(VersionNegotiation))

	dst = append(dst, byte(len(recvSrcCID)))
	dst = append(dst, recvSrcCID...)

	dst = append(dst, byte(len(recvDestCID)))
	dst = append(dst, recvDestCID...)

	dst = binary.BigEndian.AppendUint32(dst, uint32(reservedVersion))
	for _, v := range SupportedVersions {
		dst = binary.BigEndian.AppendUint32(dst, uint32(v))
	}
	return dst
}

// MaxVerNegPacketLength bounds the size of a Version Negotiation packet:
// the fixed header plus two max-length CIDs plus the reserved version plus
// the statically compiled version list.
const MaxVerNegPacketLength = 1 + 4 + 1 + MaxCIDLengthInvariant + 1 + MaxCIDLengthInvariant + 4 + len(SupportedVersionsPlaceholder)*4

// SupportedVersionsPlaceholder exists only so MaxVerNegPacketLength can be
// computed at compile time from len(SupportedVersions) without an init-order
// dependency; its length must always track SupportedVersions.
var SupportedVersionsPlaceholder = [4]Version{}

func init() {
	if len(SupportedVersionsPlaceholder) != len(SupportedVersions) {
		panic("wire: SupportedVersionsPlaceholder length must match SupportedVersions")
	}
}
