package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"net/netip"
)

// Fixed sizes for our internal Retry token, encrypted on the wire. The
// token layout is:
//
//	[8 bytes AD: issuance timestamp (ms)]
//	[40 bytes ciphertext: sealed RetryTokenContents]
//	[16 bytes AEAD tag]
//
// Any other length is rejected.
const (
	RetryTokenADLen        = 8
	RetryTokenPlaintextLen = 1 + 16 + 2 + 1 + MaxCIDLengthInvariant // family + addr + port + cidlen + cid
	RetryTokenTagLen       = 16
	RetryTokenTotalLen     = RetryTokenADLen + RetryTokenPlaintextLen + RetryTokenTagLen
)

// RetryTokenContents is the plaintext a Retry token encrypts: the remote
// address and original destination connection ID.
type RetryTokenContents struct {
	RemoteAddr  netip.AddrPort
	OrigDestCID CID
}

// EncodeRetryTokenPlaintext serializes c into the fixed-size plaintext that
// gets AEAD-sealed. It returns false if OrigDestCID is too long to fit.
func EncodeRetryTokenPlaintext(c RetryTokenContents) (b [RetryTokenPlaintextLen]byte, ok bool) {
	if len(c.OrigDestCID) > MaxCIDLengthInvariant {
		return b, false
	}
	addr := c.RemoteAddr.Addr()
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	off := 0
	if addr.Is4() {
		b[off] = 4
	} else {
		b[off] = 6
	}
	off++
	as16 := addr.As16()
	copy(b[off:off+16], as16[:])
	off += 16
	binary.BigEndian.PutUint16(b[off:], c.RemoteAddr.Port())
	off += 2
	b[off] = byte(len(c.OrigDestCID))
	off++
	copy(b[off:off+len(c.OrigDestCID)], c.OrigDestCID)
	return b, true
}

// DecodeRetryTokenPlaintext is the inverse of EncodeRetryTokenPlaintext.
func DecodeRetryTokenPlaintext(b []byte) (RetryTokenContents, bool) {
	if len(b) != RetryTokenPlaintextLen {
		return RetryTokenContents{}, false
	}
	off := 0
	family := b[off]
	off++
	var ip16 [16]byte
	copy(ip16[:], b[off:off+16])
	off += 16
	port := binary.BigEndian.Uint16(b[off:])
	off += 2
	cidLen := int(b[off])
	off++
	if cidLen > MaxCIDLengthInvariant || off+cidLen > len(b) {
		return RetryTokenContents{}, false
	}
	cid := CID(b[off : off+cidLen]).Clone()

	var addr netip.Addr
	switch family {
	case 4:
		var ip4 [4]byte
		copy(ip4[:], ip16[12:16])
		addr = netip.AddrFrom4(ip4)
	case 6:
		addr = netip.AddrFrom16(ip16)
	default:
		return RetryTokenContents{}, false
	}
	return RetryTokenContents{
		RemoteAddr:  netip.AddrPortFrom(addr, port),
		OrigDestCID: cid,
	}, true
}

// EncodeRetryTokenAD serializes the authenticated (but not encrypted)
// issuance timestamp, in milliseconds since the Unix epoch.
func EncodeRetryTokenAD(issuedAtMS uint64) (b [RetryTokenADLen]byte) {
	binary.BigEndian.PutUint64(b[:], issuedAtMS)
	return b
}

// DecodeRetryTokenAD is the inverse of EncodeRetryTokenAD.
func DecodeRetryTokenAD(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// retryIntegritySecret is the fixed AEAD key/nonce pair used to compute the
// Retry Integrity Tag, per RFC 9001 §5.8. It is a public, well-known value
// (not a secret), deliberately identical for every implementation so that
// any endpoint can validate any other's Retry packets.
var (
	retryIntegrityKey   = [16]byte{0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a, 0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e}
	retryIntegrityNonce = [12]byte{0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2, 0x23, 0x98, 0x25, 0xbb}
)

// AppendRetryPacket builds a Retry datagram: a long header carrying the
// original source/destination CIDs swapped appropriately, the fresh
// NewDestCID as the packet's source CID, the opaque token, and a trailing
// 16-byte Retry Integrity Tag computed over a pseudo-header containing the
// client's original destination CID.
func AppendRetryPacket(dst []byte, version Version, clientSrcCID, newDestCID, origDestCID CID, token []byte) ([]byte, error) {
	start := len(dst)

	// Pseudo-header: 1-byte length-prefixed ODCID, then the Retry header
	// itself (without the tag), per RFC 9001 §5.8.
	var pseudo []byte
	pseudo = append(pseudo, byte(len(origDestCID)))
	pseudo = append(pseudo, origDestCID...)

	dst = append(dst, headerFormLong|fixedBit|byte(LongPacketRetry)<<4)
	dst = binary.BigEndian.AppendUint32(dst, uint32(version))
	dst = append(dst, byte(len(clientSrcCID)))
	dst = append(dst, clientSrcCID...)
	dst = append(dst, byte(len(newDestCID)))
	dst = append(dst, newDestCID...)
	dst = append(dst, token...)

	pseudo = append(pseudo, dst[start:]...)

	block, err := aes.NewCipher(retryIntegrityKey[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	tag := aead.Seal(nil, retryIntegrityNonce[:], nil, pseudo)
	dst = append(dst, tag...)
	return dst, nil
}
