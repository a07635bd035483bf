// Package responder builds the three version-independent stateless
// responses a QUIC binding must emit (Version Negotiation, Stateless
// Reset, Retry) and sends them off a worker goroutine, never off the
// receive path.
package responder

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"hash"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/statelessop"
	"github.com/pg9182/quicbind/internal/wire"
)

// ResetTokenizer derives Stateless Reset tokens from connection IDs using a
// single mutex-guarded HMAC-SHA256 object, the "simplest faithful
// rendition" of serializing one hash object across concurrent callers.
type ResetTokenizer struct {
	mu sync.Mutex
	h  hash.Hash
}

// NewResetTokenizer builds a tokenizer keyed by salt, fixed for the life of
// the owning binding.
func NewResetTokenizer(salt HashSalt) *ResetTokenizer {
	return &ResetTokenizer{h: hmac.New(sha256.New, salt[:])}
}

// TokenForCID computes the 16-byte reset token for a connection ID:
// HMAC-SHA256(HashSalt, cid)[:16].
func (t *ResetTokenizer) TokenForCID(cid wire.CID) (token [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h.Reset()
	t.h.Write(cid)
	sum := t.h.Sum(nil)
	copy(token[:], sum)
	return token
}

// KeyProvider is the subset of the library collaborator the Retry builder
// needs: the current stateless-retry AEAD key, fetched under the
// library's own key lock.
type KeyProvider interface {
	CurrentStatelessRetryKey() (cipher.AEAD, error)
}

// Sender is the narrow send path the responder hands finished datagrams to.
// A binding satisfies this directly via SendTo.
type Sender interface {
	SendTo(remote netip.AddrPort, buf []byte) error
}

// BuildVersionNegotiation builds a Version Negotiation datagram replying to
// dgram, with the binding's reserved (greasing) version listed first.
func BuildVersionNegotiation(dgram quicbind.Datagram, reservedVersion wire.Version) []byte {
	return wire.AppendVersionNegotiation(make([]byte, 0, wire.MaxVerNegPacketLength), dgram.Meta.DestCID, dgram.Meta.SrcCID, reservedVersion)
}

// rand3bits returns a uniformly random value in [0, 8), used to vary the
// Stateless Reset length.
func rand3bits() int {
	var b [1]byte
	rand.Read(b[:])
	return int(b[0] & 0x07)
}

// BuildStatelessReset builds a Stateless Reset datagram shaped to blend in
// with the short-header packet it's replying to: length clamped into
// [MinResetLen, recvLen), leading bytes random, trailing 16 bytes the
// CID's reset token, fixed bit set, key phase copied from the original
//. Returns false if recvLen is too short
// to fit a valid reset beneath it, or the CID can't be extracted.
func BuildStatelessReset(tokenizer *ResetTokenizer, dgram quicbind.Datagram, localCIDLen int) ([]byte, bool) {
	recvLen := len(dgram.Buf)
	if recvLen <= wire.MinResetLen {
		return nil, false
	}
	cid, ok := wire.ShortHeaderDestCID(dgram.Buf, localCIDLen)
	if !ok {
		return nil, false
	}
	token := tokenizer.TokenForCID(cid)

	length := wire.RecommendedResetLen + rand3bits()
	if length < wire.MinResetLen {
		length = wire.MinResetLen
	}
	if length > recvLen-1 {
		length = recvLen - 1
	}
	if length < wire.MinResetLen {
		return nil, false
	}

	buf := make([]byte, length)
	rand.Read(buf[:length-wire.StatelessResetTokenLen])
	buf[0] |= 0x40 // fixed bit
	buf[0] &^= 0x80 // clear long-header bit so it parses as a short header
	if wire.KeyPhase(dgram.Buf) {
		buf[0] |= 0x04
	} else {
		buf[0] &^= 0x04
	}
	copy(buf[length-wire.StatelessResetTokenLen:], token[:])
	return buf, true
}

// foldNonce derives the Retry token's AEAD nonce from a freshly allocated
// destination CID: XOR-folded into QUICIVLength bytes, or zero-left-padded
// if the CID is shorter than the nonce. The zero-padded case weakens
// nonce diversity; see DESIGN.md's Open Question decision.
func foldNonce(cid wire.CID) (nonce [wire.QUICIVLength]byte) {
	if len(cid) < wire.QUICIVLength {
		copy(nonce[wire.QUICIVLength-len(cid):], cid)
		return nonce
	}
	for i, b := range cid {
		nonce[i%wire.QUICIVLength] ^= b
	}
	return nonce
}

// BuildRetry allocates a fresh NewDestCID, seals a Retry token for dgram's
// remote address and original destination CID under the library's current
// stateless-retry key, and builds the full Retry packet. Any key-fetch
// or AEAD failure drops the response silently.
func BuildRetry(keys KeyProvider, settings quicbind.Settings, dgram quicbind.Datagram) ([]byte, bool) {
	aead, err := keys.CurrentStatelessRetryKey()
	if err != nil {
		return nil, false
	}

	cidLen := settings.CIDTotalLength
	if cidLen <= 0 || cidLen > wire.MaxCIDLengthInvariant {
		return nil, false
	}
	newDestCID := make(wire.CID, cidLen)
	if _, err := rand.Read(newDestCID); err != nil {
		return nil, false
	}

	plaintext, ok := wire.EncodeRetryTokenPlaintext(wire.RetryTokenContents{
		RemoteAddr:  dgram.Remote,
		OrigDestCID: dgram.Meta.DestCID,
	})
	if !ok {
		return nil, false
	}

	ad := wire.EncodeRetryTokenAD(uint64(time.Now().UnixMilli()))
	nonce := foldNonce(newDestCID)

	sealed := aead.Seal(nil, nonce[:], plaintext[:], ad[:])
	if len(ad)+len(sealed) != wire.RetryTokenTotalLen {
		return nil, false
	}
	token := make([]byte, 0, wire.RetryTokenTotalLen)
	token = append(token, ad[:]...)
	token = append(token, sealed...)

	out, err := wire.AppendRetryPacket(nil, dgram.Meta.Version, dgram.Meta.SrcCID, newDestCID, dgram.Meta.DestCID, token)
	if err != nil {
		return nil, false
	}
	return out, true
}

// VerifyRetryToken decrypts and validates a Retry token presented by a
// returning client, rejecting it if the embedded remote address doesn't
// match the datagram it arrived in. The caller supplies newDestCID, the
// connection ID the client echoes back as its (post-Retry) destination
// CID — the same value the server folded into the nonce when it issued
// the token, since the token itself carries no nonce material.
func VerifyRetryToken(keys KeyProvider, remote netip.AddrPort, newDestCID wire.CID, token []byte) (wire.RetryTokenContents, bool) {
	if len(token) != wire.RetryTokenTotalLen {
		return wire.RetryTokenContents{}, false
	}
	aead, err := keys.CurrentStatelessRetryKey()
	if err != nil {
		return wire.RetryTokenContents{}, false
	}
	ad := token[:wire.RetryTokenADLen]
	sealed := token[wire.RetryTokenADLen:]
	nonce := foldNonce(newDestCID)

	plaintext, err := aead.Open(nil, nonce[:], sealed, ad)
	if err != nil {
		return wire.RetryTokenContents{}, false
	}
	c, ok := wire.DecodeRetryTokenPlaintext(plaintext)
	if !ok {
		return wire.RetryTokenContents{}, false
	}
	if c.RemoteAddr != remote {
		return wire.RetryTokenContents{}, false
	}
	return c, true
}

// Process runs the stateless op carried by ctx to completion: builds the
// appropriate wire response, sends it via snd, and releases ctx back to
// the cache regardless of outcome.
func Process(cache *statelessop.Cache, ctx *statelessop.Context, snd Sender, tokenizer *ResetTokenizer, keys KeyProvider, settings quicbind.Settings, reservedVersion wire.Version, log zerolog.Logger) {
	defer cache.Release(ctx, true)

	var out []byte
	switch ctx.Op {
	case statelessop.OpVersionNegotiation:
		out = BuildVersionNegotiation(ctx.Datagram, reservedVersion)
	case statelessop.OpStatelessReset:
		var ok bool
		out, ok = BuildStatelessReset(tokenizer, ctx.Datagram, settings.CIDTotalLength)
		if !ok {
			return
		}
	case statelessop.OpRetry:
		var ok bool
		out, ok = BuildRetry(keys, settings, ctx.Datagram)
		if !ok {
			return
		}
	default:
		return
	}

	if err := snd.SendTo(ctx.Datagram.Remote, out); err != nil {
		log.Debug().Err(err).Str("remote", ctx.Datagram.Remote.String()).Msg("stateless response send failed")
	}
}
