package responder

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/statelessop"
	"github.com/pg9182/quicbind/internal/wire"
)

type fakeKeyProvider struct {
	aead cipher.AEAD
	err  error
}

func (f fakeKeyProvider) CurrentStatelessRetryKey() (cipher.AEAD, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.aead, nil
}

func newFakeAEAD(t *testing.T) cipher.AEAD {
	t.Helper()
	var key [16]byte
	rand.Read(key[:])
	block, err := aes.NewCipher(key[:])
	if err != nil {
		t.Fatal(err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		t.Fatal(err)
	}
	return aead
}

func TestResetTokenDeterministic(t *testing.T) {
	salt := NewHashSalt()
	tok := NewResetTokenizer(salt)
	cid := wire.CID{1, 2, 3, 4}
	a := tok.TokenForCID(cid)
	b := tok.TokenForCID(cid)
	if a != b {
		t.Fatal("expected TokenForCID to be deterministic for the same CID")
	}
	other := tok.TokenForCID(wire.CID{9, 9})
	if a == other {
		t.Fatal("expected different CIDs to produce different tokens")
	}
}

func TestBuildVersionNegotiationShape(t *testing.T) {
	dgram := quicbind.Datagram{Meta: quicbind.Meta{DestCID: wire.CID{1, 2}, SrcCID: wire.CID{3}}}
	out := BuildVersionNegotiation(dgram, wire.MakeReservedVersion(0x1234))
	if len(out) > wire.MaxVerNegPacketLength {
		t.Fatalf("VN packet exceeds MaxVerNegPacketLength: %d", len(out))
	}
	if out[0]&0x80 == 0 {
		t.Fatal("expected long header bit set")
	}
}

func TestBuildStatelessResetBounds(t *testing.T) {
	tok := NewResetTokenizer(NewHashSalt())
	recv := make([]byte, 60)
	recv[0] = 0x40 // short header, fixed bit set, key phase clear
	dgram := quicbind.Datagram{Buf: recv}
	out, ok := BuildStatelessReset(tok, dgram, 8)
	if !ok {
		t.Fatal("expected BuildStatelessReset to succeed")
	}
	if len(out) < wire.MinResetLen {
		t.Fatalf("reset shorter than MinResetLen: %d", len(out))
	}
	if len(out) >= len(recv) {
		t.Fatalf("reset not strictly shorter than received packet: %d >= %d", len(out), len(recv))
	}
	if out[0]&0x40 == 0 {
		t.Fatal("expected fixed bit set on reset")
	}
}

func TestBuildStatelessResetTooShortReceived(t *testing.T) {
	tok := NewResetTokenizer(NewHashSalt())
	recv := make([]byte, wire.MinResetLen) // not > MinResetLen
	dgram := quicbind.Datagram{Buf: recv}
	_, ok := BuildStatelessReset(tok, dgram, 8)
	if ok {
		t.Fatal("expected BuildStatelessReset to refuse a too-short received packet")
	}
}

func TestBuildAndVerifyRetryRoundTrip(t *testing.T) {
	aead := newFakeAEAD(t)
	kp := fakeKeyProvider{aead: aead}
	settings := quicbind.DefaultSettings()

	remote := netip.MustParseAddrPort("203.0.113.9:4242")
	origDestCID := wire.CID{0xaa, 0xbb, 0xcc}
	dgram := quicbind.Datagram{
		Remote: remote,
		Meta:   quicbind.Meta{Version: wire.VersionMsQuic1, SrcCID: wire.CID{1, 2, 3}, DestCID: origDestCID},
	}

	out, ok := BuildRetry(kp, settings, dgram)
	if !ok {
		t.Fatal("expected BuildRetry to succeed")
	}

	inv, ok := wire.ParseInvariant(out)
	if !ok || !inv.LongHeader {
		t.Fatal("expected a well-formed long header Retry packet")
	}
	newDestCID := inv.SrcCID // server's Retry source CID becomes the client's new DestCID

	token := out[len(out)-wire.RetryTokenTotalLen-16 : len(out)-16]

	contents, ok := VerifyRetryToken(kp, remote, newDestCID, token)
	if !ok {
		t.Fatal("expected VerifyRetryToken to accept the freshly built token")
	}
	if !contents.OrigDestCID.Equal(origDestCID) {
		t.Fatalf("expected OrigDestCID %v, got %v", origDestCID, contents.OrigDestCID)
	}
	if contents.RemoteAddr != remote {
		t.Fatalf("expected RemoteAddr %v, got %v", remote, contents.RemoteAddr)
	}
}

func TestVerifyRetryTokenWrongRemoteRejected(t *testing.T) {
	aead := newFakeAEAD(t)
	kp := fakeKeyProvider{aead: aead}
	settings := quicbind.DefaultSettings()

	remote := netip.MustParseAddrPort("203.0.113.9:4242")
	dgram := quicbind.Datagram{
		Remote: remote,
		Meta:   quicbind.Meta{Version: wire.VersionMsQuic1, SrcCID: wire.CID{1}, DestCID: wire.CID{2, 2}},
	}
	out, ok := BuildRetry(kp, settings, dgram)
	if !ok {
		t.Fatal("expected BuildRetry to succeed")
	}
	inv, _ := wire.ParseInvariant(out)
	newDestCID := inv.SrcCID
	token := out[len(out)-wire.RetryTokenTotalLen-16 : len(out)-16]

	other := netip.MustParseAddrPort("198.51.100.1:1")
	if _, ok := VerifyRetryToken(kp, other, newDestCID, token); ok {
		t.Fatal("expected VerifyRetryToken to reject a mismatched remote address")
	}
}

func TestBuildRetryKeyFetchFailure(t *testing.T) {
	kp := fakeKeyProvider{err: errors.New("key unavailable")}
	settings := quicbind.DefaultSettings()
	dgram := quicbind.Datagram{Meta: quicbind.Meta{Version: wire.VersionMsQuic1, DestCID: wire.CID{1}}}
	if _, ok := BuildRetry(kp, settings, dgram); ok {
		t.Fatal("expected BuildRetry to fail when the key provider errors")
	}
}

type fakeSender struct {
	sent   []byte
	remote netip.AddrPort
	err    error
}

func (s *fakeSender) SendTo(remote netip.AddrPort, buf []byte) error {
	s.remote = remote
	s.sent = append([]byte(nil), buf...)
	return s.err
}

type fakeBinding struct{ refs int }

func (b *fakeBinding) TryAddRef() bool { b.refs++; return true }
func (b *fakeBinding) Release()        { b.refs-- }

func TestProcessVersionNegotiationSendsAndReleases(t *testing.T) {
	cache := statelessop.New(64, 500, zerolog.Nop())
	b := &fakeBinding{}
	remote := netip.MustParseAddrPort("10.0.0.1:1")
	ctx, ok := cache.TryCreate(b, nil, statelessop.OpVersionNegotiation, quicbind.Datagram{
		Remote: remote,
		Meta:   quicbind.Meta{DestCID: wire.CID{1}, SrcCID: wire.CID{2}},
	})
	if !ok {
		t.Fatal("expected TryCreate to succeed")
	}
	snd := &fakeSender{}
	Process(cache, ctx, snd, NewResetTokenizer(NewHashSalt()), fakeKeyProvider{}, quicbind.DefaultSettings(), wire.MakeReservedVersion(1), zerolog.Nop())
	if len(snd.sent) == 0 {
		t.Fatal("expected a VN datagram to be sent")
	}
	if snd.remote != remote {
		t.Fatalf("expected send to %v, got %v", remote, snd.remote)
	}
	if cache.Len() != 1 {
		t.Fatal("expected the context to remain cached until aged out, per Release semantics")
	}
}
