package statelessop

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
)

type fakeBinding struct {
	refs      int
	refuse    bool
}

func (b *fakeBinding) TryAddRef() bool {
	if b.refuse {
		return false
	}
	b.refs++
	return true
}
func (b *fakeBinding) Release() { b.refs-- }

type fakeWorker struct {
	pool sync.Pool
}

func (w *fakeWorker) StatelessContextPool() *sync.Pool { return &w.pool }

func newTestCache(maxOps int, expiryMS int64) (*Cache, *int64) {
	now := new(int64)
	c := New(maxOps, expiryMS, zerolog.Nop())
	c.Now = func() int64 { return *now }
	return c, now
}

func TestTryCreateDuplicateRemoteAddrRefused(t *testing.T) {
	c, _ := newTestCache(64, 500)
	b := &fakeBinding{}
	w := &fakeWorker{}
	addr := netip.MustParseAddrPort("10.0.0.1:443")

	ctx1, ok := c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: addr})
	if !ok || ctx1 == nil {
		t.Fatal("expected first create to succeed")
	}

	_, ok = c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: addr})
	if ok {
		t.Fatal("expected duplicate remote address to be refused")
	}
	if c.Stats().DroppedDuplicate != 1 {
		t.Fatalf("expected 1 dropped-duplicate, got %d", c.Stats().DroppedDuplicate)
	}
}

func TestTryCreateCapacity(t *testing.T) {
	c, _ := newTestCache(1, 500)
	b := &fakeBinding{}
	w := &fakeWorker{}

	_, ok := c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: netip.MustParseAddrPort("10.0.0.1:1")})
	if !ok {
		t.Fatal("expected first create to succeed")
	}
	_, ok = c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: netip.MustParseAddrPort("10.0.0.2:1")})
	if ok {
		t.Fatal("expected second create to be refused at capacity")
	}
	if c.Stats().DroppedCapacity != 1 {
		t.Fatalf("expected 1 dropped-capacity, got %d", c.Stats().DroppedCapacity)
	}
}

func TestAgingSweepFreesExpiredProcessed(t *testing.T) {
	c, now := newTestCache(64, 100)
	b := &fakeBinding{}
	w := &fakeWorker{}
	addr1 := netip.MustParseAddrPort("10.0.0.1:1")
	addr2 := netip.MustParseAddrPort("10.0.0.2:1")

	ctx1, ok := c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: addr1})
	if !ok {
		t.Fatal("expected create to succeed")
	}
	c.Release(ctx1, false) // processed before it expires

	*now += 200 // advance past ExpiryMS
	if c.Len() != 1 {
		t.Fatalf("expected stale entry still counted before next insert, got %d", c.Len())
	}

	// The next insertion triggers the age sweep,
	// which should free ctx1 since it was already processed.
	_, ok = c.TryCreate(b, w, OpVersionNegotiation, quicbind.Datagram{Remote: addr2})
	if !ok {
		t.Fatal("expected second create to succeed")
	}
	if c.Len() != 1 {
		t.Fatalf("expected only the fresh entry to remain, got %d", c.Len())
	}
	if c.Stats().Expired != 1 {
		t.Fatalf("expected 1 expired, got %d", c.Stats().Expired)
	}
}

func TestReleaseBeforeExpiryReleasesBindingRefOnly(t *testing.T) {
	c, _ := newTestCache(64, 500)
	b := &fakeBinding{}
	w := &fakeWorker{}
	ctx, ok := c.TryCreate(b, w, OpRetry, quicbind.Datagram{Remote: netip.MustParseAddrPort("10.0.0.1:1")})
	if !ok {
		t.Fatal("expected create to succeed")
	}
	if b.refs != 1 {
		t.Fatalf("expected binding ref acquired, got %d", b.refs)
	}
	c.Release(ctx, false)
	if b.refs != 0 {
		t.Fatalf("expected binding ref released, got %d", b.refs)
	}
	if c.Len() != 1 {
		t.Fatal("expected unexpired context to remain cached until aged out")
	}
}

func TestTryCreateSkipsBindingRefWhenTearingDown(t *testing.T) {
	c, _ := newTestCache(64, 500)
	b := &fakeBinding{refuse: true}
	w := &fakeWorker{}
	ctx, ok := c.TryCreate(b, w, OpRetry, quicbind.Datagram{Remote: netip.MustParseAddrPort("10.0.0.1:1")})
	if !ok {
		t.Fatal("expected create to still succeed without a binding ref")
	}
	if ctx.HasBindingRef {
		t.Fatal("expected HasBindingRef false when binding refused")
	}
}
