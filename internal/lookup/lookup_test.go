package lookup

import (
	"net/netip"
	"testing"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/wire"
)

type testConn struct {
	refs int
}

func (c *testConn) AddRef(quicbind.RefReason)  { c.refs++ }
func (c *testConn) Release(quicbind.RefReason) { c.refs-- }

func TestLocalCIDUniqueness(t *testing.T) {
	tab := New()
	c1 := &testConn{}
	c2 := &testConn{}

	tab.AddLocalCID(wire.CID("aaaa"), c1)
	if got, ok := tab.FindByLocalCID(wire.CID("aaaa")); !ok || got != Conn(c1) {
		t.Fatalf("expected c1, got %v, %v", got, ok)
	}

	// Re-adding under a different connection simulates a CID move: only one
	// entry should exist afterwards.
	tab.AddLocalCID(wire.CID("aaaa"), c2)
	if got, ok := tab.FindByLocalCID(wire.CID("aaaa")); !ok || got != Conn(c2) {
		t.Fatalf("expected c2 after overwrite, got %v, %v", got, ok)
	}
}

func TestRemoveLocalCIDsFor(t *testing.T) {
	tab := New()
	c1 := &testConn{}
	tab.AddLocalCID(wire.CID("a"), c1)
	tab.AddLocalCID(wire.CID("b"), c1)
	tab.RemoveLocalCIDsFor(c1)

	if _, ok := tab.FindByLocalCID(wire.CID("a")); ok {
		t.Fatal("expected a to be removed")
	}
	if _, ok := tab.FindByLocalCID(wire.CID("b")); ok {
		t.Fatal("expected b to be removed")
	}
}

func TestMaximizePartitioning(t *testing.T) {
	tab := New()
	for i := 0; i < 64; i++ {
		tab.AddLocalCID(wire.CID{byte(i)}, &testConn{})
	}
	if !tab.MaximizePartitioning() {
		t.Fatal("expected promotion to succeed")
	}
	// Every CID should still be findable after the rehash.
	for i := 0; i < 64; i++ {
		if _, ok := tab.FindByLocalCID(wire.CID{byte(i)}); !ok {
			t.Fatalf("cid %d missing after promotion", i)
		}
	}
	// Idempotent.
	if !tab.MaximizePartitioning() {
		t.Fatal("expected second call to be a no-op success")
	}
}

func TestAddRemoteHashFirstWriterWins(t *testing.T) {
	tab := New()
	addr := netip.MustParseAddrPort("10.0.0.1:443")
	c1, c2 := &testConn{}, &testConn{}

	inserted, existing := tab.AddRemoteHash(c1, addr, wire.CID("x"))
	if !inserted || existing != nil {
		t.Fatalf("expected first insert to succeed, got inserted=%v existing=%v", inserted, existing)
	}

	inserted, existing = tab.AddRemoteHash(c2, addr, wire.CID("x"))
	if inserted || existing != Conn(c1) {
		t.Fatalf("expected collision to report existing c1, got inserted=%v existing=%v", inserted, existing)
	}
}

func TestMoveLocalCIDs(t *testing.T) {
	src, dst := New(), New()
	c1 := &testConn{}
	src.AddLocalCID(wire.CID("m"), c1)

	MoveLocalCIDs(src, dst, c1)

	if _, ok := src.FindByLocalCID(wire.CID("m")); ok {
		t.Fatal("expected cid removed from source table")
	}
	if _, ok := dst.FindByLocalCID(wire.CID("m")); !ok {
		t.Fatal("expected cid present in destination table")
	}
}

func TestFindByRemoteAddrConnected(t *testing.T) {
	tab := New()
	c1 := &testConn{}
	tab.SetConnected(c1)

	got, ok := tab.FindByRemoteAddr(netip.MustParseAddrPort("1.2.3.4:9"))
	if !ok || got != Conn(c1) {
		t.Fatalf("expected connected conn, got %v %v", got, ok)
	}
}
