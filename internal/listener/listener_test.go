package listener

import (
	"net/netip"
	"testing"
)

type fakeSession struct {
	alpn []string
}

func (s *fakeSession) ALPNOverlaps(other SessionMatcher) bool {
	o := other.(*fakeSession)
	for _, a := range s.alpn {
		for _, b := range o.alpn {
			if a == b {
				return true
			}
		}
	}
	return false
}

func (s *fakeSession) AcceptsALPN(offered []string) bool {
	for _, a := range s.alpn {
		for _, b := range offered {
			if a == b {
				return true
			}
		}
	}
	return false
}

type fakePartitioner struct{ fail bool }

func (f *fakePartitioner) MaximizePartitioning() bool { return !f.fail }

func TestRegisterOrdering(t *testing.T) {
	r := New(&fakePartitioner{})

	v6 := NewEntry(netip.MustParseAddr("::1"), 443, false, false, &fakeSession{alpn: []string{"h3"}})
	v4 := NewEntry(netip.MustParseAddr("10.0.0.1"), 443, false, false, &fakeSession{alpn: []string{"h3-v4"}})
	wc := NewEntry(netip.Addr{}, 443, true, true, &fakeSession{alpn: []string{"h3-wc"}})

	if !r.Register(wc) {
		t.Fatal("register wildcard failed")
	}
	if !r.Register(v4) {
		t.Fatal("register v4 failed")
	}
	if !r.Register(v6) {
		t.Fatal("register v6 failed")
	}

	if len(r.entries) != 3 || r.entries[0] != v6 || r.entries[1] != v4 || r.entries[2] != wc {
		t.Fatalf("expected order [v6 v4 wc], got %v", r.entries)
	}
}

func TestRegisterRejectsALPNOverlap(t *testing.T) {
	r := New(&fakePartitioner{})
	addr := netip.MustParseAddr("10.0.0.1")

	a := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"h3"}})
	b := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"h3", "h3-29"}})

	if !r.Register(a) {
		t.Fatal("expected first register to succeed")
	}
	if r.Register(b) {
		t.Fatal("expected second register to be refused on ALPN overlap")
	}
}

func TestRegisterAllowsDisjointALPNSameAddress(t *testing.T) {
	r := New(&fakePartitioner{})
	addr := netip.MustParseAddr("10.0.0.1")

	a := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"h3"}})
	b := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"custom-proto"}})

	if !r.Register(a) || !r.Register(b) {
		t.Fatal("expected both registers to succeed with disjoint ALPN")
	}
}

func TestRegisterRollsBackOnPartitionFailure(t *testing.T) {
	r := New(&fakePartitioner{fail: true})
	a := NewEntry(netip.MustParseAddr("10.0.0.1"), 443, false, false, &fakeSession{alpn: []string{"h3"}})

	if r.Register(a) {
		t.Fatal("expected register to fail when partitioning fails")
	}
	if !r.Empty() {
		t.Fatal("expected registry to roll back to empty")
	}
}

func TestFindForNewConnection(t *testing.T) {
	r := New(&fakePartitioner{})
	addr := netip.MustParseAddr("10.0.0.1")
	e := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"h3"}})
	if !r.Register(e) {
		t.Fatal("register failed")
	}

	got, ok := r.FindForNewConnection(ConnInfo{LocalAddr: addr, OfferedALPN: []string{"h3"}})
	if !ok || got != e {
		t.Fatalf("expected to find e, got %v %v", got, ok)
	}
	got.Guard.Release()

	if _, ok := r.FindForNewConnection(ConnInfo{LocalAddr: addr, OfferedALPN: []string{"other"}}); ok {
		t.Fatal("expected no match for non-overlapping ALPN")
	}
}

func TestUnregisterAndGuardDrain(t *testing.T) {
	r := New(&fakePartitioner{})
	addr := netip.MustParseAddr("10.0.0.1")
	e := NewEntry(addr, 443, false, false, &fakeSession{alpn: []string{"h3"}})
	r.Register(e)

	got, ok := r.FindForNewConnection(ConnInfo{LocalAddr: addr, OfferedALPN: []string{"h3"}})
	if !ok {
		t.Fatal("expected match")
	}
	r.Unregister(e)

	done := make(chan struct{})
	go func() {
		e.Guard.CloseAndWait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("CloseAndWait returned before outstanding ref released")
	default:
	}
	got.Guard.Release()
	<-done
}
