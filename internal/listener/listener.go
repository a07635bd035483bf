// Package listener implements the binding's listener registry: an
// ordered set of listeners per binding, answering
// "which listener, if any, accepts this new connection?" given address
// family, address, and ALPN.
package listener

import (
	"net/netip"
	"sync"
)

// Family is a listener's address family bucket. The ordering of the
// constants is significant: listeners sort by family in the order
// {IPv6, IPv4, UNSPEC}, so FamilyIPv6 must sort before FamilyIPv4 before
// FamilyUnspec.
type Family uint8

const (
	FamilyIPv6 Family = iota
	FamilyIPv4
	FamilyUnspec
)

func familyOf(addr netip.Addr, wildcardFamily bool) Family {
	switch {
	case wildcardFamily:
		return FamilyUnspec
	case addr.Is4() || addr.Is4In6():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// SessionMatcher is the ALPN matching surface a listener's owning session
// provides. The binding layer never inspects ALPN strings itself: it only
// asks whether two sessions' ALPN sets overlap (for register-time conflict
// detection) or whether a session accepts a client's offered ALPN list (for
// routing a new connection).
type SessionMatcher interface {
	ALPNOverlaps(other SessionMatcher) bool
	AcceptsALPN(offered []string) bool
}

// Guard is a rundown guard: it lets FindForNewConnection take a reference on
// a listener that Unregister must wait to drain before the listener's
// backing session can be torn down.
type Guard struct {
	mu     sync.Mutex
	count  int
	closed bool
	drain  chan struct{}
}

func newGuard() *Guard {
	return &Guard{drain: make(chan struct{})}
}

// AddRef acquires the guard, returning false if the listener is being (or
// has been) unregistered.
func (g *Guard) AddRef() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.count++
	return true
}

// Release releases a reference acquired by AddRef.
func (g *Guard) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.count--
	if g.closed && g.count == 0 {
		close(g.drain)
	}
}

// CloseAndWait marks the guard closed to new AddRef calls and blocks until
// all outstanding references have been released.
func (g *Guard) CloseAndWait() {
	g.mu.Lock()
	already := g.closed
	g.closed = true
	drained := g.count == 0
	g.mu.Unlock()
	if !already && drained {
		close(g.drain)
	}
	<-g.drain
}

// Entry is one registered listener.
type Entry struct {
	// LocalAddr is the listener's bound address. WildcardAddr indicates the
	// IP is the unspecified address; WildcardFamily indicates the listener
	// accepts any address family.
	LocalAddr      netip.Addr
	Port           uint16
	WildcardAddr   bool
	WildcardFamily bool

	Session SessionMatcher
	Guard   *Guard

	family Family
}

// NewEntry constructs an Entry ready for Register.
func NewEntry(addr netip.Addr, port uint16, wildcardAddr, wildcardFamily bool, session SessionMatcher) *Entry {
	e := &Entry{
		LocalAddr:      addr,
		Port:           port,
		WildcardAddr:   wildcardAddr,
		WildcardFamily: wildcardFamily,
		Session:        session,
		Guard:          newGuard(),
	}
	e.family = familyOf(addr, wildcardFamily)
	return e
}

// specificity orders specific-address entries before wildcard-address
// entries within the same family bucket.
func (e *Entry) specificity() int {
	if e.WildcardAddr {
		return 1
	}
	return 0
}

// less reports whether e sorts strictly before o: family first, then
// specificity.
func (e *Entry) less(o *Entry) bool {
	if e.family != o.family {
		return e.family < o.family
	}
	return e.specificity() < o.specificity()
}

// sameBucket reports whether e and o share a (family, specificity) bucket.
func (e *Entry) sameBucket(o *Entry) bool {
	return e.family == o.family && e.specificity() == o.specificity()
}

// addressMatches reports whether e and o are registered on the same address,
// treating either side's wildcard IP or wildcard family as matching
// anything in the bucket.
func (e *Entry) addressMatches(o *Entry) bool {
	if e.WildcardFamily || o.WildcardFamily {
		return true
	}
	if e.WildcardAddr || o.WildcardAddr {
		return true
	}
	return e.LocalAddr == o.LocalAddr
}

// Partitioner is the subset of the lookup table's interface the registry
// needs, to trigger lazy partition promotion on the first listener
// registration.
type Partitioner interface {
	MaximizePartitioning() bool
}

// Registry is a binding's ordered set of listeners.
type Registry struct {
	mu      sync.RWMutex
	entries []*Entry
	lookup  Partitioner
}

// New creates an empty Registry backed by the given lookup table (for the
// partition-promotion side effect of the first Register call).
func New(lookup Partitioner) *Registry {
	return &Registry{lookup: lookup}
}

// Register inserts e in sorted order, refusing it if it conflicts with an
// already-registered listener. It returns false both on
// conflict and if lazy lookup-table partitioning fails on the list's first
// insertion.
func (r *Registry) Register(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Find the insertion point and, in the same pass, check every entry in
	// e's (family, specificity) bucket for an address+ALPN conflict
	// (an exact address match, or a wildcard-family/address match, combined
	// with ALPN overlap). Entries are kept in sorted order, so the scan
	// stops at the first entry that sorts after e: it and every entry after
	// it lie in a later bucket and cannot conflict.
	pos := len(r.entries)
	for i, o := range r.entries {
		if e.less(o) {
			pos = i
			break
		}
		if e.sameBucket(o) && e.addressMatches(o) && e.Session.ALPNOverlaps(o.Session) {
			return false
		}
	}

	wasEmpty := len(r.entries) == 0

	r.entries = append(r.entries, nil)
	copy(r.entries[pos+1:], r.entries[pos:])
	r.entries[pos] = e

	if wasEmpty && r.lookup != nil {
		if !r.lookup.MaximizePartitioning() {
			r.entries = append(r.entries[:pos], r.entries[pos+1:]...)
			return false
		}
	}
	return true
}

// Unregister detaches e from the registry. It does not wait for e's guard
// to drain; callers that need that (to safely free the listener's session)
// should call e.Guard.CloseAndWait() themselves.
func (r *Registry) Unregister(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, o := range r.entries {
		if o == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return
		}
	}
}

// Empty reports whether the registry currently has no listeners, which
// gates binding destruction.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) == 0
}

// ConnInfo is what FindForNewConnection needs about an inbound handshake to
// pick a listener: the destination address family/specificity matching
// happens against LocalAddr below, and ALPN matching is delegated to the
// winning candidate's SessionMatcher.
type ConnInfo struct {
	LocalAddr     netip.Addr
	OfferedALPN   []string
}

// FindForNewConnection walks the registry in order looking for the first
// listener that accepts a new connection bound for localAddr with the
// given offered ALPN list. The returned Entry has already
// had its Guard's AddRef taken; callers must call Guard.Release when done.
func (r *Registry) FindForNewConnection(info ConnInfo) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !matchesFamily(e, info.LocalAddr) {
			continue
		}
		if !e.WildcardAddr && !e.WildcardFamily && e.LocalAddr != info.LocalAddr {
			continue
		}
		if !e.Session.AcceptsALPN(info.OfferedALPN) {
			continue
		}
		if e.Guard.AddRef() {
			return e, true
		}
		// Guard already closed (racing Unregister): keep scanning.
	}
	return nil, false
}

func matchesFamily(e *Entry, addr netip.Addr) bool {
	if e.WildcardFamily {
		return true
	}
	want := familyOf(addr, false)
	return e.family == want
}
