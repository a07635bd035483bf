// Package lookup implements the binding's multi-index connection lookup
// table: local-CID -> connection,
// (remote-addr, source-CID) -> connection, and remote-addr -> connection
// for connected (non-wildcard-remote) bindings. It is the hottest path in
// the binding layer and is designed to serve concurrent readers and
// disjoint writers without blocking.
package lookup

import (
	"net/netip"
	"runtime"
	"sync"

	"github.com/OneOfOne/xxhash"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/wire"
)

// Conn is the subset of a connection's reference-counting interface the
// lookup table needs. Find operations AddRef the result under the lookup
// lock, preventing a TOCTOU race with concurrent teardown.
type Conn interface {
	AddRef(reason quicbind.RefReason)
	Release(reason quicbind.RefReason)
}

// maxPartitions bounds how far MaximizePartitioning will grow the table,
// clamped to a power of two so partition selection is a mask instead of a
// modulo.
const maxPartitions = 64

type cidPartition struct {
	mu sync.RWMutex
	m  map[string]Conn
}

type remoteKey struct {
	addr netip.AddrPort
	cid  string
}

// Table is a binding's lookup table. The zero value is not usable; use New.
type Table struct {
	partMu     sync.RWMutex // guards swapping/growing the partitions slice itself
	partitions []*cidPartition

	remoteMu sync.RWMutex
	remote   map[remoteKey]Conn

	connectedMu sync.RWMutex
	connected   Conn // set for bindings with a fixed remote address
}

// New creates a Table with a single partition; callers promote it to the
// ideal partition count lazily via MaximizePartitioning.
func New() *Table {
	return &Table{
		partitions: []*cidPartition{{m: make(map[string]Conn)}},
		remote:     make(map[remoteKey]Conn),
	}
}

// idealPartitionCount picks a power-of-two partition count from the
// runtime's view of available CPUs, capped at maxPartitions.
func idealPartitionCount() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	p := 1
	for p < n && p < maxPartitions {
		p <<= 1
	}
	return p
}

// MaximizePartitioning promotes the table from one partition to the ideal
// number, rehashing any already-present entries. It is a no-op returning
// true if already promoted. A return of false is reserved for the
// injectable test hook below, used to exercise a caller's rollback path
// when promotion can't proceed.
func (t *Table) MaximizePartitioning() bool {
	t.partMu.Lock()
	defer t.partMu.Unlock()

	if len(t.partitions) > 1 {
		return true
	}
	n := idealPartitionCount()
	if n <= 1 {
		return true
	}
	if testHookFailPartitioning {
		return false
	}

	old := t.partitions[0]
	old.mu.Lock()
	defer old.mu.Unlock()

	parts := make([]*cidPartition, n)
	for i := range parts {
		parts[i] = &cidPartition{m: make(map[string]Conn)}
	}
	for cid, conn := range old.m {
		parts[partitionIndex(cid, n)].m[cid] = conn
	}
	t.partitions = parts
	return true
}

// testHookFailPartitioning lets tests exercise the "promotion failed, roll
// back the listener registration" path without needing to simulate real
// allocation failure.
var testHookFailPartitioning bool

func partitionIndex(cid string, n int) int {
	if n == 1 {
		return 0
	}
	if cid == "" {
		return 0
	}
	h := xxhash.ChecksumString32(cid)
	return int(h) & (n - 1)
}

func (t *Table) partitionFor(cid []byte) *cidPartition {
	t.partMu.RLock()
	defer t.partMu.RUnlock()
	n := len(t.partitions)
	return t.partitions[partitionIndex(string(cid), n)]
}

// AddLocalCID registers cid as routing to conn. A CID must not already be
// present in this or any other binding's table when this is called;
// callers (the connection, at handshake start or when issuing a new CID)
// are responsible for that.
func (t *Table) AddLocalCID(cid wire.CID, conn Conn) {
	p := t.partitionFor(cid)
	p.mu.Lock()
	p.m[string(cid)] = conn
	p.mu.Unlock()
}

// RemoveLocalCID unregisters cid.
func (t *Table) RemoveLocalCID(cid wire.CID) {
	p := t.partitionFor(cid)
	p.mu.Lock()
	delete(p.m, string(cid))
	p.mu.Unlock()
}

// RemoveLocalCIDsFor removes every entry in the table that currently
// routes to conn, used at connection teardown.
func (t *Table) RemoveLocalCIDsFor(conn Conn) {
	t.partMu.RLock()
	parts := t.partitions
	t.partMu.RUnlock()

	for _, p := range parts {
		p.mu.Lock()
		for cid, c := range p.m {
			if c == conn {
				delete(p.m, cid)
			}
		}
		p.mu.Unlock()
	}
}

// FindByLocalCID looks up a connection by its locally-issued CID, AddRef'ing
// it under the partition lock to prevent a TOCTOU race with teardown.
func (t *Table) FindByLocalCID(cid wire.CID) (Conn, bool) {
	p := t.partitionFor(cid)
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.m[string(cid)]
	if ok {
		c.AddRef(quicbind.RefReasonLookup)
	}
	return c, ok
}

// AddRemoteHash implements first-writer-wins insertion into the
// (remote-addr, source-CID) index: on collision, it returns
// the existing connection and reports "not inserted".
func (t *Table) AddRemoteHash(conn Conn, remoteAddr netip.AddrPort, srcCID wire.CID) (inserted bool, existing Conn) {
	key := remoteKey{addr: remoteAddr, cid: string(srcCID)}

	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	if c, ok := t.remote[key]; ok {
		return false, c
	}
	t.remote[key] = conn
	return true, nil
}

// RemoteHashEntry identifies an entry previously inserted by AddRemoteHash,
// for later removal.
type RemoteHashEntry struct {
	addr netip.AddrPort
	cid  string
}

// RemoveRemoteHash removes an entry previously returned as inserted.
func (t *Table) RemoveRemoteHash(e RemoteHashEntry) {
	t.remoteMu.Lock()
	delete(t.remote, remoteKey{addr: e.addr, cid: e.cid})
	t.remoteMu.Unlock()
}

// EntryFor builds the RemoteHashEntry handle for a (remoteAddr, srcCID)
// pair, for callers that want to remove what they just inserted.
func EntryFor(remoteAddr netip.AddrPort, srcCID wire.CID) RemoteHashEntry {
	return RemoteHashEntry{addr: remoteAddr, cid: string(srcCID)}
}

// FindByRemoteHash looks up a connection by (remote address, source CID),
// AddRef'ing it under the lock.
func (t *Table) FindByRemoteHash(remoteAddr netip.AddrPort, srcCID wire.CID) (Conn, bool) {
	key := remoteKey{addr: remoteAddr, cid: string(srcCID)}
	t.remoteMu.RLock()
	defer t.remoteMu.RUnlock()
	c, ok := t.remote[key]
	if ok {
		c.AddRef(quicbind.RefReasonLookup)
	}
	return c, ok
}

// SetConnected records the single connection a connected (fixed-remote-
// address) binding routes all traffic to. FindByRemoteAddr returns it
// regardless of the address argument, since a connected binding's datapath
// handle only ever receives datagrams from its one peer.
func (t *Table) SetConnected(conn Conn) {
	t.connectedMu.Lock()
	t.connected = conn
	t.connectedMu.Unlock()
}

// FindByRemoteAddr looks up the connection associated with a connected
// binding, AddRef'ing it under the lock.
func (t *Table) FindByRemoteAddr(remoteAddr netip.AddrPort) (Conn, bool) {
	t.connectedMu.RLock()
	defer t.connectedMu.RUnlock()
	if t.connected == nil {
		return nil, false
	}
	t.connected.AddRef(quicbind.RefReasonLookup)
	return t.connected, true
}

// MoveLocalCIDs moves every local CID owned by conn from src to dst, used
// when a connection migrates to a new binding. The move is not atomic: each
// CID is deleted from src before it is added to dst, so a lookup in between
// finds it in neither table.
func MoveLocalCIDs(src, dst *Table, conn Conn) {
	src.partMu.RLock()
	parts := src.partitions
	src.partMu.RUnlock()

	var moved []wire.CID
	for _, p := range parts {
		p.mu.Lock()
		for cid, c := range p.m {
			if c == conn {
				delete(p.m, cid)
				moved = append(moved, wire.CID(cid))
			}
		}
		p.mu.Unlock()
	}
	for _, cid := range moved {
		dst.AddLocalCID(cid, conn)
	}
}
