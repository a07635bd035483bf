// Package dispatch implements the binding's receive dispatcher: the entry
// point the datapath calls with a batch of
// datagrams, responsible for preprocessing each one, grouping them into
// same-destination-CID subchains, and delivering each subchain to a
// connection — creating one, generating a stateless response, or dropping.
package dispatch

import (
	"crypto/cipher"
	"errors"
	"math"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/listener"
	"github.com/pg9182/quicbind/internal/lookup"
	"github.com/pg9182/quicbind/internal/preprocess"
	"github.com/pg9182/quicbind/internal/responder"
	"github.com/pg9182/quicbind/internal/statelessop"
	"github.com/pg9182/quicbind/internal/wire"
)

// Connection is the subset of a connection's surface the dispatcher needs.
type Connection interface {
	QueueRecvDatagrams(chain []quicbind.Datagram)
	QueueUnreachable(remote netip.AddrPort)
	QueueOperation(op Operation)
	AddRef(reason quicbind.RefReason)
	Release(reason quicbind.RefReason)
}

// Operation is a unit of work a Worker runs later, off the receive path.
// Both shutting down a collided connection and running a stateless
// response are modeled as Operations; each is a freshly allocated OpFunc,
// and no pre-allocated backup op slot exists.
type Operation interface {
	Run()
}

// OpFunc adapts a plain function to Operation.
type OpFunc func()

func (f OpFunc) Run() { f() }

// Worker is the subset of a worker goroutine's surface the dispatcher
// needs.
type Worker interface {
	IsOverloaded() bool
	AssignConnection(c Connection)
	QueueOperation(op Operation)
	StatelessContextPool() *sync.Pool
}

// WorkerPool hands out workers to assign new connections and stateless ops
// to.
type WorkerPool interface {
	GetWorker() Worker
}

// Library is the subset of library-wide state the dispatcher needs: the
// current Retry AEAD key and the handshake-admission thresholds that feed
// the Retry decision.
type Library interface {
	CurrentStatelessRetryKey() (cipher.AEAD, error)
	HandshakeMemoryUsage() uint64
	TotalMemory() uint64
}

// ConnectionFactory creates a new connection seeded from an inbound
// Initial packet and the listener that accepted it, under the library's
// unregistered session.
type ConnectionFactory interface {
	CreateConnection(dgram quicbind.Datagram, entry *listener.Entry) (Connection, error)
}

// Metrics records the outcomes the receive path cares about reporting, kept
// separate from Library/WorkerPool so a Deps can be built in a test without
// any exporter wired in at all (a nil Metrics is a valid, silent no-op).
type Metrics interface {
	RecordVersionNegotiationSent()
	RecordStatelessResetSent()
	RecordRetrySent()
	RecordConnectionCreated()
}

// ALPNSniffer extracts the ALPN protocols a client's Initial packet offers.
// TLS/ClientHello parsing stays out of scope for this layer; dispatch only
// needs the offered protocol
// list to pick a listener, so it delegates extraction to whatever owns the
// TLS engine. A nil ALPNSniffer makes every Initial offer no protocols,
// which only matches a listener whose SessionMatcher accepts an empty list.
type ALPNSniffer interface {
	OfferedALPN(initialPayload []byte) []string
}

// Deps bundles every collaborator Receive needs. The owning binding
// constructs one of these and keeps calling Receive on it for the
// binding's lifetime.
type Deps struct {
	Lookup    *lookup.Table
	Listeners *listener.Registry
	Stateless *statelessop.Cache

	Factory ConnectionFactory
	Workers WorkerPool
	Library Library

	// BindingRef lets the stateless-op cache take/release a reference on
	// the owning binding for the lifetime of a pending op,
	// distinct from Library's library-wide bookkeeping.
	BindingRef statelessop.Binding

	Settings    quicbind.Settings
	ServerOwned bool // true for a listening (non-connected-client) binding
	Exclusive   bool
	LocalCIDLen int

	Tokenizer       *responder.ResetTokenizer
	ReservedVersion wire.Version
	Sender          responder.Sender
	ALPN            ALPNSniffer

	// Metrics is optional; a nil Metrics disables recording entirely.
	Metrics Metrics

	Log zerolog.Logger
}

func (d *Deps) recordVersionNegotiationSent() {
	if d.Metrics != nil {
		d.Metrics.RecordVersionNegotiationSent()
	}
}

func (d *Deps) recordStatelessResetSent() {
	if d.Metrics != nil {
		d.Metrics.RecordStatelessResetSent()
	}
}

func (d *Deps) recordRetrySent() {
	if d.Metrics != nil {
		d.Metrics.RecordRetrySent()
	}
}

func (d *Deps) recordConnectionCreated() {
	if d.Metrics != nil {
		d.Metrics.RecordConnectionCreated()
	}
}

var errBindingTearingDown = errors.New("dispatch: binding is tearing down")
var errWorkerOverloaded = errors.New("dispatch: no worker available")

// Receive runs the dispatcher over one batch of datagrams from the
// datapath, returning the datagrams the caller should
// return to the datapath's buffer pool (everything not handed off to a
// connection or a stateless op).
func Receive(d *Deps, chain []quicbind.Datagram) []quicbind.Datagram {
	var release []quicbind.Datagram
	var subchain []quicbind.Datagram
	var subchainCID wire.CID
	haveCID := false

	flush := func() {
		if len(subchain) == 0 {
			return
		}
		stablePartitionHandshakeFirst(subchain)
		deliver(d, subchain, &release)
		subchain = nil
	}

	for i := range chain {
		dg := chain[i]

		res := preprocess.Process(&dg, listenerPresence{d.Listeners}, statelessEnqueuer{d})
		if !res.Keep {
			if res.Release {
				release = append(release, dg)
			}
			continue
		}

		if d.Exclusive {
			// Exclusive bindings skip chain splitting entirely: every kept
			// datagram in the batch belongs to the binding's one
			// connection.
			subchain = append(subchain, dg)
			continue
		}

		cid := destCIDFor(dg, d.LocalCIDLen)
		if haveCID && !cid.Equal(subchainCID) {
			flush()
		}
		subchainCID = cid
		haveCID = true
		subchain = append(subchain, dg)
	}
	flush()
	return release
}

// destCIDFor extracts the connection ID used to group dg into a subchain:
// the invariant-parsed DestCID for long headers, or the locally-configured-
// length CID for short headers (the invariant layer can't see short-header
// CID lengths).
func destCIDFor(dg quicbind.Datagram, localCIDLen int) wire.CID {
	if dg.Meta.LongHeader {
		return dg.Meta.DestCID
	}
	cid, ok := wire.ShortHeaderDestCID(dg.Buf, localCIDLen)
	if !ok {
		return nil
	}
	return cid
}

// stablePartitionHandshakeFirst reorders sub in place so handshake-space
// (Initial/Handshake) long header packets precede everything else, without
// disturbing relative order within either group.
func stablePartitionHandshakeFirst(sub []quicbind.Datagram) {
	out := make([]quicbind.Datagram, 0, len(sub))
	for _, dg := range sub {
		if isHandshakeSpace(dg) {
			out = append(out, dg)
		}
	}
	for _, dg := range sub {
		if !isHandshakeSpace(dg) {
			out = append(out, dg)
		}
	}
	copy(sub, out)
}

func isHandshakeSpace(dg quicbind.Datagram) bool {
	return dg.Meta.LongHeader && wire.IsHandshakeSpace(dg.Buf)
}

// listenerPresence adapts a listener.Registry to preprocess.ListenerCount:
// preprocess only ever asks "== 0", so reporting a boolean presence as 0/1
// is sufficient without the registry needing to expose a real count.
type listenerPresence struct{ r *listener.Registry }

func (l listenerPresence) ListenerCount() int {
	if l.r == nil || l.r.Empty() {
		return 0
	}
	return 1
}

// statelessEnqueuer adapts Deps to preprocess.StatelessEnqueuer.
type statelessEnqueuer struct{ d *Deps }

func (e statelessEnqueuer) EnqueueVersionNegotiation(dgram quicbind.Datagram) bool {
	return e.d.enqueueStatelessOp(statelessop.OpVersionNegotiation, dgram)
}

// enqueueStatelessOp gets a worker, registers a pending stateless op in the
// cache, and queues the responder's work onto that worker — it runs on a
// worker goroutine, never on the receive path.
func (d *Deps) enqueueStatelessOp(op statelessop.Op, dgram quicbind.Datagram) bool {
	w := d.Workers.GetWorker()
	if w == nil {
		return false
	}
	ctx, ok := d.Stateless.TryCreate(d.BindingRef, w, op, dgram)
	if !ok {
		return false
	}
	switch op {
	case statelessop.OpVersionNegotiation:
		d.recordVersionNegotiationSent()
	case statelessop.OpStatelessReset:
		d.recordStatelessResetSent()
	case statelessop.OpRetry:
		d.recordRetrySent()
	}
	w.QueueOperation(OpFunc(func() {
		responder.Process(d.Stateless, ctx, d.Sender, d.Tokenizer, d.Library, d.Settings, d.ReservedVersion, d.Log)
	}))
	return true
}

// deliver routes one subchain to a connection, a stateless response, or
// the release list.
func deliver(d *Deps, subchain []quicbind.Datagram, release *[]quicbind.Datagram) {
	first := &subchain[0]

	var conn lookup.Conn
	var ok bool
	if d.ServerOwned && first.Meta.LongHeader {
		conn, ok = d.Lookup.FindByRemoteHash(first.Remote, first.Meta.SrcCID)
	} else {
		conn, ok = d.Lookup.FindByLocalCID(destCIDFor(*first, d.LocalCIDLen))
	}

	if ok {
		c := conn.(Connection)
		c.QueueRecvDatagrams(subchain)
		c.Release(quicbind.RefReasonLookup)
		return
	}

	if d.Exclusive {
		*release = append(*release, subchain...)
		return
	}
	if !first.Meta.LongHeader {
		attemptStatelessReset(d, *first, release)
		if len(subchain) > 1 {
			*release = append(*release, subchain[1:]...)
		}
		return
	}
	if first.Meta.Version == wire.VersionNegotiation {
		*release = append(*release, subchain...)
		return
	}
	if !d.ServerOwned || !wire.IsSupported(first.Meta.Version) {
		*release = append(*release, subchain...)
		return
	}
	if wire.LongPacketTypeOf(first.Buf) != wire.LongPacketInitial {
		*release = append(*release, subchain...)
		return
	}
	if d.Listeners.Empty() {
		*release = append(*release, subchain...)
		return
	}

	initial, ok := wire.ParseInitial(first.Buf)
	if !ok {
		*release = append(*release, subchain...)
		return
	}

	var offered []string
	if d.ALPN != nil {
		offered = d.ALPN.OfferedALPN(first.Buf)
	}
	entry, ok := d.Listeners.FindForNewConnection(listener.ConnInfo{
		LocalAddr:   first.Local.Addr(),
		OfferedALPN: offered,
	})
	if !ok {
		*release = append(*release, subchain...)
		return
	}
	defer entry.Guard.Release()

	switch decideRetry(d, first, initial.Token) {
	case retryRequired:
		enqueueRetry(d, *first, release)
		if len(subchain) > 1 {
			*release = append(*release, subchain[1:]...)
		}
		return
	case retryRejected:
		*release = append(*release, subchain...)
		return
	}

	c, err := createConnection(d, *first, entry)
	if err != nil {
		*release = append(*release, subchain...)
		return
	}
	c.QueueRecvDatagrams(subchain)
	c.Release(quicbind.RefReasonRouting)
}

func attemptStatelessReset(d *Deps, dgram quicbind.Datagram, release *[]quicbind.Datagram) {
	if d.Exclusive {
		*release = append(*release, dgram)
		return
	}
	if d.enqueueStatelessOp(statelessop.OpStatelessReset, dgram) {
		return
	}
	*release = append(*release, dgram)
}

func enqueueRetry(d *Deps, dgram quicbind.Datagram, release *[]quicbind.Datagram) {
	if d.enqueueStatelessOp(statelessop.OpRetry, dgram) {
		return
	}
	*release = append(*release, dgram)
}

type retryDecision int

const (
	retryAccept retryDecision = iota
	retryRequired
	retryRejected
)

// decideRetry decides whether to accept a connection attempt directly,
// demand a Retry round trip, or reject an invalid token.
func decideRetry(d *Deps, dgram *quicbind.Datagram, token []byte) retryDecision {
	if len(token) == 0 {
		usage := d.Library.HandshakeMemoryUsage()
		total := d.Library.TotalMemory()
		threshold := uint64(d.Settings.RetryMemoryLimit) * total / math.MaxUint16
		if usage >= threshold {
			return retryRequired
		}
		return retryAccept
	}
	if len(token) != wire.RetryTokenTotalLen {
		return retryRejected
	}
	_, ok := responder.VerifyRetryToken(d.Library, dgram.Remote, dgram.Meta.DestCID, token)
	if !ok {
		return retryRejected
	}
	dgram.Meta.ValidToken = true
	return retryAccept
}

// createConnection acquires a binding ref, builds the connection under
// the accepting listener's
// session, assign a worker, and register it in the remote-hash index —
// redirecting to the survivor on a colliding insert.
func createConnection(d *Deps, dgram quicbind.Datagram, entry *listener.Entry) (Connection, error) {
	if !d.BindingRef.TryAddRef() {
		return nil, errBindingTearingDown
	}

	conn, err := d.Factory.CreateConnection(dgram, entry)
	if err != nil {
		d.BindingRef.Release()
		return nil, err
	}

	w := d.Workers.GetWorker()
	if w == nil || w.IsOverloaded() {
		d.BindingRef.Release()
		conn.Release(quicbind.RefReasonRouting)
		return nil, errWorkerOverloaded
	}
	w.AssignConnection(conn)

	inserted, existing := d.Lookup.AddRemoteHash(conn, dgram.Remote, dgram.Meta.SrcCID)
	if !inserted {
		// Collision: another receive goroutine won the race to register
		// this (remote addr, src CID) pair first. Shut the fresh
		// connection down via a queued operation (standing in for the
		// "pre-allocated backup op slot" that avoids an allocation on this
		// error path) and redirect to the survivor.
		conn.QueueOperation(OpFunc(func() { conn.Release(quicbind.RefReasonRouting) }))
		return existing.(Connection), nil
	}
	d.recordConnectionCreated()
	return conn, nil
}
