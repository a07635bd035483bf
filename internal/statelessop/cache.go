// Package statelessop implements the binding's bounded, rate-limited cache
// of in-flight stateless operations: at most one pending operation per
// remote address, aged out after a fixed expiry.
package statelessop

import (
	"container/list"
	"net/netip"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
)

// Op identifies which stateless response a Context will eventually produce.
type Op int

const (
	OpVersionNegotiation Op = iota
	OpStatelessReset
	OpRetry
)

// Binding is the subset of binding state TryCreate needs to take/release a
// reference on while a stateless op is in flight.
type Binding interface {
	TryAddRef() bool
	Release()
}

// Worker is the subset of the worker pool interface the cache needs: a pool
// to allocate Context values from.
type Worker interface {
	StatelessContextPool() *sync.Pool
}

// Context is one pending stateless operation.
type Context struct {
	Binding    Binding
	Worker     Worker
	Datagram   quicbind.Datagram
	RemoteAddr netip.AddrPort
	CreatedAt  int64 // milliseconds
	Op         Op

	IsProcessed  bool
	IsExpired    bool
	HasBindingRef bool

	ageElem *list.Element
	hashKey uint64
}

// Cache is a binding's stateless-operation table: bounded by MaxOps
// entries, with entries older than ExpiryMS swept before every insertion.
type Cache struct {
	mu sync.Mutex

	MaxOps   int
	ExpiryMS int64
	Now      func() int64 // overridable for tests; defaults to wall-clock ms

	byHash map[uint64][]*Context
	age    *list.List // oldest at Front, newest at Back
	count  int

	log zerolog.Logger

	droppedCapacity  uint64
	droppedDuplicate uint64
	expired          uint64
}

// New creates a Cache bounded at maxOps entries with the given expiry.
func New(maxOps int, expiryMS int64, log zerolog.Logger) *Cache {
	return &Cache{
		MaxOps:   maxOps,
		ExpiryMS: expiryMS,
		byHash:   make(map[uint64][]*Context),
		age:      list.New(),
		log:      log,
	}
}

func (c *Cache) now() int64 {
	if c.Now != nil {
		return c.Now()
	}
	return wallClockMS()
}

func addrHash(addr netip.AddrPort) uint64 {
	a := addr.Addr().As16()
	var buf [18]byte
	copy(buf[:16], a[:])
	buf[16] = byte(addr.Port())
	buf[17] = byte(addr.Port() >> 8)
	return xxhash.Checksum64(buf[:])
}

// sweep walks the age-ordered list from the oldest entry, expiring anything
// older than ExpiryMS. Must be called with mu held.
func (c *Cache) sweep(now int64) {
	for e := c.age.Front(); e != nil; {
		ctx := e.Value.(*Context)
		if now-ctx.CreatedAt < c.ExpiryMS {
			break
		}
		next := e.Next()
		c.age.Remove(e)
		c.removeFromHash(ctx)
		c.count--
		ctx.IsExpired = true
		c.expired++
		if ctx.IsProcessed {
			c.free(ctx)
		}
		// else: the worker processing path frees it on Release, once
		// IsProcessed is set and IsExpired is observed true.
		e = next
	}
}

func (c *Cache) removeFromHash(ctx *Context) {
	bucket := c.byHash[ctx.hashKey]
	for i, o := range bucket {
		if o == ctx {
			c.byHash[ctx.hashKey] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(c.byHash[ctx.hashKey]) == 0 {
		delete(c.byHash, ctx.hashKey)
	}
}

func (c *Cache) free(ctx *Context) {
	if ctx.HasBindingRef {
		ctx.Binding.Release()
		ctx.HasBindingRef = false
	}
	if ctx.Worker != nil {
		if pool := ctx.Worker.StatelessContextPool(); pool != nil {
			*ctx = Context{}
			pool.Put(ctx)
		}
	}
}

// TryCreate attempts to register a new pending stateless operation for the
// datagram's remote address, returning (nil, false) if the cache is at
// capacity or already has an operation in flight for that address.
func (c *Cache) TryCreate(b Binding, w Worker, op Op, dgram quicbind.Datagram) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweep(now)

	if c.count >= c.MaxOps {
		c.droppedCapacity++
		c.log.Warn().Str("remote", dgram.Remote.String()).Msg("dropping stateless op: binding at capacity")
		return nil, false
	}

	key := addrHash(dgram.Remote)
	for _, existing := range c.byHash[key] {
		if existing.RemoteAddr == dgram.Remote {
			c.droppedDuplicate++
			c.log.Debug().Str("remote", dgram.Remote.String()).Msg("already in stateless oper table")
			return nil, false
		}
	}

	var ctx *Context
	if w != nil {
		if pool := w.StatelessContextPool(); pool != nil {
			if v, ok := pool.Get().(*Context); ok && v != nil {
				ctx = v
			}
		}
	}
	if ctx == nil {
		ctx = &Context{}
	}

	hasBindingRef := b != nil && b.TryAddRef()

	*ctx = Context{
		Binding:       b,
		Worker:        w,
		Datagram:      dgram,
		RemoteAddr:    dgram.Remote,
		CreatedAt:     now,
		Op:            op,
		HasBindingRef: hasBindingRef,
		hashKey:       key,
	}
	c.byHash[key] = append(c.byHash[key], ctx)
	ctx.ageElem = c.age.PushBack(ctx)
	c.count++
	return ctx, true
}

// Release marks ctx processed once a worker has finished building its
// response, and frees it immediately if sweep already marked it expired
// in the meantime; otherwise it stays tracked until sweep or DrainAll
// retires it. The binding reference taken by TryCreate is always dropped
// here, not deferred to free, since the worker is done touching Binding
// either way. returnDatagram is accepted for symmetry with the responder's
// send path but is currently unused: each Context owns a private copy of
// its Datagram (see Binding.onReceive), so there is no shared buffer to
// hand back.
func (c *Cache) Release(ctx *Context, returnDatagram bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx.IsProcessed = true
	if ctx.IsExpired {
		c.free(ctx)
		return
	}
	if ctx.HasBindingRef {
		ctx.Binding.Release()
		ctx.HasBindingRef = false
	}
	_ = returnDatagram
}

// DrainAll empties the cache: every tracked context is marked expired and
// dropped from the index. Contexts already processed are freed now; one a
// worker has not finished with yet is freed by its own Release, which sees
// the expired flag. Used by binding.Uninitialize once the datapath handle
// has stopped delivering new receives.
func (c *Cache) DrainAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.age.Front(); e != nil; e = e.Next() {
		ctx := e.Value.(*Context)
		ctx.IsExpired = true
		if ctx.IsProcessed {
			c.free(ctx)
		}
	}
	c.byHash = make(map[uint64][]*Context)
	c.age = list.New()
	c.count = 0
}

// Len reports the number of entries currently tracked, for tests and
// metrics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Stats is a snapshot of the cache's drop/expiry counters. The owning
// binding's WritePrometheus exports only the pending-op count (Len), not
// these counters.
type Stats struct {
	DroppedCapacity  uint64
	DroppedDuplicate uint64
	Expired          uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		DroppedCapacity:  c.droppedCapacity,
		DroppedDuplicate: c.droppedDuplicate,
		Expired:          c.expired,
	}
}
