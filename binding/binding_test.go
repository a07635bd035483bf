package binding

import (
	"crypto/cipher"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind"
	"github.com/pg9182/quicbind/internal/dispatch"
	"github.com/pg9182/quicbind/internal/listener"
)

var (
	errNoKey          = errors.New("no retry key configured")
	errNotImplemented = errors.New("fakeFactory: not implemented")
)

type fakeLibrary struct{}

func (fakeLibrary) CurrentStatelessRetryKey() (cipher.AEAD, error) { return nil, errNoKey }
func (fakeLibrary) HandshakeMemoryUsage() uint64                   { return 0 }
func (fakeLibrary) TotalMemory() uint64                            { return 1 << 32 }

type noopWorker struct{ pool sync.Pool }

func (noopWorker) IsOverloaded() bool                { return false }
func (noopWorker) AssignConnection(dispatch.Connection) {}
func (w *noopWorker) QueueOperation(op dispatch.Operation) { op.Run() }
func (w *noopWorker) StatelessContextPool() *sync.Pool     { return &w.pool }

type noopWorkerPool struct{ w *noopWorker }

func (p noopWorkerPool) GetWorker() dispatch.Worker { return p.w }

type noopFactory struct{}

func (noopFactory) CreateConnection(quicbind.Datagram, *listener.Entry) (dispatch.Connection, error) {
	return nil, errNotImplemented
}

func TestInitializeAndUninitializeLifecycle(t *testing.T) {
	local := netip.MustParseAddrPort("127.0.0.1:0")
	b, err := Initialize(Config{
		Local:       local,
		ServerOwned: true,
		Settings:    quicbind.DefaultSettings(),
		Factory:     noopFactory{},
		Workers:     noopWorkerPool{w: &noopWorker{}},
		Library:     fakeLibrary{},
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if b.RefCount() != 0 {
		t.Fatalf("expected a fresh binding to have RefCount 0, got %d", b.RefCount())
	}
	if !b.LocalAddr().IsValid() || b.LocalAddr().Port() == 0 {
		t.Fatalf("expected a bound ephemeral port, got %v", b.LocalAddr())
	}

	if err := Uninitialize(b); err != nil {
		t.Fatalf("Uninitialize failed: %v", err)
	}
}

func TestUninitializeRefusesNonZeroRefCount(t *testing.T) {
	local := netip.MustParseAddrPort("127.0.0.1:0")
	b, err := Initialize(Config{
		Local:       local,
		ServerOwned: true,
		Settings:    quicbind.DefaultSettings(),
		Factory:     noopFactory{},
		Workers:     noopWorkerPool{w: &noopWorker{}},
		Library:     fakeLibrary{},
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer func() {
		b.Release()
		Uninitialize(b)
	}()

	if !b.TryAddRef() {
		t.Fatal("expected TryAddRef to succeed on a fresh binding")
	}
	if err := Uninitialize(b); err == nil {
		t.Fatal("expected Uninitialize to refuse a binding with an outstanding ref")
	}
}

func TestSendToAndSelfDatagram(t *testing.T) {
	aLocal := netip.MustParseAddrPort("127.0.0.1:0")
	bLocal := netip.MustParseAddrPort("127.0.0.1:0")

	a, err := Initialize(Config{
		Local:       aLocal,
		ServerOwned: false,
		Exclusive:   true,
		Settings:    quicbind.DefaultSettings(),
		Factory:     noopFactory{},
		Workers:     noopWorkerPool{w: &noopWorker{}},
		Library:     fakeLibrary{},
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Initialize a failed: %v", err)
	}
	defer Uninitialize(a)

	b, err := Initialize(Config{
		Local:       bLocal,
		ServerOwned: false,
		Exclusive:   true,
		Settings:    quicbind.DefaultSettings(),
		Factory:     noopFactory{},
		Workers:     noopWorkerPool{w: &noopWorker{}},
		Library:     fakeLibrary{},
		Log:         zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Initialize b failed: %v", err)
	}
	defer Uninitialize(b)

	payload := []byte{0x40, 1, 2, 3, 4, 5, 6, 7, 8}
	if err := a.SendTo(b.LocalAddr(), payload); err != nil {
		t.Fatalf("SendTo failed: %v", err)
	}

	// An exclusive binding with no connection attached drops every
	// datagram (nothing in Lookup can claim it); this exercises the send
	// path and the receive-side drop path without needing a fake
	// connection wired through Factory.
	time.Sleep(50 * time.Millisecond)
}
