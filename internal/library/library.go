// Package library implements the process-wide state every binding shares:
// the current stateless-retry AEAD key (rotated periodically) and the
// handshake-memory accounting that feeds the Retry admission decision.
package library

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pg9182/quicbind"
)

// KeySize is the AES-128-GCM key size used for the stateless-retry AEAD,
// matching RFC 9001 §5.8's well-known-key class of construction (a
// library-private key here, not the public Retry Integrity Tag key).
const KeySize = 16

// Library is the process-wide collaborator every binding's dispatcher
// reaches through dispatch.Library / responder.KeyProvider: the current
// Retry key and handshake-memory bookkeeping.
type Library struct {
	mu      sync.RWMutex
	current cipher.AEAD
	rotated time.Time

	handshakeMem atomic.Uint64

	settings quicbind.Settings

	rotateEvery time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// New builds a Library with a freshly generated stateless-retry key,
// rotating it every rotateEvery (zero disables rotation).
func New(settings quicbind.Settings, rotateEvery time.Duration) (*Library, error) {
	l := &Library{settings: settings, rotateEvery: rotateEvery, stop: make(chan struct{})}
	if err := l.rotate(); err != nil {
		return nil, err
	}
	if rotateEvery > 0 {
		go l.rotateLoop()
	}
	return l, nil
}

func newAEAD() (cipher.AEAD, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (l *Library) rotate() error {
	aead, err := newAEAD()
	if err != nil {
		return errors.New("library: generate stateless-retry key: " + err.Error())
	}
	l.mu.Lock()
	l.current = aead
	l.rotated = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *Library) rotateLoop() {
	t := time.NewTicker(l.rotateEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.rotate() // best-effort; a failed rotation just keeps the old key
		}
	}
}

// Close stops the rotation goroutine, if any.
func (l *Library) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// CurrentStatelessRetryKey returns the AEAD currently used to seal and open
// Retry tokens.
func (l *Library) CurrentStatelessRetryKey() (cipher.AEAD, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return nil, errors.New("library: no stateless-retry key available")
	}
	return l.current, nil
}

// AddHandshakeMemory adjusts the process-wide handshake-memory counter that
// feeds dispatch's decideRetry admission threshold; a
// connection factory calls this as handshakes are created and torn down.
func (l *Library) AddHandshakeMemory(delta int64) {
	if delta >= 0 {
		l.handshakeMem.Add(uint64(delta))
		return
	}
	l.handshakeMem.Add(^uint64(-delta - 1)) // atomic subtraction via two's complement
}

// HandshakeMemoryUsage reports the current handshake-memory counter.
func (l *Library) HandshakeMemoryUsage() uint64 {
	return l.handshakeMem.Load()
}

// TotalMemory reports the process's available memory budget, used as the
// base that decideRetry's RetryMemoryLimit fraction is taken of. It reads
// the Go runtime's configured soft memory limit when set, falling back to
// the memory the runtime has obtained from the OS (runtime.MemStats.Sys),
// and to 1 GiB if that reads zero (there's no portable "total RAM" syscall
// in the standard library).
func (l *Library) TotalMemory() uint64 {
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
		return uint64(limit)
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > 0 {
		return mem.Sys
	}
	return 1 << 30 // 1 GiB fallback if even Sys reads zero
}

// Settings returns the process-wide settings snapshot the library was built
// with.
func (l *Library) Settings() quicbind.Settings {
	return l.settings
}
