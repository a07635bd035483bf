package library

import (
	"testing"
	"time"

	"github.com/pg9182/quicbind"
)

func TestCurrentStatelessRetryKeyStable(t *testing.T) {
	l, err := New(quicbind.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	a, err := l.CurrentStatelessRetryKey()
	if err != nil {
		t.Fatalf("CurrentStatelessRetryKey failed: %v", err)
	}
	b, err := l.CurrentStatelessRetryKey()
	if err != nil {
		t.Fatalf("CurrentStatelessRetryKey failed: %v", err)
	}
	if a != b {
		t.Fatal("expected the same AEAD instance without rotation")
	}
}

func TestRotationReplacesKey(t *testing.T) {
	l, err := New(quicbind.DefaultSettings(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	first, _ := l.CurrentStatelessRetryKey()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, _ := l.CurrentStatelessRetryKey()
		if cur != first {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the stateless-retry key to rotate within the deadline")
}

func TestHandshakeMemoryAccounting(t *testing.T) {
	l, err := New(quicbind.DefaultSettings(), 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	l.AddHandshakeMemory(1024)
	l.AddHandshakeMemory(512)
	if got := l.HandshakeMemoryUsage(); got != 1536 {
		t.Fatalf("expected usage 1536, got %d", got)
	}
	l.AddHandshakeMemory(-512)
	if got := l.HandshakeMemoryUsage(); got != 1024 {
		t.Fatalf("expected usage 1024 after subtraction, got %d", got)
	}
}
