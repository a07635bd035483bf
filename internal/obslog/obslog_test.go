package obslog

import (
	"context"
	"net/netip"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func TestAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:", 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	remote := netip.MustParseAddrPort("10.0.0.1:4433")
	if err := db.Append(ctx, "binding-1", "stateless-reset", remote, "cid=aabbcc"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := db.Append(ctx, "binding-1", "retry", remote, "cid=112233"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	events, err := db.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != "retry" {
		t.Fatalf("expected newest-first ordering, got %q first", events[0].Kind)
	}
}

func TestAppendPrunesPastCapacity(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, ":memory:", 3)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	remote := netip.MustParseAddrPort("10.0.0.2:1")
	for i := 0; i < 10; i++ {
		if err := db.Append(ctx, "binding-1", "version-negotiation", remote, ""); err != nil {
			t.Fatalf("Append %d failed: %v", i, err)
		}
	}

	events, err := db.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected pruning to cap at 3 events, got %d", len(events))
	}
}
