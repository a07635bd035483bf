package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pg9182/quicbind/internal/dispatch"
)

func TestQueueOperationRuns(t *testing.T) {
	p := New(2, 16, zerolog.Nop())
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false
	w := p.GetWorker()
	w.QueueOperation(dispatch.OpFunc(func() {
		ran = true
		wg.Done()
	}))

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("operation did not run within the deadline")
	}
	if !ran {
		t.Fatal("expected the queued operation to have run")
	}
}

func TestGetWorkerRoundRobins(t *testing.T) {
	p := New(3, 16, zerolog.Nop())
	defer p.Close()

	seen := map[dispatch.Worker]bool{}
	for i := 0; i < 3; i++ {
		seen[p.GetWorker()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected round-robin to spread across workers, got %d distinct", len(seen))
	}
}

func TestFullQueueReportsOverloaded(t *testing.T) {
	p := New(1, 1, zerolog.Nop())
	defer p.Close()

	w := p.workers[0]
	started := make(chan struct{})
	release := make(chan struct{})
	w.ops <- dispatch.OpFunc(func() {
		close(started)
		<-release
	})
	<-started // the worker goroutine is now blocked inside this op

	w.ops <- dispatch.OpFunc(func() {}) // fills the single-slot queue behind it

	if !w.IsOverloaded() {
		t.Fatal("expected a full single-slot queue to report overloaded")
	}
	close(release)
}
