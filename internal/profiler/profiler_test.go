package profiler

import (
	"sync"
	"testing"
	"time"
)

func TestRecordAccumulatesExecutionCount(t *testing.T) {
	p := New(Config{})
	p.Record("fp1", 10*time.Microsecond)
	p.Record("fp1", 20*time.Microsecond)

	rec, ok := p.Lookup("fp1")
	if !ok {
		t.Fatalf("fp1 not tracked after Record")
	}
	if rec.ExecutionCount != 2 {
		t.Fatalf("ExecutionCount = %d, want 2", rec.ExecutionCount)
	}
	if rec.AvgDuration() != int64(15*time.Microsecond) {
		t.Fatalf("AvgDuration = %d, want %d", rec.AvgDuration(), int64(15*time.Microsecond))
	}
}

func TestLookupMissingFingerprint(t *testing.T) {
	p := New(Config{})
	if _, ok := p.Lookup("nope"); ok {
		t.Fatalf("Lookup(nope) should report not found")
	}
}

func TestHotThresholdEnqueuesOnce(t *testing.T) {
	var mu sync.Mutex
	var enqueued []string
	done := make(chan struct{}, 1)

	p := New(Config{
		HotExecutionCount: 2,
		HotAvgDuration:    time.Nanosecond, // any nonzero duration counts as hot
		EnqueueFunc: func(fp string) {
			mu.Lock()
			enqueued = append(enqueued, fp)
			mu.Unlock()
			done <- struct{}{}
		},
	})

	p.Record("hot", time.Millisecond)
	p.Record("hot", time.Millisecond)
	p.Record("hot", time.Millisecond) // crossing the threshold again must not re-enqueue

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("EnqueueFunc was never called")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(enqueued) != 1 {
		t.Fatalf("EnqueueFunc called %d times, want exactly 1", len(enqueued))
	}
	if enqueued[0] != "hot" {
		t.Fatalf("enqueued fingerprint = %q, want hot", enqueued[0])
	}

	rec, _ := p.Lookup("hot")
	if !rec.JITCompiled {
		t.Fatalf("JITCompiled should be true once the fingerprint has gone hot")
	}
}

func TestColdFingerprintNeverEnqueues(t *testing.T) {
	p := New(Config{HotExecutionCount: 100, HotAvgDuration: time.Hour})
	p.Record("cold", time.Microsecond)

	rec, ok := p.Lookup("cold")
	if !ok {
		t.Fatalf("cold fingerprint should still be tracked")
	}
	if rec.JITCompiled {
		t.Fatalf("cold fingerprint should not be marked JIT compiled")
	}
}

func TestSweepEvictsIdleRecords(t *testing.T) {
	p := New(Config{DecayIdleAfter: time.Millisecond})
	p.Record("stale", time.Microsecond)

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 before sweep", p.Len())
	}

	time.Sleep(5 * time.Millisecond)
	p.sweep()

	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after sweep evicts the idle record", p.Len())
	}
}

func TestSweepKeepsFreshRecords(t *testing.T) {
	p := New(Config{DecayIdleAfter: time.Hour})
	p.Record("fresh", time.Microsecond)

	p.sweep()

	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (fresh record should survive sweep)", p.Len())
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	p := New(Config{DecayInterval: time.Hour})
	p.Start()
	p.Start() // second Start must be a no-op, not a double-close panic
	p.Stop()
	p.Stop() // second Stop must be a no-op too
}
