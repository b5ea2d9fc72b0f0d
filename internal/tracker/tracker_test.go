package tracker

import (
	"fmt"
	"sync"
	"testing"
)

func TestMarkSentIsOwn(t *testing.T) {
	tr := New()
	if tr.IsOwn("e1") {
		t.Fatal("unknown id reported as own")
	}
	tr.MarkSent("e1")
	tr.MarkSent("e1")
	if !tr.IsOwn("e1") {
		t.Fatal("sent id not reported as own")
	}
	if tr.IsOwn("e2") {
		t.Fatal("unrelated id reported as own")
	}
}

func TestSeenOn(t *testing.T) {
	tr := New()
	tr.MarkSeen("e1", "wss://b.example")
	tr.MarkSeen("e1", "wss://a.example")
	tr.MarkSeen("e1", "wss://a.example")

	got := tr.SeenOn("e1")
	if len(got) != 2 || got[0] != "wss://a.example" || got[1] != "wss://b.example" {
		t.Errorf("SeenOn = %v", got)
	}
	if len(tr.SeenOn("missing")) != 0 {
		t.Error("expected no relays for unknown id")
	}
}

func TestQueueResendIdempotent(t *testing.T) {
	tr := New()
	tr.QueueResend("e1", "wss://a.example")
	tr.QueueResend("e1", "wss://a.example")
	tr.QueueResend("e2", "wss://a.example")
	tr.QueueResend("e1", "wss://b.example")

	got := tr.DrainResendFor("wss://a.example")
	if len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Errorf("DrainResendFor(a) = %v, want [e1 e2]", got)
	}
	if again := tr.DrainResendFor("wss://a.example"); len(again) != 0 {
		t.Errorf("second drain returned %v", again)
	}
	if pending := tr.PendingRelays(); len(pending) != 1 || pending[0] != "wss://b.example" {
		t.Errorf("PendingRelays = %v", pending)
	}
}

func TestDrainConcurrentIsAllOrNothing(t *testing.T) {
	tr := New()
	const n = 200
	for i := range n {
		tr.QueueResend(fmt.Sprintf("e%d", i), "wss://r.example")
	}

	var wg sync.WaitGroup
	results := make(chan int, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- len(tr.DrainResendFor("wss://r.example"))
		}()
	}
	wg.Wait()
	close(results)

	total, nonEmpty := 0, 0
	for c := range results {
		total += c
		if c > 0 {
			nonEmpty++
		}
	}
	if total != n || nonEmpty != 1 {
		t.Errorf("drains returned %d ids across %d callers, want %d in exactly one", total, nonEmpty, n)
	}
}

func TestRecordResendAndReset(t *testing.T) {
	tr := New()
	tr.RecordResend(Receipt{EventID: "e1", Relay: "wss://a.example", OK: true})
	tr.RecordResend(Receipt{EventID: "e2", Relay: "wss://a.example", Reason: "timeout"})

	trail := tr.Resent()
	if len(trail) != 2 || trail[0].EventID != "e1" || trail[1].OK {
		t.Fatalf("Resent = %+v", trail)
	}
	if trail[0].At.IsZero() {
		t.Error("receipt timestamp not filled in")
	}

	tr.MarkSent("e1")
	tr.QueueResend("e3", "wss://a.example")
	tr.Reset()
	if tr.IsOwn("e1") || len(tr.Resent()) != 0 || len(tr.PendingRelays()) != 0 {
		t.Error("Reset left state behind")
	}
}
