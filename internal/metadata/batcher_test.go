package metadata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/profile"
	"github.com/pinpox/nitrous-inbox/internal/signal"
)

type fetchCall struct {
	relays []string
	keys   []string
	at     time.Time
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []fetchCall
	events map[string][]nostr.Event // by author
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fetchCall{relays: relays, keys: filter.Authors, at: time.Now()})
	if f.err != nil {
		return nil, f.err
	}
	var out []nostr.Event
	for _, pk := range filter.Authors {
		out = append(out, f.events[pk]...)
	}
	return out, nil
}

func (f *fakeFetcher) snapshot() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.calls...)
}

type sinkFunc func(profile.Profile)

func (s sinkFunc) UpsertProfile(p profile.Profile) { s(p) }

func hexKey(i int) string {
	return fmt.Sprintf("%064x", i)
}

func startBatcher(t *testing.T, b *Batcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBatchSizeThenTimeout(t *testing.T) {
	f := &fakeFetcher{}
	b := New(Options{BatchSize: 100, BatchTimeout: 300 * time.Millisecond}, f, nil, nil, nil, nil, nil)
	startBatcher(t, b)

	start := time.Now()
	for i := range 150 {
		b.Request(hexKey(i))
	}

	waitFor(t, 2*time.Second, func() bool { return len(f.snapshot()) == 2 })
	time.Sleep(400 * time.Millisecond)

	calls := f.snapshot()
	if len(calls) != 2 {
		t.Fatalf("got %d flushes, want 2", len(calls))
	}
	if len(calls[0].keys) != 100 {
		t.Errorf("first flush has %d keys, want 100", len(calls[0].keys))
	}
	if len(calls[1].keys) != 50 {
		t.Errorf("second flush has %d keys, want 50", len(calls[1].keys))
	}
	if calls[0].at.Sub(start) > 200*time.Millisecond {
		t.Errorf("size-triggered flush took %v", calls[0].at.Sub(start))
	}
	if calls[1].at.Sub(start) < 250*time.Millisecond {
		t.Errorf("timeout flush fired after only %v", calls[1].at.Sub(start))
	}
}

func TestBatchNeverExceedsSize(t *testing.T) {
	f := &fakeFetcher{}
	b := New(Options{BatchSize: 7, BatchTimeout: 50 * time.Millisecond}, f, nil, nil, nil, nil, nil)
	startBatcher(t, b)

	for i := range 40 {
		b.Request(hexKey(i))
	}
	waitFor(t, 2*time.Second, func() bool {
		n := 0
		for _, c := range f.snapshot() {
			n += len(c.keys)
		}
		return n == 40
	})
	for i, c := range f.snapshot() {
		if len(c.keys) > 7 {
			t.Errorf("flush %d has %d keys", i, len(c.keys))
		}
	}
}

func TestTimeoutBound(t *testing.T) {
	f := &fakeFetcher{}
	b := New(Options{BatchSize: 100, BatchTimeout: 100 * time.Millisecond}, f, nil, nil, nil, nil, nil)
	startBatcher(t, b)

	start := time.Now()
	b.Request(hexKey(1))
	waitFor(t, time.Second, func() bool { return len(f.snapshot()) == 1 })
	if elapsed := f.snapshot()[0].at.Sub(start); elapsed > 250*time.Millisecond {
		t.Errorf("single key waited %v", elapsed)
	}
	if b.State() != Idle {
		t.Errorf("State = %v after flush", b.State())
	}
}

func TestDuplicateRequestsQueriedOnce(t *testing.T) {
	f := &fakeFetcher{}
	b := New(Options{BatchSize: 10, BatchTimeout: 30 * time.Millisecond}, f, nil, nil, nil, nil, nil)
	startBatcher(t, b)

	for range 5 {
		b.Request(hexKey(1))
	}
	waitFor(t, time.Second, func() bool { return len(f.snapshot()) == 1 })
	b.Request(hexKey(1))
	time.Sleep(100 * time.Millisecond)

	calls := f.snapshot()
	if len(calls) != 1 || len(calls[0].keys) != 1 {
		t.Errorf("calls = %+v, want one flush with one key", calls)
	}
}

func TestFailedQueryIsRetried(t *testing.T) {
	f := &fakeFetcher{err: errors.New("relays down")}
	b := New(Options{BatchSize: 10, BatchTimeout: 20 * time.Millisecond}, f, nil, nil, nil, nil, nil)
	startBatcher(t, b)

	b.Request(hexKey(1))
	waitFor(t, time.Second, func() bool { return len(f.snapshot()) == 1 })

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	b.Request(hexKey(1))
	waitFor(t, time.Second, func() bool { return len(f.snapshot()) == 2 })
}

func TestFlushResolvesProfilesAndRelays(t *testing.T) {
	alice := hexKey(0xa)
	f := &fakeFetcher{events: map[string][]nostr.Event{
		alice: {
			{PubKey: alice, Kind: 0, CreatedAt: 10, Content: `{"name":"old"}`},
			{PubKey: alice, Kind: 0, CreatedAt: 20, Content: `{"name":"alice"}`},
			{PubKey: alice, Kind: gossip.KindMessagingList, Tags: nostr.Tags{{"relay", "wss://inbox.example"}}},
			{PubKey: alice, Kind: gossip.KindRelayList, Tags: nostr.Tags{{"r", "wss://out.example", "write"}}},
		},
	}}
	gc := gossip.New(0, 0, nil)
	bus := signal.New(8)

	var mu sync.Mutex
	var upserts []profile.Profile
	sink := sinkFunc(func(p profile.Profile) {
		mu.Lock()
		defer mu.Unlock()
		upserts = append(upserts, p)
	})

	b := New(Options{BatchSize: 10, BatchTimeout: 20 * time.Millisecond, Relays: []string{"wss://index.example"}}, f, sink, gc, bus, nil, nil)
	startBatcher(t, b)
	b.Request(alice)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := bus.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	pu, ok := s.(signal.ProfileUpdated)
	if !ok || pu.Profile.Label() != "alice" {
		t.Fatalf("signal = %#v", s)
	}

	mu.Lock()
	if len(upserts) != 1 || upserts[0].Name != "alice" {
		t.Errorf("upserts = %+v", upserts)
	}
	mu.Unlock()

	if got := gc.MessagingRelays(alice); len(got) != 1 || got[0] != "wss://inbox.example" {
		t.Errorf("MessagingRelays = %v", got)
	}
	if got := b.Cache().Lookup(alice); got.Name != "alice" {
		t.Errorf("cached profile = %+v", got)
	}

	// a cached key is not requested again
	b.Request(alice)
	time.Sleep(60 * time.Millisecond)
	if n := len(f.snapshot()); n != 1 {
		t.Errorf("got %d flushes, want 1", n)
	}
}

func TestRelaysForAddsWriteHints(t *testing.T) {
	gc := gossip.New(0, 0, nil)
	gc.IngestDiscovery(&nostr.Event{Kind: gossip.KindRelayList, PubKey: hexKey(1), Tags: nostr.Tags{
		{"r", "wss://index.example"},
		{"r", "wss://w.example", "write"},
		{"r", "wss://r.example", "read"},
	}})
	b := New(Options{Relays: []string{"wss://index.example"}}, &fakeFetcher{}, nil, gc, nil, nil, nil)

	got := b.relaysFor([]string{hexKey(1)})
	want := []string{"wss://index.example", "wss://w.example"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("relaysFor = %v, want %v", got, want)
	}
}

func TestCachePutKeepsNewest(t *testing.T) {
	c := NewCache()
	pk := hexKey(1)
	if !c.Put(profile.Profile{PubKey: pk, Name: "new", UpdatedAt: 20}) {
		t.Fatal("first Put rejected")
	}
	if c.Put(profile.Profile{PubKey: pk, Name: "old", UpdatedAt: 10}) {
		t.Error("older profile replaced newer one")
	}
	if got := c.Lookup(pk); got.Name != "new" {
		t.Errorf("Lookup = %+v", got)
	}
	if got := c.Lookup(hexKey(2)); got.Known() {
		t.Errorf("Lookup of unknown key = %+v", got)
	}
}
