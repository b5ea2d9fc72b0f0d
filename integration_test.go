package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
	"github.com/nbd-wtf/go-nostr"
)

// ─── Embedded relay ──────────────────────────────────────────────────────────

func startTestRelay(t *testing.T) string {
	t.Helper()

	db := &slicestore.SliceStore{}
	if err := db.Init(); err != nil {
		t.Fatalf("db.Init: %v", err)
	}

	relay := khatru.NewRelay()
	relay.Info.Name = "nitrous-inbox-test-relay"
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.ReplaceEvent = append(relay.ReplaceEvent, db.ReplaceEvent)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := &http.Server{Handler: relay}
	go func() { _ = server.Serve(ln) }()
	t.Cleanup(func() {
		_ = server.Shutdown(context.Background())
		db.Close()
	})

	url := fmt.Sprintf("ws://127.0.0.1:%d", ln.Addr().(*net.TCPAddr).Port)
	t.Logf("test relay running at %s", url)
	return url
}

// ─── Test client helper ──────────────────────────────────────────────────────

type testClient struct {
	tm   *teatest.TestModel
	keys Keys
	name string
}

func newTestClient(t *testing.T, name, relayURL string) *testClient {
	t.Helper()

	keys := generateTestKeys(t)
	cfg := defaultConfig()
	cfg.Relays = []string{relayURL}
	cfg.MessagingRelays = []string{relayURL}
	cfg.Profile = ProfileConfig{Name: name, DisplayName: name}
	if err := cfg.applyDefaults(t.TempDir()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, keys, nil, nil)
	if err != nil {
		cancel()
		t.Fatalf("newApp(%s): %v", name, err)
	}
	t.Cleanup(func() {
		cancel()
		a.close()
	})
	a.start(ctx)

	m := newModel(cfg, keys, a.orch, a.transcripts, nil, "dark")
	tm := teatest.NewTestModel(t, &m, teatest.WithInitialTermSize(120, 40))

	return &testClient{tm: tm, keys: keys, name: name}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func waitFor(t *testing.T, tm *teatest.TestModel, substr string, timeout time.Duration) {
	t.Helper()
	teatest.WaitFor(t, tm.Output(),
		func(b []byte) bool {
			return bytes.Contains(b, []byte(substr))
		},
		teatest.WithDuration(timeout),
		teatest.WithCheckInterval(200*time.Millisecond),
	)
}

func typeCmd(tm *teatest.TestModel, text string) {
	tm.Type(text)
	tm.Send(tea.KeyMsg{Type: tea.KeyEnter})
}

// queryRelayEvents queries the embedded relay directly.
func queryRelayEvents(t *testing.T, relayURL string, filter nostr.Filter) []*nostr.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		t.Fatalf("queryRelayEvents: connect: %v", err)
	}
	defer func() { _ = r.Close() }()

	evts, err := r.QuerySync(ctx, filter)
	if err != nil {
		t.Fatalf("queryRelayEvents: query: %v", err)
	}
	return evts
}

func waitForRelayEvent(t *testing.T, relayURL string, filter nostr.Filter, timeout time.Duration) []*nostr.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if evts := queryRelayEvents(t, relayURL, filter); len(evts) > 0 {
			return evts
		}
		time.Sleep(300 * time.Millisecond)
	}
	t.Fatalf("waitForRelayEvent: nothing matched kinds=%v authors=%v tags=%v after %s", filter.Kinds, filter.Authors, filter.Tags, timeout)
	return nil
}

const defaultTimeout = 15 * time.Second

// ─── Integration Test ────────────────────────────────────────────────────────

func TestIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	relayURL := startTestRelay(t)
	time.Sleep(500 * time.Millisecond)

	alice := newTestClient(t, "alice", relayURL)
	defer func() { _ = alice.tm.Quit() }()
	bob := newTestClient(t, "bob", relayURL)
	defer func() { _ = bob.tm.Quit() }()
	carol := newTestClient(t, "carol", relayURL)
	defer func() { _ = carol.tm.Quit() }()

	t.Logf("alice: %s", alice.keys.NPub)
	t.Logf("bob:   %s", bob.keys.NPub)
	t.Logf("carol: %s", carol.keys.NPub)

	// Give clients time to connect, publish their lists, and subscribe.
	time.Sleep(3 * time.Second)

	// ── Startup ──────────────────────────────────────────────────────────

	t.Run("startup/profile", func(t *testing.T) {
		for _, c := range []*testClient{alice, bob, carol} {
			waitForRelayEvent(t, relayURL, nostr.Filter{Kinds: []int{0}, Authors: []string{c.keys.PK}}, defaultTimeout)
		}
	})

	t.Run("startup/messaging-relay-list", func(t *testing.T) {
		for _, c := range []*testClient{alice, bob, carol} {
			evts := waitForRelayEvent(t, relayURL, nostr.Filter{Kinds: []int{10050}, Authors: []string{c.keys.PK}}, defaultTimeout)
			if evts[0].Tags.GetFirst([]string{"relay", ""}) == nil {
				t.Errorf("%s: kind 10050 without relay tag", c.name)
			}
		}
	})

	// ── Help command ─────────────────────────────────────────────────────

	t.Run("cmd/help", func(t *testing.T) {
		typeCmd(alice.tm, "/help")
		waitFor(t, alice.tm, "/subject", defaultTimeout)
	})

	// ── One-to-one ───────────────────────────────────────────────────────

	t.Run("dm/open", func(t *testing.T) {
		typeCmd(alice.tm, "/dm "+bob.keys.NPub)
		waitFor(t, alice.tm, "opened", defaultTimeout)
	})

	t.Run("dm/alice-sends", func(t *testing.T) {
		typeCmd(alice.tm, "Hello from Alice!")
		waitFor(t, bob.tm, "Hello from Alice!", defaultTimeout)

		// one gift wrap for bob, one for alice's own inbox
		waitForRelayEvent(t, relayURL, nostr.Filter{Kinds: []int{1059}, Tags: nostr.TagMap{"p": {bob.keys.PK}}}, defaultTimeout)
		waitForRelayEvent(t, relayURL, nostr.Filter{Kinds: []int{1059}, Tags: nostr.TagMap{"p": {alice.keys.PK}}}, defaultTimeout)
	})

	t.Run("dm/bob-replies", func(t *testing.T) {
		typeCmd(bob.tm, "Hello from Bob!")
		waitFor(t, alice.tm, "Hello from Bob!", defaultTimeout)
	})

	t.Run("dm/wraps-hide-sender", func(t *testing.T) {
		evts := queryRelayEvents(t, relayURL, nostr.Filter{Kinds: []int{1059}, Authors: []string{alice.keys.PK, bob.keys.PK}})
		if len(evts) != 0 {
			t.Errorf("%d gift wraps are signed with a real identity key", len(evts))
		}
	})

	// ── Group ────────────────────────────────────────────────────────────

	t.Run("group/open", func(t *testing.T) {
		typeCmd(alice.tm, "/dm "+bob.keys.NPub+" "+carol.keys.NPub)
		waitFor(t, alice.tm, "opened", defaultTimeout)
	})

	t.Run("group/subject", func(t *testing.T) {
		typeCmd(alice.tm, "/subject weekend plans")
		waitFor(t, alice.tm, "subject set", defaultTimeout)
	})

	t.Run("group/alice-sends", func(t *testing.T) {
		typeCmd(alice.tm, "Hi group")
		// carol has no other room, so the group is selected and shown
		waitFor(t, carol.tm, "Hi group", defaultTimeout)
		waitFor(t, carol.tm, "weekend plans", defaultTimeout)
	})

	t.Run("group/carol-replies", func(t *testing.T) {
		typeCmd(carol.tm, "Hi from Carol")
		waitFor(t, alice.tm, "Hi from Carol", defaultTimeout)
	})

	// ── Search ───────────────────────────────────────────────────────────

	t.Run("search/by-npub", func(t *testing.T) {
		typeCmd(bob.tm, "/search "+carol.keys.NPub)
		waitFor(t, bob.tm, "switched to", defaultTimeout)
	})
}
