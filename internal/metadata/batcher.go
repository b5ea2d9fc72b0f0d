// Package metadata resolves profiles of unknown participants, coalescing
// individual requests into size and time bounded batches.
package metadata

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/profile"
	"github.com/pinpox/nitrous-inbox/internal/signal"
)

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = 300 * time.Millisecond
	DefaultQueryTimeout = 5 * time.Second

	// extra relays taken from the batch members' own write lists
	maxHintRelays = 8
)

// State of the batching loop.
type State int32

const (
	Idle State = iota
	Collecting
	Flushing
)

func (s State) String() string {
	switch s {
	case Collecting:
		return "collecting"
	case Flushing:
		return "flushing"
	}
	return "idle"
}

// Fetcher runs one EOSE-terminated query against remote relays.
type Fetcher interface {
	Fetch(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error)
}

// ProfileSink receives every resolved profile.
type ProfileSink interface {
	UpsertProfile(p profile.Profile)
}

type Options struct {
	BatchSize    int
	BatchTimeout time.Duration
	QueryTimeout time.Duration
	// Relays are always queried; members' write relays are added when known.
	Relays []string
}

type Batcher struct {
	opts   Options
	fetch  Fetcher
	sink   ProfileSink
	gossip *gossip.Cache
	bus    *signal.Bus
	cache  *Cache
	logger *slog.Logger

	in    chan string
	state atomic.Int32
}

// New builds a batcher. sink and gc may be nil.
func New(opts Options, fetch Fetcher, sink ProfileSink, gc *gossip.Cache, bus *signal.Bus, cache *Cache, logger *slog.Logger) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = DefaultBatchTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if cache == nil {
		cache = NewCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		opts:   opts,
		fetch:  fetch,
		sink:   sink,
		gossip: gc,
		bus:    bus,
		cache:  cache,
		logger: logger.With("component", "metadata"),
		in:     make(chan string, max(opts.BatchSize*8, 1024)),
	}
}

func (b *Batcher) Cache() *Cache { return b.cache }

func (b *Batcher) State() State { return State(b.state.Load()) }

// Request asks for pubkey's metadata. It never blocks; keys with a cached
// profile are ignored.
func (b *Batcher) Request(pubkey string) {
	if pubkey == "" {
		return
	}
	if p, ok := b.cache.Get(pubkey); ok && p.Known() {
		return
	}
	select {
	case b.in <- pubkey:
	default:
		b.logger.Warn("Request: queue full, dropping", "pubkey", pubkey)
	}
}

// Run drives the Idle -> Collecting -> Flushing cycle until ctx is done.
// A key is queried at most once per session unless its query failed.
func (b *Batcher) Run(ctx context.Context) error {
	timer := time.NewTimer(b.opts.BatchTimeout)
	timer.Stop()
	defer timer.Stop()

	var (
		batch     []string
		deadline  <-chan time.Time
		requested = make(map[string]struct{})
	)

	flush := func() {
		deadline = nil
		keys := batch
		batch = nil
		if err := b.flush(ctx, keys); err != nil {
			for _, pk := range keys {
				delete(requested, pk)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case pk := <-b.in:
			if _, ok := requested[pk]; ok {
				continue
			}
			requested[pk] = struct{}{}
			batch = append(batch, pk)
			if len(batch) == 1 {
				b.state.Store(int32(Collecting))
				timer.Reset(b.opts.BatchTimeout)
				deadline = timer.C
			}
			if len(batch) >= b.opts.BatchSize {
				timer.Stop()
				flush()
			}

		case <-deadline:
			flush()
		}
	}
}

func (b *Batcher) flush(ctx context.Context, keys []string) error {
	b.state.Store(int32(Flushing))
	defer b.state.Store(int32(Idle))

	relays := b.relaysFor(keys)
	b.logger.Debug("flush", "keys", len(keys), "relays", len(relays))

	qctx, cancel := context.WithTimeout(ctx, b.opts.QueryTimeout)
	defer cancel()
	events, err := b.fetch.Fetch(qctx, relays, nostr.Filter{
		Kinds:   []int{profile.KindMetadata, gossip.KindRelayList, gossip.KindMessagingList},
		Authors: keys,
		Limit:   len(keys)*3 + 20,
	})
	if err != nil {
		b.logger.Warn("flush: query failed", "keys", len(keys), "err", err)
		return err
	}
	b.Apply(ctx, events)
	return nil
}

func (b *Batcher) relaysFor(keys []string) []string {
	relays := append([]string(nil), b.opts.Relays...)
	if b.gossip == nil {
		return relays
	}
	var hints []string
	for _, pk := range keys {
		hints = append(hints, b.gossip.WriteRelays(pk)...)
	}
	hints = lo.Without(lo.Uniq(hints), relays...)
	if len(hints) > maxHintRelays {
		hints = hints[:maxHintRelays]
	}
	return append(relays, hints...)
}

// Apply consumes metadata and relay list events: relay lists go to the gossip
// cache, the newest profile per author goes to the cache, the sink and the bus.
func (b *Batcher) Apply(ctx context.Context, events []nostr.Event) {
	newest := make(map[string]nostr.Event)
	for i := range events {
		evt := events[i]
		switch evt.Kind {
		case profile.KindMetadata:
			if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
				newest[evt.PubKey] = evt
			}
		case gossip.KindRelayList:
			if b.gossip != nil {
				b.gossip.IngestDiscovery(&evt)
			}
		case gossip.KindMessagingList:
			if b.gossip != nil {
				b.gossip.IngestMessaging(&evt)
			}
		}
	}

	for _, evt := range newest {
		p := profile.Parse(&evt)
		if !b.cache.Put(p) {
			continue
		}
		if b.sink != nil {
			b.sink.UpsertProfile(p)
		}
		if b.bus != nil {
			if err := b.bus.Send(ctx, signal.ProfileUpdated{Profile: p}); err != nil {
				b.logger.Debug("Apply: signal dropped", "err", err)
				return
			}
		}
	}
}
