package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"

	"github.com/pinpox/nitrous-inbox/internal/chat"
	"github.com/pinpox/nitrous-inbox/internal/contacts"
	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/metadata"
	"github.com/pinpox/nitrous-inbox/internal/msglog"
	"github.com/pinpox/nitrous-inbox/internal/rooms"
	"github.com/pinpox/nitrous-inbox/internal/signal"
	"github.com/pinpox/nitrous-inbox/internal/store"
	"github.com/pinpox/nitrous-inbox/internal/tracker"
)

// app is the sync core assembled from the config.
type app struct {
	store       store.Store
	orch        *chat.Orchestrator
	transcripts *msglog.Log
}

// newApp wires the components around st. With st nil, a relay pool over the
// configured local cache is opened.
func newApp(ctx context.Context, cfg Config, keys Keys, st store.Store, logger *slog.Logger) (*app, error) {
	signer, err := keyer.NewPlainKeySigner(keys.SK)
	if err != nil {
		return nil, fmt.Errorf("signer: %w", err)
	}

	if st == nil {
		local, err := store.OpenLocal(cfg.Store, cfg.StorePath, logger)
		if err != nil {
			return nil, err
		}
		st = store.NewPool(ctx, local, signer, store.Options{
			PublishTimeout: cfg.PublishTimeout(),
			QueryTimeout:   cfg.QueryTimeout(),
			AutoAuth:       cfg.AutoAuthEnabled(),
		}, logger)
	}

	bus := signal.New(cfg.SignalCapacity)
	tr := tracker.New()
	gc := gossip.New(cfg.MaxDiscoveryRelays, cfg.MaxMessagingRelays, logger)
	cache := metadata.NewCache()
	cs := contacts.NewSet()
	reg := rooms.New(keys.PK, rooms.Options{ContactBypass: cfg.ContactBypassEnabled()}, tr, cache, cs, logger)
	batcher := metadata.New(metadata.Options{
		BatchSize:    cfg.MetadataBatchSize,
		BatchTimeout: cfg.MetadataBatchTimeout(),
		QueryTimeout: cfg.QueryTimeout(),
		Relays:       cfg.Relays,
	}, st, reg, gc, bus, cache, logger)

	orch := chat.New(keys.PK, chat.Deps{
		Signer:   nostr.Keyer(signer),
		Store:    st,
		Rooms:    reg,
		Tracker:  tr,
		Gossip:   gc,
		Batcher:  batcher,
		Contacts: cs,
		Bus:      bus,
	}, chat.Options{
		BootstrapRelays: cfg.Relays,
		MessagingRelays: cfg.MessagingRelays,
		ResendInterval:  cfg.ResendInterval(),
	}, logger)

	var transcripts *msglog.Log
	if cfg.LoggingEnabled() {
		transcripts = msglog.New(cfg.LogDir, logger)
	}

	return &app{store: st, orch: orch, transcripts: transcripts}, nil
}

// start runs the orchestrator in the background until ctx is done.
func (a *app) start(ctx context.Context) {
	go func() {
		if err := a.orch.Run(ctx); err != nil {
			slog.Error("orchestrator stopped", "err", err)
		}
	}()
	go a.orch.Start(ctx)
}

func (a *app) close() {
	a.orch.Bus.Close()
	a.store.Close()
}
