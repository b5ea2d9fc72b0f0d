package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/fiatjaf/eventstore"
	"github.com/fiatjaf/eventstore/badger"
	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
)

const kindGiftWrap = 1059

// KindRumorCache holds one decrypted rumor, addressed by its gift wrap id.
// The "c" tag carries the id of the room the rumor belongs to.
const KindRumorCache = 30078

const (
	BackendMemory = "memory"
	BackendBadger = "badger"
)

// Local is the on-device event cache.
type Local struct {
	db       eventstore.Store
	cacheKey string
	logger   *slog.Logger
}

// OpenLocal opens the cache backend: "memory" (default) or "badger" at path.
func OpenLocal(backend, path string, logger *slog.Logger) (*Local, error) {
	var db eventstore.Store
	switch backend {
	case "", BackendMemory:
		db = &slicestore.SliceStore{}
	case BackendBadger:
		if path == "" {
			return nil, fmt.Errorf("open local store: badger backend needs a path")
		}
		db = &badger.BadgerBackend{Path: path}
	default:
		return nil, fmt.Errorf("open local store: unknown backend %q", backend)
	}
	if err := db.Init(); err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		db:       db,
		cacheKey: nostr.GeneratePrivateKey(),
		logger:   logger.With("component", "store"),
	}, nil
}

func (l *Local) Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error) {
	ch, err := l.db.QueryEvents(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query local: %w", err)
	}
	var out []nostr.Event
	for evt := range ch {
		out = append(out, *evt)
	}
	return out, nil
}

// Save stores evt. Replaceable kinds replace older versions; duplicates are ignored.
func (l *Local) Save(ctx context.Context, evt nostr.Event) error {
	if replaceable(evt.Kind) {
		return l.db.ReplaceEvent(ctx, &evt)
	}
	if err := l.db.SaveEvent(ctx, &evt); err != nil && !errors.Is(err, eventstore.ErrDupEvent) {
		return fmt.Errorf("save %s: %w", evt.ID, err)
	}
	return nil
}

// CacheRumor stores an unwrapped rumor so later sessions skip decryption.
// roomID 0 caches the rumor without filing it under a room.
func (l *Local) CacheRumor(ctx context.Context, wrapperID string, roomID uint64, rumor nostr.Event) error {
	content, err := json.Marshal(rumor)
	if err != nil {
		return fmt.Errorf("cache rumor: %w", err)
	}
	tags := nostr.Tags{{"d", wrapperID}, {"a", rumor.PubKey}}
	if roomID != 0 {
		tags = append(tags, nostr.Tag{"c", strconv.FormatUint(roomID, 10)})
	}
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			tags = append(tags, nostr.Tag{"p", tag[1]})
		}
	}
	evt := nostr.Event{
		Kind:      KindRumorCache,
		CreatedAt: rumor.CreatedAt,
		Tags:      tags,
		Content:   string(content),
	}
	if err := evt.Sign(l.cacheKey); err != nil {
		return fmt.Errorf("cache rumor: sign: %w", err)
	}
	return l.Save(ctx, evt)
}

// CachedRumor returns the rumor cached for a gift wrap id.
func (l *Local) CachedRumor(ctx context.Context, wrapperID string) (nostr.Event, bool) {
	events, err := l.Query(ctx, nostr.Filter{
		Kinds: []int{KindRumorCache},
		Tags:  nostr.TagMap{"d": []string{wrapperID}},
		Limit: 1,
	})
	if err != nil || len(events) == 0 {
		return nostr.Event{}, false
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(events[0].Content), &rumor); err != nil {
		l.logger.Warn("CachedRumor: corrupt entry", "wrapper", wrapperID, "err", err)
		return nostr.Event{}, false
	}
	return rumor, true
}

// RoomRumors returns the cached rumors of a room, oldest first. A rumor that
// reached the cache through several gift wraps is returned once.
func (l *Local) RoomRumors(ctx context.Context, roomID uint64) ([]nostr.Event, error) {
	events, err := l.Query(ctx, nostr.Filter{
		Kinds: []int{KindRumorCache},
		Tags:  nostr.TagMap{"c": []string{strconv.FormatUint(roomID, 10)}},
	})
	if err != nil {
		return nil, fmt.Errorf("room rumors: %w", err)
	}
	rumors := make([]nostr.Event, 0, len(events))
	for _, evt := range events {
		var rumor nostr.Event
		if err := json.Unmarshal([]byte(evt.Content), &rumor); err != nil {
			l.logger.Warn("RoomRumors: corrupt entry", "room", roomID, "id", evt.ID, "err", err)
			continue
		}
		rumors = append(rumors, rumor)
	}
	rumors = lo.UniqBy(rumors, func(r nostr.Event) string { return r.ID })
	slices.SortStableFunc(rumors, func(a, b nostr.Event) int {
		return cmp.Compare(a.CreatedAt, b.CreatedAt)
	})
	return rumors, nil
}

func (l *Local) Close() {
	l.db.Close()
}

// replaceable kinds keep one event per (kind, pubkey), addressable ones one
// per (kind, pubkey, d).
func replaceable(kind int) bool {
	return nostr.IsReplaceableKind(kind) || nostr.IsAddressableKind(kind)
}
