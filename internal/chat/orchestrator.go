// Package chat wires the relay stream to the room registry, the gossip cache
// and the metadata batcher, and reports what happened on the signal bus.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/pinpox/nitrous-inbox/internal/contacts"
	"github.com/pinpox/nitrous-inbox/internal/giftwrap"
	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/metadata"
	"github.com/pinpox/nitrous-inbox/internal/profile"
	"github.com/pinpox/nitrous-inbox/internal/roomid"
	"github.com/pinpox/nitrous-inbox/internal/rooms"
	"github.com/pinpox/nitrous-inbox/internal/signal"
	"github.com/pinpox/nitrous-inbox/internal/store"
	"github.com/pinpox/nitrous-inbox/internal/tracker"
)

const (
	inboxSub = "inbox"
	listsSub = "lists"

	// kind 15 is a NIP-17 file message
	kindFileMessage = 15

	DefaultResendInterval = 30 * time.Second
)

var (
	ErrUnknownRoom       = errors.New("unknown room")
	ErrNoMessagingRelays = errors.New("receiver has no messaging relays")
)

var ownListKinds = []int{
	profile.KindMetadata,
	contacts.KindFollowList,
	gossip.KindRelayList,
	gossip.KindMessagingList,
	contacts.KindPeopleList,
}

type Options struct {
	// BootstrapRelays are used for discovery and as the last fallback.
	BootstrapRelays []string
	// MessagingRelays, when set, are published as the user's kind 10050 list.
	MessagingRelays []string
	ResendInterval  time.Duration
}

// Deps are the collaborators an Orchestrator drives. Every field is required.
type Deps struct {
	Signer   nostr.Keyer
	Store    store.Store
	Rooms    *rooms.Registry
	Tracker  *tracker.Tracker
	Gossip   *gossip.Cache
	Batcher  *metadata.Batcher
	Contacts *contacts.Set
	Bus      *signal.Bus
}

type Orchestrator struct {
	Deps
	self   string
	opts   Options
	logger *slog.Logger

	mu           sync.Mutex
	processed    map[string]struct{}
	challenges   map[string]struct{}
	inboxLoaded  bool
	progressSent bool
}

func New(self string, deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.ResendInterval <= 0 {
		opts.ResendInterval = DefaultResendInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Deps:       deps,
		self:       self,
		opts:       opts,
		logger:     logger.With("component", "chat"),
		processed:  make(map[string]struct{}),
		challenges: make(map[string]struct{}),
	}
}

func (o *Orchestrator) Self() string { return o.self }

// Run processes relay notifications, metadata batches and resends until ctx
// is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Batcher.Run(ctx) })
	g.Go(func() error { return o.listen(ctx) })
	g.Go(func() error { return o.resendLoop(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (o *Orchestrator) listen(ctx context.Context) error {
	notes := o.Store.Notifications()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			o.dispatch(ctx, n)
		}
	}
}

func (o *Orchestrator) resendLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.opts.ResendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, relay := range o.Tracker.PendingRelays() {
				o.Resend(ctx, relay)
			}
		}
	}
}

// Start announces the signer, resolves the user's own lists and opens the
// inbox and list subscriptions.
func (o *Orchestrator) Start(ctx context.Context) {
	o.emit(ctx, signal.SignerReady{PubKey: o.self})

	if len(o.opts.MessagingRelays) > 0 {
		if err := o.PublishMessagingRelays(ctx, o.opts.MessagingRelays); err != nil {
			o.logger.Warn("Start: publishing messaging relays failed", "err", err)
			o.emit(ctx, signal.Notice{Text: fmt.Sprintf("could not publish messaging relays: %v", err)})
		}
	}

	own, err := o.Store.Fetch(ctx, o.opts.BootstrapRelays, nostr.Filter{Kinds: ownListKinds, Authors: []string{o.self}})
	if err != nil {
		o.logger.Warn("Start: fetching own lists failed", "err", err)
	}
	for _, evt := range own {
		o.handleEvent(ctx, "", evt)
	}
	if !o.Gossip.DiscoveryResolved(o.self) {
		o.emit(ctx, signal.Notice{Text: "no relay list (kind 10002) found for your key"})
	}

	inbox := o.Gossip.MessagingRelays(o.self)
	if len(inbox) == 0 {
		o.logger.Warn("Start: no messaging relays, using bootstrap relays")
		o.emit(ctx, signal.NoMessagingRelays{})
		inbox = o.opts.BootstrapRelays
	}
	o.Store.Subscribe(ctx, inboxSub, inbox, nostr.Filter{
		Kinds: []int{giftwrap.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{o.self}},
	})

	lists := lo.Uniq(append(append([]string(nil), o.opts.BootstrapRelays...), o.Gossip.WriteRelays(o.self)...))
	o.Store.Subscribe(ctx, listsSub, lists, nostr.Filter{Kinds: ownListKinds, Authors: []string{o.self}})
	o.logger.Info("Start: subscribed", "inbox", len(inbox), "lists", len(lists))
}

// Bootstrap materializes rooms from the gift wraps already in the local
// cache. It can run again at any time; existing rooms are kept.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	o.Rooms.SetLoading(true)
	defer o.Rooms.SetLoading(false)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	wraps, err := o.Store.Query(ctx, nostr.Filter{
		Kinds: []int{giftwrap.KindGiftWrap},
		Tags:  nostr.TagMap{"p": []string{o.self}},
	})
	if err != nil {
		o.logger.Error("Bootstrap: query failed", "err", err)
		return fmt.Errorf("bootstrap: %w", err)
	}

	var rumors []nostr.Event
	for _, w := range wraps {
		if err := ctx.Err(); err != nil {
			return err
		}
		o.markProcessed(w.ID)
		rumor, err := o.rumorFor(ctx, w)
		if err != nil {
			continue
		}
		rumors = append(rumors, rumor)
	}

	created := o.Rooms.Load(rumors)
	for _, r := range o.Rooms.Rooms() {
		o.requestUnknown(r)
	}
	o.logger.Info("Bootstrap: done", "wraps", len(wraps), "rumors", len(rumors), "new_rooms", created)
	return nil
}

// Ingest merges one decrypted rumor and emits MessageArrived when it is a new
// incoming message.
func (o *Orchestrator) Ingest(ctx context.Context, wrapperID string, rumor nostr.Event) (rooms.IngestResult, error) {
	res, err := o.Rooms.Ingest(rumor)
	if err != nil {
		return res, err
	}
	if !res.Outcome.Notifies() {
		o.logger.Debug("Ingest: no notification", "id", rumor.ID, "outcome", res.Outcome)
		return res, nil
	}
	o.requestUnknown(res.Room)
	o.emit(ctx, signal.MessageArrived{WrapperID: wrapperID, RoomID: res.Room.ID, Rumor: rumor})
	return res, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, n store.Notification) {
	switch n.Kind {
	case store.NotifyEvent:
		o.handleEvent(ctx, n.Relay, n.Event)
	case store.NotifyEOSE:
		if n.Subscription == inboxSub {
			o.handleInboxEOSE(ctx)
		}
	case store.NotifyAuth:
		o.handleAuth(ctx, n)
	case store.NotifyClosed:
		o.emit(ctx, signal.RelayUnavailable{Relay: n.Relay, Reason: n.Message})
	case store.NotifyNotice:
		o.emit(ctx, signal.Notice{Text: n.Message})
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, relay string, evt nostr.Event) {
	if relay != "" {
		o.Tracker.MarkSeen(evt.ID, relay)
	}
	switch evt.Kind {
	case giftwrap.KindGiftWrap:
		o.handleGiftWrap(ctx, evt)
	case gossip.KindRelayList:
		o.Gossip.IngestDiscovery(&evt)
	case gossip.KindMessagingList:
		o.Gossip.IngestMessaging(&evt)
	case profile.KindMetadata:
		o.Batcher.Apply(ctx, []nostr.Event{evt})
	case contacts.KindFollowList:
		if evt.PubKey != o.self {
			return
		}
		keys := contacts.Keys(contacts.FollowList(&evt))
		if !o.Contacts.Replace(contacts.KindFollowList, evt.CreatedAt, keys) {
			o.logger.Debug("handleEvent: stale follow list", "id", evt.ID)
			return
		}
		o.Rooms.Reclassify()
		o.logger.Debug("handleEvent: follow list", "contacts", len(keys))
	case contacts.KindPeopleList:
		if evt.PubKey != o.self || !contacts.IsChatFriends(&evt) {
			return
		}
		list, err := contacts.ParseChatFriends(ctx, &evt, o.Signer)
		if err != nil {
			o.logger.Warn("handleEvent: chat friends list", "err", err)
			return
		}
		keys := contacts.Keys(list)
		if !o.Contacts.Replace(contacts.KindPeopleList, evt.CreatedAt, keys) {
			o.logger.Debug("handleEvent: stale chat friends list", "id", evt.ID)
			return
		}
		o.Rooms.Reclassify()
		for _, pk := range keys {
			o.Batcher.Request(pk)
		}
	}
}

func (o *Orchestrator) handleGiftWrap(ctx context.Context, wrapper nostr.Event) {
	if !o.markProcessed(wrapper.ID) {
		return
	}
	rumor, err := o.rumorFor(ctx, wrapper)
	if err != nil {
		return
	}

	o.mu.Lock()
	loaded := o.inboxLoaded
	first := !loaded && !o.progressSent
	if first {
		o.progressSent = true
	}
	o.mu.Unlock()

	if !loaded {
		// cached for the bootstrap that runs at EOSE
		if first {
			o.emit(ctx, signal.UnwrapProgress{State: signal.UnwrapProcessing})
		}
		return
	}
	if _, err := o.Ingest(ctx, wrapper.ID, rumor); err != nil {
		o.logger.Debug("handleGiftWrap: not ingested", "wrapper", wrapper.ID, "err", err)
	}
}

func (o *Orchestrator) handleInboxEOSE(ctx context.Context) {
	o.mu.Lock()
	already := o.inboxLoaded
	o.inboxLoaded = true
	o.mu.Unlock()
	if already {
		return
	}
	if err := o.Bootstrap(ctx); err != nil {
		o.emit(ctx, signal.Notice{Text: fmt.Sprintf("loading rooms failed: %v", err)})
	}
	o.emit(ctx, signal.UnwrapProgress{State: signal.UnwrapComplete})
}

func (o *Orchestrator) handleAuth(ctx context.Context, n store.Notification) {
	if n.Authenticated {
		go o.Resend(ctx, n.Relay)
		return
	}
	key := n.Relay + "\t" + n.Challenge
	o.mu.Lock()
	_, seen := o.challenges[key]
	o.challenges[key] = struct{}{}
	o.mu.Unlock()
	if seen {
		return
	}
	o.emit(ctx, signal.AuthChallenge{Relay: n.Relay, Challenge: n.Challenge})
}

// rumorFor returns the rumor inside wrapper, from the rumor cache when possible.
// Only chat rumors are returned.
func (o *Orchestrator) rumorFor(ctx context.Context, wrapper nostr.Event) (nostr.Event, error) {
	rumor, ok := o.Store.CachedRumor(ctx, wrapper.ID)
	if !ok {
		var err error
		rumor, err = giftwrap.Unwrap(ctx, o.Signer, wrapper)
		if err != nil {
			o.logger.Debug("rumorFor: unwrap failed", "wrapper", wrapper.ID, "err", err)
			return nostr.Event{}, err
		}
		if err := o.Store.CacheRumor(ctx, wrapper.ID, o.roomOf(rumor), rumor); err != nil {
			o.logger.Warn("rumorFor: caching rumor failed", "wrapper", wrapper.ID, "err", err)
		}
	}
	if rumor.Kind != giftwrap.KindPrivateMessage && rumor.Kind != kindFileMessage {
		return nostr.Event{}, fmt.Errorf("rumor kind %d is not a chat message", rumor.Kind)
	}
	return rumor, nil
}

// roomOf is the id of the room rumor belongs to, 0 when it has no room.
func (o *Orchestrator) roomOf(rumor nostr.Event) uint64 {
	participants, err := rooms.Participants(rumor, o.self)
	if err != nil {
		return 0
	}
	return roomid.Key(participants)
}

// Messages returns the cached chat messages of a room, oldest first.
func (o *Orchestrator) Messages(ctx context.Context, roomID uint64) ([]nostr.Event, error) {
	rumors, err := o.Store.RoomRumors(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return lo.Filter(rumors, func(r nostr.Event, _ int) bool {
		return r.Kind == giftwrap.KindPrivateMessage || r.Kind == kindFileMessage
	}), nil
}

// markProcessed reports whether wrapper id was new.
func (o *Orchestrator) markProcessed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.processed[id]; ok {
		return false
	}
	o.processed[id] = struct{}{}
	return true
}

func (o *Orchestrator) requestUnknown(r rooms.Room) {
	for _, m := range r.Members {
		if !m.Known() {
			o.Batcher.Request(m.PubKey)
		}
	}
}

func (o *Orchestrator) emit(ctx context.Context, s signal.Signal) {
	if err := o.Bus.Send(ctx, s); err != nil {
		o.logger.Debug("emit: dropped", "signal", s.Kind(), "err", err)
	}
}

// Authenticate approves NIP-42 auth on relay and flushes its resend queue.
func (o *Orchestrator) Authenticate(ctx context.Context, relay string) error {
	if err := o.Store.Authenticate(ctx, relay); err != nil {
		o.emit(ctx, signal.Notice{Text: fmt.Sprintf("auth on %s failed: %v", relay, err)})
		return err
	}
	o.Resend(ctx, relay)
	return nil
}

// Logout forgets the session: rooms, sent and seen events, relay lists,
// contacts and cached profiles.
func (o *Orchestrator) Logout(ctx context.Context) {
	o.Rooms.Reset()
	o.Tracker.Reset()
	o.Gossip.Reset()
	o.Contacts.Reset()
	o.Batcher.Cache().Clear()

	o.mu.Lock()
	o.processed = make(map[string]struct{})
	o.challenges = make(map[string]struct{})
	o.inboxLoaded = false
	o.progressSent = false
	o.mu.Unlock()

	o.emit(ctx, signal.SignerCleared{})
}
