package chat

import (
	"context"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"

	"github.com/pinpox/nitrous-inbox/internal/giftwrap"
	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/rooms"
	"github.com/pinpox/nitrous-inbox/internal/signal"
	"github.com/pinpox/nitrous-inbox/internal/store"
	"github.com/pinpox/nitrous-inbox/internal/tracker"
)

// SendReport describes where a message went, per receiver.
type SendReport struct {
	RumorID  string
	Rumor    nostr.Event
	Receipts map[string]store.Receipt
	Errors   map[string]error
}

// Delivered reports whether at least one receiver got the message.
func (r SendReport) Delivered() bool {
	for _, rc := range r.Receipts {
		if len(rc.OK) > 0 {
			return true
		}
	}
	return false
}

// OpenRoom returns the room with the given remote members, creating it if needed.
func (o *Orchestrator) OpenRoom(members []string) rooms.Room {
	r, created := o.Rooms.Open(members)
	if created {
		o.requestUnknown(r)
	}
	return r
}

// SetSubject changes the title that is sent along with the next message.
func (o *Orchestrator) SetSubject(roomID uint64, subject string) error {
	if !o.Rooms.SetSubject(roomID, subject) {
		return ErrUnknownRoom
	}
	return nil
}

// Send gift-wraps content to every member of the room and to the user's own
// inbox. Failed relays are queued for a resend; delivery problems are
// reported in the SendReport and on the signal bus, not as an error.
func (o *Orchestrator) Send(ctx context.Context, roomID uint64, content string) (SendReport, error) {
	room, ok := o.Rooms.Room(roomID)
	if !ok {
		return SendReport{}, ErrUnknownRoom
	}

	members := room.MemberKeys()
	rumor := giftwrap.NewRumor(o.self, content, members, room.Subject)
	o.Tracker.MarkSent(rumor.ID)

	report := SendReport{
		RumorID:  rumor.ID,
		Rumor:    rumor,
		Receipts: make(map[string]store.Receipt),
		Errors:   make(map[string]error),
	}

	cached := false
	for _, pk := range lo.Uniq(append(members, o.self)) {
		relays := o.messagingRelaysFor(ctx, pk)
		if len(relays) == 0 {
			report.Errors[pk] = ErrNoMessagingRelays
			o.emit(ctx, signal.Notice{Text: fmt.Sprintf("%s has no messaging relays", o.Batcher.Cache().Lookup(pk).Label())})
			continue
		}

		wrapper, err := giftwrap.Wrap(ctx, o.Signer, rumor, pk)
		if err != nil {
			return report, fmt.Errorf("send: %w", err)
		}
		o.Tracker.MarkSent(wrapper.ID)
		o.markProcessed(wrapper.ID)
		if pk == o.self {
			o.cacheSent(ctx, wrapper.ID, roomID, rumor)
			cached = true
		}

		receipt, err := o.Store.Publish(ctx, wrapper, relays)
		report.Receipts[pk] = receipt
		if err != nil {
			report.Errors[pk] = err
		}
		o.applyReceipt(ctx, wrapper.ID, receipt)
	}

	if !cached {
		// no own inbox to wrap for; keep the message in the room history anyway
		o.cacheSent(ctx, rumor.ID, roomID, rumor)
	}
	o.Rooms.Touch(roomID, rumor)
	o.logger.Info("Send", "room", roomID, "receivers", len(report.Receipts), "errors", len(report.Errors))
	return report, nil
}

func (o *Orchestrator) cacheSent(ctx context.Context, key string, roomID uint64, rumor nostr.Event) {
	if err := o.Store.CacheRumor(ctx, key, roomID, rumor); err != nil {
		o.logger.Warn("Send: caching own rumor failed", "err", err)
	}
}

func (o *Orchestrator) applyReceipt(ctx context.Context, id string, receipt store.Receipt) {
	for _, relay := range receipt.OK {
		o.Tracker.MarkSeen(id, relay)
	}
	for relay, reason := range receipt.Failed {
		o.Tracker.QueueResend(id, relay)
		if !store.IsAuthRequired(reason) {
			o.emit(ctx, signal.RelayUnavailable{Relay: relay, Reason: reason})
		}
	}
}

// messagingRelaysFor resolves pk's messaging relays, querying relays once
// when they are unknown. The user's own inbox falls back to the bootstrap relays.
func (o *Orchestrator) messagingRelaysFor(ctx context.Context, pk string) []string {
	if relays := o.Gossip.MessagingRelays(pk); len(relays) > 0 {
		return relays
	}
	if !o.Gossip.MessagingResolved(pk) {
		where := lo.Uniq(append(append([]string(nil), o.opts.BootstrapRelays...), o.Gossip.WriteRelays(pk)...))
		events, err := o.Store.Fetch(ctx, where, nostr.Filter{
			Kinds:   []int{gossip.KindMessagingList, gossip.KindRelayList},
			Authors: []string{pk},
		})
		if err != nil {
			o.logger.Warn("messagingRelaysFor: fetch failed", "pubkey", pk, "err", err)
		}
		for i := range events {
			switch events[i].Kind {
			case gossip.KindMessagingList:
				o.Gossip.IngestMessaging(&events[i])
			case gossip.KindRelayList:
				o.Gossip.IngestDiscovery(&events[i])
			}
		}
	}
	if relays := o.Gossip.MessagingRelays(pk); len(relays) > 0 {
		return relays
	}
	if pk == o.self {
		return o.opts.BootstrapRelays
	}
	return nil
}

// Resend republishes everything queued for relay. Events that fail again go
// back into the queue.
func (o *Orchestrator) Resend(ctx context.Context, relay string) {
	ids := o.Tracker.DrainResendFor(relay)
	if len(ids) == 0 {
		return
	}
	o.logger.Debug("Resend", "relay", relay, "events", len(ids))
	for _, id := range ids {
		events, err := o.Store.Query(ctx, nostr.Filter{IDs: []string{id}})
		if err != nil || len(events) == 0 {
			o.Tracker.RecordResend(tracker.Receipt{EventID: id, Relay: relay, Reason: "event not in local cache"})
			continue
		}
		_, err = o.Store.Publish(ctx, events[0], []string{relay})
		r := tracker.Receipt{EventID: id, Relay: relay, OK: err == nil}
		if err != nil {
			r.Reason = err.Error()
			o.Tracker.QueueResend(id, relay)
		} else {
			o.Tracker.MarkSeen(id, relay)
		}
		o.Tracker.RecordResend(r)
	}
}

// PublishMessagingRelays signs and publishes the user's kind 10050 list.
func (o *Orchestrator) PublishMessagingRelays(ctx context.Context, relays []string) error {
	var tags nostr.Tags
	for _, r := range relays {
		if u := gossip.NormalizeRelay(r); u != "" {
			tags = append(tags, nostr.Tag{"relay", u})
		}
	}
	if len(tags) == 0 {
		return store.ErrNoRelays
	}
	evt := nostr.Event{
		Kind:      gossip.KindMessagingList,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	if err := o.Signer.SignEvent(ctx, &evt); err != nil {
		return fmt.Errorf("publish messaging relays: sign: %w", err)
	}
	o.Gossip.IngestMessaging(&evt)

	targets := lo.Uniq(append(append([]string(nil), o.opts.BootstrapRelays...), relays...))
	receipt, err := o.Store.Publish(ctx, evt, targets)
	if err != nil {
		return fmt.Errorf("publish messaging relays: %w", err)
	}
	o.applyReceipt(ctx, evt.ID, receipt)
	return nil
}
