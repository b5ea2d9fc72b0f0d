// Package store is the boundary to relays and the local event cache.
package store

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNoRelays      = errors.New("no relays to talk to")
	ErrPublishFailed = errors.New("no relay accepted the event")
)

// NotificationKind is the type of a relay-level occurrence.
type NotificationKind int

const (
	NotifyEvent NotificationKind = iota
	NotifyEOSE
	NotifyAuth
	NotifyClosed
	NotifyNotice
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyEvent:
		return "event"
	case NotifyEOSE:
		return "eose"
	case NotifyAuth:
		return "auth"
	case NotifyClosed:
		return "closed"
	case NotifyNotice:
		return "notice"
	}
	return "unknown"
}

// Notification is one occurrence on the relay stream. Which fields are set
// depends on Kind.
type Notification struct {
	Kind         NotificationKind
	Relay        string
	Subscription string
	Event        nostr.Event
	Challenge    string
	// Authenticated is set on NotifyAuth once the challenge was signed.
	Authenticated bool
	Message       string
}

// Receipt is the per-relay outcome of a publish.
type Receipt struct {
	EventID string
	OK      []string
	Failed  map[string]string
}

// AuthRequired lists the failed relays that asked for NIP-42 authentication.
func (r Receipt) AuthRequired() []string {
	var out []string
	for relay, reason := range r.Failed {
		if IsAuthRequired(reason) {
			out = append(out, relay)
		}
	}
	slices.Sort(out)
	return out
}

// FailedRelays lists every relay that did not accept the event.
func (r Receipt) FailedRelays() []string {
	out := make([]string, 0, len(r.Failed))
	for relay := range r.Failed {
		out = append(out, relay)
	}
	slices.Sort(out)
	return out
}

// IsAuthRequired reports whether a relay rejection reason is the NIP-42
// "auth-required:" prefix.
func IsAuthRequired(reason string) bool {
	return strings.Contains(reason, "auth-required:")
}

// Store is everything the sync core needs from relays and the local cache.
type Store interface {
	// Query looks up events in the local cache.
	Query(ctx context.Context, filter nostr.Filter) ([]nostr.Event, error)
	// Fetch queries relays until EOSE and caches what it receives.
	Fetch(ctx context.Context, relays []string, filter nostr.Filter) ([]nostr.Event, error)
	Save(ctx context.Context, evt nostr.Event) error
	Publish(ctx context.Context, evt nostr.Event, relays []string) (Receipt, error)
	// Subscribe streams stored events, an EOSE, then live events for filter
	// as notifications tagged with id, until ctx is done.
	Subscribe(ctx context.Context, id string, relays []string, filter nostr.Filter)
	Authenticate(ctx context.Context, relay string) error
	Notifications() <-chan Notification

	CacheRumor(ctx context.Context, wrapperID string, roomID uint64, rumor nostr.Event) error
	CachedRumor(ctx context.Context, wrapperID string) (nostr.Event, bool)
	// RoomRumors returns the cached messages of a room, oldest first.
	RoomRumors(ctx context.Context, roomID uint64) ([]nostr.Event, error)

	Close()
}
