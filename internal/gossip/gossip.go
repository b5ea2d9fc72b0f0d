// Package gossip resolves which relays a contact reads from, writes to and
// receives private messages on, from their NIP-65 and NIP-17 relay lists.
package gossip

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
)

const (
	KindRelayList     = 10002
	KindMessagingList = 10050

	DefaultMaxDiscovery = 5
	DefaultMaxMessaging = 3
)

// Role marks a discovery relay as read-only or write-only. RoleAny entries
// count as both.
type Role int

const (
	RoleAny Role = iota
	RoleRead
	RoleWrite
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	}
	return ""
}

// Entry is one relay of a discovery list.
type Entry struct {
	URL  string
	Role Role
}

// Cache accumulates relay lists per public key. Entries are only ever added:
// a later list is unioned with what is already known, up to the configured caps.
type Cache struct {
	MaxDiscovery int
	MaxMessaging int

	mu        sync.RWMutex
	discovery map[string][]Entry
	messaging map[string][]string
	logger    *slog.Logger
}

func New(maxDiscovery, maxMessaging int, logger *slog.Logger) *Cache {
	if maxDiscovery <= 0 {
		maxDiscovery = DefaultMaxDiscovery
	}
	if maxMessaging <= 0 {
		maxMessaging = DefaultMaxMessaging
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		MaxDiscovery: maxDiscovery,
		MaxMessaging: maxMessaging,
		discovery:    make(map[string][]Entry),
		messaging:    make(map[string][]string),
		logger:       logger.With("component", "gossip"),
	}
}

// Reset drops every resolved list.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovery = make(map[string][]Entry)
	c.messaging = make(map[string][]string)
}

// NormalizeRelay returns the canonical form of a relay URL, or "" when it is
// not a websocket URL.
func NormalizeRelay(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	n := nostr.NormalizeURL(u)
	if !strings.HasPrefix(n, "wss://") && !strings.HasPrefix(n, "ws://") {
		return ""
	}
	if len(n) <= len("wss://") {
		return ""
	}
	return n
}

// IngestDiscovery merges the r-tags of a kind 10002 event into the author's
// discovery list. It reports whether the event was accepted.
func (c *Cache) IngestDiscovery(evt *nostr.Event) bool {
	if evt == nil || evt.Kind != KindRelayList {
		return false
	}

	var entries []Entry
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		url := NormalizeRelay(tag[1])
		if url == "" {
			c.logger.Warn("IngestDiscovery: dropping malformed relay", "author", evt.PubKey, "value", tag[1])
			continue
		}
		role := RoleAny
		if len(tag) >= 3 {
			switch tag[2] {
			case "read":
				role = RoleRead
			case "write":
				role = RoleWrite
			case "":
			default:
				c.logger.Warn("IngestDiscovery: dropping relay with unknown marker", "author", evt.PubKey, "marker", tag[2])
				continue
			}
		}
		entries = append(entries, Entry{URL: url, Role: role})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	known := c.discovery[evt.PubKey]
	if known == nil {
		known = []Entry{}
	}
	for _, e := range entries {
		if len(known) >= c.MaxDiscovery {
			break
		}
		if lo.Contains(known, e) {
			continue
		}
		known = append(known, e)
	}
	c.discovery[evt.PubKey] = known
	c.logger.Debug("IngestDiscovery", "author", evt.PubKey, "entries", len(known))
	return true
}

// IngestMessaging merges the relay tags of a kind 10050 event into the
// author's messaging list. It reports whether the event was accepted.
func (c *Cache) IngestMessaging(evt *nostr.Event) bool {
	if evt == nil || evt.Kind != KindMessagingList {
		return false
	}

	var urls []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "relay" {
			continue
		}
		url := NormalizeRelay(tag[1])
		if url == "" {
			c.logger.Warn("IngestMessaging: dropping malformed relay", "author", evt.PubKey, "value", tag[1])
			continue
		}
		urls = append(urls, url)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	known := c.messaging[evt.PubKey]
	if known == nil {
		known = []string{}
	}
	for _, u := range urls {
		if len(known) >= c.MaxMessaging {
			break
		}
		if !lo.Contains(known, u) {
			known = append(known, u)
		}
	}
	c.messaging[evt.PubKey] = known
	c.logger.Debug("IngestMessaging", "author", evt.PubKey, "relays", len(known))
	return true
}

// ReadRelays returns the relays pubkey reads from: read-marked and unmarked entries.
func (c *Cache) ReadRelays(pubkey string) []string {
	return c.filter(pubkey, RoleRead)
}

// WriteRelays returns the relays pubkey writes to: write-marked and unmarked entries.
func (c *Cache) WriteRelays(pubkey string) []string {
	return c.filter(pubkey, RoleWrite)
}

func (c *Cache) filter(pubkey string, role Role) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, e := range c.discovery[pubkey] {
		if (e.Role == role || e.Role == RoleAny) && !lo.Contains(out, e.URL) {
			out = append(out, e.URL)
		}
	}
	return out
}

// MessagingRelays returns the relays pubkey receives private messages on.
func (c *Cache) MessagingRelays(pubkey string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.messaging[pubkey]...)
}

// DiscoveryResolved reports whether a relay list for pubkey has been ingested,
// even if it turned out empty.
func (c *Cache) DiscoveryResolved(pubkey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.discovery[pubkey]
	return ok
}

// MessagingResolved reports whether a messaging relay list for pubkey has been
// ingested, even if it turned out empty.
func (c *Cache) MessagingResolved(pubkey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.messaging[pubkey]
	return ok
}
