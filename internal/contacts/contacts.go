// Package contacts tracks the local user's contacts from the kind 3 follow
// list and the NIP-51 "Chat-Friends" list.
package contacts

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
)

const (
	KindFollowList = 3
	KindPeopleList = 30000

	ChatFriendsD = "Chat-Friends"
)

// Contact is one entry of a contact list.
type Contact struct {
	PubKey string
	Name   string
}

// Set is a concurrency-safe set of contact keys, one source per list kind.
type Set struct {
	mu      sync.RWMutex
	sources map[int]source
}

type source struct {
	at   nostr.Timestamp
	keys map[string]struct{}
}

func NewSet() *Set {
	return &Set{sources: make(map[int]source)}
}

// Contains reports whether pubkey is on any contact list.
func (s *Set) Contains(pubkey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if _, ok := src.keys[pubkey]; ok {
			return true
		}
	}
	return false
}

// Replace sets the keys of one list kind from a list created at at. A list
// older than the one already held is ignored and Replace returns false.
func (s *Set) Replace(kind int, at nostr.Timestamp, keys []string) bool {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sources[kind]; ok && at < cur.at {
		return false
	}
	s.sources[kind] = source{at: at, keys: m}
	return true
}

// Keys returns all contact keys, sorted.
func (s *Set) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []string
	for _, src := range s.sources {
		all = append(all, lo.Keys(src.keys)...)
	}
	all = lo.Uniq(all)
	slices.Sort(all)
	return all
}

func (s *Set) Len() int {
	return len(s.Keys())
}

func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = make(map[int]source)
}

// FollowList extracts the p-tags of a kind 3 event.
func FollowList(evt *nostr.Event) []Contact {
	return contactsFromTags(evt.Tags)
}

// ParseChatFriends decrypts and parses a kind 30000 "Chat-Friends" event,
// whose content is a NIP-44 self-encrypted tag array.
func ParseChatFriends(ctx context.Context, evt *nostr.Event, kr nostr.Keyer) ([]Contact, error) {
	if evt.Content == "" {
		return nil, nil
	}
	pk, err := kr.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("ParseChatFriends: get pubkey: %w", err)
	}
	plaintext, err := kr.Decrypt(ctx, evt.Content, pk)
	if err != nil {
		return nil, fmt.Errorf("ParseChatFriends: decrypt: %w", err)
	}
	var tags nostr.Tags
	if err := json.Unmarshal([]byte(plaintext), &tags); err != nil {
		return nil, fmt.Errorf("ParseChatFriends: unmarshal: %w", err)
	}
	return contactsFromTags(tags), nil
}

// IsChatFriends reports whether evt is a "Chat-Friends" people list.
func IsChatFriends(evt *nostr.Event) bool {
	if evt.Kind != KindPeopleList {
		return false
	}
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "d" {
			return tag[1] == ChatFriendsD
		}
	}
	return false
}

// Keys returns the public keys of cs.
func Keys(cs []Contact) []string {
	return lo.Map(cs, func(c Contact, _ int) string { return c.PubKey })
}

func contactsFromTags(tags nostr.Tags) []Contact {
	var out []Contact
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "p" || !nostr.IsValidPublicKey(tag[1]) {
			continue
		}
		c := Contact{PubKey: tag[1]}
		// tag[2] is a relay hint, tag[3] a petname
		if len(tag) >= 4 {
			c.Name = tag[3]
		}
		out = append(out, c)
	}
	return out
}
