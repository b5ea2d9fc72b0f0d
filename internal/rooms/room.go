package rooms

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/pinpox/nitrous-inbox/internal/profile"
)

// Kind separates conversations the user takes part in from unsolicited ones.
type Kind int

const (
	Request Kind = iota
	Ongoing
)

func (k Kind) String() string {
	if k == Ongoing {
		return "ongoing"
	}
	return "request"
}

// Room is a conversation identified by its set of participant keys.
type Room struct {
	ID uint64
	// Participants is sorted and includes the local user.
	Participants []string
	Owner        profile.Profile
	// Members are the participants other than the local user, in key order.
	Members     []profile.Profile
	Subject     string
	Placeholder string
	Kind        Kind
	LastSeen    nostr.Timestamp
	Pending     []nostr.Event

	subjectAt nostr.Timestamp
}

// IsGroup reports whether the room has more than one remote member.
func (r Room) IsGroup() bool {
	return len(r.Members) > 1
}

// Title is the user-assigned subject, or the room's generated placeholder.
func (r Room) Title() string {
	if r.Subject != "" {
		return r.Subject
	}
	return r.Placeholder
}

// DisplayName is what a room list shows for the room.
func (r Room) DisplayName() string {
	if r.Subject != "" {
		return r.Subject
	}
	switch len(r.Members) {
	case 0:
		return r.Owner.Label()
	case 1:
		return r.Members[0].Label()
	}
	if !slices.ContainsFunc(r.Members, profile.Profile.Known) {
		return r.Placeholder
	}
	name := r.Members[0].Label() + ", " + r.Members[1].Label()
	if extra := len(r.Members) - 2; extra > 0 {
		name += fmt.Sprintf(" +%d", extra)
	}
	return name
}

// HasParticipant reports whether pubkey takes part in the room.
func (r Room) HasParticipant(pubkey string) bool {
	_, found := slices.BinarySearch(r.Participants, pubkey)
	return found
}

// MemberKeys returns the keys of the remote members.
func (r Room) MemberKeys() []string {
	keys := make([]string, len(r.Members))
	for i, m := range r.Members {
		keys[i] = m.PubKey
	}
	return keys
}

func (r *Room) clone() Room {
	c := *r
	c.Participants = slices.Clone(r.Participants)
	c.Members = slices.Clone(r.Members)
	c.Pending = slices.Clone(r.Pending)
	return c
}

var (
	placeholderAdjectives = []string{
		"amber", "brisk", "calm", "dusky", "eager", "fuzzy", "gentle", "hidden",
		"icy", "jolly", "keen", "lucky", "misty", "noble", "odd", "quiet",
		"rapid", "silent", "tidy", "vivid", "wild", "young", "zesty", "bold",
	}
	placeholderNouns = []string{
		"badger", "canyon", "delta", "ember", "falcon", "grove", "harbor", "island",
		"jetty", "kettle", "lagoon", "meadow", "nebula", "orchard", "pebble", "quarry",
		"river", "summit", "tundra", "valley", "willow", "yarrow", "zephyr", "beacon",
	}
)

// placeholderTitle derives a readable name from a room id. Equal ids always
// produce equal names.
func placeholderTitle(id uint64) string {
	adj := placeholderAdjectives[id%uint64(len(placeholderAdjectives))]
	noun := placeholderNouns[(id>>16)%uint64(len(placeholderNouns))]
	return strings.ToUpper(adj[:1]) + adj[1:] + " " + noun
}
