// Package rooms keeps the ordered list of conversations and merges decrypted
// messages into them.
package rooms

import (
	"cmp"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/sahilm/fuzzy"

	"github.com/pinpox/nitrous-inbox/internal/profile"
	"github.com/pinpox/nitrous-inbox/internal/roomid"
	"github.com/pinpox/nitrous-inbox/internal/tracker"
)

var ErrNoParticipants = errors.New("message tags no participants")

// Outcome says what Ingest did with a rumor.
type Outcome int

const (
	Dropped Outcome = iota
	Own
	Duplicate
	Merged
	Created
)

func (o Outcome) String() string {
	switch o {
	case Own:
		return "own"
	case Duplicate:
		return "duplicate"
	case Merged:
		return "merged"
	case Created:
		return "created"
	}
	return "dropped"
}

// Notifies reports whether the outcome is a new incoming message.
func (o Outcome) Notifies() bool {
	return o == Merged || o == Created
}

type IngestResult struct {
	Outcome Outcome
	Room    Room
}

// ProfileSource resolves display data for a key.
type ProfileSource interface {
	Lookup(pubkey string) profile.Profile
}

// ContactSet tells whether a key is one of the user's contacts.
type ContactSet interface {
	Contains(pubkey string) bool
}

type Options struct {
	// ContactBypass classifies rooms with a known contact as ongoing.
	ContactBypass bool
}

// Registry is owned by one local identity. Reads return snapshots.
type Registry struct {
	self     string
	opts     Options
	tracker  *tracker.Tracker
	profiles ProfileSource
	contacts ContactSet
	logger   *slog.Logger

	mu      sync.RWMutex
	rooms   []*Room
	seen    map[string]struct{}
	loading bool
}

// New builds an empty registry for self. profiles and contacts may be nil.
func New(self string, opts Options, tr *tracker.Tracker, profiles ProfileSource, contacts ContactSet, logger *slog.Logger) *Registry {
	if tr == nil {
		tr = tracker.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		self:     self,
		opts:     opts,
		tracker:  tr,
		profiles: profiles,
		contacts: contacts,
		logger:   logger.With("component", "rooms"),
		seen:     make(map[string]struct{}),
	}
}

// Participants returns the sorted key set of a rumor: its valid p-tags, its
// author and self. A rumor without any valid p-tag, or one that only involves
// self, is rejected.
func Participants(rumor nostr.Event, self string) ([]string, error) {
	var keys []string
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "p" && nostr.IsValidPublicKey(tag[1]) {
			keys = append(keys, tag[1])
		}
	}
	if len(keys) == 0 || !nostr.IsValidPublicKey(rumor.PubKey) {
		return nil, ErrNoParticipants
	}
	keys = append(keys, rumor.PubKey)
	if self != "" {
		keys = append(keys, self)
	}
	keys = roomid.Normalize(keys)
	if !hasOther(keys, self) {
		return nil, ErrNoParticipants
	}
	return keys, nil
}

func hasOther(keys []string, self string) bool {
	return slices.ContainsFunc(keys, func(pk string) bool { return pk != self })
}

// Ingest merges rumor into the room with the same participant set, creating
// the room if there is none. Messages sent by this client during the session
// and rumors already ingested are ignored.
func (g *Registry) Ingest(rumor nostr.Event) (IngestResult, error) {
	participants, err := Participants(rumor, g.self)
	if err != nil {
		g.logger.Warn("Ingest: dropping malformed rumor", "id", rumor.ID, "err", err)
		return IngestResult{Outcome: Dropped}, err
	}
	if g.tracker.IsOwn(rumor.ID) {
		return IngestResult{Outcome: Own}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen[rumor.ID]; ok {
		return IngestResult{Outcome: Duplicate}, nil
	}
	g.seen[rumor.ID] = struct{}{}

	if r := g.find(participants); r != nil {
		g.merge(r, rumor)
		r.Pending = append(r.Pending, rumor)
		g.sort()
		return IngestResult{Outcome: Merged, Room: r.clone()}, nil
	}

	r := g.newRoom(participants, rumor.PubKey)
	g.merge(r, rumor)
	r.Pending = append(r.Pending, rumor)
	g.rooms = append([]*Room{r}, g.rooms...)
	g.sort()
	g.logger.Debug("Ingest: new room", "id", r.ID, "participants", len(participants))
	return IngestResult{Outcome: Created, Room: r.clone()}, nil
}

// Load materializes rooms from a batch of stored rumors. Rumors without
// participants are skipped and existing rooms are updated rather than
// recreated, so loading the same batch twice changes nothing.
func (g *Registry) Load(rumors []nostr.Event) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	created := 0
	for _, rumor := range rumors {
		participants, err := Participants(rumor, g.self)
		if err != nil {
			g.logger.Warn("Load: skipping malformed rumor", "id", rumor.ID, "err", err)
			continue
		}
		g.seen[rumor.ID] = struct{}{}
		r := g.find(participants)
		if r == nil {
			r = g.newRoom(participants, rumor.PubKey)
			g.rooms = append(g.rooms, r)
			created++
		}
		g.merge(r, rumor)
	}
	g.sort()
	return created
}

// Open returns the room for the given remote keys, creating an empty one
// that sorts first when it does not exist yet. Without any key other than
// self it returns the zero Room.
func (g *Registry) Open(members []string) (Room, bool) {
	participants := roomid.Normalize(append(slices.Clone(members), g.self))
	if !hasOther(participants, g.self) {
		return Room{}, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r := g.find(participants); r != nil {
		return r.clone(), false
	}
	r := g.newRoom(participants, g.self)
	r.LastSeen = nostr.Now()
	r.Kind = Ongoing
	g.rooms = append([]*Room{r}, g.rooms...)
	g.sort()
	return r.clone(), true
}

// find returns the room whose participant set equals participants.
func (g *Registry) find(participants []string) *Room {
	for _, r := range g.rooms {
		if roomid.Equal(r.Participants, participants) {
			return r
		}
	}
	return nil
}

func (g *Registry) newRoom(participants []string, author string) *Room {
	id := roomid.Key(participants)
	r := &Room{
		ID:           id,
		Participants: participants,
		Placeholder:  placeholderTitle(id),
		Kind:         Request,
	}
	for _, pk := range participants {
		if pk != g.self {
			r.Members = append(r.Members, g.lookup(pk))
		}
	}
	if author != g.self {
		r.Owner = g.lookup(author)
	} else {
		r.Owner = r.Members[0]
	}
	g.classify(r)
	return r
}

// merge applies a rumor's metadata to r. LastSeen never moves backwards.
func (g *Registry) merge(r *Room, rumor nostr.Event) {
	if rumor.CreatedAt > r.LastSeen {
		r.LastSeen = rumor.CreatedAt
	}
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "subject" && rumor.CreatedAt >= r.subjectAt {
			r.Subject = tag[1]
			r.subjectAt = rumor.CreatedAt
		}
	}
	if rumor.PubKey == g.self {
		r.Kind = Ongoing
	}
	g.classify(r)
}

func (g *Registry) classify(r *Room) {
	if r.Kind == Ongoing || !g.opts.ContactBypass || g.contacts == nil {
		return
	}
	for _, m := range r.Members {
		if g.contacts.Contains(m.PubKey) {
			r.Kind = Ongoing
			return
		}
	}
}

func (g *Registry) lookup(pk string) profile.Profile {
	if g.profiles != nil {
		return g.profiles.Lookup(pk)
	}
	return profile.Unknown(pk)
}

func (g *Registry) sort() {
	slices.SortStableFunc(g.rooms, func(a, b *Room) int {
		return cmp.Compare(b.LastSeen, a.LastSeen)
	})
}

// UpsertProfile refreshes the owner and member entries of every room that
// contains p.PubKey.
func (g *Registry) UpsertProfile(p profile.Profile) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		if !r.HasParticipant(p.PubKey) {
			continue
		}
		if r.Owner.PubKey == p.PubKey {
			r.Owner = p
		}
		for i := range r.Members {
			if r.Members[i].PubKey == p.PubKey {
				r.Members[i] = p
			}
		}
	}
}

// Reclassify re-evaluates room kinds, e.g. after the contact list changed.
func (g *Registry) Reclassify() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		g.classify(r)
	}
}

// SetSubject assigns a subject to a room locally.
func (g *Registry) SetSubject(id uint64, subject string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		if r.ID == id {
			r.Subject = subject
			r.subjectAt = nostr.Now()
			return true
		}
	}
	return false
}

// Touch bumps the room's LastSeen after a local send.
func (g *Registry) Touch(id uint64, rumor nostr.Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		if r.ID == id {
			g.seen[rumor.ID] = struct{}{}
			g.merge(r, rumor)
			r.Pending = append(r.Pending, rumor)
			g.sort()
			return true
		}
	}
	return false
}

// Rooms returns snapshots of all rooms, most recent first.
func (g *Registry) Rooms() []Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Room, len(g.rooms))
	for i, r := range g.rooms {
		out[i] = r.clone()
	}
	return out
}

// Room returns a snapshot of the room with the given id.
func (g *Registry) Room(id uint64) (Room, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, r := range g.rooms {
		if r.ID == id {
			return r.clone(), true
		}
	}
	return Room{}, false
}

// DrainPending removes and returns the buffered messages of a room.
func (g *Registry) DrainPending(id uint64) []nostr.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.rooms {
		if r.ID == id {
			out := r.Pending
			r.Pending = nil
			return out
		}
	}
	return nil
}

// Search fuzzy-matches query against room display names, best match first.
func (g *Registry) Search(query string) []Room {
	rooms := g.Rooms()
	names := make([]string, len(rooms))
	for i, r := range rooms {
		names[i] = r.DisplayName()
	}
	matches := fuzzy.Find(query, names)
	out := make([]Room, 0, len(matches))
	for _, m := range matches {
		out = append(out, rooms[m.Index])
	}
	return out
}

// SearchByPubKey returns every room pubkey takes part in.
func (g *Registry) SearchByPubKey(pubkey string) []Room {
	rooms := g.Rooms()
	out := rooms[:0]
	for _, r := range rooms {
		if r.HasParticipant(pubkey) && pubkey != g.self {
			out = append(out, r)
		}
	}
	return out
}

func (g *Registry) IsLoading() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.loading
}

func (g *Registry) SetLoading(loading bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loading = loading
}

// Self is the local user's key.
func (g *Registry) Self() string { return g.self }

// Reset drops every room.
func (g *Registry) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms = nil
	g.seen = make(map[string]struct{})
	g.loading = false
}
