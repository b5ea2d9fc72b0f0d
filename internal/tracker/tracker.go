// Package tracker keeps per-session bookkeeping of events this client sent,
// where they were acknowledged, and which ones still have to be republished.
package tracker

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Receipt records the outcome of one republish attempt.
type Receipt struct {
	EventID string
	Relay   string
	OK      bool
	Reason  string
	At      time.Time
}

// Tracker is safe for concurrent use. Mutations are serialized by a single lock.
type Tracker struct {
	mu     sync.RWMutex
	sent   map[string]struct{}
	seenOn map[string]map[string]struct{}
	resend map[string]map[string]struct{} // relay -> event ids
	resent []Receipt
}

func New() *Tracker {
	t := &Tracker{}
	t.Reset()
	return t
}

// Reset forgets everything. Used when the local identity changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = make(map[string]struct{})
	t.seenOn = make(map[string]map[string]struct{})
	t.resend = make(map[string]map[string]struct{})
	t.resent = nil
}

// MarkSent records id as authored and transmitted by this client.
func (t *Tracker) MarkSent(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[id] = struct{}{}
}

// IsOwn reports whether id was sent by this client during the session.
func (t *Tracker) IsOwn(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sent[id]
	return ok
}

// MarkSeen records that relay has the event.
func (t *Tracker) MarkSeen(id, relay string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.seenOn[id]
	if !ok {
		set = make(map[string]struct{})
		t.seenOn[id] = set
	}
	set[relay] = struct{}{}
}

// SeenOn returns the relays known to hold id, sorted.
func (t *Tracker) SeenOn(id string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	relays := lo.Keys(t.seenOn[id])
	slices.Sort(relays)
	return relays
}

// QueueResend schedules id for republication to relay. Queuing the same
// pair twice has no additional effect.
func (t *Tracker) QueueResend(id, relay string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids, ok := t.resend[relay]
	if !ok {
		ids = make(map[string]struct{})
		t.resend[relay] = ids
	}
	ids[id] = struct{}{}
}

// DrainResendFor removes and returns every id queued for relay, sorted.
// The removal happens under one lock so no caller ever observes a partial drain.
func (t *Tracker) DrainResendFor(relay string) []string {
	t.mu.Lock()
	ids := t.resend[relay]
	delete(t.resend, relay)
	t.mu.Unlock()

	out := lo.Keys(ids)
	slices.Sort(out)
	return out
}

// PendingRelays lists the relays that have at least one queued resend.
func (t *Tracker) PendingRelays() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	relays := lo.Keys(t.resend)
	slices.Sort(relays)
	return relays
}

// RecordResend appends r to the resend audit trail.
func (t *Tracker) RecordResend(r Receipt) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resent = append(t.resent, r)
}

// Resent returns a copy of the resend audit trail in insertion order.
func (t *Tracker) Resent() []Receipt {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.resent)
}
