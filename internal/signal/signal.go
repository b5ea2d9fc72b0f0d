// Package signal carries protocol occurrences from the sync core to the
// presentation layer over one bounded, ordered channel.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/pinpox/nitrous-inbox/internal/profile"
)

const DefaultCapacity = 2048

var ErrClosed = errors.New("signal bus closed")

type Kind int

const (
	KindSignerReady Kind = iota
	KindSignerCleared
	KindAuthChallenge
	KindRelayUnavailable
	KindProfileUpdated
	KindMessageArrived
	KindNoMessagingRelays
	KindUnwrapProgress
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindSignerReady:
		return "signer-ready"
	case KindSignerCleared:
		return "signer-cleared"
	case KindAuthChallenge:
		return "auth-challenge"
	case KindRelayUnavailable:
		return "relay-unavailable"
	case KindProfileUpdated:
		return "profile-updated"
	case KindMessageArrived:
		return "message-arrived"
	case KindNoMessagingRelays:
		return "no-messaging-relays"
	case KindUnwrapProgress:
		return "unwrap-progress"
	case KindNotice:
		return "notice"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Signal is one of the concrete types below.
type Signal interface {
	Kind() Kind
}

type SignerReady struct{ PubKey string }

type SignerCleared struct{}

type AuthChallenge struct {
	Relay     string
	Challenge string
}

type RelayUnavailable struct {
	Relay  string
	Reason string
}

type ProfileUpdated struct{ Profile profile.Profile }

type MessageArrived struct {
	WrapperID string
	RoomID    uint64
	Rumor     nostr.Event
}

type NoMessagingRelays struct{}

// UnwrapState reports how far the initial gift wrap download has come.
type UnwrapState int

const (
	UnwrapInitialized UnwrapState = iota
	UnwrapProcessing
	UnwrapComplete
)

func (s UnwrapState) String() string {
	switch s {
	case UnwrapProcessing:
		return "processing"
	case UnwrapComplete:
		return "complete"
	}
	return "initialized"
}

type UnwrapProgress struct{ State UnwrapState }

type Notice struct{ Text string }

func (SignerReady) Kind() Kind       { return KindSignerReady }
func (SignerCleared) Kind() Kind     { return KindSignerCleared }
func (AuthChallenge) Kind() Kind     { return KindAuthChallenge }
func (RelayUnavailable) Kind() Kind  { return KindRelayUnavailable }
func (ProfileUpdated) Kind() Kind    { return KindProfileUpdated }
func (MessageArrived) Kind() Kind    { return KindMessageArrived }
func (NoMessagingRelays) Kind() Kind { return KindNoMessagingRelays }
func (UnwrapProgress) Kind() Kind    { return KindUnwrapProgress }
func (Notice) Kind() Kind            { return KindNotice }

// Bus is a bounded FIFO with many senders and one receiver. Send blocks while
// the buffer is full. Nothing is replayed: signals still buffered when the bus
// is closed are lost.
type Bus struct {
	ch        chan Signal
	done      chan struct{}
	closeOnce sync.Once
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ch:   make(chan Signal, capacity),
		done: make(chan struct{}),
	}
}

// Send enqueues s, waiting for buffer space until ctx is done or the bus closes.
func (b *Bus) Send(ctx context.Context, s Signal) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	select {
	case b.ch <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

// Recv blocks until a signal is available.
func (b *Bus) Recv(ctx context.Context) (Signal, error) {
	select {
	case s := <-b.ch:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		return nil, ErrClosed
	}
}

// TryRecv returns the next signal without blocking.
func (b *Bus) TryRecv() (Signal, bool) {
	select {
	case s := <-b.ch:
		return s, true
	default:
		return nil, false
	}
}

// Len is the number of buffered signals.
func (b *Bus) Len() int { return len(b.ch) }

// Close wakes every blocked sender and the receiver. Further sends fail with ErrClosed.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}
