// Package giftwrap seals and wraps private messages (NIP-59) and opens them again.
package giftwrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"
)

const (
	KindSeal           = 13
	KindPrivateMessage = 14
	KindGiftWrap       = 1059

	// wrapper and seal timestamps are pushed up to this far into the past
	maxTimestampJitter = 2 * 24 * 60 * 60
)

var (
	ErrNotGiftWrap    = errors.New("not a gift wrap")
	ErrNotAddressed   = errors.New("gift wrap not addressed to this key")
	ErrBadSeal        = errors.New("invalid seal")
	ErrSenderMismatch = errors.New("rumor author does not match seal signer")
)

// Unwrap opens a kind 1059 gift wrap addressed to kr and returns the rumor.
// The rumor id is recomputed and the rumor author must be the seal signer.
func Unwrap(ctx context.Context, kr nostr.Keyer, wrapper nostr.Event) (nostr.Event, error) {
	if wrapper.Kind != KindGiftWrap {
		return nostr.Event{}, ErrNotGiftWrap
	}
	self, err := kr.GetPublicKey(ctx)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("unwrap: get pubkey: %w", err)
	}
	if !Addressed(wrapper, self) {
		return nostr.Event{}, ErrNotAddressed
	}

	sealJSON, err := kr.Decrypt(ctx, wrapper.Content, wrapper.PubKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("unwrap: decrypt wrapper: %w", err)
	}
	var seal nostr.Event
	if err := json.Unmarshal([]byte(sealJSON), &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("unwrap: %w: %v", ErrBadSeal, err)
	}
	if seal.Kind != KindSeal {
		return nostr.Event{}, fmt.Errorf("unwrap: %w: kind %d", ErrBadSeal, seal.Kind)
	}
	if ok, _ := seal.CheckSignature(); !ok {
		return nostr.Event{}, fmt.Errorf("unwrap: %w: bad signature", ErrBadSeal)
	}

	rumorJSON, err := kr.Decrypt(ctx, seal.Content, seal.PubKey)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("unwrap: decrypt seal: %w", err)
	}
	var rumor nostr.Event
	if err := json.Unmarshal([]byte(rumorJSON), &rumor); err != nil {
		return nostr.Event{}, fmt.Errorf("unwrap: rumor: %w", err)
	}
	if rumor.PubKey != seal.PubKey {
		return nostr.Event{}, ErrSenderMismatch
	}
	rumor.ID = rumor.GetID()
	rumor.Sig = ""
	return rumor, nil
}

// Wrap seals rumor with kr and wraps the seal for recipient under a fresh
// ephemeral key. The rumor's id and author are filled in when missing.
func Wrap(ctx context.Context, kr nostr.Keyer, rumor nostr.Event, recipient string) (nostr.Event, error) {
	if rumor.PubKey == "" {
		pk, err := kr.GetPublicKey(ctx)
		if err != nil {
			return nostr.Event{}, fmt.Errorf("wrap: get pubkey: %w", err)
		}
		rumor.PubKey = pk
	}
	rumor.ID = rumor.GetID()
	rumor.Sig = ""

	rumorJSON, err := json.Marshal(rumor)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: marshal rumor: %w", err)
	}
	sealContent, err := kr.Encrypt(ctx, string(rumorJSON), recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: encrypt rumor: %w", err)
	}
	seal := nostr.Event{
		Kind:      KindSeal,
		CreatedAt: jitteredNow(),
		Tags:      nostr.Tags{},
		Content:   sealContent,
	}
	if err := kr.SignEvent(ctx, &seal); err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: sign seal: %w", err)
	}

	sealJSON, err := json.Marshal(seal)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: marshal seal: %w", err)
	}
	ephemeralSK := nostr.GeneratePrivateKey()
	ephemeral, err := keyer.NewPlainKeySigner(ephemeralSK)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: ephemeral key: %w", err)
	}
	content, err := ephemeral.Encrypt(ctx, string(sealJSON), recipient)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: encrypt seal: %w", err)
	}
	wrapper := nostr.Event{
		Kind:      KindGiftWrap,
		CreatedAt: jitteredNow(),
		Tags:      nostr.Tags{{"p", recipient}},
		Content:   content,
	}
	if err := wrapper.Sign(ephemeralSK); err != nil {
		return nostr.Event{}, fmt.Errorf("wrap: sign wrapper: %w", err)
	}
	return wrapper, nil
}

// NewRumor builds an unsigned kind 14 message from author to receivers.
func NewRumor(author, content string, receivers []string, subject string) nostr.Event {
	tags := make(nostr.Tags, 0, len(receivers)+1)
	for _, pk := range receivers {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	if subject != "" {
		tags = append(tags, nostr.Tag{"subject", subject})
	}
	rumor := nostr.Event{
		PubKey:    author,
		CreatedAt: nostr.Now(),
		Kind:      KindPrivateMessage,
		Tags:      tags,
		Content:   content,
	}
	rumor.ID = rumor.GetID()
	return rumor
}

// Addressed reports whether evt carries a p-tag for pubkey.
func Addressed(evt nostr.Event, pubkey string) bool {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" && tag[1] == pubkey {
			return true
		}
	}
	return false
}

// Subject returns the value of the rumor's subject tag, if any.
func Subject(rumor nostr.Event) string {
	for _, tag := range rumor.Tags {
		if len(tag) >= 2 && tag[0] == "subject" {
			return tag[1]
		}
	}
	return ""
}

func jitteredNow() nostr.Timestamp {
	return nostr.Now() - nostr.Timestamp(rand.IntN(maxTimestampJitter))
}
