// Package profile holds kind 0 user metadata.
package profile

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"
)

const KindMetadata = 0

// Profile is the subset of kind 0 metadata the inbox displays.
type Profile struct {
	PubKey      string          `json:"-"`
	Name        string          `json:"name,omitempty"`
	DisplayName string          `json:"display_name,omitempty"`
	About       string          `json:"about,omitempty"`
	Picture     string          `json:"picture,omitempty"`
	NIP05       string          `json:"nip05,omitempty"`
	UpdatedAt   nostr.Timestamp `json:"-"`
}

// Unknown returns a placeholder profile for a key with no metadata yet.
func Unknown(pubkey string) Profile {
	return Profile{PubKey: pubkey}
}

// Parse decodes a kind 0 event. Invalid JSON yields a profile without names.
func Parse(evt *nostr.Event) Profile {
	p := Profile{}
	if evt.Content != "" {
		_ = json.Unmarshal([]byte(evt.Content), &p)
	}
	p.PubKey = evt.PubKey
	p.UpdatedAt = evt.CreatedAt
	return p
}

// Known reports whether any metadata was resolved for the key.
func (p Profile) Known() bool {
	return p.UpdatedAt != 0
}

// Label is display_name, then name, then the short key.
func (p Profile) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.Name != "" {
		return p.Name
	}
	return ShortPK(p.PubKey)
}

// ShortPK returns the first 8 characters of a hex pubkey.
func ShortPK(pk string) string {
	if len(pk) > 8 {
		return pk[:8]
	}
	return pk
}
