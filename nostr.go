package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/pinpox/nitrous-inbox/internal/profile"
	"github.com/pinpox/nitrous-inbox/internal/store"
)

// Keys holds the user's nostr key pair.
type Keys struct {
	SK   string
	PK   string
	NPub string
}

// loadKeys reads the private key from NOSTR_PRIVATE_KEY, or from keyFile when
// the variable is unset. Both nsec and hex are accepted.
func loadKeys(keyFile string) (Keys, error) {
	raw := strings.TrimSpace(os.Getenv("NOSTR_PRIVATE_KEY"))
	if raw == "" && keyFile != "" {
		data, err := os.ReadFile(keyFile)
		if err != nil {
			return Keys{}, fmt.Errorf("read private key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		return Keys{}, fmt.Errorf("NOSTR_PRIVATE_KEY not set and no private_key_file configured")
	}

	sk, err := decodeSecret(raw)
	if err != nil {
		return Keys{}, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Keys{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return Keys{}, fmt.Errorf("failed to encode npub: %w", err)
	}
	return Keys{SK: sk, PK: pk, NPub: npub}, nil
}

func decodeSecret(raw string) (string, error) {
	if !strings.HasPrefix(raw, "nsec") {
		if len(raw) != 64 || !isHex(raw) {
			return "", fmt.Errorf("private key is neither nsec nor 64-char hex")
		}
		return strings.ToLower(raw), nil
	}
	prefix, val, err := nip19.Decode(raw)
	if err != nil {
		return "", fmt.Errorf("failed to decode nsec: %w", err)
	}
	if prefix != "nsec" {
		return "", fmt.Errorf("expected nsec prefix, got %s", prefix)
	}
	return val.(string), nil
}

// parsePubKey accepts an npub, nprofile or hex public key, with or without
// a nostr: prefix.
func parsePubKey(input string) (string, error) {
	s := strings.TrimPrefix(strings.TrimSpace(input), "nostr:")
	if strings.HasPrefix(s, "npub") || strings.HasPrefix(s, "nprofile") {
		prefix, val, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("invalid %s: %w", s[:min(len(s), 8)], err)
		}
		switch prefix {
		case "npub":
			return val.(string), nil
		case "nprofile":
			return val.(nostr.ProfilePointer).PublicKey, nil
		}
		return "", fmt.Errorf("unexpected bech32 prefix %q", prefix)
	}
	s = strings.ToLower(s)
	if !nostr.IsValidPublicKey(s) {
		return "", fmt.Errorf("not a public key: %q", input)
	}
	return s, nil
}

func isHex(s string) bool {
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func shortPK(pk string) string {
	return profile.ShortPK(pk)
}

// publishProfileCmd publishes the configured kind 0 profile.
func publishProfileCmd(st store.Store, signer nostr.Keyer, relays []string, p ProfileConfig) tea.Cmd {
	return func() tea.Msg {
		meta := map[string]string{}
		if p.Name != "" {
			meta["name"] = p.Name
		}
		if p.DisplayName != "" {
			meta["display_name"] = p.DisplayName
		}
		if p.About != "" {
			meta["about"] = p.About
		}
		if p.Picture != "" {
			meta["picture"] = p.Picture
		}

		content, err := json.Marshal(meta)
		if err != nil {
			return errMsg{fmt.Errorf("publishProfile: marshal: %w", err)}
		}
		evt := nostr.Event{
			Kind:      profile.KindMetadata,
			CreatedAt: nostr.Now(),
			Content:   string(content),
		}
		ctx := context.Background()
		if err := signer.SignEvent(ctx, &evt); err != nil {
			return errMsg{fmt.Errorf("publishProfile: sign: %w", err)}
		}
		receipt, err := st.Publish(ctx, evt, relays)
		if err != nil {
			return errMsg{fmt.Errorf("publishProfile: %w", err)}
		}
		slog.Debug("publishProfile: published kind 0", "ok", len(receipt.OK), "failed", len(receipt.Failed))
		return nil
	}
}
