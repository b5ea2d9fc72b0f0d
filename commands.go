package main

import (
	"fmt"
	"log/slog"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nbd-wtf/go-nostr/nip19"
)

func (m *model) handleCommand(text string) (tea.Model, tea.Cmd) {
	parts := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	slog.Debug("handleCommand", "cmd", cmd)

	switch cmd {
	case "/dm":
		if arg == "" {
			m.addSystemMsg("usage: /dm <npub|hex|contact> [more members...]")
			return m, nil
		}
		return m.openRoom(strings.Fields(arg))

	case "/subject":
		r, ok := m.activeRoom()
		if !ok {
			m.addSystemMsg("no room selected")
			return m, nil
		}
		if err := m.orch.SetSubject(r.ID, arg); err != nil {
			m.addSystemMsg("subject: " + err.Error())
			return m, nil
		}
		m.refreshRooms()
		if arg == "" {
			m.addSystemMsg("subject cleared")
		} else {
			m.addSystemMsg(fmt.Sprintf("subject set to %q; it is sent with your next message", arg))
		}
		return m, nil

	case "/auth":
		relays := m.authRelaysFor(arg)
		if len(relays) == 0 {
			if arg != "" {
				m.addSystemMsg("invalid relay URL: " + arg)
			} else {
				m.addSystemMsg("no relay is asking for authentication")
			}
			return m, nil
		}
		var cmds []tea.Cmd
		for _, relay := range relays {
			m.addSystemMsg("authenticating on " + relay + " ...")
			cmds = append(cmds, authCmd(m.orch, relay))
		}
		return m, tea.Batch(cmds...)

	case "/search":
		if arg == "" {
			m.addSystemMsg("usage: /search <text|npub>")
			return m, nil
		}
		return m.search(arg)

	case "/qr":
		m.qrOverlay = renderQR("Your npub:", "nostr:"+m.keys.NPub)
		return m, nil

	case "/quit":
		return m, tea.Quit

	case "/help":
		m.addSystemMsg("/dm <npub|hex|contact>... — open a room with one or more people")
		m.addSystemMsg("/subject <text> — set the room subject sent with your next message")
		m.addSystemMsg("/auth [relay] — authenticate on a relay that asked for it")
		m.addSystemMsg("/search <text|npub> — find rooms by name or member")
		m.addSystemMsg("/qr — show QR code of your npub")
		m.addSystemMsg("/help — show this help")
		m.addSystemMsg("/quit — exit")
		m.addSystemMsg("ctrl+up/down switch rooms, tab completes commands")
		return m, nil
	}

	m.addSystemMsg("unknown command: " + cmd)
	return m, nil
}

// openRoom resolves every argument to a key and selects the room of that set.
func (m *model) openRoom(args []string) (tea.Model, tea.Cmd) {
	var members []string
	for _, a := range args {
		pk, err := m.resolvePubKey(a)
		if err != nil {
			m.addSystemMsg(err.Error())
			return m, nil
		}
		if pk == m.keys.PK {
			continue
		}
		members = append(members, pk)
	}
	if len(members) == 0 {
		m.addSystemMsg("a room needs at least one other member")
		return m, nil
	}

	r := m.orch.OpenRoom(members)
	m.refreshRooms()
	m.selectRoom(r.ID)
	m.addSystemMsg("opened " + roomLabel(r))
	return m, nil
}

// resolvePubKey accepts a key in any supported encoding or a contact's name.
func (m *model) resolvePubKey(input string) (string, error) {
	if pk, err := parsePubKey(input); err == nil {
		return pk, nil
	}
	for _, pk := range m.orch.Contacts.Keys() {
		if strings.EqualFold(m.resolveAuthor(pk), input) {
			return pk, nil
		}
	}
	return "", fmt.Errorf("unknown contact or invalid key: %s", input)
}

func (m *model) search(query string) (tea.Model, tea.Cmd) {
	results := m.orch.Rooms.Search(query)
	if pk, err := parsePubKey(query); err == nil {
		results = m.orch.Rooms.SearchByPubKey(pk)
	}
	if len(results) == 0 {
		m.addSystemMsg("no rooms match " + query)
		return m, nil
	}
	if len(results) == 1 {
		m.selectRoom(results[0].ID)
		m.addSystemMsg("switched to " + roomLabel(results[0]))
		return m, nil
	}
	m.addSystemMsg(fmt.Sprintf("%d rooms match:", len(results)))
	for _, r := range results {
		line := "  " + roomLabel(r)
		if len(r.Members) > 0 {
			if npub, err := nip19.EncodePublicKey(r.Members[0].PubKey); err == nil {
				line += "  " + npub[:16] + "…"
			}
		}
		m.addSystemMsg(line)
	}
	return m, nil
}
