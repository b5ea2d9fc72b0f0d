package main

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/pinpox/nitrous-inbox/internal/chat"
	"github.com/pinpox/nitrous-inbox/internal/gossip"
	"github.com/pinpox/nitrous-inbox/internal/signal"
)

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleWindowSize(msg)
	case tea.MouseMsg:
		return m.handleMouse(msg)
	case signalMsg:
		m.handleSignal(msg.sig)
		return m, waitForSignal(m.orch.Bus)
	case busClosedMsg:
		slog.Debug("Update: signal bus closed")
		return m, nil
	case sendResultMsg:
		return m.handleSendResult(msg)
	case authResultMsg:
		return m.handleAuthResult(msg)
	case errMsg:
		slog.Warn("Update: error", "err", msg.err)
		m.statusMsg = msg.Error()
		m.addSystemMsg("error: " + msg.Error())
		return m, nil
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	}
	return m.handleInputUpdate(msg)
}

func (m *model) handleWindowSize(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	slog.Debug("WindowSizeMsg", "width", msg.Width, "height", msg.Height)
	m.width = msg.Width
	m.height = msg.Height
	m.updateLayout()
	return m, tea.ClearScreen
}

func (m *model) handleMouse(msg tea.MouseMsg) (tea.Model, tea.Cmd) {
	switch msg.Button {
	case tea.MouseButtonWheelUp:
		m.viewport.ScrollUp(3)
	case tea.MouseButtonWheelDown:
		m.viewport.ScrollDown(3)
	case tea.MouseButtonLeft:
		if msg.Action == tea.MouseActionPress && msg.X < m.sidebarWidth() {
			if id, ok := m.sidebarRoomAt(msg.Y); ok {
				m.selectRoom(id)
			}
		}
	}
	return m, nil
}

func (m *model) handleSignal(sig signal.Signal) {
	slog.Debug("handleSignal", "kind", sig.Kind())
	switch s := sig.(type) {
	case signal.SignerReady:
		npub, _ := nip19.EncodePublicKey(s.PubKey)
		m.statusMsg = "signed in as " + shortPK(npub)

	case signal.SignerCleared:
		m.rooms = nil
		m.hasActive = false
		m.msgs = make(map[uint64][]ChatMessage)
		m.historyLoaded = make(map[uint64]bool)
		m.unread = make(map[uint64]bool)
		m.authPending = nil
		m.statusMsg = "signed out"
		m.updateLayout()

	case signal.AuthChallenge:
		if !slices.Contains(m.authPending, s.Relay) {
			m.authPending = append(m.authPending, s.Relay)
		}
		if m.cfg.AutoAuthEnabled() {
			return
		}
		m.addSystemMsg(fmt.Sprintf("%s asks you to authenticate: /auth %s", s.Relay, s.Relay))

	case signal.RelayUnavailable:
		m.unavailable[s.Relay] = s.Reason
		m.addSystemMsg(fmt.Sprintf("relay %s unavailable: %s", s.Relay, s.Reason))

	case signal.ProfileUpdated:
		m.refreshRooms()

	case signal.MessageArrived:
		m.refreshRooms()
		m.deliver(s.RoomID)
		m.updateViewport()

	case signal.NoMessagingRelays:
		m.addSystemMsg("you have no messaging relays (kind 10050); listening on your bootstrap relays. Set messaging_relays in the config to publish a list.")

	case signal.UnwrapProgress:
		m.unwrap = s.State
		switch s.State {
		case signal.UnwrapProcessing:
			m.statusMsg = "decrypting messages..."
		case signal.UnwrapComplete:
			m.refreshRooms()
			m.statusMsg = fmt.Sprintf("%d rooms", len(m.rooms))
		}

	case signal.Notice:
		m.addSystemMsg(s.Text)
	}
}

func (m *model) handleSendResult(msg sendResultMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		slog.Warn("handleSendResult", "room", msg.roomID, "err", msg.err)
		m.addSystemMsg("send failed: " + msg.err.Error())
		return m, nil
	}
	m.refreshRooms()
	m.deliver(msg.roomID)
	for pk, err := range msg.report.Errors {
		if errors.Is(err, chat.ErrNoMessagingRelays) {
			continue // already reported as a notice
		}
		m.addSystemMsg(fmt.Sprintf("delivery to %s: %v", m.resolveAuthor(pk), err))
	}
	for _, rc := range msg.report.Receipts {
		for _, relay := range rc.AuthRequired() {
			if !slices.Contains(m.authPending, relay) {
				m.authPending = append(m.authPending, relay)
			}
		}
	}
	if !msg.report.Delivered() {
		m.addSystemMsg("message not delivered yet; it will be resent")
	}
	m.updateViewport()
	return m, nil
}

func (m *model) handleAuthResult(msg authResultMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.addSystemMsg(fmt.Sprintf("auth on %s failed: %v", msg.relay, msg.err))
		return m, nil
	}
	m.authPending = slices.DeleteFunc(m.authPending, func(r string) bool { return r == msg.relay })
	delete(m.unavailable, msg.relay)
	m.addSystemMsg("authenticated on " + msg.relay)
	return m, nil
}

func (m *model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Dismiss QR overlay on any key (except ctrl+c which still quits).
	if m.qrOverlay != "" {
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.qrOverlay = ""
		return m, nil
	}

	// Autocomplete key handling, before the textarea sees the key.
	if len(m.acSuggestions) > 0 {
		switch msg.String() {
		case "tab":
			m.acIndex = (m.acIndex + 1) % len(m.acSuggestions)
			return m, nil
		case "shift+tab":
			m.acIndex--
			if m.acIndex < 0 {
				m.acIndex = len(m.acSuggestions) - 1
			}
			return m, nil
		case "enter":
			m.acceptSuggestion()
			return m, nil
		case "esc":
			m.acSuggestions = nil
			m.acIndex = 0
			m.updateLayout()
			return m, nil
		}
	} else if msg.String() == "tab" {
		m.updateSuggestions()
		if len(m.acSuggestions) > 0 {
			m.updateLayout()
			return m, nil
		}
	}

	// Input history, only from the first (up) or last (down) textarea line.
	if msg.String() == "up" && m.input.Line() == 0 && len(m.inputHistory) > 0 {
		if m.historyIndex == -1 {
			m.historySaved = m.input.Value()
			m.historyIndex = len(m.inputHistory) - 1
		} else if m.historyIndex > 0 {
			m.historyIndex--
		}
		m.input.SetValue(m.inputHistory[m.historyIndex])
		m.syncInputHeight()
		return m, nil
	}
	if msg.String() == "down" && m.input.Line() == m.input.LineCount()-1 && m.historyIndex >= 0 {
		if m.historyIndex < len(m.inputHistory)-1 {
			m.historyIndex++
			m.input.SetValue(m.inputHistory[m.historyIndex])
		} else {
			m.historyIndex = -1
			m.input.SetValue(m.historySaved)
			m.historySaved = ""
		}
		m.syncInputHeight()
		return m, nil
	}

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit

	case "ctrl+up":
		m.moveSelection(-1)
		return m, nil

	case "ctrl+down":
		m.moveSelection(1)
		return m, nil

	case "pgup":
		m.viewport.ScrollUp(10)
		return m, nil

	case "pgdown":
		m.viewport.ScrollDown(10)
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" {
			return m, nil
		}
		m.inputHistory = append(m.inputHistory, text)
		m.historyIndex = -1
		m.historySaved = ""
		m.input.Reset()
		m.acSuggestions = nil
		m.acIndex = 0
		m.input.SetHeight(inputMinHeight)
		m.lastInputHeight = inputMinHeight
		m.updateLayout()

		if strings.HasPrefix(text, "/") {
			return m.handleCommand(text)
		}
		r, ok := m.activeRoom()
		if !ok {
			m.addSystemMsg("no room selected: use /dm <npub> to start a conversation")
			return m, nil
		}
		return m, sendCmd(m.orch, r.ID, text)
	}

	return m.handleInputUpdate(msg)
}

func (m *model) handleInputUpdate(msg tea.Msg) (tea.Model, tea.Cmd) {
	// Pre-grow the textarea before a newline is inserted so its internal
	// viewport scrolls with the right height.
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		if s := keyMsg.String(); s == "alt+enter" || s == "ctrl+j" {
			target := min(m.input.LineCount()+1, inputMaxHeight)
			if target != m.lastInputHeight {
				m.input.SetHeight(target)
				m.lastInputHeight = target
				m.updateLayout()
			}
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)

	// Re-filter suggestions while typing (only when already open).
	if len(m.acSuggestions) > 0 {
		m.updateSuggestions()
	}
	m.syncInputHeight()
	return m, cmd
}

// authRelaysFor returns pending auth relays, used when /auth has no argument.
func (m *model) authRelaysFor(arg string) []string {
	if arg != "" {
		if u := gossip.NormalizeRelay(arg); u != "" {
			return []string{u}
		}
		return nil
	}
	return slices.Clone(m.authPending)
}
