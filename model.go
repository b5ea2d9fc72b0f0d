package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/nbd-wtf/go-nostr"

	"github.com/pinpox/nitrous-inbox/internal/chat"
	"github.com/pinpox/nitrous-inbox/internal/msglog"
	"github.com/pinpox/nitrous-inbox/internal/rooms"
	"github.com/pinpox/nitrous-inbox/internal/signal"
)

// ChatMessage is a message as the TUI displays it.
type ChatMessage struct {
	Author    string
	PubKey    string
	Content   string
	Timestamp nostr.Timestamp
	EventID   string
	IsMine    bool
}

// Bubbletea messages.
type signalMsg struct{ sig signal.Signal }
type busClosedMsg struct{}
type sendResultMsg struct {
	roomID uint64
	report chat.SendReport
	err    error
}
type authResultMsg struct {
	relay string
	err   error
}
type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type model struct {
	cfg         Config
	keys        Keys
	orch        *chat.Orchestrator
	transcripts *msglog.Log

	width  int
	height int

	// rooms is the sidebar order; active is the selected room id.
	rooms     []rooms.Room
	active    uint64
	hasActive bool

	msgs          map[uint64][]ChatMessage
	historyLoaded map[uint64]bool
	unread        map[uint64]bool
	globalMsgs    []ChatMessage

	viewport viewport.Model
	input    textarea.Model
	mdRender *glamour.TermRenderer
	mdStyle  string

	lastInputHeight int

	acSuggestions []string
	acIndex       int

	inputHistory []string // sent messages, newest last
	historyIndex int      // -1 = current input
	historySaved string

	unwrap      signal.UnwrapState
	authPending []string
	unavailable map[string]string
	statusMsg   string

	// non-empty = show full-screen QR
	qrOverlay string
}

func newModel(cfg Config, keys Keys, orch *chat.Orchestrator, transcripts *msglog.Log, mdRender *glamour.TermRenderer, mdStyle string) model {
	ta := textarea.New()
	ta.Placeholder = "Type a message... (/help for commands)"
	ta.Prompt = "> "
	ta.CharLimit = 4000
	ta.SetHeight(inputMinHeight)
	ta.MaxHeight = inputMaxHeight
	ta.ShowLineNumbers = false
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.BlurredStyle.CursorLine = lipgloss.NewStyle()
	ta.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("alt+enter", "ctrl+j"))
	ta.Focus()

	return model{
		cfg:             cfg,
		keys:            keys,
		orch:            orch,
		transcripts:     transcripts,
		width:           80,
		height:          24,
		msgs:            make(map[uint64][]ChatMessage),
		historyLoaded:   make(map[uint64]bool),
		unread:          make(map[uint64]bool),
		unavailable:     make(map[string]string),
		viewport:        viewport.New(80, 20),
		input:           ta,
		mdRender:        mdRender,
		mdStyle:         mdStyle,
		lastInputHeight: inputMinHeight,
		historyIndex:    -1,
		statusMsg:       "loading rooms...",
	}
}

func (m *model) Init() tea.Cmd {
	slog.Debug("Init")
	m.addSystemMsg("nitrous-inbox: private messages over nostr")
	m.addSystemMsg("npub: " + m.keys.NPub)
	m.addSystemMsg("loading rooms from " + fmt.Sprintf("%d relays", len(m.cfg.Relays)) + " ...")

	cmds := []tea.Cmd{
		textarea.Blink,
		waitForSignal(m.orch.Bus),
	}
	if !m.cfg.Profile.empty() {
		cmds = append(cmds, publishProfileCmd(m.orch.Store, m.orch.Signer, m.cfg.Relays, m.cfg.Profile))
	}
	return tea.Batch(cmds...)
}

// waitForSignal blocks on the bus and hands the next signal to Update.
func waitForSignal(bus *signal.Bus) tea.Cmd {
	return func() tea.Msg {
		s, err := bus.Recv(context.Background())
		if err != nil {
			return busClosedMsg{}
		}
		return signalMsg{s}
	}
}

func sendCmd(orch *chat.Orchestrator, roomID uint64, text string) tea.Cmd {
	return func() tea.Msg {
		report, err := orch.Send(context.Background(), roomID, text)
		return sendResultMsg{roomID: roomID, report: report, err: err}
	}
}

func authCmd(orch *chat.Orchestrator, relay string) tea.Cmd {
	return func() tea.Msg {
		return authResultMsg{relay: relay, err: orch.Authenticate(context.Background(), relay)}
	}
}

func (m *model) activeRoom() (rooms.Room, bool) {
	if !m.hasActive {
		return rooms.Room{}, false
	}
	i := m.activeIndex()
	if i < 0 {
		return rooms.Room{}, false
	}
	return m.rooms[i], true
}

func (m *model) activeIndex() int {
	if !m.hasActive {
		return -1
	}
	return slices.IndexFunc(m.rooms, func(r rooms.Room) bool { return r.ID == m.active })
}

func (m *model) selectRoom(id uint64) {
	m.active = id
	m.hasActive = true
	m.loadHistory(id)
	delete(m.unread, id)
	m.updateLayout()
}

// moveSelection steps through the sidebar, wrapping around.
func (m *model) moveSelection(delta int) {
	if len(m.rooms) == 0 {
		return
	}
	i := m.activeIndex() + delta
	switch {
	case i < 0:
		i = len(m.rooms) - 1
	case i >= len(m.rooms):
		i = 0
	}
	m.selectRoom(m.rooms[i].ID)
}

// refreshRooms takes a new snapshot of the registry.
func (m *model) refreshRooms() {
	m.rooms = sidebarOrder(m.orch.Rooms.Rooms())
	for _, r := range m.rooms {
		m.loadHistory(r.ID)
	}
	if !m.hasActive && len(m.rooms) > 0 {
		m.selectRoom(m.rooms[0].ID)
		return
	}
	m.updateLayout()
}

// loadHistory fills a room's view the first time the room is seen, from the
// rumor cache and, when logging is on, the transcript file.
func (m *model) loadHistory(id uint64) {
	if m.historyLoaded[id] {
		return
	}
	m.historyLoaded[id] = true

	var history []ChatMessage
	rumors, err := m.orch.Messages(context.Background(), id)
	if err != nil {
		slog.Warn("loadHistory: rumor cache", "room", id, "err", err)
	}
	for _, rumor := range rumors {
		history = append(history, m.chatMessage(rumor))
	}
	if m.cfg.LoggingEnabled() && m.transcripts != nil {
		entries, err := m.transcripts.Load(id, m.cfg.MaxMessages)
		if err != nil {
			slog.Warn("loadHistory: transcript", "room", id, "err", err)
		}
		for _, e := range entries {
			history = append(history, ChatMessage{
				Author:    e.Author,
				PubKey:    e.PubKey,
				Content:   e.Content,
				Timestamp: e.Timestamp,
				EventID:   e.EventID,
				IsMine:    e.PubKey == m.keys.PK,
			})
		}
	}
	for _, cm := range history {
		if !hasMessage(m.msgs[id], cm.EventID) {
			m.msgs[id] = appendMessage(m.msgs[id], cm, m.cfg.MaxMessages)
		}
	}
}

func (m *model) chatMessage(rumor nostr.Event) ChatMessage {
	return ChatMessage{
		Author:    m.resolveAuthor(rumor.PubKey),
		PubKey:    rumor.PubKey,
		Content:   rumor.Content,
		Timestamp: rumor.CreatedAt,
		EventID:   rumor.ID,
		IsMine:    rumor.PubKey == m.keys.PK,
	}
}

// hasMessage reports whether msgs already shows the event id. Local notices
// have no id and never match.
func hasMessage(msgs []ChatMessage, eventID string) bool {
	return eventID != "" && slices.ContainsFunc(msgs, func(cm ChatMessage) bool { return cm.EventID == eventID })
}

// deliver moves a room's buffered messages into the chat view and transcript.
func (m *model) deliver(id uint64) {
	m.loadHistory(id)
	for _, rumor := range m.orch.Rooms.DrainPending(id) {
		cm := m.chatMessage(rumor)
		if !hasMessage(m.msgs[id], cm.EventID) {
			m.msgs[id] = appendMessage(m.msgs[id], cm, m.cfg.MaxMessages)
		}
		if m.cfg.LoggingEnabled() && m.transcripts != nil {
			if err := m.transcripts.Append(id, msglog.FromRumor(rumor, cm.Author)); err != nil {
				slog.Warn("deliver: transcript", "room", id, "err", err)
			}
		}
		if !cm.IsMine && (!m.hasActive || id != m.active) {
			m.unread[id] = true
		}
	}
}

// addSystemMsg appends a local-only notice into the current chat view.
func (m *model) addSystemMsg(text string) {
	msg := ChatMessage{Author: "system", Content: text, Timestamp: nostr.Now()}
	if r, ok := m.activeRoom(); ok {
		m.msgs[r.ID] = appendMessage(m.msgs[r.ID], msg, m.cfg.MaxMessages)
	} else {
		m.globalMsgs = appendMessage(m.globalMsgs, msg, m.cfg.MaxMessages)
	}
	m.updateViewport()
}

// resolveAuthor returns the cached display name for a pubkey.
func (m *model) resolveAuthor(pubkey string) string {
	if pubkey == m.keys.PK {
		if m.cfg.Profile.DisplayName != "" {
			return m.cfg.Profile.DisplayName
		}
		if m.cfg.Profile.Name != "" {
			return m.cfg.Profile.Name
		}
	}
	return m.orch.Batcher.Cache().Lookup(pubkey).Label()
}

// syncInputHeight resizes the textarea to match its content and re-layouts if needed.
func (m *model) syncInputHeight() {
	lines := min(max(m.input.LineCount(), inputMinHeight), inputMaxHeight)
	if lines != m.lastInputHeight {
		m.input.SetHeight(lines)
		m.lastInputHeight = lines
		m.updateLayout()
	}
}

// appendMessage inserts msg in timestamp order and keeps at most maxMessages.
func appendMessage(msgs []ChatMessage, msg ChatMessage, maxMessages int) []ChatMessage {
	i := len(msgs)
	for i > 0 && msgs[i-1].Timestamp > msg.Timestamp {
		i--
	}
	msgs = slices.Insert(msgs, i, msg)
	if maxMessages > 0 && len(msgs) > maxMessages {
		msgs = msgs[len(msgs)-maxMessages:]
	}
	return msgs
}
