package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/reflow/wrap"

	"github.com/pinpox/nitrous-inbox/internal/signal"
)

// sidebarRoomAt maps a Y coordinate to the room on that sidebar row.
func (m *model) sidebarRoomAt(y int) (uint64, bool) {
	rows := sidebarRows(m.rooms)
	if y < 0 || y >= len(rows) || rows[y].isHeader() {
		return 0, false
	}
	return rows[y].room.ID, true
}

func (m *model) sidebarWidth() int {
	longest := 0
	for _, r := range m.rooms {
		longest = max(longest, lipgloss.Width(roomLabel(r)))
	}
	return max(longest+sidebarPadding, minSidebarWidth)
}

// renderTitleBar shows the active room and its subject.
func (m *model) renderTitleBar() string {
	title := "nitrous-inbox"
	if r, ok := m.activeRoom(); ok {
		title = roomLabel(r)
		if r.Subject == "" && r.IsGroup() {
			title += "  " + chatSystemStyle.Render(fmt.Sprintf("(%d members)", len(r.Members)))
		}
	}
	return lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Padding(0, 1).Render(title)
}

func (m *model) updateLayout() {
	contentWidth := max(m.width-m.sidebarWidth()-sidebarBorder, 10)

	// Set widths first so measured heights are accurate.
	m.viewport.Width = contentWidth
	m.input.SetWidth(contentWidth)

	titleHeight := lipgloss.Height(m.renderTitleBar())
	statusHeight := lipgloss.Height(m.viewStatusBar())
	inputHeight := lipgloss.Height(m.input.View())
	acHeight := 0
	if len(m.acSuggestions) > 0 {
		acHeight = lipgloss.Height(m.viewAutocomplete())
	}

	m.viewport.Height = max(m.height-titleHeight-statusHeight-inputHeight-acHeight, 1)
	m.updateViewport()
}

func (m *model) updateViewport() {
	msgs := m.globalMsgs
	if r, ok := m.activeRoom(); ok {
		msgs = m.msgs[r.ID]
		delete(m.unread, r.ID)
	}

	var lines []string
	for _, msg := range msgs {
		if msg.Author == "system" {
			lines = append(lines, chatSystemStyle.Render("  "+msg.Content))
			continue
		}
		var authorStyle lipgloss.Style
		switch {
		case msg.IsMine:
			authorStyle = chatOwnAuthorStyle
		case msg.PubKey != "":
			authorStyle = lipgloss.NewStyle().Foreground(colorForPubkey(msg.PubKey)).Bold(true)
		default:
			authorStyle = chatAuthorStyle
		}
		displayName := msg.Author
		if msg.PubKey != "" {
			displayName = m.resolveAuthor(msg.PubKey)
		}
		ts := chatTimestampStyle.Render(msg.Timestamp.Time().Format("15:04"))
		prefix := fmt.Sprintf("%s %s: ", ts, authorStyle.Render(displayName))
		prefixW := lipgloss.Width(prefix)
		pad := strings.Repeat(" ", prefixW)
		wrapWidth := max(m.viewport.Width-prefixW, 1)

		// Single newlines become paragraph breaks for glamour.
		content := renderMarkdown(m.mdRender, strings.ReplaceAll(msg.Content, "\n", "\n\n"))

		// Trim blank lines around glamour output. ANSI codes have to be
		// stripped before checking for whitespace.
		rawLines := strings.Split(content, "\n")
		for len(rawLines) > 0 && strings.TrimSpace(ansi.Strip(rawLines[0])) == "" {
			rawLines = rawLines[1:]
		}
		for len(rawLines) > 0 && strings.TrimSpace(ansi.Strip(rawLines[len(rawLines)-1])) == "" {
			rawLines = rawLines[:len(rawLines)-1]
		}

		// Word-wrap, then hard-wrap what still overflows (long URLs).
		var contentLines []string
		for _, cl := range rawLines {
			for _, wl := range strings.Split(wordwrap.String(cl, wrapWidth), "\n") {
				if lipgloss.Width(wl) > wrapWidth {
					contentLines = append(contentLines, strings.Split(wrap.String(wl, wrapWidth), "\n")...)
				} else {
					contentLines = append(contentLines, wl)
				}
			}
		}
		if len(contentLines) == 0 {
			contentLines = []string{""}
		}
		lines = append(lines, prefix+contentLines[0])
		for _, cl := range contentLines[1:] {
			lines = append(lines, pad+cl)
		}
	}

	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.qrOverlay != "" {
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, m.qrOverlay)
	}

	mainArea := lipgloss.JoinHorizontal(lipgloss.Top, m.viewSidebar(), m.viewContent())
	return lipgloss.JoinVertical(lipgloss.Left, mainArea, m.viewStatusBar())
}

func (m *model) viewSidebar() string {
	contentHeight := m.height - lipgloss.Height(m.viewStatusBar())
	sw := m.sidebarWidth()

	var items []string
	for _, row := range sidebarRows(m.rooms) {
		if row.isHeader() {
			items = append(items, sidebarSectionStyle.Render(row.header))
			continue
		}
		name := ansi.Truncate(roomLabel(row.room), sw-2, "…")
		switch {
		case m.hasActive && row.room.ID == m.active:
			items = append(items, sidebarSelectedStyle.Render(name))
		case m.unread[row.room.ID]:
			items = append(items, sidebarUnreadStyle.Render(name))
		default:
			items = append(items, sidebarItemStyle.Render(name))
		}
	}
	if len(items) == 0 {
		items = append(items, sidebarSectionStyle.Render("NO ROOMS"))
	}

	return sidebarStyle.Width(sw).Height(contentHeight).MaxHeight(contentHeight).Render(strings.Join(items, "\n"))
}

func (m *model) viewContent() string {
	totalHeight := m.height - lipgloss.Height(m.viewStatusBar())

	parts := []string{m.renderTitleBar(), m.viewport.View()}
	if len(m.acSuggestions) > 0 {
		parts = append(parts, m.viewAutocomplete())
	}
	parts = append(parts, m.input.View())

	inner := lipgloss.JoinVertical(lipgloss.Left, parts...)
	return lipgloss.NewStyle().Height(totalHeight).MaxHeight(totalHeight).Render(inner)
}

func (m *model) viewStatusBar() string {
	var parts []string
	switch m.unwrap {
	case signal.UnwrapComplete:
		parts = append(parts, statusConnectedStyle.Render("●")+" "+m.statusMsg)
	default:
		parts = append(parts, "○ "+m.statusMsg)
	}
	if n := len(m.authPending); n > 0 {
		parts = append(parts, statusWarnStyle.Render(fmt.Sprintf("%d relays need /auth", n)))
	}
	if n := len(m.unavailable); n > 0 {
		parts = append(parts, statusWarnStyle.Render(fmt.Sprintf("%d relays unavailable", n)))
	}
	return statusBarStyle.Width(m.width).Render(strings.Join(parts, "  "))
}
