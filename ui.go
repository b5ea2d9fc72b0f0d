package main

import (
	"encoding/hex"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	qrterminal "github.com/mdp/qrterminal/v3"
	"github.com/muesli/termenv"
)

// Colors
var (
	colorPrimary   = lipgloss.Color("#7B68EE")
	colorSecondary = lipgloss.Color("#5B5682")
	colorMuted     = lipgloss.Color("#636363")
	colorHighlight = lipgloss.Color("#E0DAFF")
	colorStatusBg  = lipgloss.Color("#24283B")
	colorWhite     = lipgloss.Color("#C0CAF5")
	colorGreen     = lipgloss.Color("#9ECE6A")
	colorYellow    = lipgloss.Color("#E0AF68")
	colorRed       = lipgloss.Color("#F7768E")
)

var (
	authorColorsDark = []lipgloss.Color{
		"#7AA2F7", "#BB9AF7", "#7DCFFF", "#E0AF68", "#F7768E", "#73DACA", "#FF9E64", "#B4F9F8",
	}
	authorColorsLight = []lipgloss.Color{
		"#2E7DE9", "#9854F1", "#007197", "#8C6C3E", "#F52A65", "#387068", "#B15C00", "#118C74",
	}
	authorColors = authorColorsDark
)

// Layout constants
const (
	minSidebarWidth = 18
	sidebarPadding  = 4
	sidebarBorder   = 1
	inputMinHeight  = 1
	inputMaxHeight  = 8
)

// Styles
var (
	sidebarStyle = lipgloss.NewStyle().
			BorderRight(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(colorSecondary)

	sidebarSectionStyle = lipgloss.NewStyle().
				Foreground(colorMuted).
				Bold(true).
				Padding(0, 1)

	sidebarItemStyle = lipgloss.NewStyle().
				Foreground(colorWhite).
				Padding(0, 1)

	sidebarUnreadStyle = lipgloss.NewStyle().
				Foreground(colorYellow).
				Bold(true).
				Padding(0, 1)

	sidebarSelectedStyle = lipgloss.NewStyle().
				Foreground(colorHighlight).
				Background(colorSecondary).
				Bold(true).
				Padding(0, 1)

	chatAuthorStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	chatOwnAuthorStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	chatTimestampStyle = lipgloss.NewStyle().
				Foreground(colorMuted)

	chatSystemStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorWhite).
			Background(colorStatusBg).
			Padding(0, 1)

	statusConnectedStyle = lipgloss.NewStyle().
				Foreground(colorGreen)

	statusWarnStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	autocompleteStyle = lipgloss.NewStyle().
				Foreground(colorMuted).
				Padding(0, 1)

	autocompleteSelectedStyle = lipgloss.NewStyle().
					Foreground(colorHighlight).
					Bold(true).
					Padding(0, 1)

	qrTitleStyle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)
)

// detectGlamourStyle queries the terminal background and returns "dark" or "light".
// Must be called before the TUI starts.
func detectGlamourStyle() string {
	if termenv.HasDarkBackground() {
		authorColors = authorColorsDark
		return "dark"
	}
	authorColors = authorColorsLight
	return "light"
}

// newMarkdownRenderer creates a glamour renderer for the given style.
// Word wrapping is done by the viewport, not by glamour.
func newMarkdownRenderer(style string) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStylePath(style),
		glamour.WithWordWrap(0),
	)
	if err != nil {
		return nil
	}
	return r
}

// renderMarkdown renders markdown content to terminal-styled text.
// Falls back to plain text if the renderer is nil or rendering fails.
func renderMarkdown(r *glamour.TermRenderer, content string) string {
	if r == nil {
		return content
	}
	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return out
}

// colorForPubkey picks a stable author color from the first key byte.
func colorForPubkey(pk string) lipgloss.Color {
	if len(pk) < 2 {
		return authorColors[0]
	}
	b, err := hex.DecodeString(pk[:2])
	if err != nil {
		return authorColors[0]
	}
	return authorColors[int(b[0])%len(authorColors)]
}

// renderQR renders a QR code with a title line above it.
func renderQR(title, content string) string {
	var buf strings.Builder
	buf.WriteString(qrTitleStyle.Render(title))
	buf.WriteString("\n\n")
	qrterminal.GenerateWithConfig(content, qrterminal.Config{
		Level:          qrterminal.M,
		Writer:         &buf,
		HalfBlocks:     true,
		BlackChar:      qrterminal.BLACK_BLACK,
		WhiteChar:      qrterminal.WHITE_WHITE,
		BlackWhiteChar: qrterminal.BLACK_WHITE,
		WhiteBlackChar: qrterminal.WHITE_BLACK,
		QuietZone:      1,
	})
	return buf.String()
}
