package main

import (
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var commandNames = []string{"/dm", "/subject", "/auth", "/search", "/qr", "/help", "/quit"}

// filterPrefix keeps candidates starting with prefix, case-insensitively,
// without offering an exact match.
func filterPrefix(candidates []string, prefix string) []string {
	var out []string
	prefix = strings.ToLower(prefix)
	for _, c := range candidates {
		if strings.HasPrefix(strings.ToLower(c), prefix) && !strings.EqualFold(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// updateSuggestions fills acSuggestions for the current input.
func (m *model) updateSuggestions() {
	text := m.input.Value()
	tokens := strings.Fields(text)
	if !strings.HasPrefix(text, "/") || len(tokens) == 0 {
		m.acSuggestions = nil
		m.acIndex = 0
		return
	}
	trailingSpace := strings.HasSuffix(text, " ")
	partial := ""
	if !trailingSpace {
		partial = tokens[len(tokens)-1]
	}

	var suggestions []string
	switch cmd := strings.ToLower(tokens[0]); {
	case len(tokens) == 1 && !trailingSpace:
		suggestions = filterPrefix(commandNames, cmd)
	case cmd == "/auth" && (len(tokens) == 1 || (len(tokens) == 2 && !trailingSpace)):
		suggestions = filterPrefix(m.authPending, partial)
	case cmd == "/dm":
		// every argument after /dm is a member
		suggestions = filterPrefix(m.contactNames(), partial)
	}

	if len(suggestions) == 0 {
		m.acSuggestions = nil
		m.acIndex = 0
		return
	}
	if !slices.Equal(suggestions, m.acSuggestions) {
		m.acIndex = 0
	}
	m.acSuggestions = suggestions
}

// contactNames lists display names of the user's contacts.
func (m *model) contactNames() []string {
	var names []string
	for _, pk := range m.orch.Contacts.Keys() {
		names = append(names, m.resolveAuthor(pk))
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// acceptSuggestion replaces the partial token in input with the selected suggestion.
func (m *model) acceptSuggestion() {
	if len(m.acSuggestions) == 0 {
		return
	}
	if m.acIndex >= len(m.acSuggestions) {
		m.acIndex = 0
	}
	selected := m.acSuggestions[m.acIndex]
	text := m.input.Value()

	var newText string
	if lastSpace := strings.LastIndex(text, " "); lastSpace >= 0 {
		newText = text[:lastSpace+1] + selected + " "
	} else {
		newText = selected + " "
	}

	m.input.SetValue(newText)
	m.acSuggestions = nil
	m.acIndex = 0
	m.updateLayout()
}

// viewAutocomplete renders suggestions as a horizontal row that keeps the
// selected item visible.
func (m *model) viewAutocomplete() string {
	maxWidth := m.viewport.Width

	rendered := make([]string, len(m.acSuggestions))
	widths := make([]int, len(m.acSuggestions))
	for i, s := range m.acSuggestions {
		if i == m.acIndex {
			rendered[i] = autocompleteSelectedStyle.Render(s)
		} else {
			rendered[i] = autocompleteStyle.Render(s)
		}
		widths[i] = lipgloss.Width(rendered[i])
	}

	start, end := m.acIndex, m.acIndex+1
	used := widths[m.acIndex]
	for {
		grew := false
		if end < len(m.acSuggestions) && used+widths[end] <= maxWidth {
			used += widths[end]
			end++
			grew = true
		}
		if start > 0 && used+widths[start-1] <= maxWidth {
			start--
			used += widths[start]
			grew = true
		}
		if !grew {
			break
		}
	}

	var parts []string
	if start > 0 {
		parts = append(parts, autocompleteStyle.Render("◂"))
	}
	parts = append(parts, rendered[start:end]...)
	if end < len(m.acSuggestions) {
		parts = append(parts, autocompleteStyle.Render("▸"))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}
