package main

import (
	"github.com/pinpox/nitrous-inbox/internal/rooms"
)

// sidebarRow is one line of the sidebar: a section header or a room.
type sidebarRow struct {
	header string
	room   rooms.Room
}

func (r sidebarRow) isHeader() bool { return r.header != "" }

// sidebarOrder puts ongoing rooms before requests. Within a section the
// registry order (most recent first) is kept.
func sidebarOrder(rs []rooms.Room) []rooms.Room {
	out := make([]rooms.Room, 0, len(rs))
	for _, r := range rs {
		if r.Kind == rooms.Ongoing {
			out = append(out, r)
		}
	}
	for _, r := range rs {
		if r.Kind != rooms.Ongoing {
			out = append(out, r)
		}
	}
	return out
}

// sidebarRows lays out ordered rooms with section headers. Empty sections
// are omitted.
func sidebarRows(ordered []rooms.Room) []sidebarRow {
	var rows []sidebarRow
	section := ""
	for _, r := range ordered {
		want := "CHATS"
		if r.Kind != rooms.Ongoing {
			want = "REQUESTS"
		}
		if want != section {
			rows = append(rows, sidebarRow{header: want})
			section = want
		}
		rows = append(rows, sidebarRow{room: r})
	}
	return rows
}

// roomPrefix is "~" for group rooms and "@" for one-to-one rooms.
func roomPrefix(r rooms.Room) string {
	if r.IsGroup() {
		return "~"
	}
	return "@"
}

func roomLabel(r rooms.Room) string {
	return roomPrefix(r) + r.DisplayName()
}
