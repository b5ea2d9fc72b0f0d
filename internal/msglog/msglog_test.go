package msglog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestEscapeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain text", "hello world"},
		{"with newline", "hello\nworld"},
		{"with literal backslash-n", `hello\nworld`},
		{"with backslash", `path\to\file`},
		{"with both", "line1\nline2\\nline3"},
		{"empty", ""},
		{"only backslash", `\`},
		{"trailing newline", "hello\n"},
		{"tab", "a\tb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escape(tt.input)
			if strings.ContainsAny(escaped, "\n\t") {
				t.Errorf("escaped contains newline: %q", escaped)
			}
			if got := unescape(escaped); got != tt.input {
				t.Errorf("round-trip failed: input %q, escaped %q, got %q", tt.input, escaped, got)
			}
		})
	}
}

func TestPath(t *testing.T) {
	l := New("/tmp/logs", nil)
	if got := l.Path(0xab); got != "/tmp/logs/room_00000000000000ab.log" {
		t.Errorf("unexpected path: %s", got)
	}
}

func TestAppendAndLoad(t *testing.T) {
	l := New(t.TempDir(), nil)
	entries := []Entry{
		{Timestamp: 1700000001, EventID: "aabbccdd", PubKey: "11223344", Author: "alice", Content: "hello world"},
		{Timestamp: 1700000002, EventID: "eeff0011", PubKey: "aabbccdd", Author: "bob\tthe builder", Content: "hello\nworld"},
		{Timestamp: 1700000003, EventID: "11112222", PubKey: "55556666", Author: "carol", Content: `literal\nescaped`},
	}
	for _, e := range entries {
		if err := l.Append(7, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	loaded, err := l.Load(7, 100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(loaded))
	}
	for i, want := range entries {
		if loaded[i].Content != want.Content || loaded[i].Timestamp != want.Timestamp || loaded[i].EventID != want.EventID {
			t.Errorf("entry %d: got %+v, want %+v", i, loaded[i], want)
		}
	}

	// other rooms are separate files
	if other, _ := l.Load(8, 100); len(other) != 0 {
		t.Errorf("room 8 has %d entries", len(other))
	}
}

func TestLoadKeepsLastN(t *testing.T) {
	l := New(t.TempDir(), nil)
	for i := range 100 {
		e := Entry{Timestamp: nostr.Timestamp(1700000000 + i), EventID: "id", PubKey: "pk", Author: "user", Content: "message"}
		if err := l.Append(1, e); err != nil {
			t.Fatal(err)
		}
	}

	loaded, err := l.Load(1, 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(loaded))
	}
	if loaded[0].Timestamp != 1700000090 || loaded[9].Timestamp != 1700000099 {
		t.Errorf("wrong window: %d..%d", loaded[0].Timestamp, loaded[9].Timestamp)
	}
}

func TestLoadLargeFile(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	f, err := os.Create(l.Path(3))
	if err != nil {
		t.Fatal(err)
	}
	for i := range 100000 {
		fmt.Fprintf(f, "2024-01-15 10:30:45\tabcdef00\t12345678\tuser\tmessage %d\n", i)
	}
	f.Close()

	loaded, err := l.Load(3, 500)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 500 {
		t.Fatalf("expected 500 entries, got %d", len(loaded))
	}
	if loaded[499].Content != "message 99999" {
		t.Errorf("last entry = %q", loaded[499].Content)
	}
}

func TestLoadSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	l := New(dir, nil)
	data := "garbage\n2024-01-15 10:30:45\tid\tpk\tuser\tok\nnot\ta\ttime\tat\tall\n"
	if err := os.WriteFile(filepath.Join(dir, "room_0000000000000009.log"), []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := l.Load(9, 10)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Content != "ok" {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestEmptyDirIsNoop(t *testing.T) {
	l := New("", nil)
	if err := l.Append(1, Entry{Content: "test"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	loaded, err := l.Load(1, 100)
	if err != nil || len(loaded) != 0 {
		t.Fatalf("Load = %v, %v", loaded, err)
	}
}

func TestFromRumor(t *testing.T) {
	rumor := nostr.Event{ID: "id", PubKey: "pk", CreatedAt: 42, Content: "hi"}
	e := FromRumor(rumor, "alice")
	if e.EventID != "id" || e.PubKey != "pk" || e.Timestamp != 42 || e.Author != "alice" || e.Content != "hi" {
		t.Errorf("FromRumor = %+v", e)
	}
}
