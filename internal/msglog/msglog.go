// Package msglog keeps a plain-text transcript per room, one message per line.
package msglog

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

const timeLayout = "2006-01-02 15:04:05"

// Entry is one logged message.
type Entry struct {
	Timestamp nostr.Timestamp
	EventID   string
	PubKey    string
	Author    string
	Content   string
}

// FromRumor builds an entry for a decrypted message.
func FromRumor(rumor nostr.Event, author string) Entry {
	return Entry{
		Timestamp: rumor.CreatedAt,
		EventID:   rumor.ID,
		PubKey:    rumor.PubKey,
		Author:    author,
		Content:   rumor.Content,
	}
}

// Log writes transcripts below Dir. A Log with an empty Dir does nothing.
type Log struct {
	Dir    string
	logger *slog.Logger
}

func New(dir string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{Dir: dir, logger: logger.With("component", "msglog")}
}

// escape escapes backslashes, newlines and tabs for single-line storage.
// Backslash goes first so nothing is escaped twice.
func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

func unescape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	i := 0
	for i < len(s) {
		if i+1 < len(s) && s[i] == '\\' {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i += 2
				continue
			case 't':
				b.WriteByte('\t')
				i += 2
				continue
			case '\\':
				b.WriteByte('\\')
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// Path is the transcript file of a room.
func (l *Log) Path(roomID uint64) string {
	return filepath.Join(l.Dir, fmt.Sprintf("room_%016x.log", roomID))
}

// Append adds e to the room's transcript.
func (l *Log) Append(roomID uint64, e Entry) error {
	if l.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(l.Dir, 0o700); err != nil {
		return fmt.Errorf("msglog: create dir: %w", err)
	}

	path := l.Path(roomID)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("msglog: open %s: %w", path, err)
	}
	defer f.Close()

	ts := time.Unix(int64(e.Timestamp), 0).UTC().Format(timeLayout)
	line := fmt.Sprintf("%s\t%s\t%s\t%s\t%s\n", ts, e.EventID, e.PubKey, escape(e.Author), escape(e.Content))
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("msglog: write %s: %w", path, err)
	}
	return nil
}

// Load returns the last max entries of the room's transcript, oldest first.
// A missing transcript is not an error.
func (l *Log) Load(roomID uint64, max int) ([]Entry, error) {
	if l.Dir == "" || max <= 0 {
		return nil, nil
	}

	path := l.Path(roomID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("msglog: open %s: %w", path, err)
	}
	defer f.Close()

	lines, err := lastLines(f, max)
	if err != nil {
		return nil, fmt.Errorf("msglog: read %s: %w", path, err)
	}

	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, err := parseLine(line)
		if err != nil {
			l.logger.Warn("Load: skipping malformed line", "path", path, "err", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// lastLines reads the last n non-empty lines by seeking backward in chunks.
func lastLines(f *os.File, n int) ([]string, error) {
	const chunkSize = 8192

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size == 0 {
		return nil, nil
	}

	var buf []byte
	offset := size
	found := 0
	for offset > 0 && found <= n {
		readSize := min(int64(chunkSize), offset)
		offset -= readSize

		chunk := make([]byte, readSize)
		if _, err := f.ReadAt(chunk, offset); err != nil && err != io.EOF {
			return nil, err
		}
		buf = append(chunk, buf...)
		for _, b := range chunk {
			if b == '\n' {
				found++
			}
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(string(buf)))
	scanner.Buffer(make([]byte, 0, 64*1024), len(buf)+1)
	var lines []string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func parseLine(line string) (Entry, error) {
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 5 {
		return Entry{}, fmt.Errorf("expected 5 tab-separated fields, got %d", len(parts))
	}
	ts, err := time.Parse(timeLayout, parts[0])
	if err != nil {
		return Entry{}, fmt.Errorf("invalid timestamp %q: %w", parts[0], err)
	}
	return Entry{
		Timestamp: nostr.Timestamp(ts.Unix()),
		EventID:   parts[1],
		PubKey:    parts[2],
		Author:    unescape(parts[3]),
		Content:   unescape(parts[4]),
	}, nil
}
