package ralph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Kind tags an iteration log line.
type Kind string

// Iteration log kinds.
const (
	KindStart   Kind = "START"
	KindEnd     Kind = "END"
	KindFail    Kind = "FAIL"
	KindTimeout Kind = "TIMEOUT"
	KindDone    Kind = "DONE"
	KindPause   Kind = "PAUSE"
)

// Field is one key=value pair of a log line.
type Field struct {
	Key   string
	Value string
}

// F builds a Field, formatting v with %v.
func F(key string, v any) Field {
	return Field{Key: key, Value: fmt.Sprint(v)}
}

// Entry is a parsed iteration log line.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Fields []Field
}

// Get returns the value of key, or "".
func (e Entry) Get(key string) string {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// IterationLog appends `<RFC3339> [KIND] key=value ...` lines to
// ralph/<name>/iterations.log. Appends from separate processes interleave
// by whole lines.
type IterationLog struct {
	path string
	now  func() time.Time
}

// NewIterationLog returns a log writing to path.
func NewIterationLog(path string) *IterationLog {
	return &IterationLog{path: path, now: time.Now}
}

// Path returns the file the log appends to.
func (l *IterationLog) Path() string { return l.path }

// Append writes one line and returns it without the trailing newline.
func (l *IterationLog) Append(kind Kind, fields ...Field) (string, error) {
	line := FormatLine(l.now(), kind, fields...)
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return line, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // path comes from config
	if err != nil {
		return line, fmt.Errorf("open iteration log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return line, fmt.Errorf("append iteration log: %w", err)
	}
	return line, nil
}

// FormatLine renders a log line.
func FormatLine(t time.Time, kind Kind, fields ...Field) string {
	var b strings.Builder
	b.WriteString(t.UTC().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(string(kind))
	b.WriteString("]")
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(quote(f.Value))
	}
	return b.String()
}

// formatFields renders only the key=value part, used as an event payload.
func formatFields(fields []Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f.Key+"="+quote(f.Value))
	}
	return strings.Join(parts, " ")
}

// ParseLine parses a line written by FormatLine.
func ParseLine(line string) (Entry, error) {
	ts, rest, ok := strings.Cut(line, " ")
	if !ok {
		return Entry{}, fmt.Errorf("malformed log line %q", line)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed timestamp in %q: %w", line, err)
	}
	if !strings.HasPrefix(rest, "[") {
		return Entry{}, fmt.Errorf("missing kind in %q", line)
	}
	kind, rest, ok := strings.Cut(rest[1:], "]")
	if !ok {
		return Entry{}, fmt.Errorf("missing kind in %q", line)
	}
	e := Entry{Time: t, Kind: Kind(kind)}
	for _, tok := range splitFields(strings.TrimSpace(rest)) {
		k, v, _ := strings.Cut(tok, "=")
		if strings.HasPrefix(v, `"`) {
			if uq, err := strconv.Unquote(v); err == nil {
				v = uq
			}
		}
		e.Fields = append(e.Fields, Field{Key: k, Value: v})
	}
	return e, nil
}

// splitFields splits on spaces outside double quotes.
func splitFields(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote, escaped := false, false
	for _, r := range s {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && inQuote:
			escaped = true
		case r == '"':
			inQuote = !inQuote
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// ReadLog returns every parseable entry in path. A missing file is empty.
func ReadLog(path string) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open iteration log: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		e, err := ParseLine(sc.Text())
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read iteration log: %w", err)
	}
	return out, nil
}

// Tail returns the last n raw lines of path (all of them when n <= 0).
func Tail(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read iteration log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// followPoll is the safety-net poll for Follow when no fs event arrives.
const followPoll = 2 * time.Second

// Follow copies bytes appended to path after offset into w until ctx is
// cancelled. The parent directory is watched with fsnotify, so the file may
// not exist yet. A truncated file is read again from the start.
func Follow(ctx context.Context, path string, offset int64, w io.Writer) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	pos := offset
	for {
		if pos, err = copyFrom(path, pos, w); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		case <-ticker.C:
		}
	}
}

// copyFrom writes path[pos:] to w and returns the new position.
func copyFrom(path string, pos int64, w io.Writer) (int64, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from config
	if errors.Is(err, os.ErrNotExist) {
		return pos, nil
	}
	if err != nil {
		return pos, fmt.Errorf("open iteration log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return pos, fmt.Errorf("stat iteration log: %w", err)
	}
	if info.Size() < pos {
		pos = 0
	}
	if info.Size() == pos {
		return pos, nil
	}
	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return pos, fmt.Errorf("seek iteration log: %w", err)
	}
	n, err := io.Copy(w, f)
	if err != nil {
		return pos + n, fmt.Errorf("copy iteration log: %w", err)
	}
	return pos + n, nil
}

// quote keeps a value on one line: separators and anything unprintable,
// newlines included, force a quoted form.
func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \"=") || strings.IndexFunc(s, unprintable) >= 0 {
		return strconv.Quote(s)
	}
	return s
}

func unprintable(r rune) bool { return !strconv.IsPrint(r) }

