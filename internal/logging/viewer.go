package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
)

// Entry is one parsed JSON log line.
type Entry struct {
	Time        time.Time
	Level       string
	Msg         string
	Participant string
	Attrs       map[string]any
	Raw         string
	Valid       bool
}

// Filter selects entries for display. Zero values match everything.
type Filter struct {
	Level       string
	Participant string
	Pattern     *regexp.Regexp
}

// Viewer reads and renders daemon logs.
type Viewer struct {
	filter  Filter
	noColor bool
	out     io.Writer
}

var (
	styleDebug = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	styleInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleID    = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
)

// NewViewer creates a viewer writing to out.
func NewViewer(filter Filter, noColor bool, out io.Writer) *Viewer {
	return &Viewer{filter: filter, noColor: noColor, out: out}
}

// Tail returns the matching entries among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var entries []Entry
	for _, line := range ring {
		if e := ParseLine(line); v.Matches(e) {
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

// Follow streams new matching entries appended to path until ctx is done.
func (v *Viewer) Follow(ctx context.Context, path string, entries chan<- Entry) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				// Incomplete line; finish it on the next tick.
				partial += chunk
				break
			}
			line := strings.TrimSuffix(partial+chunk, "\n")
			partial = ""
			if line == "" {
				continue
			}
			e := ParseLine(line)
			if !v.Matches(e) {
				continue
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// ParseLine parses a JSON log line. Lines that are not JSON are kept raw.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return e
	}
	e.Valid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			e.Time = parsed
		}
	}
	e.Level, _ = data["level"].(string)
	e.Msg, _ = data["msg"].(string)
	e.Participant, _ = data["participant"].(string)

	e.Attrs = make(map[string]any, len(data))
	for k, val := range data {
		switch k {
		case "time", "level", "msg", "participant":
		default:
			e.Attrs[k] = val
		}
	}
	return e
}

// Matches reports whether e passes the viewer's filter.
func (v *Viewer) Matches(e Entry) bool {
	if v.filter.Level != "" && ParseLevel(e.Level) < ParseLevel(v.filter.Level) {
		return false
	}
	if v.filter.Participant != "" && e.Participant != v.filter.Participant {
		return false
	}
	if v.filter.Pattern != nil && !v.filter.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

// Format renders e as a single line.
func (v *Viewer) Format(e Entry) string {
	if !e.Valid {
		return e.Raw
	}

	var sb strings.Builder
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteByte(' ')
	sb.WriteString(v.level(e.Level))
	sb.WriteByte(' ')
	if e.Participant != "" {
		sb.WriteString(v.paint(styleID, "["+e.Participant+"]"))
		sb.WriteByte(' ')
	}
	sb.WriteString(e.Msg)

	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Attrs[k])
	}
	return sb.String()
}

// Print writes entries to the viewer's output.
func (v *Viewer) Print(entries []Entry) {
	for _, e := range entries {
		_, _ = fmt.Fprintln(v.out, v.Format(e))
	}
}

func (v *Viewer) level(level string) string {
	label := strings.ToUpper(level)
	if len(label) > 5 {
		label = label[:5]
	}
	label = fmt.Sprintf("%-5s", label)

	switch ParseLevel(level) {
	case slog.LevelDebug:
		return v.paint(styleDebug, label)
	case slog.LevelWarn:
		return v.paint(styleWarn, label)
	case slog.LevelError:
		return v.paint(styleError, label)
	default:
		return v.paint(styleInfo, label)
	}
}

func (v *Viewer) paint(style lipgloss.Style, s string) string {
	if v.noColor {
		return s
	}
	return style.Render(s)
}
