package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()
	if filepath.Base(path) != "server.log" {
		t.Errorf("DefaultLogPath should end with server.log, got: %s", path)
	}
	if !strings.Contains(path, ".cardindex") {
		t.Errorf("DefaultLogPath should live under .cardindex, got: %s", path)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != "info" {
		t.Errorf("expected level 'info', got: %s", cfg.Level)
	}
	if cfg.MaxSizeMB != 10 || cfg.MaxFiles != 5 {
		t.Errorf("unexpected rotation defaults: %d MB x %d", cfg.MaxSizeMB, cfg.MaxFiles)
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")

	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: logPath})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Debug("work_item_queued", "participant", "9915:acme")
	cleanup()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"work_item_queued"`) {
		t.Errorf("expected JSON record in log, got: %s", data)
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")

	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: logPath})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	cleanup()

	data, _ := os.ReadFile(logPath)
	if strings.Contains(string(data), "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"debug", "DEBUG"},
		{"DEBUG", "DEBUG"},
		{"info", "INFO"},
		{"", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input).String(); got != tc.expected {
			t.Errorf("ParseLevel(%q) = %s, want %s", tc.input, got, tc.expected)
		}
	}
}

func TestValidLevel(t *testing.T) {
	if !ValidLevel("Warn") {
		t.Error("Warn should be valid")
	}
	if ValidLevel("verbose") {
		t.Error("verbose should be invalid")
	}
}

func TestFindLogFile(t *testing.T) {
	if _, err := FindLogFile("/nonexistent/path/to/log.log"); err == nil {
		t.Error("expected error for nonexistent file")
	}

	logPath := filepath.Join(t.TempDir(), "x.log")
	if err := os.WriteFile(logPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	found, err := FindLogFile(logPath)
	if err != nil || found != logPath {
		t.Errorf("FindLogFile(%s) = %s, %v", logPath, found, err)
	}
}

func TestEnsureLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := EnsureLogDir(dir); err != nil {
		t.Fatalf("EnsureLogDir: %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("expected directory %s", dir)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")

	w, err := NewRotatingWriter(logPath, 1, 3)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer func() { _ = w.Close() }()
	w.SetSyncEachWrite(false)

	line := []byte(strings.Repeat("x", 1023) + "\n")
	// ~2.5MB forces at least two rotations with a 1MB cap.
	for i := 0; i < 2600; i++ {
		if _, err := w.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, p := range []string{logPath, logPath + ".1", logPath + ".2"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}
	info, _ := os.Stat(logPath)
	if info.Size() > 1024*1024 {
		t.Errorf("active file exceeds cap: %d", info.Size())
	}
}

func TestRotatingWriter_MaxFilesLimit(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")

	w, err := NewRotatingWriter(logPath, 1, 2)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer func() { _ = w.Close() }()
	w.SetSyncEachWrite(false)

	chunk := []byte(strings.Repeat("y", 600*1024))
	for i := 0; i < 10; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("backup beyond MaxFiles should not exist")
	}
	if _, err := os.Stat(logPath + ".2"); err != nil {
		t.Errorf("expected .2 backup: %v", err)
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "server.log"), 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if _, err := w.Write([]byte("late\n")); err == nil {
		t.Error("expected error writing to closed writer")
	}
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "server.log")
	w, err := NewRotatingWriter(logPath, 10, 2)
	if err != nil {
		t.Fatal(err)
	}
	w.SetSyncEachWrite(false)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = fmt.Fprintf(w, "g%d line %d\n", g, i)
			}
		}(g)
	}
	wg.Wait()
	_ = w.Close()

	data, _ := os.ReadFile(logPath)
	if got := strings.Count(string(data), "\n"); got != 800 {
		t.Errorf("expected 800 lines, got %d", got)
	}
}

const sampleLog = `{"time":"2026-03-01T10:00:00.000Z","level":"INFO","msg":"work_item_queued","participant":"9915:acme","action":"CREATE_OR_UPDATE"}
{"time":"2026-03-01T10:00:01.000Z","level":"WARN","msg":"work_item_failed","participant":"9915:acme","error":"card not found"}
not json at all
{"time":"2026-03-01T10:00:02.000Z","level":"ERROR","msg":"retry_entry_expired","participant":"0088:other"}
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.log")
	if err := os.WriteFile(path, []byte(sampleLog), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseLine(t *testing.T) {
	e := ParseLine(`{"time":"2026-03-01T10:00:00Z","level":"INFO","msg":"hi","participant":"p1","count":2}`)
	if !e.Valid || e.Msg != "hi" || e.Participant != "p1" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if _, ok := e.Attrs["participant"]; ok {
		t.Error("participant should not be duplicated in attrs")
	}
	if e.Attrs["count"] != float64(2) {
		t.Errorf("count attr = %v", e.Attrs["count"])
	}

	raw := ParseLine("plain text")
	if raw.Valid || raw.Raw != "plain text" {
		t.Errorf("unexpected raw entry: %+v", raw)
	}
}

func TestViewer_TailFilters(t *testing.T) {
	path := writeSample(t)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 4},
		{"warn and above", Filter{Level: "warn"}, 2},
		{"participant", Filter{Participant: "9915:acme"}, 2},
		{"pattern", Filter{Pattern: regexp.MustCompile("expired")}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			v := NewViewer(tc.filter, true, os.Stdout)
			entries, err := v.Tail(path, 100)
			if err != nil {
				t.Fatalf("Tail: %v", err)
			}
			if len(entries) != tc.want {
				t.Errorf("got %d entries, want %d", len(entries), tc.want)
			}
		})
	}
}

func TestViewer_TailLastN(t *testing.T) {
	v := NewViewer(Filter{}, true, os.Stdout)
	entries, err := v.Tail(writeSample(t), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "retry_entry_expired" {
		t.Errorf("unexpected tail: %+v", entries)
	}
}

func TestViewer_FormatNoColor(t *testing.T) {
	v := NewViewer(Filter{}, true, os.Stdout)
	e := ParseLine(`{"time":"2026-03-01T10:00:01.000Z","level":"WARN","msg":"work_item_failed","participant":"9915:acme","error":"boom"}`)

	got := v.Format(e)
	if !strings.Contains(got, "WARN  [9915:acme] work_item_failed error=boom") {
		t.Errorf("unexpected format: %q", got)
	}
	if v.Format(ParseLine("raw")) != "raw" {
		t.Error("invalid lines should render raw")
	}
}

func TestViewer_Follow(t *testing.T) {
	path := writeSample(t)
	v := NewViewer(Filter{Participant: "p-new"}, true, os.Stdout)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	entries := make(chan Entry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()

	// Give Follow time to seek to the end.
	time.Sleep(150 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"time":"2026-03-01T10:00:03Z","level":"INFO","msg":"other","participant":"p-old"}` + "\n")
	_, _ = f.WriteString(`{"time":"2026-03-01T10:00:04Z","level":"INFO","msg":"work_item_executed","participant":"p-new"}` + "\n")
	_ = f.Close()

	select {
	case e := <-entries:
		if e.Msg != "work_item_executed" {
			t.Errorf("unexpected entry: %+v", e)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed entry")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Follow returned %v", err)
	}
}
