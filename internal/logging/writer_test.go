package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dskow/resilient-client/internal/config"
)

func TestRotatingWriter_CreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")

	rw, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	n, err := rw.Write([]byte("hello\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Fatalf("Write returned %d, want 6", n)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Fatalf("file content = %q, want %q", data, "hello\n")
	}
}

func TestRotatingWriter_RotatesOnSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")

	rw, err := NewRotatingWriter(path, 0, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 100
	defer rw.Close()

	first := strings.Repeat("x", 60)
	second := strings.Repeat("z", 60)
	rw.Write([]byte(first))
	rw.Write([]byte(second))

	backups, err := rw.Backups()
	if err != nil {
		t.Fatalf("Backups: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup, got %v", backups)
	}
	old, _ := os.ReadFile(filepath.Join(filepath.Dir(path), backups[0]))
	if string(old) != first {
		t.Errorf("backup content = %q", old)
	}
	cur, _ := os.ReadFile(path)
	if string(cur) != second {
		t.Errorf("current content = %q", cur)
	}
}

func TestRotatingWriter_SameSecondRotationsDoNotCollide(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")

	rw, err := NewRotatingWriter(path, 0, 10, 0)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	fixed := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	rw.now = func() time.Time { return fixed }
	rw.maxBytes = 10
	defer rw.Close()

	for i := 0; i < 4; i++ {
		rw.Write([]byte(strings.Repeat("a", 8)))
	}

	backups, _ := rw.Backups()
	if len(backups) != 3 {
		t.Fatalf("expected 3 distinct backups, got %v", backups)
	}
	if backups[0] != "client-20261017-093000.0001.log" {
		t.Errorf("unexpected backup name %q", backups[0])
	}
}

func TestRotatingWriter_MaxBackupsEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")

	rw, err := NewRotatingWriter(path, 0, 2, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 50
	defer rw.Close()

	for i := 0; i < 5; i++ {
		rw.Write([]byte(strings.Repeat("y", 40)))
	}

	backups, _ := rw.Backups()
	if len(backups) != 2 {
		t.Errorf("expected 2 backups (maxBackups=2), got %v", backups)
	}
}

func TestRotatingWriter_PrunesByAge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "client.log")

	stale := filepath.Join(dir, "client-20200101-000000.0001.log")
	if err := os.WriteFile(stale, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	long := time.Now().Add(-90 * 24 * time.Hour)
	if err := os.Chtimes(stale, long, long); err != nil {
		t.Fatal(err)
	}

	rw, err := NewRotatingWriter(path, 0, 0, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	rw.maxBytes = 10
	defer rw.Close()

	rw.Write([]byte(strings.Repeat("b", 8)))
	rw.Write([]byte(strings.Repeat("c", 8)))

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("backup older than max age was kept")
	}
	if backups, _ := rw.Backups(); len(backups) != 1 {
		t.Errorf("expected the fresh backup to survive, got %v", backups)
	}
}

func TestRotatingWriter_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "nested", "client.log")

	rw, err := NewRotatingWriter(path, 1, 3, 30)
	if err != nil {
		t.Fatalf("NewRotatingWriter: %v", err)
	}
	defer rw.Close()

	rw.Write([]byte("test"))

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "client.log"), 1, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := rw.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := rw.Write([]byte("x")); !errors.Is(err, os.ErrClosed) {
		t.Errorf("expected os.ErrClosed, got %v", err)
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.log")

	logger, closer, err := New(config.LoggingConfig{Level: "warn", Output: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("cache write failed", "key", "GET|diary.stats|abc")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one record above warn, got %d: %s", len(lines), data)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("record is not JSON: %v", err)
	}
	if rec["msg"] != "cache write failed" || rec["key"] != "GET|diary.stats|abc" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNew_StandardStreams(t *testing.T) {
	for _, out := range []string{"", "stdout", "stderr"} {
		logger, closer, err := New(config.LoggingConfig{Level: "info", Output: out})
		if err != nil {
			t.Fatalf("New(%q): %v", out, err)
		}
		if logger == nil {
			t.Fatalf("New(%q) returned nil logger", out)
		}
		if err := closer.Close(); err != nil {
			t.Errorf("Close(%q): %v", out, err)
		}
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewWithWriter_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelDebug)
	logger.Debug("retrying remote operation", "attempt", 2)
	if !strings.Contains(buf.String(), `"attempt":2`) {
		t.Errorf("debug record missing: %s", buf.String())
	}
}
