package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const megabyte = 1024 * 1024

// RotatingWriter is an io.WriteCloser over a log file that is rolled over
// once it would grow past maxBytes. Backups are named
// <base>-<yyyymmdd-hhmmss>.<seq><ext> so two rotations in the same second
// never collide, and they sort oldest first by name.
type RotatingWriter struct {
	mu   sync.Mutex
	file *os.File
	size int64
	seq  int

	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	now        func() time.Time
}

// NewRotatingWriter opens (or creates) path for appending. maxBackups <= 0
// keeps every backup; maxAgeDays <= 0 disables age-based pruning.
func NewRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*RotatingWriter, error) {
	rw := &RotatingWriter{
		path:       path,
		maxBytes:   int64(maxSizeMB) * megabyte,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		now:        time.Now,
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *RotatingWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	rw.file = f
	rw.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push the file past the limit.
// A single record larger than the limit is still written whole.
func (rw *RotatingWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if rw.file == nil {
		return 0, os.ErrClosed
	}
	if rw.size > 0 && rw.size+int64(len(p)) > rw.maxBytes {
		if err := rw.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := rw.file.Write(p)
	rw.size += int64(n)
	return n, err
}

// Close closes the current file. Later writes fail with os.ErrClosed.
func (rw *RotatingWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}

// Backups lists rotated files for this writer, oldest first.
func (rw *RotatingWriter) Backups() ([]string, error) {
	dir, prefix, ext := rw.parts()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == filepath.Base(rw.path) {
			continue
		}
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ext) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (rw *RotatingWriter) parts() (dir, prefix, ext string) {
	ext = filepath.Ext(rw.path)
	base := strings.TrimSuffix(filepath.Base(rw.path), ext)
	if ext == "" {
		ext = ".log"
	}
	return filepath.Dir(rw.path), base + "-", ext
}

func (rw *RotatingWriter) rotate() error {
	if err := rw.file.Close(); err != nil {
		return fmt.Errorf("closing log file: %w", err)
	}
	rw.file = nil

	dir, prefix, ext := rw.parts()
	rw.seq++
	name := fmt.Sprintf("%s%s.%04d%s", prefix, rw.now().UTC().Format("20060102-150405"), rw.seq%10000, ext)
	if err := os.Rename(rw.path, filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		// Keep logging into the same file rather than losing records.
		if oerr := rw.open(); oerr != nil {
			return oerr
		}
		return fmt.Errorf("rotating log file: %w", err)
	}
	if err := rw.open(); err != nil {
		return err
	}
	rw.prune()
	return nil
}

// prune removes backups beyond maxBackups and those older than maxAge.
// Errors are ignored; a stale backup is not worth failing a write over.
func (rw *RotatingWriter) prune() {
	backups, err := rw.Backups()
	if err != nil {
		return
	}
	dir := filepath.Dir(rw.path)

	if rw.maxBackups > 0 {
		for len(backups) > rw.maxBackups {
			os.Remove(filepath.Join(dir, backups[0])) //nolint:errcheck
			backups = backups[1:]
		}
	}
	if rw.maxAge <= 0 {
		return
	}
	cutoff := rw.now().Add(-rw.maxAge)
	for _, name := range backups {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && info.ModTime().Before(cutoff) {
			os.Remove(p) //nolint:errcheck
		}
	}
}
