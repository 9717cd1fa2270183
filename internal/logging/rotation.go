package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/qsched/qsched/internal/errors"
)

// RotationConfig bounds the size of the log file in the state directory.
type RotationConfig struct {
	// MaxSizeMB is the size at which the live file is archived. 0 never rotates.
	MaxSizeMB int
	// MaxBackups is how many archives are kept. With 0 the live file is
	// truncated instead of archived.
	MaxBackups int
}

// DefaultRotationConfig returns the limits used when nothing is configured.
func DefaultRotationConfig() RotationConfig {
	return RotationConfig{MaxSizeMB: 10, MaxBackups: 3}
}

// ArchivePath returns the path of the n-th archive of the log file at path:
// qsched.log becomes qsched.1.log, qsched.2.log and so on, newest first.
func ArchivePath(path string, n int) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + strconv.Itoa(n) + ext
}

// LogFiles lists the log files of stateDir in the order they were written:
// the oldest archive first and the live file last. Missing files are skipped.
func LogFiles(stateDir string) []string {
	live := filepath.Join(stateDir, LogFileName)

	var archives []string
	for n := 1; ; n++ {
		p := ArchivePath(live, n)
		if _, err := os.Stat(p); err != nil {
			break
		}
		archives = append([]string{p}, archives...)
	}
	if _, err := os.Stat(live); err == nil {
		archives = append(archives, live)
	}
	return archives
}

// RotatingWriter appends to a log file and archives it once a write would
// take it past the size limit. It is safe for concurrent use.
type RotatingWriter struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens path for appending, creating it and its directory
// when missing.
func NewRotatingWriter(path string, cfg RotationConfig) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	w := &RotatingWriter{
		path:  path,
		limit: int64(cfg.MaxSizeMB) << 20,
		keep:  cfg.MaxBackups,
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

// open (re)opens the live file with the extra flag mode. Caller holds mu.
func (w *RotatingWriter) open(mode int) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return errors.Wrap(err, "open log file")
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.Wrap(err, "stat log file")
	}
	w.file, w.size = f, info.Size()
	return nil
}

// Write implements io.Writer. A failed rotation is reported on stderr and
// the line still goes to whichever file is open.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "qsched: log rotation: %v\n", err)
			if w.file == nil {
				return 0, err
			}
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate moves every archive up one slot, the oldest being overwritten,
// and starts a fresh live file. Caller holds mu.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return errors.Wrap(err, "close log file")
	}
	w.file = nil

	if w.keep <= 0 {
		return w.open(os.O_TRUNC)
	}
	for n := w.keep; n > 0; n-- {
		src := w.path
		if n > 1 {
			src = ArchivePath(w.path, n-1)
		}
		if err := os.Rename(src, ArchivePath(w.path, n)); err != nil && !os.IsNotExist(err) {
			return errors.Join(errors.Wrapf(err, "archive %s", src), w.open(os.O_APPEND))
		}
	}
	return w.open(os.O_APPEND)
}

// Close syncs and closes the live file. Writes after Close fail with
// os.ErrClosed; closing twice is a no-op.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	return errors.Join(f.Sync(), f.Close())
}
