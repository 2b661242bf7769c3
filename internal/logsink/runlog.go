package logsink

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
)

// RunLog is the single writer of one run's log file. Raw process output and
// structured records from Logger share the same file.
type RunLog struct {
	sink    *Sink
	path    string
	maxSize int64

	mu     sync.Mutex
	file   *os.File
	size   int64
	closed bool

	loggerOnce sync.Once
	logger     *slog.Logger
}

// Path returns the active file path.
func (l *RunLog) Path() string { return l.path }

// Write appends p, rotating first when p would push the file over the size limit.
func (l *RunLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fs.ErrClosed
	}
	if l.maxSize > 0 && l.size > 0 && l.size+int64(len(p)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := l.file.Write(p)
	l.size += int64(n)
	return n, err
}

// Logger returns a text logger that writes into this run log.
func (l *RunLog) Logger() *slog.Logger {
	l.loggerOnce.Do(func() {
		l.logger = slog.New(slog.NewTextHandler(l, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})
	return l.logger
}

// Close closes the file and makes it eligible for the retention sweep.
func (l *RunLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.sink.release(l.path)
	return l.file.Close()
}

// rotate renames the active file with a timestamp suffix and continues in a
// fresh file at the original path. Caller holds l.mu.
func (l *RunLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log for rotation: %w", err)
	}
	stamp := l.sink.now().Format(stampLayout)
	backup := l.path + "." + stamp
	for i := 1; ; i++ {
		if _, err := os.Stat(backup); errors.Is(err, fs.ErrNotExist) {
			break
		}
		backup = fmt.Sprintf("%s.%s_%d", l.path, stamp, i)
	}
	if err := os.Rename(l.path, backup); err != nil {
		return fmt.Errorf("rotate log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen log after rotation: %w", err)
	}
	l.file = f
	l.size = 0
	return nil
}
