package logsink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultRetention     = 7 * 24 * time.Hour
	defaultMaxSize       = 10 << 20
	defaultSweepInterval = 24 * time.Hour

	stampLayout = "20060102_150405"
)

var (
	// ErrOutsideDir is returned when a path does not live under the sink directory.
	ErrOutsideDir = errors.New("path is outside the log directory")
	// ErrInUse is returned when deleting a log that a run still writes to.
	ErrInUse = errors.New("log file is still open")
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Config controls where run logs live and how long they are kept.
type Config struct {
	Dir           string
	Retention     time.Duration
	MaxSize       int64
	SweepInterval time.Duration
}

// LogFile describes a log file on disk.
type LogFile struct {
	Filename   string    `json:"filename"`
	Path       string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Sink owns the run log directory: it hands out per-run writers, serves reads
// and removes expired files.
type Sink struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	open map[string]struct{}
}

// New creates the log directory if needed and returns a sink rooted there.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, errors.New("log dir is required")
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve log dir: %w", err)
	}
	cfg.Dir = dir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure log dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		open:   make(map[string]struct{}),
	}, nil
}

// Dir returns the absolute log directory.
func (s *Sink) Dir() string { return s.cfg.Dir }

// OpenRunLog creates a fresh log file for one run of a task. The file name is
// derived from the task id, the task name and the creation time.
func (s *Sink) OpenRunLog(taskID, taskName string) (*RunLog, string, error) {
	base := fmt.Sprintf("task_%s_%s_%s", sanitize(taskID), sanitize(taskName), s.now().Format(stampLayout))
	for attempt := 0; attempt < 100; attempt++ {
		name := base + ".log"
		if attempt > 0 {
			name = fmt.Sprintf("%s_%d.log", base, attempt)
		}
		path := filepath.Join(s.cfg.Dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("create run log: %w", err)
		}
		s.acquire(path)
		return &RunLog{sink: s, path: path, file: f, maxSize: s.cfg.MaxSize}, path, nil
	}
	return nil, "", fmt.Errorf("create run log: too many logs named %s", base)
}

// ReadContent returns the log content, or only its last tail lines when tail > 0.
func (s *Sink) ReadContent(path string, tail int) (string, error) {
	full, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return tailLines(string(data), tail), nil
}

// Stats returns metadata for a single log file.
func (s *Sink) Stats(path string) (LogFile, error) {
	full, err := s.resolve(path)
	if err != nil {
		return LogFile{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return LogFile{}, err
	}
	return LogFile{Filename: info.Name(), Path: full, SizeBytes: info.Size(), ModifiedAt: info.ModTime()}, nil
}

// Delete removes a log file. It reports false when the file did not exist.
// Logs still open for writing are refused with ErrInUse.
func (s *Sink) Delete(path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	if s.isOpen(full) {
		return false, ErrInUse
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListAll returns every log file, rotated backups included, newest first.
func (s *Sink) ListAll() ([]LogFile, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("read log dir: %w", err)
	}
	logs := make([]LogFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !isLogName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, LogFile{
			Filename:   entry.Name(),
			Path:       filepath.Join(s.cfg.Dir, entry.Name()),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].ModifiedAt.After(logs[j].ModifiedAt) })
	return logs, nil
}

// SweepExpired deletes log files last modified before the retention window.
// Files still open for writing are skipped.
func (s *Sink) SweepExpired() (int, error) {
	logs, err := s.ListAll()
	if err != nil {
		return 0, err
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	deleted := 0
	for _, lf := range logs {
		if !lf.ModifiedAt.Before(cutoff) || s.isOpen(lf.Path) {
			continue
		}
		if err := os.Remove(lf.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("remove expired log", "path", lf.Path, "err", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("removed expired run logs", "count", deleted, "retention", s.cfg.Retention)
	}
	return deleted, nil
}

// Run sweeps once immediately and then every SweepInterval until ctx is done.
func (s *Sink) Run(ctx context.Context) {
	if _, err := s.SweepExpired(); err != nil {
		s.logger.Error("sweep run logs", "err", err)
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(); err != nil {
				s.logger.Error("sweep run logs", "err", err)
			}
		}
	}
}

func (s *Sink) resolve(path string) (string, error) {
	if path == "" {
		return "", ErrOutsideDir
	}
	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.cfg.Dir, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.cfg.Dir, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || strings.ContainsRune(rel, filepath.Separator) {
		return "", ErrOutsideDir
	}
	return full, nil
}

func (s *Sink) acquire(path string) {
	s.mu.Lock()
	s.open[path] = struct{}{}
	s.mu.Unlock()
}

func (s *Sink) release(path string) {
	s.mu.Lock()
	delete(s.open, path)
	s.mu.Unlock()
}

func (s *Sink) isOpen(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.open[path]
	return ok
}

func sanitize(v string) string {
	v = strings.Trim(unsafeName.ReplaceAllString(v, "_"), "_")
	if v == "" {
		return "task"
	}
	if len(v) > 64 {
		v = v[:64]
	}
	return v
}

func isLogName(name string) bool {
	return strings.HasSuffix(name, ".log") || strings.Contains(name, ".log.")
}

func tailLines(content string, tail int) string {
	if tail <= 0 {
		return content
	}
	trimmed := strings.TrimSuffix(content, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= tail {
		return content
	}
	return strings.Join(lines[len(lines)-tail:], "\n") + "\n"
}
