package watchdog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/lumberjack"
)

const defaultActivityLines = 500

// ActivityLog receives human-readable supervision events. It is never
// consulted for control decisions.
type ActivityLog interface {
	Add(msg string)
}

// FileActivity writes "HH:MM:SS - msg" lines to one file per day,
// logs_MM_DD_YYYY.txt, and keeps the most recent lines in memory for the
// status endpoint.
type FileActivity struct {
	mu     sync.Mutex
	dir    string
	day    string
	out    io.Writer
	closer io.Closer
	lines  []string
	max    int
	now    func() time.Time
	failed bool
}

// NewFileActivity writes daily activity files under dir. The directory is
// created when missing.
func NewFileActivity(dir string) (*FileActivity, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating activity dir %s: %w", dir, err)
	}
	a := newActivity(nil)
	a.dir = dir
	return a, nil
}

func newActivity(w io.Writer) *FileActivity {
	return &FileActivity{out: w, max: defaultActivityLines, now: time.Now}
}

// activityFile names the activity file for the day of t.
func activityFile(t time.Time) string {
	return "logs_" + t.Format("01_02_2006") + ".txt"
}

func (a *FileActivity) Add(msg string) {
	slog.Info(msg)

	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	line := fmt.Sprintf("%s - %s", now.Format("15:04:05"), msg)
	a.lines = append(a.lines, line)
	if len(a.lines) > a.max {
		a.lines = append(a.lines[:0], a.lines[len(a.lines)-a.max:]...)
	}
	out := a.writer(now)
	if out == nil {
		return
	}
	if _, err := io.WriteString(out, line+"\n"); err != nil {
		// Report only the first failure of a run of failures.
		if !a.failed {
			slog.Warn("Activity log write failed", slog.String("err", err.Error()))
		}
		a.failed = true
		return
	}
	a.failed = false
}

// writer returns the file for the day of now, switching files at midnight.
func (a *FileActivity) writer(now time.Time) io.Writer {
	if a.dir == "" {
		return a.out
	}
	name := activityFile(now)
	if name == a.day && a.out != nil {
		return a.out
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
	fileLogger := &lumberjack.Logger{
		Filename:   filepath.Join(a.dir, name),
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	a.day, a.out, a.closer = name, fileLogger, fileLogger
	return a.out
}

// Recent returns the buffered lines, oldest first.
func (a *FileActivity) Recent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lines...)
}

func (a *FileActivity) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer == nil {
		return nil
	}
	err := a.closer.Close()
	a.out, a.closer, a.day = nil, nil, ""
	return err
}
