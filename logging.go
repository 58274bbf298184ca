package watchdog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/natefinch/lumberjack"
)

// SetupLogging sends slog output to stdout and to a rotating file at
// logPath.
func SetupLogging(logPath string, verbose bool) error {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create log dir %q: %w", dir, err)
	}
	fileLogger := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	mw := io.MultiWriter(os.Stdout, fileLogger)
	handler := slog.NewTextHandler(mw, &slog.HandlerOptions{AddSource: false, Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

// AcquireInstanceLock takes an exclusive lock on path so only one watchdog
// supervises a given settings file.
func AcquireInstanceLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrAlreadyLocked)
	}
	return lock, nil
}
