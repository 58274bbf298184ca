package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const defaultSettleDelay = 10 * time.Second

// Sweeper removes instances of the supervised executable that were not
// started by this watchdog.
type Sweeper interface {
	// Find lists host processes matching the executable and arguments.
	Find(ctx context.Context, path string, args []string) ([]ProcessInfo, error)
	// Kill force-terminates one process.
	Kill(ctx context.Context, pid int32) error
}

type ProcessInfo struct {
	Pid     int32
	Name    string
	Cmdline []string
}

// ProcessSweeper scans the host process table with gopsutil.
type ProcessSweeper struct{}

// Find matches processes whose name contains the base name of path,
// case-insensitively, and, when args is not empty, whose command line
// contains args[0]. The watchdog's own process is never matched.
func (ProcessSweeper) Find(ctx context.Context, path string, args []string) ([]ProcessInfo, error) {
	want := executableName(path)
	if want == "" {
		return nil, nil
	}
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	self := int32(os.Getpid())
	var found []ProcessInfo
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		// Processes may exit or deny access while being inspected.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cmdline, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			cmdline = nil
		}
		if !matchProcess(want, args, name, cmdline) {
			continue
		}
		found = append(found, ProcessInfo{Pid: p.Pid, Name: name, Cmdline: cmdline})
	}
	return found, nil
}

func (ProcessSweeper) Kill(ctx context.Context, pid int32) error {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}

func matchProcess(want string, args []string, name string, cmdline []string) bool {
	if !strings.Contains(strings.ToLower(name), want) {
		return false
	}
	if len(args) == 0 {
		return true
	}
	return slices.Contains(cmdline, args[0])
}

// executableName strips directories (either separator style) and lowercases.
func executableName(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	base := filepath.Base(path)
	if base == "." || base == "/" {
		return ""
	}
	return strings.ToLower(base)
}

// sweep kills every matching process, pausing settle between kills so the
// OS can release ports and file handles. It returns the number of matches.
func sweep(ctx context.Context, s Sweeper, activity ActivityLog, cfg Config, settle time.Duration) int {
	found, err := s.Find(ctx, cfg.App, cfg.Arguments)
	if err != nil {
		slog.Warn("Process scan failed", slog.String("err", err.Error()))
		return 0
	}
	if len(found) == 0 {
		return 0
	}
	activity.Add(fmt.Sprintf("Process %s is already running, killing it", cfg.App))
	for _, p := range found {
		if err := s.Kill(ctx, p.Pid); err != nil {
			activity.Add(fmt.Sprintf("Error killing the process: %v", err))
		}
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return len(found)
		}
	}
	return len(found)
}
