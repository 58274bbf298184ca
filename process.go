package watchdog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const graceTimeout = 5 * time.Second

// ProcessHandle is a spawned supervised process.
type ProcessHandle interface {
	Pid() int
	// Alive reports whether the process has not exited yet. It never blocks.
	Alive() bool
	// Terminate stops the process. Terminating a process that already exited
	// returns nil.
	Terminate() error
}

// Launcher spawns the supervised executable.
type Launcher interface {
	Launch(path string, args, env []string) (ProcessHandle, error)
}

// ExecLauncher starts processes with os/exec. Child output goes to Output
// when set, to the watchdog's own stdout/stderr otherwise.
type ExecLauncher struct {
	Output io.Writer
	Grace  time.Duration
}

func (l ExecLauncher) Launch(path string, args, env []string) (ProcessHandle, error) {
	if path == "" {
		return nil, &SpawnError{Path: path, Err: errNoExecutable}
	}
	cmd := exec.Command(path, args...)
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = sysProcAttr()
	if l.Output != nil {
		cmd.Stdout = io.MultiWriter(os.Stdout, l.Output)
		cmd.Stderr = io.MultiWriter(os.Stderr, l.Output)
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Path: path, Err: err}
	}
	grace := l.Grace
	if grace <= 0 {
		grace = graceTimeout
	}
	p := &execProcess{pid: cmd.Process.Pid, grace: grace, done: make(chan struct{})}
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Info("Child exited", slog.Int("pid", p.pid), slog.String("err", err.Error()))
		} else {
			slog.Info("Child exited cleanly", slog.Int("pid", p.pid))
		}
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	pid   int
	grace time.Duration
	done  chan struct{}
	mu    sync.Mutex
}

func (p *execProcess) Pid() int { return p.pid }

func (p *execProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Terminate asks the process group to stop and escalates to a kill when the
// process outlives the grace timeout.
func (p *execProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.Alive() {
		return nil
	}
	if err := terminateGroup(p.pid); err != nil {
		if !p.Alive() {
			return nil
		}
		if killErr := killGroup(p.pid); killErr != nil && p.Alive() {
			return fmt.Errorf("terminating pid %d: %w", p.pid, err)
		}
	}
	select {
	case <-p.done:
		slog.Info("Child terminated gracefully", slog.Int("pid", p.pid))
		return nil
	case <-time.After(p.grace):
	}
	slog.Warn("Child did not exit in time; killing", slog.Int("pid", p.pid))
	if err := killGroup(p.pid); err != nil && p.Alive() {
		return fmt.Errorf("killing pid %d: %w", p.pid, err)
	}
	<-p.done
	return nil
}
