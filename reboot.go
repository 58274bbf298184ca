package watchdog

import (
	"log/slog"
)

// Rebooter restarts the host. Implementations fire and forget.
type Rebooter interface {
	Reboot() error
}

// ShutdownRebooter runs the platform shutdown command without waiting for it.
type ShutdownRebooter struct{}

func (ShutdownRebooter) Reboot() error {
	cmd := rebootCommand()
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// LogRebooter only records the reboot decision. Used with --no-reboot.
type LogRebooter struct{}

func (LogRebooter) Reboot() error {
	slog.Warn("Host reboot requested; skipped because rebooting is disabled")
	return nil
}
