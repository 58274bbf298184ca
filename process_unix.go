//go:build !windows

package watchdog

import (
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func rebootCommand() *exec.Cmd {
	return exec.Command("shutdown", "-r", "now")
}
