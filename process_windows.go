//go:build windows

package watchdog

import (
	"os"
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// Windows has no SIGTERM; both paths kill the process.
func terminateGroup(pid int) error {
	return killGroup(pid)
}

func killGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func rebootCommand() *exec.Cmd {
	return exec.Command("shutdown", "/r", "/t", "1")
}
