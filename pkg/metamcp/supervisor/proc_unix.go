//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr puts the child in its own process group so signals reach
// any grandchildren it spawns.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTerm sends SIGTERM to the child's process group.
func signalTerm(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// signalKill sends SIGKILL to the child's process group.
func signalKill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

func signalGroup(pid int, sig syscall.Signal) error {
	// Negative pid addresses the whole process group.
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	// Fall back to the single process if the group is gone.
	if errors.Is(err, syscall.EPERM) {
		return syscall.Kill(pid, sig)
	}
	return err
}
