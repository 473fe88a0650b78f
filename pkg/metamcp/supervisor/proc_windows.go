//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

// setProcAttr is a no-op on Windows; there are no process groups to
// configure for stdio children.
func setProcAttr(_ *exec.Cmd) {}

// signalTerm kills the process. Windows has no SIGTERM equivalent for
// console children spawned with pipes, so graceful shutdown relies on
// the closed stdin pipe.
func signalTerm(pid int) error {
	return killPid(pid)
}

// signalKill forcefully kills the process.
func signalKill(pid int) error {
	return killPid(pid)
}

func killPid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
