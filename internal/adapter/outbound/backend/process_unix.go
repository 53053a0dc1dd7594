//go:build unix

package backend

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the backend in its own process group so termination
// signals reach any children it spawns.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateProcessGroup asks the backend's process group to exit. A missing
// group means the process already exited, which is not an error.
func terminateProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// killProcessGroup forcibly ends the backend's process group.
func killProcessGroup(pid int) error {
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
