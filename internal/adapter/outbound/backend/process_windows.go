//go:build windows

package backend

import (
	"errors"
	"os"
	"os/exec"
)

// Windows has no Unix-style process groups, so signals go to the process
// itself and both escalation steps kill it outright.
func setProcessGroup(_ *exec.Cmd) {}

func terminateProcessGroup(pid int) error {
	return killProcess(pid)
}

func killProcessGroup(pid int) error {
	return killProcess(pid)
}

func killProcess(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
