//go:build unix

package claudeproc

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// it and any children it spawns can be killed together.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
