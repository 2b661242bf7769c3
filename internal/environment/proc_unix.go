//go:build unix

package environment

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// killOnCancel puts the probe in its own process group so a timeout also
// reaches whatever pip spawned.
func killOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}
