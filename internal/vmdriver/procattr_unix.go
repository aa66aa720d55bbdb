//go:build !windows

package vmdriver

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setNewProcessGroup puts the VBoxManage child in its own session so that
// killing it on timeout also reaps any grandchildren it spawned (e.g. a
// guestcontrol helper process), instead of orphaning them.
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// killProcessGroup sends SIGKILL to the whole process group rooted at pid.
func killProcessGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
