//go:build windows

package vmdriver

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// setNewProcessGroup puts the VBoxManage child in its own process group so
// that killing it on timeout also reaps any grandchildren it spawned.
func setNewProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// killProcessGroup terminates the VBoxManage process itself; unlike the
// Unix variant it does not terminate any grandchildren it spawned.
func killProcessGroup(pid int) {
	if p, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid)); err == nil {
		_ = windows.TerminateProcess(p, 1)
		_ = windows.CloseHandle(p)
	}
}
