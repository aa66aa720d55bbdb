package vmdriver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/logging"
)

// candidateVBoxManagePaths mirrors original_source's VBoxManageController
// lookup table; the first path that exists on disk wins, falling back to
// PATH resolution.
var candidateVBoxManagePaths = []string{
	`C:\Program Files\Oracle\VirtualBox\VBoxManage.exe`,
	"/usr/bin/VBoxManage",
	"/Applications/VirtualBox.app/Contents/MacOS/VBoxManage",
}

// VBoxDriver drives a local VirtualBox installation via VBoxManage
// subprocesses. It implements Driver.
type VBoxDriver struct {
	binPath string
}

// NewVBoxDriver locates VBoxManage and returns a ready-to-use driver.
func NewVBoxDriver() (*VBoxDriver, error) {
	for _, p := range candidateVBoxManagePaths {
		if _, err := os.Stat(p); err == nil {
			return &VBoxDriver{binPath: p}, nil
		}
	}
	if p, err := exec.LookPath("VBoxManage"); err == nil {
		return &VBoxDriver{binPath: p}, nil
	}
	return nil, fmt.Errorf("VBoxManage not found, install VirtualBox or set PATH")
}

func (d *VBoxDriver) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, d.binPath, args...)
	setNewProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		if cmd.Process != nil {
			killProcessGroup(cmd.Process.Pid)
		}
		return "", ErrTimeout
	}
	if err != nil {
		logging.Op().Debug("vboxmanage command failed", "args", args, "stderr", stderr.String())
		return stdout.String(), fmt.Errorf("%w: %s", ErrHostError, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (d *VBoxDriver) PowerOn(ctx context.Context, vmName string, mode StartupMode) error {
	if mode != StartupGUI && mode != StartupHeadless {
		logging.Op().Warn("invalid vm_startup_mode, defaulting to headless", "mode", mode)
		mode = StartupHeadless
	}
	_, err := d.run(ctx, 5*time.Minute, "startvm", vmName, "--type", string(mode))
	return err
}

func (d *VBoxDriver) PowerOff(ctx context.Context, vmName string) error {
	_, err := d.run(ctx, 1*time.Minute, "controlvm", vmName, "poweroff")
	return err
}

func (d *VBoxDriver) acpiPowerOff(ctx context.Context, vmName string) error {
	_, err := d.run(ctx, 1*time.Minute, "controlvm", vmName, "acpipowerbutton")
	return err
}

func (d *VBoxDriver) GetStatus(ctx context.Context, vmName string) (Status, error) {
	out, err := d.run(ctx, 30*time.Second, "showvminfo", vmName, "--machinereadable")
	if err != nil {
		return Status{}, err
	}
	info := parseMachineReadable(out)
	return Status{
		PowerState:            PowerState(strings.ToLower(info["VMState"])),
		GuestAdditionsVersion: info["GuestAdditionsVersion"],
	}, nil
}

func parseMachineReadable(out string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		info[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	return info
}

func (d *VBoxDriver) RevertSnapshot(ctx context.Context, vmName, snapshotName string) error {
	_, err := d.run(ctx, 2*time.Minute, "snapshot", vmName, "restore", snapshotName)
	return err
}

func (d *VBoxDriver) CopyToVM(ctx context.Context, vmName, localPath, remotePath string, creds Credentials) error {
	targetDir := strings.ReplaceAll(dirname(remotePath), `\`, "/")
	// Best-effort mkdir -- remote dir may already exist.
	_, _ = d.run(ctx, 1*time.Minute, "guestcontrol", vmName,
		"--username", creds.Username, "--password", creds.Password,
		"mkdir", targetDir, "--parents")

	_, err := d.run(ctx, 2*time.Minute, "guestcontrol", vmName,
		"--username", creds.Username, "--password", creds.Password,
		"copyto", localPath, remotePath)
	return err
}

func (d *VBoxDriver) CopyFromVM(ctx context.Context, vmName, remotePath, localPath string, creds Credentials) error {
	_, err := d.run(ctx, 1*time.Minute, "guestcontrol", vmName,
		"--username", creds.Username, "--password", creds.Password,
		"copyfrom", remotePath, localPath)
	return err
}

func (d *VBoxDriver) ExecCommand(ctx context.Context, vmName, cmdline string, creds Credentials, timeout int) (bool, string, error) {
	out, err := d.run(ctx, time.Duration(timeout)*time.Second, "guestcontrol", vmName,
		"--username", creds.Username, "--password", creds.Password,
		"run", "--exe", "cmd.exe", "--",
		"/c", "powershell", "-Command", cmdline)
	if err != nil {
		return false, out, err
	}
	return true, out, nil
}

func (d *VBoxDriver) ExecProgram(ctx context.Context, vmName, programPath string, args []string, creds Credentials, timeout int) (bool, string, error) {
	cmdArgs := []string{"guestcontrol", vmName, "run",
		"--exe", programPath,
		"--username", creds.Username, "--password", creds.Password,
		"--wait-stdout", "--wait-stderr"}
	if len(args) > 0 {
		cmdArgs = append(cmdArgs, "--")
		cmdArgs = append(cmdArgs, args...)
	}
	out, err := d.run(ctx, time.Duration(timeout)*time.Second, cmdArgs...)
	if err != nil {
		return false, out, err
	}
	return true, out, nil
}

// CleanupResources implements the graceful-to-forceful escalation contract:
// normal shutdown, then ACPI, then force power-off, polling status at 1s
// intervals up to a 30s deadline. It is idempotent and always returns nil.
func (d *VBoxDriver) CleanupResources(ctx context.Context, vmName string) error {
	status, err := d.GetStatus(ctx, vmName)
	if err != nil {
		logging.Op().Warn("cleanup: get status failed, assuming powered off", "vm", vmName, "error", err)
		return nil
	}

	if status.PowerState.Running() {
		if err := d.PowerOff(ctx, vmName); err == nil {
			time.Sleep(3 * time.Second)
		} else {
			logging.Op().Warn("normal poweroff failed, trying acpi", "vm", vmName)
			if err := d.acpiPowerOff(ctx, vmName); err == nil {
				time.Sleep(5 * time.Second)
			} else {
				logging.Op().Warn("acpi poweroff failed, forcing", "vm", vmName)
				_, _ = d.run(ctx, 1*time.Minute, "controlvm", vmName, "poweroff")
				time.Sleep(2 * time.Second)
			}
		}
	}

	const maxWait = 30
	for i := 0; i < maxWait; i++ {
		status, err := d.GetStatus(ctx, vmName)
		if err == nil && status.PowerState.Terminal() {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1 * time.Second):
		}
	}

	time.Sleep(2 * time.Second)
	return nil
}

func dirname(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "."
	}
	return p[:idx]
}
