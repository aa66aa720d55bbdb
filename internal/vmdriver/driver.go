// Package vmdriver centralizes every subprocess call that talks to the
// hypervisor, so the rest of the sandbox never shells out directly.
//
// # Concurrency
//
// Every method accepts a context.Context and is expected to honor its
// deadline; the driver never retries internally, leaving retry policy to
// the caller (the Analysis Engine).
package vmdriver

import "context"

// Errors returned by Driver methods. Callers type-switch or errors.Is
// against these to decide recovery strategy (spec.md §7).
var (
	ErrNotFound      = driverError("vm not found")
	ErrTimeout       = driverError("operation timed out")
	ErrHostError     = driverError("host-side driver error")
	ErrGuestAuthErr  = driverError("guest authentication failed")
	ErrGuestExecErr  = driverError("guest command execution failed")
)

type driverError string

func (e driverError) Error() string { return string(e) }

// PowerState mirrors the subset of VirtualBox VMState values this driver
// cares about.
type PowerState string

const (
	PowerRunning  PowerState = "running"
	PowerPaused   PowerState = "paused"
	PowerStuck    PowerState = "stuck"
	PowerStarting PowerState = "starting"
	PowerOff      PowerState = "poweroff"
	PowerAborted  PowerState = "aborted"
	PowerSaved    PowerState = "saved"
	PowerUnknown  PowerState = "unknown"
)

// Running reports whether the state requires a shutdown attempt before
// the VM can be considered at rest.
func (s PowerState) Running() bool {
	switch s {
	case PowerRunning, PowerPaused, PowerStuck, PowerStarting:
		return true
	}
	return false
}

// Terminal reports whether the state is a rest state CleanupResources can
// stop polling at.
func (s PowerState) Terminal() bool {
	switch s {
	case PowerOff, PowerAborted, PowerSaved:
		return true
	}
	return false
}

// Status is the result of GetStatus.
type Status struct {
	PowerState           PowerState
	GuestAdditionsVersion string
}

// Credentials are the in-guest account used for guestcontrol operations.
type Credentials struct {
	Username string
	Password string
}

// StartupMode controls how PowerOn launches the VM window.
type StartupMode string

const (
	StartupGUI      StartupMode = "gui"
	StartupHeadless StartupMode = "headless"
)

// Driver abstracts hypervisor invocation so the Analysis Engine never
// shells out directly. All operations are blocking with an explicit
// deadline carried by ctx; Driver never retries internally.
type Driver interface {
	PowerOn(ctx context.Context, vmName string, mode StartupMode) error
	PowerOff(ctx context.Context, vmName string) error
	GetStatus(ctx context.Context, vmName string) (Status, error)
	RevertSnapshot(ctx context.Context, vmName, snapshotName string) error
	CopyToVM(ctx context.Context, vmName, localPath, remotePath string, creds Credentials) error
	CopyFromVM(ctx context.Context, vmName, remotePath, localPath string, creds Credentials) error
	ExecCommand(ctx context.Context, vmName, cmdline string, creds Credentials, timeout int) (ok bool, output string, err error)
	ExecProgram(ctx context.Context, vmName, programPath string, args []string, creds Credentials, timeout int) (ok bool, output string, err error)

	// CleanupResources brings a VM to a known-terminal power state, trying
	// progressively more forceful shutdown methods. It is idempotent and
	// always returns nil, even if the VM did not reach a terminal state
	// within its internal deadline — the caller decides how to proceed.
	CleanupResources(ctx context.Context, vmName string) error
}
