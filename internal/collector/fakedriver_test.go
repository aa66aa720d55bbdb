package collector

import (
	"context"

	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// fakeDriver is a minimal vmdriver.Driver stand-in that returns canned
// output for ExecCommand/ExecProgram so collector parsing logic can be
// exercised without a real VirtualBox guest.
type fakeDriver struct {
	execCommandOK     bool
	execCommandOutput string
	execCommandErr    error

	execProgramOK     bool
	execProgramOutput string
	execProgramErr    error

	// execProgramByArgs lets a test return different output per call,
	// keyed by call order via keyForCall ("list" for the first call,
	// "read" for the second; used by avira/trendmicro which call
	// ExecProgram twice: once to list, once to read/parse).
	execProgramByArgs map[string]string
	callCount         int
}

func (f *fakeDriver) PowerOn(ctx context.Context, vmName string, mode vmdriver.StartupMode) error {
	return nil
}
func (f *fakeDriver) PowerOff(ctx context.Context, vmName string) error { return nil }
func (f *fakeDriver) GetStatus(ctx context.Context, vmName string) (vmdriver.Status, error) {
	return vmdriver.Status{}, nil
}
func (f *fakeDriver) RevertSnapshot(ctx context.Context, vmName, snapshotName string) error {
	return nil
}
func (f *fakeDriver) CopyToVM(ctx context.Context, vmName, localPath, remotePath string, creds vmdriver.Credentials) error {
	return nil
}
func (f *fakeDriver) CopyFromVM(ctx context.Context, vmName, remotePath, localPath string, creds vmdriver.Credentials) error {
	return nil
}
func (f *fakeDriver) ExecCommand(ctx context.Context, vmName, cmdline string, creds vmdriver.Credentials, timeout int) (bool, string, error) {
	return f.execCommandOK, f.execCommandOutput, f.execCommandErr
}
func (f *fakeDriver) ExecProgram(ctx context.Context, vmName, programPath string, args []string, creds vmdriver.Credentials, timeout int) (bool, string, error) {
	if f.execProgramByArgs != nil {
		f.callCount++
		out, ok := f.execProgramByArgs[keyForCall(f.callCount)]
		if ok {
			return true, out, nil
		}
	}
	return f.execProgramOK, f.execProgramOutput, f.execProgramErr
}
func (f *fakeDriver) CleanupResources(ctx context.Context, vmName string) error { return nil }

func keyForCall(n int) string {
	switch n {
	case 1:
		return "list"
	case 2:
		return "read"
	default:
		return ""
	}
}
