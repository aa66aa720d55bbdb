// Package router selects which VMs a submitted sample should be analyzed
// on, either honoring an explicit user request or inspecting the sample's
// file magic to pick a platform-appropriate fleet subset.
package router

import (
	"encoding/binary"
	"fmt"
)

// FleetConfig is the subset of the system configuration the router needs:
// the full set of configured Windows EDR VM names and, per architecture,
// the configured Linux behavioral VM name.
type FleetConfig struct {
	WindowsVMs []string          // all windows.edr_analysis.vms[].name
	LinuxVMs   map[string]string // arch -> vm name, e.g. "x86_64" -> "ubuntu-x64"
}

// ErrUnknownVM is returned when a user-requested VM name is not part of
// the configured fleet.
type ErrUnknownVM struct{ Name string }

func (e ErrUnknownVM) Error() string { return fmt.Sprintf("unknown vm: %s", e.Name) }

// elfMachineToArch maps ELF e_machine values to the architecture tag used
// in FleetConfig.LinuxVMs, per spec.md §4.F.
var elfMachineToArch = map[uint16]string{
	0x3E: "x86_64",
	0xB7: "aarch64",
	0x08: "mips",
	0x15: "ppc64",
	0x28: "arm",
}

// SelectVMs implements spec.md §4.F's routing policy. It is a pure
// function of (header bytes, user request, fleet config) and is
// deterministic: identical inputs always produce an identical, identically
// ordered result.
func SelectVMs(header []byte, userRequested []string, fleet FleetConfig) ([]string, error) {
	if len(userRequested) > 0 {
		known := make(map[string]bool, len(fleet.WindowsVMs)+len(fleet.LinuxVMs))
		for _, n := range fleet.WindowsVMs {
			known[n] = true
		}
		for _, n := range fleet.LinuxVMs {
			known[n] = true
		}
		for _, n := range userRequested {
			if !known[n] {
				return nil, ErrUnknownVM{Name: n}
			}
		}
		return userRequested, nil
	}

	if isELF(header) {
		arch, ok := elfArch(header)
		if !ok {
			return nil, nil
		}
		vm, ok := fleet.LinuxVMs[arch]
		if !ok {
			return nil, nil
		}
		return []string{vm}, nil
	}

	// MZ (PE) or anything else unrecognized routes to the full Windows fleet.
	out := make([]string, len(fleet.WindowsVMs))
	copy(out, fleet.WindowsVMs)
	return out, nil
}

func isELF(header []byte) bool {
	return len(header) >= 4 && header[0] == 0x7f && header[1] == 'E' && header[2] == 'L' && header[3] == 'F'
}

// elfArch reads e_ident[EI_DATA] (offset 5) for endianness and e_machine
// (offset 18, 2 bytes) to classify the target architecture.
func elfArch(header []byte) (string, bool) {
	if len(header) < 20 {
		return "", false
	}
	var order binary.ByteOrder = binary.LittleEndian
	if header[5] == 2 { // ELFDATA2MSB
		order = binary.BigEndian
	}
	// e_machine sits at offset 18 (after 2-byte e_type at offset 16).
	machine := order.Uint16(header[18:20])
	arch, ok := elfMachineToArch[machine]
	return arch, ok
}
