// Package sysmon installs, probes, and harvests Sysmon event data from a
// behavioral-analysis VM for the optional Sysmon branch of a sub-analysis.
package sysmon

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// Status mirrors original_source SysmonManager.get_sysmon_status's result
// enum.
type Status string

const (
	StatusNotInstalled Status = "not_installed"
	StatusInstalled    Status = "installed"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// ConfigType selects which Sysmon configuration XML to deploy.
type ConfigType string

const (
	ConfigLight  ConfigType = "light"
	ConfigFull   ConfigType = "full"
	ConfigCustom ConfigType = "custom"
)

const (
	guestSysmonPath = `C:\Windows\Temp\Sysmon64.exe`
	guestConfigPath = `C:\Windows\Temp\sysmon-config.xml`
)

var sysmonServiceNames = []string{"Sysmon64", "Sysmon", "SysmonDrv"}

// Manager drives Sysmon lifecycle operations against one VM via its
// Driver, mirroring original_source's SysmonManager.
type Manager struct {
	driver vmdriver.Driver
}

func New(driver vmdriver.Driver) *Manager {
	return &Manager{driver: driver}
}

// EnsureInstalled installs Sysmon on vmName unless it's already
// installed/running and forceReinstall is false. sysmonBinaryPath and
// configPath are host-local paths to a pre-fetched Sysmon64.exe and a
// Sysmon configuration XML; unlike the original, this system does not
// download Sysmon itself (the config layer provisions both paths ahead
// of time, spec.md §6 windows.sysmon_analysis).
func (m *Manager) EnsureInstalled(ctx context.Context, vmName string, creds vmdriver.Credentials, sysmonBinaryPath, configPath string, forceReinstall bool) (bool, string, error) {
	if !forceReinstall {
		status, _, err := m.GetStatus(ctx, vmName, creds)
		if err == nil && (status == StatusInstalled || status == StatusRunning) {
			return true, "sysmon is already installed", nil
		}
	}

	if err := m.driver.CopyToVM(ctx, vmName, sysmonBinaryPath, guestSysmonPath, creds); err != nil {
		return false, "", err
	}
	if err := m.driver.CopyToVM(ctx, vmName, configPath, guestConfigPath, creds); err != nil {
		return false, "", err
	}

	if forceReinstall {
		m.uninstall(ctx, vmName, creds)
	}

	installCmd := `& "` + guestSysmonPath + `" -accepteula -i "` + guestConfigPath + `"`
	ok, out, err := m.driver.ExecCommand(ctx, vmName, installCmd, creds, 120)
	if !ok || err != nil {
		return false, out, err
	}

	time.Sleep(5 * time.Second)
	status, details, err := m.GetStatus(ctx, vmName, creds)
	if err != nil {
		return false, details, err
	}
	if status != StatusInstalled && status != StatusRunning {
		return false, "sysmon installation verification failed: " + details, nil
	}
	return true, details, nil
}

func (m *Manager) uninstall(ctx context.Context, vmName string, creds vmdriver.Credentials) {
	if ok, _, err := m.driver.ExecCommand(ctx, vmName, "Sysmon64.exe -u", creds, 60); ok && err == nil {
		return
	}
	logging.Op().Warn("sysmon: standard uninstall failed, trying sc.exe delete", "vm", vmName)
	if _, _, err := m.driver.ExecCommand(ctx, vmName, "sc.exe delete Sysmon64", creds, 30); err != nil {
		logging.Op().Warn("sysmon: alternative uninstall also failed", "vm", vmName, "error", err)
	}
}

type serviceInfo struct {
	Name   string `json:"Name"`
	Status string `json:"Status"`
}

// GetStatus checks each known Sysmon service name in turn (the driver
// letter varies across Sysmon releases: Sysmon64, Sysmon, SysmonDrv) and
// falls back to checking for the bare executable if no service is found.
func (m *Manager) GetStatus(ctx context.Context, vmName string, creds vmdriver.Credentials) (Status, string, error) {
	for _, svc := range sysmonServiceNames {
		cmd := `Get-Service -Name "` + svc + `" -ErrorAction SilentlyContinue | Select-Object Name, Status | ConvertTo-Json`
		ok, out, err := m.driver.ExecCommand(ctx, vmName, cmd, creds, 30)
		if !ok || err != nil {
			continue
		}
		out = strings.TrimSpace(out)
		if out == "" || out == "null" {
			continue
		}
		var info serviceInfo
		if err := json.Unmarshal([]byte(out), &info); err != nil {
			lower := strings.ToLower(out)
			switch {
			case strings.Contains(lower, "running"):
				return StatusRunning, "sysmon service '" + svc + "' is running", nil
			case strings.Contains(lower, "stopped"):
				return StatusStopped, "sysmon service '" + svc + "' is stopped", nil
			default:
				return StatusInstalled, "sysmon service '" + svc + "' exists but status unclear", nil
			}
		}
		switch strings.ToLower(info.Status) {
		case "running":
			return StatusRunning, "sysmon service '" + info.Name + "' is running", nil
		case "stopped":
			return StatusStopped, "sysmon service '" + info.Name + "' is stopped", nil
		default:
			return StatusInstalled, "sysmon service '" + info.Name + "' status: " + info.Status, nil
		}
	}

	ok, out, err := m.driver.ExecCommand(ctx, vmName, `Get-ChildItem -Path "C:\Windows\Sysmon*.exe" -ErrorAction SilentlyContinue | Select-Object Name`, creds, 30)
	if ok && err == nil && strings.Contains(strings.ToLower(out), "sysmon") {
		return StatusInstalled, "sysmon executable found but service not running", nil
	}

	return StatusNotInstalled, "sysmon service and executable not found", nil
}

// rawEvent is what Get-WinEvent | ConvertTo-Json emits for a Sysmon
// operational-log entry: structured metadata plus a single free-text
// Message blob containing the event's "Key: value" detail lines.
type rawEvent struct {
	TimeCreated      string `json:"TimeCreated"`
	Id               int    `json:"Id"`
	LevelDisplayName string `json:"LevelDisplayName"`
	Message          string `json:"Message"`
}

// GetEvents retrieves up to maxEvents Sysmon operational-log entries and
// flattens each into a domain.Event.
func (m *Manager) GetEvents(ctx context.Context, vmName string, creds vmdriver.Credentials, maxEvents int) ([]domain.Event, error) {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	cmd := `Get-WinEvent -LogName "Microsoft-Windows-Sysmon/Operational" -MaxEvents ` + strconv.Itoa(maxEvents) +
		` -ErrorAction SilentlyContinue | Select-Object TimeCreated, Id, LevelDisplayName, Message | ConvertTo-Json`
	ok, out, err := m.driver.ExecCommand(ctx, vmName, cmd, creds, 120)
	if !ok {
		return nil, err
	}
	out = strings.TrimSpace(out)
	if out == "" || out == "null" {
		return nil, nil
	}

	var raws []rawEvent
	if out[0] == '[' {
		if err := json.Unmarshal([]byte(out), &raws); err != nil {
			logging.Op().Error("sysmon: failed to parse events json array", "vm", vmName, "error", err)
			return nil, err
		}
	} else {
		var single rawEvent
		if err := json.Unmarshal([]byte(out), &single); err != nil {
			logging.Op().Error("sysmon: failed to parse single event json", "vm", vmName, "error", err)
			return nil, err
		}
		raws = []rawEvent{single}
	}

	events := make([]domain.Event, 0, len(raws))
	for _, r := range raws {
		events = append(events, toDomainEvent(r))
	}
	return events, nil
}

func toDomainEvent(r rawEvent) domain.Event {
	fields := parseMessageFields(r.Message)
	ev := domain.Event{
		EventID:     strconv.Itoa(r.Id),
		Timestamp:   r.TimeCreated,
		ProcessID:   fields["ProcessId"],
		ProcessName: fields["ProcessName"],
		Image:       fields["Image"],
		CommandLine: fields["CommandLine"],
		ParentProcessID: fields["ParentProcessId"],
		ParentImage:     fields["ParentImage"],
		User:            fields["User"],

		TargetFilename:  fields["TargetFilename"],
		CreationUTCTime: fields["CreationUtcTime"],

		SourceIP:        fields["SourceIp"],
		SourcePort:      fields["SourcePort"],
		DestinationIP:   fields["DestinationIp"],
		DestinationPort: fields["DestinationPort"],
		Protocol:        fields["Protocol"],

		QueryName:    fields["QueryName"],
		QueryResults: fields["QueryResults"],

		SourceProcessID: fields["SourceProcessId"],
		TargetProcessID: fields["TargetProcessId"],
		GrantedAccess:   fields["GrantedAccess"],

		ImageLoaded: fields["ImageLoaded"],
		Signature:   fields["Signature"],
		Signed:      fields["Signed"],
	}
	ev.EventName = eventName(ev.EventID)
	return ev
}

// parseMessageFields splits a Sysmon Message blob's "Key: value" lines
// (one per line, no special indentation rules unlike Defender's bilingual
// format) into a lookup map.
func parseMessageFields(message string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(message, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		fields[key] = value
	}
	return fields
}

func eventName(id string) string {
	switch id {
	case domain.SysmonEventProcessCreate:
		return "ProcessCreate"
	case domain.SysmonEventNetworkConnection:
		return "NetworkConnect"
	case domain.SysmonEventImageLoad:
		return "ImageLoad"
	case domain.SysmonEventProcessAccess:
		return "ProcessAccess"
	case domain.SysmonEventFileCreate:
		return "FileCreate"
	case domain.SysmonEventDNSQuery:
		return "DNSQuery"
	case domain.SysmonEventFileDelete:
		return "FileDelete"
	default:
		return ""
	}
}
