package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

func TestDefaultConfig_HasSaneTaskSettings(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.TaskSettings.ConcurrentTasks <= 0 {
		t.Fatalf("expected a positive concurrent_tasks default, got %d", cfg.TaskSettings.ConcurrentTasks)
	}
	if cfg.TaskSink.Type != "noop" {
		t.Fatalf("expected noop task sink by default, got %q", cfg.TaskSink.Type)
	}
	if cfg.StartupMode() != vmdriver.StartupHeadless {
		t.Fatalf("expected headless startup mode by default, got %q", cfg.StartupMode())
	}
}

func TestLoadFromFile_OverridesDefaultsAndKeepsUnsetFieldsAtDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vmm.yaml")
	yamlDoc := `
server:
  upload_dir: /tmp/samples
task_settings:
  concurrent_tasks: 6
windows:
  edr_analysis:
    vms:
      - name: win-defender
        antivirus: defender
        username: vboxuser
        password: pw
        baseline_snapshot: clean
        desktop_path: 'C:\Users\vboxuser\Desktop'
  sysmon_analysis:
    enabled: true
    vm: win-sysmon
    config_type: full
linux:
  behavioral_analysis:
    vms:
      - arch: x86_64
        name: linux-x64
        baseline_snapshot: clean
virtualization:
  virtualbox:
    vm_startup_mode: gui
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Server.UploadDir != "/tmp/samples" {
		t.Fatalf("expected upload_dir override, got %q", cfg.Server.UploadDir)
	}
	if cfg.TaskSettings.ConcurrentTasks != 6 {
		t.Fatalf("expected concurrent_tasks override, got %d", cfg.TaskSettings.ConcurrentTasks)
	}
	if cfg.TaskSettings.MaxQueueSize != DefaultConfig().TaskSettings.MaxQueueSize {
		t.Fatalf("expected max_queue_size to keep its default, got %d", cfg.TaskSettings.MaxQueueSize)
	}
	if len(cfg.Windows.EDRAnalysis.VMs) != 1 || cfg.Windows.EDRAnalysis.VMs[0].Name != "win-defender" {
		t.Fatalf("expected one windows vm, got %+v", cfg.Windows.EDRAnalysis.VMs)
	}
	if !cfg.Windows.SysmonAnalysis.Enabled || cfg.Windows.SysmonAnalysis.VM != "win-sysmon" {
		t.Fatalf("expected sysmon enabled for win-sysmon, got %+v", cfg.Windows.SysmonAnalysis)
	}
	if len(cfg.Linux.BehavioralAnalysis.VMs) != 1 || cfg.Linux.BehavioralAnalysis.VMs[0].Arch != "x86_64" {
		t.Fatalf("expected one linux vm for x86_64, got %+v", cfg.Linux.BehavioralAnalysis.VMs)
	}
	if cfg.StartupMode() != vmdriver.StartupGUI {
		t.Fatalf("expected gui startup mode, got %q", cfg.StartupMode())
	}
}

func TestLoadFromEnv_OverridesConfig(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("VMM_CONCURRENT_TASKS", "9")
	t.Setenv("VMM_API_KEYS", "a,b,c")
	t.Setenv("VMM_TASK_SINK_TYPE", "redis")

	LoadFromEnv(cfg)

	if cfg.TaskSettings.ConcurrentTasks != 9 {
		t.Fatalf("expected concurrent_tasks=9, got %d", cfg.TaskSettings.ConcurrentTasks)
	}
	if !cfg.Auth.Enabled || len(cfg.Auth.APIKeys) != 3 {
		t.Fatalf("expected auth enabled with 3 keys, got %+v", cfg.Auth)
	}
	if cfg.TaskSink.Type != "redis" {
		t.Fatalf("expected redis task sink, got %q", cfg.TaskSink.Type)
	}
}

func TestFleetConfig_MapsWindowsAndLinuxVMs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Windows.EDRAnalysis.VMs = []VMEntry{{Name: "win-defender"}, {Name: "win-kaspersky"}}
	cfg.Linux.BehavioralAnalysis.VMs = []LinuxVMEntry{{Arch: "aarch64", VMEntry: VMEntry{Name: "linux-arm64"}}}

	fleet := cfg.FleetConfig()
	if len(fleet.WindowsVMs) != 2 {
		t.Fatalf("expected 2 windows vms, got %+v", fleet.WindowsVMs)
	}
	if fleet.LinuxVMs["aarch64"] != "linux-arm64" {
		t.Fatalf("expected aarch64 -> linux-arm64, got %+v", fleet.LinuxVMs)
	}
}

func TestVMConfigs_FlattensBothFleets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Windows.EDRAnalysis.VMs = []VMEntry{{Name: "win-defender"}}
	cfg.Linux.BehavioralAnalysis.VMs = []LinuxVMEntry{{Arch: "x86_64", VMEntry: VMEntry{Name: "linux-x64"}}}

	vms := cfg.VMConfigs()
	if len(vms) != 2 {
		t.Fatalf("expected 2 vm configs, got %d", len(vms))
	}
}

func TestSysmonConfig_CarriesFieldsThrough(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Windows.SysmonAnalysis.Enabled = true
	cfg.Windows.SysmonAnalysis.VM = "win-sysmon"
	cfg.Windows.SysmonAnalysis.MaxEvents = 500

	sc := cfg.SysmonConfig()
	if !sc.Enabled || sc.VMName != "win-sysmon" || sc.MaxEvents != 500 {
		t.Fatalf("expected fields to carry through, got %+v", sc)
	}
}
