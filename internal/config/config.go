// Package config loads and defaults the orchestrator's configuration
// surface (spec.md §6), grounded on the teacher's internal/config.Config:
// a nested struct of sub-configs, DefaultConfig, LoadFromFile, and
// LoadFromEnv applying os.Getenv overrides with strconv/time.ParseDuration
// parsing. Unlike the teacher, which loads JSON, this module loads YAML
// (gopkg.in/yaml.v3) since spec.md §6's config surface is already
// expressed as dotted/nested keys the way YAML naturally renders.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/engine"
	"github.com/zcyberseclab/vmm/internal/router"
	"github.com/zcyberseclab/vmm/internal/sysmon"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// ServerConfig controls sample upload handling.
type ServerConfig struct {
	UploadDir   string `yaml:"upload_dir"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// TaskSettingsConfig gates the Task Manager dispatcher (internal/taskmgr).
type TaskSettingsConfig struct {
	ConcurrentTasks    int `yaml:"concurrent_tasks"`
	MaxQueueSize       int `yaml:"max_queue_size"`
	MaxAnalysisTimeout int `yaml:"max_analysis_timeout"`
}

// VMEntry is one configured VM, Windows or Linux. Antivirus is empty for
// Linux VMs since the EDR collector registry only dispatches on it for
// the Windows fleet.
type VMEntry struct {
	Name             string `yaml:"name"`
	Antivirus        string `yaml:"antivirus"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	BaselineSnapshot string `yaml:"baseline_snapshot"`
	DesktopPath      string `yaml:"desktop_path"`
}

func (v VMEntry) toDomain() domain.VMConfig {
	return domain.VMConfig{
		Name:             v.Name,
		Antivirus:        v.Antivirus,
		Username:         v.Username,
		Password:         v.Password,
		BaselineSnapshot: v.BaselineSnapshot,
		DesktopPath:      v.DesktopPath,
	}
}

// SysmonAnalysisConfig controls the optional behavioral branch
// (spec.md §6 windows.sysmon_analysis).
type SysmonAnalysisConfig struct {
	Enabled            bool          `yaml:"enabled"`
	VM                 string        `yaml:"vm"`
	ConfigType         string        `yaml:"config_type"`
	SysmonBinaryPath   string        `yaml:"sysmon_binary_path"`
	SysmonConfigPath   string        `yaml:"sysmon_config_path"`
	PostExecutionDelay time.Duration `yaml:"post_execution_delay"`
	MaxEvents          int           `yaml:"max_events"`
}

// WindowsConfig is the `windows.*` config section.
type WindowsConfig struct {
	EDRAnalysis struct {
		VMs []VMEntry `yaml:"vms"`
	} `yaml:"edr_analysis"`
	SysmonAnalysis SysmonAnalysisConfig `yaml:"sysmon_analysis"`
}

// LinuxVMEntry is one per-architecture Linux behavioral VM.
type LinuxVMEntry struct {
	Arch    string `yaml:"arch"`
	VMEntry `yaml:",inline"`
}

// LinuxConfig is the `linux.*` config section.
type LinuxConfig struct {
	BehavioralAnalysis struct {
		VMs []LinuxVMEntry `yaml:"vms"`
	} `yaml:"behavioral_analysis"`
}

// VirtualBoxConfig controls the hypervisor driver's startup behavior.
type VirtualBoxConfig struct {
	VMStartupMode string `yaml:"vm_startup_mode"` // "gui" or "headless"
}

// VirtualizationConfig is the `virtualization.*` config section.
type VirtualizationConfig struct {
	VirtualBox VirtualBoxConfig `yaml:"virtualbox"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `yaml:"level"`
	Format         string `yaml:"format"`
	IncludeTraceID bool   `yaml:"include_trace_id"`
}

// ObservabilityConfig is the ambient logging/metrics/tracing section,
// carried regardless of spec.md's functional Non-goals.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// AuthConfig controls the out-of-core-scope submission API's X-API-Key
// check (spec.md §6).
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// TaskSinkConfig selects and configures the pluggable task persistence
// sink (internal/tasksink): one of "noop" (default), "redis" or
// "postgres". Any other value, a comma-separated list included, makes
// serve fail at startup.
type TaskSinkConfig struct {
	Type        string `yaml:"type"`
	RedisAddr   string `yaml:"redis_addr"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Config is the root of the orchestrator's configuration surface.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	TaskSettings   TaskSettingsConfig   `yaml:"task_settings"`
	Windows        WindowsConfig        `yaml:"windows"`
	Linux          LinuxConfig          `yaml:"linux"`
	Virtualization VirtualizationConfig `yaml:"virtualization"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	Auth           AuthConfig           `yaml:"auth"`
	TaskSink       TaskSinkConfig       `yaml:"task_sink"`
}

// DefaultConfig returns a Config with sensible defaults; every numeric
// default here mirrors spec.md §4's own named constants where one exists
// (e.g. task_settings.max_analysis_timeout mirrors domain.MaxTaskTimeout).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			UploadDir:   "/var/lib/vmm/uploads",
			MaxFileSize: 256 << 20, // 256MB
		},
		TaskSettings: TaskSettingsConfig{
			ConcurrentTasks:    4,
			MaxQueueSize:       100,
			MaxAnalysisTimeout: domain.MaxTaskTimeout,
		},
		Windows: WindowsConfig{
			SysmonAnalysis: SysmonAnalysisConfig{
				Enabled:            false,
				ConfigType:         string(sysmon.ConfigLight),
				PostExecutionDelay: 15 * time.Second,
				MaxEvents:          1000,
			},
		},
		Virtualization: VirtualizationConfig{
			VirtualBox: VirtualBoxConfig{VMStartupMode: "headless"},
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "vmm",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "vmm",
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "json",
				IncludeTraceID: true,
			},
		},
		TaskSink: TaskSinkConfig{Type: "noop"},
	}
}

// LoadFromFile loads a YAML config file over DefaultConfig's defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies VMM_-prefixed environment variable overrides.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("VMM_UPLOAD_DIR"); v != "" {
		cfg.Server.UploadDir = v
	}
	if v := os.Getenv("VMM_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxFileSize = n
		}
	}
	if v := os.Getenv("VMM_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskSettings.ConcurrentTasks = n
		}
	}
	if v := os.Getenv("VMM_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskSettings.MaxQueueSize = n
		}
	}
	if v := os.Getenv("VMM_MAX_ANALYSIS_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TaskSettings.MaxAnalysisTimeout = n
		}
	}
	if v := os.Getenv("VMM_SYSMON_ENABLED"); v != "" {
		cfg.Windows.SysmonAnalysis.Enabled = parseBool(v)
	}
	if v := os.Getenv("VMM_SYSMON_VM"); v != "" {
		cfg.Windows.SysmonAnalysis.VM = v
	}
	if v := os.Getenv("VMM_SYSMON_CONFIG_TYPE"); v != "" {
		cfg.Windows.SysmonAnalysis.ConfigType = v
	}
	if v := os.Getenv("VMM_SYSMON_BINARY_PATH"); v != "" {
		cfg.Windows.SysmonAnalysis.SysmonBinaryPath = v
	}
	if v := os.Getenv("VMM_SYSMON_CONFIG_PATH"); v != "" {
		cfg.Windows.SysmonAnalysis.SysmonConfigPath = v
	}
	if v := os.Getenv("VMM_SYSMON_POST_EXECUTION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Windows.SysmonAnalysis.PostExecutionDelay = d
		}
	}
	if v := os.Getenv("VMM_VM_STARTUP_MODE"); v != "" {
		cfg.Virtualization.VirtualBox.VMStartupMode = v
	}
	if v := os.Getenv("VMM_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("VMM_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("VMM_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("VMM_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("VMM_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("VMM_AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = parseBool(v)
	}
	if v := os.Getenv("VMM_API_KEYS"); v != "" {
		cfg.Auth.APIKeys = strings.Split(v, ",")
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("VMM_TASK_SINK_TYPE"); v != "" {
		cfg.TaskSink.Type = v
	}
	if v := os.Getenv("VMM_TASK_SINK_REDIS_ADDR"); v != "" {
		cfg.TaskSink.RedisAddr = v
	}
	if v := os.Getenv("VMM_TASK_SINK_POSTGRES_DSN"); v != "" {
		cfg.TaskSink.PostgresDSN = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}

// VMConfigs flattens the configured Windows and Linux fleets into the
// domain.VMConfig list internal/pool.New expects.
func (c *Config) VMConfigs() []domain.VMConfig {
	out := make([]domain.VMConfig, 0, len(c.Windows.EDRAnalysis.VMs)+len(c.Linux.BehavioralAnalysis.VMs))
	for _, v := range c.Windows.EDRAnalysis.VMs {
		out = append(out, v.toDomain())
	}
	for _, v := range c.Linux.BehavioralAnalysis.VMs {
		out = append(out, v.toDomain())
	}
	return out
}

// FleetConfig builds the router.FleetConfig the Router needs out of the
// configured Windows and Linux fleets (spec.md §4.F).
func (c *Config) FleetConfig() router.FleetConfig {
	names := make([]string, len(c.Windows.EDRAnalysis.VMs))
	for i, v := range c.Windows.EDRAnalysis.VMs {
		names[i] = v.Name
	}
	linux := make(map[string]string, len(c.Linux.BehavioralAnalysis.VMs))
	for _, v := range c.Linux.BehavioralAnalysis.VMs {
		linux[v.Arch] = v.Name
	}
	return router.FleetConfig{WindowsVMs: names, LinuxVMs: linux}
}

// SysmonConfig builds the engine.SysmonConfig the Analysis Engine needs
// from the windows.sysmon_analysis section.
func (c *Config) SysmonConfig() engine.SysmonConfig {
	s := c.Windows.SysmonAnalysis
	return engine.SysmonConfig{
		Enabled:            s.Enabled,
		VMName:             s.VM,
		ConfigType:         sysmon.ConfigType(s.ConfigType),
		SysmonBinaryPath:   s.SysmonBinaryPath,
		SysmonConfigPath:   s.SysmonConfigPath,
		PostExecutionDelay: s.PostExecutionDelay,
		MaxEvents:          s.MaxEvents,
	}
}

// StartupMode resolves the configured VirtualBox startup mode to the
// vmdriver enum, defaulting to headless on an unrecognized value.
func (c *Config) StartupMode() vmdriver.StartupMode {
	if strings.EqualFold(c.Virtualization.VirtualBox.VMStartupMode, "gui") {
		return vmdriver.StartupGUI
	}
	return vmdriver.StartupHeadless
}
