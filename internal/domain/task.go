// Package domain holds the core data model shared by every sandbox
// component: tasks, VM resources, alerts, and behavioral analysis results.
package domain

import "time"

// TaskStatus is the lifecycle state of an analysis task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status represents a finished task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// MinTaskTimeout and MaxTaskTimeout bound a Task's analysis timeout, in seconds.
const (
	MinTaskTimeout = 60
	MaxTaskTimeout = 3600
)

// Task is a single sample-analysis request submitted to the Task Manager.
type Task struct {
	TaskID      string     `json:"task_id"`
	FilePath    string     `json:"file_path"`
	FileName    string     `json:"file_name"`
	FileHash    string     `json:"file_hash"`
	FileSize    int64      `json:"file_size"`
	VMNames     []string   `json:"vm_names"`
	Timeout     int        `json:"timeout"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TraceParent and TraceState carry the submitting request's W3C trace
	// context so the Analysis Engine's async run stays part of the same
	// trace instead of starting an unrelated one.
	TraceParent string `json:"trace_parent,omitempty"`
	TraceState  string `json:"trace_state,omitempty"`

	VMResults      []*VMResult     `json:"vm_results"`
	BehaviorResult *BehaviorResult `json:"behavior_results,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// VMTaskStatus is the lifecycle state of a single sub-analysis on one VM.
type VMTaskStatus string

const (
	VMPending    VMTaskStatus = "pending"
	VMPreparing  VMTaskStatus = "preparing"
	VMUploading  VMTaskStatus = "uploading"
	VMAnalyzing  VMTaskStatus = "analyzing"
	VMCollecting VMTaskStatus = "collecting"
	VMRestoring  VMTaskStatus = "restoring"
	VMCompleted  VMTaskStatus = "completed"
	VMFailed     VMTaskStatus = "failed"
)

// VMResult is the outcome of running one sub-analysis against one VM.
type VMResult struct {
	VMName       string       `json:"vm_name"`
	State        VMTaskStatus `json:"state"`
	StartTime    time.Time    `json:"start_time"`
	EndTime      *time.Time   `json:"end_time,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	Alerts       []Alert      `json:"alerts"`
}

// AlertSeverity ranks an EDR alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// NetworkConnection is a single network event reported by an EDR product.
type NetworkConnection struct {
	SrcIP     string    `json:"src_ip,omitempty"`
	SrcPort   int       `json:"src_port,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	DstPort   int       `json:"dst_port,omitempty"`
	Protocol  string    `json:"protocol,omitempty"`
	Process   string    `json:"process,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Alert is a single detection reported by an EDRCollector.
//
// DetectionTime is preserved verbatim in the vendor's own timestamp
// string form; it must never be reparsed or reformatted before the
// (out-of-scope) HTTP serialization boundary.
type Alert struct {
	Severity           AlertSeverity       `json:"severity"`
	AlertType          string              `json:"alert_type"`
	ProcessName        string              `json:"process_name,omitempty"`
	CommandLine        string              `json:"command_line,omitempty"`
	DetectReason       string              `json:"detect_reason,omitempty"`
	DetectionTime      string              `json:"detection_time,omitempty"`
	QuarantineTime     string              `json:"quarantine_time,omitempty"`
	FilePath           string              `json:"file_path,omitempty"`
	FilePaths          []string            `json:"file_paths,omitempty"`
	NetworkConnections []NetworkConnection `json:"network_connections,omitempty"`
	Source             string              `json:"source"`
}

// BehaviorResult holds the outcome of the optional Sysmon behavioral branch.
type BehaviorResult struct {
	AnalysisEngine string        `json:"analysis_engine"`
	Status         VMTaskStatus  `json:"status"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        *time.Time    `json:"end_time,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Events         []Event       `json:"events"`
	Statistics     BehaviorStats `json:"statistics"`
}

// Event is a single Sysmon event, flattened to the fields the system
// actually consumes. Unknown fields in the raw Sysmon message are dropped.
type Event struct {
	EventID      string `json:"event_id"`
	EventName    string `json:"event_name,omitempty"`
	Timestamp    string `json:"timestamp,omitempty"`
	ComputerName string `json:"computer_name,omitempty"`

	ProcessID       string `json:"process_id,omitempty"`
	ProcessName     string `json:"process_name,omitempty"`
	Image           string `json:"image,omitempty"`
	CommandLine     string `json:"command_line,omitempty"`
	ParentProcessID string `json:"parent_process_id,omitempty"`
	ParentImage     string `json:"parent_image,omitempty"`
	User            string `json:"user,omitempty"`

	TargetFilename  string `json:"target_filename,omitempty"`
	CreationUTCTime string `json:"creation_utc_time,omitempty"`

	SourceIP        string `json:"source_ip,omitempty"`
	SourcePort      string `json:"source_port,omitempty"`
	DestinationIP   string `json:"destination_ip,omitempty"`
	DestinationPort string `json:"destination_port,omitempty"`
	Protocol        string `json:"protocol,omitempty"`

	QueryName    string `json:"query_name,omitempty"`
	QueryResults string `json:"query_results,omitempty"`

	SourceProcessID string `json:"source_process_id,omitempty"`
	TargetProcessID string `json:"target_process_id,omitempty"`
	GrantedAccess   string `json:"granted_access,omitempty"`

	ImageLoaded string `json:"image_loaded,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Signed      string `json:"signed,omitempty"`
}

// BehaviorStats aggregates an Event stream into summary counters.
type BehaviorStats struct {
	TotalEvents        int            `json:"total_events"`
	EventTypes         map[string]int `json:"event_types"`
	ProcessCreations   int            `json:"process_creations"`
	FileCreations      int            `json:"file_creations"`
	FileDeletions      int            `json:"file_deletions"`
	NetworkConnections int            `json:"network_connections"`
	DNSQueries         int            `json:"dns_queries"`
	ProcessAccesses    int            `json:"process_accesses"`
	ImageLoads         int            `json:"image_loads"`
	UniqueProcesses    int            `json:"unique_processes"`
	UniqueDestinations int            `json:"unique_destinations"`
	FirstEventTime     string         `json:"first_event_time,omitempty"`
	LastEventTime      string         `json:"last_event_time,omitempty"`
	AnalysisDuration   *float64       `json:"analysis_duration,omitempty"`
}

// Sysmon event IDs used to classify raw events into BehaviorStats buckets.
const (
	SysmonEventProcessCreate     = "1"
	SysmonEventNetworkConnection = "3"
	SysmonEventImageLoad         = "7"
	SysmonEventProcessAccess     = "10"
	SysmonEventFileCreate        = "11"
	SysmonEventDNSQuery          = "22"
	SysmonEventFileDelete        = "23"
)
