package domain

import "time"

// VMState is the pool-management state of a VMResource, distinct from the
// per-task VMTaskStatus of a VMResult.
type VMState string

const (
	VMIdle  VMState = "idle"
	VMBusy  VMState = "busy"
	VMError VMState = "error"
)

// VMConfig is the immutable configuration of a fleet member, read from the
// config file at startup.
type VMConfig struct {
	Name             string `json:"name"`
	Antivirus        string `json:"antivirus"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	BaselineSnapshot string `json:"baseline_snapshot"`
	DesktopPath      string `json:"desktop_path"`
}

// VMResource is one member of the fixed VM fleet managed by the pool.
// Config is immutable after construction; the remaining fields are
// mutated only by the pool under the resource's own mutex.
type VMResource struct {
	Config VMConfig `json:"config"`

	State                 VMState    `json:"state"`
	CurrentTaskID          string     `json:"current_task_id,omitempty"`
	LastUsed               *time.Time `json:"last_used,omitempty"`
	ErrorCount             int        `json:"error_count"`
	GuestAdditionsVersion  string     `json:"guest_additions_version,omitempty"`
}
