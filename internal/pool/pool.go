// Package pool manages the fixed fleet of sandbox VMs shared across
// analysis tasks.
//
// # Design rationale
//
// Unlike a warm-VM-reuse pool that grows and shrinks a set of identical
// instances, this pool manages a small, fixed, named fleet configured at
// startup (spec.md §6 windows.edr_analysis.vms / linux.behavioral_analysis.vms).
// Every VMResource already exists before the pool starts; Acquire never
// creates anything, it only transitions Idle -> Busy.
//
// # Concurrency model
//
// The fleet map itself is populated once at construction and is read-only
// afterward, so a sync.RWMutex guards only the rare case of iterating the
// whole fleet (AvailableVMs, Status); per-VMResource state transitions
// (Acquire/Release/MarkError/ResetError) are guarded by that resource's own
// mutex, never the pool-wide lock, so concurrent sub-analyses against
// different VMs never contend with each other. Aggregate stats
// (successful/failed task counts, rolling average duration) live behind a
// dedicated stats mutex for the same reason.
package pool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
)

// resource pairs a domain.VMResource with the mutex that guards its mutable
// fields.
type resource struct {
	mu sync.Mutex
	vm domain.VMResource
}

// Pool is the central VM resource manager. The zero value is not usable;
// construct via New.
type Pool struct {
	mu        sync.RWMutex // guards the fleet map itself (never recreated after New)
	fleet     map[string]*resource
	statsMu   sync.Mutex
	stats     Stats
}

// Stats aggregates pool-wide task outcomes.
type Stats struct {
	TotalTasks      int64
	SuccessfulTasks int64
	FailedTasks     int64
	totalDurationMs int64
}

// AvgTaskTimeMs returns the rolling average sub-analysis duration.
func (s Stats) AvgTaskTimeMs() float64 {
	if s.TotalTasks == 0 {
		return 0
	}
	return float64(s.totalDurationMs) / float64(s.TotalTasks)
}

// New constructs a Pool from the fleet configuration. All VMs start Idle.
func New(configs []domain.VMConfig) *Pool {
	fleet := make(map[string]*resource, len(configs))
	for _, c := range configs {
		fleet[c.Name] = &resource{vm: domain.VMResource{Config: c, State: domain.VMIdle}}
	}
	return &Pool{fleet: fleet}
}

// Acquire atomically transitions an Idle VM to Busy and records the owning
// task. It returns false without mutating anything if the VM is unknown or
// not Idle.
func (p *Pool) Acquire(vmName, taskID string) bool {
	r := p.find(vmName)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm.State != domain.VMIdle {
		return false
	}
	r.vm.State = domain.VMBusy
	r.vm.CurrentTaskID = taskID
	return true
}

// Release transitions a Busy VM back to Idle. Releasing an already-Idle VM
// is a no-op that logs a warning rather than an error, matching the
// teacher's tolerant-release idiom for double-release races.
func (p *Pool) Release(vmName string) {
	r := p.find(vmName)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm.State != domain.VMBusy {
		logging.Op().Warn("release of non-busy vm ignored", "vm", vmName, "state", r.vm.State)
		return
	}
	now := time.Now()
	r.vm.State = domain.VMIdle
	r.vm.CurrentTaskID = ""
	r.vm.LastUsed = &now
}

// MarkError transitions a VM (from any state) to Error and increments its
// error_count monotonically.
func (p *Pool) MarkError(vmName, msg string) {
	r := p.find(vmName)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vm.State = domain.VMError
	r.vm.CurrentTaskID = ""
	r.vm.ErrorCount++
	logging.Op().Warn("vm marked error", "vm", vmName, "error_count", r.vm.ErrorCount, "reason", msg)
}

// ResetError transitions a VM from Error back to Idle. No-op otherwise.
func (p *Pool) ResetError(vmName string) {
	r := p.find(vmName)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vm.State != domain.VMError {
		return
	}
	r.vm.State = domain.VMIdle
}

// AvailableVMs returns acquirable VM names (Idle or Error state — Error
// VMs are listed so callers/operators can see and potentially reset them,
// per spec.md §4.C), optionally intersected with requested, sorted
// ascending by error_count.
func (p *Pool) AvailableVMs(requested []string) []string {
	var want map[string]bool
	if len(requested) > 0 {
		want = make(map[string]bool, len(requested))
		for _, n := range requested {
			want[n] = true
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	type cand struct {
		name string
		errs int
	}
	var cands []cand
	for name, r := range p.fleet {
		if want != nil && !want[name] {
			continue
		}
		r.mu.Lock()
		state := r.vm.State
		errs := r.vm.ErrorCount
		r.mu.Unlock()
		if state == domain.VMIdle || state == domain.VMError {
			cands = append(cands, cand{name, errs})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].errs != cands[j].errs {
			return cands[i].errs < cands[j].errs
		}
		return cands[i].name < cands[j].name
	})
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// Get returns a snapshot copy of a VMResource, or false if unknown.
func (p *Pool) Get(vmName string) (domain.VMResource, bool) {
	r := p.find(vmName)
	if r == nil {
		return domain.VMResource{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vm, true
}

// Names returns every configured VM name in the fleet, sorted
// alphabetically.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.fleet))
	for name := range p.fleet {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// UpdateStats records the outcome of one completed sub-analysis.
func (p *Pool) UpdateStats(ok bool, duration time.Duration) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.TotalTasks++
	if ok {
		p.stats.SuccessfulTasks++
	} else {
		p.stats.FailedTasks++
	}
	p.stats.totalDurationMs += duration.Milliseconds()
}

// VMDetail is the per-VM projection returned by Status.
type VMDetail struct {
	Name          string         `json:"name"`
	State         domain.VMState `json:"state"`
	CurrentTaskID string         `json:"current_task_id,omitempty"`
	ErrorCount    int            `json:"error_count"`
}

// PoolStatus is the aggregate pool view returned by Status.
type PoolStatus struct {
	Total     int        `json:"total"`
	Idle      int        `json:"idle"`
	Busy      int        `json:"busy"`
	Error     int        `json:"error"`
	VMs       []VMDetail `json:"vms"`
	Stats     Stats      `json:"stats"`
}

// Status returns a point-in-time snapshot of the whole fleet plus
// aggregate task statistics.
func (p *Pool) Status() PoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := PoolStatus{Total: len(p.fleet)}
	for name, r := range p.fleet {
		r.mu.Lock()
		detail := VMDetail{Name: name, State: r.vm.State, CurrentTaskID: r.vm.CurrentTaskID, ErrorCount: r.vm.ErrorCount}
		r.mu.Unlock()
		st.VMs = append(st.VMs, detail)
		switch detail.State {
		case domain.VMIdle:
			st.Idle++
		case domain.VMBusy:
			st.Busy++
		case domain.VMError:
			st.Error++
		}
	}
	sort.Slice(st.VMs, func(i, j int) bool { return st.VMs[i].Name < st.VMs[j].Name })

	p.statsMu.Lock()
	st.Stats = p.stats
	p.statsMu.Unlock()

	return st
}

func (p *Pool) find(vmName string) *resource {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fleet[vmName]
}

// ErrUnknownVM is returned by callers that validate a requested VM name
// against the configured fleet (Router, Task Manager).
var ErrUnknownVM = fmt.Errorf("unknown vm name")
