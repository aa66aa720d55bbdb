// Package collector retrieves EDR detection alerts from inside a sandbox
// VM after a sample has run, translating each vendor's own log or report
// format into domain.Alert.
package collector

import (
	"context"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

// Collector retrieves alerts recorded by one EDR product on one VM within
// a time window, optionally narrowed to a specific sample by hash or name.
type Collector interface {
	GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error)
}

// Timeouts bounds the in-guest commands a Collector issues. Zero fields
// fall back to sane per-step defaults.
type Timeouts struct {
	SimpleCommand time.Duration
	FileList      time.Duration
	FileRead      time.Duration
}

func (t Timeouts) simpleCommand() int {
	if t.SimpleCommand <= 0 {
		return 180
	}
	return int(t.SimpleCommand.Seconds())
}

func (t Timeouts) fileList() int {
	if t.FileList <= 0 {
		return 60
	}
	return int(t.FileList.Seconds())
}

func (t Timeouts) fileRead() int {
	if t.FileRead <= 0 {
		return 180
	}
	return int(t.FileRead.Seconds())
}

// Factory builds a Collector bound to one VM.
type Factory func(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) Collector

// registry maps an antivirus_tag (spec.md §6 windows.edr_analysis.vms[].antivirus)
// to the Collector implementation it selects.
var registry = map[string]Factory{
	"defender":   func(vm string, d vmdriver.Driver, c vmdriver.Credentials, t Timeouts) Collector { return newDefender(vm, d, c, t) },
	"kaspersky":  func(vm string, d vmdriver.Driver, c vmdriver.Credentials, t Timeouts) Collector { return newKaspersky(vm, d, c, t) },
	"mcafee":     func(vm string, d vmdriver.Driver, c vmdriver.Credentials, t Timeouts) Collector { return newMcAfee(vm, d, c, t) },
	"avira":      func(vm string, d vmdriver.Driver, c vmdriver.Credentials, t Timeouts) Collector { return newAvira(vm, d, c, t) },
	"trendmicro": func(vm string, d vmdriver.Driver, c vmdriver.Credentials, t Timeouts) Collector { return newTrendMicro(vm, d, c, t) },
}

// New builds the Collector for the given antivirus tag. An unrecognized
// tag falls back to the Defender collector and logs a warning, rather
// than erroring, so a fleet entry with a typo'd or not-yet-supported
// antivirus value still collects something.
func New(antivirusTag, vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) Collector {
	tag := strings.ToLower(strings.TrimSpace(antivirusTag))
	factory, ok := registry[tag]
	if !ok {
		logging.Op().Warn("unsupported antivirus tag, falling back to defender", "tag", antivirusTag, "vm", vmName)
		factory = registry["defender"]
	}
	return factory(vmName, driver, creds, timeouts)
}

// SupportedTags lists every antivirus_tag New recognizes without falling
// back.
func SupportedTags() []string {
	return []string{"defender", "kaspersky", "mcafee", "avira", "trendmicro"}
}
