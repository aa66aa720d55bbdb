package collector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

const mcafeeDetectionLogPath = `C:\ProgramData\McAfee\wps\Detection.log`

type mcafeeCollector struct {
	vmName   string
	driver   vmdriver.Driver
	creds    vmdriver.Credentials
	timeouts Timeouts
}

func newMcAfee(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) *mcafeeCollector {
	return &mcafeeCollector{vmName: vmName, driver: driver, creds: creds, timeouts: timeouts}
}

// mcafeeDetection mirrors the JSON object McAfee Endpoint Security' wps
// module writes to Detection.log per detection.
type mcafeeDetection struct {
	ThreatID      string `json:"ThreatID"`
	DetectionName string `json:"detection_name"`
	InitiatorName string `json:"initiator_name"`
	Timestamp     string `json:"timestamp"`
	TargetName    string `json:"target_name"`
}

func (c *mcafeeCollector) GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error) {
	cmd := `powershell -Command Get-Content '` + mcafeeDetectionLogPath + `'`
	ok, out, err := c.driver.ExecCommand(ctx, c.vmName, cmd, c.creds, c.timeouts.simpleCommand())
	if !ok || err != nil || strings.TrimSpace(out) == "" {
		logging.Op().Warn("mcafee: detection log read failed or empty", "vm", c.vmName, "error", err)
		return nil, nil
	}

	var det mcafeeDetection
	if err := json.Unmarshal([]byte(out), &det); err != nil {
		logging.Op().Warn("mcafee: detection log is not valid json", "vm", c.vmName, "error", err)
		return nil, nil
	}

	return []domain.Alert{{
		Severity:      domain.SeverityCritical,
		AlertType:     det.DetectionName,
		ProcessName:   det.InitiatorName,
		DetectReason:  "Log",
		DetectionTime: det.Timestamp,
		FilePath:      det.TargetName,
		Source:        "McAfee",
	}}, nil
}
