package collector

import (
	"context"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

const kasperskyReportPath = `C:\Users\vboxuser\Desktop\report.txt`

// kasperskyDetectReasonMap and kasperskySeverityMap translate the
// Chinese labels avp.com prints in its FM report into the values this
// system reports.
var (
	kasperskyDetectReasonMap = map[string]string{"专家分析": "Expert Analysis"}
	kasperskySeverityMap     = map[string]domain.AlertSeverity{"高": domain.SeverityHigh}
)

type kasperskyCollector struct {
	vmName   string
	driver   vmdriver.Driver
	creds    vmdriver.Credentials
	timeouts Timeouts
}

func newKaspersky(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) *kasperskyCollector {
	return &kasperskyCollector{vmName: vmName, driver: driver, creds: creds, timeouts: timeouts}
}

func (c *kasperskyCollector) GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error) {
	exportCmd := `& 'C:\Program Files (x86)\Kaspersky Lab\Kaspersky 21.15\avp.com' report FM /RA:` + kasperskyReportPath
	if _, _, err := c.driver.ExecCommand(ctx, c.vmName, exportCmd, c.creds, c.timeouts.simpleCommand()); err != nil {
		logging.Op().Warn("kaspersky: avp.com report export failed", "vm", c.vmName, "error", err)
	}

	ok, out, err := c.driver.ExecCommand(ctx, c.vmName, "powershell.exe -Command Get-Content "+kasperskyReportPath, c.creds, c.timeouts.simpleCommand())
	if !ok || err != nil || strings.TrimSpace(out) == "" {
		logging.Op().Warn("kaspersky: report read failed or empty", "vm", c.vmName, "error", err)
		return nil, nil
	}

	return parseKasperskyLog(out, fileName), nil
}

// parseKasperskyLog walks the tab-separated lines of an avp.com FM report.
// Column indices follow the field layout avp.com emits for the "FM"
// (full) report template: [0]=time [1]=file path [2]=object name
// [5]=event ("检测到" i.e. "detected") [8]=threat type [10]=severity
// [19]=detect reason. Short lines are padded so index access never panics.
func parseKasperskyLog(log, fileName string) []domain.Alert {
	var alerts []domain.Alert
	for _, line := range strings.Split(log, "\n") {
		var parts []string
		for _, p := range strings.Split(line, "\t") {
			if t := strings.TrimSpace(p); t != "" {
				parts = append(parts, t)
			}
		}
		for len(parts) < 16 {
			parts = append(parts, "")
		}
		if parts[5] != "检测到" || parts[2] != fileName {
			continue
		}
		quarantineTime := strings.ReplaceAll(parts[0], "今天，", "")
		reason := "None"
		if len(parts) > 19 {
			reason = parts[19]
		}
		severity := domain.SeverityInfo
		if s, ok := kasperskySeverityMap[parts[10]]; ok {
			severity = s
		}
		detectReason := kasperskyDetectReasonMap[reason]

		alerts = append(alerts, domain.Alert{
			Severity:       severity,
			AlertType:      parts[8],
			DetectReason:   detectReason,
			QuarantineTime: quarantineTime,
			FilePath:       parts[1],
			Source:         "Kaspersky",
		})
	}
	return alerts
}
