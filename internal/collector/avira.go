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

const (
	aviraQuarantineDir = `C:\ProgramData\Avira\Endpoint Protection SDK\quarantine`
	// aviraReportScript decodes a .qua file's header (Avira XORs the
	// payload and tags the original path/malware name in cleartext at
	// the front of the file) into JSON; it is provisioned on the guest
	// ahead of time, outside this system's scope.
	aviraReportScript = `C:\get_report\get_report_.ps1`
)

type aviraCollector struct {
	vmName   string
	driver   vmdriver.Driver
	creds    vmdriver.Credentials
	timeouts Timeouts
}

func newAvira(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) *aviraCollector {
	return &aviraCollector{vmName: vmName, driver: driver, creds: creds, timeouts: timeouts}
}

type aviraQuarantineReport struct {
	Path    string `json:"path"`
	Malware string `json:"malware"`
	UTC     int64  `json:"utc"`
}

func (c *aviraCollector) GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error) {
	listArgs := []string{"-Command", "Get-ChildItem '" + aviraQuarantineDir + "' -File -Filter '*.qua' | Select-Object -ExpandProperty Name"}
	ok, names, err := c.driver.ExecProgram(ctx, c.vmName, defenderPowerShellPath, listArgs, c.creds, c.timeouts.fileList())
	if !ok || err != nil || strings.TrimSpace(names) == "" {
		logging.Op().Info("avira: quarantine directory empty or unreachable", "vm", c.vmName)
		return nil, nil
	}

	var alerts []domain.Alert
	for _, name := range strings.Split(strings.TrimSpace(names), "\n") {
		name = strings.TrimSpace(name)
		if !strings.HasSuffix(name, ".qua") {
			continue
		}
		quaPath := aviraQuarantineDir + `\` + name
		parseArgs := []string{"-Command", aviraReportScript + ` -FilePath '` + quaPath + `'`}
		ok, out, err := c.driver.ExecProgram(ctx, c.vmName, defenderPowerShellPath, parseArgs, c.creds, c.timeouts.fileList())
		if !ok || err != nil || strings.TrimSpace(out) == "" {
			logging.Op().Warn("avira: quarantine report parse failed", "vm", c.vmName, "file", name, "error", err)
			continue
		}

		var report aviraQuarantineReport
		if err := json.Unmarshal([]byte(out), &report); err != nil {
			logging.Op().Warn("avira: quarantine report is not valid json", "vm", c.vmName, "file", name, "error", err)
			continue
		}

		path := strings.TrimPrefix(report.Path, `\\?\`)
		alerts = append(alerts, domain.Alert{
			AlertType:      report.Malware,
			QuarantineTime: time.Unix(report.UTC, 0).UTC().Format("2006-01-02 15:04:05"),
			FilePath:       path,
			Source:         "Avira",
		})
	}
	return alerts, nil
}
