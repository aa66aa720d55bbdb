package collector

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

const trendMicroReportDir = `C:\ProgramData\Trend Micro\AMSP\report\10009\`

type trendMicroCollector struct {
	vmName   string
	driver   vmdriver.Driver
	creds    vmdriver.Credentials
	timeouts Timeouts
}

func newTrendMicro(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) *trendMicroCollector {
	return &trendMicroCollector{vmName: vmName, driver: driver, creds: creds, timeouts: timeouts}
}

// rcaItem is one name/value Item of the Trigger section of Trend Micro's
// Real-time Cleanup Agent XML report. rcaReport below is the subset of
// that report this system reads: the triggering virus name, file name,
// and detection timestamp.
type rcaItem struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type rcaReport struct {
	Trigger struct {
		Items struct {
			Item []rcaItem `xml:"Item"`
		} `xml:"Items"`
	} `xml:"Trigger"`
	Summary struct {
		TriggerTime string `xml:"TriggerTime"`
	} `xml:"Summary"`
}

func (r rcaReport) item(name string) string {
	for _, it := range r.Trigger.Items.Item {
		if it.Name == name {
			return it.Value
		}
	}
	return ""
}

func (c *trendMicroCollector) GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error) {
	listArgs := []string{"-Command", "Get-ChildItem '" + trendMicroReportDir + "' -File -Filter '*.xml' | Select-Object -ExpandProperty Name"}
	ok, names, err := c.driver.ExecProgram(ctx, c.vmName, defenderPowerShellPath, listArgs, c.creds, c.timeouts.fileList())
	if !ok || err != nil || strings.TrimSpace(names) == "" {
		logging.Op().Info("trendmicro: report directory empty or unreachable", "vm", c.vmName, "error", err)
		return nil, nil
	}

	for _, name := range strings.Split(strings.TrimSpace(names), "\n") {
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(name, "rca") || !strings.HasSuffix(name, ".xml") {
			logging.Op().Warn("trendmicro: report filename did not match expected pattern", "vm", c.vmName, "file", name)
			continue
		}
		reportPath := trendMicroReportDir + name
		readArgs := []string{"-Command", "Get-Content '" + reportPath + "'"}
		ok, out, err := c.driver.ExecProgram(ctx, c.vmName, defenderPowerShellPath, readArgs, c.creds, c.timeouts.fileRead())
		if !ok || err != nil || strings.TrimSpace(out) == "" {
			logging.Op().Warn("trendmicro: report read failed", "vm", c.vmName, "file", name, "error", err)
			continue
		}

		var report rcaReport
		if err := xml.Unmarshal([]byte(out), &report); err != nil {
			logging.Op().Warn("trendmicro: report xml parse failed", "vm", c.vmName, "file", name, "error", err)
			continue
		}

		virusName := report.item("VirusName")
		fileNameField := report.item("FileName")
		detectionTime := report.Summary.TriggerTime

		return []domain.Alert{{
			Severity:      domain.SeverityCritical,
			AlertType:     virusName,
			DetectReason:  "Log",
			DetectionTime: detectionTime,
			FilePath:      fileNameField,
			Source:        "Trend",
		}}, nil
	}
	return nil, nil
}
