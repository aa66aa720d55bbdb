package collector

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/zcyberseclab/vmm/internal/domain"
	"github.com/zcyberseclab/vmm/internal/logging"
	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

const defenderPowerShellPath = `C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`

// defenderEventQuery pulls the four Defender threat-detection event IDs
// from the operational log and flattens them with Format-List so the
// guest-side output survives a plain text channel.
const defenderEventQuery = `Get-WinEvent -FilterHashtable @{LogName='Microsoft-Windows-Windows Defender/Operational'; ID=1116,1117,1118,1119} -MaxEvents 20 | Select-Object TimeCreated, Id, LevelDisplayName, Message | Format-List`

type defenderCollector struct {
	vmName   string
	driver   vmdriver.Driver
	creds    vmdriver.Credentials
	timeouts Timeouts
}

func newDefender(vmName string, driver vmdriver.Driver, creds vmdriver.Credentials, timeouts Timeouts) *defenderCollector {
	return &defenderCollector{vmName: vmName, driver: driver, creds: creds, timeouts: timeouts}
}

func (c *defenderCollector) GetAlerts(ctx context.Context, startTime, endTime time.Time, fileHash, fileName string) ([]domain.Alert, error) {
	out, err := c.queryEvents(ctx)
	if err != nil {
		logging.Op().Error("defender: event query failed", "vm", c.vmName, "error", err)
		return nil, nil
	}
	if out == "" || !(strings.Contains(out, "TimeCreated") || strings.Contains(out, "Message")) {
		return nil, nil
	}
	records := parseDefenderEventLog(out, fileName)
	return convertDefenderRecords(records, startTime, endTime, fileName), nil
}

// queryEvents runs the PowerShell event query via ExecProgram first,
// falling back to ExecCommand (cmd.exe /c powershell ...) if the direct
// invocation fails, matching the original controller's resilience to
// in-guest PowerShell execution policy differences.
func (c *defenderCollector) queryEvents(ctx context.Context) (string, error) {
	ok, out, err := c.driver.ExecProgram(ctx, c.vmName, defenderPowerShellPath, []string{"-Command", defenderEventQuery}, c.creds, c.timeouts.simpleCommand())
	if ok && err == nil {
		return out, nil
	}
	logging.Op().Warn("defender: direct powershell exec failed, falling back to cmd.exe", "vm", c.vmName)
	_, out, err = c.driver.ExecCommand(ctx, c.vmName, "powershell -Command \""+defenderEventQuery+"\"", c.creds, c.timeouts.simpleCommand())
	return out, err
}

type defenderRecord struct {
	ThreatName    string
	DetectionTime string
	FilePath      string
	ProcessName   string
}

var (
	defenderNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*名称:\s*([^\r\n]+)`),
		regexp.MustCompile(`(?im)^\s*Name:\s*([^\r\n]+)`),
		regexp.MustCompile(`(?im)^\s*ThreatName:\s*([^\r\n]+)`),
	}
	defenderPathPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*路径:\s*file:_([^\r\n]+)`),
		regexp.MustCompile(`(?im)^\s*Path:\s*file:_([^\r\n]+)`),
		regexp.MustCompile(`file:_([^\r\n;,\s]+)`),
	}
	defenderProcessPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*进程名称:\s*([^\r\n]+)`),
		regexp.MustCompile(`(?im)^\s*Process Name:\s*([^\r\n]+)`),
		regexp.MustCompile(`(?im)^\s*ProcessName:\s*([^\r\n]+)`),
	}
	defenderThreatKeywords = []string{"名称:", "name:", "threat", "trojan", "virus", "malware", "worm", "defender"}
)

// parseDefenderEventLog reparses Format-List output into threat records.
// Each record is separated by a blank line; top-level fields (TimeCreated,
// Id, LevelDisplayName, Message) are "Key: value" lines with no leading
// whitespace, and the Message field's continuation lines carry the
// embedded, indented, bilingual threat fields the regexes below extract.
func parseDefenderEventLog(output, fileName string) []defenderRecord {
	lower := strings.ToLower(output)
	found := false
	for _, kw := range defenderThreatKeywords {
		if strings.Contains(lower, kw) {
			found = true
			break
		}
	}
	if !found {
		return nil
	}

	var records []defenderRecord
	var timeCreated string
	var messageLines []string
	inMessage := false

	flush := func() {
		if timeCreated == "" {
			return
		}
		message := strings.Join(messageLines, "\n")
		name, path, proc := extractDefenderThreatInfo(message)
		include := name != ""
		if !include && fileName != "" && path != "" && strings.Contains(strings.ToLower(path), strings.ToLower(fileName)) {
			include = true
		}
		if include {
			records = append(records, defenderRecord{ThreatName: name, DetectionTime: timeCreated, FilePath: path, ProcessName: proc})
		}
		timeCreated = ""
		messageLines = nil
		inMessage = false
	}

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") && strings.Contains(trimmed, ":") {
			key, value, _ := strings.Cut(trimmed, ":")
			key = strings.TrimSpace(key)
			value = strings.TrimSpace(value)
			switch key {
			case "TimeCreated":
				timeCreated = value
				inMessage = false
			case "Id", "LevelDisplayName":
				inMessage = false
			case "Message":
				messageLines = nil
				if value != "" {
					messageLines = append(messageLines, value)
				}
				inMessage = true
			}
			continue
		}
		if inMessage {
			messageLines = append(messageLines, line)
		}
	}
	flush()
	return records
}

func extractDefenderThreatInfo(message string) (threatName, filePath, processName string) {
	threatName = firstMatch(defenderNamePatterns, message)
	filePath = firstMatch(defenderPathPatterns, message)
	processName = firstMatch(defenderProcessPatterns, message)
	return
}

func firstMatch(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func convertDefenderRecords(records []defenderRecord, startTime, endTime time.Time, fileName string) []domain.Alert {
	var alerts []domain.Alert
	for _, r := range records {
		if r.ThreatName == "" {
			continue
		}
		alerts = append(alerts, domain.Alert{
			Severity:      defenderSeverity(r.ThreatName),
			AlertType:     r.ThreatName,
			ProcessName:   r.ProcessName,
			DetectReason:  "WinEVT",
			DetectionTime: r.DetectionTime,
			FilePath:      r.FilePath,
			Source:        "Windows Defender",
		})
	}
	return alerts
}

func defenderSeverity(threatName string) domain.AlertSeverity {
	lower := strings.ToLower(threatName)
	for _, kw := range []string{"trojan", "virus", "malware", "worm"} {
		if strings.Contains(lower, kw) {
			return domain.SeverityCritical
		}
	}
	for _, kw := range []string{"adware", "pup"} {
		if strings.Contains(lower, kw) {
			return domain.SeverityMedium
		}
	}
	return domain.SeverityHigh
}
