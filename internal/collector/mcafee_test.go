package collector

import (
	"context"
	"testing"
	"time"

	"github.com/zcyberseclab/vmm/internal/vmdriver"
)

func TestMcAfeeCollector_ParsesDetectionLog(t *testing.T) {
	driver := &fakeDriver{
		execCommandOK: true,
		execCommandOutput: `{"ThreatID":"12345","detection_name":"Generic.Trojan","initiator_name":"sample.exe",` +
			`"timestamp":"2026-01-15 10:00:00","target_name":"C:\\temp\\sample.exe"}`,
	}
	c := newMcAfee("win-mcafee", driver, vmdriver.Credentials{Username: "vboxuser", Password: "123456"}, Timeouts{})

	alerts, err := c.GetAlerts(context.Background(), time.Now(), time.Now(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != "Generic.Trojan" || alerts[0].Source != "McAfee" {
		t.Fatalf("unexpected alert: %+v", alerts[0])
	}
}

func TestMcAfeeCollector_EmptyLogReturnsNoAlerts(t *testing.T) {
	driver := &fakeDriver{execCommandOK: true, execCommandOutput: ""}
	c := newMcAfee("win-mcafee", driver, vmdriver.Credentials{}, Timeouts{})

	alerts, err := c.GetAlerts(context.Background(), time.Now(), time.Now(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alerts != nil {
		t.Fatalf("expected no alerts, got %+v", alerts)
	}
}

func TestMcAfeeCollector_InvalidJSONReturnsNoAlerts(t *testing.T) {
	driver := &fakeDriver{execCommandOK: true, execCommandOutput: "not json"}
	c := newMcAfee("win-mcafee", driver, vmdriver.Credentials{}, Timeouts{})

	alerts, err := c.GetAlerts(context.Background(), time.Now(), time.Now(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if alerts != nil {
		t.Fatalf("expected no alerts for invalid json, got %+v", alerts)
	}
}
