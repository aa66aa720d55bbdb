package dedup

import (
	"testing"

	"github.com/zcyberseclab/vmm/internal/domain"
)

func TestDedup_CollapsesSameKey(t *testing.T) {
	alerts := []domain.Alert{
		{Source: "Windows Defender", AlertType: "Trojan:Win32/Foo", FilePath: `C:\a.exe`, DetectionTime: "2026-01-01 10:00:00"},
		{Source: "Windows Defender", AlertType: "Trojan:Win32/Foo", FilePath: `C:\a.exe`, DetectionTime: "2026-01-01 11:00:00"},
	}
	out := Dedup(alerts)
	if len(out) != 1 {
		t.Fatalf("expected 1 deduped alert, got %d", len(out))
	}
	if out[0].DetectionTime != "2026-01-01 11:00:00" {
		t.Fatalf("expected the later detection time to win, got %q", out[0].DetectionTime)
	}
}

func TestDedup_DistinctFilePathsSurviveIndependently(t *testing.T) {
	alerts := []domain.Alert{
		{Source: "Windows Defender", AlertType: "Trojan:Win32/Foo", FilePath: `C:\a.exe`, DetectionTime: "t1"},
		{Source: "Windows Defender", AlertType: "Trojan:Win32/Foo", FilePath: `C:\b.exe`, DetectionTime: "t2"},
	}
	out := Dedup(alerts)
	if len(out) != 2 {
		t.Fatalf("expected 2 alerts for distinct file paths, got %d", len(out))
	}
}

func TestDedup_EmptyDetectionTimeLosesToNonEmpty(t *testing.T) {
	alerts := []domain.Alert{
		{Source: "McAfee", AlertType: "Generic.Trojan", FilePath: `C:\a.exe`, DetectionTime: ""},
		{Source: "McAfee", AlertType: "Generic.Trojan", FilePath: `C:\a.exe`, DetectionTime: "2026-01-01 09:00:00"},
	}
	out := Dedup(alerts)
	if len(out) != 1 || out[0].DetectionTime == "" {
		t.Fatalf("expected the non-empty-time alert to win, got %+v", out)
	}
}

func TestDedup_IsIdempotent(t *testing.T) {
	alerts := []domain.Alert{
		{Source: "Kaspersky", AlertType: "Virus", FilePath: `C:\x.exe`, DetectionTime: "t1"},
		{Source: "Kaspersky", AlertType: "Virus", FilePath: `C:\x.exe`, DetectionTime: "t2"},
		{Source: "Kaspersky", AlertType: "Worm", FilePath: `C:\y.exe`, DetectionTime: "t3"},
	}
	once := Dedup(alerts)
	twice := Dedup(once)
	if len(once) != len(twice) {
		t.Fatalf("dedup should be idempotent: first pass %d, second pass %d", len(once), len(twice))
	}
}
