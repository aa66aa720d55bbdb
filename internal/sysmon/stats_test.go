package sysmon

import (
	"testing"

	"github.com/zcyberseclab/vmm/internal/domain"
)

func TestComputeStats_CountsByEventID(t *testing.T) {
	events := []domain.Event{
		{EventID: domain.SysmonEventProcessCreate, Image: `C:\a.exe`, Timestamp: "2026-01-15 10:00:00"},
		{EventID: domain.SysmonEventProcessCreate, Image: `C:\a.exe`, Timestamp: "2026-01-15 10:00:01"},
		{EventID: domain.SysmonEventProcessCreate, Image: `C:\b.exe`, Timestamp: "2026-01-15 10:00:02"},
		{EventID: domain.SysmonEventNetworkConnection, DestinationIP: "1.2.3.4", Timestamp: "2026-01-15 10:00:03"},
		{EventID: domain.SysmonEventNetworkConnection, DestinationIP: "1.2.3.4", Timestamp: "2026-01-15 10:00:04"},
		{EventID: domain.SysmonEventFileCreate, Timestamp: "2026-01-15 10:00:05"},
		{EventID: domain.SysmonEventFileDelete, Timestamp: "2026-01-15 10:00:06"},
		{EventID: domain.SysmonEventDNSQuery, Timestamp: "2026-01-15 10:00:07"},
	}

	stats := ComputeStats(events)

	if stats.TotalEvents != 8 {
		t.Fatalf("expected 8 total events, got %d", stats.TotalEvents)
	}
	if stats.ProcessCreations != 3 {
		t.Fatalf("expected 3 process creations, got %d", stats.ProcessCreations)
	}
	if stats.UniqueProcesses != 2 {
		t.Fatalf("expected 2 unique processes, got %d", stats.UniqueProcesses)
	}
	if stats.NetworkConnections != 2 || stats.UniqueDestinations != 1 {
		t.Fatalf("expected 2 network connections to 1 unique destination, got %d/%d", stats.NetworkConnections, stats.UniqueDestinations)
	}
	if stats.FileCreations != 1 || stats.FileDeletions != 1 || stats.DNSQueries != 1 {
		t.Fatalf("unexpected file/dns counts: %+v", stats)
	}
	if stats.FirstEventTime != "2026-01-15 10:00:00" || stats.LastEventTime != "2026-01-15 10:00:07" {
		t.Fatalf("unexpected first/last event time: %q / %q", stats.FirstEventTime, stats.LastEventTime)
	}
}

func TestComputeStats_EmptyEventsReturnsZeroStats(t *testing.T) {
	stats := ComputeStats(nil)
	if stats.TotalEvents != 0 || stats.FirstEventTime != "" {
		t.Fatalf("expected zero stats for no events, got %+v", stats)
	}
}
