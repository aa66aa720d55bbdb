package sysmon

import (
	"sort"

	"github.com/zcyberseclab/vmm/internal/domain"
)

// ComputeStats aggregates a Sysmon event stream into BehaviorStats,
// grounded on original_source's task_manager.py
// _generate_behavior_statistics: per-event-ID counters, unique-process and
// unique-destination set tracking, and first/last event time derived from
// sorted timestamps.
func ComputeStats(events []domain.Event) domain.BehaviorStats {
	stats := domain.BehaviorStats{EventTypes: make(map[string]int)}
	if len(events) == 0 {
		return stats
	}

	processes := make(map[string]struct{})
	destinations := make(map[string]struct{})
	var timestamps []string

	for _, ev := range events {
		stats.TotalEvents++
		stats.EventTypes[ev.EventID]++

		switch ev.EventID {
		case domain.SysmonEventProcessCreate:
			stats.ProcessCreations++
			if ev.Image != "" {
				processes[ev.Image] = struct{}{}
			}
		case domain.SysmonEventFileCreate:
			stats.FileCreations++
		case domain.SysmonEventFileDelete:
			stats.FileDeletions++
		case domain.SysmonEventNetworkConnection:
			stats.NetworkConnections++
			if ev.DestinationIP != "" {
				destinations[ev.DestinationIP] = struct{}{}
			}
		case domain.SysmonEventDNSQuery:
			stats.DNSQueries++
		case domain.SysmonEventProcessAccess:
			stats.ProcessAccesses++
		case domain.SysmonEventImageLoad:
			stats.ImageLoads++
		}

		if ev.Timestamp != "" {
			timestamps = append(timestamps, ev.Timestamp)
		}
	}

	stats.UniqueProcesses = len(processes)
	stats.UniqueDestinations = len(destinations)

	if len(timestamps) > 0 {
		sort.Strings(timestamps)
		stats.FirstEventTime = timestamps[0]
		stats.LastEventTime = timestamps[len(timestamps)-1]
	}

	return stats
}
