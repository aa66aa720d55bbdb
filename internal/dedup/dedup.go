// Package dedup collapses duplicate EDR alerts observed within one
// sub-analysis into a single representative per logical detection.
package dedup

import "github.com/zcyberseclab/vmm/internal/domain"

type key struct {
	source    string
	alertType string
	filePath  string
}

// Dedup collapses alerts that share (source, alert_type, file_path) down
// to a single representative: the one with the lexicographically-greatest
// DetectionTime string wins; ties are broken by first-seen order; a
// candidate with no DetectionTime loses to any candidate that has one.
//
// Dedup is pure and idempotent: Dedup(Dedup(alerts)) == Dedup(alerts)
// (modulo output order, which is unspecified).
func Dedup(alerts []domain.Alert) []domain.Alert {
	best := make(map[key]domain.Alert)
	order := make(map[key]int)
	idx := 0

	for _, a := range alerts {
		k := key{source: a.Source, alertType: a.AlertType, filePath: a.FilePath}
		existing, ok := best[k]
		if !ok {
			best[k] = a
			order[k] = idx
			idx++
			continue
		}
		if beats(a, existing) {
			best[k] = a
		}
	}

	out := make([]domain.Alert, 0, len(best))
	for k, a := range best {
		_ = k
		out = append(out, a)
	}
	return out
}

// beats reports whether candidate should replace current as the
// representative for their shared key.
func beats(candidate, current domain.Alert) bool {
	if candidate.DetectionTime == "" {
		return false
	}
	if current.DetectionTime == "" {
		return true
	}
	return candidate.DetectionTime > current.DetectionTime
}
